package ledger

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/betbot/makerkit/internal/domain"
)

// Extractor 从回执的某一种形态中取订单 ID；取不到或不是合法真实 ID 返回 false
type Extractor func(ack domain.Acknowledgment) (domain.Identity, bool)

// DefaultExtractors 解析顺序：
//  1. payload 是带 id 的对象
//  2. payload 是非空数组（第一个元素的 id / 嵌套数组的第一个元素 / 元素本身）
//  3. info 数组第一个元素是原始值
//  4. 回执直接带 id
func DefaultExtractors() []Extractor {
	return []Extractor{PayloadRecord, PayloadList, InfoList, DirectID}
}

// Resolve 依次尝试，第一个命中即返回
func Resolve(ack domain.Acknowledgment, extractors []Extractor) (domain.Identity, bool) {
	for _, ex := range extractors {
		if id, ok := ex(ack); ok {
			return id, true
		}
	}
	return domain.Identity{}, false
}

func PayloadRecord(ack domain.Acknowledgment) (domain.Identity, bool) {
	rec, ok := ack.Payload.(map[string]any)
	if !ok {
		return domain.Identity{}, false
	}
	return toIdentity(rec["id"])
}

func PayloadList(ack domain.Acknowledgment) (domain.Identity, bool) {
	list, ok := ack.Payload.([]any)
	if !ok || len(list) == 0 {
		return domain.Identity{}, false
	}
	switch first := list[0].(type) {
	case map[string]any:
		return toIdentity(first["id"])
	case []any:
		// Bitfinex 订单数组：[ID, GID, CID, SYMBOL, ...]
		if len(first) == 0 {
			return domain.Identity{}, false
		}
		return toIdentity(first[0])
	default:
		return toIdentity(first)
	}
}

func InfoList(ack domain.Acknowledgment) (domain.Identity, bool) {
	if len(ack.Info) == 0 {
		return domain.Identity{}, false
	}
	switch ack.Info[0].(type) {
	case map[string]any, []any:
		return domain.Identity{}, false
	}
	return toIdentity(ack.Info[0])
}

func DirectID(ack domain.Acknowledgment) (domain.Identity, bool) {
	return toIdentity(ack.ID)
}

// toIdentity 把解码后的 JSON 原始值转成真实 ID，超出范围视为未命中
func toIdentity(v any) (domain.Identity, bool) {
	n, ok := toInt64(v)
	if !ok {
		return domain.Identity{}, false
	}
	id, err := domain.RealID(n)
	if err != nil {
		return domain.Identity{}, false
	}
	return id, true
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) || math.IsNaN(x) {
			return 0, false
		}
		return int64(x), true
	case json.Number:
		n, err := x.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
