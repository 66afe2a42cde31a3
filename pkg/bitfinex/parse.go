package bitfinex

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/makerkit/internal/domain"
)

// 订单数组下标（REST auth/r/orders 与 WS os/on/ou/oc 共用）
const (
	idxOrderID        = 0
	idxOrderSymbol    = 3
	idxOrderAmount    = 6
	idxOrderAmountOrg = 7
	idxOrderType      = 8
	idxOrderFlags     = 12
	idxOrderStatus    = 13
	idxOrderPrice     = 16
	idxOrderPriceAvg  = 17
	orderArrayMinLen  = 18
)

// 通知数组下标：[MTS, TYPE, MSG_ID, null, DATA, CODE, STATUS, TEXT]
const (
	idxNotifyType   = 1
	idxNotifyData   = 4
	idxNotifyStatus = 6
	idxNotifyText   = 7
)

// decode 统一用 UseNumber，订单 ID 不能经过 float64
func decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, errors.Wrap(err, "decode bitfinex payload")
	}
	return v, nil
}

// parseOrder 把订单数组转成 OrderRecord
func parseOrder(v any) (domain.OrderRecord, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) < orderArrayMinLen {
		return domain.OrderRecord{}, errors.Errorf("unexpected order array: %v", v)
	}
	id, ok := asInt64(arr[idxOrderID])
	if !ok {
		return domain.OrderRecord{}, errors.Errorf("order id is not an integer: %v", arr[idxOrderID])
	}
	amount := asDecimal(arr[idxOrderAmount])
	orig := asDecimal(arr[idxOrderAmountOrg])
	side := domain.SideFromSignedAmount(amount)
	if amount.IsZero() {
		// 完全成交后剩余为 0，方向看原始数量
		side = domain.SideFromSignedAmount(orig)
	}
	flags, _ := asInt64(arr[idxOrderFlags])
	return domain.OrderRecord{
		ID:             id,
		Symbol:         asString(arr[idxOrderSymbol]),
		Side:           side,
		Amount:         amount.Abs(),
		OriginalAmount: orig.Abs(),
		Type:           asString(arr[idxOrderType]),
		Flags:          int(flags),
		Status:         asString(arr[idxOrderStatus]),
		Price:          asDecimal(arr[idxOrderPrice]),
		AvgPrice:       asDecimal(arr[idxOrderPriceAvg]),
	}, nil
}

// parseOrders 订单数组列表，坏条目跳过
func parseOrders(v any) []domain.OrderRecord {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]domain.OrderRecord, 0, len(list))
	for _, item := range list {
		rec, err := parseOrder(item)
		if err != nil {
			log.Debugf("跳过无法解析的订单: %v", err)
			continue
		}
		out = append(out, rec)
	}
	return out
}

// notification 解析后的通知
type notification struct {
	Type   string
	Status string
	Text   string
	Data   any
}

func parseNotification(v any) (notification, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) <= idxNotifyText {
		return notification{}, errors.Errorf("unexpected notification: %v", v)
	}
	return notification{
		Type:   asString(arr[idxNotifyType]),
		Status: strings.ToUpper(asString(arr[idxNotifyStatus])),
		Text:   asString(arr[idxNotifyText]),
		Data:   arr[idxNotifyData],
	}, nil
}

func (n notification) ok() bool { return n.Status == "SUCCESS" }

// parseTicker 交易对 ticker：[BID, BID_SIZE, ASK, ASK_SIZE, DCH, DCHR, LAST, VOL, HIGH, LOW]
func parseTicker(symbol string, v any) (domain.Ticker, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) < 7 {
		return domain.Ticker{}, errors.Errorf("unexpected ticker for %s: %v", symbol, v)
	}
	return domain.Ticker{
		Symbol:    symbol,
		Bid:       asDecimal(arr[0]),
		BidSize:   asDecimal(arr[1]),
		Ask:       asDecimal(arr[2]),
		AskSize:   asDecimal(arr[3]),
		LastPrice: asDecimal(arr[6]),
	}, nil
}

// parseErrorBody ["error", code, "text"]；不是这个形态时返回原文
func parseErrorBody(raw []byte) string {
	v, err := decode(raw)
	if err != nil {
		return strings.TrimSpace(string(raw))
	}
	if arr, ok := v.([]any); ok && len(arr) >= 3 && asString(arr[0]) == "error" {
		return asString(arr[2])
	}
	if m, ok := v.(map[string]any); ok {
		if msg := asString(m["message"]); msg != "" {
			return msg
		}
	}
	return strings.TrimSpace(string(raw))
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case json.Number:
		n, err := x.Int64()
		return n, err == nil
	case float64:
		return int64(x), x == float64(int64(x))
	case int64:
		return x, true
	case int:
		return int64(x), true
	default:
		return 0, false
	}
}

func asDecimal(v any) decimal.Decimal {
	switch x := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return decimal.Zero
		}
		return d
	case float64:
		return decimal.NewFromFloat(x)
	case string:
		d, err := decimal.NewFromString(x)
		if err != nil {
			return decimal.Zero
		}
		return d
	default:
		return decimal.Zero
	}
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
