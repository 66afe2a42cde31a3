package domain

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// MinRealOrderID / MaxRealOrderID 交易所订单 ID 的合法区间
	MinRealOrderID int64 = 10_000_000
	MaxRealOrderID int64 = 99_999_999
)

// Identity 订单标识：要么是交易所分配的真实 ID，要么是本地合成的占位 key。
//
// 值类型、可比较，可以直接做 map key。占位 ID 永远不会发给交易所做撤单/改单。
type Identity struct {
	real        int64
	placeholder string
}

// RealID 创建真实订单 ID（范围校验失败返回 ValidationError）
func RealID(v int64) (Identity, error) {
	if v < MinRealOrderID || v > MaxRealOrderID {
		return Identity{}, NewValidationError("order_id", fmt.Sprintf("order id must be between %d and %d, got %d", MinRealOrderID, MaxRealOrderID, v))
	}
	return Identity{real: v}, nil
}

// MustRealID 测试和常量场景使用
func MustRealID(v int64) Identity {
	id, err := RealID(v)
	if err != nil {
		panic(err)
	}
	return id
}

// ParseIdentity 从字符串解析真实订单 ID
func ParseIdentity(s string) (Identity, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return Identity{}, NewValidationError("order_id", fmt.Sprintf("invalid order id %q", s))
	}
	return RealID(v)
}

const placeholderSep = "|"

// PlaceholderID 根据 side/price/amount[/suffix] 合成确定性的占位 key。
// 格式：side|price(6位小数)|amount(6位小数)[|suffix]
func PlaceholderID(side Side, price, amount decimal.Decimal, suffix string) Identity {
	key := strings.Join([]string{strings.ToLower(string(side)), price.StringFixed(6), amount.Abs().StringFixed(6)}, placeholderSep)
	if suffix != "" {
		key += placeholderSep + suffix
	}
	return Identity{placeholder: key}
}

// IsZero 未初始化的标识
func (id Identity) IsZero() bool { return id.real == 0 && id.placeholder == "" }

// IsReal 是否交易所真实 ID
func (id Identity) IsReal() bool { return id.real != 0 }

// IsPlaceholder 是否本地占位 ID
func (id Identity) IsPlaceholder() bool { return id.placeholder != "" }

// CanBeCancelled 只有真实 ID 能撤单/改单
func (id Identity) CanBeCancelled() bool { return id.IsReal() }

// Value 真实 ID 数值（占位 ID 返回 0）
func (id Identity) Value() int64 { return id.real }

// Key 占位 key（真实 ID 返回空串）
func (id Identity) Key() string { return id.placeholder }

func (id Identity) String() string {
	if id.IsPlaceholder() {
		return "[P]" + id.placeholder
	}
	return strconv.FormatInt(id.real, 10)
}

// PlaceholderInfo 占位 key 解析结果
type PlaceholderInfo struct {
	Side   Side
	Price  decimal.Decimal
	Amount decimal.Decimal
	Suffix string
}

// PlaceholderInfo 反解占位 key，非占位或格式不符返回 false
func (id Identity) PlaceholderInfo() (PlaceholderInfo, bool) {
	if !id.IsPlaceholder() {
		return PlaceholderInfo{}, false
	}
	parts := strings.SplitN(id.placeholder, placeholderSep, 4)
	if len(parts) < 3 {
		return PlaceholderInfo{}, false
	}
	side, err := ParseSide(parts[0])
	if err != nil {
		return PlaceholderInfo{}, false
	}
	price, err := decimal.NewFromString(parts[1])
	if err != nil {
		return PlaceholderInfo{}, false
	}
	amount, err := decimal.NewFromString(parts[2])
	if err != nil {
		return PlaceholderInfo{}, false
	}
	info := PlaceholderInfo{Side: side, Price: price, Amount: amount}
	if len(parts) == 4 {
		info.Suffix = parts[3]
	}
	return info, true
}
