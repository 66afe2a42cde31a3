package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide 解析订单方向（大小写不敏感）
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return SideBuy, nil
	case "sell":
		return SideSell, nil
	default:
		return "", NewValidationError("side", fmt.Sprintf("invalid order side %q, must be buy or sell", s))
	}
}

// SignedAmount 按 Bitfinex 约定转换数量：买单为正，卖单为负
func (s Side) SignedAmount(amount decimal.Decimal) decimal.Decimal {
	if s == SideSell {
		return amount.Abs().Neg()
	}
	return amount.Abs()
}

// SideFromSignedAmount 从带符号数量推断方向
func SideFromSignedAmount(amount decimal.Decimal) Side {
	if amount.IsNegative() {
		return SideSell
	}
	return SideBuy
}

// TrackedOrder 本地跟踪的挂单（只由 ledger 持有和修改，外部拿到的都是副本）
type TrackedOrder struct {
	ID        Identity
	Symbol    string
	Side      Side
	Price     decimal.Decimal
	Amount    decimal.Decimal // 原始下单数量（正数）
	TrackedAt time.Time
}

func (o TrackedOrder) String() string {
	return fmt.Sprintf("%s %s %s @ %s (%s)", strings.ToUpper(string(o.Side)), o.Amount.String(), o.Symbol, o.Price.StringFixed(6), o.ID)
}

// LevelSpec 报价阶梯中的一档
type LevelSpec struct {
	Side   Side
	Amount decimal.Decimal
	Price  decimal.Decimal
}

// OrderRecord 交易所返回的活跃订单视图
type OrderRecord struct {
	ID     int64
	Symbol string
	Side   Side
	Amount decimal.Decimal // 剩余数量（绝对值）
	Price  decimal.Decimal
	Type   string
	Status string
	Flags  int

	OriginalAmount decimal.Decimal // 下单时数量（绝对值），流消息里才有
	AvgPrice       decimal.Decimal // 成交均价，未成交为 0
}

// FillPrice 成交价：有均价用均价，否则用挂单价
func (r OrderRecord) FillPrice() decimal.Decimal {
	if r.AvgPrice.IsPositive() {
		return r.AvgPrice
	}
	return r.Price
}

// OrderUpdate 改单请求（数量为正数，方向由 Side 决定）
type OrderUpdate struct {
	ID     int64
	Symbol string
	Side   Side
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// Ticker 行情快照
type Ticker struct {
	Symbol    string
	Bid       decimal.Decimal
	BidSize   decimal.Decimal
	Ask       decimal.Decimal
	AskSize   decimal.Decimal
	LastPrice decimal.Decimal
}

// Mid 买一卖一中间价
func (t Ticker) Mid() decimal.Decimal {
	return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
}

// PostOnlyFlag Bitfinex 的 post-only 标记位
const PostOnlyFlag = 4096
