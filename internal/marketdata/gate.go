package marketdata

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/makerkit/internal/domain"
	"github.com/betbot/makerkit/internal/ports"
)

var log = logrus.WithField("component", "market_data")

// MidRange 用买一卖一中间价作为中心价
const MidRange = "mid-range"

// Quote 校验时看到的买一卖一
type Quote struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// Gate 中心价校验
type Gate struct {
	tickers ports.TickerGetter
}

func NewGate(tickers ports.TickerGetter) *Gate {
	return &Gate{tickers: tickers}
}

// Validate 校验候选中心价严格落在 (bid, ask) 之间。
//
// 拉行情失败返回 (false, nil)；bypass 时直接通过但会打 WARN；
// 校验失败时仍返回 quote，方便调用方提示合法区间。
func (g *Gate) Validate(ctx context.Context, symbol string, candidate decimal.Decimal, bypass bool) (bool, *Quote) {
	t, err := g.tickers.Ticker(ctx, symbol)
	if err != nil {
		log.Errorf("获取 %s 行情失败，无法校验中心价: %v", symbol, err)
		return false, nil
	}
	q := &Quote{Bid: t.Bid, Ask: t.Ask}

	if bypass {
		log.Warnf("⚠️ 跳过中心价校验: center=%s bid=%s ask=%s（post-only 单可能被拒）", candidate, t.Bid, t.Ask)
		return true, q
	}

	if candidate.LessThanOrEqual(t.Bid) {
		log.Errorf("❌ 中心价 %s 不高于买一 %s，合法区间 (%s, %s)", candidate, t.Bid, t.Bid, t.Ask)
		return false, q
	}
	if candidate.GreaterThanOrEqual(t.Ask) {
		log.Errorf("❌ 中心价 %s 不低于卖一 %s，合法区间 (%s, %s)", candidate, t.Ask, t.Bid, t.Ask)
		return false, q
	}
	log.Infof("✅ 中心价 %s 在买卖价之间 (%s, %s)", candidate, t.Bid, t.Ask)
	return true, q
}

// ResolveCenter 解析中心价输入：十进制数字或 "mid-range"
func (g *Gate) ResolveCenter(ctx context.Context, symbol, input string) (decimal.Decimal, error) {
	input = strings.TrimSpace(input)
	if strings.EqualFold(input, MidRange) {
		t, err := g.tickers.Ticker(ctx, symbol)
		if err != nil {
			return decimal.Zero, errors.Wrapf(err, "fetch ticker for %s", symbol)
		}
		if !t.Bid.IsPositive() || !t.Ask.IsPositive() {
			return decimal.Zero, errors.Errorf("no usable bid/ask for %s (bid=%s ask=%s)", symbol, t.Bid, t.Ask)
		}
		mid := t.Mid()
		log.Infof("使用中间价作为中心价: %s (bid=%s ask=%s)", mid, t.Bid, t.Ask)
		return mid, nil
	}
	center, err := decimal.NewFromString(input)
	if err != nil {
		return decimal.Zero, domain.NewValidationError("center", fmt.Sprintf("invalid center price %q, expected a number or %q", input, MidRange))
	}
	if !center.IsPositive() {
		return decimal.Zero, domain.NewValidationError("center", "center price must be positive")
	}
	return center, nil
}

// Suggestion 市场概览
type Suggestion struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Mid       decimal.Decimal `json:"mid"`
	LastPrice decimal.Decimal `json:"last_price"`
	Spread    decimal.Decimal `json:"spread"`
	SpreadPct decimal.Decimal `json:"spread_pct"`
}

// Suggest 返回中间价、最新价和价差，供选择中心价参考
func (g *Gate) Suggest(ctx context.Context, symbol string) (*Suggestion, error) {
	t, err := g.tickers.Ticker(ctx, symbol)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch ticker for %s", symbol)
	}
	mid := t.Mid()
	spread := t.Ask.Sub(t.Bid)
	pct := decimal.Zero
	if mid.IsPositive() {
		pct = spread.Div(mid).Mul(decimal.NewFromInt(100))
	}
	return &Suggestion{
		Symbol:    symbol,
		Bid:       t.Bid,
		Ask:       t.Ask,
		Mid:       mid,
		LastPrice: t.LastPrice,
		Spread:    spread,
		SpreadPct: pct,
	}, nil
}
