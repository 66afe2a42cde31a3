package quoting

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/betbot/makerkit/internal/domain"
)

// SideFilter 只挂某一侧
type SideFilter string

const (
	BothSides SideFilter = ""
	BuyOnly   SideFilter = "buy"
	SellOnly  SideFilter = "sell"
)

// ParseSideFilter 空串表示双边
func ParseSideFilter(s string) (SideFilter, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "both":
		return BothSides, nil
	case "buy":
		return BuyOnly, nil
	case "sell":
		return SellOnly, nil
	default:
		return "", domain.NewValidationError("side", fmt.Sprintf("invalid side filter %q, must be buy, sell or empty", s))
	}
}

var hundred = decimal.NewFromInt(100)

// Generate 围绕中心价生成对称阶梯：第 i 档买价 center*(1-spread*i/100)，卖价 center*(1+spread*i/100)。
// 结果按价格升序；纯函数，不过滤非正价格（由调用方保证参数合理）。
func Generate(center decimal.Decimal, levels int, spreadPct, size decimal.Decimal, filter SideFilter) []domain.LevelSpec {
	if levels <= 0 {
		return nil
	}
	out := make([]domain.LevelSpec, 0, levels*2)
	for i := 1; i <= levels; i++ {
		step := spreadPct.Mul(decimal.NewFromInt(int64(i))).Div(hundred)
		if filter != SellOnly {
			out = append(out, domain.LevelSpec{
				Side:   domain.SideBuy,
				Amount: size,
				Price:  center.Mul(decimal.NewFromInt(1).Sub(step)),
			})
		}
		if filter != BuyOnly {
			out = append(out, domain.LevelSpec{
				Side:   domain.SideSell,
				Amount: size,
				Price:  center.Mul(decimal.NewFromInt(1).Add(step)),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// DistancePct 档位价格偏离中心价的百分比（有符号）
func DistancePct(level domain.LevelSpec, center decimal.Decimal) decimal.Decimal {
	if center.IsZero() {
		return decimal.Zero
	}
	return level.Price.Sub(center).Div(center).Mul(hundred)
}

// Preview 下单前的预览行
func Preview(specs []domain.LevelSpec, center decimal.Decimal) []string {
	lines := make([]string, 0, len(specs))
	for _, s := range specs {
		dist := DistancePct(s, center).StringFixed(2)
		if !strings.HasPrefix(dist, "-") {
			dist = "+" + dist
		}
		lines = append(lines, fmt.Sprintf("%-4s %s @ %s (%s%%)",
			strings.ToUpper(string(s.Side)), s.Amount.String(), s.Price.StringFixed(6), dist))
	}
	return lines
}
