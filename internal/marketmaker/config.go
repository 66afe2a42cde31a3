package marketmaker

import (
	"github.com/shopspring/decimal"

	"github.com/betbot/makerkit/internal/domain"
	"github.com/betbot/makerkit/internal/quoting"
	"github.com/betbot/makerkit/pkg/config"
)

// Config 做市参数（已解析成领域类型）
type Config struct {
	Symbol               string
	Center               string // 数字或 "mid-range"
	Levels               int
	SpreadPct            decimal.Decimal
	OrderSize            decimal.Decimal
	Side                 quoting.SideFilter
	BypassValidation     bool
	ReplenishOnCancel    bool
	PartialFillThreshold decimal.Decimal
	TestOnly             bool
}

// FromStrategyConfig 从配置文件结构转换
func FromStrategyConfig(sc config.StrategyConfig) (Config, error) {
	side, err := quoting.ParseSideFilter(sc.Side)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Symbol:               domain.NormalizeSymbol(sc.Symbol),
		Center:               sc.Center,
		Levels:               sc.Levels,
		SpreadPct:            decimal.NewFromFloat(sc.SpreadPct),
		OrderSize:            decimal.NewFromFloat(sc.OrderSize),
		Side:                 side,
		BypassValidation:     sc.BypassValidation,
		ReplenishOnCancel:    sc.ReplenishOnCancel,
		PartialFillThreshold: decimal.NewFromFloat(sc.PartialFillThreshold),
		TestOnly:             sc.TestOnly,
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if err := domain.ValidateSymbol(c.Symbol); err != nil {
		return err
	}
	if c.Levels < 1 {
		return domain.NewValidationError("levels", "must be at least 1")
	}
	if !c.SpreadPct.IsPositive() {
		return domain.NewValidationError("spread_pct", "must be positive")
	}
	if !c.OrderSize.IsPositive() {
		return domain.NewValidationError("order_size", "must be positive")
	}
	return nil
}
