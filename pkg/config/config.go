package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/betbot/makerkit/internal/domain"
	"github.com/betbot/makerkit/pkg/logger"
)

// ExchangeConfig 交易所连接配置
type ExchangeConfig struct {
	APIKey            string        `yaml:"api_key"`
	APISecret         string        `yaml:"api_secret"`
	RESTURL           string        `yaml:"rest_url"`
	PublicURL         string        `yaml:"public_url"`
	WSURL             string        `yaml:"ws_url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"` // 鉴权 REST 接口限速
	DisableStream     bool          `yaml:"disable_stream"`      // 不连 WebSocket（只靠补单循环）
}

// StrategyConfig 做市参数
type StrategyConfig struct {
	Symbol               string  `yaml:"symbol"`
	Center               string  `yaml:"center"` // 数字或 "mid-range"
	Levels               int     `yaml:"levels"`
	SpreadPct            float64 `yaml:"spread_pct"` // 每档间距（百分比）
	OrderSize            float64 `yaml:"order_size"`
	Side                 string  `yaml:"side"` // buy / sell / 空=双边
	BypassValidation     bool    `yaml:"bypass_validation"`
	ReplenishOnCancel    bool    `yaml:"replenish_on_cancel"` // 被撤单后立即触发一次补单
	PartialFillThreshold float64 `yaml:"partial_fill_threshold"`
	TestOnly             bool    `yaml:"test_only"` // 只下初始单，不启动流和补单
}

// TimingConfig 固定等待时长
type TimingConfig struct {
	Settle            time.Duration `yaml:"settle"`
	RetryBase         time.Duration `yaml:"retry_base"`
	RetryFactor       float64       `yaml:"retry_factor"`
	ReconcileInitial  time.Duration `yaml:"reconcile_initial"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// ControlPlaneConfig HTTP 控制面
type ControlPlaneConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Token   string `yaml:"token"` // 非空时 POST 接口需要 Bearer token
}

// Config 应用配置
type Config struct {
	Exchange     ExchangeConfig     `yaml:"exchange"`
	Strategy     StrategyConfig     `yaml:"strategy"`
	Timing       TimingConfig       `yaml:"timing"`
	Log          logger.Config      `yaml:"log"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			RESTURL:           "https://api.bitfinex.com/v2",
			PublicURL:         "https://api-pub.bitfinex.com/v2",
			WSURL:             "wss://api.bitfinex.com/ws/2",
			Timeout:           10 * time.Second,
			RequestsPerMinute: 90,
		},
		Strategy: StrategyConfig{
			Symbol:               "tPNKUSD",
			Center:               "mid-range",
			Levels:               3,
			SpreadPct:            1.0,
			OrderSize:            10,
			PartialFillThreshold: 0.5,
		},
		Timing: TimingConfig{
			Settle:            time.Second,
			RetryBase:         time.Second,
			RetryFactor:       1.5,
			ReconcileInitial:  30 * time.Second,
			ReconcileInterval: 30 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Log: logger.Config{
			Level:      "info",
			OutputFile: "logs/makerkit.log",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
		ControlPlane: ControlPlaneConfig{
			Listen: "127.0.0.1:8089",
		},
	}
}

// Load 加载配置。优先级：环境变量 > 配置文件 > 默认值。
// envFile 为空时尝试当前目录的 .env，不存在不报错。
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, errors.Wrapf(err, "加载 env 文件失败 %s", envFile)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "读取配置文件失败 %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "解析 YAML 配置文件失败 %s", path)
		}
	}
	applyEnv(cfg)
	cfg.Strategy.Symbol = domain.NormalizeSymbol(cfg.Strategy.Symbol)
	return cfg, nil
}

func applyEnv(c *Config) {
	c.Exchange.APIKey = getEnv("BFX_API_KEY", c.Exchange.APIKey)
	c.Exchange.APISecret = getEnv("BFX_API_SECRET", c.Exchange.APISecret)
	c.Exchange.RESTURL = getEnv("BFX_REST_URL", c.Exchange.RESTURL)
	c.Exchange.WSURL = getEnv("BFX_WS_URL", c.Exchange.WSURL)

	c.Strategy.Symbol = getEnv("MAKERKIT_SYMBOL", c.Strategy.Symbol)
	c.Strategy.Center = getEnv("MAKERKIT_CENTER", c.Strategy.Center)
	c.Strategy.Levels = parseIntEnv("MAKERKIT_LEVELS", c.Strategy.Levels)
	c.Strategy.SpreadPct = parseFloatEnv("MAKERKIT_SPREAD_PCT", c.Strategy.SpreadPct)
	c.Strategy.OrderSize = parseFloatEnv("MAKERKIT_ORDER_SIZE", c.Strategy.OrderSize)
	c.Strategy.Side = getEnv("MAKERKIT_SIDE", c.Strategy.Side)
	c.Strategy.TestOnly = parseBoolEnv("MAKERKIT_TEST_ONLY", c.Strategy.TestOnly)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.OutputFile = getEnv("LOG_FILE", c.Log.OutputFile)

	c.ControlPlane.Listen = getEnv("MAKERKIT_LISTEN", c.ControlPlane.Listen)
	c.ControlPlane.Token = getEnv("MAKERKIT_TOKEN", c.ControlPlane.Token)
}

// Validate 验证配置（requireCredentials=false 用于只读命令）
func (c *Config) Validate(requireCredentials bool) error {
	if requireCredentials {
		if c.Exchange.APIKey == "" {
			return fmt.Errorf("BFX_API_KEY 未配置")
		}
		if c.Exchange.APISecret == "" {
			return fmt.Errorf("BFX_API_SECRET 未配置")
		}
	}
	if err := domain.ValidateSymbol(c.Strategy.Symbol); err != nil {
		return err
	}
	if c.Strategy.Levels < 1 {
		return fmt.Errorf("levels 必须至少为 1")
	}
	if c.Strategy.SpreadPct <= 0 {
		return fmt.Errorf("spread_pct 必须大于 0")
	}
	if c.Strategy.OrderSize <= 0 {
		return fmt.Errorf("order_size 必须大于 0")
	}
	if float64(c.Strategy.Levels)*c.Strategy.SpreadPct >= 100 {
		return fmt.Errorf("levels × spread_pct 必须小于 100，否则最外层买价不为正")
	}
	switch strings.ToLower(c.Strategy.Side) {
	case "", "both", "buy", "sell":
	default:
		return fmt.Errorf("side 必须是 buy、sell 或留空，当前为 %q", c.Strategy.Side)
	}
	if c.Strategy.PartialFillThreshold <= 0 || c.Strategy.PartialFillThreshold > 1 {
		return fmt.Errorf("partial_fill_threshold 必须在 (0, 1] 之间")
	}
	if c.Timing.RetryFactor < 1 {
		return fmt.Errorf("retry_factor 不能小于 1")
	}
	if c.Exchange.RequestsPerMinute < 1 {
		return fmt.Errorf("requests_per_minute 必须大于 0")
	}
	return nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv 解析整数环境变量
func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseFloatEnv 解析浮点数环境变量
func parseFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseBoolEnv 解析布尔环境变量
func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
