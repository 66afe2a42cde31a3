package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/betbot/makerkit/pkg/bitfinex"
	"github.com/betbot/makerkit/pkg/config"
	"github.com/betbot/makerkit/pkg/delay"
	"github.com/betbot/makerkit/pkg/logger"
)

const usage = `用法:
  makerkit [run] [-config file] [-env file] [-test-only]
  makerkit update -id <order id> [-price p] [-amount a | -delta d] [-use-cancel-recreate]
`

func main() {
	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 && (args[0] == "run" || args[0] == "update") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "update":
		err = runUpdate(args)
	default:
		err = runMarketMaker(args)
	}
	if err != nil {
		logrus.Errorf("❌ %v", err)
		os.Exit(1)
	}
}

// commonFlags 两个子命令共用的 -config / -env
type commonFlags struct {
	configPath string
	envFile    string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "YAML 配置文件路径（为空时只用环境变量和默认值）")
	fs.StringVar(&c.envFile, "env", "", ".env 文件路径（默认尝试当前目录 .env）")
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage); fs.PrintDefaults() }
}

// load 加载配置并初始化日志
func (c *commonFlags) load() (*config.Config, error) {
	cfg, err := config.Load(c.configPath, c.envFile)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	if c.configPath != "" {
		logrus.Infof("使用配置文件: %s", c.configPath)
	}
	if f := logger.GetCurrentLogFile(); f != "" {
		logrus.Infof("日志文件: %s", f)
	}
	return cfg, nil
}

func newRESTClient(cfg *config.Config) *bitfinex.Client {
	return bitfinex.New(bitfinex.Config{
		APIKey:            cfg.Exchange.APIKey,
		APISecret:         cfg.Exchange.APISecret,
		BaseURL:           cfg.Exchange.RESTURL,
		PublicURL:         cfg.Exchange.PublicURL,
		Timeout:           cfg.Exchange.Timeout,
		RequestsPerMinute: cfg.Exchange.RequestsPerMinute,
	})
}

func newStream(cfg *config.Config, symbol string) *bitfinex.Stream {
	return bitfinex.NewStream(bitfinex.StreamConfig{
		URL:       cfg.Exchange.WSURL,
		APIKey:    cfg.Exchange.APIKey,
		APISecret: cfg.Exchange.APISecret,
		Symbol:    symbol,
	})
}

func delayPolicy(cfg *config.Config) delay.Policy {
	return delay.New(delay.Config{
		Settle:            cfg.Timing.Settle,
		RetryBase:         cfg.Timing.RetryBase,
		RetryFactor:       cfg.Timing.RetryFactor,
		ReconcileInitial:  cfg.Timing.ReconcileInitial,
		ReconcileInterval: cfg.Timing.ReconcileInterval,
	})
}
