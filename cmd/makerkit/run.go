package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/makerkit/internal/controlplane"
	"github.com/betbot/makerkit/internal/marketmaker"
	"github.com/betbot/makerkit/internal/metrics"
	"github.com/betbot/makerkit/pkg/logger"
)

// runMarketMaker 挂初始阶梯，然后跟随成交/撤单事件维护阶梯直到收到退出信号
func runMarketMaker(args []string) error {
	var common commonFlags
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	common.register(fs)
	testOnly := fs.Bool("test-only", false, "只挂初始单后退出，不启动事件流和补单循环")
	_ = fs.Parse(args)

	cfg, err := common.load()
	if err != nil {
		return err
	}
	if *testOnly {
		cfg.Strategy.TestOnly = true
	}
	if err := cfg.Validate(true); err != nil {
		return err
	}

	mmCfg, err := marketmaker.FromStrategyConfig(cfg.Strategy)
	if err != nil {
		return err
	}

	m := metrics.New()
	opts := []marketmaker.Option{
		marketmaker.WithMetrics(m),
		marketmaker.WithDelays(delayPolicy(cfg)),
	}
	if !cfg.Exchange.DisableStream && !mmCfg.TestOnly {
		opts = append(opts, marketmaker.WithStream(newStream(cfg, mmCfg.Symbol)))
	}
	engine, err := marketmaker.New(mmCfg, newRESTClient(cfg), opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.ControlPlane.Enabled {
		logs := controlplane.NewLogBuffer(0)
		logger.AddSink(logrus.InfoLevel, logs.Sink)
		cp := controlplane.New(controlplane.Config{Token: cfg.ControlPlane.Token}, engine, m, logs)
		if _, err := cp.Start(ctx, cfg.ControlPlane.Listen); err != nil {
			return err
		}
		logrus.Infof("🎛️ 控制面已启动: http://%s", cfg.ControlPlane.Listen)
	}

	logrus.Infof("🚀 启动做市: symbol=%s center=%s levels=%d spread=%s%% size=%s",
		mmCfg.Symbol, mmCfg.Center, mmCfg.Levels, mmCfg.SpreadPct, mmCfg.OrderSize)
	if err := engine.Start(ctx); err != nil {
		return err
	}
	if mmCfg.TestOnly {
		snap := engine.Snapshot()
		logrus.Infof("🧪 测试模式完成: 已挂 %d 个订单，保留在交易所", len(snap.Orders))
		return nil
	}

	<-ctx.Done()
	logrus.Infof("🛑 收到退出信号，开始撤单并关闭...")

	timeout := cfg.Timing.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := engine.Stop(shutdownCtx); err != nil {
		return err
	}
	logrus.Infof("✅ 已退出")
	return nil
}
