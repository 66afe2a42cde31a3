package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/makerkit/internal/amend"
	"github.com/betbot/makerkit/internal/domain"
	"github.com/betbot/makerkit/internal/events"
	"github.com/betbot/makerkit/internal/ledger"
	"github.com/betbot/makerkit/pkg/bitfinex"
)

const streamAuthTimeout = 10 * time.Second

// runUpdate 修改单个活跃订单：优先原地改单（REST update / WS ou），
// 只有显式 -use-cancel-recreate 时才允许撤单重建。
func runUpdate(args []string) error {
	var common commonFlags
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	common.register(fs)
	idFlag := fs.String("id", "", "订单 ID")
	priceFlag := fs.String("price", "", "新价格")
	amountFlag := fs.String("amount", "", "新数量（与 -delta 互斥）")
	deltaFlag := fs.String("delta", "", "数量增减量（与 -amount 互斥）")
	cancelRecreate := fs.Bool("use-cancel-recreate", false, "原地改单失败时允许撤单后重新下单")
	noStream := fs.Bool("no-stream", false, "不连 WebSocket，只用 REST")
	timeout := fs.Duration("timeout", time.Minute, "整体超时")
	_ = fs.Parse(args)

	id, err := domain.ParseIdentity(*idFlag)
	if err != nil {
		return err
	}
	req := amend.Request{ID: id, AllowDestructiveFallback: *cancelRecreate}
	if req.NewPrice, err = optionalDecimal("price", *priceFlag); err != nil {
		return err
	}
	if req.NewAmount, err = optionalDecimal("amount", *amountFlag); err != nil {
		return err
	}
	if req.AmountDelta, err = optionalDecimal("delta", *deltaFlag); err != nil {
		return err
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(true); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	client := newRESTClient(cfg)
	opts := []amend.Option{
		amend.WithResolver(ledger.New().Resolve),
		amend.WithDelays(delayPolicy(cfg)),
	}
	if !*noStream && !cfg.Exchange.DisableStream {
		stream := newStream(cfg, "")
		defer stream.Close()
		if err := waitAuthenticated(ctx, stream); err != nil {
			logrus.Warnf("⚠️ WebSocket 不可用，只走 REST: %v", err)
		} else {
			opts = append(opts, amend.WithStreamAmender(stream))
		}
	}

	res, err := amend.New(client, opts...).Amend(ctx, req)
	if err != nil {
		var ae *amend.AmendError
		if errors.As(err, &ae) && ae.Recommendation != "" {
			logrus.Warnf("💡 %s", ae.Recommendation)
		}
		return err
	}
	logrus.Infof("✅ 改单成功: method=%s id=%s original=%s %s %s @ %s",
		res.Method, res.ID, res.OriginalID, res.Side, res.Amount, res.Price)
	if res.Message != "" {
		logrus.Infof("   %s", res.Message)
	}
	return nil
}

// waitAuthenticated 启动流并等待鉴权结果；之后的事件在后台丢弃
func waitAuthenticated(ctx context.Context, s *bitfinex.Stream) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, streamAuthTimeout)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "等待鉴权")
		case ev, ok := <-s.Events():
			if !ok {
				return errors.New("流已关闭")
			}
			auth, isAuth := ev.(events.Authenticated)
			if !isAuth {
				continue
			}
			if !auth.OK {
				return fmt.Errorf("鉴权失败: %s", auth.Message)
			}
			go func() {
				for range s.Events() {
				}
			}()
			return nil
		}
	}
}

func optionalDecimal(name, v string) (*decimal.Decimal, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, domain.NewValidationError(name, fmt.Sprintf("not a number: %q", v))
	}
	return &d, nil
}
