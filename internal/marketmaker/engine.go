// Package marketmaker 做市引擎编排：初始挂单、重新定价、改单入口、补单与优雅关闭。
package marketmaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/makerkit/internal/amend"
	"github.com/betbot/makerkit/internal/domain"
	"github.com/betbot/makerkit/internal/events"
	"github.com/betbot/makerkit/internal/ledger"
	"github.com/betbot/makerkit/internal/marketdata"
	"github.com/betbot/makerkit/internal/metrics"
	"github.com/betbot/makerkit/internal/ports"
	"github.com/betbot/makerkit/internal/quoting"
	"github.com/betbot/makerkit/internal/reactor"
	"github.com/betbot/makerkit/internal/replenish"
	"github.com/betbot/makerkit/pkg/delay"
	"github.com/betbot/makerkit/pkg/shutdown"
	"github.com/betbot/makerkit/pkg/syncgroup"
)

var log = logrus.WithField("component", "market_maker")

var (
	// ErrNothingPlaced 初始挂单一个都没成功
	ErrNothingPlaced = errors.New("no orders were placed successfully")
	// ErrAlreadyStarted 重复 Start
	ErrAlreadyStarted = errors.New("market maker already started")
)

// PlacementReport 一次批量挂单的结果
type PlacementReport struct {
	Placed  int `json:"placed"`
	Skipped int `json:"skipped"` // post-only 会立即成交 / 价格非正
	Failed  int `json:"failed"`
}

// CancelReport 一次批量撤单的结果
type CancelReport struct {
	Cancelled    int `json:"cancelled"`
	Placeholders int `json:"placeholders"` // 没有真实 ID，只从本地移除
	Failed       int `json:"failed"`
}

// AdjustReport 一次重新定价
type AdjustReport struct {
	RunID     string          `json:"run_id"`
	Center    decimal.Decimal `json:"center"`
	Cancel    CancelReport    `json:"cancel"`
	Placement PlacementReport `json:"placement"`
}

// Snapshot 引擎状态快照
type Snapshot struct {
	Symbol     string
	Center     decimal.Decimal
	Running    bool
	TestOnly   bool
	StartedAt  time.Time
	LastRunID  string
	Orders     []domain.TrackedOrder
	Pending    int // 等待补单的撤单空档
	Ticks      int
	CleanTicks int
	Events     map[string]int
	Recenter   bool // 重新定价进行中
	Replenish  bool // 补单循环在运行
}

// Engine 做市引擎
type Engine struct {
	cfg     Config
	ex      ports.Exchange
	stream  ports.Stream
	delays  delay.Policy
	metrics *metrics.Metrics

	ledger    *ledger.Ledger
	gate      *marketdata.Gate
	amender   *amend.Strategy
	reactor   *reactor.Reactor
	scheduler *replenish.Scheduler

	tasks    *syncgroup.SyncGroup
	inflight *inFlight
	shutdown *shutdown.Manager

	mu        sync.Mutex
	baseCtx   context.Context
	cancel    context.CancelFunc
	loopDone  chan struct{}
	started   bool
	running   bool
	startedAt time.Time
	center    decimal.Decimal
	lastRunID string
}

// Option 配置项
type Option func(*Engine)

// WithStream 订单流（nil 时只靠补单循环对账）
func WithStream(s ports.Stream) Option {
	return func(e *Engine) { e.stream = s }
}

// WithDelays 等待策略（测试里用 delay.Instant()）
func WithDelays(p delay.Policy) Option {
	return func(e *Engine) { e.delays = p }
}

// WithMetrics 指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New 组装引擎。stream 若实现了 ports.StreamAmender，改单时会作为第二通道。
func New(cfg Config, ex ports.Exchange, opts ...Option) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Center == "" {
		cfg.Center = marketdata.MidRange
	}
	e := &Engine{
		cfg:      cfg,
		ex:       ex,
		delays:   delay.New(delay.DefaultConfig()),
		ledger:   ledger.New(),
		gate:     marketdata.NewGate(ex),
		tasks:    syncgroup.NewSyncGroup(),
		inflight: newInFlight(0),
		shutdown: shutdown.NewManager(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}

	amendOpts := []amend.Option{amend.WithResolver(e.ledger.Resolve), amend.WithDelays(e.delays)}
	if sa, ok := e.stream.(ports.StreamAmender); ok {
		amendOpts = append(amendOpts, amend.WithStreamAmender(sa))
	}
	e.amender = amend.New(ex, amendOpts...)

	e.scheduler = replenish.New(cfg.Symbol, ex, e.ledger,
		replenish.WithDelays(e.delays),
		replenish.WithObserver(e.observeTick),
	)

	var restorer reactor.SlotRestorer = e.scheduler
	if cfg.ReplenishOnCancel {
		restorer = nudgingRestorer{e.scheduler}
	}
	reactorOpts := []reactor.Option{reactor.WithSlotRestorer(restorer)}
	if cfg.PartialFillThreshold.IsPositive() {
		reactorOpts = append(reactorOpts, reactor.WithPartialFillThreshold(cfg.PartialFillThreshold))
	}
	e.reactor = reactor.New(e.ledger, e, reactorOpts...)

	e.registerShutdown()
	return e, nil
}

// nudgingRestorer 撤单空档入队后立即唤醒补单循环
type nudgingRestorer struct {
	s *replenish.Scheduler
}

func (n nudgingRestorer) Restore(o domain.TrackedOrder) {
	n.s.Restore(o)
	n.s.Nudge()
}

// Ledger 本地订单簿（只读用途）
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Start 校验中心价、挂初始单、启动订单流和补单循环。
// 测试模式下挂完初始单即返回，不启动后台任务。
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	e.baseCtx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Unlock()

	center, err := e.gate.ResolveCenter(ctx, e.cfg.Symbol, e.cfg.Center)
	if err != nil {
		return err
	}
	ok, quote := e.gate.Validate(ctx, e.cfg.Symbol, center, e.cfg.BypassValidation)
	if !ok {
		if quote != nil {
			return domain.NewValidationError("center", fmt.Sprintf("center %s must be strictly between bid %s and ask %s", center, quote.Bid, quote.Ask))
		}
		return errors.Errorf("cannot validate center %s: market data unavailable", center)
	}

	runID := uuid.NewString()
	log.Infof("🚀 启动做市: symbol=%s center=%s levels=%d spread=%s%% size=%s side=%s run=%s",
		e.cfg.Symbol, center, e.cfg.Levels, e.cfg.SpreadPct, e.cfg.OrderSize, sideLabel(e.cfg.Side), runID)

	report := e.placeLevels(ctx, center)
	e.mu.Lock()
	e.center = center
	e.lastRunID = runID
	e.startedAt = time.Now()
	e.mu.Unlock()

	if e.ledger.Len() == 0 {
		log.Errorf("❌ 没有任何订单挂单成功，退出")
		return ErrNothingPlaced
	}
	log.Infof("📊 成功挂单 %d 个（跳过 %d，失败 %d）", report.Placed, report.Skipped, report.Failed)

	if e.cfg.TestOnly {
		log.Infof("🧪 测试模式：不启动订单流和补单循环")
		return nil
	}

	if e.stream != nil {
		if err := e.stream.Start(e.baseCtx); err != nil {
			// 没有订单流时补单循环仍能兜底
			log.Errorf("❌ 订单流启动失败，仅依赖补单循环: %v", err)
		} else {
			done := make(chan struct{})
			e.mu.Lock()
			e.loopDone = done
			e.mu.Unlock()
			go e.consume(e.baseCtx, e.stream.Events(), e.reactor, done)
		}
	}
	if err := e.scheduler.Start(e.baseCtx); err != nil {
		return err
	}

	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	log.Infof("👂 监听成交中...")
	return nil
}

// consume 串行把订单流事件交给 h
func (e *Engine) consume(ctx context.Context, ch <-chan events.Event, h ports.EventHandler, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			e.metrics.StreamEvents.WithLabelValues(ev.Kind()).Inc()
			h.Dispatch(ctx, ev)
		}
	}
}

// registerShutdown 关闭顺序：停补单 → 等进行中的重新定价 → 撤全部单 → 关订单流
func (e *Engine) registerShutdown() {
	e.shutdown.OnShutdown("replenish", func(ctx context.Context) error {
		e.scheduler.Stop()
		return nil
	})
	e.shutdown.OnShutdown("reactions", func(ctx context.Context) error {
		e.tasks.Close()
		done := make(chan struct{})
		go func() {
			e.tasks.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for in-flight recenter")
		}
	})
	e.shutdown.OnShutdown("cancel_all", func(ctx context.Context) error {
		// 测试模式挂的单留在交易所
		if e.cfg.TestOnly {
			return nil
		}
		log.Infof("🗑️ 撤销全部剩余订单...")
		report := e.cancelAll(ctx)
		if err := e.delays.Wait(ctx, delay.Settle, 0); err != nil {
			return err
		}
		if report.Failed > 0 {
			return errors.Errorf("%d orders could not be cancelled", report.Failed)
		}
		return nil
	})
	e.shutdown.OnShutdown("stream", func(ctx context.Context) error {
		var err error
		if e.stream != nil {
			err = e.stream.Close()
		}
		e.mu.Lock()
		done := e.loopDone
		cancel := e.cancel
		e.running = false
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if done != nil {
			<-done
		}
		return err
	})
}

// Stop 执行关闭序列（只执行一次）
func (e *Engine) Stop(ctx context.Context) error {
	if failed := e.shutdown.Shutdown(ctx); failed > 0 {
		return errors.Errorf("%d shutdown steps failed", failed)
	}
	log.Infof("✅ 做市引擎已停止")
	return nil
}

// TriggerRecenter 成交后重新定价（非阻塞）。已有重新定价在进行时丢弃本次触发。
func (e *Engine) TriggerRecenter(center decimal.Decimal, reason reactor.Reason) {
	if err := e.inflight.TryAcquire(e.cfg.Symbol); err != nil {
		log.Infof("⏭️ 重新定价进行中，忽略 %s 触发 @ %s", reason, center)
		return
	}
	started := e.tasks.Go(func() {
		defer e.inflight.Release(e.cfg.Symbol)
		ctx := e.context()
		if _, err := e.AdjustOrders(ctx, center); err != nil {
			log.Errorf("❌ 重新定价失败: %v", err)
			return
		}
		e.metrics.Recenters.WithLabelValues(string(reason)).Inc()
	})
	if !started {
		e.inflight.Release(e.cfg.Symbol)
		log.Warnf("引擎正在关闭，忽略 %s 触发", reason)
	}
}

// Recenter 手动重新定价（同步），与成交触发的重新定价互斥
func (e *Engine) Recenter(ctx context.Context, centerInput string) (*AdjustReport, error) {
	center, err := e.gate.ResolveCenter(ctx, e.cfg.Symbol, centerInput)
	if err != nil {
		return nil, err
	}
	if err := e.inflight.TryAcquire(e.cfg.Symbol); err != nil {
		return nil, err
	}
	defer e.inflight.Release(e.cfg.Symbol)
	report, err := e.AdjustOrders(ctx, center)
	if err == nil {
		e.metrics.Recenters.WithLabelValues("manual").Inc()
	}
	return report, err
}

func (e *Engine) context() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.baseCtx == nil {
		return context.Background()
	}
	return e.baseCtx
}

// AdjustOrders 以新中心价重建全部挂单：撤掉所有跟踪中的订单，等待结算，再按新中心价挂单
func (e *Engine) AdjustOrders(ctx context.Context, center decimal.Decimal) (*AdjustReport, error) {
	if !center.IsPositive() {
		return nil, domain.NewValidationError("center", "center price must be positive")
	}
	runID := uuid.NewString()
	l := log.WithField("run", runID)
	l.Infof("🎯 重新定价: 新中心价 %s", center)

	// 一旦开始撤单就必须把新阶梯挂回去，调用方取消不能中断
	ctx = context.WithoutCancel(ctx)

	report := &AdjustReport{RunID: runID, Center: center}
	e.scheduler.Exclusive(func() {
		report.Cancel = e.cancelAll(ctx)
		if err := e.delays.Wait(ctx, delay.Settle, 0); err != nil {
			l.Warnf("撤单后等待被中断: %v", err)
		}
		// 旧中心价下的撤单空档不再有意义
		e.scheduler.Reset()
		report.Placement = e.placeLevels(ctx, center)
	})

	e.mu.Lock()
	e.center = center
	e.lastRunID = runID
	e.mu.Unlock()

	l.Infof("✅ 重新定价完成: 撤单 %d（占位 %d，失败 %d），挂单 %d（跳过 %d，失败 %d）",
		report.Cancel.Cancelled, report.Cancel.Placeholders, report.Cancel.Failed,
		report.Placement.Placed, report.Placement.Skipped, report.Placement.Failed)
	return report, nil
}

// cancelAll 清空本地订单簿并撤销其中有真实 ID 的订单。
// 批量撤单失败时逐个重试，单个失败只计数。
func (e *Engine) cancelAll(ctx context.Context) CancelReport {
	var report CancelReport
	orders := e.ledger.Drain()
	e.metrics.TrackedOrders.Set(0)

	var ids []int64
	for _, o := range orders {
		if o.ID.CanBeCancelled() {
			ids = append(ids, o.ID.Value())
		} else {
			report.Placeholders++
			log.Debugf("占位订单无需撤销: %s", o)
		}
	}
	if len(ids) == 0 {
		return report
	}

	err := e.ex.CancelOrders(ctx, ids)
	if err == nil {
		report.Cancelled = len(ids)
		log.Infof("🗑️ 已批量撤销 %d 个订单", len(ids))
		return report
	}
	log.Warnf("批量撤单失败，逐个撤销: %v", err)
	for _, id := range ids {
		if err := e.ex.CancelOrder(ctx, id); err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
			report.Failed++
			log.Errorf("❌ 撤单失败 %d: %v", id, err)
			continue
		}
		report.Cancelled++
	}
	return report
}

// placeLevels 按中心价生成阶梯并逐个下 post-only 单
func (e *Engine) placeLevels(ctx context.Context, center decimal.Decimal) PlacementReport {
	var report PlacementReport
	specs := quoting.Generate(center, e.cfg.Levels, e.cfg.SpreadPct, e.cfg.OrderSize, e.cfg.Side)

	log.Infof("📋 待挂 %d 个订单（按价格排序）:", len(specs))
	for _, line := range quoting.Preview(specs, center) {
		log.Infof("   %s", line)
	}

	for _, s := range specs {
		if !s.Price.IsPositive() {
			report.Skipped++
			log.Warnf("⏭️ 价格非正，跳过: %s %s @ %s", s.Side, s.Amount, s.Price)
			continue
		}
		ack, err := e.ex.SubmitOrder(ctx, e.cfg.Symbol, s.Side, s.Amount, s.Price)
		if err != nil {
			if domain.IsWouldMatch(err) {
				report.Skipped++
				e.metrics.OrdersSubmitted.WithLabelValues(string(s.Side), metrics.ResultSkipped).Inc()
				log.Infof("⏭️ post-only 单会立即成交，跳过: %s %s @ %s", s.Side, s.Amount, s.Price)
				continue
			}
			report.Failed++
			e.metrics.OrdersSubmitted.WithLabelValues(string(s.Side), metrics.ResultFailed).Inc()
			log.Errorf("❌ 下单失败 %s %s @ %s: %v", s.Side, s.Amount, s.Price, err)
			continue
		}
		id := e.ledger.Track(ack, s.Side, s.Amount, s.Price, e.cfg.Symbol)
		report.Placed++
		e.metrics.OrdersSubmitted.WithLabelValues(string(s.Side), metrics.ResultOK).Inc()
		log.Infof("✅ 已挂单 %s %s @ %s (%s)", s.Side, s.Amount, s.Price.StringFixed(6), id)
	}
	e.metrics.TrackedOrders.Set(float64(e.ledger.Len()))
	return report
}

// AmendOrder 改单入口，负责把结果同步回本地订单簿。
//
// 允许撤单重建时先把原单移出订单簿，避免撤单事件被当成"被撤销"送去补单；
// 原单没被撤掉的失败会放回。
func (e *Engine) AmendOrder(ctx context.Context, req amend.Request) (*amend.Result, error) {
	original, tracked := e.ledger.Get(req.ID)
	if tracked && req.Current == nil {
		cur := original
		req.Current = &cur
	}
	if tracked && req.AllowDestructiveFallback {
		e.ledger.Remove(req.ID)
	}

	result, err := e.amender.Amend(ctx, req)
	if err != nil {
		var ae *amend.AmendError
		if errors.As(err, &ae) && ae.OriginalCancelled {
			e.metrics.Amendments.WithLabelValues(string(amend.MethodCancelRecreate), metrics.ResultCancelled).Inc()
			log.Errorf("❌ 改单失败且原单已撤销，需要人工处理: %v", err)
		} else {
			if tracked && req.AllowDestructiveFallback {
				e.ledger.Put(original)
			}
			e.metrics.Amendments.WithLabelValues("none", metrics.ResultFailed).Inc()
			log.Warnf("⚠️ 改单失败，原单未变: %v", err)
		}
		e.metrics.TrackedOrders.Set(float64(e.ledger.Len()))
		return nil, err
	}

	if tracked {
		e.ledger.Put(domain.TrackedOrder{
			ID:     result.ID,
			Symbol: result.Symbol,
			Side:   result.Side,
			Price:  result.Price,
			Amount: result.Amount,
		})
	}
	e.metrics.Amendments.WithLabelValues(string(result.Method), metrics.ResultOK).Inc()
	e.metrics.TrackedOrders.Set(float64(e.ledger.Len()))
	log.Infof("✏️ 改单成功 (%s): %s -> %s %s @ %s", result.Method, result.OriginalID, result.ID, result.Amount, result.Price)
	return result, nil
}

// Market 当前行情概览
func (e *Engine) Market(ctx context.Context) (*marketdata.Suggestion, error) {
	return e.gate.Suggest(ctx, e.cfg.Symbol)
}

// Snapshot 状态快照
func (e *Engine) Snapshot() Snapshot {
	ticks, clean := e.scheduler.Stats()
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Symbol:     e.cfg.Symbol,
		Center:     e.center,
		Running:    e.running,
		TestOnly:   e.cfg.TestOnly,
		StartedAt:  e.startedAt,
		LastRunID:  e.lastRunID,
		Orders:     e.ledger.All(),
		Pending:    e.scheduler.Pending(),
		Ticks:      ticks,
		CleanTicks: clean,
		Events:     e.reactor.Counts(),
		Recenter:   e.inflight.Held(e.cfg.Symbol),
		Replenish:  e.scheduler.Running(),
	}
}

// Metrics 指标（供控制面暴露）
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// observeTick 补单结果上报指标
func (e *Engine) observeTick(r replenish.TickReport) {
	if r.Replenished > 0 {
		e.metrics.Replenished.WithLabelValues(metrics.ResultOK).Add(float64(r.Replenished))
	}
	if r.Skipped > 0 {
		e.metrics.Replenished.WithLabelValues(metrics.ResultSkipped).Add(float64(r.Skipped))
	}
	if r.Failed > 0 {
		e.metrics.Replenished.WithLabelValues(metrics.ResultFailed).Add(float64(r.Failed))
	}
	e.metrics.TrackedOrders.Set(float64(e.ledger.Len()))
}

func sideLabel(f quoting.SideFilter) string {
	if f == quoting.BothSides {
		return "both"
	}
	return string(f)
}
