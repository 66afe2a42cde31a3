package replenish

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/makerkit/internal/domain"
	"github.com/betbot/makerkit/internal/ledger"
	"github.com/betbot/makerkit/internal/ports"
	"github.com/betbot/makerkit/pkg/delay"
	"github.com/betbot/makerkit/pkg/sigchan"
)

var log = logrus.WithField("component", "replenish")

// PlaceholderSuffix 补单时占位 key 的后缀
const PlaceholderSuffix = "replenish"

// statusEvery 每多少次"全部在线"的检查打一次状态行
const statusEvery = 10

// ErrAlreadyRunning 重复 Start
var ErrAlreadyRunning = errors.New("replenishment scheduler already running")

// Exchange 补单需要的交易所能力
type Exchange interface {
	ports.ActiveOrderLister
	ports.OrderSubmitter
}

// TickReport 一次对账的结果
type TickReport struct {
	Missing     int
	Replenished int
	Skipped     int // post-only 会立即成交，跳过
	Failed      int
	Err         error // 拉取活跃订单失败
}

// Clean 本次没有任何缺失
func (r TickReport) Clean() bool { return r.Err == nil && r.Missing == 0 }

// Scheduler 周期对账：本地跟踪但交易所已不在的订单按原价原量补回
type Scheduler struct {
	symbol string
	ex     Exchange
	ledger *ledger.Ledger
	delays delay.Policy

	observer func(TickReport)
	nudge    *sigchan.Chan

	mu         sync.Mutex
	restored   []domain.TrackedOrder
	cancel     context.CancelFunc
	done       chan struct{}
	ticks      int
	cleanTicks int

	// tickMu 串行化 Tick 和 Exclusive
	tickMu sync.Mutex
}

// Option 配置项
type Option func(*Scheduler)

// WithDelays 等待策略
func WithDelays(p delay.Policy) Option {
	return func(s *Scheduler) { s.delays = p }
}

// WithObserver 每次 tick 结束后回调（指标上报）
func WithObserver(fn func(TickReport)) Option {
	return func(s *Scheduler) { s.observer = fn }
}

func New(symbol string, ex Exchange, l *ledger.Ledger, opts ...Option) *Scheduler {
	s := &Scheduler{
		symbol: symbol,
		ex:     ex,
		ledger: l,
		delays: delay.New(delay.DefaultConfig()),
		nudge:  sigchan.New(1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start 启动后台循环：首次等待后每个间隔对账一次
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, s.done)
	log.Infof("🔄 补单循环已启动: symbol=%s", s.symbol)
	return nil
}

// Stop 取消循环并等待当前 tick 结束（未启动时直接返回）
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Infof("补单循环已停止")
}

// Running 是否在运行
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Nudge 请求尽快对账一次（多次请求合并）
func (s *Scheduler) Nudge() { s.nudge.Emit() }

// Restore 登记一个被撤销的档位，下次 tick 按原价原量补回
func (s *Scheduler) Restore(order domain.TrackedOrder) {
	s.mu.Lock()
	s.restored = append(s.restored, order)
	s.mu.Unlock()
	log.Infof("档位已加入补单队列: %s", order)
}

// Reset 清空补单队列（重新定价后旧档位作废）
func (s *Scheduler) Reset() {
	s.mu.Lock()
	n := len(s.restored)
	s.restored = nil
	s.mu.Unlock()
	if n > 0 {
		log.Infof("清空补单队列: %d 个档位", n)
	}
}

// Exclusive 在没有 tick 进行的情况下执行 fn，fn 期间不会开始新的 tick。
// 重新定价在其中撤单和挂单，旧档位不会在新阶梯挂出后被补回。
func (s *Scheduler) Exclusive(fn func()) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	fn()
}

// Pending 队列里待补的档位数
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.restored)
}

func (s *Scheduler) takeRestored() []domain.TrackedOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.restored
	s.restored = nil
	return out
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	if !s.wait(ctx, delay.ReconcileInitial) {
		return
	}
	for {
		s.safeTick(ctx)
		if !s.wait(ctx, delay.ReconcileInterval) {
			return
		}
	}
}

// wait 等待一个阶段，Nudge 可以提前结束；ctx 取消返回 false
func (s *Scheduler) wait(ctx context.Context, phase delay.Phase) bool {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.nudge.C():
			cancel()
		case <-waitCtx.Done():
		}
	}()
	_ = s.delays.Wait(waitCtx, phase, 0)
	return ctx.Err() == nil
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("补单 tick panic: %v\n%s", p, debug.Stack())
		}
	}()
	s.Tick(ctx)
}

// Tick 对账一次
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	// 之前的唤醒请求由本轮处理
	s.nudge.Drain()
	s.mu.Lock()
	s.ticks++
	s.mu.Unlock()

	// 先拍快照再拉交易所，拉取期间新跟踪的订单不参与本轮比较
	tracked := s.ledger.All()
	active, err := s.ex.ActiveOrders(ctx, s.symbol)
	if err != nil {
		report := TickReport{Err: errors.Wrap(err, "fetch active orders")}
		log.Errorf("❌ 对账失败，本轮跳过: %v", err)
		s.observe(report)
		return report
	}

	onExchange := make(map[int64]struct{}, len(active))
	for _, o := range active {
		onExchange[o.ID] = struct{}{}
	}

	var missing []domain.TrackedOrder
	for _, o := range tracked {
		if o.ID.IsReal() {
			if _, ok := onExchange[o.ID.Value()]; ok {
				continue
			}
		}
		missing = append(missing, o)
	}
	restored := s.takeRestored()

	report := TickReport{Missing: len(missing) + len(restored)}
	if report.Missing == 0 {
		s.mu.Lock()
		s.cleanTicks++
		clean := s.cleanTicks
		s.mu.Unlock()
		if clean%statusEvery == 0 {
			log.Infof("✅ 全部 %d 个订单仍在挂单中", len(tracked))
		}
		s.observe(report)
		return report
	}

	log.Infof("🔍 发现 %d 个缺失订单（%d 个来自撤单队列），开始补单", report.Missing, len(restored))
	for _, o := range missing {
		// 已被别处（重新定价/成交处理）移除的不再补
		if !s.ledger.Remove(o.ID) {
			continue
		}
		s.replenish(ctx, o, &report)
	}
	for _, o := range restored {
		s.replenish(ctx, o, &report)
	}

	log.Infof("补单完成: 缺失=%d 补回=%d 跳过=%d 失败=%d", report.Missing, report.Replenished, report.Skipped, report.Failed)
	s.observe(report)
	return report
}

func (s *Scheduler) replenish(ctx context.Context, o domain.TrackedOrder, report *TickReport) {
	symbol := o.Symbol
	if symbol == "" {
		symbol = s.symbol
	}
	ack, err := s.ex.SubmitOrder(ctx, symbol, o.Side, o.Amount, o.Price)
	if err != nil {
		if domain.IsWouldMatch(err) {
			report.Skipped++
			log.Infof("⏭️ 补单会立即成交，跳过: %s", o)
			return
		}
		report.Failed++
		log.Errorf("❌ 补单失败，下轮重试: %s: %v", o, err)
		s.mu.Lock()
		s.restored = append(s.restored, o)
		s.mu.Unlock()
		return
	}
	newID := s.ledger.TrackWithSuffix(ack, o.Side, o.Amount, o.Price, symbol, PlaceholderSuffix)
	report.Replenished++
	log.Infof("➕ 已补单: %s -> %s", o, newID)
}

func (s *Scheduler) observe(r TickReport) {
	if s.observer != nil {
		s.observer(r)
	}
}

// Stats 累计 tick 数和无缺失的 tick 数
func (s *Scheduler) Stats() (ticks, cleanTicks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks, s.cleanTicks
}
