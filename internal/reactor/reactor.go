package reactor

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/makerkit/internal/domain"
	"github.com/betbot/makerkit/internal/events"
	"github.com/betbot/makerkit/internal/ledger"
)

var log = logrus.WithField("component", "fill_reactor")

// Status 订单生命周期状态
type Status int

const (
	StatusUnknown Status = iota
	StatusActive
	StatusExecuted
	StatusPartiallyFilled
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusExecuted:
		return "EXECUTED"
	case StatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case StatusCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

// ClassifyStatus 解析交易所的状态串，例如
// "EXECUTED @ 0.51(-10.0)"、"PARTIALLY FILLED @ 0.5(-2.0)"、"CANCELED was: PARTIALLY FILLED @ ..."
func ClassifyStatus(raw string) Status {
	s := strings.ToUpper(strings.TrimSpace(raw))
	switch {
	case strings.HasPrefix(s, "EXECUTED"):
		return StatusExecuted
	case strings.HasPrefix(s, "PARTIALLY FILLED"):
		return StatusPartiallyFilled
	case strings.Contains(s, "CANCELED"):
		return StatusCanceled
	case strings.HasPrefix(s, "ACTIVE"):
		return StatusActive
	default:
		return StatusUnknown
	}
}

// Reason 触发重新定价的原因
type Reason string

const (
	ReasonFill        Reason = "fill"
	ReasonPartialFill Reason = "partial_fill"
)

// Trigger 重新定价入口，实现必须非阻塞（自行起 goroutine）
type Trigger interface {
	TriggerRecenter(center decimal.Decimal, reason Reason)
}

// SlotRestorer 接收被撤销订单留下的空档
type SlotRestorer interface {
	Restore(order domain.TrackedOrder)
}

// DefaultPartialFillThreshold 成交比例达到该值才重新定价
var DefaultPartialFillThreshold = decimal.RequireFromString("0.5")

// Reactor 处理订单流事件：完全成交/大比例部分成交触发重新定价，撤单交给补单
type Reactor struct {
	ledger    *ledger.Ledger
	trigger   Trigger
	restorer  SlotRestorer
	threshold decimal.Decimal

	mu     sync.Mutex
	counts map[string]int
}

// Option 配置项
type Option func(*Reactor)

// WithSlotRestorer 撤单后的空档交给谁
func WithSlotRestorer(r SlotRestorer) Option {
	return func(re *Reactor) { re.restorer = r }
}

// WithPartialFillThreshold 部分成交触发比例
func WithPartialFillThreshold(th decimal.Decimal) Option {
	return func(re *Reactor) {
		if th.IsPositive() {
			re.threshold = th
		}
	}
}

func New(l *ledger.Ledger, trigger Trigger, opts ...Option) *Reactor {
	r := &Reactor{
		ledger:    l,
		trigger:   trigger,
		threshold: DefaultPartialFillThreshold,
		counts:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dispatch 处理一个事件。按到达顺序串行调用；不做网络 I/O，panic 会被吞掉并记录。
func (r *Reactor) Dispatch(ctx context.Context, ev events.Event) {
	if ev == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("处理事件 %s 时 panic: %v\n%s", ev.Kind(), p, debug.Stack())
		}
	}()
	r.count(ev.Kind())

	switch e := ev.(type) {
	case events.OrderUpdate:
		r.onOrder(e.Order, ClassifyStatus(e.Order.Status))
	case events.OrderCancel:
		st := ClassifyStatus(e.Order.Status)
		if st != StatusExecuted {
			st = StatusCanceled
		}
		r.onOrder(e.Order, st)
	case events.OrderNew:
		log.Debugf("新订单确认: id=%d %s %s @ %s", e.Order.ID, e.Order.Side, e.Order.Amount, e.Order.Price)
	case events.OrderSnapshot:
		r.onSnapshot(e)
	case events.Notification:
		r.onNotification(e)
	case events.Authenticated:
		if e.OK {
			log.Infof("🔐 订单流鉴权成功")
		} else {
			log.Errorf("❌ 订单流鉴权失败: %s", e.Message)
		}
	case events.Opened:
		log.Infof("🔌 订单流已连接")
	case events.Disconnected:
		log.Warnf("⚠️ 订单流断开: %v", e.Err)
	case events.Ticker:
		log.Debugf("行情: bid=%s ask=%s last=%s", e.Ticker.Bid, e.Ticker.Ask, e.Ticker.LastPrice)
	default:
		log.Debugf("忽略事件: %s", ev.Kind())
	}
}

func (r *Reactor) onOrder(rec domain.OrderRecord, st Status) {
	id, err := domain.RealID(rec.ID)
	if err != nil {
		log.Debugf("订单事件 ID 无效，忽略: %d", rec.ID)
		return
	}
	tracked, ok := r.ledger.Get(id)
	if !ok {
		log.Debugf("订单 %s 不在跟踪中，忽略 %s 事件", id, st)
		return
	}

	switch st {
	case StatusExecuted:
		r.ledger.Remove(id)
		price := rec.FillPrice()
		if !price.IsPositive() {
			price = tracked.Price
		}
		log.Infof("💰 订单完全成交: %s，以成交价 %s 重新定价", tracked, price)
		r.trigger.TriggerRecenter(price, ReasonFill)

	case StatusPartiallyFilled:
		original := tracked.Amount.Abs()
		filled := original.Sub(rec.Amount.Abs())
		if !original.IsPositive() {
			return
		}
		ratio := filled.Div(original)
		if filled.GreaterThanOrEqual(original.Mul(r.threshold)) {
			price := rec.FillPrice()
			if !price.IsPositive() {
				price = tracked.Price
			}
			log.Infof("📊 订单部分成交 %s%%: %s，触发重新定价 @ %s", ratio.Mul(decimal.NewFromInt(100)).StringFixed(1), tracked, price)
			r.trigger.TriggerRecenter(price, ReasonPartialFill)
			return
		}
		log.Infof("📊 订单部分成交 %s%%: %s，未达阈值，继续挂单", ratio.Mul(decimal.NewFromInt(100)).StringFixed(1), tracked)

	case StatusCanceled:
		r.ledger.Remove(id)
		log.Warnf("🚫 订单被撤销: %s", tracked)
		if r.restorer != nil {
			r.restorer.Restore(tracked)
		}

	default:
		log.Debugf("订单 %s 状态 %q，无需处理", id, rec.Status)
	}
}

func (r *Reactor) onSnapshot(e events.OrderSnapshot) {
	onExchange := 0
	for _, o := range e.Orders {
		id, err := domain.RealID(o.ID)
		if err == nil && r.ledger.Has(id) {
			onExchange++
		}
	}
	log.Infof("📋 订单快照: 交易所 %d 个活跃订单，其中 %d/%d 个在本地跟踪中", len(e.Orders), onExchange, r.ledger.Len())
}

func (r *Reactor) onNotification(e events.Notification) {
	switch strings.ToUpper(e.Status) {
	case "ERROR", "FAILURE":
		log.Warnf("⚠️ 交易所通知 %s %s: %s", e.Type, e.Status, e.Text)
	default:
		log.Debugf("交易所通知 %s %s: %s", e.Type, e.Status, e.Text)
	}
}

func (r *Reactor) count(kind string) {
	r.mu.Lock()
	r.counts[kind]++
	r.mu.Unlock()
}

// Counts 各类事件的处理次数
func (r *Reactor) Counts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}
