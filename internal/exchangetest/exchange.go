// Package exchangetest 内存版交易所，供各组件测试使用。
package exchangetest

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/betbot/makerkit/internal/domain"
	"github.com/betbot/makerkit/internal/events"
)

// Submission 一次下单记录
type Submission struct {
	Symbol string
	Side   domain.Side
	Amount decimal.Decimal
	Price  decimal.Decimal
}

// Exchange is a mock exchange client for testing.
// Submitted orders become active immediately unless an error is injected.
type Exchange struct {
	mu sync.RWMutex

	// Response data
	TickerResponse domain.Ticker
	orders         map[int64]domain.OrderRecord
	nextID         int64

	// AckFor 构造下单回执，默认是 Bitfinex 通知里的订单数组列表
	AckFor func(id int64, sub Submission) domain.Acknowledgment

	// BeforeSubmit 每次下单前调用（不持锁，可阻塞），需在并发调用前设置
	BeforeSubmit func(sub Submission)

	// UpdateUnsupported REST 改单返回 domain.ErrUnsupported
	UpdateUnsupported bool

	// Recorded traffic
	Submissions []Submission
	Cancelled   []int64
	Updates     []domain.OrderUpdate
	Amends      []domain.OrderUpdate

	// Call tracking
	Calls map[string]int

	// Error injection
	ErrorOnNext map[string]error
	errorQueue  map[string][]error
}

// New creates a new mock exchange
func New() *Exchange {
	return &Exchange{
		orders:      make(map[int64]domain.OrderRecord),
		nextID:      30_000_000,
		Calls:       make(map[string]int),
		ErrorOnNext: make(map[string]error),
		errorQueue:  make(map[string][]error),
	}
}

// FailNext 按顺序为接下来的几次调用注入错误（nil 表示该次成功）
func (m *Exchange) FailNext(name string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorQueue[name] = append(m.errorQueue[name], errs...)
}

// must be called with m.mu held
func (m *Exchange) trackCall(name string) error {
	m.Calls[name]++
	if q := m.errorQueue[name]; len(q) > 0 {
		m.errorQueue[name] = q[1:]
		return q[0]
	}
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

// Count 某个方法被调用的次数
func (m *Exchange) Count(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Calls[name]
}

// TotalCalls 所有方法调用次数之和
func (m *Exchange) TotalCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.Calls {
		n += c
	}
	return n
}

// SetTicker 设置行情
func (m *Exchange) SetTicker(bid, ask string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TickerResponse = domain.Ticker{
		Bid:       decimal.RequireFromString(bid),
		Ask:       decimal.RequireFromString(ask),
		LastPrice: decimal.RequireFromString(bid),
	}
}

// AddActive 直接放入一个活跃订单
func (m *Exchange) AddActive(rec domain.OrderRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[rec.ID] = rec
}

// Drop 模拟订单在交易所侧消失（成交或被撤）
func (m *Exchange) Drop(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, id)
}

// Active 当前活跃订单（按 ID 排序）
func (m *Exchange) Active() []domain.OrderRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.OrderRecord, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LastSubmission 最后一次下单
func (m *Exchange) LastSubmission() (Submission, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.Submissions) == 0 {
		return Submission{}, false
	}
	return m.Submissions[len(m.Submissions)-1], true
}

func (m *Exchange) SubmitOrder(ctx context.Context, symbol string, side domain.Side, amount, price decimal.Decimal) (domain.Acknowledgment, error) {
	sub := Submission{Symbol: symbol, Side: side, Amount: amount.Abs(), Price: price}
	if m.BeforeSubmit != nil {
		m.BeforeSubmit(sub)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("SubmitOrder"); err != nil {
		return domain.Acknowledgment{}, err
	}
	m.Submissions = append(m.Submissions, sub)

	m.nextID++
	id := m.nextID
	m.orders[id] = domain.OrderRecord{
		ID:             id,
		Symbol:         symbol,
		Side:           side,
		Amount:         amount.Abs(),
		OriginalAmount: amount.Abs(),
		Price:          price,
		Type:           "EXCHANGE LIMIT",
		Status:         "ACTIVE",
		Flags:          domain.PostOnlyFlag,
	}
	if m.AckFor != nil {
		return m.AckFor(id, sub), nil
	}
	return domain.Acknowledgment{
		Payload: []any{[]any{float64(id), nil, nil, symbol}},
	}, nil
}

func (m *Exchange) CancelOrder(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("CancelOrder"); err != nil {
		return err
	}
	if _, ok := m.orders[id]; !ok {
		return domain.ErrOrderNotFound
	}
	delete(m.orders, id)
	m.Cancelled = append(m.Cancelled, id)
	return nil
}

func (m *Exchange) CancelOrders(ctx context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("CancelOrders"); err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := m.orders[id]; ok {
			delete(m.orders, id)
			m.Cancelled = append(m.Cancelled, id)
		}
	}
	return nil
}

func (m *Exchange) ActiveOrders(ctx context.Context, symbol string) ([]domain.OrderRecord, error) {
	m.mu.Lock()
	err := m.trackCall("ActiveOrders")
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	all := m.Active()
	if symbol == "" {
		return all, nil
	}
	out := all[:0]
	for _, o := range all {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *Exchange) Ticker(ctx context.Context, symbol string) (domain.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("Ticker"); err != nil {
		return domain.Ticker{}, err
	}
	t := m.TickerResponse
	t.Symbol = symbol
	return t, nil
}

func (m *Exchange) UpdateOrder(ctx context.Context, upd domain.OrderUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("UpdateOrder"); err != nil {
		return err
	}
	if m.UpdateUnsupported {
		return domain.ErrUnsupported
	}
	m.Updates = append(m.Updates, upd)
	return m.applyLocked(upd)
}

func (m *Exchange) AmendOrder(ctx context.Context, upd domain.OrderUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("AmendOrder"); err != nil {
		return err
	}
	m.Amends = append(m.Amends, upd)
	return m.applyLocked(upd)
}

func (m *Exchange) applyLocked(upd domain.OrderUpdate) error {
	rec, ok := m.orders[upd.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	rec.Price = upd.Price
	rec.Amount = upd.Amount.Abs()
	m.orders[upd.ID] = rec
	return nil
}

// Stream 内存事件流
type Stream struct {
	mu      sync.Mutex
	ch      chan events.Event
	closed  bool
	Started int
}

func NewStream(buffer int) *Stream {
	return &Stream{ch: make(chan events.Event, buffer)}
}

func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Started++
	return nil
}

func (s *Stream) Events() <-chan events.Event { return s.ch }

// Push 推送一个事件（流已关闭则丢弃）
func (s *Stream) Push(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ch <- ev
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}
