package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/makerkit/internal/domain"
)

var log = logrus.WithField("component", "ledger")

// Ledger 本地跟踪的挂单簿：identity -> TrackedOrder。
//
// 同一个真实 ID 只会有一条记录；占位 key 相同（同价同量同后缀）视为同一档位，后写覆盖。
type Ledger struct {
	mu         sync.RWMutex
	orders     map[domain.Identity]domain.TrackedOrder
	extractors []Extractor
	now        func() time.Time
}

// Option ledger 配置项
type Option func(*Ledger)

// WithExtractors 替换 ID 解析链（按顺序尝试）
func WithExtractors(ex ...Extractor) Option {
	return func(l *Ledger) { l.extractors = ex }
}

// WithClock 测试用时钟
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New 创建 ledger，默认使用 DefaultExtractors
func New(opts ...Option) *Ledger {
	l := &Ledger{
		orders:     make(map[domain.Identity]domain.TrackedOrder),
		extractors: DefaultExtractors(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Resolve 从回执中解析真实 ID（不修改 ledger）
func (l *Ledger) Resolve(ack domain.Acknowledgment) (domain.Identity, bool) {
	return Resolve(ack, l.extractors)
}

// Track 解析回执并登记订单，返回的 identity 在返回前已写入
func (l *Ledger) Track(ack domain.Acknowledgment, side domain.Side, amount, price decimal.Decimal, symbol string) domain.Identity {
	return l.TrackWithSuffix(ack, side, amount, price, symbol, "")
}

// TrackWithSuffix 同 Track，解析失败时占位 key 带上后缀
func (l *Ledger) TrackWithSuffix(ack domain.Acknowledgment, side domain.Side, amount, price decimal.Decimal, symbol, suffix string) domain.Identity {
	id, ok := l.Resolve(ack)
	if !ok {
		id = domain.PlaceholderID(side, price, amount, suffix)
		log.WithField("ack_shape", ack.Shape()).Warnf("⚠️ 无法从回执解析订单 ID，使用占位 ID: %s", id)
	}
	l.Put(domain.TrackedOrder{
		ID:     id,
		Symbol: symbol,
		Side:   side,
		Price:  price,
		Amount: amount.Abs(),
	})
	return id
}

// Put 直接登记一条订单（已知 identity 的场景，例如改单成功）
func (l *Ledger) Put(order domain.TrackedOrder) {
	if order.TrackedAt.IsZero() {
		order.TrackedAt = l.now()
	}
	l.mu.Lock()
	_, existed := l.orders[order.ID]
	l.orders[order.ID] = order
	l.mu.Unlock()

	if existed {
		log.Infof("订单已在跟踪中，覆盖记录: %s", order)
	} else {
		log.Debugf("开始跟踪订单: %s", order)
	}
}

// Remove 删除订单，不存在返回 false（幂等）
func (l *Ledger) Remove(id domain.Identity) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.orders[id]; !ok {
		return false
	}
	delete(l.orders, id)
	return true
}

// Get 获取订单副本
func (l *Ledger) Get(id domain.Identity) (domain.TrackedOrder, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	o, ok := l.orders[id]
	return o, ok
}

// Has 是否在跟踪
func (l *Ledger) Has(id domain.Identity) bool {
	_, ok := l.Get(id)
	return ok
}

// All 按价格升序的快照
func (l *Ledger) All() []domain.TrackedOrder {
	l.mu.RLock()
	out := make([]domain.TrackedOrder, 0, len(l.orders))
	for _, o := range l.orders {
		out = append(out, o)
	}
	l.mu.RUnlock()
	sortByPrice(out)
	return out
}

// Identities 当前所有 identity
func (l *Ledger) Identities() []domain.Identity {
	all := l.All()
	ids := make([]domain.Identity, 0, len(all))
	for _, o := range all {
		ids = append(ids, o.ID)
	}
	return ids
}

// Len 跟踪的订单数
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.orders)
}

// Drain 取出并清空全部订单（批量撤单用）
func (l *Ledger) Drain() []domain.TrackedOrder {
	l.mu.Lock()
	out := make([]domain.TrackedOrder, 0, len(l.orders))
	for _, o := range l.orders {
		out = append(out, o)
	}
	l.orders = make(map[domain.Identity]domain.TrackedOrder)
	l.mu.Unlock()
	sortByPrice(out)
	return out
}

func sortByPrice(orders []domain.TrackedOrder) {
	sort.SliceStable(orders, func(i, j int) bool {
		if !orders[i].Price.Equal(orders[j].Price) {
			return orders[i].Price.LessThan(orders[j].Price)
		}
		return orders[i].ID.String() < orders[j].ID.String()
	})
}
