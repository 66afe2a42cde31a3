package marketmaker

import (
	"fmt"
	"sync"
	"time"
)

// ErrRecenterInFlight 同一交易对的重新定价仍在进行中
var ErrRecenterInFlight = fmt.Errorf("recenter already in flight")

// inFlight 按 key 的互斥令牌，带 TTL 兜底：持有者卡死时令牌到期自动失效。
//
// 重新定价是先撤后挂的批量操作，两个并发的重新定价会互相撤掉对方刚挂的单，
// 所以后到的触发直接丢弃。
type inFlight struct {
	ttl time.Duration
	now func() time.Time

	mu sync.Mutex
	m  map[string]time.Time // key -> expiresAt
}

func newInFlight(ttl time.Duration) *inFlight {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &inFlight{ttl: ttl, now: time.Now, m: make(map[string]time.Time)}
}

// TryAcquire 成功返回 nil，已被持有返回 ErrRecenterInFlight
func (d *inFlight) TryAcquire(key string) error {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if exp, ok := d.m[key]; ok && exp.After(now) {
		return ErrRecenterInFlight
	}
	d.m[key] = now.Add(d.ttl)
	return nil
}

// Release 释放令牌
func (d *inFlight) Release(key string) {
	d.mu.Lock()
	delete(d.m, key)
	d.mu.Unlock()
}

// Held key 当前是否被持有
func (d *inFlight) Held(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	exp, ok := d.m[key]
	return ok && exp.After(d.now())
}
