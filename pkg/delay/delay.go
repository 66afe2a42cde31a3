// Package delay 把所有固定等待（撤单后的沉降、重试退避、对账周期）集中成可注入的策略，
// 测试里换成 Instant() 即可零等待并记录调用。
package delay

import (
	"context"
	"math"
	"sync"
	"time"
)

// Phase 等待阶段
type Phase string

const (
	Settle            Phase = "settle"             // 撤单后等交易所状态落定
	RetryBackoff      Phase = "retry_backoff"      // nonce 重试退避
	ReconcileInitial  Phase = "reconcile_initial"  // 补单循环首次等待
	ReconcileInterval Phase = "reconcile_interval" // 补单循环间隔
)

// Policy 等待策略。attempt 从 1 开始，只对 RetryBackoff 有意义。
type Policy interface {
	Wait(ctx context.Context, phase Phase, attempt int) error
}

// Config 各阶段时长
type Config struct {
	Settle            time.Duration
	RetryBase         time.Duration
	RetryFactor       float64
	ReconcileInitial  time.Duration
	ReconcileInterval time.Duration
}

// DefaultConfig 默认时长：沉降 1s，退避 1.0s ×1.5，对账 30s
func DefaultConfig() Config {
	return Config{
		Settle:            time.Second,
		RetryBase:         time.Second,
		RetryFactor:       1.5,
		ReconcileInitial:  30 * time.Second,
		ReconcileInterval: 30 * time.Second,
	}
}

// Fixed 真实睡眠的策略
type Fixed struct {
	cfg Config
}

func New(cfg Config) *Fixed {
	def := DefaultConfig()
	if cfg.Settle <= 0 {
		cfg.Settle = def.Settle
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryFactor < 1 {
		cfg.RetryFactor = def.RetryFactor
	}
	if cfg.ReconcileInitial <= 0 {
		cfg.ReconcileInitial = def.ReconcileInitial
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = def.ReconcileInterval
	}
	return &Fixed{cfg: cfg}
}

// Duration 某阶段第 attempt 次的等待时长
func (f *Fixed) Duration(phase Phase, attempt int) time.Duration {
	switch phase {
	case Settle:
		return f.cfg.Settle
	case RetryBackoff:
		if attempt < 1 {
			attempt = 1
		}
		return time.Duration(float64(f.cfg.RetryBase) * math.Pow(f.cfg.RetryFactor, float64(attempt-1)))
	case ReconcileInitial:
		return f.cfg.ReconcileInitial
	case ReconcileInterval:
		return f.cfg.ReconcileInterval
	default:
		return 0
	}
}

func (f *Fixed) Wait(ctx context.Context, phase Phase, attempt int) error {
	return Sleep(ctx, f.Duration(phase, attempt))
}

// Sleep 可被 ctx 打断的 sleep
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Call 一次等待记录
type Call struct {
	Phase   Phase
	Attempt int
}

// Recorder 零等待策略，记录每次调用。Hold 的阶段会阻塞到 ctx 取消。
type Recorder struct {
	mu    sync.Mutex
	calls []Call
	hold  map[Phase]bool
}

// Instant 测试用
func Instant() *Recorder {
	return &Recorder{hold: make(map[Phase]bool)}
}

// Hold 让某阶段一直阻塞（用于测试长循环的启动/停止）
func (r *Recorder) Hold(phases ...Phase) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range phases {
		r.hold[p] = true
	}
	return r
}

func (r *Recorder) Wait(ctx context.Context, phase Phase, attempt int) error {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Phase: phase, Attempt: attempt})
	hold := r.hold[phase]
	r.mu.Unlock()
	if hold {
		<-ctx.Done()
	}
	return ctx.Err()
}

// Calls 返回记录副本
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Count 某阶段被调用的次数
func (r *Recorder) Count(phase Phase) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Phase == phase {
			n++
		}
	}
	return n
}
