package syncgroup

import (
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "syncgroup")

// SyncGroup 是 sync.WaitGroup 的包装器，自动管理 Add()/Done()。
// 任务里的 panic 会被恢复并记录，不会带崩进程。
type SyncGroup struct {
	wg sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewSyncGroup 创建新的 SyncGroup
func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Go 立即启动一个任务。Close() 之后返回 false 且不执行。
func (w *SyncGroup) Go(fn func()) bool {
	if fn == nil {
		return false
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer func() {
			if p := recover(); p != nil {
				log.Errorf("任务 panic: %v\n%s", p, debug.Stack())
			}
			w.wg.Done()
		}()
		fn()
	}()
	return true
}

// Close 拒绝新任务（已启动的不受影响）
func (w *SyncGroup) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// Wait 等待所有 goroutine 完成
func (w *SyncGroup) Wait() {
	w.wg.Wait()
}
