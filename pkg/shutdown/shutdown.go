package shutdown

import (
	"context"
	"sync"
	"time"

	"github.com/betbot/makerkit/pkg/logger"
)

// Handler 关闭步骤
type Handler func(ctx context.Context) error

type step struct {
	name    string
	handler Handler
}

// Manager 优雅关闭管理器：按注册顺序依次执行，前一步结束才开始下一步。
// 单步出错只记录，不影响后续步骤。
type Manager struct {
	steps []step
	mu    sync.Mutex
	once  sync.Once
}

// NewManager 创建新的关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭步骤
func (m *Manager) OnShutdown(name string, handler Handler) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step{name: name, handler: handler})
}

// Shutdown 执行所有步骤（阻塞，只执行一次）。
// ctx 应该带超时；超时后剩余步骤仍会收到已取消的 ctx，自行尽快返回。
// 返回出错的步骤数。
func (m *Manager) Shutdown(ctx context.Context) int {
	failed := 0
	m.once.Do(func() {
		m.mu.Lock()
		steps := m.steps
		m.mu.Unlock()

		if len(steps) == 0 {
			logger.Infof("没有注册的关闭步骤")
			return
		}
		logger.Infof("开始优雅关闭，共 %d 步", len(steps))

		for i, s := range steps {
			start := time.Now()
			if err := s.handler(ctx); err != nil {
				failed++
				logger.Warnf("关闭步骤 %d/%d [%s] 出错: %v", i+1, len(steps), s.name, err)
				continue
			}
			logger.Infof("关闭步骤 %d/%d [%s] 完成 (%s)", i+1, len(steps), s.name, time.Since(start).Round(time.Millisecond))
		}

		if ctx.Err() != nil {
			logger.Warnf("关闭超时: %v", ctx.Err())
		} else {
			logger.Infof("所有关闭步骤已完成")
		}
	})
	return failed
}
