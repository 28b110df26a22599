package shutdown

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "shutdown")

// Handler 关闭处理函数，ctx 带超时
type Handler func(ctx context.Context)

type namedHandler struct {
	name string
	fn   Handler
}

// Manager 优雅关闭管理器
type Manager struct {
	mu        sync.Mutex
	callbacks []namedHandler
	once      sync.Once
}

// NewManager 创建新的关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, namedHandler{name: name, fn: handler})
}

// Shutdown 并发执行所有关闭回调，阻塞到全部完成或 ctx 超时。
// 重复调用只有第一次生效。
func (m *Manager) Shutdown(ctx context.Context) {
	m.once.Do(func() { m.shutdown(ctx) })
}

func (m *Manager) shutdown(ctx context.Context) {
	m.mu.Lock()
	callbacks := append([]namedHandler(nil), m.callbacks...)
	m.mu.Unlock()

	if len(callbacks) == 0 {
		log.Info("没有注册的关闭回调")
		return
	}

	log.Infof("开始优雅关闭，共 %d 个回调", len(callbacks))

	var wg sync.WaitGroup
	wg.Add(len(callbacks))
	for _, cb := range callbacks {
		go func(h namedHandler) {
			defer wg.Done()
			h.fn(ctx)
			log.Debugf("关闭回调完成: %s", h.name)
		}(cb)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("所有关闭回调已完成")
	case <-ctx.Done():
		log.Warnf("关闭超时: %v", ctx.Err())
	}
}
