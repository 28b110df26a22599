// Package syncgroup 管理后台 goroutine 的生命周期：统一启动、统一等待退出
package syncgroup

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// SyncGroup sync.WaitGroup 的包装，自动 Add/Done，并记录仍在运行的任务名
type SyncGroup struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	running map[string]int
}

func NewSyncGroup() *SyncGroup {
	return &SyncGroup{running: make(map[string]int)}
}

// Go 启动一个命名的后台任务。任务 panic 会被记录，不会拖垮进程。
func (g *SyncGroup) Go(name string, fn func()) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	g.running[name]++
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.finish(name)
		defer func() {
			if r := recover(); r != nil {
				logrus.WithField("component", "syncgroup").Errorf("任务 %s panic: %v", name, r)
			}
		}()
		fn()
	}()
}

func (g *SyncGroup) finish(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running[name] <= 1 {
		delete(g.running, name)
		return
	}
	g.running[name]--
}

// Running 仍在运行的任务名（每个名字一次）
func (g *SyncGroup) Running() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.running))
	for name := range g.running {
		out = append(out, name)
	}
	return out
}

// Wait 等待所有任务退出；ctx 先结束时返回还没退出的任务名
func (g *SyncGroup) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("等待后台任务超时，仍在运行: %v", g.Running())
	}
}
