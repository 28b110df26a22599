package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter 速率限制器接口
type RateLimiter interface {
	Wait(ctx context.Context) error
	Allow() bool
	GetRemaining() int
}

// TokenBucket 令牌桶：容量 capacity，每秒补充 refillRate 个
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64
	lastRefill time.Time
}

// NewTokenBucket 创建新的令牌桶（初始为满）
func NewTokenBucket(capacity, refillRate int) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: float64(refillRate),
		lastRefill: time.Now(),
	}
}

func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// Allow 尝试取一个令牌
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(time.Now())
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Wait 阻塞直到拿到令牌或 ctx 结束
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		if tb.Allow() {
			return nil
		}
		tb.mu.Lock()
		wait := 100 * time.Millisecond
		if tb.refillRate > 0 {
			wait = time.Duration((1 - tb.tokens) / tb.refillRate * float64(time.Second))
		}
		tb.mu.Unlock()
		if wait <= 0 {
			wait = time.Millisecond
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// GetRemaining 获取剩余令牌数
func (tb *TokenBucket) GetRemaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(time.Now())
	return int(tb.tokens)
}

// SlidingWindow 滑动窗口：任意 windowSize 内最多 limit 次
type SlidingWindow struct {
	mu         sync.Mutex
	limit      int
	windowSize time.Duration
	requests   []time.Time
}

// NewSlidingWindow 创建新的滑动窗口速率限制器
func NewSlidingWindow(limit int, windowSize time.Duration) *SlidingWindow {
	return &SlidingWindow{limit: limit, windowSize: windowSize}
}

func (sw *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-sw.windowSize)
	i := 0
	for i < len(sw.requests) && !sw.requests[i].After(cutoff) {
		i++
	}
	sw.requests = sw.requests[i:]
}

// Allow 检查是否允许请求
func (sw *SlidingWindow) Allow() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	now := time.Now()
	sw.prune(now)
	if len(sw.requests) >= sw.limit {
		return false
	}
	sw.requests = append(sw.requests, now)
	return true
}

// Wait 阻塞直到窗口内有空位或 ctx 结束
func (sw *SlidingWindow) Wait(ctx context.Context) error {
	for {
		if sw.Allow() {
			return nil
		}
		sw.mu.Lock()
		wait := 100 * time.Millisecond
		if len(sw.requests) > 0 {
			wait = sw.windowSize - time.Since(sw.requests[0])
		}
		sw.mu.Unlock()
		if wait <= 0 {
			wait = time.Millisecond
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// GetRemaining 获取窗口内剩余请求数
func (sw *SlidingWindow) GetRemaining() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.prune(time.Now())
	return max(0, sw.limit-len(sw.requests))
}

// RateLimitManager 按端点 key 管理限速器，key 形如 "POST /trade"
type RateLimitManager struct {
	mu       sync.RWMutex
	limiters map[string]RateLimiter
	fallback RateLimiter
}

// NewRateLimitManager 创建带默认端点配置的管理器
func NewRateLimitManager() *RateLimitManager {
	m := &RateLimitManager{
		limiters: make(map[string]RateLimiter),
		fallback: NewSlidingWindow(600, 10*time.Second),
	}
	m.initDefaultLimiters()
	return m
}

// initDefaultLimiters 交易端点用令牌桶（允许短突发），查询端点用滑动窗口
func (m *RateLimitManager) initDefaultLimiters() {
	m.limiters["POST /trade"] = NewTokenBucket(10, 5)
	m.limiters["POST /auth/login"] = NewSlidingWindow(5, time.Minute)
	m.limiters["POST /auth/refresh"] = NewSlidingWindow(30, time.Minute)
	m.limiters["GET /portfolio"] = NewSlidingWindow(120, 10*time.Second)
	m.limiters["GET /transactions"] = NewSlidingWindow(120, 10*time.Second)
}

// SetLimiter 覆盖某个端点的限速器（nil 表示该端点不限速）
func (m *RateLimitManager) SetLimiter(endpoint string, l RateLimiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiters[endpoint] = l
}

// GetLimiter 获取指定端点的速率限制器，未配置时返回共享的兜底限制器
func (m *RateLimitManager) GetLimiter(endpoint string) RateLimiter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if l, ok := m.limiters[endpoint]; ok {
		return l
	}
	return m.fallback
}

// Wait 等待直到允许请求
func (m *RateLimitManager) Wait(ctx context.Context, endpoint string) error {
	l := m.GetLimiter(endpoint)
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}
