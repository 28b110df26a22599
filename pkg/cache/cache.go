package cache

import (
	"sync"
	"time"
)

// Cache 通用缓存接口
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
	Clear()
	Size() int
}

// InMemoryCache 内存缓存实现（带 TTL，后台定期清理过期项）
type InMemoryCache[K comparable, V any] struct {
	items      map[K]*cacheItem[V]
	mu         sync.RWMutex
	defaultTTL time.Duration
	now        func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

type cacheItem[V any] struct {
	value     V
	expiresAt time.Time
}

// NewInMemoryCache 创建新的内存缓存。defaultTTL<=0 表示不过期。
// 调用方用完需要 Close() 停掉清理 goroutine。
func NewInMemoryCache[K comparable, V any](defaultTTL time.Duration) *InMemoryCache[K, V] {
	c := &InMemoryCache[K, V]{
		items:      make(map[K]*cacheItem[V]),
		defaultTTL: defaultTTL,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
	go c.startCleanup(time.Minute)
	return c
}

// Get 获取缓存值（过期视为不存在）
func (c *InMemoryCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	item, exists := c.items[key]
	c.mu.RUnlock()

	var zero V
	if !exists {
		return zero, false
	}
	if c.expired(item) {
		c.Delete(key)
		return zero, false
	}
	return item.value, true
}

// Set 设置缓存值，ttl==0 使用默认 TTL
func (c *InMemoryCache[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	item := &cacheItem[V]{value: value}
	if ttl > 0 {
		item.expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	c.items[key] = item
	c.mu.Unlock()
}

// Delete 删除缓存项
func (c *InMemoryCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear 清空缓存
func (c *InMemoryCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*cacheItem[V])
}

// Size 获取缓存大小（包含尚未清理的过期项）
func (c *InMemoryCache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close 停止清理 goroutine
func (c *InMemoryCache[K, V]) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *InMemoryCache[K, V]) expired(item *cacheItem[V]) bool {
	return !item.expiresAt.IsZero() && c.now().After(item.expiresAt)
}

func (c *InMemoryCache[K, V]) startCleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCh:
			return
		}
	}
}

func (c *InMemoryCache[K, V]) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, item := range c.items {
		if c.expired(item) {
			delete(c.items, key)
		}
	}
}
