// Package cache 提供带容量上限与 TTL 的泛型键值存储
//
// 每个实例由创建者持有并负责生命周期（可选的后台清理协程随 ctx 结束），
// 不存在进程级单例。
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// Cache 通用泛型缓存
//
// - LRU 驱逐：超过 MaxSize 时删除最久未使用的条目
// - TTL 过期：默认按写入时间计算，Sliding 为 true 时按访问时间计算
// - 并发安全
type Cache[K comparable, V any] struct {
	name   string
	config Config

	items   map[K]*cacheEntry[K, V]
	lruList *list.List // 最近使用的在前

	mu    sync.Mutex
	stats Stats
}

type cacheEntry[K comparable, V any] struct {
	key        K
	value      V
	expiresAt  time.Time
	lruElement *list.Element
}

// Config 缓存配置
type Config struct {
	// Name 缓存名称（用于日志和统计）
	Name string

	// MaxSize 最大缓存条目数，0 表示无限制
	MaxSize int

	// TTL 条目存活时间，0 表示永不过期
	TTL time.Duration

	// Sliding 为 true 时每次命中都会续期
	Sliding bool

	// OnEvict 驱逐/过期回调（可选），在持锁状态下调用，回调内不得访问同一缓存
	OnEvict func(key, value any)

	// Now 时钟（测试用），默认 time.Now
	Now func() time.Time
}

// Stats 缓存统计信息
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Expires   int64
	Size      int
}

// New 创建新的缓存实例
func New[K comparable, V any](config Config) *Cache[K, V] {
	if config.Name == "" {
		config.Name = "unnamed"
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Cache[K, V]{
		name:    config.Name,
		config:  config,
		items:   make(map[K]*cacheEntry[K, V]),
		lruList: list.New(),
	}
}

// Get 获取未过期的缓存值
func (c *Cache[K, V]) Get(key K) (value V, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.liveEntryLocked(key)
	if !ok {
		c.stats.Misses++
		return value, false
	}
	c.touchLocked(entry)
	c.stats.Hits++
	return entry.value, true
}

// Set 写入或覆盖缓存值，并重置过期时间
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.items[key]; ok {
		entry.value = value
		entry.expiresAt = c.deadline()
		c.lruList.MoveToFront(entry.lruElement)
		return
	}
	c.insertLocked(key, value)
}

// SetIfAbsent 仅当键不存在（或已过期）时写入
//
// 返回 true 表示本次调用完成写入；用于幂等键的原子占用。
func (c *Cache[K, V]) SetIfAbsent(key K, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.liveEntryLocked(key); ok {
		return false
	}
	c.insertLocked(key, value)
	return true
}

// Delete 删除缓存条目，返回是否存在
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeLocked(entry)
	return true
}

// Len 当前条目数（可能包含尚未清理的过期条目）
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// CleanExpired 清理过期条目，返回清理数量
func (c *Cache[K, V]) CleanExpired() int {
	if c.config.TTL <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.config.Now()
	cleaned := 0
	for _, entry := range c.items {
		if !now.Before(entry.expiresAt) {
			c.removeLocked(entry)
			cleaned++
		}
	}
	c.stats.Expires += int64(cleaned)
	return cleaned
}

// RunJanitor 按间隔清理过期条目，直到 ctx 结束
func (c *Cache[K, V]) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 || c.config.TTL <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CleanExpired()
		}
	}
}

// Stats 获取统计信息副本
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	stats.Size = len(c.items)
	return stats
}

func (c *Cache[K, V]) String() string {
	s := c.Stats()
	return fmt.Sprintf("Cache[%s]: size=%d/%d, hits=%d, misses=%d, evictions=%d, expires=%d",
		c.name, s.Size, c.config.MaxSize, s.Hits, s.Misses, s.Evictions, s.Expires)
}

func (c *Cache[K, V]) deadline() time.Time {
	if c.config.TTL <= 0 {
		return time.Time{}
	}
	return c.config.Now().Add(c.config.TTL)
}

// liveEntryLocked 查找未过期条目，过期条目顺带删除
func (c *Cache[K, V]) liveEntryLocked(key K) (*cacheEntry[K, V], bool) {
	entry, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if c.config.TTL > 0 && !c.config.Now().Before(entry.expiresAt) {
		c.removeLocked(entry)
		c.stats.Expires++
		return nil, false
	}
	return entry, true
}

func (c *Cache[K, V]) touchLocked(entry *cacheEntry[K, V]) {
	if c.config.Sliding {
		entry.expiresAt = c.deadline()
	}
	c.lruList.MoveToFront(entry.lruElement)
}

func (c *Cache[K, V]) insertLocked(key K, value V) {
	if c.config.MaxSize > 0 && len(c.items) >= c.config.MaxSize {
		if oldest := c.lruList.Back(); oldest != nil {
			c.removeLocked(oldest.Value.(*cacheEntry[K, V]))
			c.stats.Evictions++
		}
	}
	entry := &cacheEntry[K, V]{key: key, value: value, expiresAt: c.deadline()}
	entry.lruElement = c.lruList.PushFront(entry)
	c.items[key] = entry
}

func (c *Cache[K, V]) removeLocked(entry *cacheEntry[K, V]) {
	if c.config.OnEvict != nil {
		c.config.OnEvict(entry.key, entry.value)
	}
	if entry.lruElement != nil {
		c.lruList.Remove(entry.lruElement)
	}
	delete(c.items, entry.key)
}
