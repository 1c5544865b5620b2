package channel

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"accesssaga/cache"
)

// Deduplicator 入站消息去重
//
// Claim 返回 true 表示首次见到该键；处理失败时调用 Release 让重投可以再次处理。
type Deduplicator interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// MemoryDeduplicator 基于带 TTL 的本地缓存
type MemoryDeduplicator struct {
	seen *cache.Cache[string, struct{}]
}

// NewMemoryDeduplicator 创建本地去重器，ttl 为键的保留时长
func NewMemoryDeduplicator(ttl time.Duration, maxSize int) *MemoryDeduplicator {
	return &MemoryDeduplicator{seen: cache.New[string, struct{}](cache.Config{
		Name:    "saga-dedup",
		MaxSize: maxSize,
		TTL:     ttl,
	})}
}

func (d *MemoryDeduplicator) Claim(_ context.Context, key string) (bool, error) {
	return d.seen.SetIfAbsent(key, struct{}{}), nil
}

func (d *MemoryDeduplicator) Release(_ context.Context, key string) error {
	d.seen.Delete(key)
	return nil
}

// RunJanitor 周期清理过期键，ctx 结束时返回
func (d *MemoryDeduplicator) RunJanitor(ctx context.Context, interval time.Duration) {
	d.seen.RunJanitor(ctx, interval)
}

// RedisDeduplicator 基于 SET NX EX，多实例共享去重状态
type RedisDeduplicator struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisDeduplicator 创建 Redis 去重器
func NewRedisDeduplicator(client redis.Cmdable, prefix string, ttl time.Duration) *RedisDeduplicator {
	if prefix == "" {
		prefix = "saga:dedup:"
	}
	return &RedisDeduplicator{client: client, prefix: prefix, ttl: ttl}
}

func (d *RedisDeduplicator) Claim(ctx context.Context, key string) (bool, error) {
	return d.client.SetNX(ctx, d.prefix+key, 1, d.ttl).Result()
}

func (d *RedisDeduplicator) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, d.prefix+key).Err()
}

var (
	_ Deduplicator = (*MemoryDeduplicator)(nil)
	_ Deduplicator = (*RedisDeduplicator)(nil)
)
