package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// TestCache_BasicOperations 测试基本操作
func TestCache_BasicOperations(t *testing.T) {
	c := New[string, int](Config{Name: "test", MaxSize: 100, TTL: time.Minute})

	c.Set("key1", 100)
	value, found := c.Get("key1")
	assert.True(t, found)
	assert.Equal(t, 100, value)

	_, found = c.Get("missing")
	assert.False(t, found)

	assert.True(t, c.Delete("key1"))
	assert.False(t, c.Delete("key1"))
	_, found = c.Get("key1")
	assert.False(t, found)
}

// TestCache_SetIfAbsent 测试幂等键占用
func TestCache_SetIfAbsent(t *testing.T) {
	clock := newFakeClock()
	c := New[string, struct{}](Config{TTL: time.Minute, Now: clock.Now})

	assert.True(t, c.SetIfAbsent("saga-1:step-1", struct{}{}))
	assert.False(t, c.SetIfAbsent("saga-1:step-1", struct{}{}))

	clock.Advance(time.Minute)
	assert.True(t, c.SetIfAbsent("saga-1:step-1", struct{}{}), "过期后可以重新占用")
}

// TestCache_SetIfAbsentConcurrent 测试并发占用只有一个胜出
func TestCache_SetIfAbsentConcurrent(t *testing.T) {
	c := New[string, int](Config{TTL: time.Minute})
	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if c.SetIfAbsent("key", i) {
				atomic.AddInt32(&winners, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners)
}

// TestCache_TTLExpiration 测试写入时间过期
func TestCache_TTLExpiration(t *testing.T) {
	clock := newFakeClock()
	c := New[string, string](Config{TTL: 10 * time.Second, Now: clock.Now})

	c.Set("k", "v")
	clock.Advance(5 * time.Second)
	_, found := c.Get("k")
	require.True(t, found)

	clock.Advance(5 * time.Second)
	_, found = c.Get("k")
	assert.False(t, found, "非滑动模式下访问不续期")
	assert.Equal(t, int64(1), c.Stats().Expires)
}

// TestCache_SlidingTTL 测试滑动过期
func TestCache_SlidingTTL(t *testing.T) {
	clock := newFakeClock()
	c := New[string, string](Config{TTL: 10 * time.Second, Sliding: true, Now: clock.Now})

	c.Set("k", "v")
	for i := 0; i < 3; i++ {
		clock.Advance(8 * time.Second)
		_, found := c.Get("k")
		require.True(t, found)
	}
	clock.Advance(10 * time.Second)
	_, found := c.Get("k")
	assert.False(t, found)
}

// TestCache_LRUEviction 测试容量驱逐
func TestCache_LRUEviction(t *testing.T) {
	var evicted []any
	c := New[int, string](Config{MaxSize: 2, OnEvict: func(key, value any) {
		evicted = append(evicted, key)
	}})

	c.Set(1, "a")
	c.Set(2, "b")
	_, _ = c.Get(1)
	c.Set(3, "c")

	_, found := c.Get(2)
	assert.False(t, found)
	_, found = c.Get(1)
	assert.True(t, found)
	assert.Equal(t, []any{2}, evicted)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

// TestCache_CleanExpired 测试批量清理
func TestCache_CleanExpired(t *testing.T) {
	clock := newFakeClock()
	c := New[string, int](Config{TTL: time.Second, Now: clock.Now})
	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
	}
	clock.Advance(time.Second)
	c.Set("fresh", 1)

	assert.Equal(t, 5, c.CleanExpired())
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 0, New[string, int](Config{}).CleanExpired())
}

// TestCache_RunJanitor 测试后台清理随 ctx 退出
func TestCache_RunJanitor(t *testing.T) {
	c := New[string, int](Config{TTL: 5 * time.Millisecond})
	c.Set("k", 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.RunJanitor(ctx, time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 2*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

// TestCache_Stats 测试统计
func TestCache_Stats(t *testing.T) {
	c := New[string, int](Config{Name: "stats"})
	c.Set("a", 1)
	_, _ = c.Get("a")
	_, _ = c.Get("b")

	s := c.Stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, 1, s.Size)
	assert.Contains(t, c.String(), "Cache[stats]")
}
