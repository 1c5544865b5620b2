package memory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accesssaga/logging"
	msg "accesssaga/messaging"
)

type countingHandler struct {
	count   *int32
	failFor int32
}

func (h countingHandler) Handle(ctx context.Context, m msg.IMessage) error {
	n := atomic.AddInt32(h.count, 1)
	if n <= h.failFor {
		return errors.New("collaborator unavailable")
	}
	return nil
}
func (h countingHandler) Type() string { return "countingHandler" }

func newTestTransport(opts Options) *MemoryTransport {
	opts.Logger = logging.NewNoopLogger()
	return NewMemoryTransport(opts)
}

func TestMemoryTransport_PublishFlow(t *testing.T) {
	tpt := newTestTransport(Options{QueueSize: 16, WorkerCount: 2})
	ctx := context.Background()
	require.NoError(t, tpt.Start(ctx))

	var exact, wildcard int32
	require.NoError(t, tpt.Subscribe("saga.result", countingHandler{count: &exact}))
	require.NoError(t, tpt.Subscribe("*", countingHandler{count: &wildcard}))

	require.NoError(t, tpt.Publish(ctx, &msg.Message{ID: "m1", Type: "saga.result"}))
	require.NoError(t, tpt.Publish(ctx, &msg.Message{ID: "m2", Type: "other"}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&exact) == 1 && atomic.LoadInt32(&wildcard) == 2
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, tpt.Close())
}

// TestMemoryTransport_Redelivery 处理失败的投递会被重投直到成功
func TestMemoryTransport_Redelivery(t *testing.T) {
	tpt := newTestTransport(Options{QueueSize: 16, WorkerCount: 1, MaxRedeliveries: 3, RedeliveryDelay: time.Millisecond})
	ctx := context.Background()
	require.NoError(t, tpt.Start(ctx))

	var cnt int32
	require.NoError(t, tpt.Subscribe("saga.result", countingHandler{count: &cnt, failFor: 2}))
	require.NoError(t, tpt.Publish(ctx, &msg.Message{ID: "m1", Type: "saga.result"}))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&cnt) == 3 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, int64(2), tpt.Stats().Redelivered)
	require.NoError(t, tpt.Close())
}

// TestMemoryTransport_RedeliveryBudget 超过重投预算后放弃
func TestMemoryTransport_RedeliveryBudget(t *testing.T) {
	tpt := newTestTransport(Options{QueueSize: 16, WorkerCount: 1, MaxRedeliveries: 1})
	ctx := context.Background()
	require.NoError(t, tpt.Start(ctx))

	var cnt int32
	require.NoError(t, tpt.Subscribe("t", countingHandler{count: &cnt, failFor: 100}))
	require.NoError(t, tpt.Publish(ctx, &msg.Message{ID: "m1", Type: "t"}))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&cnt) == 2 }, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return tpt.Stats().DeadLettered == 1 }, time.Second, 2*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&cnt))
	require.NoError(t, tpt.Close())
}

func TestMemoryTransport_CloseDrainsQueue(t *testing.T) {
	tpt := newTestTransport(Options{QueueSize: 16, WorkerCount: 1})
	ctx := context.Background()
	require.NoError(t, tpt.Start(ctx))

	var cnt int32
	require.NoError(t, tpt.Subscribe("test", countingHandler{count: &cnt}))
	require.NoError(t, tpt.Publish(ctx, &msg.Message{ID: "m1", Type: "test"}))
	require.NoError(t, tpt.Publish(ctx, &msg.Message{ID: "m2", Type: "test"}))
	require.NoError(t, tpt.Close())

	assert.Equal(t, int32(2), atomic.LoadInt32(&cnt))
	assert.Error(t, tpt.Close())
	assert.Error(t, tpt.Publish(ctx, &msg.Message{ID: "m3", Type: "test"}))
}

func TestMemoryTransport_QueueFull(t *testing.T) {
	tpt := newTestTransport(Options{QueueSize: 1, WorkerCount: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// 以已取消的 ctx 启动，Worker 立即退出，队列不再被消费
	require.NoError(t, tpt.Start(ctx))
	tpt.wg.Wait()

	var cnt int32
	require.NoError(t, tpt.Subscribe("t", countingHandler{count: &cnt}))
	require.NoError(t, tpt.Publish(context.Background(), &msg.Message{ID: "m1", Type: "t"}))
	assert.Error(t, tpt.Publish(context.Background(), &msg.Message{ID: "m2", Type: "t"}))
}

func TestMemoryTransport_Unsubscribe(t *testing.T) {
	tpt := newTestTransport(Options{})
	var cnt int32
	h := countingHandler{count: &cnt}
	require.NoError(t, tpt.Subscribe("t", h))
	require.NoError(t, tpt.Unsubscribe("t", h))
	assert.Error(t, tpt.Unsubscribe("t", h))
	assert.Equal(t, 0, tpt.Stats().HandlerCount)
}
