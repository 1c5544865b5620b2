package memory

import (
	"context"
	"fmt"
)

// Start 启动 Worker 池
//
// ctx 结束时 Worker 退出；正常关闭请使用 Close 以便先消费完队列。
func (t *MemoryTransport) Start(ctx context.Context) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.running {
		return fmt.Errorf("memory transport is already running")
	}
	t.running = true

	for i := 0; i < t.opts.WorkerCount; i++ {
		t.wg.Add(1)
		go t.worker(ctx)
	}
	return nil
}

// Close 关闭传输层：停止接收新消息，等待队列中已有投递处理完成
func (t *MemoryTransport) Close() error {
	t.mutex.Lock()
	if !t.running {
		t.mutex.Unlock()
		return fmt.Errorf("memory transport is not running")
	}
	t.running = false
	close(t.queue)
	t.mutex.Unlock()

	t.wg.Wait()
	return nil
}

func (t *MemoryTransport) worker(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case d, ok := <-t.queue:
			if !ok {
				return
			}
			t.dispatch(ctx, d)
		case <-ctx.Done():
			return
		}
	}
}
