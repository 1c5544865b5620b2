package memory

import (
	"context"
	"time"

	"accesssaga/logging"
)

// dispatch 执行一次投递；失败时在重投预算内延迟重新入队
func (t *MemoryTransport) dispatch(ctx context.Context, d delivery) {
	err := d.handler.Handle(ctx, d.message)
	if err == nil {
		return
	}

	fields := []logging.Field{
		logging.String("message_type", d.message.GetType()),
		logging.String("message_id", d.message.GetID()),
		logging.String("handler", d.handler.Type()),
		logging.Int("attempt", d.attempt),
		logging.Error(err),
	}
	if d.attempt > t.opts.MaxRedeliveries {
		t.logger.Error(ctx, "message handler failed, giving up", fields...)
		t.deadLettered.Add(1)
		return
	}

	t.logger.Warn(ctx, "message handler failed, scheduling redelivery", fields...)
	t.redelivered.Add(1)
	next := delivery{message: d.message, handler: d.handler, attempt: d.attempt + 1}
	if t.opts.RedeliveryDelay <= 0 {
		t.requeue(ctx, next)
		return
	}
	time.AfterFunc(t.opts.RedeliveryDelay, func() { t.requeue(ctx, next) })
}

// requeue 重新入队；传输已关闭或队列已满时丢弃并记录
func (t *MemoryTransport) requeue(ctx context.Context, d delivery) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if !t.running {
		t.logger.Warn(ctx, "transport closed, redelivery dropped",
			logging.String("message_id", d.message.GetID()))
		t.deadLettered.Add(1)
		return
	}
	select {
	case t.queue <- d:
	default:
		t.logger.Error(ctx, "message queue is full, redelivery dropped",
			logging.String("message_id", d.message.GetID()))
		t.deadLettered.Add(1)
	}
}
