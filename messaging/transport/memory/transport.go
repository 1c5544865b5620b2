// Package memory 提供基于内存队列的消息传输实现
// 适用于单机部署、开发环境和测试场景
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"accesssaga/logging"
	"accesssaga/messaging"
)

// Options 内存传输配置
type Options struct {
	// QueueSize 队列大小（<=0 时使用默认 1000）
	QueueSize int
	// WorkerCount Worker 数量（<=0 时使用默认 4）
	WorkerCount int
	// MaxRedeliveries 处理失败后的最大重投次数，0 表示不重投
	MaxRedeliveries int
	// RedeliveryDelay 重投前的等待时间
	RedeliveryDelay time.Duration
	Logger          logging.Logger
}

// delivery 一次投递：消息 + 目标处理器 + 第几次尝试
type delivery struct {
	message messaging.IMessage
	handler messaging.IMessageHandler
	attempt int
}

// MemoryTransport 内存消息传输实现
//
// 特性:
//   - Worker 池异步消费
//   - 处理器返回错误时按处理器粒度重投（至少一次语义）
//   - 支持 "*" 通配订阅
type MemoryTransport struct {
	opts     Options
	logger   logging.Logger
	handlers map[string][]messaging.IMessageHandler
	queue    chan delivery
	running  bool
	mutex    sync.RWMutex
	wg       sync.WaitGroup

	redelivered  atomic.Int64
	deadLettered atomic.Int64
}

// NewMemoryTransport 创建内存传输实例
func NewMemoryTransport(opts Options) *MemoryTransport {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 4
	}
	if opts.Logger == nil {
		opts.Logger = logging.ComponentLogger("transport.memory")
	}
	return &MemoryTransport{
		opts:     opts,
		logger:   opts.Logger,
		handlers: make(map[string][]messaging.IMessageHandler),
		queue:    make(chan delivery, opts.QueueSize),
	}
}

// Publish 发布消息：为每个匹配的处理器生成一次投递放入队列
//
// 队列满或传输未启动时返回错误。
func (t *MemoryTransport) Publish(ctx context.Context, message messaging.IMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if !t.running {
		return fmt.Errorf("memory transport is not running")
	}
	for _, h := range t.matchLocked(message.GetType()) {
		select {
		case t.queue <- delivery{message: message, handler: h, attempt: 1}:
		default:
			return fmt.Errorf("message queue is full")
		}
	}
	return nil
}

// PublishAll 批量发布消息，任一失败即返回
func (t *MemoryTransport) PublishAll(ctx context.Context, messages []messaging.IMessage) error {
	for _, message := range messages {
		if err := t.Publish(ctx, message); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe 订阅消息处理器，支持 "*" 通配
func (t *MemoryTransport) Subscribe(messageType string, handler messaging.IMessageHandler) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.handlers[messageType] = append(t.handlers[messageType], handler)
	return nil
}

// Unsubscribe 取消订阅消息处理器
func (t *MemoryTransport) Unsubscribe(messageType string, handler messaging.IMessageHandler) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	handlers := t.handlers[messageType]
	for i, h := range handlers {
		if h == handler {
			t.handlers[messageType] = append(handlers[:i:i], handlers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("handler not found for message type %s", messageType)
}

// Stats 获取统计信息
func (t *MemoryTransport) Stats() messaging.TransportStats {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	handlerCount := 0
	messageTypes := make([]string, 0, len(t.handlers))
	for messageType, handlers := range t.handlers {
		messageTypes = append(messageTypes, messageType)
		handlerCount += len(handlers)
	}
	return messaging.TransportStats{
		Running:      t.running,
		HandlerCount: handlerCount,
		MessageTypes: messageTypes,
		QueueSize:    t.opts.QueueSize,
		QueueDepth:   len(t.queue),
		WorkerCount:  t.opts.WorkerCount,
		Redelivered:  t.redelivered.Load(),
		DeadLettered: t.deadLettered.Load(),
	}
}

// matchLocked 收集精确匹配与通配符处理器，需持锁调用
func (t *MemoryTransport) matchLocked(messageType string) []messaging.IMessageHandler {
	exact := t.handlers[messageType]
	wildcard := t.handlers["*"]
	if messageType == "*" {
		wildcard = nil
	}
	handlers := make([]messaging.IMessageHandler, 0, len(exact)+len(wildcard))
	handlers = append(handlers, exact...)
	return append(handlers, wildcard...)
}
