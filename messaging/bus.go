package messaging

import (
	"context"
	"fmt"
	"sync"
)

// HandlerFunc 处理消息的函数，也是中间件链中的基本执行单元
type HandlerFunc func(ctx context.Context, message IMessage) error

// IMiddleware 消息总线中间件
type IMiddleware interface {
	Handle(ctx context.Context, message IMessage, next HandlerFunc) error
	Name() string
}

// IMessageBus 消息总线接口
type IMessageBus interface {
	Subscribe(ctx context.Context, messageType string, handler IMessageHandler) error
	Unsubscribe(ctx context.Context, messageType string, handler IMessageHandler) error
	Publish(ctx context.Context, message IMessage) error
	PublishAll(ctx context.Context, messages []IMessage) error
}

// MessageBus 消息总线
//
// 出站中间件（Use）在消息交给 Transport 之前执行；
// 入站中间件（UseInbound）在 Transport 回调处理器之前执行。
type MessageBus struct {
	transport Transport

	mutex    sync.RWMutex
	outbound []IMiddleware
	inbound  []IMiddleware
	// wrapped 记录原始处理器到包装处理器的映射，供 Unsubscribe 使用
	wrapped map[string]map[IMessageHandler]IMessageHandler
}

// NewMessageBus 创建消息总线
func NewMessageBus(transport Transport) *MessageBus {
	return &MessageBus{
		transport: transport,
		wrapped:   make(map[string]map[IMessageHandler]IMessageHandler),
	}
}

// Use 注册出站中间件
func (bus *MessageBus) Use(middleware IMiddleware) {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	bus.outbound = append(bus.outbound, middleware)
}

// UseInbound 注册入站中间件，仅影响之后的 Subscribe
func (bus *MessageBus) UseInbound(middleware IMiddleware) {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	bus.inbound = append(bus.inbound, middleware)
}

// Subscribe 订阅消息处理器
func (bus *MessageBus) Subscribe(ctx context.Context, messageType string, handler IMessageHandler) error {
	bus.mutex.Lock()
	inbound := append([]IMiddleware(nil), bus.inbound...)
	if len(inbound) == 0 {
		bus.mutex.Unlock()
		return bus.transport.Subscribe(messageType, handler)
	}
	wrapper := &chainHandler{inner: handler, middlewares: inbound}
	if bus.wrapped[messageType] == nil {
		bus.wrapped[messageType] = make(map[IMessageHandler]IMessageHandler)
	}
	bus.wrapped[messageType][handler] = wrapper
	bus.mutex.Unlock()

	return bus.transport.Subscribe(messageType, wrapper)
}

// Unsubscribe 取消订阅消息处理器
func (bus *MessageBus) Unsubscribe(ctx context.Context, messageType string, handler IMessageHandler) error {
	bus.mutex.Lock()
	if w, ok := bus.wrapped[messageType][handler]; ok {
		delete(bus.wrapped[messageType], handler)
		handler = w
	}
	bus.mutex.Unlock()
	return bus.transport.Unsubscribe(messageType, handler)
}

// Publish 发布消息，并在发送到 Transport 前执行中间件
func (bus *MessageBus) Publish(ctx context.Context, message IMessage) error {
	bus.mutex.RLock()
	middlewares := bus.outbound
	bus.mutex.RUnlock()

	return runChain(ctx, message, middlewares, bus.transport.Publish)
}

// PublishAll 经过中间件后批量发布
func (bus *MessageBus) PublishAll(ctx context.Context, messages []IMessage) error {
	if len(messages) == 0 {
		return nil
	}
	bus.mutex.RLock()
	middlewares := bus.outbound
	bus.mutex.RUnlock()

	batched := make([]IMessage, 0, len(messages))
	for _, message := range messages {
		err := runChain(ctx, message, middlewares, func(ctx context.Context, msg IMessage) error {
			batched = append(batched, msg)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to publish message %s: %w", message.GetID(), err)
		}
	}
	if err := bus.transport.PublishAll(ctx, batched); err != nil {
		return fmt.Errorf("failed to publish batch (%d messages): %w", len(batched), err)
	}
	return nil
}

// Start 启动底层传输
func (bus *MessageBus) Start(ctx context.Context) error { return bus.transport.Start(ctx) }

// Close 关闭底层传输
func (bus *MessageBus) Close() error { return bus.transport.Close() }

// Stats 底层传输统计
func (bus *MessageBus) Stats() TransportStats { return bus.transport.Stats() }

type chainHandler struct {
	inner       IMessageHandler
	middlewares []IMiddleware
}

func (h *chainHandler) Handle(ctx context.Context, message IMessage) error {
	return runChain(ctx, message, h.middlewares, h.inner.Handle)
}

func (h *chainHandler) Type() string { return h.inner.Type() }

// runChain 构建并执行中间件链，先注册的中间件在最外层
func runChain(ctx context.Context, message IMessage, middlewares []IMiddleware, final HandlerFunc) error {
	next := final
	for i := len(middlewares) - 1; i >= 0; i-- {
		middleware := middlewares[i]
		currentNext := next
		next = func(ctx context.Context, msg IMessage) error {
			return middleware.Handle(ctx, msg, currentNext)
		}
	}
	return next(ctx, message)
}
