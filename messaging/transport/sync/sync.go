// Package sync 提供同步的消息传输实现
//
// Publish 在调用方 goroutine 内完成全部处理器调用，适合单进程部署与测试；
// 处理器内部再次 Publish 时形成嵌套投递，深度受 MaxDepth 限制。
package sync

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"

	"accesssaga/errors"
	"accesssaga/logging"
	"accesssaga/messaging"
)

// DefaultMaxDepth 嵌套投递的默认上限
const DefaultMaxDepth = 32

type depthKey struct{}

// Option 同步传输选项
type Option func(*SyncTransport)

// WithIsolatedHandlers 处理器错误只记录日志，不返回给发布者
//
// 步骤命令的处理器会立即发布结果，结果处理器又可能发布下一步命令；
// 隔离后下游错误不会沿调用栈回传给最初的发布者。
func WithIsolatedHandlers(logger logging.Logger) Option {
	return func(t *SyncTransport) {
		t.isolated = true
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMaxDepth 设置嵌套投递上限，<=0 时使用 DefaultMaxDepth
func WithMaxDepth(depth int) Option {
	return func(t *SyncTransport) {
		if depth > 0 {
			t.maxDepth = depth
		}
	}
}

// SyncTransport 同步传输
type SyncTransport struct {
	mu       sync.RWMutex
	handlers map[string][]messaging.IMessageHandler
	running  bool

	isolated bool
	maxDepth int
	logger   logging.Logger
}

func NewSyncTransport(opts ...Option) *SyncTransport {
	t := &SyncTransport{
		handlers: make(map[string][]messaging.IMessageHandler),
		maxDepth: DefaultMaxDepth,
		logger:   logging.ComponentLogger("transport.sync"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *SyncTransport) Publish(ctx context.Context, message messaging.IMessage) error {
	t.mu.RLock()
	running := t.running
	matched := t.matchLocked(message.GetType())
	t.mu.RUnlock()
	if !running {
		return errors.NewError(errors.ErrCodeQueue, "sync transport is not running")
	}

	depth, _ := ctx.Value(depthKey{}).(int)
	if depth >= t.maxDepth {
		return errors.NewErrorf(errors.ErrCodeQueue, "nested publish exceeded depth %d", t.maxDepth).
			WithContext("message_type", message.GetType()).
			WithContext("message_id", message.GetID())
	}
	ctx = context.WithValue(ctx, depthKey{}, depth+1)

	var errs []error
	for _, h := range matched {
		err := t.invoke(ctx, h, message)
		if err == nil {
			continue
		}
		if t.isolated {
			t.logger.Warn(ctx, "message handler failed",
				logging.String("message_type", message.GetType()),
				logging.String("message_id", message.GetID()),
				logging.String("handler", h.Type()),
				logging.Int("depth", depth),
				logging.Error(err))
			continue
		}
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.WrapError(stdErrors.Join(errs...), errors.ErrCodeQueue,
			fmt.Sprintf("%d handler(s) failed", len(errs))).
			WithContext("message_type", message.GetType())
	}
	return nil
}

func (t *SyncTransport) matchLocked(messageType string) []messaging.IMessageHandler {
	out := make([]messaging.IMessageHandler, 0, len(t.handlers[messageType])+len(t.handlers["*"]))
	out = append(out, t.handlers[messageType]...)
	return append(out, t.handlers["*"]...)
}

// invoke 调用单个处理器，panic 转为 INTERNAL 错误
func (t *SyncTransport) invoke(ctx context.Context, h messaging.IMessageHandler, message messaging.IMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewErrorf(errors.ErrCodeInternal, "handler %s panicked: %v", h.Type(), r)
		}
	}()
	return h.Handle(ctx, message)
}

func (t *SyncTransport) PublishAll(ctx context.Context, messages []messaging.IMessage) error {
	for _, message := range messages {
		if err := t.Publish(ctx, message); err != nil {
			return err
		}
	}
	return nil
}

func (t *SyncTransport) Subscribe(messageType string, handler messaging.IMessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[messageType] = append(t.handlers[messageType], handler)
	return nil
}

func (t *SyncTransport) Unsubscribe(messageType string, handler messaging.IMessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	handlers := t.handlers[messageType]
	for i, h := range handlers {
		if h == handler {
			t.handlers[messageType] = append(handlers[:i:i], handlers[i+1:]...)
			return nil
		}
	}
	return errors.NewErrorf(errors.ErrCodeNotFound, "no such handler for %s", messageType)
}

func (t *SyncTransport) Start(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.NewError(errors.ErrCodeConflict, "sync transport already running")
	}
	t.running = true
	return nil
}

func (t *SyncTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return errors.NewError(errors.ErrCodeQueue, "sync transport is not running")
	}
	t.running = false
	return nil
}

func (t *SyncTransport) Stats() messaging.TransportStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	stats := messaging.TransportStats{
		Running:      t.running,
		MessageTypes: make([]string, 0, len(t.handlers)),
	}
	for mt, h := range t.handlers {
		stats.MessageTypes = append(stats.MessageTypes, mt)
		stats.HandlerCount += len(h)
	}
	return stats
}
