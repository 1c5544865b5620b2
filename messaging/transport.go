package messaging

import (
	"context"
)

// Transport 消息传输接口
//
// 投递语义为至少一次：处理器返回错误时，实现应安排重投（或交由底层中间件重投），
// 因此处理器必须幂等。
type Transport interface {
	Publish(ctx context.Context, message IMessage) error
	PublishAll(ctx context.Context, messages []IMessage) error
	Subscribe(messageType string, handler IMessageHandler) error
	Unsubscribe(messageType string, handler IMessageHandler) error
	Start(ctx context.Context) error
	Close() error
	Stats() TransportStats
}

// TransportStats 传输层统计信息
type TransportStats struct {
	Running      bool     `json:"running"`
	HandlerCount int      `json:"handler_count"`
	MessageTypes []string `json:"message_types"`
	QueueSize    int      `json:"queue_size,omitempty"`
	QueueDepth   int      `json:"queue_depth,omitempty"`
	WorkerCount  int      `json:"worker_count,omitempty"`
	Redelivered  int64    `json:"redelivered,omitempty"`
	// DeadLettered 放弃投递的消息数（重投预算耗尽或无法解码）
	DeadLettered int64 `json:"dead_lettered,omitempty"`
}

// IMessageHandler 消息处理器接口
type IMessageHandler interface {
	Handle(ctx context.Context, message IMessage) error

	// Type 返回处理器名称（用于日志和调试）
	Type() string
}

type funcHandler struct {
	name string
	fn   HandlerFunc
}

func (h *funcHandler) Handle(ctx context.Context, message IMessage) error { return h.fn(ctx, message) }
func (h *funcHandler) Type() string                                       { return h.name }

// NewHandler 用函数构造处理器
func NewHandler(name string, fn HandlerFunc) IMessageHandler {
	return &funcHandler{name: name, fn: fn}
}
