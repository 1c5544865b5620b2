// Package middleware 提供消息总线中间件
package middleware

import (
	"context"

	"accesssaga/logging"
	"accesssaga/messaging"
)

// 元数据键
const (
	KeyCorrelationID = "correlation_id"
	KeyCausationID   = "causation_id"
	KeySagaID        = "saga_id"
)

type causationKey struct{}

// CorrelationMiddleware 传播关联 ID
//
// 出站：correlation_id 缺失时优先取 saga_id，其次取 Context 中的关联 ID，最后取消息 ID；
// causation_id 取当前正在处理的入站消息 ID。
// 入站：把 correlation_id 放入 Context，供日志输出和后续出站消息沿用。
type CorrelationMiddleware struct{}

func NewCorrelationMiddleware() *CorrelationMiddleware { return &CorrelationMiddleware{} }

func (m *CorrelationMiddleware) Name() string { return "Correlation" }

func (m *CorrelationMiddleware) Handle(ctx context.Context, message messaging.IMessage, next messaging.HandlerFunc) error {
	if message == nil {
		return next(ctx, message)
	}
	md := message.GetMetadata()
	if md == nil {
		return next(ctx, message)
	}

	corr, _ := md[KeyCorrelationID].(string)
	if corr == "" {
		switch {
		case messaging.MetadataString(message, KeySagaID) != "":
			corr = messaging.MetadataString(message, KeySagaID)
		case logging.CorrelationIDFromContext(ctx) != "":
			corr = logging.CorrelationIDFromContext(ctx)
		default:
			corr = message.GetID()
		}
		md[KeyCorrelationID] = corr
	}
	if _, ok := md[KeyCausationID]; !ok {
		if parent, _ := ctx.Value(causationKey{}).(string); parent != "" {
			md[KeyCausationID] = parent
		}
	}

	ctx = logging.WithCorrelationID(ctx, corr)
	ctx = context.WithValue(ctx, causationKey{}, message.GetID())
	return next(ctx, message)
}
