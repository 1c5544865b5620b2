package middleware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accesssaga/logging"
	"accesssaga/messaging"
)

func TestCorrelationMiddleware_UsesSagaID(t *testing.T) {
	mw := NewCorrelationMiddleware()
	msg := messaging.NewMessage("saga.command.employee-service", nil)
	msg.SetMetadata(KeySagaID, "saga-1")

	var seen string
	err := mw.Handle(context.Background(), msg, func(ctx context.Context, m messaging.IMessage) error {
		seen = logging.CorrelationIDFromContext(ctx)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "saga-1", seen)
	assert.Equal(t, "saga-1", messaging.MetadataString(msg, KeyCorrelationID))
	assert.Equal(t, "Correlation", mw.Name())
}

func TestCorrelationMiddleware_KeepsExisting(t *testing.T) {
	mw := NewCorrelationMiddleware()
	msg := messaging.NewMessage("saga.result", nil)
	msg.SetMetadata(KeyCorrelationID, "upstream")
	msg.SetMetadata(KeySagaID, "saga-1")

	require.NoError(t, mw.Handle(context.Background(), msg, func(ctx context.Context, m messaging.IMessage) error { return nil }))
	assert.Equal(t, "upstream", messaging.MetadataString(msg, KeyCorrelationID))
}

// TestCorrelationMiddleware_InboundToOutbound 入站消息处理过程中发出的消息继承关联 ID 与因果 ID
func TestCorrelationMiddleware_InboundToOutbound(t *testing.T) {
	mw := NewCorrelationMiddleware()
	inbound := messaging.NewMessage("saga.command.access-control-service", nil)
	inbound.SetMetadata(KeyCorrelationID, "saga-7")

	outbound := messaging.NewMessage("saga.result", nil)
	err := mw.Handle(context.Background(), inbound, func(ctx context.Context, m messaging.IMessage) error {
		return mw.Handle(ctx, outbound, func(ctx context.Context, m messaging.IMessage) error { return nil })
	})
	require.NoError(t, err)
	assert.Equal(t, "saga-7", messaging.MetadataString(outbound, KeyCorrelationID))
	assert.Equal(t, inbound.ID, messaging.MetadataString(outbound, KeyCausationID))
}

func TestCorrelationMiddleware_FallbackToMessageID(t *testing.T) {
	mw := NewCorrelationMiddleware()
	msg := messaging.NewMessage("t", nil)
	require.NoError(t, mw.Handle(context.Background(), msg, func(ctx context.Context, m messaging.IMessage) error { return nil }))
	assert.Equal(t, msg.ID, messaging.MetadataString(msg, KeyCorrelationID))
	_, hasCausation := msg.Metadata[KeyCausationID]
	assert.False(t, hasCausation)
}
