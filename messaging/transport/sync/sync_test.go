package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "accesssaga/errors"
	"accesssaga/logging"
	msg "accesssaga/messaging"
)

type incHandler struct {
	n   *int
	err error
}

func (h incHandler) Handle(ctx context.Context, m msg.IMessage) error { *h.n++; return h.err }
func (h incHandler) Type() string                                     { return "inc" }

func TestSyncTransport_PublishFlow(t *testing.T) {
	tpt := NewSyncTransport()
	require.NoError(t, tpt.Start(context.Background()))
	defer tpt.Close()

	var exact, wildcard int
	require.NoError(t, tpt.Subscribe("T", incHandler{n: &exact}))
	require.NoError(t, tpt.Subscribe("*", incHandler{n: &wildcard}))

	require.NoError(t, tpt.Publish(context.Background(), &msg.Message{ID: "1", Type: "T"}))
	assert.Equal(t, 1, exact)
	assert.Equal(t, 1, wildcard)
	assert.Equal(t, 2, tpt.Stats().HandlerCount)
}

func TestSyncTransport_ErrorsPropagate(t *testing.T) {
	tpt := NewSyncTransport()
	require.NoError(t, tpt.Start(context.Background()))

	boom := errors.New("boom")
	var c int
	require.NoError(t, tpt.Subscribe("T", incHandler{n: &c, err: boom}))
	err := tpt.Publish(context.Background(), &msg.Message{ID: "1", Type: "T"})
	assert.ErrorIs(t, err, boom)
}

func TestSyncTransport_IsolatedHandlers(t *testing.T) {
	tpt := NewSyncTransport(WithIsolatedHandlers(logging.NewNoopLogger()))
	require.NoError(t, tpt.Start(context.Background()))

	var c int
	require.NoError(t, tpt.Subscribe("T", incHandler{n: &c, err: errors.New("boom")}))
	require.NoError(t, tpt.Publish(context.Background(), &msg.Message{ID: "1", Type: "T"}))
	assert.Equal(t, 1, c)
}

func TestSyncTransport_NotRunning(t *testing.T) {
	tpt := NewSyncTransport()
	assert.Error(t, tpt.Publish(context.Background(), &msg.Message{ID: "x", Type: "T"}))
	assert.Error(t, tpt.Close())
}

type panicHandler struct{}

func (panicHandler) Handle(context.Context, msg.IMessage) error { panic("kaboom") }
func (panicHandler) Type() string                               { return "panic" }

// echoHandler 收到消息后原样再发布一次，形成无限嵌套
type echoHandler struct {
	tpt   *SyncTransport
	calls *int
}

func (h echoHandler) Handle(ctx context.Context, m msg.IMessage) error {
	*h.calls++
	return h.tpt.Publish(ctx, m)
}
func (echoHandler) Type() string { return "echo" }

func TestSyncTransport_PanicBecomesInternalError(t *testing.T) {
	tpt := NewSyncTransport()
	require.NoError(t, tpt.Start(context.Background()))
	require.NoError(t, tpt.Subscribe("T", panicHandler{}))

	err := tpt.Publish(context.Background(), &msg.Message{ID: "1", Type: "T"})
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeQueue))
	assert.Contains(t, err.Error(), "kaboom")
}

func TestSyncTransport_NestedPublishIsBounded(t *testing.T) {
	tpt := NewSyncTransport(WithMaxDepth(4))
	require.NoError(t, tpt.Start(context.Background()))
	var calls int
	require.NoError(t, tpt.Subscribe("T", echoHandler{tpt: tpt, calls: &calls}))

	err := tpt.Publish(context.Background(), &msg.Message{ID: "1", Type: "T"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depth 4")
	assert.Equal(t, 4, calls)
}
