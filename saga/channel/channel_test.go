package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "accesssaga/errors"
	"accesssaga/logging"
	"accesssaga/messaging"
	synctransport "accesssaga/messaging/transport/sync"
	"accesssaga/patterns/retry"
	"accesssaga/saga"
)

func TestDecode_DispatchesOnKindTag(t *testing.T) {
	msg, err := Encode("saga.result", StepResultMessage{saga.StepResult{
		SagaID: "s-1", StepID: "st-1", Outcome: saga.OutcomeFailure, ErrorMessage: "EMPLOYEE_ALREADY_ENTERED",
	}})
	require.NoError(t, err)
	assert.Equal(t, "saga.result", msg.GetType())
	assert.Equal(t, "step.result", messaging.MetadataString(msg, MetadataKind))
	assert.Equal(t, "s-1", messaging.MetadataString(msg, MetadataSagaID))

	decoded, err := Decode(msg)
	require.NoError(t, err)
	res, ok := decoded.(StepResultMessage)
	require.True(t, ok)
	assert.Equal(t, "EMPLOYEE_ALREADY_ENTERED", res.ErrorMessage)
	assert.Equal(t, "step.result:s-1:st-1", decoded.Key())

	// 网络传输后负载为 json.RawMessage，元数据不变
	raw := &messaging.Message{
		Type:     "saga.compensation",
		Payload:  json.RawMessage(`{"sagaId":"s-1","stepId":"st-2","action":"compensate","compensationAction":"rollback_access_registration"}`),
		Metadata: map[string]any{MetadataKind: string(KindCompensationCommand)},
	}
	decoded, err = Decode(raw)
	require.NoError(t, err)
	cmd, ok := decoded.(CompensationCommandMessage)
	require.True(t, ok)
	assert.Equal(t, "rollback_access_registration", cmd.CompensationAction)
	assert.Equal(t, "compensation.command:s-1:st-2:rollback_access_registration", decoded.Key())
}

func TestDecode_RejectsUnknownOrBrokenMessages(t *testing.T) {
	_, err := Decode(&messaging.Message{Payload: json.RawMessage(`{}`), Metadata: map[string]any{MetadataKind: "order.created"}})
	assert.Error(t, err)

	_, err = Decode(&messaging.Message{Payload: json.RawMessage(`{"sagaId":`), Metadata: map[string]any{MetadataKind: string(KindStepResult)}})
	assert.Error(t, err)

	_, err = Decode(&messaging.Message{Metadata: map[string]any{MetadataKind: string(KindStepResult)}})
	assert.Error(t, err)
}

type recordingSink struct {
	mu      sync.Mutex
	results []saga.StepResult
	comps   []saga.CompensationResult
	failN   int
}

func (s *recordingSink) HandleStepResult(_ context.Context, r saga.StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return errors.New("store unavailable")
	}
	s.results = append(s.results, r)
	return nil
}

func (s *recordingSink) HandleCompensationResult(_ context.Context, r saga.CompensationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comps = append(s.comps, r)
	return nil
}

// echoService 对每个命令回送成功结果
type echoService struct {
	ch      *BusChannel
	actions []string
	undo    string
}

func (e *echoService) HandleStepCommand(ctx context.Context, cmd saga.StepCommand) error {
	e.actions = append(e.actions, cmd.Action)
	return e.ch.SendStepResult(ctx, saga.StepResult{SagaID: cmd.SagaID, StepID: cmd.StepID, Outcome: saga.OutcomeSuccess,
		ResponsePayload: json.RawMessage(`{"echo":"` + cmd.Field("document") + `"}`)})
}

func (e *echoService) HandleCompensationCommand(ctx context.Context, cmd saga.CompensationCommand) error {
	if cmd.CompensationAction != e.undo {
		return nil
	}
	return e.ch.SendCompensationResult(ctx, saga.CompensationResult{
		SagaID: cmd.SagaID, StepID: cmd.StepID, CompensationAction: cmd.CompensationAction, Outcome: saga.OutcomeSuccess,
	})
}

func newSyncChannel(t *testing.T, dedup Deduplicator) *BusChannel {
	t.Helper()
	tpt := synctransport.NewSyncTransport()
	require.NoError(t, tpt.Start(context.Background()))
	return NewBusChannel(messaging.NewMessageBus(tpt), Options{Dedup: dedup, Logger: logging.NewNoopLogger()})
}

func TestBusChannel_CommandAndResultFlow(t *testing.T) {
	ctx := context.Background()
	ch := newSyncChannel(t, nil)
	sink := &recordingSink{}
	require.NoError(t, ch.BindResults(ctx, sink))

	employees := &echoService{ch: ch}
	access := &echoService{ch: ch, undo: "rollback_access_registration"}
	require.NoError(t, ch.BindService(ctx, "employee-service", employees))
	require.NoError(t, ch.BindService(ctx, "access-control-service", access))

	require.NoError(t, ch.SendStepCommand(ctx, "employee-service", saga.StepCommand{
		SagaID: "s-1", StepID: "st-1", Action: "validate", Fields: map[string]any{"document": "123"},
	}))
	require.NoError(t, ch.SendCompensationCommand(ctx, saga.NewCompensationCommand("s-1", "st-2", "rollback_access_registration")))

	assert.Equal(t, []string{"validate"}, employees.actions)
	assert.Empty(t, access.actions)
	require.Len(t, sink.results, 1)
	assert.JSONEq(t, `{"echo":"123"}`, string(sink.results[0].ResponsePayload))
	require.Len(t, sink.comps, 1, "only the owning service acknowledges the compensation")
	assert.Equal(t, "st-2", sink.comps[0].StepID)
}

func TestBusChannel_DedupAndReleaseOnFailure(t *testing.T) {
	ctx := context.Background()
	ch := newSyncChannel(t, NewMemoryDeduplicator(time.Minute, 1000))
	sink := &recordingSink{failN: 1}
	require.NoError(t, ch.BindResults(ctx, sink))

	msg, err := Encode(ch.Destinations().Result, StepResultMessage{saga.StepResult{SagaID: "s-1", StepID: "st-1", Outcome: saga.OutcomeSuccess}})
	require.NoError(t, err)
	handler := ch.inbound("saga.results", func(ctx context.Context, m Message) error {
		return sink.HandleStepResult(ctx, m.(StepResultMessage).StepResult)
	})

	require.Error(t, handler.Handle(ctx, msg), "failure is returned so the transport redelivers")
	require.NoError(t, handler.Handle(ctx, msg), "the key was released, redelivery is processed")
	require.NoError(t, handler.Handle(ctx, msg), "later duplicates are dropped")
	assert.Len(t, sink.results, 1)
}

func TestBusChannel_UndecodableMessageIsDropped(t *testing.T) {
	ch := newSyncChannel(t, nil)
	called := false
	handler := ch.inbound("x", func(context.Context, Message) error { called = true; return nil })
	err := handler.Handle(context.Background(), &messaging.Message{ID: "m-1", Type: "saga.result", Payload: json.RawMessage(`{}`)})
	assert.NoError(t, err)
	assert.False(t, called)
}

type flakyBus struct {
	messaging.IMessageBus
	failures int
	attempts int
}

func (b *flakyBus) Publish(ctx context.Context, msg messaging.IMessage) error {
	b.attempts++
	if b.attempts <= b.failures {
		return errors.New("connection reset")
	}
	return nil
}

func TestBusChannel_PublishRetry(t *testing.T) {
	fast := retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffFactor: 1}

	bus := &flakyBus{failures: 2}
	ch := NewBusChannel(bus, Options{PublishRetry: fast, Logger: logging.NewNoopLogger()})
	require.NoError(t, ch.SendStepCommand(context.Background(), "svc", saga.StepCommand{SagaID: "s", StepID: "st", Action: "a"}))
	assert.Equal(t, 3, bus.attempts)

	bus = &flakyBus{failures: 5}
	ch = NewBusChannel(bus, Options{PublishRetry: fast, Logger: logging.NewNoopLogger()})
	err := ch.SendCompensationCommand(context.Background(), saga.NewCompensationCommand("s", "st", "undo"))
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeQueue))
}

func TestRedisDeduplicator(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	d := NewRedisDeduplicator(rdb, "", time.Minute)
	fresh, err := d.Claim(ctx, "step.result:s-1:st-1")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = d.Claim(ctx, "step.result:s-1:st-1")
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.True(t, mr.Exists("saga:dedup:step.result:s-1:st-1"))

	require.NoError(t, d.Release(ctx, "step.result:s-1:st-1"))
	fresh, err = d.Claim(ctx, "step.result:s-1:st-1")
	require.NoError(t, err)
	assert.True(t, fresh)

	mr.FastForward(2 * time.Minute)
	fresh, err = d.Claim(ctx, "step.result:s-1:st-1")
	require.NoError(t, err)
	assert.True(t, fresh, "keys expire after the ttl")
}

func TestMemoryDeduplicator(t *testing.T) {
	d := NewMemoryDeduplicator(time.Minute, 10)
	ctx := context.Background()
	first, _ := d.Claim(ctx, "k")
	second, _ := d.Claim(ctx, "k")
	assert.True(t, first)
	assert.False(t, second)
	require.NoError(t, d.Release(ctx, "k"))
	third, _ := d.Claim(ctx, "k")
	assert.True(t, third)
}
