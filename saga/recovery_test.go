package saga

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accesssaga/logging"
)

type recordingResumer struct {
	mu      sync.Mutex
	resumed []string
	fail    map[string]bool
}

func (r *recordingResumer) Resume(_ context.Context, sagaID string) (*SagaExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[sagaID] {
		return nil, stdErrors.New("resume failed")
	}
	r.resumed = append(r.resumed, sagaID)
	return &SagaExecution{SagaID: sagaID}, nil
}

func (r *recordingResumer) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.resumed...)
}

func seedState(t *testing.T, store *MemoryStore, path ...SagaState) *SagaExecution {
	t.Helper()
	exec, err := store.Create(context.Background(), "TEST", nil)
	require.NoError(t, err)
	for _, to := range path {
		exec, err = store.Transition(context.Background(), exec.SagaID, to, "")
		require.NoError(t, err)
	}
	return exec
}

func TestRecoverySweeper_SweepsOnlyStaleNonTerminal(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	store := NewMemoryStore(WithClock(clock.Now))

	running := seedState(t, store, StateInProgress)
	compensating := seedState(t, store, StateInProgress, StateCompensating)
	seedState(t, store, StateInProgress, StateCompleted)
	stuck := seedState(t, store)
	clock.Advance(10 * time.Minute)
	fresh := seedState(t, store, StateInProgress)
	seedState(t, store)

	resumer := &recordingResumer{}
	sweeper := NewRecoverySweeper(store, resumer, RecoveryOptions{StaleAfter: 5 * time.Minute, Logger: logging.NewNoopLogger()})

	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{stuck.SagaID, running.SagaID, compensating.SagaID}, resumer.ids())

	// 启动恢复不看更新时间，但刚创建的 PENDING 可能仍在 Start 中，需等到 StaleAfter
	clock.Advance(time.Millisecond)
	resumer.resumed = nil
	n, err = sweeper.RecoverAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.ElementsMatch(t, []string{stuck.SagaID, running.SagaID, fresh.SagaID, compensating.SagaID}, resumer.ids())
}

func TestRecoverySweeper_ContinuesPastFailuresAndHonorsBatch(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	store := NewMemoryStore(WithClock(clock.Now))

	first := seedState(t, store, StateInProgress)
	clock.Advance(time.Millisecond)
	seedState(t, store, StateInProgress)
	clock.Advance(time.Millisecond)
	seedState(t, store, StateInProgress)
	clock.Advance(time.Hour)

	resumer := &recordingResumer{fail: map[string]bool{first.SagaID: true}}
	sweeper := NewRecoverySweeper(store, resumer, RecoveryOptions{BatchSize: 2, Logger: logging.NewNoopLogger()})

	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "batch of two, one of which fails")
	assert.Len(t, resumer.ids(), 1)

	resumer.resumed = nil
	n, err = sweeper.RecoverAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "startup recovery is not capped by the batch size")
}

func TestRecoverySweeper_RunStopsWithContext(t *testing.T) {
	store := NewMemoryStore()
	sweeper := NewRecoverySweeper(store, &recordingResumer{}, RecoveryOptions{Interval: 5 * time.Millisecond, Logger: logging.NewNoopLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRecoverySweeper_ReattachesInFlightStepAfterRestart(t *testing.T) {
	ctx := context.Background()
	registry, err := NewRegistry(testDefinition())
	require.NoError(t, err)
	clock := newManualClock()
	store := NewMemoryStore(WithClock(clock.Now))

	silent := &stubChannel{}
	first := NewOrchestrator(store, silent, registry, Options{Clock: clock.Now, Logger: logging.NewNoopLogger()})
	silent.sink = first
	exec, err := first.Start(ctx, "TEST", validInput)
	require.NoError(t, err)
	first.Close()
	clock.Advance(time.Second)

	ch := &stubChannel{}
	second := NewOrchestrator(store, ch, registry, Options{Clock: clock.Now, Logger: logging.NewNoopLogger()})
	ch.sink = second
	defer second.Close()

	sweeper := NewRecoverySweeper(store, second, RecoveryOptions{Logger: logging.NewNoopLogger()})
	n, err := sweeper.RecoverAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, second.PendingCount())
	assert.Empty(t, ch.sentActions())

	// 再次巡检不会重复登记
	_, err = sweeper.RecoverAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, second.PendingCount())

	after, err := store.FindBySagaID(ctx, exec.SagaID)
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, after.State)
}
