package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accesssaga/errors"
	"accesssaga/logging"
)

type sentStep struct {
	target string
	cmd    StepCommand
}

// stubChannel 记录发出的命令，并按脚本回送结果
type stubChannel struct {
	mu         sync.Mutex
	sink       IResultSink
	steps      []sentStep
	comps      []CompensationCommand
	stepReply  func(target string, cmd StepCommand) *StepResult
	compReply  func(cmd CompensationCommand) *CompensationResult
	publishErr map[string]error
	async      bool
}

func (c *stubChannel) SendStepCommand(ctx context.Context, target string, cmd StepCommand) error {
	c.mu.Lock()
	if err := c.publishErr[target]; err != nil {
		c.mu.Unlock()
		return err
	}
	c.steps = append(c.steps, sentStep{target: target, cmd: cmd})
	reply, sink, async := c.stepReply, c.sink, c.async
	c.mu.Unlock()

	if reply == nil {
		return nil
	}
	res := reply(target, cmd)
	if res == nil {
		return nil
	}
	if async {
		go func() { _ = sink.HandleStepResult(context.Background(), *res) }()
		return nil
	}
	_ = sink.HandleStepResult(ctx, *res)
	return nil
}

func (c *stubChannel) SendCompensationCommand(ctx context.Context, cmd CompensationCommand) error {
	c.mu.Lock()
	if err := c.publishErr["compensation"]; err != nil {
		c.mu.Unlock()
		return err
	}
	c.comps = append(c.comps, cmd)
	reply, sink, async := c.compReply, c.sink, c.async
	c.mu.Unlock()

	if reply == nil {
		return nil
	}
	res := reply(cmd)
	if res == nil {
		return nil
	}
	if async {
		go func() { _ = sink.HandleCompensationResult(context.Background(), *res) }()
		return nil
	}
	_ = sink.HandleCompensationResult(ctx, *res)
	return nil
}

func (c *stubChannel) sentActions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var actions []string
	for _, s := range c.steps {
		actions = append(actions, s.cmd.Action)
	}
	return actions
}

func (c *stubChannel) compensationActions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var actions []string
	for _, cmd := range c.comps {
		actions = append(actions, cmd.CompensationAction)
	}
	return actions
}

func (c *stubChannel) lastStep() sentStep {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.steps[len(c.steps)-1]
}

func succeed(_ string, cmd StepCommand) *StepResult {
	return &StepResult{SagaID: cmd.SagaID, StepID: cmd.StepID, Outcome: OutcomeSuccess, ResponsePayload: json.RawMessage(`{"ok":true}`)}
}

func failOn(action string) func(string, StepCommand) *StepResult {
	return func(target string, cmd StepCommand) *StepResult {
		if cmd.Action == action {
			return &StepResult{SagaID: cmd.SagaID, StepID: cmd.StepID, Outcome: OutcomeFailure, ErrorMessage: action + " rejected"}
		}
		return succeed(target, cmd)
	}
}

func ackCompensation(cmd CompensationCommand) *CompensationResult {
	return &CompensationResult{SagaID: cmd.SagaID, StepID: cmd.StepID, CompensationAction: cmd.CompensationAction, Outcome: OutcomeSuccess}
}

func testDefinition() Definition {
	return Definition{
		SagaType: "TEST",
		Steps: []StepDefinition{
			{Name: "A", ServiceTarget: "svc-a", Action: "a"},
			{Name: "B", ServiceTarget: "svc-b", Action: "b", CompensationAction: "undo_b"},
			{Name: "C", ServiceTarget: "svc-c", Action: "c", CompensationAction: "undo_c",
				BuildRequest: func(input json.RawMessage) (map[string]any, error) {
					var in map[string]any
					if err := json.Unmarshal(input, &in); err != nil {
						return nil, err
					}
					return map[string]any{"value": in["value"]}, nil
				}},
			{Name: "D", ServiceTarget: "svc-d", Action: "d"},
		},
		Validate: func(input json.RawMessage) error {
			var in map[string]any
			if err := json.Unmarshal(input, &in); err != nil || in["value"] == nil {
				return errors.NewValidationError("value is required")
			}
			return nil
		},
	}
}

type fixture struct {
	store   *MemoryStore
	channel *stubChannel
	orch    *Orchestrator
}

func newFixture(t *testing.T, ch *stubChannel, opts Options) *fixture {
	t.Helper()
	registry, err := NewRegistry(testDefinition())
	require.NoError(t, err)
	store := NewMemoryStore()
	if opts.Logger == nil {
		opts.Logger = logging.NewNoopLogger()
	}
	orch := NewOrchestrator(store, ch, registry, opts)
	ch.sink = orch
	t.Cleanup(orch.Close)
	return &fixture{store: store, channel: ch, orch: orch}
}

var validInput = json.RawMessage(`{"value":42}`)

func execute(t *testing.T, f *fixture) *SagaExecution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := f.orch.Execute(ctx, "TEST", validInput)
	require.NoError(t, err)
	return exec
}

func statuses(exec *SagaExecution) []StepStatus {
	var out []StepStatus
	for _, s := range exec.Steps {
		out = append(out, s.Status)
	}
	return out
}

func statePath(exec *SagaExecution) []SagaState {
	var out []SagaState
	for _, h := range exec.History {
		out = append(out, h.To)
	}
	return out
}

func TestOrchestrator_AllStepsSucceed(t *testing.T) {
	f := newFixture(t, &stubChannel{stepReply: succeed}, Options{})

	exec := execute(t, f)
	assert.Equal(t, StateCompleted, exec.State)
	assert.Equal(t, []StepStatus{StepCompleted, StepCompleted, StepCompleted, StepCompleted}, statuses(exec))
	assert.Equal(t, []SagaState{StatePending, StateInProgress, StateCompleted}, statePath(exec))
	assert.NotNil(t, exec.CompletedAt)
	assert.Equal(t, []string{"a", "b", "c", "d"}, f.channel.sentActions())
	assert.Equal(t, 0, f.orch.PendingCount())

	for i, s := range exec.Steps {
		assert.Equal(t, i, s.Index)
		assert.NotNil(t, s.DurationMillis)
		assert.JSONEq(t, `{"ok":true}`, string(s.ResponsePayload))
	}
	assert.JSONEq(t, `{"value":42}`, string(exec.Steps[2].RequestPayload))
	assert.Equal(t, float64(42), f.channel.steps[2].cmd.Fields["value"])
}

func TestOrchestrator_ValidationFailureCreatesNothing(t *testing.T) {
	f := newFixture(t, &stubChannel{stepReply: succeed}, Options{})

	_, err := f.orch.Execute(context.Background(), "TEST", json.RawMessage(`{}`))
	assert.True(t, errors.IsValidation(err))
	_, err = f.orch.Start(context.Background(), "UNKNOWN", validInput)
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, 0, f.store.Len())
	assert.Empty(t, f.channel.sentActions())
}

func TestOrchestrator_CompensatesInStrictReverseOrder(t *testing.T) {
	f := newFixture(t, &stubChannel{stepReply: failOn("d"), compReply: ackCompensation}, Options{})

	exec := execute(t, f)
	assert.Equal(t, StateCompensated, exec.State)
	assert.Equal(t, []string{"undo_c", "undo_b"}, f.channel.compensationActions())
	assert.Equal(t, []StepStatus{StepCompleted, StepCompensated, StepCompensated, StepFailed}, statuses(exec))
	assert.Equal(t, []SagaState{StatePending, StateInProgress, StateCompensating, StateCompensated}, statePath(exec))
	assert.Contains(t, exec.ErrorMessage, "d rejected")
	assert.NotNil(t, exec.Steps[1].CompensatedAt)
}

func TestOrchestrator_CompensationFailureContinuesAndEndsFailed(t *testing.T) {
	ch := &stubChannel{
		stepReply: failOn("d"),
		compReply: func(cmd CompensationCommand) *CompensationResult {
			res := ackCompensation(cmd)
			if cmd.CompensationAction == "undo_c" {
				res.Outcome = OutcomeFailure
				res.ErrorMessage = "ledger unavailable"
			}
			return res
		},
	}
	f := newFixture(t, ch, Options{})

	exec := execute(t, f)
	assert.Equal(t, StateFailed, exec.State)
	assert.Equal(t, []string{"undo_c", "undo_b"}, ch.compensationActions(), "a failed compensation does not block the rest")
	assert.Equal(t, []StepStatus{StepCompleted, StepCompensated, StepFailed, StepFailed}, statuses(exec))
	assert.True(t, exec.Steps[2].CompensationFailed())
	assert.Contains(t, exec.ErrorMessage, string(errors.ErrCodeStepFailed))
	assert.Contains(t, exec.ErrorMessage, "ledger unavailable")
	assert.Equal(t, []SagaState{StatePending, StateInProgress, StateCompensating, StateFailed}, statePath(exec))
}

func TestOrchestrator_StepTimeout(t *testing.T) {
	ch := &stubChannel{}
	f := newFixture(t, ch, Options{StepTimeout: 30 * time.Millisecond})

	exec := execute(t, f)
	assert.Equal(t, StateCompensated, exec.State)
	require.Len(t, exec.Steps, 1, "later steps are never started")
	assert.Equal(t, StepFailed, exec.Steps[0].Status)
	assert.Contains(t, exec.Steps[0].ErrorMessage, string(errors.ErrCodeStepTimeout))
	assert.Equal(t, []string{"a"}, ch.sentActions())
	assert.Equal(t, 0, f.orch.PendingCount())

	// 超时之后到达的结果被丢弃
	require.NoError(t, f.orch.HandleStepResult(context.Background(),
		StepResult{SagaID: exec.SagaID, StepID: exec.Steps[0].ID, Outcome: OutcomeSuccess}))
	after, err := f.store.FindBySagaID(context.Background(), exec.SagaID)
	require.NoError(t, err)
	assert.Equal(t, exec.Version, after.Version)
}

func TestOrchestrator_CompensationTimeoutIsRecorded(t *testing.T) {
	ch := &stubChannel{stepReply: failOn("c")}
	f := newFixture(t, ch, Options{CompensationTimeout: 20 * time.Millisecond})

	exec := execute(t, f)
	assert.Equal(t, StateFailed, exec.State)
	assert.Equal(t, []string{"undo_b"}, ch.compensationActions())
	assert.Contains(t, exec.ErrorMessage, string(errors.ErrCodeCompensationFailed))
}

func TestOrchestrator_DuplicateResultsAreIdempotent(t *testing.T) {
	ch := &stubChannel{
		stepReply: func(target string, cmd StepCommand) *StepResult {
			if cmd.Action == "a" {
				return succeed(target, cmd)
			}
			return nil
		},
	}
	f := newFixture(t, ch, Options{})
	ctx := context.Background()

	exec, err := f.orch.Start(ctx, "TEST", validInput)
	require.NoError(t, err)
	require.Len(t, exec.Steps, 2)
	first := exec.Steps[0]
	require.Equal(t, StepCompleted, first.Status)

	dup := StepResult{SagaID: exec.SagaID, StepID: first.ID, Outcome: OutcomeSuccess}
	require.NoError(t, f.orch.HandleStepResult(ctx, dup))
	require.NoError(t, f.orch.HandleStepResult(ctx, StepResult{SagaID: exec.SagaID, StepID: first.ID, Outcome: OutcomeFailure}))

	after, err := f.store.FindBySagaID(ctx, exec.SagaID)
	require.NoError(t, err)
	assert.Equal(t, exec.Version, after.Version)
	assert.Equal(t, StateInProgress, after.State)
	assert.Equal(t, []string{"a", "b"}, ch.sentActions(), "no second command for the next step")

	// 同一结果并发投递，只有一次生效
	second := ch.lastStep()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.orch.HandleStepResult(ctx, StepResult{SagaID: exec.SagaID, StepID: second.cmd.StepID, Outcome: OutcomeSuccess})
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{"a", "b", "c"}, ch.sentActions())
}

func TestOrchestrator_PublishFailureFailsStep(t *testing.T) {
	ch := &stubChannel{
		stepReply:  succeed,
		compReply:  ackCompensation,
		publishErr: map[string]error{"svc-c": fmt.Errorf("broker down")},
	}
	f := newFixture(t, ch, Options{})

	exec := execute(t, f)
	assert.Equal(t, StateCompensated, exec.State)
	assert.Equal(t, StepFailed, exec.Steps[2].Status)
	assert.Contains(t, exec.Steps[2].ErrorMessage, string(errors.ErrCodeQueue))
	assert.Equal(t, []string{"undo_b"}, ch.compensationActions())
}

func TestOrchestrator_ResumeAfterRestartDoesNotRepublish(t *testing.T) {
	ctx := context.Background()
	registry, err := NewRegistry(testDefinition())
	require.NoError(t, err)
	store := NewMemoryStore()

	silent := &stubChannel{}
	first := NewOrchestrator(store, silent, registry, Options{Logger: logging.NewNoopLogger()})
	silent.sink = first
	exec, err := first.Start(ctx, "TEST", validInput)
	require.NoError(t, err)
	first.Close()

	ch := &stubChannel{stepReply: succeed}
	second := NewOrchestrator(store, ch, registry, Options{Logger: logging.NewNoopLogger()})
	ch.sink = second
	defer second.Close()

	resumed, err := second.Resume(ctx, exec.SagaID)
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, resumed.State)
	assert.Empty(t, ch.sentActions(), "in-flight step is awaited, not re-sent")
	assert.Equal(t, 1, second.PendingCount())

	stepID := silent.lastStep().cmd.StepID
	require.NoError(t, second.HandleStepResult(ctx, StepResult{SagaID: exec.SagaID, StepID: stepID, Outcome: OutcomeSuccess}))

	done, err := second.Wait(ctx, exec.SagaID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, done.State)
	assert.Equal(t, []string{"b", "c", "d"}, ch.sentActions())
}

// restartPastDeadline 第一个编排器发出步骤后关闭，时钟越过截止时间后由第二个编排器接手
func restartPastDeadline(t *testing.T, first *stubChannel, opts Options) (*MemoryStore, *SagaExecution, *stubChannel, *Orchestrator) {
	t.Helper()
	registry, err := NewRegistry(testDefinition())
	require.NoError(t, err)
	clock := newManualClock()
	store := NewMemoryStore(WithClock(clock.Now))
	opts.Clock = clock.Now
	opts.Logger = logging.NewNoopLogger()

	before := NewOrchestrator(store, first, registry, opts)
	first.sink = before
	exec, err := before.Start(context.Background(), "TEST", validInput)
	require.NoError(t, err)
	before.Close()
	clock.Advance(time.Minute)

	ch := &stubChannel{stepReply: succeed, compReply: ackCompensation}
	after := NewOrchestrator(store, ch, registry, opts)
	ch.sink = after
	t.Cleanup(after.Close)
	return store, exec, ch, after
}

func TestOrchestrator_ResumeTimesOutStepPastDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, exec, ch, second := restartPastDeadline(t, &stubChannel{}, Options{StepTimeout: 300 * time.Millisecond})

	_, err := second.Resume(ctx, exec.SagaID)
	require.NoError(t, err)

	done, err := second.Wait(ctx, exec.SagaID)
	require.NoError(t, err)
	assert.Equal(t, StateCompensated, done.State)
	assert.Equal(t, StepFailed, done.Steps[0].Status)
	assert.Contains(t, done.Steps[0].ErrorMessage, string(errors.ErrCodeStepTimeout))
	assert.Empty(t, ch.sentActions(), "expired step is not re-sent")
	assert.Equal(t, 0, second.PendingCount())
}

func TestOrchestrator_ResultPastDeadlineIsDropped(t *testing.T) {
	ctx := context.Background()
	store, exec, ch, second := restartPastDeadline(t, &stubChannel{}, Options{StepTimeout: time.Second})

	require.NoError(t, second.HandleStepResult(ctx, StepResult{SagaID: exec.SagaID, StepID: exec.Steps[0].ID, Outcome: OutcomeSuccess}))
	assert.Empty(t, ch.sentActions())

	after, err := store.FindBySagaID(ctx, exec.SagaID)
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, after.State)
	assert.Equal(t, StepInProgress, after.Steps[0].Status, "late success does not complete the step")
}

func TestOrchestrator_ResumeFailsCompensationPastDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	silent := &stubChannel{stepReply: failOn("c")}
	store, exec, ch, second := restartPastDeadline(t, silent, Options{StepTimeout: time.Second, CompensationTimeout: time.Second})

	waiting, err := store.FindBySagaID(ctx, exec.SagaID)
	require.NoError(t, err)
	require.Equal(t, StateCompensating, waiting.State)
	require.Equal(t, StepCompensating, waiting.Steps[1].Status)

	late := CompensationResult{SagaID: exec.SagaID, StepID: waiting.Steps[1].ID, CompensationAction: "undo_b", Outcome: OutcomeSuccess}
	require.NoError(t, second.HandleCompensationResult(ctx, late))
	stillWaiting, err := store.FindBySagaID(ctx, exec.SagaID)
	require.NoError(t, err)
	assert.Equal(t, StepCompensating, stillWaiting.Steps[1].Status, "late acknowledgment is dropped")

	_, err = second.Resume(ctx, exec.SagaID)
	require.NoError(t, err)
	done, err := second.Wait(ctx, exec.SagaID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, done.State)
	assert.True(t, done.Steps[1].CompensationFailed())
	assert.Empty(t, ch.compensationActions(), "expired compensation is not re-sent")
}

func TestOrchestrator_ResultAfterRestartWithoutResumeIsAccepted(t *testing.T) {
	ctx := context.Background()
	registry, err := NewRegistry(testDefinition())
	require.NoError(t, err)
	store := NewMemoryStore()

	silent := &stubChannel{}
	first := NewOrchestrator(store, silent, registry, Options{Logger: logging.NewNoopLogger()})
	silent.sink = first
	exec, err := first.Start(ctx, "TEST", validInput)
	require.NoError(t, err)
	first.Close()

	ch := &stubChannel{}
	second := NewOrchestrator(store, ch, registry, Options{Logger: logging.NewNoopLogger()})
	ch.sink = second
	defer second.Close()

	require.NoError(t, second.HandleStepResult(ctx, StepResult{SagaID: exec.SagaID, StepID: exec.Steps[0].ID, Outcome: OutcomeSuccess}))
	assert.Equal(t, []string{"b"}, ch.sentActions())
}

func TestOrchestrator_ForceCompensateInFlight(t *testing.T) {
	ch := &stubChannel{
		stepReply: func(target string, cmd StepCommand) *StepResult {
			if cmd.Action == "c" {
				return nil
			}
			return succeed(target, cmd)
		},
		compReply: ackCompensation,
	}
	f := newFixture(t, ch, Options{})
	ctx := context.Background()

	exec, err := f.orch.Start(ctx, "TEST", validInput)
	require.NoError(t, err)
	require.Equal(t, StepInProgress, exec.Steps[2].Status)

	_, err = f.orch.ForceCompensate(ctx, exec.SagaID, strings.Repeat("x", 300))
	assert.True(t, errors.IsValidation(err), "overlong reason rejected before touching the saga")

	forced, err := f.orch.ForceCompensate(ctx, exec.SagaID, "")
	require.NoError(t, err)
	assert.Equal(t, StateCompensated, forced.State)
	assert.Equal(t, []StepStatus{StepCompleted, StepCompensated, StepFailed}, statuses(forced))
	assert.Contains(t, forced.ErrorMessage, "operator")
	assert.Equal(t, 0, f.orch.PendingCount())

	_, err = f.orch.ForceCompensate(ctx, exec.SagaID, "again")
	assert.True(t, IsInvalidTransition(err))

	// 强制补偿后迟到的结果被丢弃
	require.NoError(t, f.orch.HandleStepResult(ctx, StepResult{SagaID: exec.SagaID, StepID: exec.Steps[2].ID, Outcome: OutcomeSuccess}))
	assert.Equal(t, []string{"a", "b", "c"}, ch.sentActions())
}

func TestOrchestrator_ExecuteHonoursContext(t *testing.T) {
	f := newFixture(t, &stubChannel{}, Options{StepTimeout: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	exec, err := f.orch.Execute(ctx, "TEST", validInput)
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeTimeout))
	require.NotNil(t, exec)
	assert.Equal(t, StateInProgress, exec.State)
}

func TestOrchestrator_ManyConcurrentSagas(t *testing.T) {
	ch := &stubChannel{stepReply: failOn("never"), compReply: ackCompensation, async: true}
	f := newFixture(t, ch, Options{})

	const n = 40
	var wg sync.WaitGroup
	results := make(chan SagaState, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			exec, err := f.orch.Execute(ctx, "TEST", validInput)
			if err != nil {
				results <- ""
				return
			}
			results <- exec.State
		}()
	}
	wg.Wait()
	close(results)
	for st := range results {
		assert.Equal(t, StateCompleted, st)
	}
	assert.Len(t, ch.sentActions(), n*4)
}
