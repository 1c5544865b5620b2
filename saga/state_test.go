package saga

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accesssaga/errors"
)

func TestSagaState_Transitions(t *testing.T) {
	assert.True(t, StatePending.CanTransitionTo(StateInProgress))
	assert.True(t, StateInProgress.CanTransitionTo(StateCompensating))
	assert.True(t, StateCompensating.CanTransitionTo(StateCompensated))
	assert.True(t, StateInProgress.CanTransitionTo(StateFailed))

	assert.False(t, StateInProgress.CanTransitionTo(StateCompensated), "COMPENSATING cannot be skipped")
	assert.False(t, StatePending.CanTransitionTo(StateCompleted))
	for _, terminal := range []SagaState{StateCompleted, StateCompensated, StateFailed} {
		assert.True(t, terminal.IsTerminal())
		for _, to := range AllStates {
			assert.False(t, terminal.CanTransitionTo(to), "%s -> %s", terminal, to)
		}
	}
}

func TestStepStatus_Transitions(t *testing.T) {
	assert.True(t, StepPending.CanTransitionTo(StepInProgress))
	assert.True(t, StepInProgress.CanTransitionTo(StepCompleted))
	assert.True(t, StepCompleted.CanTransitionTo(StepCompensating))
	assert.True(t, StepCompensating.CanTransitionTo(StepFailed))

	assert.False(t, StepCompleted.CanTransitionTo(StepCompleted))
	assert.False(t, StepCompensated.CanTransitionTo(StepCompensating), "a compensated step is never re-compensated")
	assert.False(t, StepFailed.CanTransitionTo(StepCompensating))
}

func TestParseSagaState(t *testing.T) {
	st, err := ParseSagaState(" in_progress ")
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, st)

	_, err = ParseSagaState("DONE")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Contains(t, err.Error(), "COMPENSATING")
}

func TestRegistry_RejectsIncompleteDefinitions(t *testing.T) {
	_, err := NewRegistry(Definition{Steps: []StepDefinition{{Name: "A", ServiceTarget: "s", Action: "a"}}})
	assert.True(t, errors.IsValidation(err))

	_, err = NewRegistry(Definition{SagaType: "EMPTY"})
	assert.True(t, errors.IsValidation(err))

	_, err = NewRegistry(Definition{SagaType: "T", Steps: []StepDefinition{{Name: "A", Action: "a"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "T.steps[0].serviceTarget")

	_, err = NewRegistry(Definition{SagaType: "T", Steps: []StepDefinition{
		{Name: "A", ServiceTarget: "s", Action: "a"},
		{Name: "A", ServiceTarget: "s", Action: "b"},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step A")

	r, err := NewRegistry(testDefinition())
	require.NoError(t, err)
	assert.Equal(t, []string{"TEST"}, r.Types())
}

func TestExecution_TransitionTo(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	e := NewExecution("TEST", []byte(`{}`), t0)

	require.NoError(t, e.TransitionTo(StateInProgress, "", t0.Add(time.Second)))
	assert.Nil(t, e.CompletedAt)

	require.NoError(t, e.TransitionTo(StateCompensating, "step B failed", t0.Add(2*time.Second)))
	require.NoError(t, e.TransitionTo(StateFailed, "compensation of B failed", t0.Add(3*time.Second)))
	require.NotNil(t, e.CompletedAt)
	assert.Equal(t, t0.Add(3*time.Second), *e.CompletedAt)
	assert.Equal(t, "step B failed; compensation of B failed", e.ErrorMessage)

	err := e.TransitionTo(StateInProgress, "", t0.Add(4*time.Second))
	assert.True(t, IsInvalidTransition(err))

	var path []SagaState
	for _, h := range e.History {
		path = append(path, h.To)
	}
	assert.Equal(t, []SagaState{StatePending, StateInProgress, StateCompensating, StateFailed}, path)
}

func TestExecution_StepLifecycle(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	e := NewExecution("TEST", nil, t0)

	_, err := e.AppendStep(&SagaStepExecution{Name: "A"}, t0)
	assert.True(t, IsInvalidTransition(err), "steps are appended only while IN_PROGRESS")

	require.NoError(t, e.TransitionTo(StateInProgress, "", t0))
	action := "undo"
	s, err := e.AppendStep(&SagaStepExecution{Name: "A", CompensationAction: &action}, t0)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Index)
	assert.Equal(t, e.SagaID, s.SagaID)
	assert.Equal(t, StepPending, s.Status)

	_, err = e.ChangeStep(s.ID, StepChange{To: StepInProgress}, t0.Add(100*time.Millisecond))
	require.NoError(t, err)
	done, err := e.ChangeStep(s.ID, StepChange{To: StepCompleted, ResponsePayload: []byte(`{"ok":true}`)}, t0.Add(350*time.Millisecond))
	require.NoError(t, err)
	require.NotNil(t, done.DurationMillis)
	assert.Equal(t, int64(250), *done.DurationMillis)
	assert.JSONEq(t, `{"ok":true}`, string(done.ResponsePayload))

	_, err = e.ChangeStep(s.ID, StepChange{To: StepCompleted}, t0.Add(time.Second))
	assert.True(t, IsInvalidTransition(err))

	_, err = e.ChangeStep(s.ID, StepChange{To: StepCompensating}, t0.Add(2*time.Second))
	require.NoError(t, err)
	failed, err := e.ChangeStep(s.ID, StepChange{To: StepFailed, ErrorMessage: "rollback rejected"}, t0.Add(3*time.Second))
	require.NoError(t, err)
	assert.True(t, failed.CompensationFailed())
	assert.Equal(t, t0.Add(350*time.Millisecond), *failed.CompletedAt, "forward completion time is preserved")

	second, err := e.AppendStep(&SagaStepExecution{Name: "B"}, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Index)
}

func TestExecution_ForwardStepChangesRequireRunningSaga(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	e := NewExecution("TEST", nil, t0)
	require.NoError(t, e.TransitionTo(StateInProgress, "", t0))
	action := "undo"
	done, err := e.AppendStep(&SagaStepExecution{Name: "A", CompensationAction: &action}, t0)
	require.NoError(t, err)
	_, err = e.ChangeStep(done.ID, StepChange{To: StepInProgress}, t0)
	require.NoError(t, err)
	_, err = e.ChangeStep(done.ID, StepChange{To: StepCompleted}, t0)
	require.NoError(t, err)
	inFlight, err := e.AppendStep(&SagaStepExecution{Name: "B"}, t0)
	require.NoError(t, err)
	_, err = e.ChangeStep(inFlight.ID, StepChange{To: StepInProgress}, t0)
	require.NoError(t, err)

	require.NoError(t, e.TransitionTo(StateCompensating, "operator", t0))
	_, err = e.ChangeStep(inFlight.ID, StepChange{To: StepCompleted}, t0.Add(time.Second))
	assert.True(t, IsInvalidTransition(err), "a late result cannot complete a step once compensation started")
	assert.Equal(t, StepInProgress, inFlight.Status)

	_, err = e.ChangeStep(done.ID, StepChange{To: StepCompensating}, t0.Add(time.Second))
	require.NoError(t, err, "compensation of completed steps is unaffected")
	_, err = e.ChangeStep(done.ID, StepChange{To: StepCompensated}, t0.Add(2*time.Second))
	require.NoError(t, err)

	require.NoError(t, e.TransitionTo(StateCompensated, "", t0.Add(2*time.Second)))
	_, err = e.ChangeStep(inFlight.ID, StepChange{To: StepFailed}, t0.Add(3*time.Second))
	assert.True(t, IsInvalidTransition(err))
}

func TestExecution_CloneIsDeep(t *testing.T) {
	e := NewExecution("TEST", []byte(`{"a":1}`), time.Now())
	require.NoError(t, e.TransitionTo(StateInProgress, "", time.Now()))
	_, err := e.AppendStep(&SagaStepExecution{Name: "A", RequestPayload: []byte(`{}`)}, time.Now())
	require.NoError(t, err)

	c := e.Clone()
	c.Steps[0].Status = StepFailed
	c.Payload[0] = 'x'
	c.History[0].Reason = "changed"

	assert.Equal(t, StepPending, e.Steps[0].Status)
	assert.Equal(t, byte('{'), e.Payload[0])
	assert.Empty(t, e.History[0].Reason)
}
