package saga

import (
	"strings"

	"accesssaga/validation"
)

// SagaState Saga 状态
type SagaState string

const (
	StatePending      SagaState = "PENDING"
	StateInProgress   SagaState = "IN_PROGRESS"
	StateCompleted    SagaState = "COMPLETED"
	StateCompensating SagaState = "COMPENSATING"
	StateCompensated  SagaState = "COMPENSATED"
	StateFailed       SagaState = "FAILED"
)

// sagaTransitions 允许的状态转换；终态没有出边
var sagaTransitions = map[SagaState][]SagaState{
	StatePending:      {StateInProgress, StateFailed},
	StateInProgress:   {StateCompleted, StateCompensating, StateFailed},
	StateCompensating: {StateCompensated, StateFailed},
}

// AllStates 全部 Saga 状态，按生命周期排序
var AllStates = []SagaState{
	StatePending, StateInProgress, StateCompleted,
	StateCompensating, StateCompensated, StateFailed,
}

// IsTerminal 是否为终态（COMPLETED、COMPENSATED、FAILED）
func (s SagaState) IsTerminal() bool {
	return s == StateCompleted || s == StateCompensated || s == StateFailed
}

// CanTransitionTo 检查状态转换是否合法
func (s SagaState) CanTransitionTo(to SagaState) bool {
	for _, allowed := range sagaTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s SagaState) String() string { return string(s) }

// ParseSagaState 解析状态名（大小写不敏感）
func ParseSagaState(s string) (SagaState, error) {
	candidate := strings.ToUpper(strings.TrimSpace(s))
	names := make([]string, len(AllStates))
	for i, st := range AllStates {
		names[i] = string(st)
	}
	if err := validation.ValidateEnum(candidate, "state", names); err != nil {
		return "", err
	}
	return SagaState(candidate), nil
}

// StepStatus 步骤状态
type StepStatus string

const (
	StepPending      StepStatus = "PENDING"
	StepInProgress   StepStatus = "IN_PROGRESS"
	StepCompleted    StepStatus = "COMPLETED"
	StepFailed       StepStatus = "FAILED"
	StepCompensating StepStatus = "COMPENSATING"
	StepCompensated  StepStatus = "COMPENSATED"
)

// stepTransitions 步骤状态转换
//
// PENDING→FAILED 用于派发前中止；COMPENSATING→FAILED 表示补偿动作本身失败。
var stepTransitions = map[StepStatus][]StepStatus{
	StepPending:      {StepInProgress, StepFailed},
	StepInProgress:   {StepCompleted, StepFailed},
	StepCompleted:    {StepCompensating},
	StepCompensating: {StepCompensated, StepFailed},
}

// CanTransitionTo 检查步骤状态转换是否合法
func (s StepStatus) CanTransitionTo(to StepStatus) bool {
	for _, allowed := range stepTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s StepStatus) String() string { return string(s) }
