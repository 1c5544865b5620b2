package saga

import (
	"fmt"
	"time"

	"accesssaga/errors"
)

// ErrSagaNotFound Saga 不存在
func ErrSagaNotFound(sagaID string) error {
	return errors.NewErrorf(errors.ErrCodeNotFound, "saga %s not found", sagaID).
		WithContext("saga_id", sagaID)
}

// ErrStepNotFound 步骤不存在
func ErrStepNotFound(sagaID, stepID string) error {
	return errors.NewErrorf(errors.ErrCodeNotFound, "step %s of saga %s not found", stepID, sagaID).
		WithContext("saga_id", sagaID).
		WithContext("step_id", stepID)
}

// ErrUnknownSagaType 未注册的 Saga 类型
func ErrUnknownSagaType(sagaType string) error {
	return errors.NewErrorf(errors.ErrCodeValidation, "unknown saga type %q", sagaType).
		WithContext("saga_type", sagaType)
}

func invalidTransition(sagaID string, from, to SagaState) errors.IError {
	return errors.NewErrorf(errors.ErrCodeInvalidTransition,
		"saga %s cannot transition from %s to %s", sagaID, from, to).
		WithContext("saga_id", sagaID).
		WithContext("from", string(from)).
		WithContext("to", string(to))
}

func invalidStepTransition(stepID string, from, to StepStatus) errors.IError {
	return errors.NewErrorf(errors.ErrCodeInvalidTransition,
		"step %s cannot transition from %s to %s", stepID, from, to).
		WithContext("step_id", stepID).
		WithContext("from", string(from)).
		WithContext("to", string(to))
}

func stepAppendRejected(sagaID string, state SagaState) error {
	return errors.NewErrorf(errors.ErrCodeInvalidTransition,
		"saga %s is %s, steps can only be appended while IN_PROGRESS", sagaID, state).
		WithContext("saga_id", sagaID)
}

// StepFailure 协作方报告步骤失败
func StepFailure(stepName, reason string) error {
	return errors.NewErrorf(errors.ErrCodeStepFailed, "step %s failed: %s", stepName, reason).
		WithContext("step_name", stepName)
}

// StepTimeout 等待步骤结果超时，按步骤失败处理
func StepTimeout(stepName string, after time.Duration) error {
	return errors.NewErrorf(errors.ErrCodeStepTimeout, "step %s timed out after %s", stepName, after).
		WithContext("step_name", stepName)
}

// CompensationFailure 补偿动作失败
func CompensationFailure(stepName, action, reason string) error {
	return errors.NewErrorf(errors.ErrCodeCompensationFailed,
		"compensation %s of step %s failed: %s", action, stepName, reason).
		WithContext("step_name", stepName).
		WithContext("compensation_action", action)
}

// IsInvalidTransition 错误链上是否存在 INVALID_TRANSITION
func IsInvalidTransition(err error) bool {
	return errors.IsErrorCode(err, errors.ErrCodeInvalidTransition)
}

func publishFailure(err error, destination string) error {
	return errors.WrapError(err, errors.ErrCodeQueue, fmt.Sprintf("publish to %s failed", destination))
}
