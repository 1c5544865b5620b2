package saga

import "time"

// IMetrics 编排过程指标
type IMetrics interface {
	SagaStarted(sagaType string)
	SagaFinished(sagaType string, state SagaState, elapsed time.Duration)
	StepFinished(sagaType, stepName string, status StepStatus, elapsed time.Duration)
	StepTimedOut(sagaType, stepName string)
	CompensationFinished(sagaType, stepName string, status StepStatus)
	DuplicateResult(kind string)
}

// NoopMetrics 空实现
type NoopMetrics struct{}

func (NoopMetrics) SagaStarted(string)                                     {}
func (NoopMetrics) SagaFinished(string, SagaState, time.Duration)          {}
func (NoopMetrics) StepFinished(string, string, StepStatus, time.Duration) {}
func (NoopMetrics) StepTimedOut(string, string)                            {}
func (NoopMetrics) CompensationFinished(string, string, StepStatus)        {}
func (NoopMetrics) DuplicateResult(string)                                 {}

var _ IMetrics = NoopMetrics{}
