package saga

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SagaExecution 一次 Saga 执行的持久化快照
//
// Steps 只追加不删除；History 记录每次状态变化，构成审计轨迹。
type SagaExecution struct {
	SagaID       string               `json:"sagaId"`
	SagaType     string               `json:"sagaType"`
	State        SagaState            `json:"state"`
	Payload      json.RawMessage      `json:"payload,omitempty"`
	ErrorMessage string               `json:"errorMessage,omitempty"`
	CreatedAt    time.Time            `json:"createdAt"`
	UpdatedAt    time.Time            `json:"updatedAt"`
	CompletedAt  *time.Time           `json:"completedAt,omitempty"`
	Version      int64                `json:"version"`
	Steps        []*SagaStepExecution `json:"steps"`
	History      []StateChange        `json:"history,omitempty"`
}

// SagaStepExecution 单个步骤的执行记录
//
// CompensationAction 为 nil 表示该步骤不可补偿（例如只读校验）。
type SagaStepExecution struct {
	ID                    string          `json:"id"`
	SagaID                string          `json:"sagaId"`
	Index                 int             `json:"index"`
	Name                  string          `json:"stepName"`
	ServiceTarget         string          `json:"serviceTarget"`
	Status                StepStatus      `json:"status"`
	RequestPayload        json.RawMessage `json:"requestPayload,omitempty"`
	ResponsePayload       json.RawMessage `json:"responsePayload,omitempty"`
	ErrorMessage          string          `json:"errorMessage,omitempty"`
	CompensationAction    *string         `json:"compensationAction,omitempty"`
	StartedAt             *time.Time      `json:"startedAt,omitempty"`
	CompletedAt           *time.Time      `json:"completedAt,omitempty"`
	DurationMillis        *int64          `json:"durationMillis,omitempty"`
	CompensationStartedAt *time.Time      `json:"compensationStartedAt,omitempty"`
	CompensatedAt         *time.Time      `json:"compensatedAt,omitempty"`
}

// StateChange 一次 Saga 状态变化
type StateChange struct {
	From   SagaState `json:"from,omitempty"`
	To     SagaState `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// StepChange 步骤状态变更请求
type StepChange struct {
	To              StepStatus
	ResponsePayload json.RawMessage
	ErrorMessage    string
}

// NewExecution 创建 PENDING 状态的执行记录
func NewExecution(sagaType string, payload []byte, now time.Time) *SagaExecution {
	return &SagaExecution{
		SagaID:    uuid.NewString(),
		SagaType:  sagaType,
		State:     StatePending,
		Payload:   cloneBytes(payload),
		CreatedAt: now,
		UpdatedAt: now,
		Steps:     []*SagaStepExecution{},
		History:   []StateChange{{To: StatePending, At: now}},
	}
}

// Step 按 ID 查找步骤
func (e *SagaExecution) Step(stepID string) *SagaStepExecution {
	for _, s := range e.Steps {
		if s.ID == stepID {
			return s
		}
	}
	return nil
}

// LastStep 最近追加的步骤，没有步骤时返回 nil
func (e *SagaExecution) LastStep() *SagaStepExecution {
	if len(e.Steps) == 0 {
		return nil
	}
	return e.Steps[len(e.Steps)-1]
}

// IsTerminal 是否已到达终态
func (e *SagaExecution) IsTerminal() bool {
	return e.State.IsTerminal()
}

// Elapsed 从创建到完成（未完成时到 UpdatedAt）的耗时
func (e *SagaExecution) Elapsed() time.Duration {
	if e.CompletedAt != nil {
		return e.CompletedAt.Sub(e.CreatedAt)
	}
	return e.UpdatedAt.Sub(e.CreatedAt)
}

// TransitionTo 校验并应用状态转换
//
// reason 非空时追加到 ErrorMessage；进入终态时写入 CompletedAt。
func (e *SagaExecution) TransitionTo(to SagaState, reason string, now time.Time) error {
	if !e.State.CanTransitionTo(to) {
		return invalidTransition(e.SagaID, e.State, to)
	}
	e.History = append(e.History, StateChange{From: e.State, To: to, At: now, Reason: reason})
	e.State = to
	e.UpdatedAt = now
	if reason != "" {
		e.appendError(reason)
	}
	if to.IsTerminal() {
		at := now
		e.CompletedAt = &at
	}
	return nil
}

// AppendError 在 ErrorMessage 末尾追加一条错误
func (e *SagaExecution) AppendError(msg string, now time.Time) {
	if msg == "" {
		return
	}
	e.appendError(msg)
	e.UpdatedAt = now
}

func (e *SagaExecution) appendError(msg string) {
	if e.ErrorMessage == "" {
		e.ErrorMessage = msg
		return
	}
	e.ErrorMessage += "; " + msg
}

// AppendStep 追加步骤
//
// 只允许在 IN_PROGRESS 状态追加；索引由当前步骤数决定，新步骤必须为 PENDING。
func (e *SagaExecution) AppendStep(step *SagaStepExecution, now time.Time) (*SagaStepExecution, error) {
	if e.State != StateInProgress {
		return nil, stepAppendRejected(e.SagaID, e.State)
	}
	s := step.Clone()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if e.Step(s.ID) != nil {
		return nil, invalidStepTransition(s.ID, s.Status, StepPending).
			WithContext("reason", "duplicate step id")
	}
	if s.Status == "" {
		s.Status = StepPending
	}
	if s.Status != StepPending {
		return nil, invalidStepTransition(s.ID, "", s.Status)
	}
	s.SagaID = e.SagaID
	s.Index = len(e.Steps)
	e.Steps = append(e.Steps, s)
	e.UpdatedAt = now
	return s, nil
}

// ChangeStep 校验并应用步骤状态变更，同时维护时间戳与耗时
//
// PENDING / IN_PROGRESS 步骤的变更只在 Saga 处于 IN_PROGRESS 时允许，
// 离开执行状态后迟到的正向结果不能再改写步骤。
func (e *SagaExecution) ChangeStep(stepID string, change StepChange, now time.Time) (*SagaStepExecution, error) {
	s := e.Step(stepID)
	if s == nil {
		return nil, ErrStepNotFound(e.SagaID, stepID)
	}
	if !s.Status.CanTransitionTo(change.To) {
		return nil, invalidStepTransition(stepID, s.Status, change.To)
	}
	if (s.Status == StepPending || s.Status == StepInProgress) && e.State != StateInProgress {
		return nil, invalidStepTransition(stepID, s.Status, change.To).
			WithContext("saga_state", string(e.State))
	}
	from := s.Status
	s.Status = change.To
	at := now
	switch change.To {
	case StepInProgress:
		s.StartedAt = &at
	case StepCompleted:
		s.CompletedAt = &at
		s.ResponsePayload = cloneBytes(change.ResponsePayload)
		s.DurationMillis = durationMillis(s.StartedAt, at)
	case StepFailed:
		if from != StepCompensating {
			s.CompletedAt = &at
			s.DurationMillis = durationMillis(s.StartedAt, at)
		}
		if len(change.ResponsePayload) > 0 {
			s.ResponsePayload = cloneBytes(change.ResponsePayload)
		}
	case StepCompensating:
		s.CompensationStartedAt = &at
	case StepCompensated:
		s.CompensatedAt = &at
	}
	if change.ErrorMessage != "" {
		if s.ErrorMessage == "" {
			s.ErrorMessage = change.ErrorMessage
		} else {
			s.ErrorMessage += "; " + change.ErrorMessage
		}
	}
	e.UpdatedAt = now
	return s, nil
}

// CompensationFailed 该步骤是否因补偿失败而进入 FAILED
func (s *SagaStepExecution) CompensationFailed() bool {
	return s.Status == StepFailed && s.CompensationStartedAt != nil
}

// Compensable 步骤是否声明了补偿动作
func (s *SagaStepExecution) Compensable() bool {
	return s.CompensationAction != nil && *s.CompensationAction != ""
}

// Clone 深拷贝执行记录
func (e *SagaExecution) Clone() *SagaExecution {
	if e == nil {
		return nil
	}
	c := *e
	c.Payload = cloneBytes(e.Payload)
	c.CompletedAt = cloneTime(e.CompletedAt)
	c.Steps = make([]*SagaStepExecution, len(e.Steps))
	for i, s := range e.Steps {
		c.Steps[i] = s.Clone()
	}
	c.History = append([]StateChange(nil), e.History...)
	return &c
}

// Clone 深拷贝步骤记录
func (s *SagaStepExecution) Clone() *SagaStepExecution {
	if s == nil {
		return nil
	}
	c := *s
	c.RequestPayload = cloneBytes(s.RequestPayload)
	c.ResponsePayload = cloneBytes(s.ResponsePayload)
	if s.CompensationAction != nil {
		action := *s.CompensationAction
		c.CompensationAction = &action
	}
	if s.DurationMillis != nil {
		d := *s.DurationMillis
		c.DurationMillis = &d
	}
	c.StartedAt = cloneTime(s.StartedAt)
	c.CompletedAt = cloneTime(s.CompletedAt)
	c.CompensationStartedAt = cloneTime(s.CompensationStartedAt)
	c.CompensatedAt = cloneTime(s.CompensatedAt)
	return &c
}

func durationMillis(startedAt *time.Time, end time.Time) *int64 {
	if startedAt == nil {
		return nil
	}
	d := end.Sub(*startedAt).Milliseconds()
	return &d
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
