package saga

import (
	"context"
	"time"
)

// IExecutionStore Saga 执行记录存储
//
// 每次写入都校验状态机：非法转换返回 INVALID_TRANSITION，记录不存在返回 NOT_FOUND，
// 存储不可用返回 PERSISTENCE_ERROR。不同 sagaId 之间互不影响；同一 sagaId 的写入串行化。
// 返回值均为快照副本，调用方修改不影响存储。
type IExecutionStore interface {
	// Create 创建 PENDING 状态的执行记录
	Create(ctx context.Context, sagaType string, payload []byte) (*SagaExecution, error)

	// Transition 转换 Saga 状态；reason 非空时追加到 errorMessage
	Transition(ctx context.Context, sagaID string, to SagaState, reason string) (*SagaExecution, error)

	// AppendStep 追加 PENDING 步骤，索引由存储分配
	AppendStep(ctx context.Context, sagaID string, step *SagaStepExecution) (*SagaStepExecution, error)

	// UpdateStep 按步骤状态机更新步骤，自动维护时间戳与耗时
	UpdateStep(ctx context.Context, sagaID, stepID string, change StepChange) (*SagaStepExecution, error)

	// RecordError 追加错误信息而不改变状态
	RecordError(ctx context.Context, sagaID, message string) error

	FindBySagaID(ctx context.Context, sagaID string) (*SagaExecution, error)

	// Find 按状态、类型、创建时间筛选，按创建时间升序
	Find(ctx context.Context, query Query) ([]*SagaExecution, error)

	// FindStale 查询处于 state 且超过 olderThan 未更新的执行记录，供外部恢复流程使用
	FindStale(ctx context.Context, state SagaState, olderThan time.Duration) ([]*SagaExecution, error)
}

// Query 查询条件，零值字段不参与过滤；CreatedAfter 为闭区间下界
type Query struct {
	States       []SagaState
	SagaType     string
	CreatedAfter time.Time
	Limit        int
}

// Matches 判断执行记录是否满足条件（不含 Limit）
func (q Query) Matches(e *SagaExecution) bool {
	if q.SagaType != "" && e.SagaType != q.SagaType {
		return false
	}
	if !q.CreatedAfter.IsZero() && e.CreatedAt.Before(q.CreatedAfter) {
		return false
	}
	if len(q.States) == 0 {
		return true
	}
	for _, st := range q.States {
		if e.State == st {
			return true
		}
	}
	return false
}
