package accessreg

import (
	"context"
	"encoding/json"

	"accesssaga/errors"
	"accesssaga/saga"
)

// IOrchestrator Service 依赖的编排器能力
type IOrchestrator interface {
	Start(ctx context.Context, sagaType string, input json.RawMessage) (*saga.SagaExecution, error)
	Execute(ctx context.Context, sagaType string, input json.RawMessage) (*saga.SagaExecution, error)
}

// Service 门禁登记入口
type Service struct {
	orchestrator IOrchestrator
}

func NewService(orchestrator IOrchestrator) *Service {
	return &Service{orchestrator: orchestrator}
}

// Register 发起登记并等待 Saga 到达终态
//
// ctx 结束时返回当时的快照与 TIMEOUT/CANCELED 错误，Saga 继续在后台推进。
func (s *Service) Register(ctx context.Context, in Input) (*saga.SagaExecution, error) {
	raw, err := encode(in)
	if err != nil {
		return nil, err
	}
	return s.orchestrator.Execute(ctx, SagaType, raw)
}

// Submit 发起登记后立即返回，不等待结果
func (s *Service) Submit(ctx context.Context, in Input) (*saga.SagaExecution, error) {
	raw, err := encode(in)
	if err != nil {
		return nil, err
	}
	return s.orchestrator.Start(ctx, SagaType, raw)
}

func encode(in Input) (json.RawMessage, error) {
	in = in.Normalize()
	if err := in.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeInternal, "encode access registration input")
	}
	return raw, nil
}
