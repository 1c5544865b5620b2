// Package collaborator 进程内模拟的员工服务与门禁服务
//
// 两个服务通过 saga/channel 接收命令并回送结果，供测试与 `sagad serve --simulate` 使用。
// 重复投递的命令按 (sagaId, stepId) 命中幂等守卫，直接重发上一次的结果，不会重复登记。
package collaborator

import (
	"context"
	"fmt"
	"time"

	"accesssaga/cache"
	"accesssaga/errors"
	"accesssaga/logging"
	"accesssaga/saga"
	"accesssaga/saga/channel"
)

// 业务拒绝码，随失败结果的 errorMessage 返回
const (
	ErrCodeMissingEmployeeID      errors.ErrorCode = "MISSING_EMPLOYEE_ID"
	ErrCodeEmployeeNotFound       errors.ErrorCode = "EMPLOYEE_NOT_FOUND"
	ErrCodeEmployeeInactive       errors.ErrorCode = "EMPLOYEE_INACTIVE"
	ErrCodeEmployeeAlreadyEntered errors.ErrorCode = "EMPLOYEE_ALREADY_ENTERED"
	ErrCodeEmployeeAlreadyLeft    errors.ErrorCode = "EMPLOYEE_ALREADY_LEFT"
	ErrCodeInvalidAccessType      errors.ErrorCode = "INVALID_ACCESS_TYPE"
	ErrCodeUnsupportedAction      errors.ErrorCode = "UNSUPPORTED_ACTION"
)

// IReplier 结果回送
type IReplier interface {
	SendStepResult(ctx context.Context, result saga.StepResult) error
	SendCompensationResult(ctx context.Context, result saga.CompensationResult) error
}

// IBinder 命令订阅
type IBinder interface {
	BindService(ctx context.Context, serviceTarget string, h channel.ICommandHandler) error
}

// Options 服务配置
type Options struct {
	// IdempotencyTTL 已处理命令的记忆时长，默认 10 分钟
	IdempotencyTTL time.Duration
	// MaxRemembered 最多记忆的命令数，默认 10000
	MaxRemembered int
	Logger        logging.Logger
	Now           func() time.Time
}

func (o Options) withDefaults(component string) Options {
	if o.IdempotencyTTL <= 0 {
		o.IdempotencyTTL = 10 * time.Minute
	}
	if o.MaxRemembered <= 0 {
		o.MaxRemembered = 10000
	}
	if o.Logger == nil {
		o.Logger = logging.ComponentLogger(component)
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// replyGuard 记住每个 (sagaId, stepId) 的结果
type replyGuard struct {
	replies *cache.Cache[string, saga.StepResult]
}

func newReplyGuard(name string, opts Options) replyGuard {
	return replyGuard{replies: cache.New[string, saga.StepResult](cache.Config{
		Name:    name,
		MaxSize: opts.MaxRemembered,
		TTL:     opts.IdempotencyTTL,
	})}
}

func guardKey(sagaID, stepID string) string { return sagaID + "|" + stepID }

func (g replyGuard) lookup(cmd saga.StepCommand) (saga.StepResult, bool) {
	return g.replies.Get(guardKey(cmd.SagaID, cmd.StepID))
}

func (g replyGuard) remember(r saga.StepResult) {
	g.replies.Set(guardKey(r.SagaID, r.StepID), r)
}

func succeeded(cmd saga.StepCommand, payload []byte) saga.StepResult {
	return saga.StepResult{SagaID: cmd.SagaID, StepID: cmd.StepID, Outcome: saga.OutcomeSuccess, ResponsePayload: payload}
}

func rejected(cmd saga.StepCommand, code errors.ErrorCode, format string, args ...any) saga.StepResult {
	return saga.StepResult{
		SagaID:       cmd.SagaID,
		StepID:       cmd.StepID,
		Outcome:      saga.OutcomeFailure,
		ErrorMessage: string(code) + ": " + fmt.Sprintf(format, args...),
	}
}

// Simulation 同时运行两个模拟服务
type Simulation struct {
	Directory *EmployeeDirectory
	Ledger    *AccessLedger
	Employees *EmployeeService
	Access    *AccessControlService
}

// NewSimulation 创建模拟服务，结果经 replier 回送
func NewSimulation(replier IReplier, opts Options) *Simulation {
	dir := NewEmployeeDirectory()
	ledger := NewAccessLedger()
	return &Simulation{
		Directory: dir,
		Ledger:    ledger,
		Employees: NewEmployeeService(dir, replier, opts),
		Access:    NewAccessControlService(ledger, replier, opts),
	}
}

// Bind 订阅两个服务的命令目的地
func (s *Simulation) Bind(ctx context.Context, binder IBinder) error {
	if err := binder.BindService(ctx, s.Employees.Target(), s.Employees); err != nil {
		return err
	}
	return binder.BindService(ctx, s.Access.Target(), s.Access)
}
