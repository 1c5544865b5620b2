package saga

import (
	"context"
	"time"

	"accesssaga/errors"
	"accesssaga/logging"
)

// Compensator 补偿协调器
//
// 按索引严格倒序回滚已完成且声明了补偿动作的步骤，同一时刻最多一个补偿在途。
// 单个补偿失败会记录到 Saga 的 errorMessage 并继续回滚其余步骤；全部处理完后，
// 没有失败则 COMPENSATED，否则 FAILED。进度完全由存储中的步骤状态推导，可随时恢复。
type Compensator struct {
	store      IExecutionStore
	channel    IChannel
	pending    *correlationTable
	timeout    time.Duration
	now        func() time.Time
	metrics    IMetrics
	logger     logging.Logger
	onFinished func(ctx context.Context, exec *SagaExecution)
}

// Compensate 将 Saga 置为 COMPENSATING 并开始回滚
//
// Saga 已处于 COMPENSATING 时继续推进，不重复记录原因。
func (c *Compensator) Compensate(ctx context.Context, sagaID, cause string) error {
	exec, err := c.store.Transition(ctx, sagaID, StateCompensating, cause)
	if err != nil {
		if !IsInvalidTransition(err) {
			return errors.WrapPersistence(ctx, err, "begin compensation")
		}
		current, ferr := c.store.FindBySagaID(ctx, sagaID)
		if ferr != nil {
			return errors.WrapPersistence(ctx, ferr, "load saga")
		}
		if current.State != StateCompensating {
			c.logger.Warn(ctx, "Saga 状态不允许补偿",
				logging.SagaID(sagaID), logging.String("state", string(current.State)))
			return err
		}
		exec = current
	} else {
		c.logger.Info(ctx, "开始补偿", logging.SagaID(sagaID), logging.String("cause", cause))
	}
	return c.advance(ctx, exec.SagaID)
}

// HandleResult 处理补偿结果
//
// 没有待决条目且步骤不在 COMPENSATING 时视为重复；步骤仍在 COMPENSATING 但已过截止时间时视为迟到，
// 两者都直接丢弃。
func (c *Compensator) HandleResult(ctx context.Context, result CompensationResult) error {
	if result.SagaID == "" || result.StepID == "" {
		return errors.NewValidationError("compensation result without sagaId or stepId")
	}
	resolved := c.pending.resolve(compensationKey(result.SagaID, result.StepID, result.CompensationAction))

	exec, err := c.store.FindBySagaID(ctx, result.SagaID)
	if err != nil {
		if errors.IsNotFound(err) {
			c.logger.Warn(ctx, "收到未知 Saga 的补偿结果，已丢弃", logging.SagaID(result.SagaID))
			return nil
		}
		return errors.WrapPersistence(ctx, err, "load saga")
	}
	step := exec.Step(result.StepID)
	if step == nil || !step.Compensable() || *step.CompensationAction != result.CompensationAction {
		c.logger.Warn(ctx, "补偿结果与步骤不匹配，已丢弃",
			logging.SagaID(result.SagaID),
			logging.StepID(result.StepID),
			logging.String("compensation_action", result.CompensationAction))
		return nil
	}
	if !resolved && step.Status != StepCompensating {
		c.metrics.DuplicateResult("compensation")
		c.logger.Debug(ctx, "重复的补偿结果，已忽略",
			logging.SagaID(result.SagaID), logging.StepID(result.StepID))
		return nil
	}
	if !resolved && expired(step.CompensationStartedAt, c.timeout, c.clock()) {
		c.logger.Warn(ctx, "补偿结果晚于截止时间，已丢弃",
			logging.SagaID(result.SagaID), logging.StepID(result.StepID))
		return nil
	}

	if !result.Succeeded() {
		reason := result.ErrorMessage
		if reason == "" {
			reason = "collaborator reported failure"
		}
		return c.fail(ctx, exec.SagaType, exec.SagaID, step, CompensationFailure(step.Name, result.CompensationAction, reason))
	}
	if _, err := c.store.UpdateStep(ctx, exec.SagaID, step.ID, StepChange{To: StepCompensated}); err != nil {
		if IsInvalidTransition(err) {
			c.metrics.DuplicateResult("compensation")
			return nil
		}
		return errors.WrapPersistence(ctx, err, "complete compensation")
	}
	c.metrics.CompensationFinished(exec.SagaType, step.Name, StepCompensated)
	c.logger.Info(ctx, "步骤已补偿",
		logging.SagaID(exec.SagaID), logging.StepID(step.ID), logging.String("step_name", step.Name))
	return c.advance(ctx, exec.SagaID)
}

// resume 恢复补偿：在途补偿重新登记等待，否则继续推进
func (c *Compensator) resume(ctx context.Context, exec *SagaExecution) error {
	for _, s := range exec.Steps {
		if s.Status == StepCompensating {
			c.await(ctx, exec.SagaType, exec.SagaID, s)
			return nil
		}
	}
	return c.advance(ctx, exec.SagaID)
}

// advance 选出下一个待回滚步骤；没有候选时结束补偿
func (c *Compensator) advance(ctx context.Context, sagaID string) error {
	exec, err := c.store.FindBySagaID(ctx, sagaID)
	if err != nil {
		return errors.WrapPersistence(ctx, err, "load saga")
	}
	if exec.State != StateCompensating {
		return nil
	}
	for _, s := range exec.Steps {
		if s.Status == StepCompensating {
			return nil
		}
	}
	for i := len(exec.Steps) - 1; i >= 0; i-- {
		s := exec.Steps[i]
		if s.Status == StepCompleted && s.Compensable() {
			return c.compensateStep(ctx, exec, s)
		}
	}
	return c.finish(ctx, exec)
}

func (c *Compensator) compensateStep(ctx context.Context, exec *SagaExecution, step *SagaStepExecution) error {
	started, err := c.store.UpdateStep(ctx, exec.SagaID, step.ID, StepChange{To: StepCompensating})
	if err != nil {
		if IsInvalidTransition(err) {
			return nil
		}
		return errors.WrapPersistence(ctx, err, "begin step compensation")
	}
	c.await(ctx, exec.SagaType, exec.SagaID, started)

	action := *step.CompensationAction
	c.logger.Info(ctx, "发布补偿命令",
		logging.SagaID(exec.SagaID),
		logging.StepID(step.ID),
		logging.String("step_name", step.Name),
		logging.String("compensation_action", action))

	if err := c.channel.SendCompensationCommand(ctx, NewCompensationCommand(exec.SagaID, step.ID, action)); err != nil {
		if c.pending.resolve(compensationKey(exec.SagaID, step.ID, action)) {
			return c.fail(ctx, exec.SagaType, exec.SagaID, step, publishFailure(err, "compensation"))
		}
	}
	return nil
}

// await 登记补偿等待；截止时间从 CompensationStartedAt 起算
func (c *Compensator) await(ctx context.Context, sagaType, sagaID string, step *SagaStepExecution) {
	detached := context.WithoutCancel(ctx)
	action := *step.CompensationAction
	stepSnapshot := step.Clone()
	wait := remaining(step.CompensationStartedAt, c.timeout, c.clock())
	c.pending.register(compensationKey(sagaID, step.ID, action), wait, func() {
		c.metrics.StepTimedOut(sagaType, stepSnapshot.Name)
		cause := CompensationFailure(stepSnapshot.Name, action, "no acknowledgment within "+c.timeout.String())
		if err := c.fail(detached, sagaType, sagaID, stepSnapshot, cause); err != nil {
			c.logger.Error(detached, "处理补偿超时失败", logging.SagaID(sagaID), logging.Error(err))
		}
	})
}

func (c *Compensator) clock() time.Time {
	if c.now == nil {
		return time.Now()
	}
	return c.now()
}

// fail 记录补偿失败并继续回滚其余步骤
func (c *Compensator) fail(ctx context.Context, sagaType, sagaID string, step *SagaStepExecution, cause error) error {
	if _, err := c.store.UpdateStep(ctx, sagaID, step.ID, StepChange{To: StepFailed, ErrorMessage: cause.Error()}); err != nil {
		if IsInvalidTransition(err) {
			return nil
		}
		return errors.WrapPersistence(ctx, err, "fail compensation")
	}
	c.metrics.CompensationFinished(sagaType, step.Name, StepFailed)
	if err := c.store.RecordError(ctx, sagaID, cause.Error()); err != nil {
		return errors.WrapPersistence(ctx, err, "record compensation error")
	}
	c.logger.Warn(ctx, "补偿失败，继续回滚其余步骤",
		logging.SagaID(sagaID), logging.StepID(step.ID), logging.Error(cause))
	return c.advance(ctx, sagaID)
}

func (c *Compensator) finish(ctx context.Context, exec *SagaExecution) error {
	final := StateCompensated
	for _, s := range exec.Steps {
		if s.CompensationFailed() {
			final = StateFailed
			break
		}
	}
	done, err := c.store.Transition(ctx, exec.SagaID, final, "")
	if err != nil {
		if IsInvalidTransition(err) {
			return nil
		}
		return errors.WrapPersistence(ctx, err, "finish compensation")
	}
	if c.onFinished != nil {
		c.onFinished(ctx, done)
	}
	return nil
}
