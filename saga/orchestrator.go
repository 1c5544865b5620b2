package saga

import (
	"context"
	"encoding/json"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"accesssaga/errors"
	"accesssaga/logging"
	"accesssaga/validation"
)

// Options 编排器配置
type Options struct {
	// StepTimeout 等待步骤结果的截止时长，默认 30s
	StepTimeout time.Duration
	// CompensationTimeout 等待补偿确认的截止时长，默认 30s
	CompensationTimeout time.Duration
	// Clock 计算截止时间用的时钟，需与存储写入 StartedAt 的时钟一致，默认 time.Now
	Clock func() time.Time

	Metrics IMetrics
	Logger  logging.Logger
}

func (o Options) withDefaults() Options {
	if o.StepTimeout <= 0 {
		o.StepTimeout = 30 * time.Second
	}
	if o.CompensationTimeout <= 0 {
		o.CompensationTimeout = 30 * time.Second
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Metrics == nil {
		o.Metrics = NoopMetrics{}
	}
	if o.Logger == nil {
		o.Logger = logging.ComponentLogger("saga.orchestrator")
	}
	return o
}

// Orchestrator Saga 编排器
//
// 顺序驱动每个步骤：持久化步骤 → 登记待决关联 → 发布命令 → 等待关联结果或超时。
// 成功则推进下一步，失败或超时交给 Compensator。等待只是关联表中的一条记录，
// 大量在途 Saga 不会占用等量 goroutine。
//
// 编排器从不在持有存储锁时发布消息，因此可以安全地运行在同步传输之上
// （结果在发布调用内回调 HandleStepResult）。
type Orchestrator struct {
	store       IExecutionStore
	channel     IChannel
	registry    *Registry
	pending     *correlationTable
	waiters     *xsync.MapOf[string, chan struct{}]
	compensator *Compensator
	opts        Options
	metrics     IMetrics
	logger      logging.Logger
}

// NewOrchestrator 创建编排器
func NewOrchestrator(store IExecutionStore, channel IChannel, registry *Registry, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	o := &Orchestrator{
		store:    store,
		channel:  channel,
		registry: registry,
		pending:  newCorrelationTable(),
		waiters:  xsync.NewMapOf[string, chan struct{}](),
		opts:     opts,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
	o.compensator = &Compensator{
		store:      store,
		channel:    channel,
		pending:    o.pending,
		timeout:    opts.CompensationTimeout,
		now:        opts.Clock,
		metrics:    opts.Metrics,
		logger:     opts.Logger.WithFields(logging.String("phase", "compensation")),
		onFinished: o.finish,
	}
	return o
}

// Compensator 返回补偿协调器
func (o *Orchestrator) Compensator() *Compensator {
	return o.compensator
}

// Start 校验输入、创建 Saga 并派发第一个步骤后立即返回快照
//
// 输入校验失败返回 VALIDATION_ERROR，且不创建任何记录。
func (o *Orchestrator) Start(ctx context.Context, sagaType string, input json.RawMessage) (*SagaExecution, error) {
	def, ok := o.registry.Get(sagaType)
	if !ok {
		return nil, ErrUnknownSagaType(sagaType)
	}
	if def.Validate != nil {
		if err := def.Validate(input); err != nil {
			if !errors.IsValidation(err) {
				err = errors.WrapError(err, errors.ErrCodeValidation, "invalid saga input")
			}
			return nil, err
		}
	}

	exec, err := o.store.Create(ctx, sagaType, input)
	if err != nil {
		return nil, errors.WrapPersistence(ctx, err, "create saga")
	}
	o.metrics.SagaStarted(sagaType)
	o.logger.Info(ctx, "Saga 已创建",
		logging.SagaID(exec.SagaID),
		logging.String("saga_type", sagaType),
		logging.Int("steps", len(def.Steps)))

	exec, err = o.store.Transition(ctx, exec.SagaID, StateInProgress, "")
	if err != nil {
		return nil, errors.WrapPersistence(ctx, err, "start saga")
	}
	if err := o.dispatchStep(ctx, exec, def, 0); err != nil {
		snap, _ := o.store.FindBySagaID(ctx, exec.SagaID)
		return snap, err
	}
	return o.store.FindBySagaID(ctx, exec.SagaID)
}

// Execute 启动 Saga 并等待其到达终态
//
// ctx 结束时返回最近一次快照以及 TIMEOUT/CANCELED 错误，Saga 本身继续运行。
func (o *Orchestrator) Execute(ctx context.Context, sagaType string, input json.RawMessage) (*SagaExecution, error) {
	exec, err := o.Start(ctx, sagaType, input)
	if err != nil {
		return exec, err
	}
	return o.Wait(ctx, exec.SagaID)
}

// Wait 等待 Saga 到达终态
func (o *Orchestrator) Wait(ctx context.Context, sagaID string) (*SagaExecution, error) {
	ch, _ := o.waiters.LoadOrCompute(sagaID, func() chan struct{} { return make(chan struct{}) })
	exec, err := o.store.FindBySagaID(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if exec.IsTerminal() {
		o.waiters.Compute(sagaID, func(cur chan struct{}, loaded bool) (chan struct{}, bool) {
			return cur, !loaded || cur == ch
		})
		return exec, nil
	}
	select {
	case <-ch:
		return o.store.FindBySagaID(ctx, sagaID)
	case <-ctx.Done():
		return exec, errors.Normalize(ctx.Err())
	}
}

// HandleStepResult 处理协作方返回的步骤结果
//
// 结果先与待决关联表匹配；没有待决条目时只有步骤仍为 IN_PROGRESS 且未过截止时间
// 才会被接受（例如进程重启后到达的结果），否则视为重复或迟到直接丢弃。
// 迟到结果对应的步骤由超时定时器或恢复流程按超时处理。
func (o *Orchestrator) HandleStepResult(ctx context.Context, result StepResult) error {
	if result.SagaID == "" || result.StepID == "" {
		return errors.NewValidationError("step result without sagaId or stepId")
	}
	resolved := o.pending.resolve(stepKey(result.SagaID, result.StepID))

	exec, err := o.store.FindBySagaID(ctx, result.SagaID)
	if err != nil {
		if errors.IsNotFound(err) {
			o.logger.Warn(ctx, "收到未知 Saga 的步骤结果，已丢弃",
				logging.SagaID(result.SagaID), logging.StepID(result.StepID))
			return nil
		}
		return errors.WrapPersistence(ctx, err, "load saga")
	}
	step := exec.Step(result.StepID)
	if step == nil {
		o.logger.Warn(ctx, "收到未知步骤的结果，已丢弃",
			logging.SagaID(result.SagaID), logging.StepID(result.StepID))
		return nil
	}
	if !resolved {
		if step.Status != StepInProgress {
			o.metrics.DuplicateResult("step")
			o.logger.Debug(ctx, "重复的步骤结果，已忽略",
				logging.SagaID(result.SagaID),
				logging.StepID(result.StepID),
				logging.String("status", string(step.Status)))
			return nil
		}
		if expired(step.StartedAt, o.opts.StepTimeout, o.opts.Clock()) {
			o.logger.Warn(ctx, "步骤结果晚于截止时间，已丢弃",
				logging.SagaID(result.SagaID),
				logging.StepID(result.StepID),
				logging.String("outcome", string(result.Outcome)))
			return nil
		}
		o.logger.Info(ctx, "步骤结果没有待决关联，按存储状态接受",
			logging.SagaID(result.SagaID), logging.StepID(result.StepID))
	}

	if result.Succeeded() {
		return o.completeStep(ctx, exec, step, result.ResponsePayload)
	}
	reason := result.ErrorMessage
	if reason == "" {
		reason = "collaborator reported failure"
	}
	return o.failStep(ctx, exec.SagaType, exec.SagaID, step.ID, step.Name,
		StepFailure(step.Name, reason), result.ResponsePayload)
}

// HandleCompensationResult 处理补偿结果
func (o *Orchestrator) HandleCompensationResult(ctx context.Context, result CompensationResult) error {
	return o.compensator.HandleResult(ctx, result)
}

// Resume 恢复中断的 Saga，供外部恢复流程调用
//
// 在途步骤只重新登记等待，不会重新发布命令；已完成的步骤不会重发。
func (o *Orchestrator) Resume(ctx context.Context, sagaID string) (*SagaExecution, error) {
	exec, err := o.store.FindBySagaID(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	def, ok := o.registry.Get(exec.SagaType)
	if !ok {
		return nil, ErrUnknownSagaType(exec.SagaType)
	}
	o.logger.Info(ctx, "恢复 Saga", logging.SagaID(sagaID), logging.String("state", string(exec.State)))

	switch exec.State {
	case StatePending:
		exec, err = o.store.Transition(ctx, sagaID, StateInProgress, "")
		if err != nil {
			return nil, errors.WrapPersistence(ctx, err, "start saga")
		}
		err = o.dispatchStep(ctx, exec, def, 0)
	case StateInProgress:
		err = o.resumeInProgress(ctx, exec, def)
	case StateCompensating:
		err = o.compensator.resume(ctx, exec)
	}
	if err != nil {
		return nil, err
	}
	return o.store.FindBySagaID(ctx, sagaID)
}

func (o *Orchestrator) resumeInProgress(ctx context.Context, exec *SagaExecution, def Definition) error {
	last := exec.LastStep()
	if last == nil {
		return o.dispatchStep(ctx, exec, def, 0)
	}
	if last.Index >= len(def.Steps) || def.Steps[last.Index].Name != last.Name {
		return errors.NewErrorf(errors.ErrCodeInternal,
			"step %s of saga %s does not match definition %s", last.Name, exec.SagaID, def.SagaType)
	}
	sd := def.Steps[last.Index]
	switch last.Status {
	case StepPending:
		// 步骤已追加但命令从未发布
		fields, err := sd.request(exec.Payload)
		if err != nil {
			return o.failStep(ctx, exec.SagaType, exec.SagaID, last.ID, last.Name, StepFailure(last.Name, err.Error()), nil)
		}
		return o.runStep(ctx, exec, sd, last, fields)
	case StepInProgress:
		o.awaitStep(ctx, exec.SagaType, exec.SagaID, last)
		return nil
	case StepCompleted:
		return o.advance(ctx, exec.SagaID, last.Index+1)
	case StepFailed:
		return o.compensator.Compensate(ctx, exec.SagaID, last.ErrorMessage)
	}
	return nil
}

// maxReasonLength 操作员填写的补偿原因上限
const maxReasonLength = 256

// ForceCompensate 强制补偿：终止在途步骤并回滚已完成的步骤
//
// PENDING 的 Saga 没有可回滚的步骤，直接进入 FAILED；终态 Saga 返回 INVALID_TRANSITION。
func (o *Orchestrator) ForceCompensate(ctx context.Context, sagaID, reason string) (*SagaExecution, error) {
	if err := validation.ValidateStringLength(reason, "reason", 0, maxReasonLength); err != nil {
		return nil, err
	}
	exec, err := o.store.FindBySagaID(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "compensation requested by operator"
	}
	o.logger.Warn(ctx, "强制补偿 Saga", logging.SagaID(sagaID), logging.String("reason", reason))

	switch exec.State {
	case StatePending:
		done, terr := o.store.Transition(ctx, sagaID, StateFailed, reason)
		if terr != nil {
			return nil, terr
		}
		o.finish(ctx, done)
	case StateInProgress:
		if last := exec.LastStep(); last != nil && (last.Status == StepPending || last.Status == StepInProgress) {
			o.pending.resolve(stepKey(sagaID, last.ID))
			if _, uerr := o.store.UpdateStep(ctx, sagaID, last.ID, StepChange{To: StepFailed, ErrorMessage: reason}); uerr != nil && !IsInvalidTransition(uerr) {
				return nil, errors.WrapPersistence(ctx, uerr, "abort step")
			}
		}
		err = o.compensator.Compensate(ctx, sagaID, reason)
	case StateCompensating:
		err = o.compensator.resume(ctx, exec)
	default:
		return nil, invalidTransition(sagaID, exec.State, StateCompensating)
	}
	if err != nil {
		return nil, err
	}
	return o.store.FindBySagaID(ctx, sagaID)
}

// PendingCount 当前待决关联数量
func (o *Orchestrator) PendingCount() int {
	return o.pending.len()
}

// Close 停止全部截止定时器；未完成的 Saga 保留在存储中，可通过 Resume 恢复
func (o *Orchestrator) Close() {
	o.pending.clear()
}

func (o *Orchestrator) dispatchStep(ctx context.Context, exec *SagaExecution, def Definition, index int) error {
	sd := def.Steps[index]
	fields, buildErr := sd.request(exec.Payload)
	var request []byte
	if buildErr == nil {
		var err error
		if request, err = json.Marshal(fields); err != nil {
			buildErr = err
		}
	}

	step, err := o.store.AppendStep(ctx, exec.SagaID, &SagaStepExecution{
		Name:               sd.Name,
		ServiceTarget:      sd.ServiceTarget,
		RequestPayload:     request,
		CompensationAction: sd.compensationAction(),
	})
	if err != nil {
		if IsInvalidTransition(err) {
			o.logger.Info(ctx, "Saga 已离开执行状态，不再派发步骤",
				logging.SagaID(exec.SagaID), logging.String("step_name", sd.Name))
			return nil
		}
		return errors.WrapPersistence(ctx, err, "append step")
	}
	if buildErr != nil {
		return o.failStep(ctx, exec.SagaType, exec.SagaID, step.ID, step.Name, StepFailure(sd.Name, buildErr.Error()), nil)
	}
	return o.runStep(ctx, exec, sd, step, fields)
}

func (o *Orchestrator) runStep(ctx context.Context, exec *SagaExecution, sd StepDefinition, step *SagaStepExecution, fields map[string]any) error {
	started, err := o.store.UpdateStep(ctx, exec.SagaID, step.ID, StepChange{To: StepInProgress})
	if err != nil {
		if IsInvalidTransition(err) {
			o.logger.Info(ctx, "Saga 已离开执行状态，不再发布步骤命令",
				logging.SagaID(exec.SagaID), logging.StepID(step.ID))
			return nil
		}
		return errors.WrapPersistence(ctx, err, "start step")
	}
	o.awaitStep(ctx, exec.SagaType, exec.SagaID, started)

	o.logger.Info(ctx, "发布步骤命令",
		logging.SagaID(exec.SagaID),
		logging.StepID(step.ID),
		logging.String("step_name", step.Name),
		logging.String("service_target", sd.ServiceTarget))

	cmd := StepCommand{SagaID: exec.SagaID, StepID: step.ID, Action: sd.Action, Fields: fields}
	if err := o.channel.SendStepCommand(ctx, sd.ServiceTarget, cmd); err != nil {
		// 结果或超时已经取走条目时，由对方负责后续处理
		if o.pending.resolve(stepKey(exec.SagaID, step.ID)) {
			return o.failStep(ctx, exec.SagaType, exec.SagaID, step.ID, step.Name, publishFailure(err, sd.ServiceTarget), nil)
		}
	}
	return nil
}

// awaitStep 登记待决关联；截止时间从步骤的 StartedAt 起算，超时按步骤失败处理
//
// 重启后重新登记时只等待剩余时长，已过期的步骤立即超时。
func (o *Orchestrator) awaitStep(ctx context.Context, sagaType, sagaID string, step *SagaStepExecution) {
	detached := context.WithoutCancel(ctx)
	stepID, stepName := step.ID, step.Name
	wait := remaining(step.StartedAt, o.opts.StepTimeout, o.opts.Clock())
	o.pending.register(stepKey(sagaID, stepID), wait, func() {
		o.metrics.StepTimedOut(sagaType, stepName)
		o.logger.Warn(detached, "等待步骤结果超时",
			logging.SagaID(sagaID), logging.StepID(stepID), logging.String("step_name", stepName))
		cause := StepTimeout(stepName, o.opts.StepTimeout)
		if err := o.failStep(detached, sagaType, sagaID, stepID, stepName, cause, nil); err != nil {
			o.logger.Error(detached, "处理步骤超时失败", logging.SagaID(sagaID), logging.Error(err))
		}
	})
}

func (o *Orchestrator) completeStep(ctx context.Context, exec *SagaExecution, step *SagaStepExecution, response json.RawMessage) error {
	updated, err := o.store.UpdateStep(ctx, exec.SagaID, step.ID, StepChange{To: StepCompleted, ResponsePayload: response})
	if err != nil {
		if IsInvalidTransition(err) {
			o.metrics.DuplicateResult("step")
			return nil
		}
		return errors.WrapPersistence(ctx, err, "complete step")
	}
	o.metrics.StepFinished(exec.SagaType, updated.Name, StepCompleted, stepElapsed(updated))
	o.logger.Info(ctx, "步骤完成",
		logging.SagaID(exec.SagaID), logging.StepID(step.ID), logging.String("step_name", step.Name))
	return o.advance(ctx, exec.SagaID, updated.Index+1)
}

func (o *Orchestrator) failStep(ctx context.Context, sagaType, sagaID, stepID, stepName string, cause error, response json.RawMessage) error {
	updated, err := o.store.UpdateStep(ctx, sagaID, stepID, StepChange{
		To:              StepFailed,
		ErrorMessage:    cause.Error(),
		ResponsePayload: response,
	})
	if err != nil {
		if IsInvalidTransition(err) {
			o.logger.Debug(ctx, "步骤已结束，忽略失败", logging.SagaID(sagaID), logging.StepID(stepID))
			return nil
		}
		return errors.WrapPersistence(ctx, err, "fail step")
	}
	o.metrics.StepFinished(sagaType, stepName, StepFailed, stepElapsed(updated))
	o.logger.Warn(ctx, "步骤失败，开始补偿",
		logging.SagaID(sagaID), logging.StepID(stepID),
		logging.String("step_name", stepName), logging.Error(cause))
	return o.compensator.Compensate(ctx, sagaID, cause.Error())
}

// advance 推进到第 next 个步骤，全部完成时将 Saga 标记为 COMPLETED
func (o *Orchestrator) advance(ctx context.Context, sagaID string, next int) error {
	exec, err := o.store.FindBySagaID(ctx, sagaID)
	if err != nil {
		return errors.WrapPersistence(ctx, err, "load saga")
	}
	if exec.State != StateInProgress {
		o.logger.Info(ctx, "Saga 不在执行中，停止推进",
			logging.SagaID(sagaID), logging.String("state", string(exec.State)))
		return nil
	}
	def, ok := o.registry.Get(exec.SagaType)
	if !ok {
		return ErrUnknownSagaType(exec.SagaType)
	}
	if next < len(def.Steps) {
		return o.dispatchStep(ctx, exec, def, next)
	}
	done, err := o.store.Transition(ctx, sagaID, StateCompleted, "")
	if err != nil {
		if IsInvalidTransition(err) {
			return nil
		}
		return errors.WrapPersistence(ctx, err, "complete saga")
	}
	o.finish(ctx, done)
	return nil
}

// finish 终态收尾：指标、日志、唤醒等待者
func (o *Orchestrator) finish(ctx context.Context, exec *SagaExecution) {
	o.metrics.SagaFinished(exec.SagaType, exec.State, exec.Elapsed())
	o.logger.Info(ctx, "Saga 结束",
		logging.SagaID(exec.SagaID),
		logging.String("state", string(exec.State)),
		logging.Duration("elapsed", exec.Elapsed()))
	if ch, ok := o.waiters.LoadAndDelete(exec.SagaID); ok {
		close(ch)
	}
}

func stepElapsed(s *SagaStepExecution) time.Duration {
	if s.DurationMillis == nil {
		return 0
	}
	return time.Duration(*s.DurationMillis) * time.Millisecond
}

var _ IResultSink = (*Orchestrator)(nil)
