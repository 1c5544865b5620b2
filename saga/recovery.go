package saga

import (
	"context"
	"time"

	"accesssaga/logging"
)

// IResumer 恢复单个 Saga
type IResumer interface {
	Resume(ctx context.Context, sagaID string) (*SagaExecution, error)
}

// RecoveryOptions 巡检配置
type RecoveryOptions struct {
	// Interval 巡检间隔，<=0 时 Run 只在启动时做一次全量恢复
	Interval time.Duration
	// StaleAfter 超过该时长未更新的非终态 Saga 视为停滞，默认 5 分钟
	StaleAfter time.Duration
	// BatchSize 周期巡检时每种状态每轮最多恢复的数量，默认 100；启动恢复不受限
	BatchSize int
	Logger    logging.Logger
}

// RecoverySweeper 周期性查找停滞的非终态 Saga 并调用 Resume
//
// 进程重启后待决关联表为空，在途 Saga 只能靠巡检重新登记等待。
// Resume 对仍在等待中的步骤不做任何事，因此重复巡检是安全的。
// PENDING 表示创建后未能开始执行，无论哪种巡检都要超过 StaleAfter 才会恢复，
// 避免与正在进行的 Start 抢同一次状态转换。
type RecoverySweeper struct {
	store   IExecutionStore
	resumer IResumer
	opts    RecoveryOptions
	logger  logging.Logger
}

func NewRecoverySweeper(store IExecutionStore, resumer IResumer, opts RecoveryOptions) *RecoverySweeper {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.ComponentLogger("saga.recovery")
	}
	return &RecoverySweeper{store: store, resumer: resumer, opts: opts, logger: logger}
}

// Run 先恢复全部未完成的 Saga，之后按 Interval 巡检，直到 ctx 结束
func (s *RecoverySweeper) Run(ctx context.Context) error {
	if n, err := s.RecoverAll(ctx); err != nil {
		s.logger.Error(ctx, "启动恢复失败", logging.Error(err))
	} else if n > 0 {
		s.logger.Info(ctx, "启动恢复完成", logging.Int("resumed", n))
	}
	if s.opts.Interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn(ctx, "恢复巡检失败", logging.Error(err))
			}
		}
	}
}

// Sweep 恢复超过 StaleAfter 未更新的 Saga，每种状态最多 BatchSize 个，返回成功恢复的数量
func (s *RecoverySweeper) Sweep(ctx context.Context) (int, error) {
	return s.sweep(ctx, s.opts.StaleAfter, s.opts.BatchSize)
}

// RecoverAll 恢复全部 IN_PROGRESS / COMPENSATING Saga 以及停滞的 PENDING Saga，用于进程启动
func (s *RecoverySweeper) RecoverAll(ctx context.Context) (int, error) {
	return s.sweep(ctx, 0, 0)
}

// sweep limit 为 0 时不限数量
func (s *RecoverySweeper) sweep(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	resumed := 0
	for _, state := range []SagaState{StatePending, StateInProgress, StateCompensating} {
		age := olderThan
		if state == StatePending && age < s.opts.StaleAfter {
			age = s.opts.StaleAfter
		}
		stale, err := s.store.FindStale(ctx, state, age)
		if err != nil {
			return resumed, err
		}
		if limit > 0 && len(stale) > limit {
			stale = stale[:limit]
		}
		for _, exec := range stale {
			if ctx.Err() != nil {
				return resumed, ctx.Err()
			}
			if _, err := s.resumer.Resume(ctx, exec.SagaID); err != nil {
				s.logger.Warn(ctx, "恢复 Saga 失败", logging.SagaID(exec.SagaID),
					logging.String("state", string(state)), logging.Error(err))
				continue
			}
			resumed++
		}
	}
	return resumed, nil
}
