// Package sqlstore 基于关系数据库的 Saga 执行记录存储
//
// 每次写入在事务内读取完整快照、按状态机应用变更，再以
// UPDATE ... WHERE version = ? 做乐观并发检查；冲突时按退避策略重试。
package sqlstore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"
	"time"

	core "accesssaga/data/db"
	"accesssaga/data/db/dialect"
	"accesssaga/errors"
	"accesssaga/logging"
	"accesssaga/patterns/retry"
	"accesssaga/saga"
)

// Store SQL 执行记录存储
type Store struct {
	db      core.IDatabase
	dialect dialect.Dialect
	now     func() time.Time
	retry   retry.Config
	logger  logging.Logger
}

// Option 存储选项
type Option func(*Store)

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRetry 设置版本冲突重试策略
func WithRetry(cfg retry.Config) Option {
	return func(s *Store) { s.retry = cfg }
}

func WithLogger(logger logging.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New 创建存储
func New(db core.IDatabase, opts ...Option) *Store {
	s := &Store{
		db:      db,
		dialect: dialect.FromDatabase(db),
		now:     func() time.Time { return time.Now().UTC() },
		retry: retry.Config{
			MaxAttempts:   5,
			InitialDelay:  2 * time.Millisecond,
			BackoffFactor: 2,
			MaxDelay:      50 * time.Millisecond,
		},
		logger: logging.ComponentLogger("saga.sqlstore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.retry.RetryIf = func(err error) bool {
		return errors.IsErrorCode(err, errors.ErrCodeConcurrency)
	}
	return s
}

// Migrate 创建表与索引（幂等）
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(Schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return errors.WrapPersistence(ctx, err, "migrate")
		}
	}
	return nil
}

func (s *Store) Create(ctx context.Context, sagaType string, payload []byte) (*saga.SagaExecution, error) {
	exec := saga.NewExecution(sagaType, payload, s.now())
	err := core.WithTx(ctx, s.db, func(tx core.ITransaction) error {
		_, err := tx.Exec(ctx, "INSERT INTO saga_executions ("+executionColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
			exec.SagaID, exec.SagaType, string(exec.State), nullableText(exec.Payload), exec.ErrorMessage,
			nanos(exec.CreatedAt), nanos(exec.UpdatedAt), nullableNanos(exec.CompletedAt), exec.Version)
		if err != nil {
			return err
		}
		return insertHistory(ctx, tx, exec.SagaID, 0, exec.History[0])
	})
	if err != nil {
		return nil, errors.WrapPersistence(ctx, err, "create saga")
	}
	return exec, nil
}

func (s *Store) Transition(ctx context.Context, sagaID string, to saga.SagaState, reason string) (*saga.SagaExecution, error) {
	exec, _, err := s.mutate(ctx, sagaID, "transition", func(e *saga.SagaExecution, now time.Time) (*stepWrite, error) {
		return nil, e.TransitionTo(to, reason, now)
	})
	return exec, err
}

func (s *Store) AppendStep(ctx context.Context, sagaID string, step *saga.SagaStepExecution) (*saga.SagaStepExecution, error) {
	_, st, err := s.mutate(ctx, sagaID, "append step", func(e *saga.SagaExecution, now time.Time) (*stepWrite, error) {
		appended, err := e.AppendStep(step, now)
		if err != nil {
			return nil, err
		}
		return &stepWrite{step: appended, insert: true}, nil
	})
	return st, err
}

func (s *Store) UpdateStep(ctx context.Context, sagaID, stepID string, change saga.StepChange) (*saga.SagaStepExecution, error) {
	_, st, err := s.mutate(ctx, sagaID, "update step", func(e *saga.SagaExecution, now time.Time) (*stepWrite, error) {
		changed, err := e.ChangeStep(stepID, change, now)
		if err != nil {
			return nil, err
		}
		return &stepWrite{step: changed}, nil
	})
	return st, err
}

func (s *Store) RecordError(ctx context.Context, sagaID, message string) error {
	_, _, err := s.mutate(ctx, sagaID, "record error", func(e *saga.SagaExecution, now time.Time) (*stepWrite, error) {
		e.AppendError(message, now)
		return nil, nil
	})
	return err
}

func (s *Store) FindBySagaID(ctx context.Context, sagaID string) (*saga.SagaExecution, error) {
	exec, err := load(ctx, s.db, sagaID)
	if err != nil {
		return nil, errors.WrapPersistence(ctx, err, "find saga")
	}
	return exec, nil
}

func (s *Store) Find(ctx context.Context, query saga.Query) ([]*saga.SagaExecution, error) {
	var (
		where []string
		args  []any
	)
	if len(query.States) > 0 {
		marks := make([]string, len(query.States))
		for i, st := range query.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}
	if query.SagaType != "" {
		where = append(where, "saga_type = ?")
		args = append(args, query.SagaType)
	}
	if !query.CreatedAfter.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, nanos(query.CreatedAfter))
	}
	q := "SELECT saga_id FROM saga_executions"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, saga_id"
	if query.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, query.Limit)
	}
	return s.loadAll(ctx, "find sagas", q, args...)
}

func (s *Store) FindStale(ctx context.Context, state saga.SagaState, olderThan time.Duration) ([]*saga.SagaExecution, error) {
	cutoff := s.now().Add(-olderThan)
	return s.loadAll(ctx, "find stale sagas",
		"SELECT saga_id FROM saga_executions WHERE state = ? AND updated_at < ? ORDER BY updated_at, saga_id",
		string(state), nanos(cutoff))
}

// stepWrite 一次变更涉及的步骤行
type stepWrite struct {
	step   *saga.SagaStepExecution
	insert bool
}

type mutation func(e *saga.SagaExecution, now time.Time) (*stepWrite, error)

func (s *Store) mutate(ctx context.Context, sagaID, operation string, fn mutation) (*saga.SagaExecution, *saga.SagaStepExecution, error) {
	var (
		out     *saga.SagaExecution
		touched *saga.SagaStepExecution
	)
	err := retry.Do(ctx, func(ctx context.Context, attempt int) error {
		return core.WithTx(ctx, s.db, func(tx core.ITransaction) error {
			e, err := load(ctx, tx, sagaID)
			if err != nil {
				return err
			}
			historyBefore := len(e.History)
			expected := e.Version

			write, err := fn(e, s.now())
			if err != nil {
				return err
			}
			e.Version = expected + 1

			res, err := tx.Exec(ctx,
				"UPDATE saga_executions SET state = ?, error_message = ?, updated_at = ?, completed_at = ?, version = ? "+
					"WHERE saga_id = ? AND version = ?",
				string(e.State), e.ErrorMessage, nanos(e.UpdatedAt), nullableNanos(e.CompletedAt), e.Version,
				sagaID, expected)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n == 0 {
				return s.conflict(ctx, sagaID, operation, attempt, expected)
			}

			for i := historyBefore; i < len(e.History); i++ {
				if err := insertHistory(ctx, tx, sagaID, i, e.History[i]); err != nil {
					return err
				}
			}
			if write != nil {
				if err := writeStep(ctx, tx, write); err != nil {
					if s.dialect.IsUniqueViolation(err) {
						return s.conflict(ctx, sagaID, operation, attempt, expected)
					}
					return err
				}
				touched = write.step
			}
			out = e
			return nil
		})
	}, s.retry)
	if err != nil {
		return nil, nil, errors.WrapPersistence(ctx, err, operation)
	}
	return out, touched, nil
}

func (s *Store) conflict(ctx context.Context, sagaID, operation string, attempt int, version int64) error {
	s.logger.Debug(ctx, "版本冲突，准备重试",
		logging.SagaID(sagaID),
		logging.String("operation", operation),
		logging.Int("attempt", attempt),
		logging.Int64("version", version))
	return errors.NewErrorf(errors.ErrCodeConcurrency, "saga %s was modified concurrently", sagaID).
		WithContext("saga_id", sagaID)
}

func (s *Store) loadAll(ctx context.Context, operation, query string, args ...any) ([]*saga.SagaExecution, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.WrapPersistence(ctx, err, operation)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errors.WrapPersistence(ctx, err, operation)
		}
		ids = append(ids, id)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, errors.WrapPersistence(ctx, err, operation)
	}

	result := make([]*saga.SagaExecution, 0, len(ids))
	for _, id := range ids {
		exec, err := load(ctx, s.db, id)
		if err != nil {
			return nil, errors.WrapPersistence(ctx, err, operation)
		}
		result = append(result, exec)
	}
	return result, nil
}

// load 读取完整快照：执行记录、步骤、状态历史
func load(ctx context.Context, q core.IDatabase, sagaID string) (*saga.SagaExecution, error) {
	var (
		e           saga.SagaExecution
		state       string
		payload     []byte
		createdAt   int64
		updatedAt   int64
		completedAt sql.NullInt64
	)
	err := q.QueryRow(ctx, "SELECT "+executionColumns+" FROM saga_executions WHERE saga_id = ?", sagaID).
		Scan(&e.SagaID, &e.SagaType, &state, &payload, &e.ErrorMessage, &createdAt, &updatedAt, &completedAt, &e.Version)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, saga.ErrSagaNotFound(sagaID)
		}
		return nil, err
	}
	e.State = saga.SagaState(state)
	e.Payload = payload
	e.CreatedAt = fromNanos(createdAt)
	e.UpdatedAt = fromNanos(updatedAt)
	e.CompletedAt = fromNullNanos(completedAt)

	if e.Steps, err = loadSteps(ctx, q, sagaID); err != nil {
		return nil, err
	}
	if e.History, err = loadHistory(ctx, q, sagaID); err != nil {
		return nil, err
	}
	return &e, nil
}

func loadSteps(ctx context.Context, q core.IDatabase, sagaID string) ([]*saga.SagaStepExecution, error) {
	rows, err := q.Query(ctx, "SELECT "+stepColumns+" FROM saga_step_executions WHERE saga_id = ? ORDER BY seq", sagaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := []*saga.SagaStepExecution{}
	for rows.Next() {
		var (
			st                    saga.SagaStepExecution
			status                string
			compensationAction    sql.NullString
			requestPayload        []byte
			responsePayload       []byte
			startedAt             sql.NullInt64
			completedAt           sql.NullInt64
			duration              sql.NullInt64
			compensationStartedAt sql.NullInt64
			compensatedAt         sql.NullInt64
		)
		if err := rows.Scan(&st.ID, &st.SagaID, &st.Index, &st.Name, &st.ServiceTarget, &status,
			&requestPayload, &responsePayload, &st.ErrorMessage, &compensationAction,
			&startedAt, &completedAt, &duration, &compensationStartedAt, &compensatedAt); err != nil {
			return nil, err
		}
		st.Status = saga.StepStatus(status)
		st.RequestPayload = requestPayload
		st.ResponsePayload = responsePayload
		if compensationAction.Valid {
			action := compensationAction.String
			st.CompensationAction = &action
		}
		st.StartedAt = fromNullNanos(startedAt)
		st.CompletedAt = fromNullNanos(completedAt)
		if duration.Valid {
			d := duration.Int64
			st.DurationMillis = &d
		}
		st.CompensationStartedAt = fromNullNanos(compensationStartedAt)
		st.CompensatedAt = fromNullNanos(compensatedAt)
		steps = append(steps, &st)
	}
	return steps, rows.Err()
}

func loadHistory(ctx context.Context, q core.IDatabase, sagaID string) ([]saga.StateChange, error) {
	rows, err := q.Query(ctx,
		"SELECT from_state, to_state, changed_at, reason FROM saga_state_history WHERE saga_id = ? ORDER BY seq", sagaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []saga.StateChange
	for rows.Next() {
		var (
			from, to string
			at       int64
			h        saga.StateChange
		)
		if err := rows.Scan(&from, &to, &at, &h.Reason); err != nil {
			return nil, err
		}
		h.From = saga.SagaState(from)
		h.To = saga.SagaState(to)
		h.At = fromNanos(at)
		history = append(history, h)
	}
	return history, rows.Err()
}

func insertHistory(ctx context.Context, tx core.IDatabase, sagaID string, seq int, h saga.StateChange) error {
	_, err := tx.Exec(ctx,
		"INSERT INTO saga_state_history (saga_id, seq, from_state, to_state, changed_at, reason) VALUES (?, ?, ?, ?, ?, ?)",
		sagaID, seq, string(h.From), string(h.To), nanos(h.At), h.Reason)
	return err
}

func writeStep(ctx context.Context, tx core.IDatabase, w *stepWrite) error {
	st := w.step
	var action any
	if st.CompensationAction != nil {
		action = *st.CompensationAction
	}
	var duration any
	if st.DurationMillis != nil {
		duration = *st.DurationMillis
	}
	if w.insert {
		_, err := tx.Exec(ctx,
			"INSERT INTO saga_step_executions ("+stepColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			st.ID, st.SagaID, st.Index, st.Name, st.ServiceTarget, string(st.Status),
			nullableText(st.RequestPayload), nullableText(st.ResponsePayload), st.ErrorMessage, action,
			nullableNanos(st.StartedAt), nullableNanos(st.CompletedAt), duration,
			nullableNanos(st.CompensationStartedAt), nullableNanos(st.CompensatedAt))
		return err
	}
	_, err := tx.Exec(ctx,
		"UPDATE saga_step_executions SET status = ?, response_payload = ?, error_message = ?, started_at = ?, "+
			"completed_at = ?, duration_millis = ?, compensation_started_at = ?, compensated_at = ? WHERE step_id = ?",
		string(st.Status), nullableText(st.ResponsePayload), st.ErrorMessage, nullableNanos(st.StartedAt),
		nullableNanos(st.CompletedAt), duration, nullableNanos(st.CompensationStartedAt), nullableNanos(st.CompensatedAt),
		st.ID)
	return err
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullableText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

var _ saga.IExecutionStore = (*Store)(nil)
