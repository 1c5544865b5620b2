package saga

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryStore 内存执行记录存储
//
// 每个 Saga 一把锁，不同 Saga 的写入互不阻塞。进程重启后数据丢失，用于测试与单机演示。
type MemoryStore struct {
	entries *xsync.MapOf[string, *memoryEntry]
	now     func() time.Time
}

type memoryEntry struct {
	mu   sync.Mutex
	exec *SagaExecution
}

// MemoryStoreOption 内存存储选项
type MemoryStoreOption func(*MemoryStore)

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore 创建内存存储
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		entries: xsync.NewMapOf[string, *memoryEntry](),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Create(ctx context.Context, sagaType string, payload []byte) (*SagaExecution, error) {
	exec := NewExecution(sagaType, payload, s.now())
	s.entries.Store(exec.SagaID, &memoryEntry{exec: exec})
	return exec.Clone(), nil
}

func (s *MemoryStore) Transition(ctx context.Context, sagaID string, to SagaState, reason string) (*SagaExecution, error) {
	return s.mutate(sagaID, func(e *SagaExecution, now time.Time) error {
		return e.TransitionTo(to, reason, now)
	})
}

func (s *MemoryStore) AppendStep(ctx context.Context, sagaID string, step *SagaStepExecution) (*SagaStepExecution, error) {
	var appended *SagaStepExecution
	_, err := s.mutate(sagaID, func(e *SagaExecution, now time.Time) error {
		st, err := e.AppendStep(step, now)
		appended = st
		return err
	})
	if err != nil {
		return nil, err
	}
	return appended.Clone(), nil
}

func (s *MemoryStore) UpdateStep(ctx context.Context, sagaID, stepID string, change StepChange) (*SagaStepExecution, error) {
	var updated *SagaStepExecution
	_, err := s.mutate(sagaID, func(e *SagaExecution, now time.Time) error {
		st, err := e.ChangeStep(stepID, change, now)
		updated = st
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

func (s *MemoryStore) RecordError(ctx context.Context, sagaID, message string) error {
	_, err := s.mutate(sagaID, func(e *SagaExecution, now time.Time) error {
		e.AppendError(message, now)
		return nil
	})
	return err
}

func (s *MemoryStore) FindBySagaID(ctx context.Context, sagaID string) (*SagaExecution, error) {
	entry, ok := s.entries.Load(sagaID)
	if !ok {
		return nil, ErrSagaNotFound(sagaID)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.exec.Clone(), nil
}

func (s *MemoryStore) Find(ctx context.Context, query Query) ([]*SagaExecution, error) {
	result := s.collect(query.Matches)
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if query.Limit > 0 && len(result) > query.Limit {
		result = result[:query.Limit]
	}
	return result, nil
}

func (s *MemoryStore) FindStale(ctx context.Context, state SagaState, olderThan time.Duration) ([]*SagaExecution, error) {
	cutoff := s.now().Add(-olderThan)
	result := s.collect(func(e *SagaExecution) bool {
		return e.State == state && e.UpdatedAt.Before(cutoff)
	})
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	return result, nil
}

// Len 记录数量（测试用）
func (s *MemoryStore) Len() int {
	return s.entries.Size()
}

// mutate 在 Saga 锁内对副本应用变更，成功后替换并递增版本
func (s *MemoryStore) mutate(sagaID string, fn func(e *SagaExecution, now time.Time) error) (*SagaExecution, error) {
	entry, ok := s.entries.Load(sagaID)
	if !ok {
		return nil, ErrSagaNotFound(sagaID)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	working := entry.exec.Clone()
	if err := fn(working, s.now()); err != nil {
		return nil, err
	}
	working.Version++
	entry.exec = working
	return working.Clone(), nil
}

func (s *MemoryStore) collect(match func(*SagaExecution) bool) []*SagaExecution {
	var result []*SagaExecution
	s.entries.Range(func(_ string, entry *memoryEntry) bool {
		entry.mu.Lock()
		if match(entry.exec) {
			result = append(result, entry.exec.Clone())
		}
		entry.mu.Unlock()
		return true
	})
	return result
}

var _ IExecutionStore = (*MemoryStore)(nil)
