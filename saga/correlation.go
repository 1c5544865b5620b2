package saga

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// correlationKey 待决关联键；正向步骤的 Action 为空，补偿步骤为补偿动作名
type correlationKey struct {
	SagaID string
	StepID string
	Action string
}

func stepKey(sagaID, stepID string) correlationKey {
	return correlationKey{SagaID: sagaID, StepID: stepID}
}

func compensationKey(sagaID, stepID, action string) correlationKey {
	return correlationKey{SagaID: sagaID, StepID: stepID, Action: action}
}

type pendingEntry struct {
	mu           sync.Mutex
	timer        *time.Timer
	registeredAt time.Time
}

func (p *pendingEntry) stop() {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()
}

// correlationTable 等待结果的步骤表
//
// 等待不占用 goroutine：每个条目只有一个截止定时器。结果与超时通过原子删除竞争，
// 只有一方能取走条目。
type correlationTable struct {
	entries *xsync.MapOf[correlationKey, *pendingEntry]
}

func newCorrelationTable() *correlationTable {
	return &correlationTable{entries: xsync.NewMapOf[correlationKey, *pendingEntry]()}
}

// remaining 截止时间从 startedAt 起算，返回剩余等待时长；已过期返回 0
//
// startedAt 为空时视为刚开始，给完整时长。
func remaining(startedAt *time.Time, timeout time.Duration, now time.Time) time.Duration {
	if startedAt == nil {
		return timeout
	}
	if left := startedAt.Add(timeout).Sub(now); left > 0 {
		return left
	}
	return 0
}

func expired(startedAt *time.Time, timeout time.Duration, now time.Time) bool {
	return startedAt != nil && !now.Before(startedAt.Add(timeout))
}

// register 登记等待；已存在同键条目时返回 false 且不做任何事
//
// timeout 为 0 时定时器立即触发。
func (t *correlationTable) register(key correlationKey, timeout time.Duration, onTimeout func()) bool {
	entry := &pendingEntry{registeredAt: time.Now()}
	if _, loaded := t.entries.LoadOrStore(key, entry); loaded {
		return false
	}
	entry.mu.Lock()
	entry.timer = time.AfterFunc(timeout, func() {
		if t.take(key, entry) {
			onTimeout()
		}
	})
	entry.mu.Unlock()
	return true
}

// resolve 取走条目并停止定时器；返回 false 表示没有待决条目（重复或已超时）
func (t *correlationTable) resolve(key correlationKey) bool {
	entry, ok := t.entries.LoadAndDelete(key)
	if !ok {
		return false
	}
	entry.stop()
	return true
}

// take 仅当表中仍是同一条目时删除
func (t *correlationTable) take(key correlationKey, entry *pendingEntry) bool {
	taken := false
	t.entries.Compute(key, func(current *pendingEntry, loaded bool) (*pendingEntry, bool) {
		if loaded && current == entry {
			taken = true
			return nil, true
		}
		return current, !loaded
	})
	return taken
}

func (t *correlationTable) pending(key correlationKey) bool {
	_, ok := t.entries.Load(key)
	return ok
}

func (t *correlationTable) len() int {
	return t.entries.Size()
}

// clear 停止全部定时器并清空
func (t *correlationTable) clear() {
	t.entries.Range(func(key correlationKey, entry *pendingEntry) bool {
		if t.take(key, entry) {
			entry.stop()
		}
		return true
	})
}
