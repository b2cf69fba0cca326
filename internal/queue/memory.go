package queue

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Queue. One mutex covers every transition, which
// gives the same claim atomicity as the row lock in Postgres.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	lease    time.Duration
	seq      int64
	tasks    map[string]*memTask // id-indexed arena
	children map[string][]string
	attempts map[string][]Attempt
}

type memTask struct {
	Task
	seq int64
}

func NewMemory() *Memory {
	return &Memory{
		now:      func() time.Time { return time.Now().UTC() },
		lease:    DefaultLease,
		tasks:    make(map[string]*memTask),
		children: make(map[string][]string),
		attempts: make(map[string][]Attempt),
	}
}

// SetClock replaces the time source, mostly for tests
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetLease changes how long a claim stays exclusive
func (m *Memory) SetLease(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lease = d
}

func copyTask(t Task) Task {
	t.Metadata = t.Metadata.Clone()
	t.TraceHeaders = maps.Clone(t.TraceHeaders)
	if t.LeaseUntil != nil {
		lease := *t.LeaseUntil
		t.LeaseUntil = &lease
	}
	return t
}

// claimable reports whether t is due, or is a claim whose holder went quiet
func claimable(t *memTask, now time.Time) bool {
	if t.State.Runnable() {
		return !t.RunAfter.After(now)
	}
	return t.State == StateInProgress && t.LeaseUntil != nil && t.LeaseUntil.Before(now)
}

// lookup returns a task only if it belongs to tenantID
func (m *Memory) lookup(tenantID, id string) (*memTask, error) {
	t, ok := m.tasks[id]
	if !ok || t.TenantID != tenantID {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

func (m *Memory) Enqueue(ctx context.Context, tenantID string, nt NewTask) (Task, error) {
	if err := nt.validate(); err != nil {
		return Task{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if nt.ParentID != "" {
		if _, err := m.lookup(tenantID, nt.ParentID); err != nil {
			return Task{}, fmt.Errorf("parent: %w", err)
		}
	}

	now := m.now()
	runAfter := nt.RunAfter
	if runAfter.IsZero() {
		runAfter = now
	}
	m.seq++
	t := &memTask{
		Task: Task{
			ID:           uuid.NewString(),
			TenantID:     tenantID,
			ParentID:     nt.ParentID,
			DeliveryID:   nt.DeliveryID,
			WorkType:     nt.WorkType,
			Priority:     nt.Priority,
			State:        StateQueued,
			Metadata:     nt.Metadata.Clone(),
			TraceHeaders: maps.Clone(nt.TraceHeaders),
			RunAfter:     runAfter,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		seq: m.seq,
	}
	m.tasks[t.ID] = t
	if nt.ParentID != "" {
		m.children[nt.ParentID] = append(m.children[nt.ParentID], t.ID)
	}
	return copyTask(t.Task), nil
}

func (m *Memory) DequeueNext(ctx context.Context, scope Scope) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var best *memTask
	for _, t := range m.tasks {
		if !claimable(t, now) {
			continue
		}
		if !scope.IsGlobal() && t.TenantID != scope.TenantID {
			continue
		}
		if best == nil || before(t, best) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	if best.State == StateInProgress {
		m.reclaim(best, now)
	}
	lease := now.Add(m.lease)
	best.State = StateInProgress
	best.LeaseUntil = &lease
	best.UpdatedAt = now
	out := copyTask(best.Task)
	return &out, nil
}

// reclaim closes the abandoned claim's running attempt and spends its number
func (m *Memory) reclaim(t *memTask, now time.Time) {
	list := m.attempts[t.ID]
	spent := false
	for i := range list {
		if list[i].Status == AttemptRunning {
			done := now
			list[i].Status = AttemptFailure
			list[i].Error = LeaseExpired
			list[i].CompletedAt = &done
		}
		if list[i].Number == t.RetryCount+1 {
			spent = true
		}
	}
	if spent {
		t.RetryCount++
		t.LastError = LeaseExpired
	}
}

// before orders by priority, then creation time, then insertion order
func before(a, b *memTask) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.seq < b.seq
}

func (m *Memory) Complete(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.lookup(tenantID, id)
	if err != nil {
		return err
	}
	if t.State != StateInProgress {
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, t.State)
	}
	t.State = StateCompleted
	t.LeaseUntil = nil
	t.UpdatedAt = m.now()
	return nil
}

func (m *Memory) ScheduleRetry(ctx context.Context, tenantID, id string, delay time.Duration, merged Metadata, lastErr string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.lookup(tenantID, id)
	if err != nil {
		return Task{}, err
	}
	if t.State != StateInProgress {
		return Task{}, fmt.Errorf("%w: retry from %s", ErrInvalidTransition, t.State)
	}
	now := m.now()
	t.Metadata = t.Metadata.Merge(merged)
	t.RetryCount++
	t.State = StateRetrying
	t.LastError = lastErr
	t.BackoffSeconds = durationSeconds(delay)
	t.RunAfter = now.Add(delay)
	t.LeaseUntil = nil
	t.UpdatedAt = now
	return copyTask(t.Task), nil
}

func (m *Memory) Abandon(ctx context.Context, tenantID, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.lookup(tenantID, id)
	if err != nil {
		return err
	}
	if t.State.Terminal() {
		return fmt.Errorf("%w: abandon from %s", ErrInvalidTransition, t.State)
	}
	t.State = StateFailed
	t.LastError = reason
	t.LeaseUntil = nil
	t.UpdatedAt = m.now()
	return nil
}

func (m *Memory) Get(ctx context.Context, tenantID, id string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.lookup(tenantID, id)
	if err != nil {
		return Task{}, err
	}
	return copyTask(t.Task), nil
}

// List returns newest first
func (m *Memory) List(ctx context.Context, tenantID string, f Filter) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*memTask
	for _, t := range m.tasks {
		if t.TenantID != tenantID {
			continue
		}
		if f.State != "" && t.State != f.State {
			continue
		}
		if f.WorkType != "" && t.WorkType != f.WorkType {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq > matched[j].seq })
	if limit := f.limit(); len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]Task, 0, len(matched))
	for _, t := range matched {
		out = append(out, copyTask(t.Task))
	}
	return out, nil
}

// Descendants walks the child index breadth first with an explicit queue.
// The root itself is not included.
func (m *Memory) Descendants(ctx context.Context, tenantID, id string) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.lookup(tenantID, id); err != nil {
		return nil, err
	}

	var out []Task
	seen := map[string]bool{id: true}
	pending := append([]string(nil), m.children[id]...)
	for len(pending) > 0 {
		next := pending[0]
		pending = pending[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		t, ok := m.tasks[next]
		if !ok || t.TenantID != tenantID {
			continue
		}
		out = append(out, copyTask(t.Task))
		pending = append(pending, m.children[next]...)
	}
	return out, nil
}

func (m *Memory) Stats(ctx context.Context, tenantID string) ([]Stat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type key struct {
		state    State
		priority Priority
	}
	counts := make(map[key]int)
	for _, t := range m.tasks {
		if tenantID != "" && t.TenantID != tenantID {
			continue
		}
		counts[key{t.State, t.Priority}]++
	}
	out := make([]Stat, 0, len(counts))
	for k, n := range counts {
		out = append(out, Stat{State: k.state, Priority: k.priority, Count: n})
	}
	sortStats(out)
	return out, nil
}

func sortStats(stats []Stat) {
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].State != stats[j].State {
			return stats[i].State < stats[j].State
		}
		return stats[i].Priority < stats[j].Priority
	})
}

func (m *Memory) StartAttempt(ctx context.Context, task Task) (Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.lookup(task.TenantID, task.ID)
	if err != nil {
		return Attempt{}, err
	}
	if t.State != StateInProgress {
		return Attempt{}, fmt.Errorf("%w: attempt on %s task", ErrInvalidTransition, t.State)
	}
	number := t.RetryCount + 1
	for _, a := range m.attempts[t.ID] {
		if a.Number >= number {
			return Attempt{}, fmt.Errorf("%w: attempt %d already recorded", ErrInvalidTransition, number)
		}
	}
	a := Attempt{
		ID:             uuid.NewString(),
		TaskID:         t.ID,
		TenantID:       t.TenantID,
		Number:         number,
		Status:         AttemptRunning,
		BackoffSeconds: t.BackoffSeconds,
		StartedAt:      m.now(),
	}
	m.attempts[t.ID] = append(m.attempts[t.ID], a)
	return a, nil
}

func (m *Memory) FinishAttempt(ctx context.Context, a Attempt, status AttemptStatus, errMsg string) (Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.attempts[a.TaskID]
	for i := range list {
		if list[i].ID != a.ID || list[i].TenantID != a.TenantID {
			continue
		}
		if list[i].Status != AttemptRunning {
			return Attempt{}, fmt.Errorf("%w: attempt already %s", ErrInvalidTransition, list[i].Status)
		}
		done := m.now()
		list[i].Status = status
		list[i].Error = errMsg
		list[i].CompletedAt = &done
		return list[i], nil
	}
	return Attempt{}, fmt.Errorf("%w: attempt %s", ErrNotFound, a.ID)
}

func (m *Memory) Attempts(ctx context.Context, tenantID, taskID string) ([]Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.lookup(tenantID, taskID); err != nil {
		return nil, err
	}
	return append([]Attempt(nil), m.attempts[taskID]...), nil
}
