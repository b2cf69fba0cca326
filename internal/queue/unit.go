package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Unit is the view of a task handed to executors. Persisted units are
// backed by a Queue; Ephemeral units live only in memory (local runs).
type Unit interface {
	ID() string
	TenantID() string
	WorkType() WorkType
	Metadata() Metadata
	RetryCount() int
	State() State
	MarkInProgress(ctx context.Context) error
	MarkCompleted(ctx context.Context) error
	MarkFailed(ctx context.Context, reason string) error
}

// Persisted wraps a claimed task row
type Persisted struct {
	q    Queue
	mu   sync.Mutex
	task Task
}

func NewPersisted(q Queue, t Task) *Persisted {
	return &Persisted{q: q, task: copyTask(t)}
}

func (p *Persisted) ID() string         { return p.task.ID }
func (p *Persisted) TenantID() string   { return p.task.TenantID }
func (p *Persisted) WorkType() WorkType { return p.task.WorkType }
func (p *Persisted) RetryCount() int    { return p.task.RetryCount }
func (p *Persisted) Metadata() Metadata { return p.task.Metadata.Clone() }

func (p *Persisted) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.task.State
}

// Task returns a snapshot of the wrapped row
func (p *Persisted) Task() Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copyTask(p.task)
}

// MarkInProgress succeeds only for a task DequeueNext already claimed.
// Claiming happens in the queue; a unit cannot claim itself.
func (p *Persisted) MarkInProgress(ctx context.Context) error {
	if s := p.State(); s != StateInProgress {
		return fmt.Errorf("%w: task %s is %s, not claimed", ErrInvalidTransition, p.task.ID, s)
	}
	return nil
}

func (p *Persisted) MarkCompleted(ctx context.Context) error {
	if err := p.q.Complete(ctx, p.task.TenantID, p.task.ID); err != nil {
		return err
	}
	p.setState(StateCompleted)
	return nil
}

func (p *Persisted) MarkFailed(ctx context.Context, reason string) error {
	if err := p.q.Abandon(ctx, p.task.TenantID, p.task.ID, reason); err != nil {
		return err
	}
	p.setState(StateFailed)
	return nil
}

func (p *Persisted) setState(s State) {
	p.mu.Lock()
	p.task.State = s
	p.mu.Unlock()
}

// Ephemeral is an unpersisted unit with the same state rules as a task row
type Ephemeral struct {
	mu         sync.Mutex
	id         string
	tenantID   string
	workType   WorkType
	metadata   Metadata
	retryCount int
	state      State
	reason     string
}

func NewEphemeral(tenantID string, workType WorkType, metadata Metadata) (*Ephemeral, error) {
	if !workType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkType, workType)
	}
	return &Ephemeral{
		id:       "local-" + uuid.NewString(),
		tenantID: tenantID,
		workType: workType,
		metadata: metadata.Clone(),
		state:    StateQueued,
	}, nil
}

func (e *Ephemeral) ID() string         { return e.id }
func (e *Ephemeral) TenantID() string   { return e.tenantID }
func (e *Ephemeral) WorkType() WorkType { return e.workType }

func (e *Ephemeral) Metadata() Metadata {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metadata.Clone()
}

func (e *Ephemeral) RetryCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retryCount
}

func (e *Ephemeral) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Reason returns the failure reason recorded by MarkFailed
func (e *Ephemeral) Reason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason
}

func (e *Ephemeral) MarkInProgress(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.Runnable() {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, e.state)
	}
	e.state = StateInProgress
	return nil
}

func (e *Ephemeral) MarkCompleted(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateInProgress {
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, e.state)
	}
	e.state = StateCompleted
	return nil
}

func (e *Ephemeral) MarkFailed(ctx context.Context, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() {
		return fmt.Errorf("%w: fail from %s", ErrInvalidTransition, e.state)
	}
	e.state = StateFailed
	e.reason = reason
	return nil
}

// Requeue merges resume metadata and bumps the retry count, mirroring
// ScheduleRetry for local retry loops
func (e *Ephemeral) Requeue(resume Metadata) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateInProgress {
		return fmt.Errorf("%w: retry from %s", ErrInvalidTransition, e.state)
	}
	e.metadata = e.metadata.Merge(resume)
	e.retryCount++
	e.state = StateRetrying
	return nil
}
