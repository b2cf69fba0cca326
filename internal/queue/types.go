package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task state transition")
	ErrUnknownWorkType   = errors.New("unknown work type")
	ErrUnknownPriority   = errors.New("unknown priority")
)

// WorkType is the enumerated category of a task
type WorkType string

const (
	WorkPRMaintenance       WorkType = "pr-maintenance"
	WorkPRReviewResponse    WorkType = "pr-review-response"
	WorkDesignApprovalCheck WorkType = "design-approval-check"
	WorkNewWork             WorkType = "new-work"
)

// WorkTypes lists every known work type in a stable order
func WorkTypes() []WorkType {
	return []WorkType{WorkPRMaintenance, WorkPRReviewResponse, WorkDesignApprovalCheck, WorkNewWork}
}

func (w WorkType) Valid() bool {
	switch w {
	case WorkPRMaintenance, WorkPRReviewResponse, WorkDesignApprovalCheck, WorkNewWork:
		return true
	}
	return false
}

func ParseWorkType(s string) (WorkType, error) {
	w := WorkType(strings.TrimSpace(s))
	if !w.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownWorkType, s)
	}
	return w, nil
}

// Priority orders tasks; lower values are dequeued first.
// The gaps leave room for intermediate classes without renumbering.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityDefault  Priority = 3
	PriorityLow      Priority = 10
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityDefault:
		return "default"
	case PriorityLow:
		return "low"
	}
	return strconv.Itoa(int(p))
}

// ParsePriority accepts a class name or a non-negative number
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "default":
		return PriorityDefault, nil
	case "low":
		return PriorityLow, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPriority, s)
	}
	return Priority(n), nil
}

type State string

const (
	StateQueued     State = "queued"
	StateInProgress State = "in-progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateRetrying   State = "retrying" // queued, but held back until RunAfter
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Runnable reports whether a task in this state may be claimed once RunAfter passes
func (s State) Runnable() bool {
	return s == StateQueued || s == StateRetrying
}

func (s State) Valid() bool {
	switch s {
	case StateQueued, StateInProgress, StateCompleted, StateFailed, StateRetrying:
		return true
	}
	return false
}

type AttemptStatus string

const (
	AttemptRunning AttemptStatus = "running"
	AttemptSuccess AttemptStatus = "success"
	AttemptFailure AttemptStatus = "failure"
	AttemptNoWork  AttemptStatus = "no-work"
)

// Task is a persisted queue item
type Task struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenant_id"`
	ParentID       string            `json:"parent_id,omitempty"`
	DeliveryID     string            `json:"delivery_id,omitempty"`
	WorkType       WorkType          `json:"work_type"`
	Priority       Priority          `json:"priority"`
	State          State             `json:"state"`
	RetryCount     int               `json:"retry_count"`
	LastError      string            `json:"last_error,omitempty"`
	BackoffSeconds int               `json:"backoff_seconds"`
	Metadata       Metadata          `json:"metadata"`
	TraceHeaders   map[string]string `json:"trace_headers,omitempty"`
	RunAfter       time.Time         `json:"run_after"`
	LeaseUntil     *time.Time        `json:"lease_until,omitempty"` // set while in-progress
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// AttemptNumber is the number the next (or current) execution carries
func (t Task) AttemptNumber() int {
	return t.RetryCount + 1
}

// NewTask is the input to Enqueue
type NewTask struct {
	ParentID     string
	DeliveryID   string
	WorkType     WorkType
	Priority     Priority
	Metadata     Metadata
	TraceHeaders map[string]string
	RunAfter     time.Time // zero means immediately
}

func (n NewTask) validate() error {
	if !n.WorkType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownWorkType, n.WorkType)
	}
	if n.Priority < 0 {
		return fmt.Errorf("%w: %d", ErrUnknownPriority, n.Priority)
	}
	return nil
}

// Attempt is one execution try of a task
type Attempt struct {
	ID             string        `json:"id"`
	TaskID         string        `json:"task_id"`
	TenantID       string        `json:"tenant_id"`
	Number         int           `json:"attempt_number"`
	Status         AttemptStatus `json:"status"`
	Error          string        `json:"error_message,omitempty"`
	BackoffSeconds int           `json:"backoff_seconds"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// DefaultLease bounds how long a claim stays exclusive. An in-progress task
// whose lease has run out is handed to the next DequeueNext.
const DefaultLease = 45 * time.Minute

// LeaseExpired is the error recorded on an attempt whose holder never
// reported back
const LeaseExpired = "claim lease expired"

// Scope restricts DequeueNext to one tenant. The zero value is global.
type Scope struct {
	TenantID string
}

func Global() Scope { return Scope{} }

func ForTenant(tenantID string) Scope { return Scope{TenantID: tenantID} }

func (s Scope) IsGlobal() bool { return s.TenantID == "" }

// Filter narrows List; zero fields match everything
type Filter struct {
	State    State
	WorkType WorkType
	Limit    int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	}
	return f.Limit
}

// Stat is one cell of the depth table
type Stat struct {
	State    State    `json:"state"`
	Priority Priority `json:"priority"`
	Count    int      `json:"count"`
}

// Queue is the durable, priority ordered, multi-tenant work queue.
// Every transition is atomic and guarded on the prior state. DequeueNext
// also reclaims in-progress tasks whose lease expired; if the lost attempt
// was already recorded it counts as spent and RetryCount moves past it.
type Queue interface {
	Enqueue(ctx context.Context, tenantID string, nt NewTask) (Task, error)
	DequeueNext(ctx context.Context, scope Scope) (*Task, error)
	Complete(ctx context.Context, tenantID, id string) error
	ScheduleRetry(ctx context.Context, tenantID, id string, delay time.Duration, merged Metadata, lastErr string) (Task, error)
	Abandon(ctx context.Context, tenantID, id, reason string) error

	Get(ctx context.Context, tenantID, id string) (Task, error)
	List(ctx context.Context, tenantID string, f Filter) ([]Task, error)
	Descendants(ctx context.Context, tenantID, id string) ([]Task, error)
	// Stats with an empty tenantID aggregates across tenants
	Stats(ctx context.Context, tenantID string) ([]Stat, error)

	StartAttempt(ctx context.Context, task Task) (Attempt, error)
	FinishAttempt(ctx context.Context, a Attempt, status AttemptStatus, errMsg string) (Attempt, error)
	Attempts(ctx context.Context, tenantID, taskID string) ([]Attempt, error)
}

func durationSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
