package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/hookloop/internal/queue"
)

var (
	ErrNotFound      = errors.New("delivery not found")
	ErrNotReplayable = errors.New("delivery is not in failed state")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessed, StatusFailed:
		return true
	}
	return false
}

// Record is the stored trace of one webhook delivery for one tenant
type Record struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	DeliveryID  string         `json:"delivery_id"`
	EventType   string         `json:"event_type"`
	Payload     []byte         `json:"-"`
	TaskType    string         `json:"task_type"`
	Priority    queue.Priority `json:"priority"`
	Metadata    queue.Metadata `json:"metadata"`
	TaskCount   int            `json:"task_count"`
	Status      Status         `json:"status"`
	Error       string         `json:"processing_error,omitempty"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Entry is the input to RecordIfNew
type Entry struct {
	DeliveryID string
	EventType  string
	Payload    []byte
	TaskType   string
	Priority   queue.Priority
	Metadata   queue.Metadata
	TaskCount  int
}

func (e Entry) validate() error {
	if e.DeliveryID == "" {
		return errors.New("delivery id is required")
	}
	if e.EventType == "" {
		return errors.New("event type is required")
	}
	return nil
}

// Filter narrows List; zero fields match everything
type Filter struct {
	Status    Status
	EventType string
	Limit     int
}

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return 50
	case f.Limit > 500:
		return 500
	}
	return f.Limit
}

// Ledger is the idempotency gate for deliveries. Uniqueness is per
// (tenant, delivery id) and is enforced by storage, not by a prior read.
type Ledger interface {
	// RecordIfNew inserts a pending record. When the delivery already exists
	// it returns the stored record with created=false.
	RecordIfNew(ctx context.Context, tenantID string, e Entry) (rec Record, created bool, err error)
	MarkProcessed(ctx context.Context, tenantID, deliveryID string) error
	MarkFailed(ctx context.Context, tenantID, deliveryID, errMsg string) error
	Get(ctx context.Context, tenantID, deliveryID string) (Record, error)
	List(ctx context.Context, tenantID string, f Filter) ([]Record, error)
	// ClaimReplay atomically moves a failed record back to pending.
	// Only one concurrent caller wins; the rest get ErrNotReplayable.
	ClaimReplay(ctx context.Context, tenantID, deliveryID string) (Record, error)
}

// Admit records the delivery and runs enqueue only for the caller that
// created the record. Duplicates return created=false without enqueueing.
func Admit(ctx context.Context, l Ledger, tenantID string, e Entry, enqueue func(ctx context.Context) error) (Record, bool, error) {
	rec, created, err := l.RecordIfNew(ctx, tenantID, e)
	if err != nil {
		return Record{}, false, fmt.Errorf("record delivery: %w", err)
	}
	if !created {
		return rec, false, nil
	}
	return finish(ctx, l, rec, enqueue)
}

// Resume runs enqueue for a record already claimed with ClaimReplay
func Resume(ctx context.Context, l Ledger, rec Record, enqueue func(ctx context.Context) error) (Record, error) {
	rec, _, err := finish(ctx, l, rec, enqueue)
	return rec, err
}

func finish(ctx context.Context, l Ledger, rec Record, enqueue func(ctx context.Context) error) (Record, bool, error) {
	if err := enqueue(ctx); err != nil {
		// Best effort; the record stays pending if this also fails
		if markErr := l.MarkFailed(ctx, rec.TenantID, rec.DeliveryID, err.Error()); markErr != nil {
			err = errors.Join(err, fmt.Errorf("mark failed: %w", markErr))
		}
		return rec, true, err
	}
	if err := markProcessed(ctx, l, rec); err != nil {
		return rec, true, fmt.Errorf("mark processed: %w", err)
	}
	rec.Status = StatusProcessed
	return rec, true, nil
}

// markRetries bounds how often a processed mark is retried. The tasks
// already exist at that point, so a record left pending would swallow
// redeliveries as duplicates.
const markRetries = 3

var markBackoff = 100 * time.Millisecond

func markProcessed(ctx context.Context, l Ledger, rec Record) error {
	wait := markBackoff
	var err error
	for i := 0; i < markRetries; i++ {
		if err = l.MarkProcessed(ctx, rec.TenantID, rec.DeliveryID); err == nil || errors.Is(err, ErrNotFound) {
			return err
		}
		if i == markRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}
