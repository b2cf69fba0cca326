package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/austindbirch/hookloop/internal/config"
	"github.com/austindbirch/hookloop/internal/logging"
	"github.com/austindbirch/hookloop/internal/queue"
)

const (
	DLQType   = "task.dlq"
	ReadyType = "task.ready"
)

// Ready announces that a task can be claimed. It carries no work; the
// queue stays the source of truth.
type Ready struct {
	Type     string         `json:"type"`
	TaskID   string         `json:"task_id"`
	TenantID string         `json:"tenant_id"`
	WorkType queue.WorkType `json:"work_type"`
	Priority queue.Priority `json:"priority"`
	At       string         `json:"at"`
}

func NewReady(t queue.Task) Ready {
	return Ready{
		Type:     ReadyType,
		TaskID:   t.ID,
		TenantID: t.TenantID,
		WorkType: t.WorkType,
		Priority: t.Priority,
		At:       time.Now().UTC().Format(time.RFC3339Nano),
	}
}

type DeadLetter struct {
	Type      string     `json:"type"`    // "task.dlq"
	Version   string     `json:"version"` // schema version
	At        string     `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason    string     `json:"reason"`  // max_attempts, permanent, tenant_inactive, tenant_missing
	Attempt   int        `json:"attempt"` // attempt number that failed last
	LastError string     `json:"last_error,omitempty"`
	Task      queue.Task `json:"task"` // full task snapshot
}

func NewDeadLetter(t queue.Task, attempt int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:      DLQType,
		Version:   "v1",
		At:        time.Now().UTC().Format(time.RFC3339Nano),
		Reason:    reason,
		Attempt:   attempt,
		LastError: lastErr,
		Task:      t,
	}
}

func DecodeDeadLetter(b []byte) (DeadLetter, error) {
	var dl DeadLetter
	if err := json.Unmarshal(b, &dl); err != nil {
		return DeadLetter{}, fmt.Errorf("decode dead letter: %w", err)
	}
	if dl.Type != DLQType {
		return DeadLetter{}, fmt.Errorf("unexpected envelope type %q", dl.Type)
	}
	return dl, nil
}

// Publisher emits wake-ups after enqueue and dead letters after abandon
type Publisher interface {
	TaskReady(ctx context.Context, r Ready) error
	TaskAbandoned(ctx context.Context, dl DeadLetter) error
	Close() error
}

// Subscriber delivers coalesced wake-up signals to idle dispatchers
type Subscriber interface {
	Wakeups() <-chan struct{}
	Close() error
}

// DeadLetterHandler processes one abandoned task envelope
type DeadLetterHandler func(ctx context.Context, dl DeadLetter) error

// signal does a non-blocking send; a pending signal already wakes everyone
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Nop drops every notification; dispatchers fall back to polling
type Nop struct{}

func (Nop) TaskReady(context.Context, Ready) error           { return nil }
func (Nop) TaskAbandoned(context.Context, DeadLetter) error { return nil }
func (Nop) Wakeups() <-chan struct{}                        { return nil }
func (Nop) Close() error                                    { return nil }

const (
	BackendNSQ   = "nsq"
	BackendRedis = "redis"
	BackendNone  = "none"
)

// NewPublisher opens the configured backend
func NewPublisher(ctx context.Context, cfg config.Config, log *logging.Logger) (Publisher, error) {
	switch cfg.Notify.Backend {
	case BackendNSQ:
		return NewNSQPublisher(cfg.NSQ)
	case BackendRedis:
		return NewRedisBus(ctx, cfg.Redis, log)
	case BackendNone, "":
		return Nop{}, nil
	}
	return nil, fmt.Errorf("unknown notify backend %q", cfg.Notify.Backend)
}

// NewSubscriber opens the wake-up side of the configured backend
func NewSubscriber(ctx context.Context, cfg config.Config, log *logging.Logger) (Subscriber, error) {
	switch cfg.Notify.Backend {
	case BackendNSQ:
		return NewNSQWakeups(cfg.NSQ, log)
	case BackendRedis:
		bus, err := NewRedisBus(ctx, cfg.Redis, log)
		if err != nil {
			return nil, err
		}
		if err := bus.SubscribeReady(ctx); err != nil {
			bus.Close()
			return nil, err
		}
		return bus, nil
	case BackendNone, "":
		return Nop{}, nil
	}
	return nil, fmt.Errorf("unknown notify backend %q", cfg.Notify.Backend)
}

// ConsumeDeadLetters runs handler for every dead letter until ctx is done
func ConsumeDeadLetters(ctx context.Context, cfg config.Config, log *logging.Logger, handler DeadLetterHandler) error {
	switch cfg.Notify.Backend {
	case BackendNSQ:
		return consumeNSQDeadLetters(ctx, cfg.NSQ, log, handler)
	case BackendRedis:
		bus, err := NewRedisBus(ctx, cfg.Redis, log)
		if err != nil {
			return err
		}
		defer bus.Close()
		return bus.ConsumeDeadLetters(ctx, cfg.NSQ.MonitorChannel, handler)
	case BackendNone, "":
		<-ctx.Done()
		return nil
	}
	return fmt.Errorf("unknown notify backend %q", cfg.Notify.Backend)
}
