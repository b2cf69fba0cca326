package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/austindbirch/hookloop/internal/queue"
	"github.com/austindbirch/hookloop/internal/tenant"
)

// ErrPermanent marks failures that retrying cannot fix
var ErrPermanent = errors.New("permanent failure")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
func (e *permanentError) Is(target error) bool {
	return target == ErrPermanent
}

// Permanent wraps err so the dispatcher abandons the task without retry
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeNoWork  Outcome = "no-work"
)

// Request is everything an executor needs for one attempt
type Request struct {
	Tenant  tenant.Context
	Unit    queue.Unit
	Attempt int
}

// FollowUp is a child task the executor asks the dispatcher to enqueue
type FollowUp struct {
	WorkType queue.WorkType
	Priority queue.Priority
	Metadata queue.Metadata
}

// Result is the outcome of one attempt. Resume is merged into the task
// metadata before the next attempt when Outcome is failure.
type Result struct {
	Outcome   Outcome
	Error     string
	Resume    queue.Metadata
	FollowUps []FollowUp
}

func Success() Result { return Result{Outcome: OutcomeSuccess} }

func NoWork() Result { return Result{Outcome: OutcomeNoWork} }

func Failure(msg string, resume queue.Metadata) Result {
	return Result{Outcome: OutcomeFailure, Error: msg, Resume: resume}
}

// Executor runs the work behind a unit. A returned error is treated as a
// failed attempt; wrap it with Permanent to skip retries.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

type Handler interface {
	Handle(ctx context.Context, req Request) (Result, error)
}

type HandlerFunc func(ctx context.Context, req Request) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Router dispatches on work type through a table that covers every known
// work type
type Router struct {
	handlers map[queue.WorkType]Handler
}

func NewRouter(handlers map[queue.WorkType]Handler) (*Router, error) {
	table := make(map[queue.WorkType]Handler, len(handlers))
	for wt, h := range handlers {
		if !wt.Valid() {
			return nil, fmt.Errorf("%w: %q", queue.ErrUnknownWorkType, wt)
		}
		if h == nil {
			return nil, fmt.Errorf("nil handler for %s", wt)
		}
		table[wt] = h
	}
	for _, wt := range queue.WorkTypes() {
		if _, ok := table[wt]; !ok {
			return nil, fmt.Errorf("no handler for work type %s", wt)
		}
	}
	return &Router{handlers: table}, nil
}

func (r *Router) Execute(ctx context.Context, req Request) (Result, error) {
	h, ok := r.handlers[req.Unit.WorkType()]
	if !ok {
		return Result{}, Permanent(fmt.Errorf("%w: %q", queue.ErrUnknownWorkType, req.Unit.WorkType()))
	}
	return h.Handle(ctx, req)
}
