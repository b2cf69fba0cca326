package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/hookloop/internal/executor"
	"github.com/austindbirch/hookloop/internal/logging"
	"github.com/austindbirch/hookloop/internal/metrics"
	"github.com/austindbirch/hookloop/internal/notify"
	"github.com/austindbirch/hookloop/internal/queue"
	"github.com/austindbirch/hookloop/internal/tenant"
	"github.com/austindbirch/hookloop/internal/tracing"
)

// Abandon reasons, also used as metric labels and dead-letter reasons
const (
	ReasonMaxAttempts    = "max_attempts"
	ReasonPermanent      = "permanent"
	ReasonTenantInactive = "tenant_inactive"
	ReasonTenantMissing  = "tenant_missing"
)

// Action is what RunOnce did with the task
type Action string

const (
	ActionCompleted Action = "completed"
	ActionRetried   Action = "retried"
	ActionAbandoned Action = "abandoned"
)

type Disposition struct {
	Action  Action
	Attempt int
	Delay   time.Duration // set when retried
	Reason  string        // set when abandoned
}

type TenantResolver interface {
	Resolve(ctx context.Context, id string) (tenant.Context, error)
}

type Options struct {
	Policy      Policy
	Publisher   notify.Publisher
	Wakeups     <-chan struct{}
	Scope       queue.Scope
	ExecTimeout time.Duration
	PublishDLQ  bool
	IdleMin     time.Duration
	IdleMax     time.Duration
	Logger      *logging.Logger
}

// Dispatcher pulls tasks from the queue and drives them through the
// executor and the retry state machine
type Dispatcher struct {
	queue    queue.Queue
	tenants  TenantResolver
	executor executor.Executor
	opts     Options
	log      *logging.Logger
}

func New(q queue.Queue, tenants TenantResolver, exec executor.Executor, opts Options) *Dispatcher {
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = DefaultPolicy()
	}
	if opts.Publisher == nil {
		opts.Publisher = notify.Nop{}
	}
	if opts.IdleMin <= 0 {
		opts.IdleMin = 250 * time.Millisecond
	}
	if opts.IdleMax < opts.IdleMin {
		opts.IdleMax = 5 * time.Second
		if opts.IdleMax < opts.IdleMin {
			opts.IdleMax = opts.IdleMin
		}
	}
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Dispatcher{queue: q, tenants: tenants, executor: exec, opts: opts, log: log}
}

func (d *Dispatcher) entry(ctx context.Context, t queue.Task) *logging.LogEntry {
	return d.log.WithContext(ctx).
		WithTenant(t.TenantID).
		WithTask(t.ID).
		WithWorkType(string(t.WorkType)).
		WithDelivery(t.DeliveryID)
}

// RunOnce executes one claimed (in-progress) task and records the result.
// A returned error means the outcome could not be recorded.
func (d *Dispatcher) RunOnce(ctx context.Context, task queue.Task) (disp Disposition, err error) {
	ctx, span := tracing.StartTaskSpan(ctx, "dispatch.RunOnce", task.TraceHeaders, tracing.Task{
		TenantID:   task.TenantID,
		TaskID:     task.ID,
		DeliveryID: task.DeliveryID,
		WorkType:   string(task.WorkType),
		Priority:   int(task.Priority),
		Attempt:    task.AttemptNumber(),
	})
	defer span.End()
	defer func() {
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return
		}
		tracing.SetOutcome(ctx, string(disp.Action))
	}()

	// a reclaimed task may already have spent its last attempt
	if task.RetryCount >= d.opts.Policy.MaxAttempts {
		spent := queue.Attempt{TaskID: task.ID, TenantID: task.TenantID, Number: task.RetryCount}
		reason := fmt.Sprintf("max attempts reached (%d): %s", task.RetryCount, task.LastError)
		return d.markAbandoned(context.WithoutCancel(ctx), task, spent, ReasonMaxAttempts, reason, task.LastError)
	}

	attempt, err := d.queue.StartAttempt(ctx, task)
	if err != nil {
		return Disposition{}, fmt.Errorf("start attempt: %w", err)
	}
	start := time.Now()

	// Transitions after execution must land even if shutdown cancelled ctx
	record := context.WithoutCancel(ctx)

	tc, err := d.tenants.Resolve(ctx, task.TenantID)
	switch {
	case errors.Is(err, tenant.ErrInactive):
		return d.abandon(record, task, attempt, start, ReasonTenantInactive, err.Error())
	case errors.Is(err, tenant.ErrNotFound):
		return d.abandon(record, task, attempt, start, ReasonTenantMissing, err.Error())
	case err != nil:
		return d.fail(record, task, attempt, start, "resolve tenant: "+err.Error(), nil)
	}

	unit := queue.NewPersisted(d.queue, task)
	execCtx := ctx
	if d.opts.ExecTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, d.opts.ExecTimeout)
		defer cancel()
	}

	tracing.AddSpanEvent(ctx, "executor.start")
	res, err := d.executor.Execute(execCtx, executor.Request{Tenant: tc, Unit: unit, Attempt: attempt.Number})
	if err != nil {
		if executor.IsPermanent(err) {
			return d.abandon(record, task, attempt, start, ReasonPermanent, err.Error())
		}
		return d.fail(record, task, attempt, start, err.Error(), nil)
	}

	switch res.Outcome {
	case executor.OutcomeSuccess, executor.OutcomeNoWork:
		return d.complete(record, unit, task, attempt, start, res)
	case executor.OutcomeFailure:
		msg := res.Error
		if msg == "" {
			msg = "executor reported failure"
		}
		return d.fail(record, task, attempt, start, msg, res.Resume)
	}
	return d.abandon(record, task, attempt, start, ReasonPermanent, fmt.Sprintf("executor returned unknown outcome %q", res.Outcome))
}

func (d *Dispatcher) complete(ctx context.Context, unit *queue.Persisted, task queue.Task, attempt queue.Attempt, start time.Time, res executor.Result) (Disposition, error) {
	status := queue.AttemptSuccess
	if res.Outcome == executor.OutcomeNoWork {
		status = queue.AttemptNoWork
	}
	if _, err := d.queue.FinishAttempt(ctx, attempt, status, ""); err != nil {
		return Disposition{}, fmt.Errorf("finish attempt: %w", err)
	}
	if err := unit.MarkCompleted(ctx); err != nil {
		return Disposition{}, fmt.Errorf("complete task: %w", err)
	}
	metrics.RecordAttempt(string(task.WorkType), string(status), time.Since(start))

	for _, fu := range res.FollowUps {
		d.enqueueFollowUp(ctx, task, fu)
	}

	d.entry(ctx, task).
		WithField("attempt", attempt.Number).
		WithField("outcome", string(res.Outcome)).
		WithField("follow_ups", len(res.FollowUps)).
		Info("task completed")
	return Disposition{Action: ActionCompleted, Attempt: attempt.Number}, nil
}

// enqueueFollowUp adds a child task; the parent is already complete so a
// failure here is logged, not returned
func (d *Dispatcher) enqueueFollowUp(ctx context.Context, parent queue.Task, fu executor.FollowUp) {
	child, err := d.queue.Enqueue(ctx, parent.TenantID, queue.NewTask{
		ParentID:     parent.ID,
		DeliveryID:   parent.DeliveryID,
		WorkType:     fu.WorkType,
		Priority:     fu.Priority,
		Metadata:     fu.Metadata,
		TraceHeaders: tracing.InjectHeaders(ctx),
	})
	if err != nil {
		d.entry(ctx, parent).WithError(err).WithField("follow_up", string(fu.WorkType)).Error("enqueue follow-up failed")
		return
	}
	metrics.RecordEnqueued(string(child.WorkType), int(child.Priority))
	if err := d.opts.Publisher.TaskReady(ctx, notify.NewReady(child)); err != nil {
		d.entry(ctx, child).WithError(err).Warn("publish wake-up failed")
	}
}

func (d *Dispatcher) fail(ctx context.Context, task queue.Task, attempt queue.Attempt, start time.Time, msg string, resume queue.Metadata) (Disposition, error) {
	if _, err := d.queue.FinishAttempt(ctx, attempt, queue.AttemptFailure, msg); err != nil {
		return Disposition{}, fmt.Errorf("finish attempt: %w", err)
	}
	metrics.RecordAttempt(string(task.WorkType), string(queue.AttemptFailure), time.Since(start))

	if !d.opts.Policy.ShouldRetry(attempt.Number) {
		reason := fmt.Sprintf("max attempts reached (%d): %s", attempt.Number, msg)
		return d.markAbandoned(ctx, task, attempt, ReasonMaxAttempts, reason, msg)
	}

	delay := d.opts.Policy.Backoff(task.RetryCount)
	if _, err := d.queue.ScheduleRetry(ctx, task.TenantID, task.ID, delay, resume, msg); err != nil {
		return Disposition{}, fmt.Errorf("schedule retry: %w", err)
	}
	metrics.RecordRetry(string(task.WorkType))
	tracing.AddSpanEvent(ctx, "task.retry",
		tracing.KeyAttempt.Int(attempt.Number),
		attribute.String("delay", delay.String()),
	)
	d.entry(ctx, task).WithFields(map[string]any{
		"attempt": attempt.Number,
		"delay":   delay.String(),
		"error":   msg,
	}).Warn("task failed, retry scheduled")
	return Disposition{Action: ActionRetried, Attempt: attempt.Number, Delay: delay}, nil
}

func (d *Dispatcher) abandon(ctx context.Context, task queue.Task, attempt queue.Attempt, start time.Time, reason, msg string) (Disposition, error) {
	if _, err := d.queue.FinishAttempt(ctx, attempt, queue.AttemptFailure, msg); err != nil {
		return Disposition{}, fmt.Errorf("finish attempt: %w", err)
	}
	metrics.RecordAttempt(string(task.WorkType), string(queue.AttemptFailure), time.Since(start))
	return d.markAbandoned(ctx, task, attempt, reason, msg, msg)
}

// markAbandoned fails the task for good and escalates it
func (d *Dispatcher) markAbandoned(ctx context.Context, task queue.Task, attempt queue.Attempt, reason, lastError, msg string) (Disposition, error) {
	if err := d.queue.Abandon(ctx, task.TenantID, task.ID, lastError); err != nil {
		return Disposition{}, fmt.Errorf("abandon task: %w", err)
	}
	metrics.RecordAbandon(reason)
	tracing.AddSpanEvent(ctx, "task.abandoned", attribute.String("reason", reason))

	d.entry(ctx, task).WithFields(map[string]any{
		"attempt": attempt.Number,
		"reason":  reason,
		"error":   msg,
	}).Error("task abandoned")

	if d.opts.PublishDLQ {
		snapshot, err := d.queue.Get(ctx, task.TenantID, task.ID)
		if err != nil {
			snapshot = task
			snapshot.State = queue.StateFailed
			snapshot.LastError = lastError
		}
		if err := d.opts.Publisher.TaskAbandoned(ctx, notify.NewDeadLetter(snapshot, attempt.Number, msg, reason)); err != nil {
			d.entry(ctx, task).WithError(err).Error("dlq publish failed")
			tracing.SetSpanError(ctx, err)
		}
	}
	return Disposition{Action: ActionAbandoned, Attempt: attempt.Number, Reason: reason}, nil
}

// Run starts workers dispatch loops and blocks until ctx is done
func (d *Dispatcher) Run(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		id := i
		g.Go(func() error {
			d.loop(ctx, id)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) loop(ctx context.Context, id int) {
	idle := d.opts.IdleMin
	d.log.WithField("loop", id).Debug("dispatch loop started")

	for ctx.Err() == nil {
		task, err := d.queue.DequeueNext(ctx, d.opts.Scope)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			d.log.WithField("loop", id).WithError(err).Error("dequeue failed")
			d.idle(ctx, idle)
			idle = d.nextIdle(idle)
			continue
		}
		if task == nil {
			d.idle(ctx, idle)
			idle = d.nextIdle(idle)
			continue
		}

		if _, err := d.RunOnce(ctx, *task); err != nil {
			// the claim lease returns the task to the queue later
			d.entry(ctx, *task).WithError(err).Error("dispatch failed")
			d.idle(ctx, idle)
			idle = d.nextIdle(idle)
			continue
		}
		idle = d.opts.IdleMin
	}
	d.log.WithField("loop", id).Debug("dispatch loop stopped")
}

func (d *Dispatcher) nextIdle(cur time.Duration) time.Duration {
	next := cur * 2
	if next > d.opts.IdleMax {
		next = d.opts.IdleMax
	}
	return next
}

// idle sleeps for at most wait, returning early on a wake-up or shutdown
func (d *Dispatcher) idle(ctx context.Context, wait time.Duration) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-d.opts.Wakeups:
	}
}
