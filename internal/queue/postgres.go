package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/hookloop/internal/db"
)

// Postgres is the durable Queue. Claims use FOR UPDATE SKIP LOCKED so
// concurrent dispatchers never block on, or double-claim, the same row.
type Postgres struct {
	pool  *pgxpool.Pool
	lease time.Duration
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, lease: DefaultLease}
}

// SetLease changes how long a claim stays exclusive. Call before use.
func (p *Postgres) SetLease(d time.Duration) {
	p.lease = d
}

const taskColumns = `id::text, tenant_id, parent_id::text, delivery_id, work_type, priority, state,
	retry_count, last_error, backoff_seconds, metadata, trace_headers, run_after, lease_until, created_at, updated_at`

const attemptColumns = `id::text, task_id::text, tenant_id, attempt_number, status, error_message,
	backoff_seconds, started_at, completed_at`

func scanTask(row pgx.Row) (Task, error) {
	var (
		t        Task
		parentID *string
		meta     []byte
		headers  []byte
	)
	err := row.Scan(&t.ID, &t.TenantID, &parentID, &t.DeliveryID, &t.WorkType, &t.Priority, &t.State,
		&t.RetryCount, &t.LastError, &t.BackoffSeconds, &meta, &headers, &t.RunAfter, &t.LeaseUntil, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Task{}, err
	}
	if parentID != nil {
		t.ParentID = *parentID
	}
	if t.Metadata, err = unmarshalMetadata(meta); err != nil {
		return Task{}, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &t.TraceHeaders); err != nil {
			return Task{}, fmt.Errorf("decode trace headers: %w", err)
		}
	}
	return t, nil
}

func scanTasks(rows pgx.Rows) ([]Task, error) {
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanAttempt(row pgx.Row) (Attempt, error) {
	var a Attempt
	err := row.Scan(&a.ID, &a.TaskID, &a.TenantID, &a.Number, &a.Status, &a.Error,
		&a.BackoffSeconds, &a.StartedAt, &a.CompletedAt)
	return a, err
}

// validID keeps malformed ids from reaching the uuid cast
func validID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (p *Postgres) Enqueue(ctx context.Context, tenantID string, nt NewTask) (Task, error) {
	if err := nt.validate(); err != nil {
		return Task{}, err
	}
	if nt.ParentID != "" {
		if err := validID(nt.ParentID); err != nil {
			return Task{}, fmt.Errorf("parent: %w", err)
		}
	}
	meta, err := nt.Metadata.marshal()
	if err != nil {
		return Task{}, fmt.Errorf("encode metadata: %w", err)
	}
	headers, err := json.Marshal(nt.TraceHeaders)
	if err != nil {
		return Task{}, fmt.Errorf("encode trace headers: %w", err)
	}
	if nt.TraceHeaders == nil {
		headers = []byte("{}")
	}
	var runAfter *time.Time
	if !nt.RunAfter.IsZero() {
		runAfter = &nt.RunAfter
	}

	// The parent must belong to the same tenant; a foreign parent yields no row.
	row := p.pool.QueryRow(ctx, `
		INSERT INTO tasks (tenant_id, parent_id, delivery_id, work_type, priority, metadata, trace_headers, run_after)
		SELECT $1, NULLIF($2, '')::uuid, $3, $4, $5, $6::jsonb, $7::jsonb, COALESCE($8, now())
		WHERE  $2 = '' OR EXISTS (SELECT 1 FROM tasks WHERE id = NULLIF($2, '')::uuid AND tenant_id = $1)
		RETURNING `+taskColumns,
		tenantID, nt.ParentID, nt.DeliveryID, string(nt.WorkType), int(nt.Priority), meta, headers, runAfter)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, fmt.Errorf("parent: %w: %s", ErrNotFound, nt.ParentID)
	}
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (p *Postgres) DequeueNext(ctx context.Context, scope Scope) (*Task, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		id    string
		state State
	)
	err = tx.QueryRow(ctx, `
		SELECT id::text, state FROM tasks
		WHERE  ((state IN ('queued', 'retrying') AND run_after <= now())
		    OR  (state = 'in-progress' AND lease_until < now()))
		  AND  ($1::text = '' OR tenant_id = $1)
		ORDER  BY priority ASC, created_at ASC, id ASC
		LIMIT  1
		FOR UPDATE SKIP LOCKED`, scope.TenantID).Scan(&id, &state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}

	if state == StateInProgress {
		if _, err := tx.Exec(ctx, `
			UPDATE attempts SET status = 'failure', error_message = $2, completed_at = now()
			WHERE  task_id = $1::uuid AND status = 'running'`, id, LeaseExpired); err != nil {
			return nil, fmt.Errorf("close lost attempt: %w", err)
		}
		// a recorded attempt under the current number is spent
		if _, err := tx.Exec(ctx, `
			UPDATE tasks t
			SET    retry_count = t.retry_count + 1, last_error = $2
			WHERE  t.id = $1::uuid
			  AND  EXISTS (SELECT 1 FROM attempts a WHERE a.task_id = t.id AND a.attempt_number = t.retry_count + 1)`,
			id, LeaseExpired); err != nil {
			return nil, fmt.Errorf("spend lost attempt: %w", err)
		}
	}

	t, err := scanTask(tx.QueryRow(ctx, `
		UPDATE tasks
		SET    state       = 'in-progress',
		       lease_until = now() + $2::double precision * interval '1 second',
		       updated_at  = now()
		WHERE  id = $1::uuid
		RETURNING `+taskColumns, id, p.lease.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return &t, nil
}

// transitionErr explains a guarded UPDATE that touched no rows
func (p *Postgres) transitionErr(ctx context.Context, tenantID, id, op string) error {
	var state State
	err := p.pool.QueryRow(ctx, `SELECT state FROM tasks WHERE id = $1::uuid AND tenant_id = $2`, id, tenantID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, state)
}

func (p *Postgres) Complete(ctx context.Context, tenantID, id string) error {
	if err := validID(id); err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE tasks SET state = 'completed', lease_until = NULL, updated_at = now()
		WHERE  id = $1::uuid AND tenant_id = $2 AND state = 'in-progress'`, id, tenantID)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.transitionErr(ctx, tenantID, id, "complete")
	}
	return nil
}

func (p *Postgres) ScheduleRetry(ctx context.Context, tenantID, id string, delay time.Duration, merged Metadata, lastErr string) (Task, error) {
	if err := validID(id); err != nil {
		return Task{}, err
	}
	patch, err := merged.marshal()
	if err != nil {
		return Task{}, fmt.Errorf("encode metadata: %w", err)
	}
	// jsonb || overwrites the keys present in the patch and keeps the rest
	row := p.pool.QueryRow(ctx, `
		UPDATE tasks
		SET    metadata        = metadata || $3::jsonb,
		       retry_count     = retry_count + 1,
		       state           = 'retrying',
		       last_error      = $4,
		       backoff_seconds = $5,
		       run_after       = now() + $6::double precision * interval '1 second',
		       lease_until     = NULL,
		       updated_at      = now()
		WHERE  id = $1::uuid AND tenant_id = $2 AND state = 'in-progress'
		RETURNING `+taskColumns,
		id, tenantID, patch, lastErr, durationSeconds(delay), delay.Seconds())
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, p.transitionErr(ctx, tenantID, id, "retry")
	}
	if err != nil {
		return Task{}, fmt.Errorf("schedule retry: %w", err)
	}
	return t, nil
}

func (p *Postgres) Abandon(ctx context.Context, tenantID, id, reason string) error {
	if err := validID(id); err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE tasks SET state = 'failed', last_error = $3, lease_until = NULL, updated_at = now()
		WHERE  id = $1::uuid AND tenant_id = $2 AND state NOT IN ('completed', 'failed')`, id, tenantID, reason)
	if err != nil {
		return fmt.Errorf("abandon task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.transitionErr(ctx, tenantID, id, "abandon")
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, tenantID, id string) (Task, error) {
	if err := validID(id); err != nil {
		return Task{}, err
	}
	row := p.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1::uuid AND tenant_id = $2`, id, tenantID)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, err
}

func (p *Postgres) List(ctx context.Context, tenantID string, f Filter) ([]Task, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE  tenant_id = $1
		  AND  ($2::text = '' OR state = $2)
		  AND  ($3::text = '' OR work_type = $3)
		ORDER  BY created_at DESC, id DESC
		LIMIT  $4`, tenantID, string(f.State), string(f.WorkType), f.limit())
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return scanTasks(rows)
}

// Descendants resolves the whole subtree in one recursive query.
// UNION (not UNION ALL) stops on a cycle.
func (p *Postgres) Descendants(ctx context.Context, tenantID, id string) ([]Task, error) {
	if _, err := p.Get(ctx, tenantID, id); err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, `
		WITH RECURSIVE tree(id) AS (
			SELECT id FROM tasks WHERE parent_id = $1::uuid AND tenant_id = $2
			UNION
			SELECT t.id FROM tasks t JOIN tree ON t.parent_id = tree.id WHERE t.tenant_id = $2
		)
		SELECT `+taskColumns+` FROM tasks
		WHERE  id IN (SELECT id FROM tree)
		ORDER  BY created_at ASC, id ASC`, id, tenantID)
	if err != nil {
		return nil, fmt.Errorf("descendants: %w", err)
	}
	return scanTasks(rows)
}

func (p *Postgres) Stats(ctx context.Context, tenantID string) ([]Stat, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT state, priority, count(*) FROM tasks
		WHERE  ($1::text = '' OR tenant_id = $1)
		GROUP  BY state, priority
		ORDER  BY state, priority`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var out []Stat
	for rows.Next() {
		var s Stat
		if err := rows.Scan(&s.State, &s.Priority, &s.Count); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) StartAttempt(ctx context.Context, task Task) (Attempt, error) {
	if err := validID(task.ID); err != nil {
		return Attempt{}, err
	}
	row := p.pool.QueryRow(ctx, `
		INSERT INTO attempts (task_id, tenant_id, attempt_number, status, backoff_seconds)
		SELECT id, tenant_id, retry_count + 1, 'running', backoff_seconds
		FROM   tasks
		WHERE  id = $1::uuid AND tenant_id = $2 AND state = 'in-progress'
		RETURNING `+attemptColumns, task.ID, task.TenantID)
	a, err := scanAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Attempt{}, p.transitionErr(ctx, task.TenantID, task.ID, "attempt")
	}
	if db.IsUniqueViolation(err, "uq_attempts_task_number") {
		return Attempt{}, fmt.Errorf("%w: attempt %d already recorded", ErrInvalidTransition, task.AttemptNumber())
	}
	if err != nil {
		return Attempt{}, fmt.Errorf("start attempt: %w", err)
	}
	return a, nil
}

func (p *Postgres) FinishAttempt(ctx context.Context, a Attempt, status AttemptStatus, errMsg string) (Attempt, error) {
	if err := validID(a.ID); err != nil {
		return Attempt{}, err
	}
	row := p.pool.QueryRow(ctx, `
		UPDATE attempts
		SET    status = $3, error_message = $4, completed_at = now()
		WHERE  id = $1::uuid AND tenant_id = $2 AND status = 'running'
		RETURNING `+attemptColumns, a.ID, a.TenantID, string(status), errMsg)
	out, err := scanAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Attempt{}, fmt.Errorf("%w: attempt %s is not running", ErrInvalidTransition, a.ID)
	}
	if err != nil {
		return Attempt{}, fmt.Errorf("finish attempt: %w", err)
	}
	return out, nil
}

func (p *Postgres) Attempts(ctx context.Context, tenantID, taskID string) ([]Attempt, error) {
	if _, err := p.Get(ctx, tenantID, taskID); err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+attemptColumns+` FROM attempts
		WHERE  task_id = $1::uuid AND tenant_id = $2
		ORDER  BY attempt_number ASC`, taskID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
