package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/hookloop/internal/db"
	"github.com/austindbirch/hookloop/internal/queue"
)

const uniqueConstraint = "uq_deliveries_tenant_delivery"

const recordColumns = `id::text, tenant_id, delivery_id, event_type, payload, task_type, priority,
	metadata, task_count, status, processing_error, processed_at, created_at, updated_at`

// Postgres is the durable Ledger backed by the deliveries table
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		r    Record
		meta []byte
	)
	err := row.Scan(&r.ID, &r.TenantID, &r.DeliveryID, &r.EventType, &r.Payload, &r.TaskType, &r.Priority,
		&meta, &r.TaskCount, &r.Status, &r.Error, &r.ProcessedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return Record{}, err
	}
	r.Metadata = queue.Metadata{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &r.Metadata); err != nil {
			return Record{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return r, nil
}

func (p *Postgres) RecordIfNew(ctx context.Context, tenantID string, e Entry) (Record, bool, error) {
	if err := e.validate(); err != nil {
		return Record{}, false, err
	}
	meta, err := json.Marshal(e.Metadata.Clone())
	if err != nil {
		return Record{}, false, fmt.Errorf("encode metadata: %w", err)
	}

	// The unique constraint picks the winner among concurrent redeliveries
	rec, err := scanRecord(p.pool.QueryRow(ctx, `
		INSERT INTO deliveries (tenant_id, delivery_id, event_type, payload, task_type, priority, metadata, task_count)
		VALUES ($1, $2, $3, COALESCE($4, ''::bytea), $5, $6, $7::jsonb, $8)
		RETURNING `+recordColumns,
		tenantID, e.DeliveryID, e.EventType, e.Payload, e.TaskType, int(e.Priority), string(meta), e.TaskCount,
	))
	if err == nil {
		return rec, true, nil
	}
	if !db.IsUniqueViolation(err, uniqueConstraint) {
		return Record{}, false, fmt.Errorf("insert delivery: %w", err)
	}

	existing, err := p.Get(ctx, tenantID, e.DeliveryID)
	if err != nil {
		return Record{}, false, fmt.Errorf("load existing delivery: %w", err)
	}
	return existing, false, nil
}

func (p *Postgres) MarkProcessed(ctx context.Context, tenantID, deliveryID string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE deliveries
		SET status = 'processed', processing_error = '', processed_at = now(), updated_at = now()
		WHERE tenant_id = $1 AND delivery_id = $2`,
		tenantID, deliveryID,
	)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, deliveryID)
	}
	return nil
}

func (p *Postgres) MarkFailed(ctx context.Context, tenantID, deliveryID, errMsg string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE deliveries
		SET status = 'failed', processing_error = $3, updated_at = now()
		WHERE tenant_id = $1 AND delivery_id = $2`,
		tenantID, deliveryID, errMsg,
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, deliveryID)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, tenantID, deliveryID string) (Record, error) {
	rec, err := scanRecord(p.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM deliveries
		WHERE tenant_id = $1 AND delivery_id = $2`,
		tenantID, deliveryID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, deliveryID)
	}
	return rec, err
}

func (p *Postgres) List(ctx context.Context, tenantID string, f Filter) ([]Record, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM deliveries
		WHERE tenant_id = $1
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR event_type = $3)
		ORDER BY created_at DESC, delivery_id DESC
		LIMIT $4`,
		tenantID, string(f.Status), f.EventType, f.limit(),
	)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) ClaimReplay(ctx context.Context, tenantID, deliveryID string) (Record, error) {
	rec, err := scanRecord(p.pool.QueryRow(ctx, `
		UPDATE deliveries
		SET status = 'pending', updated_at = now()
		WHERE tenant_id = $1 AND delivery_id = $2 AND status = 'failed'
		RETURNING `+recordColumns,
		tenantID, deliveryID,
	))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("claim replay: %w", err)
	}
	// Distinguish a missing delivery from one in the wrong state
	current, getErr := p.Get(ctx, tenantID, deliveryID)
	if getErr != nil {
		return Record{}, getErr
	}
	return Record{}, fmt.Errorf("%w: %s is %s", ErrNotReplayable, deliveryID, current.Status)
}
