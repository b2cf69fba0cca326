package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const tenantColumns = `id, slug, repository, webhook_secret, github_token, active`

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func scanTenant(row pgx.Row) (Tenant, error) {
	var t Tenant
	err := row.Scan(&t.ID, &t.Slug, &t.Repository, &t.WebhookSecret, &t.GitHubToken, &t.Active)
	return t, err
}

func (p *Postgres) Get(ctx context.Context, id string) (Tenant, error) {
	t, err := scanTenant(p.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Tenant{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, err
}

func (p *Postgres) BySlug(ctx context.Context, slug string) (Tenant, error) {
	t, err := scanTenant(p.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE slug = $1`, slug))
	if errors.Is(err, pgx.ErrNoRows) {
		return Tenant{}, fmt.Errorf("%w: slug %s", ErrNotFound, slug)
	}
	return t, err
}

// Upsert writes tenants in one batch. File-configured tenants are mirrored
// here so deliveries and tasks keep their foreign keys.
func (p *Postgres) Upsert(ctx context.Context, tenants ...Tenant) error {
	batch := &pgx.Batch{}
	for _, t := range tenants {
		if err := t.validate(); err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO tenants (id, slug, repository, webhook_secret, github_token, active)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				slug = EXCLUDED.slug,
				repository = EXCLUDED.repository,
				webhook_secret = EXCLUDED.webhook_secret,
				github_token = EXCLUDED.github_token,
				active = EXCLUDED.active,
				updated_at = now()`,
			t.ID, t.Slug, t.Repository, t.WebhookSecret, t.GitHubToken, t.Active,
		)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert tenants: %w", err)
	}
	return nil
}

// SetActive flips the active flag; deactivation takes effect on the next
// webhook and the next dispatch of any queued task
func (p *Postgres) SetActive(ctx context.Context, id string, active bool) error {
	tag, err := p.pool.Exec(ctx, `UPDATE tenants SET active = $2, updated_at = now() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
