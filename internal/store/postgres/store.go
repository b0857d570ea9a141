// Package postgres implements store.Store on PostgreSQL. Every transaction
// sets app.tenant_id so row-level security confines it to one tenant, and
// every statement also filters by tenant_id explicitly.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/lims"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/tenant"
	"github.com/lims/lims/internal/store"
)

// Store implements store.Store.
type Store struct {
	pool     *pgxpool.Pool
	attempts int
	logger   zerolog.Logger
	nowFn    func() time.Time
}

// New wraps pool. attempts bounds how often a transaction is replayed
// after a serialization failure or deadlock.
func New(pool *pgxpool.Pool, attempts int, logger zerolog.Logger) *Store {
	if attempts < 1 {
		attempts = 3
	}
	return &Store{
		pool:     pool,
		attempts: attempts,
		logger:   logger.With().Str("component", "store").Logger(),
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Counter() store.Counter { return &counter{s: s} }

func (s *Store) Tenants() store.TenantDirectory { return &directory{s: s} }

func (s *Store) InTx(ctx context.Context, scope tenant.Scope, fn func(store.Tx) error) error {
	if !scope.Valid() {
		return apperr.Configuration("transaction opened without a tenant scope")
	}
	err := db.WithTx(ctx, s.pool, s.attempts, func(tx pgx.Tx) error {
		if err := db.SetTenant(ctx, tx, scope.TenantID().String()); err != nil {
			return err
		}
		return fn(&txn{tx: tx, scope: scope, nowFn: s.nowFn})
	})
	if err != nil && db.Retryable(err) {
		s.logger.Warn().Err(err).Str("tenant", scope.Code()).Msg("transaction gave up after retries")
		return gaveUp(scope, err)
	}
	return err
}

// gaveUp reports a serialization failure that outlasted the retries. It
// matches both store.ErrConflict and apperr.ErrConcurrencyConflict.
func gaveUp(scope tenant.Scope, err error) error {
	return apperr.Wrap(apperr.KindConcurrencyConflict, fmt.Errorf("%w: %v", store.ErrConflict, err),
		"transaction for tenant %s lost to concurrent writers", scope.Code())
}

// mapErr turns driver errors into the store's sentinel errors.
func mapErr(err error, entity string, id any) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return apperr.NotFound(entity, id)
	case db.UniqueViolation(err):
		return fmt.Errorf("%w: %s %v", store.ErrDuplicate, entity, id)
	default:
		return fmt.Errorf("%s: %w", entity, err)
	}
}

// ---------------------------------------------------------------------------
// Counters
// ---------------------------------------------------------------------------

type counter struct {
	s *Store
}

// errCounterCreated signals that another writer inserted the counter row
// between our read and our insert.
var errCounterCreated = errors.New("counter row created concurrently")

// Next locks the counter row for key with SELECT ... FOR UPDATE, bumps it
// and commits. A missing row is inserted with value 1; losing that insert
// to a concurrent writer replays the locked read. Global keys (NULL
// tenant) take the same path.
func (c *counter) Next(ctx context.Context, key store.CounterKey) (int64, error) {
	if key.Prefix == "" {
		return 0, apperr.Validation("sequence prefix is required")
	}
	var tenantID *uuid.UUID
	if !key.Global() {
		id := key.TenantID
		tenantID = &id
	}
	var next int64
	var err error
	for i := 0; i < c.s.attempts; i++ {
		err = db.WithTx(ctx, c.s.pool, c.s.attempts, func(tx pgx.Tx) error {
			var last int64
			err := tx.QueryRow(ctx, `
				SELECT last_value FROM sequence_counters
				WHERE prefix = $1 AND tenant_id IS NOT DISTINCT FROM $2
				FOR UPDATE`, key.Prefix, tenantID).Scan(&last)
			switch {
			case errors.Is(err, pgx.ErrNoRows):
				_, err = tx.Exec(ctx, `
					INSERT INTO sequence_counters (prefix, tenant_id, last_value)
					VALUES ($1, $2, 1)`, key.Prefix, tenantID)
				if db.UniqueViolation(err) {
					return errCounterCreated
				}
				next = 1
				return err
			case err != nil:
				return err
			}
			next = last + 1
			_, err = tx.Exec(ctx, `
				UPDATE sequence_counters SET last_value = $3, updated_at = now()
				WHERE prefix = $1 AND tenant_id IS NOT DISTINCT FROM $2`, key.Prefix, tenantID, next)
			return err
		})
		if !errors.Is(err, errCounterCreated) {
			break
		}
	}
	if err != nil {
		return 0, fmt.Errorf("next %s: %w", key.Prefix, err)
	}
	return next, nil
}

// ---------------------------------------------------------------------------
// Tenant directory
// ---------------------------------------------------------------------------

type directory struct {
	s *Store
}

const tenantCols = `id, name, code, domain, active, created_at`

func scanTenant(row pgx.Row) (*lims.Tenant, error) {
	var t lims.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Code, &t.Domain, &t.Active, &t.CreatedAt)
	return &t, err
}

func (d *directory) ByCode(ctx context.Context, code string) (*lims.Tenant, error) {
	t, err := scanTenant(d.s.pool.QueryRow(ctx,
		`SELECT `+tenantCols+` FROM tenants WHERE upper(code) = upper($1)`, code))
	if err != nil {
		return nil, mapErr(err, "tenant", code)
	}
	return t, nil
}

func (d *directory) Get(ctx context.Context, id uuid.UUID) (*lims.Tenant, error) {
	t, err := scanTenant(d.s.pool.QueryRow(ctx, `SELECT `+tenantCols+` FROM tenants WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "tenant", id)
	}
	return t, nil
}

func (d *directory) Create(ctx context.Context, admin tenant.Admin, t *lims.Tenant) error {
	if !admin.Valid() {
		return apperr.Configuration("tenant creation requires platform escalation")
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = d.s.nowFn()
	}
	_, err := d.s.pool.Exec(ctx, `
		INSERT INTO tenants (id, name, code, domain, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.Name, t.Code, t.Domain, t.Active, t.CreatedAt)
	return mapErr(err, "tenant code", t.Code)
}

func (d *directory) SetActive(ctx context.Context, admin tenant.Admin, id uuid.UUID, active bool) error {
	if !admin.Valid() {
		return apperr.Configuration("tenant update requires platform escalation")
	}
	tag, err := d.s.pool.Exec(ctx, `UPDATE tenants SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return mapErr(err, "tenant", id)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("tenant", id)
	}
	return nil
}

func (d *directory) List(ctx context.Context, admin tenant.Admin) ([]*lims.Tenant, error) {
	if !admin.Valid() {
		return nil, apperr.Configuration("listing tenants requires platform escalation")
	}
	rows, err := d.s.pool.Query(ctx, `SELECT `+tenantCols+` FROM tenants ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()
	var out []*lims.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
