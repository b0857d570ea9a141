// Package sqlite makes the in-memory store durable. Every committed tenant
// partition and every tenant directory change is written to one SQLite
// table as a JSON blob, and counters live in their own table so numbering
// survives restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/lims/lims/internal/lims"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/store"
	"github.com/lims/lims/internal/store/memory"
)

const (
	tenantsBucket   = "tenants"
	partitionPrefix = "partition:"
)

// Store is a memory.Store whose state is snapshotted to SQLite.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string
}

// Open loads the state at path, creating the file if needed.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "lims.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serialises writers; SQLite allows only one anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS state (
			bucket  TEXT PRIMARY KEY,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS counters (
			prefix     TEXT NOT NULL,
			tenant_id  TEXT NOT NULL,
			last_value INTEGER NOT NULL,
			PRIMARY KEY (prefix, tenant_id)
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	s := &Store{Store: memory.New(), db: db, path: path}
	if err := s.load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.SetPersister(s)
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tenants []lims.Tenant
	parts := make(map[uuid.UUID]memory.PartitionSnapshot)
	for rows.Next() {
		var (
			bucket  string
			payload []byte
		)
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		switch {
		case bucket == tenantsBucket:
			if err := json.Unmarshal(payload, &tenants); err != nil {
				return fmt.Errorf("decode tenants: %w", err)
			}
		case strings.HasPrefix(bucket, partitionPrefix):
			id, err := uuid.Parse(strings.TrimPrefix(bucket, partitionPrefix))
			if err != nil {
				return fmt.Errorf("bucket %s: %w", bucket, err)
			}
			var snap memory.PartitionSnapshot
			if err := json.Unmarshal(payload, &snap); err != nil {
				return fmt.Errorf("decode %s: %w", bucket, err)
			}
			parts[id] = snap
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	s.Import(tenants, parts)
	return nil
}

func (s *Store) put(ctx context.Context, bucket string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", bucket, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO state(bucket, payload) VALUES(?, ?) ON CONFLICT(bucket) DO UPDATE SET payload = excluded.payload`,
		bucket, data); err != nil {
		return fmt.Errorf("upsert %s: %w", bucket, err)
	}
	return nil
}

// SavePartition implements memory.Persister.
func (s *Store) SavePartition(ctx context.Context, tenantID uuid.UUID, snap memory.PartitionSnapshot) error {
	return s.put(ctx, partitionPrefix+tenantID.String(), snap)
}

// SaveTenants implements memory.Persister.
func (s *Store) SaveTenants(ctx context.Context, tenants []lims.Tenant) error {
	return s.put(ctx, tenantsBucket, tenants)
}

// Counter shadows the in-memory counter with one backed by the counters
// table.
func (s *Store) Counter() store.Counter { return &counter{db: s.db} }

func (s *Store) Close() error { return s.db.Close() }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

type counter struct {
	db *sql.DB
}

func (c *counter) Next(ctx context.Context, key store.CounterKey) (int64, error) {
	if key.Prefix == "" {
		return 0, apperr.Validation("sequence prefix is required")
	}
	tenantID := ""
	if !key.Global() {
		tenantID = key.TenantID.String()
	}
	var next int64
	err := c.db.QueryRowContext(ctx, `
		INSERT INTO counters(prefix, tenant_id, last_value) VALUES(?, ?, 1)
		ON CONFLICT(prefix, tenant_id) DO UPDATE SET last_value = last_value + 1
		RETURNING last_value`, key.Prefix, tenantID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next %s: %w", key.Prefix, err)
	}
	return next, nil
}
