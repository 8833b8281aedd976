// Package pgstore persists collected billing reports to PostgreSQL. It is the
// out-of-band delivery path: conversations that carry a billing id have their
// aggregated usage saved here when the conversation terminates, in addition to
// the billingRecords events sent to the client.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/audioknife/audioknife/pkg/billing"
)

// Schema is the SQL DDL for the billing_reports table. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS billing_reports (
    id           BIGSERIAL PRIMARY KEY,
    billing_id   TEXT NOT NULL,
    service      TEXT NOT NULL,
    scope        TEXT NOT NULL DEFAULT '',
    records      JSONB NOT NULL DEFAULT '[]',
    collected_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_billing_reports_billing_id ON billing_reports(billing_id);
CREATE INDEX IF NOT EXISTS idx_billing_reports_collected_at ON billing_reports(collected_at);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// Store writes billing reports to PostgreSQL.
type Store struct {
	db DB
}

// New creates a Store on an existing connection or pool. The caller is
// responsible for calling [Store.Migrate] before saving reports.
func New(db DB) *Store {
	return &Store{db: db}
}

// Connect establishes a connection pool to the database at dsn, verifies it
// with a ping and ensures the schema exists. Close the returned pool when the
// store is no longer needed.
func Connect(ctx context.Context, dsn string) (*Store, *pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("pgstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pgstore: ping: %w", err)
	}

	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool, nil
}

// Migrate executes the [Schema] DDL, creating the billing_reports table and
// indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

// SaveReports inserts one row per report under the billing id. Empty report
// lists are a no-op.
func (s *Store) SaveReports(ctx context.Context, billingID string, reports []billing.Report) error {
	const query = `
		INSERT INTO billing_reports (billing_id, service, scope, records)
		VALUES ($1, $2, $3, $4)`

	for _, report := range reports {
		recordsJSON, err := json.Marshal(report.Records)
		if err != nil {
			return fmt.Errorf("pgstore: marshal records for %q: %w", billingID, err)
		}
		if _, err := s.db.Exec(ctx, query, billingID, report.Service, report.Scope, recordsJSON); err != nil {
			return fmt.Errorf("pgstore: save report for %q: %w", billingID, err)
		}
	}
	return nil
}

// Ping verifies database connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("pgstore: ping: %w", err)
	}
	return nil
}
