package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations are applied in order inside one transaction each.
var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS payments (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    amount NUMERIC(38, 8) NOT NULL CHECK (amount > 0),
    recipient TEXT NOT NULL,
    source_ledger TEXT NOT NULL,
    destination_ledger TEXT NOT NULL,
    note TEXT NOT NULL DEFAULT '',
    idempotency_key TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    metadata JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS payment_history (
    payment_id TEXT NOT NULL REFERENCES payments(id) ON DELETE CASCADE,
    seq INTEGER NOT NULL,
    state TEXT NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL,
    metadata JSONB NOT NULL DEFAULT '{}',
    PRIMARY KEY (payment_id, seq)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_idempotency
    ON payments(user_id, idempotency_key) WHERE idempotency_key <> '';
CREATE INDEX IF NOT EXISTS idx_payments_user_id ON payments(user_id);
`,
	`
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    kyc_status TEXT NOT NULL DEFAULT 'unverified',
    kyb_status TEXT NOT NULL DEFAULT 'unverified',
    sanctions_status TEXT NOT NULL DEFAULT 'unknown',
    last_screened_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS screenings (
    id TEXT PRIMARY KEY,
    entity_identifier TEXT NOT NULL,
    screening_type TEXT NOT NULL,
    result TEXT NOT NULL,
    matched_entry TEXT,
    match_kind TEXT,
    confidence DOUBLE PRECISION,
    risk_score DOUBLE PRECISION NOT NULL,
    user_id TEXT NOT NULL DEFAULT '',
    screened_at TIMESTAMPTZ NOT NULL,
    seq BIGSERIAL
);

CREATE INDEX IF NOT EXISTS idx_screenings_user_id ON screenings(user_id);
`,
	`
CREATE TABLE IF NOT EXISTS audit_entries (
    seq BIGSERIAL PRIMARY KEY,
    id TEXT NOT NULL UNIQUE,
    kind TEXT NOT NULL,
    type TEXT NOT NULL,
    entity_id TEXT NOT NULL DEFAULT '',
    user_id TEXT NOT NULL DEFAULT '',
    data JSONB NOT NULL DEFAULT '{}',
    error TEXT NOT NULL DEFAULT '',
    recorded_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_entries_entity_id ON audit_entries(entity_id);
`,
	`ALTER TABLE payments ADD COLUMN IF NOT EXISTS version INTEGER NOT NULL DEFAULT 1;`,
}

// runMigrations applies every migration not yet recorded in schema_migrations.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, migrations[i]); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
	}
	return nil
}
