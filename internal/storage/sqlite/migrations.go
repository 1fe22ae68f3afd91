package sqlite

import (
	"database/sql"
	"fmt"
)

// migrations are applied in order; each runs once and is recorded in
// schema_migrations. Append new statements, never edit applied ones.
var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS payments (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    recipient TEXT NOT NULL,
    source_ledger TEXT NOT NULL,
    destination_ledger TEXT NOT NULL,
    note TEXT NOT NULL DEFAULT '',
    idempotency_key TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS payment_history (
    payment_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    state TEXT NOT NULL,
    recorded_at INTEGER NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    PRIMARY KEY (payment_id, seq),
    FOREIGN KEY (payment_id) REFERENCES payments(id) ON DELETE CASCADE
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_idempotency
    ON payments(user_id, idempotency_key) WHERE idempotency_key != '';
CREATE INDEX IF NOT EXISTS idx_payments_user_id ON payments(user_id);
`,
	`
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    kyc_status TEXT NOT NULL DEFAULT 'unverified',
    kyb_status TEXT NOT NULL DEFAULT 'unverified',
    sanctions_status TEXT NOT NULL DEFAULT 'unknown',
    last_screened_at INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS screenings (
    id TEXT PRIMARY KEY,
    entity_identifier TEXT NOT NULL,
    screening_type TEXT NOT NULL,
    result TEXT NOT NULL,
    matched_entry TEXT,
    match_kind TEXT,
    confidence REAL,
    risk_score REAL NOT NULL,
    user_id TEXT NOT NULL DEFAULT '',
    screened_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_screenings_user_id ON screenings(user_id);
`,
	`
CREATE TABLE IF NOT EXISTS audit_entries (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    kind TEXT NOT NULL,
    type TEXT NOT NULL,
    entity_id TEXT NOT NULL DEFAULT '',
    user_id TEXT NOT NULL DEFAULT '',
    data TEXT NOT NULL DEFAULT '{}',
    error TEXT NOT NULL DEFAULT '',
    recorded_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_entries_entity_id ON audit_entries(entity_id);
`,
	`ALTER TABLE payments ADD COLUMN version INTEGER NOT NULL DEFAULT 1;`,
}

// runMigrations applies every migration not yet recorded.
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, i+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", i+1, err)
		}
	}
	return nil
}
