package postgres

import (
	"context"
	"fmt"

	"github.com/mmynk/payflow/internal/models"
)

// RecordAuditEntry appends an entry to the audit log.
func (s *PostgresStore) RecordAuditEntry(ctx context.Context, entry models.AuditEntry) error {
	data, err := encodeMap(entry.Data)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO audit_entries (id, kind, type, entity_id, user_id, data, error, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, string(entry.Kind), entry.Type, entry.EntityID, entry.UserID, data, entry.Error, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries returns the entries recorded for an entity in append order.
func (s *PostgresStore) ListAuditEntries(ctx context.Context, entityID string) ([]models.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, kind, type, entity_id, user_id, data, error, recorded_at
FROM audit_entries WHERE entity_id = $1 ORDER BY seq`, entityID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var (
			e    models.AuditEntry
			kind string
			data []byte
		)
		if err := rows.Scan(&e.ID, &kind, &e.Type, &e.EntityID, &e.UserID, &data, &e.Error, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		e.Kind = models.AuditKind(kind)
		e.Timestamp = e.Timestamp.UTC()
		if e.Data, err = decodeMap(data); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate audit entries: %w", err)
	}
	return entries, nil
}
