package sqlite

import (
	"context"
	"fmt"

	"github.com/mmynk/payflow/internal/models"
)

// RecordAuditEntry appends an entry to the audit log.
func (s *SQLiteStore) RecordAuditEntry(ctx context.Context, entry models.AuditEntry) error {
	data, err := encodeMap(entry.Data)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, kind, type, entity_id, user_id, data, error, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.Kind), entry.Type, entry.EntityID, entry.UserID, data, entry.Error,
		toUnix(entry.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries returns the entries recorded for an entity in append order.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, entityID string) ([]models.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, type, entity_id, user_id, data, error, recorded_at
		 FROM audit_entries WHERE entity_id = ? ORDER BY seq`,
		entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var (
			e          models.AuditEntry
			kind, data string
			recordedAt int64
		)
		if err := rows.Scan(&e.ID, &kind, &e.Type, &e.EntityID, &e.UserID, &data, &e.Error, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Kind = models.AuditKind(kind)
		e.Timestamp = fromUnix(recordedAt)
		if e.Data, err = decodeMap(data); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit entries: %w", err)
	}
	return entries, nil
}
