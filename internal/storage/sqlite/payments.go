package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmynk/payflow/internal/models"
	"github.com/mmynk/payflow/internal/storage"
)

// CreatePayment persists a new payment and its initial history.
func (s *SQLiteStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	metadata, err := encodeMap(p.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO payments (id, user_id, amount, recipient, source_ledger, destination_ledger,
		     note, idempotency_key, state, retry_count, version, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Amount.String(), p.Recipient, p.SourceLedger, p.DestinationLedger,
		p.Note, p.IdempotencyKey, string(p.State), p.RetryCount, p.Version, metadata,
		toUnix(p.CreatedAt), toUnix(p.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("payment %s: %w", p.ID, storage.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}

	if err := appendHistory(ctx, tx, p); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdatePayment saves the payment's state and appends new history entries.
// The row is only written when it still holds version p.Version-1.
func (s *SQLiteStore) UpdatePayment(ctx context.Context, p *models.Payment) error {
	metadata, err := encodeMap(p.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE payments SET state = ?, retry_count = ?, version = ?, metadata = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(p.State), p.RetryCount, p.Version, metadata, toUnix(p.UpdatedAt),
		p.ID, p.Version-1,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		var stored int
		err := tx.QueryRowContext(ctx, `SELECT version FROM payments WHERE id = ?`, p.ID).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("payment %s: %w", p.ID, storage.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read payment version: %w", err)
		}
		return fmt.Errorf("payment %s at version %d, update from %d: %w", p.ID, stored, p.Version-1, storage.ErrConflict)
	}

	if err := appendHistory(ctx, tx, p); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// appendHistory inserts history entries by position. Entries already
// stored are left untouched.
func appendHistory(ctx context.Context, tx *sql.Tx, p *models.Payment) error {
	for i, h := range p.StateHistory {
		metadata, err := encodeMap(h.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO payment_history (payment_id, seq, state, recorded_at, metadata)
			 VALUES (?, ?, ?, ?, ?)`,
			p.ID, i, string(h.State), toUnix(h.Timestamp), metadata,
		)
		if err != nil {
			return fmt.Errorf("failed to insert history entry: %w", err)
		}
	}
	return nil
}

const paymentColumns = `id, user_id, amount, recipient, source_ledger, destination_ledger,
	note, idempotency_key, state, retry_count, version, metadata, created_at, updated_at`

// GetPayment retrieves a payment with its full history.
func (s *SQLiteStore) GetPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = ?`, paymentID)
	return s.loadPayment(ctx, row, paymentID)
}

// FindPaymentByIdempotencyKey returns the payment a user created with key.
func (s *SQLiteStore) FindPaymentByIdempotencyKey(ctx context.Context, userID, key string) (*models.Payment, error) {
	if key == "" {
		return nil, storage.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE user_id = ? AND idempotency_key = ?`, userID, key)
	return s.loadPayment(ctx, row, key)
}

func (s *SQLiteStore) loadPayment(ctx context.Context, row *sql.Row, ref string) (*models.Payment, error) {
	var (
		p                    models.Payment
		amount, state, meta  string
		createdAt, updatedAt int64
	)
	err := row.Scan(&p.ID, &p.UserID, &amount, &p.Recipient, &p.SourceLedger, &p.DestinationLedger,
		&p.Note, &p.IdempotencyKey, &state, &p.RetryCount, &p.Version, &meta, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", ref, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}

	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("failed to parse amount %q: %w", amount, err)
	}
	if p.Metadata, err = decodeMap(meta); err != nil {
		return nil, err
	}
	p.State = models.PaymentState(state)
	p.CreatedAt = fromUnix(createdAt)
	p.UpdatedAt = fromUnix(updatedAt)

	rows, err := s.db.QueryContext(ctx,
		`SELECT state, recorded_at, metadata FROM payment_history WHERE payment_id = ? ORDER BY seq`,
		p.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get payment history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			h          models.HistoryEntry
			hState     string
			recordedAt int64
			hMeta      string
		)
		if err := rows.Scan(&hState, &recordedAt, &hMeta); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		h.State = models.PaymentState(hState)
		h.Timestamp = fromUnix(recordedAt)
		if h.Metadata, err = decodeMap(hMeta); err != nil {
			return nil, err
		}
		p.StateHistory = append(p.StateHistory, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payment history: %w", err)
	}

	return &p, nil
}
