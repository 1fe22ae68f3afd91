package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mmynk/payflow/internal/models"
	"github.com/mmynk/payflow/internal/storage"
)

// CreatePayment persists a new payment and its initial history.
func (s *PostgresStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	metadata, err := encodeMap(p.Metadata)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO payments (id, user_id, amount, recipient, source_ledger, destination_ledger,
    note, idempotency_key, state, retry_count, version, metadata, created_at, updated_at)
VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			p.ID, p.UserID, p.Amount.String(), p.Recipient, p.SourceLedger, p.DestinationLedger,
			p.Note, p.IdempotencyKey, string(p.State), p.RetryCount, p.Version, metadata, p.CreatedAt, p.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("payment %s: %w", p.ID, storage.ErrDuplicate)
		}
		if err != nil {
			return fmt.Errorf("postgres: insert payment: %w", err)
		}
		return appendHistory(ctx, tx, p)
	})
}

// UpdatePayment saves the payment's state and appends new history entries.
// The row is only written when it still holds version p.Version-1.
func (s *PostgresStore) UpdatePayment(ctx context.Context, p *models.Payment) error {
	metadata, err := encodeMap(p.Metadata)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE payments SET state = $1, retry_count = $2, version = $3, metadata = $4, updated_at = $5
			 WHERE id = $6 AND version = $7`,
			string(p.State), p.RetryCount, p.Version, metadata, p.UpdatedAt, p.ID, p.Version-1,
		)
		if err != nil {
			return fmt.Errorf("postgres: update payment: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var stored int
			err := tx.QueryRow(ctx, `SELECT version FROM payments WHERE id = $1`, p.ID).Scan(&stored)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("payment %s: %w", p.ID, storage.ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("postgres: read payment version: %w", err)
			}
			return fmt.Errorf("payment %s at version %d, update from %d: %w", p.ID, stored, p.Version-1, storage.ErrConflict)
		}
		return appendHistory(ctx, tx, p)
	})
}

// appendHistory inserts history entries by position, skipping stored ones.
func appendHistory(ctx context.Context, tx pgx.Tx, p *models.Payment) error {
	batch := &pgx.Batch{}
	for i, h := range p.StateHistory {
		metadata, err := encodeMap(h.Metadata)
		if err != nil {
			return err
		}
		batch.Queue(`
INSERT INTO payment_history (payment_id, seq, state, recorded_at, metadata)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (payment_id, seq) DO NOTHING`,
			p.ID, i, string(h.State), h.Timestamp, metadata,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: insert history: %w", err)
	}
	return nil
}

const paymentColumns = `id, user_id, amount::text, recipient, source_ledger, destination_ledger,
    note, idempotency_key, state, retry_count, version, metadata, created_at, updated_at`

// GetPayment retrieves a payment with its full history.
func (s *PostgresStore) GetPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, paymentID)
	return s.loadPayment(ctx, row, paymentID)
}

// FindPaymentByIdempotencyKey returns the payment a user created with key.
func (s *PostgresStore) FindPaymentByIdempotencyKey(ctx context.Context, userID, key string) (*models.Payment, error) {
	if key == "" {
		return nil, storage.ErrNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE user_id = $1 AND idempotency_key = $2`, userID, key)
	return s.loadPayment(ctx, row, key)
}

func (s *PostgresStore) loadPayment(ctx context.Context, row pgx.Row, ref string) (*models.Payment, error) {
	var (
		p             models.Payment
		amount, state string
		meta          []byte
	)
	err := row.Scan(&p.ID, &p.UserID, &amount, &p.Recipient, &p.SourceLedger, &p.DestinationLedger,
		&p.Note, &p.IdempotencyKey, &state, &p.RetryCount, &p.Version, &meta, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", ref, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get payment: %w", err)
	}

	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("postgres: parse amount %q: %w", amount, err)
	}
	if p.Metadata, err = decodeMap(meta); err != nil {
		return nil, err
	}
	p.State = models.PaymentState(state)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()

	rows, err := s.pool.Query(ctx,
		`SELECT state, recorded_at, metadata FROM payment_history WHERE payment_id = $1 ORDER BY seq`, p.ID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get payment history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			h      models.HistoryEntry
			hState string
			hMeta  []byte
		)
		if err := rows.Scan(&hState, &h.Timestamp, &hMeta); err != nil {
			return nil, fmt.Errorf("postgres: scan history entry: %w", err)
		}
		h.State = models.PaymentState(hState)
		h.Timestamp = h.Timestamp.UTC()
		if h.Metadata, err = decodeMap(hMeta); err != nil {
			return nil, err
		}
		p.StateHistory = append(p.StateHistory, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate payment history: %w", err)
	}
	return &p, nil
}
