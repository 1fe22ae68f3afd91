package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mmynk/payflow/internal/models"
	"github.com/mmynk/payflow/internal/storage"
)

// GetUser retrieves a user's compliance profile.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*models.User, error) {
	query := `
		SELECT id, kyc_status, kyb_status, sanctions_status, last_screened_at, updated_at
		FROM users
		WHERE id = ?
	`

	var (
		user                    models.User
		kyc, kyb, sanctions     string
		lastScreened, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.ID,
		&kyc,
		&kyb,
		&sanctions,
		&lastScreened,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	user.KYCStatus = models.VerificationState(kyc)
	user.KYBStatus = models.VerificationState(kyb)
	user.SanctionsStatus = models.SanctionsStatus(sanctions)
	user.LastScreenedAt = fromUnix(lastScreened)
	user.UpdatedAt = fromUnix(updatedAt)
	return &user, nil
}

// GetUserVerificationStatus returns the user's KYC/KYB standing.
func (s *SQLiteStore) GetUserVerificationStatus(ctx context.Context, userID string) (models.VerificationStatus, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return models.VerificationStatus{}, err
	}
	return user.Verification(), nil
}

// SetUserVerificationStatus creates or updates the user's KYC/KYB standing.
func (s *SQLiteStore) SetUserVerificationStatus(ctx context.Context, userID string, status models.VerificationStatus) error {
	query := `
		INSERT INTO users (id, kyc_status, kyb_status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kyc_status = excluded.kyc_status,
			kyb_status = excluded.kyb_status,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		userID,
		string(status.KYC),
		string(status.KYB),
		toUnix(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to set verification status: %w", err)
	}
	return nil
}

// UpdateSanctionsStatus records the user's latest screening outcome.
func (s *SQLiteStore) UpdateSanctionsStatus(ctx context.Context, userID string, status models.SanctionsStatus, screenedAt time.Time) error {
	query := `
		INSERT INTO users (id, sanctions_status, last_screened_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sanctions_status = excluded.sanctions_status,
			last_screened_at = excluded.last_screened_at,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		userID,
		string(status),
		toUnix(screenedAt),
		toUnix(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to update sanctions status: %w", err)
	}
	return nil
}
