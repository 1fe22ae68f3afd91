package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmynk/payflow/internal/models"
	"github.com/mmynk/payflow/internal/storage"
)

// GetUser retrieves a user's compliance profile.
func (s *PostgresStore) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var (
		u                   models.User
		kyc, kyb, sanctions string
		lastScreened        *time.Time
	)
	err := s.pool.QueryRow(ctx, `
SELECT id, kyc_status, kyb_status, sanctions_status, last_screened_at, updated_at
FROM users WHERE id = $1`, userID).Scan(&u.ID, &kyc, &kyb, &sanctions, &lastScreened, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get user: %w", err)
	}

	u.KYCStatus = models.VerificationState(kyc)
	u.KYBStatus = models.VerificationState(kyb)
	u.SanctionsStatus = models.SanctionsStatus(sanctions)
	if lastScreened != nil {
		u.LastScreenedAt = lastScreened.UTC()
	}
	u.UpdatedAt = u.UpdatedAt.UTC()
	return &u, nil
}

// GetUserVerificationStatus returns the user's KYC/KYB standing.
func (s *PostgresStore) GetUserVerificationStatus(ctx context.Context, userID string) (models.VerificationStatus, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return models.VerificationStatus{}, err
	}
	return u.Verification(), nil
}

// SetUserVerificationStatus creates or updates the user's KYC/KYB standing.
func (s *PostgresStore) SetUserVerificationStatus(ctx context.Context, userID string, status models.VerificationStatus) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO users (id, kyc_status, kyb_status, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (id) DO UPDATE SET
    kyc_status = EXCLUDED.kyc_status,
    kyb_status = EXCLUDED.kyb_status,
    updated_at = EXCLUDED.updated_at`,
		userID, string(status.KYC), string(status.KYB),
	)
	if err != nil {
		return fmt.Errorf("postgres: set verification status: %w", err)
	}
	return nil
}

// UpdateSanctionsStatus records the user's latest screening outcome.
func (s *PostgresStore) UpdateSanctionsStatus(ctx context.Context, userID string, status models.SanctionsStatus, screenedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO users (id, sanctions_status, last_screened_at, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (id) DO UPDATE SET
    sanctions_status = EXCLUDED.sanctions_status,
    last_screened_at = EXCLUDED.last_screened_at,
    updated_at = EXCLUDED.updated_at`,
		userID, string(status), screenedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update sanctions status: %w", err)
	}
	return nil
}

// RecordScreening persists a screening result.
func (s *PostgresStore) RecordScreening(ctx context.Context, r *models.ScreeningResult) error {
	var (
		matched, kind *string
		confidence    *float64
	)
	if md := r.MatchDetails; md != nil {
		k := string(md.Kind)
		matched, kind, confidence = &md.MatchedEntry, &k, &md.Confidence
	}

	_, err := s.pool.Exec(ctx, `
INSERT INTO screenings (id, entity_identifier, screening_type, result, matched_entry,
    match_kind, confidence, risk_score, user_id, screened_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.EntityIdentifier, string(r.ScreeningType), string(r.Result), matched,
		kind, confidence, r.RiskScore, r.UserID, r.ScreenedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert screening: %w", err)
	}
	return nil
}

// ListScreenings returns a user's screenings, oldest first.
func (s *PostgresStore) ListScreenings(ctx context.Context, userID string) ([]*models.ScreeningResult, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, entity_identifier, screening_type, result, matched_entry, match_kind,
    confidence, risk_score, user_id, screened_at
FROM screenings WHERE user_id = $1 ORDER BY screened_at, seq`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list screenings: %w", err)
	}
	defer rows.Close()

	var results []*models.ScreeningResult
	for rows.Next() {
		var (
			r                     models.ScreeningResult
			screeningType, result string
			matched, kind         *string
			confidence            *float64
		)
		if err := rows.Scan(&r.ID, &r.EntityIdentifier, &screeningType, &result, &matched, &kind,
			&confidence, &r.RiskScore, &r.UserID, &r.ScreenedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan screening: %w", err)
		}
		r.ScreeningType = models.ScreeningType(screeningType)
		r.Result = models.ScreeningOutcome(result)
		r.ScreenedAt = r.ScreenedAt.UTC()
		if matched != nil {
			r.MatchDetails = &models.MatchDetails{MatchedEntry: *matched}
			if kind != nil {
				r.MatchDetails.Kind = models.MatchKind(*kind)
			}
			if confidence != nil {
				r.MatchDetails.Confidence = *confidence
			}
		}
		results = append(results, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate screenings: %w", err)
	}
	return results, nil
}
