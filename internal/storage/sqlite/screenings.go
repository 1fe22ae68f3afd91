package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mmynk/payflow/internal/models"
)

// RecordScreening persists a screening result.
func (s *SQLiteStore) RecordScreening(ctx context.Context, r *models.ScreeningResult) error {
	var matched, kind sql.NullString
	var confidence sql.NullFloat64
	if r.MatchDetails != nil {
		matched = sql.NullString{String: r.MatchDetails.MatchedEntry, Valid: true}
		kind = sql.NullString{String: string(r.MatchDetails.Kind), Valid: true}
		confidence = sql.NullFloat64{Float64: r.MatchDetails.Confidence, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO screenings (id, entity_identifier, screening_type, result, matched_entry,
		     match_kind, confidence, risk_score, user_id, screened_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.EntityIdentifier, string(r.ScreeningType), string(r.Result), matched,
		kind, confidence, r.RiskScore, r.UserID, toUnix(r.ScreenedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert screening: %w", err)
	}
	return nil
}

// ListScreenings returns a user's screenings, oldest first.
func (s *SQLiteStore) ListScreenings(ctx context.Context, userID string) ([]*models.ScreeningResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_identifier, screening_type, result, matched_entry, match_kind,
		     confidence, risk_score, user_id, screened_at
		 FROM screenings WHERE user_id = ? ORDER BY screened_at, rowid`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list screenings: %w", err)
	}
	defer rows.Close()

	var results []*models.ScreeningResult
	for rows.Next() {
		var (
			r                     models.ScreeningResult
			screeningType, result string
			matched, kind         sql.NullString
			confidence            sql.NullFloat64
			screenedAt            int64
		)
		if err := rows.Scan(&r.ID, &r.EntityIdentifier, &screeningType, &result, &matched, &kind,
			&confidence, &r.RiskScore, &r.UserID, &screenedAt); err != nil {
			return nil, fmt.Errorf("failed to scan screening: %w", err)
		}
		r.ScreeningType = models.ScreeningType(screeningType)
		r.Result = models.ScreeningOutcome(result)
		r.ScreenedAt = fromUnix(screenedAt)
		if matched.Valid {
			r.MatchDetails = &models.MatchDetails{
				MatchedEntry: matched.String,
				Kind:         models.MatchKind(kind.String),
				Confidence:   confidence.Float64,
			}
		}
		results = append(results, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate screenings: %w", err)
	}
	return results, nil
}
