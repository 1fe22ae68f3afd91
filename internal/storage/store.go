// Package storage provides abstractions for persistent data storage.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/mmynk/payflow/internal/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a unique key (payment id, idempotency
	// key) is already taken.
	ErrDuplicate = errors.New("duplicate")

	// ErrConflict is returned when an update was built from a stale copy.
	ErrConflict = errors.New("conflict")
)

// Store defines the persistence operations the payment core depends on.
// This abstraction allows swapping storage backends (SQLite, PostgreSQL)
// without changing the pipeline or the compliance gate.
type Store interface {
	PaymentStore
	UserStore
	ScreeningStore
	AuditStore

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// PaymentStore persists payments and their state history.
type PaymentStore interface {
	// CreatePayment persists a new payment with its initial history.
	CreatePayment(ctx context.Context, payment *models.Payment) error

	// UpdatePayment saves the payment's current state and appends history
	// entries not stored yet. Stored history is never rewritten.
	// Returns ErrNotFound if the payment does not exist and ErrConflict
	// unless payment.Version is exactly one past the stored version.
	UpdatePayment(ctx context.Context, payment *models.Payment) error

	// GetPayment retrieves a payment with its full history.
	// Returns ErrNotFound if the payment does not exist.
	GetPayment(ctx context.Context, paymentID string) (*models.Payment, error)

	// FindPaymentByIdempotencyKey returns the payment a user created with
	// key. Returns ErrNotFound if there is none.
	FindPaymentByIdempotencyKey(ctx context.Context, userID, key string) (*models.Payment, error)
}

// UserStore persists the compliance profile of users.
type UserStore interface {
	// GetUserVerificationStatus returns the user's KYC/KYB standing.
	// Returns ErrNotFound if the user has no profile yet.
	GetUserVerificationStatus(ctx context.Context, userID string) (models.VerificationStatus, error)

	// SetUserVerificationStatus creates or updates the user's KYC/KYB standing.
	SetUserVerificationStatus(ctx context.Context, userID string, status models.VerificationStatus) error

	// UpdateSanctionsStatus records the outcome of the user's latest screening,
	// creating an unverified profile if needed.
	UpdateSanctionsStatus(ctx context.Context, userID string, status models.SanctionsStatus, screenedAt time.Time) error

	// GetUser returns the full compliance profile.
	// Returns ErrNotFound if the user has no profile yet.
	GetUser(ctx context.Context, userID string) (*models.User, error)
}

// ScreeningStore persists immutable screening results.
type ScreeningStore interface {
	RecordScreening(ctx context.Context, result *models.ScreeningResult) error

	// ListScreenings returns the screenings performed for a user, oldest first.
	ListScreenings(ctx context.Context, userID string) ([]*models.ScreeningResult, error)
}

// AuditStore persists the append-only audit log.
type AuditStore interface {
	RecordAuditEntry(ctx context.Context, entry models.AuditEntry) error

	// ListAuditEntries returns the entries recorded for an entity, oldest first.
	ListAuditEntries(ctx context.Context, entityID string) ([]models.AuditEntry, error)
}
