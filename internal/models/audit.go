package models

import "time"

// AuditKind distinguishes recorded events from recorded errors.
type AuditKind string

const (
	AuditEvent AuditKind = "event"
	AuditError AuditKind = "error"
)

// AuditEntry is one append-only audit log record.
type AuditEntry struct {
	ID   string
	Kind AuditKind

	// Type is the event type (payment_created, ...) or error type.
	Type string

	// EntityID is the payment or screening the entry refers to.
	EntityID string
	UserID   string

	Data map[string]any

	// Error is the error text for AuditError entries.
	Error string

	Timestamp time.Time
}
