package models

import "time"

// ScreeningType identifies what kind of entity was screened.
type ScreeningType string

const (
	ScreeningAddress ScreeningType = "address"
	ScreeningName    ScreeningType = "name"
	ScreeningEmail   ScreeningType = "email"
)

// ScreeningOutcome is the verdict of a screening.
type ScreeningOutcome string

const (
	ScreeningCleared ScreeningOutcome = "cleared"
	ScreeningFlagged ScreeningOutcome = "flagged"
)

// MatchKind describes how a screened value matched a reference entry.
type MatchKind string

const (
	MatchExact   MatchKind = "exact"
	MatchPartial MatchKind = "partial"
)

// MatchDetails describes the reference entry a screening matched.
type MatchDetails struct {
	// MatchedEntry is the reference list entry that matched.
	MatchedEntry string
	Kind         MatchKind
	// Confidence is in [0,1]; 1.0 for exact matches.
	Confidence float64
}

// ScreeningResult is the immutable outcome of one compliance check.
type ScreeningResult struct {
	// ID is the unique identifier for the screening (UUID format).
	ID string

	// EntityIdentifier is the screened address, name, or email as supplied.
	EntityIdentifier string

	ScreeningType ScreeningType
	Result        ScreeningOutcome

	// MatchDetails is nil when the entity was cleared.
	MatchDetails *MatchDetails

	// RiskScore is in [0,1]; 0 when cleared.
	RiskScore float64

	// UserID is set when the screening was performed on behalf of a user.
	UserID string

	ScreenedAt time.Time
}

// Flagged reports whether the screening matched a reference entry.
func (r *ScreeningResult) Flagged() bool {
	return r != nil && r.Result == ScreeningFlagged
}

// VerificationState is the status of a KYC or KYB verification.
type VerificationState string

const (
	VerificationUnverified VerificationState = "unverified"
	VerificationPending    VerificationState = "pending"
	VerificationVerified   VerificationState = "verified"
	VerificationRejected   VerificationState = "rejected"
)

// SanctionsStatus is a user's last-known sanctions screening verdict.
type SanctionsStatus string

const (
	SanctionsUnknown SanctionsStatus = "unknown"
	SanctionsCleared SanctionsStatus = "cleared"
	SanctionsFlagged SanctionsStatus = "flagged"
)

// VerificationStatus is a user's current verification standing.
type VerificationStatus struct {
	KYC VerificationState
	KYB VerificationState
}

// VerificationRequirement is the outcome of the threshold policy for one
// transaction amount. It is derived on demand, never persisted on its own.
type VerificationRequirement struct {
	KYCRequired bool
	KYBRequired bool

	// Reason names the threshold that triggered; empty when nothing is required.
	Reason string
}

// Required reports whether any verification is outstanding.
func (v VerificationRequirement) Required() bool {
	return v.KYCRequired || v.KYBRequired
}
