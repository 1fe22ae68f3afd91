package models

import "time"

// User is the compliance profile the store keeps for a user.
// Account data (names, credentials) lives outside this service.
type User struct {
	// ID is the external user identifier.
	ID string

	KYCStatus VerificationState
	KYBStatus VerificationState

	// SanctionsStatus is updated by every screening performed on the
	// user's behalf.
	SanctionsStatus SanctionsStatus

	// LastScreenedAt is zero when the user has never been screened.
	LastScreenedAt time.Time

	UpdatedAt time.Time
}

// Verification returns the user's KYC/KYB standing.
func (u *User) Verification() VerificationStatus {
	return VerificationStatus{KYC: u.KYCStatus, KYB: u.KYBStatus}
}
