// Package models defines the core domain models for payflow.
//
// # Payments
//
// A Payment is the unit of work moved through the orchestration core:
//   - Payment: a monetary transfer and its lifecycle state
//   - HistoryEntry: one append-only record of a state the payment entered
//   - PaymentSnapshot: the read model returned to status pollers
//
// Payments are treated as immutable snapshots. Every state change produces a
// new value (see Payment.Clone); nothing rewrites StateHistory in place.
//
// # Compliance
//
//   - ScreeningResult: outcome of a single sanctions screening
//   - VerificationRequirement: outcome of the KYC/KYB threshold policy
//   - User: the compliance profile the store keeps per user
//
// # Audit
//
// AuditEntry is the persisted form of every event and error the telemetry
// recorder observes.
//
// # Design Principles
//
// 1. **Immutable history**: state history is only ever appended to
// 2. **Decimal money**: amounts use shopspring/decimal, never float64
// 3. **IDs over pointers**: relationships use ID strings (user, payment)
package models
