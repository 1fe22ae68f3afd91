package models

import (
	"maps"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentState is a lifecycle state of a payment.
type PaymentState string

const (
	StateInitiated      PaymentState = "initiated"
	StateValidating     PaymentState = "validating"
	StateProcessing     PaymentState = "processing"
	StatePending        PaymentState = "pending"
	StateSettling       PaymentState = "settling"
	StateSettled        PaymentState = "settled"
	StateCompleted      PaymentState = "completed"
	StateFailed         PaymentState = "failed"
	StateCancelled      PaymentState = "cancelled"
	StateRequiresAction PaymentState = "requires_action"
)

// AllStates lists every payment state in lifecycle order.
var AllStates = []PaymentState{
	StateInitiated,
	StateValidating,
	StateProcessing,
	StatePending,
	StateSettling,
	StateSettled,
	StateCompleted,
	StateFailed,
	StateCancelled,
	StateRequiresAction,
}

func (s PaymentState) String() string {
	return string(s)
}

// SettlementState describes progress of a cross-ledger transfer, distinct
// from the payment's own lifecycle state.
type SettlementState string

const (
	SettlementPending  SettlementState = "pending"
	SettlementSettling SettlementState = "settling"
	SettlementSettled  SettlementState = "settled"
	SettlementFailed   SettlementState = "failed"
)

// MetadataTraceID is the Payment.Metadata key holding the recorder trace id.
const MetadataTraceID = "trace_id"

// HistoryEntry records one state a payment entered.
type HistoryEntry struct {
	State     PaymentState
	Timestamp time.Time
	Metadata  map[string]any
}

// Payment is a monetary transfer driven through the orchestration core.
type Payment struct {
	// ID is the unique identifier for the payment (UUID format), immutable.
	ID string

	// UserID is the user initiating the transfer.
	UserID string

	// Amount is the positive transfer amount.
	Amount decimal.Decimal

	// Recipient is the destination address on DestinationLedger.
	Recipient string

	SourceLedger      string
	DestinationLedger string

	// Note is an optional free-form description.
	Note string

	// IdempotencyKey is the optional client-supplied de-duplication key.
	IdempotencyKey string

	// State is the current lifecycle state.
	State PaymentState

	// StateHistory is the ordered, append-only sequence of states entered.
	StateHistory []HistoryEntry

	// RetryCount is the number of failed execution attempts so far.
	RetryCount int

	// Version counts persisted changes, starting at 1 on creation. A store
	// accepts an update only when it is exactly one past the stored version.
	Version int

	// Metadata carries cross-cutting values (trace id, feature flags).
	Metadata map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a copy that shares no mutable slices or maps with p.
// History entry metadata maps are shared; entries are never mutated after
// they are appended.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	c := *p
	c.StateHistory = slices.Clone(p.StateHistory)
	c.Metadata = maps.Clone(p.Metadata)
	return &c
}

// CrossLedger reports whether the transfer settles asynchronously between
// two different ledgers.
func (p *Payment) CrossLedger() bool {
	return p.SourceLedger != p.DestinationLedger
}

// Snapshot returns the polling view of the payment.
func (p *Payment) Snapshot() *PaymentSnapshot {
	return &PaymentSnapshot{
		ID:           p.ID,
		UserID:       p.UserID,
		Amount:       p.Amount,
		State:        p.State,
		StateHistory: slices.Clone(p.StateHistory),
		RetryCount:   p.RetryCount,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

// PaymentSnapshot is the read model returned to status pollers.
type PaymentSnapshot struct {
	ID           string
	UserID       string
	Amount       decimal.Decimal
	State        PaymentState
	StateHistory []HistoryEntry
	RetryCount   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TransferRequest is the caller's "move money" request.
type TransferRequest struct {
	UserID            string
	Amount            decimal.Decimal
	Recipient         string
	SourceLedger      string
	DestinationLedger string
	Note              string

	// IdempotencyKey, when set, makes repeated submits return the original
	// payment instead of creating a new one.
	IdempotencyKey string

	// Metadata is copied onto the created payment.
	Metadata map[string]any
}

// TransferReceipt is returned by the transfer network for an accepted transfer.
type TransferReceipt struct {
	TransferID      string
	Status          string
	SettlementState SettlementState
}

// PipelineResult reports the outcome of one submission.
type PipelineResult struct {
	Success bool

	// Blocked is set when the compliance gate denied the payment.
	Blocked bool

	// Reason is a machine-readable denial or failure reason
	// (sanctions_screening, kyc_required, kyb_required).
	Reason string

	// Message is the human-readable form of Reason.
	Message string

	Payment    *Payment
	TransferID string

	// Replayed is set when the result was served from an earlier submit
	// with the same idempotency key.
	Replayed bool
}
