package api

import (
	"time"

	"github.com/shopspring/decimal"
)

// HistoryEntry is one state a payment entered.
type HistoryEntry struct {
	State     string         `json:"state"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Payment is the wire form of a payment snapshot.
type Payment struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	Amount            decimal.Decimal `json:"amount"`
	Recipient         string          `json:"recipient,omitempty"`
	SourceLedger      string          `json:"source_ledger,omitempty"`
	DestinationLedger string          `json:"destination_ledger,omitempty"`
	State             string          `json:"state"`
	History           []HistoryEntry  `json:"history"`
	RetryCount        int             `json:"retry_count"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type SubmitPaymentRequest struct {
	UserID            string          `json:"user_id"`
	Amount            decimal.Decimal `json:"amount"`
	Recipient         string          `json:"recipient"`
	SourceLedger      string          `json:"source_ledger"`
	DestinationLedger string          `json:"destination_ledger"`
	Note              string          `json:"note,omitempty"`
	IdempotencyKey    string          `json:"idempotency_key,omitempty"`
}

type SubmitPaymentResponse struct {
	Success    bool     `json:"success"`
	Blocked    bool     `json:"blocked"`
	Reason     string   `json:"reason,omitempty"`
	Message    string   `json:"message,omitempty"`
	TransferID string   `json:"transfer_id,omitempty"`
	Replayed   bool     `json:"replayed,omitempty"`
	Payment    *Payment `json:"payment"`
}

type GetPaymentStatusRequest struct {
	PaymentID string `json:"payment_id"`
}

type GetPaymentStatusResponse struct {
	Payment *Payment `json:"payment"`
}

type CancelPaymentRequest struct {
	PaymentID string `json:"payment_id"`
	Reason    string `json:"reason,omitempty"`
}

type CancelPaymentResponse struct {
	// Queued is set when the payment was in flight and will be cancelled
	// once the current step resolves, if it still can be.
	Queued  bool     `json:"queued"`
	Payment *Payment `json:"payment"`
}

type AdvanceSettlementRequest struct {
	PaymentID string `json:"payment_id"`

	// SettlementState is one of pending, settling, settled, failed.
	SettlementState string `json:"settlement_state"`
}

type AdvanceSettlementResponse struct {
	Payment *Payment `json:"payment"`
}

// Match describes the reference entry a screening matched.
type Match struct {
	Entry      string  `json:"entry"`
	Kind       string  `json:"kind"`
	Confidence float64 `json:"confidence"`
}

type Screening struct {
	ID               string    `json:"id"`
	EntityIdentifier string    `json:"entity_identifier"`
	Type             string    `json:"type"`
	Result           string    `json:"result"`
	Match            *Match    `json:"match,omitempty"`
	RiskScore        float64   `json:"risk_score"`
	UserID           string    `json:"user_id,omitempty"`
	ScreenedAt       time.Time `json:"screened_at"`
}

type ScreenEntityRequest struct {
	Value string `json:"value"`

	// Type is address, name or email.
	Type   string `json:"type"`
	UserID string `json:"user_id,omitempty"`
}

type ScreenEntityResponse struct {
	Screening *Screening `json:"screening"`
}

type CheckVerificationRequest struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

type CheckVerificationResponse struct {
	KYCRequired bool   `json:"kyc_required"`
	KYBRequired bool   `json:"kyb_required"`
	Reason      string `json:"reason,omitempty"`
}
