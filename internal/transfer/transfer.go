// Package transfer defines the transfer network client the pipeline
// submits payments to, and an in-process simulated network.
package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmynk/payflow/internal/models"
)

// Client submits a ledger debit/transfer for a payment.
type Client interface {
	ExecuteTransfer(ctx context.Context, p *models.Payment) (*models.TransferReceipt, error)
}

// Error codes reported by the network.
const (
	CodeTimeout            = "timeout"
	CodeRateLimited        = "rate_limited"
	CodeUnavailable        = "network_unavailable"
	CodeInsufficientFunds  = "insufficient_funds"
	CodeInvalidDestination = "invalid_destination"
	CodeUnsupportedLedger  = "unsupported_ledger"
)

// Error is a failure reported by the transfer network. Retryable separates
// transient failures (timeouts, rate limits) from fatal ones (insufficient
// funds, invalid destination).
type Error struct {
	Code      string
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Cause != nil {
		return fmt.Sprintf("transfer %s: %v", msg, e.Cause)
	}
	return "transfer " + msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Temporary reports whether the transfer may succeed if attempted again.
func (e *Error) Temporary() bool {
	return e.Retryable
}

// Transient returns a retryable transfer error.
func Transient(code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: true}
}

// Fatal returns a non-retryable transfer error.
func Fatal(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// IsRetryable reports whether err is a retryable transfer error.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

// CodeOf returns the network code of err, or "" if err is not a transfer error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
