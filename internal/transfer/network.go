package transfer

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmynk/payflow/internal/models"
)

// Status values in a receipt.
const (
	StatusConfirmed = "confirmed"
	StatusSubmitted = "submitted"
)

// FailureFunc decides whether a call should fail. attempt counts calls
// made for the same payment, starting at zero. Returning nil lets the
// transfer through.
type FailureFunc func(p *models.Payment, attempt int) error

// Network is an in-process transfer network. Same-ledger transfers confirm
// immediately; cross-ledger transfers are accepted with a pending
// settlement state.
type Network struct {
	ledgers []string
	latency time.Duration
	failure FailureFunc

	mu        sync.Mutex
	scripted  []error
	attempts  map[string]int
	transfers map[string]models.TransferReceipt
}

// NetworkOption configures a Network.
type NetworkOption func(*Network)

// WithLedgers restricts the ledgers the network accepts. By default every
// ledger is accepted.
func WithLedgers(ledgers ...string) NetworkOption {
	return func(n *Network) {
		for _, l := range ledgers {
			n.ledgers = append(n.ledgers, strings.ToLower(strings.TrimSpace(l)))
		}
	}
}

// WithLatency delays every call by d.
func WithLatency(d time.Duration) NetworkOption {
	return func(n *Network) { n.latency = d }
}

// WithFailureFunc installs a per-call failure decision.
func WithFailureFunc(f FailureFunc) NetworkOption {
	return func(n *Network) { n.failure = f }
}

// NewNetwork creates a simulated network.
func NewNetwork(opts ...NetworkOption) *Network {
	n := &Network{
		attempts:  make(map[string]int),
		transfers: make(map[string]models.TransferReceipt),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// FailNext queues errors returned by the next calls, one per call, in
// order and regardless of payment.
func (n *Network) FailNext(errs ...error) {
	n.mu.Lock()
	n.scripted = append(n.scripted, errs...)
	n.mu.Unlock()
}

// Attempts returns the number of calls made for a payment.
func (n *Network) Attempts(paymentID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.attempts[paymentID]
}

// Receipt returns the receipt of an accepted transfer.
func (n *Network) Receipt(transferID string) (models.TransferReceipt, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.transfers[transferID]
	return r, ok
}

// ExecuteTransfer implements Client.
func (n *Network) ExecuteTransfer(ctx context.Context, p *models.Payment) (*models.TransferReceipt, error) {
	if n.latency > 0 {
		t := time.NewTimer(n.latency)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, &Error{Code: CodeTimeout, Message: "request cancelled", Retryable: true, Cause: ctx.Err()}
		}
	}

	n.mu.Lock()
	attempt := n.attempts[p.ID]
	n.attempts[p.ID]++
	var scripted error
	if len(n.scripted) > 0 {
		scripted = n.scripted[0]
		n.scripted = n.scripted[1:]
	}
	n.mu.Unlock()

	if scripted != nil {
		return nil, scripted
	}
	if n.failure != nil {
		if err := n.failure(p, attempt); err != nil {
			return nil, err
		}
	}
	for _, ledger := range []string{p.SourceLedger, p.DestinationLedger} {
		if !n.accepts(ledger) {
			return nil, Fatal(CodeUnsupportedLedger, fmt.Sprintf("ledger %q not supported", ledger))
		}
	}
	if strings.TrimSpace(p.Recipient) == "" {
		return nil, Fatal(CodeInvalidDestination, "recipient is empty")
	}

	receipt := models.TransferReceipt{
		TransferID:      uuid.NewString(),
		Status:          StatusConfirmed,
		SettlementState: models.SettlementSettled,
	}
	if p.CrossLedger() {
		receipt.Status = StatusSubmitted
		receipt.SettlementState = models.SettlementPending
	}

	n.mu.Lock()
	n.transfers[receipt.TransferID] = receipt
	n.mu.Unlock()

	return &receipt, nil
}

func (n *Network) accepts(ledger string) bool {
	if len(n.ledgers) == 0 {
		return true
	}
	return slices.Contains(n.ledgers, strings.ToLower(ledger))
}
