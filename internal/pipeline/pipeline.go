// Package pipeline is the single entry point for moving money: it creates
// a payment, screens it through the compliance gate, executes the transfer
// with retries, and reports the outcome.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/mmynk/payflow/internal/compliance"
	apperrors "github.com/mmynk/payflow/internal/errors"
	"github.com/mmynk/payflow/internal/models"
	"github.com/mmynk/payflow/internal/retry"
	"github.com/mmynk/payflow/internal/statemachine"
	"github.com/mmynk/payflow/internal/storage"
	"github.com/mmynk/payflow/internal/telemetry"
	"github.com/mmynk/payflow/internal/transfer"
)

// Event and error types emitted by the pipeline.
const (
	OperationSubmit = "payment_submit"

	EventSubmitRejected  = "payment_submit_rejected"
	EventPaymentBlocked  = "payment_blocked"
	EventPaymentReplayed = "payment_replayed"
	EventCancelQueued    = "payment_cancel_queued"
	EventCancelDropped   = "payment_cancel_dropped"
	ErrorComplianceCheck = "compliance_check_failed"
	ErrorProcessing      = "payment_processing_failed"
)

// Store is the persistence the pipeline needs. Nil keeps payments in
// memory only.
type Store interface {
	statemachine.Persister
	GetPayment(ctx context.Context, paymentID string) (*models.Payment, error)
	FindPaymentByIdempotencyKey(ctx context.Context, userID, key string) (*models.Payment, error)
}

// Gate decides whether a transfer may proceed past validation.
type Gate interface {
	Evaluate(ctx context.Context, userID, recipient string, amount decimal.Decimal) (compliance.Decision, error)
}

// Pipeline drives payments through their lifecycle. It is safe for
// concurrent use; each Submit owns its payment until it returns.
type Pipeline struct {
	store     Store
	gate      Gate
	transfers transfer.Client
	recorder  *telemetry.Recorder
	machine   *statemachine.Machine
	orch      *retry.Orchestrator
	retryOpts retry.Options
	ledgers   map[string]bool
	logger    *slog.Logger

	machineOpts []statemachine.Option
	orchOpts    []retry.Option

	mu       sync.RWMutex
	payments map[string]*models.Payment
	keys     map[string]string
	inFlight map[string]bool
	cancels  map[string]string
	locks    map[string]*paymentLock

	submits singleflight.Group
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRetryOptions overrides the transfer retry policy.
func WithRetryOptions(opts retry.Options) Option {
	return func(p *Pipeline) { p.retryOpts = opts }
}

// WithSupportedLedgers restricts the ledgers payments may move between.
// Without it any non-empty ledger name is accepted.
func WithSupportedLedgers(ledgers ...string) Option {
	return func(p *Pipeline) {
		for _, l := range ledgers {
			if l = normalizeLedger(l); l != "" {
				p.ledgers[l] = true
			}
		}
	}
}

// WithLogger overrides the logger (default slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithMachineOptions passes options to the payment state machine.
func WithMachineOptions(opts ...statemachine.Option) Option {
	return func(p *Pipeline) { p.machineOpts = append(p.machineOpts, opts...) }
}

// WithOrchestratorOptions passes options to the retry orchestrator.
func WithOrchestratorOptions(opts ...retry.Option) Option {
	return func(p *Pipeline) { p.orchOpts = append(p.orchOpts, opts...) }
}

// New creates a Pipeline. store may be nil; recorder nil creates a fresh
// Recorder.
func New(store Store, gate Gate, transfers transfer.Client, recorder *telemetry.Recorder, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     store,
		gate:      gate,
		transfers: transfers,
		recorder:  recorder,
		retryOpts: retry.DefaultOptions(),
		ledgers:   make(map[string]bool),
		logger:    slog.Default(),
		payments:  make(map[string]*models.Payment),
		keys:      make(map[string]string),
		inFlight:  make(map[string]bool),
		cancels:   make(map[string]string),
		locks:     make(map[string]*paymentLock),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.recorder == nil {
		p.recorder = telemetry.NewRecorder()
	}

	var persister statemachine.Persister
	if store != nil {
		persister = store
	}
	p.machine = statemachine.New(persister, p.recorder, p.machineOpts...)
	p.orch = retry.New(p.machine, p.recorder, p.orchOpts...)
	return p
}

// Recorder returns the pipeline's recorder.
func (p *Pipeline) Recorder() *telemetry.Recorder {
	return p.recorder
}

// GetStatus returns the latest snapshot of a payment for polling.
func (p *Pipeline) GetStatus(ctx context.Context, paymentID string) (*models.PaymentSnapshot, error) {
	payment, err := p.latest(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return payment.Snapshot(), nil
}

// GetPayment returns the latest full payment.
func (p *Pipeline) GetPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	payment, err := p.latest(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return payment.Clone(), nil
}

// latest returns the newest snapshot from the registry, falling back to the
// store for payments this process has not seen.
func (p *Pipeline) latest(ctx context.Context, paymentID string) (*models.Payment, error) {
	p.mu.RLock()
	payment, ok := p.payments[paymentID]
	p.mu.RUnlock()
	if ok {
		return payment, nil
	}

	if p.store != nil {
		stored, err := p.store.GetPayment(ctx, paymentID)
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.StoreUnavailable("get payment", err)
		}
	}
	return nil, apperrors.WithMetadata(apperrors.CodeNotFound, "payment not found",
		map[string]string{"payment_id": paymentID})
}

// register replaces the registry entry with a newer snapshot.
func (p *Pipeline) register(payment *models.Payment) {
	if payment == nil {
		return
	}
	p.mu.Lock()
	if existing, ok := p.payments[payment.ID]; ok && existing.Version > payment.Version {
		p.mu.Unlock()
		return
	}
	p.payments[payment.ID] = payment
	if payment.IdempotencyKey != "" {
		p.keys[idempotencyKey(payment.UserID, payment.IdempotencyKey)] = payment.ID
	}
	p.mu.Unlock()
}

// transition applies a state change and publishes the new snapshot.
func (p *Pipeline) transition(ctx context.Context, payment *models.Payment, target models.PaymentState, metadata map[string]any) (*models.Payment, error) {
	next, err := p.machine.Transition(ctx, payment, target, metadata)
	if err != nil {
		return payment, err
	}
	p.register(next)
	return next, nil
}

// paymentLock is a per-payment mutex. refs counts holders and waiters so
// the entry can be dropped once nobody needs it.
type paymentLock struct {
	mu   sync.Mutex
	refs int
}

// lockPayment serializes out-of-band changes (cancel, settlement) to one
// payment.
func (p *Pipeline) lockPayment(paymentID string) func() {
	p.mu.Lock()
	l, ok := p.locks[paymentID]
	if !ok {
		l = &paymentLock{}
		p.locks[paymentID] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, paymentID)
		}
		p.mu.Unlock()
	}
}

func normalizeLedger(ledger string) string {
	return strings.ToLower(strings.TrimSpace(ledger))
}

func idempotencyKey(userID, key string) string {
	return userID + "\x00" + key
}
