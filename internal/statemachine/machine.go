package statemachine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/mmynk/payflow/internal/errors"
	"github.com/mmynk/payflow/internal/models"
	"github.com/mmynk/payflow/internal/storage"
	"github.com/mmynk/payflow/internal/telemetry"
)

// Event types emitted by the machine.
const (
	EventPaymentCreated      = "payment_created"
	EventPaymentStateChanged = "payment_state_changed"
	EventPaymentRetried      = "payment_retry_recorded"
	ErrorInvalidTransition   = "invalid_transition"
	ErrorPersistence         = "payment_persistence_failed"
)

// Persister stores payments and their history. UpdatePayment must append
// history entries it has not seen yet and never rewrite stored ones.
type Persister interface {
	CreatePayment(ctx context.Context, payment *models.Payment) error
	UpdatePayment(ctx context.Context, payment *models.Payment) error
}

// Recorder receives the machine's audit events.
type Recorder interface {
	LogEvent(ctx context.Context, evt telemetry.Event)
	LogError(ctx context.Context, evt telemetry.ErrorEvent)
}

// Machine creates payments and applies validated transitions.
//
// Payments are treated as immutable snapshots: Transition never modifies
// its argument and returns a new value on success, so a caller holding the
// previous snapshot (a status poller) never observes a half-applied change.
type Machine struct {
	store    Persister
	recorder Recorder
	now      func() time.Time
	newID    func() string
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithIDGenerator overrides payment id generation.
func WithIDGenerator(newID func() string) Option {
	return func(m *Machine) { m.newID = newID }
}

// New creates a Machine. store may be nil for in-memory use.
func New(store Persister, recorder Recorder, opts ...Option) *Machine {
	m := &Machine{
		store:    store,
		recorder: recorder,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.recorder == nil {
		m.recorder = telemetry.NewRecorder()
	}
	return m
}

// Create constructs a payment in the initiated state and persists it.
// Callers validate the request first; Create only guards the invariants it
// cannot live without.
func (m *Machine) Create(ctx context.Context, req models.TransferRequest) (*models.Payment, error) {
	if !req.Amount.IsPositive() {
		return nil, apperrors.New(apperrors.CodeValidation, "amount must be positive")
	}
	if strings.TrimSpace(req.Recipient) == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "recipient is required")
	}

	now := m.now().UTC()
	metadata := make(map[string]any, len(req.Metadata))
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	payment := &models.Payment{
		ID:                m.newID(),
		UserID:            req.UserID,
		Amount:            req.Amount,
		Recipient:         req.Recipient,
		SourceLedger:      req.SourceLedger,
		DestinationLedger: req.DestinationLedger,
		Note:              req.Note,
		IdempotencyKey:    req.IdempotencyKey,
		State:             models.StateInitiated,
		StateHistory: []models.HistoryEntry{{
			State:     models.StateInitiated,
			Timestamp: now,
		}},
		Metadata:  metadata,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if m.store != nil {
		if err := m.store.CreatePayment(ctx, payment); err != nil {
			m.recorder.LogError(ctx, telemetry.ErrorEvent{
				Type:     ErrorPersistence,
				EntityID: payment.ID,
				UserID:   payment.UserID,
				Err:      err,
				Data:     map[string]any{"operation": "create"},
			})
			return nil, apperrors.StoreUnavailable("create payment", err)
		}
	}

	m.recorder.LogEvent(ctx, telemetry.Event{
		Type:     EventPaymentCreated,
		EntityID: payment.ID,
		UserID:   payment.UserID,
		Data: map[string]any{
			"amount":             payment.Amount.String(),
			"recipient":          payment.Recipient,
			"source_ledger":      payment.SourceLedger,
			"destination_ledger": payment.DestinationLedger,
		},
	})

	return payment, nil
}

// Transition moves p to target, appending a history entry with metadata.
// An illegal transition returns an invalid_transition error carrying
// {from, to}; p is never modified.
func (m *Machine) Transition(ctx context.Context, p *models.Payment, target models.PaymentState, metadata map[string]any) (*models.Payment, error) {
	if !CanTransition(p.State, target) {
		err := apperrors.WithMetadata(
			apperrors.CodeInvalidTransition,
			fmt.Sprintf("payment state transition not allowed: %s -> %s", p.State, target),
			map[string]string{
				"payment_id": p.ID,
				"from":       string(p.State),
				"to":         string(target),
			},
		)
		m.recorder.LogError(ctx, telemetry.ErrorEvent{
			Type:     ErrorInvalidTransition,
			EntityID: p.ID,
			UserID:   p.UserID,
			Err:      err,
			Data:     map[string]any{"from": string(p.State), "to": string(target)},
		})
		return nil, err
	}

	now := m.now().UTC()
	next := p.Clone()
	next.State = target
	next.Version++
	next.UpdatedAt = now
	next.StateHistory = append(next.StateHistory, models.HistoryEntry{
		State:     target,
		Timestamp: now,
		Metadata:  metadata,
	})

	if err := m.persist(ctx, next, "transition"); err != nil {
		return nil, err
	}

	data := map[string]any{"from": string(p.State), "to": string(target)}
	for k, v := range metadata {
		if _, reserved := data[k]; !reserved {
			data[k] = v
		}
	}
	m.recorder.LogEvent(ctx, telemetry.Event{
		Type:     EventPaymentStateChanged,
		EntityID: next.ID,
		UserID:   next.UserID,
		Data:     data,
	})

	return next, nil
}

// RecordRetry returns a copy of p with RetryCount incremented. Terminal
// payments are immutable and return an invalid_transition error.
func (m *Machine) RecordRetry(ctx context.Context, p *models.Payment, cause error) (*models.Payment, error) {
	if IsTerminal(p) {
		return nil, apperrors.WithMetadata(
			apperrors.CodeInvalidTransition,
			fmt.Sprintf("payment %s is terminal (%s)", p.ID, p.State),
			map[string]string{"payment_id": p.ID, "from": string(p.State)},
		)
	}

	next := p.Clone()
	next.RetryCount++
	next.Version++
	next.UpdatedAt = m.now().UTC()

	if err := m.persist(ctx, next, "retry"); err != nil {
		return nil, err
	}

	data := map[string]any{"retry_count": next.RetryCount}
	if cause != nil {
		data["error"] = cause.Error()
	}
	m.recorder.LogEvent(ctx, telemetry.Event{
		Type:     EventPaymentRetried,
		EntityID: next.ID,
		UserID:   next.UserID,
		Data:     data,
	})
	return next, nil
}

func (m *Machine) persist(ctx context.Context, p *models.Payment, operation string) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.UpdatePayment(ctx, p); err != nil {
		m.recorder.LogError(ctx, telemetry.ErrorEvent{
			Type:     ErrorPersistence,
			EntityID: p.ID,
			UserID:   p.UserID,
			Err:      err,
			Data:     map[string]any{"operation": operation, "state": string(p.State)},
		})
		if errors.Is(err, storage.ErrConflict) {
			return apperrors.WrapWithMetadata(apperrors.CodeInvalidTransition,
				"payment was changed concurrently",
				map[string]string{"payment_id": p.ID, "to": string(p.State)}, err)
		}
		return apperrors.StoreUnavailable("update payment", err)
	}
	return nil
}
