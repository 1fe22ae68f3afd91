package statemachine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/mmynk/payflow/internal/errors"
	"github.com/mmynk/payflow/internal/models"
	"github.com/mmynk/payflow/internal/storage"
	"github.com/mmynk/payflow/internal/telemetry"
)

type fakeStore struct {
	created   []*models.Payment
	updated   []*models.Payment
	updateErr error
}

func (f *fakeStore) CreatePayment(_ context.Context, p *models.Payment) error {
	f.created = append(f.created, p)
	return nil
}

func (f *fakeStore) UpdatePayment(_ context.Context, p *models.Payment) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updated = append(f.updated, p)
	return nil
}

func newTestMachine(store Persister) (*Machine, *telemetry.Recorder) {
	rec := telemetry.NewRecorder()
	clock := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return New(store, rec, WithClock(clock)), rec
}

func testRequest() models.TransferRequest {
	return models.TransferRequest{
		UserID:            "user-1",
		Amount:            decimal.NewFromInt(100),
		Recipient:         "0xabc",
		SourceLedger:      "ethereum",
		DestinationLedger: "ethereum",
	}
}

// paymentIn builds a payment already sitting in state s.
func paymentIn(s models.PaymentState) *models.Payment {
	return &models.Payment{
		ID:    "pay-" + string(s),
		State: s,
		StateHistory: []models.HistoryEntry{
			{State: s, Timestamp: time.Unix(0, 0)},
		},
	}
}

func TestCreate(t *testing.T) {
	store := &fakeStore{}
	m, rec := newTestMachine(store)

	p, err := m.Create(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if p.ID == "" {
		t.Error("expected payment ID to be generated")
	}
	if p.State != models.StateInitiated {
		t.Errorf("state = %s, want initiated", p.State)
	}
	if len(p.StateHistory) != 1 || p.StateHistory[0].State != models.StateInitiated {
		t.Errorf("unexpected history: %+v", p.StateHistory)
	}
	if p.Version != 1 {
		t.Errorf("version = %d, want 1", p.Version)
	}
	if len(store.created) != 1 {
		t.Errorf("expected payment to be persisted once, got %d", len(store.created))
	}
	if got := rec.Counter("events." + EventPaymentCreated); got != 1 {
		t.Errorf("payment_created events = %d, want 1", got)
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	m, _ := newTestMachine(nil)

	tests := []struct {
		name   string
		mutate func(*models.TransferRequest)
	}{
		{"zero amount", func(r *models.TransferRequest) { r.Amount = decimal.Zero }},
		{"negative amount", func(r *models.TransferRequest) { r.Amount = decimal.NewFromInt(-5) }},
		{"missing recipient", func(r *models.TransferRequest) { r.Recipient = "  " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testRequest()
			tt.mutate(&req)
			_, err := m.Create(context.Background(), req)
			if apperrors.CodeOf(err) != apperrors.CodeValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestTransitionCompleteness(t *testing.T) {
	m, _ := newTestMachine(nil)
	ctx := context.Background()

	for _, from := range models.AllStates {
		for _, to := range models.AllStates {
			p := paymentIn(from)
			next, err := m.Transition(ctx, p, to, nil)

			if CanTransition(from, to) {
				if err != nil {
					t.Errorf("%s -> %s: unexpected error %v", from, to, err)
					continue
				}
				if next.State != to || len(next.StateHistory) != 2 {
					t.Errorf("%s -> %s: got state %s with %d history entries", from, to, next.State, len(next.StateHistory))
				}
			} else {
				if apperrors.CodeOf(err) != apperrors.CodeInvalidTransition {
					t.Errorf("%s -> %s: expected invalid_transition, got %v", from, to, err)
				}
				if next != nil {
					t.Errorf("%s -> %s: expected no payment on failure", from, to)
				}
			}

			if p.State != from || len(p.StateHistory) != 1 {
				t.Errorf("%s -> %s: input payment was modified", from, to)
			}
		}
	}
}

func TestInvalidTransitionCarriesFromAndTo(t *testing.T) {
	m, rec := newTestMachine(nil)

	_, err := m.Transition(context.Background(), paymentIn(models.StateInitiated), models.StateCompleted, nil)

	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *apperrors.Error, got %T", err)
	}
	if appErr.Metadata["from"] != "initiated" || appErr.Metadata["to"] != "completed" {
		t.Errorf("unexpected metadata: %v", appErr.Metadata)
	}
	if got := rec.Counter("errors." + ErrorInvalidTransition); got != 1 {
		t.Errorf("invalid_transition errors = %d, want 1", got)
	}
}

func TestTerminalImmutability(t *testing.T) {
	m, _ := newTestMachine(nil)
	ctx := context.Background()

	for _, terminal := range []models.PaymentState{models.StateCompleted, models.StateFailed, models.StateCancelled} {
		p := paymentIn(terminal)
		if !IsTerminal(p) {
			t.Errorf("%s: expected terminal", terminal)
		}
		for _, to := range models.AllStates {
			if _, err := m.Transition(ctx, p, to, nil); apperrors.CodeOf(err) != apperrors.CodeInvalidTransition {
				t.Errorf("%s -> %s: expected invalid_transition, got %v", terminal, to, err)
			}
		}
		if _, err := m.RecordRetry(ctx, p, nil); apperrors.CodeOf(err) != apperrors.CodeInvalidTransition {
			t.Errorf("%s: expected RecordRetry to refuse terminal payment, got %v", terminal, err)
		}
	}
}

func TestHappyPathHistory(t *testing.T) {
	store := &fakeStore{}
	m, _ := newTestMachine(store)
	ctx := context.Background()

	p, err := m.Create(ctx, testRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, s := range []models.PaymentState{models.StateValidating, models.StateProcessing, models.StateCompleted} {
		p, err = m.Transition(ctx, p, s, map[string]any{"step": string(s)})
		if err != nil {
			t.Fatalf("Transition to %s: %v", s, err)
		}
	}

	want := []models.PaymentState{models.StateInitiated, models.StateValidating, models.StateProcessing, models.StateCompleted}
	if len(p.StateHistory) != len(want) {
		t.Fatalf("history length = %d, want %d", len(p.StateHistory), len(want))
	}
	for i, s := range want {
		if p.StateHistory[i].State != s {
			t.Errorf("history[%d] = %s, want %s", i, p.StateHistory[i].State, s)
		}
	}
	if p.StateHistory[3].Metadata["step"] != "completed" {
		t.Errorf("expected metadata on last entry, got %v", p.StateHistory[3].Metadata)
	}
	if len(store.updated) != 3 {
		t.Errorf("expected 3 persisted updates, got %d", len(store.updated))
	}
	for i, u := range store.updated {
		if u.Version != i+2 {
			t.Errorf("update %d carried version %d, want %d", i, u.Version, i+2)
		}
	}
}

func TestTransitionConflict(t *testing.T) {
	store := &fakeStore{updateErr: fmt.Errorf("payment pay-1 at version 3, update from 1: %w", storage.ErrConflict)}
	m, _ := newTestMachine(store)

	p := paymentIn(models.StateProcessing)
	p.Version = 2
	_, err := m.Transition(context.Background(), p, models.StatePending, nil)
	if apperrors.CodeOf(err) != apperrors.CodeInvalidTransition {
		t.Fatalf("expected invalid_transition, got %v", err)
	}
	if !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict in chain, got %v", err)
	}
}

func TestTransitionPersistenceFailure(t *testing.T) {
	store := &fakeStore{updateErr: errors.New("database is locked")}
	m, _ := newTestMachine(store)

	p := paymentIn(models.StateInitiated)
	_, err := m.Transition(context.Background(), p, models.StateValidating, nil)
	if apperrors.CodeOf(err) != apperrors.CodeStoreUnavailable {
		t.Fatalf("expected store_unavailable, got %v", err)
	}
	if p.State != models.StateInitiated {
		t.Errorf("payment mutated on persistence failure: %s", p.State)
	}
}

func TestRecordRetry(t *testing.T) {
	m, _ := newTestMachine(nil)
	p := paymentIn(models.StateProcessing)

	next, err := m.RecordRetry(context.Background(), p, errors.New("timeout"))
	if err != nil {
		t.Fatalf("RecordRetry: %v", err)
	}
	if next.RetryCount != 1 || p.RetryCount != 0 {
		t.Errorf("retry counts: next=%d original=%d", next.RetryCount, p.RetryCount)
	}
	if next.Version != p.Version+1 {
		t.Errorf("version = %d, want %d", next.Version, p.Version+1)
	}
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		state                      models.PaymentState
		terminal, inProgress, user bool
	}{
		{models.StateInitiated, false, false, false},
		{models.StateValidating, false, true, false},
		{models.StateProcessing, false, true, false},
		{models.StatePending, false, true, false},
		{models.StateSettling, false, true, false},
		{models.StateSettled, false, true, false},
		{models.StateRequiresAction, false, false, true},
		{models.StateCompleted, true, false, false},
		{models.StateFailed, true, false, false},
		{models.StateCancelled, true, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			p := paymentIn(tt.state)
			if IsTerminal(p) != tt.terminal {
				t.Errorf("IsTerminal = %v", IsTerminal(p))
			}
			if IsInProgress(p) != tt.inProgress {
				t.Errorf("IsInProgress = %v", IsInProgress(p))
			}
			if RequiresAction(p) != tt.user {
				t.Errorf("RequiresAction = %v", RequiresAction(p))
			}
			if !Known(tt.state) {
				t.Errorf("state missing from transition table")
			}
		})
	}
}
