package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmynk/payflow/internal/compliance"
	apperrors "github.com/mmynk/payflow/internal/errors"
	"github.com/mmynk/payflow/internal/models"
	"github.com/mmynk/payflow/internal/retry"
	"github.com/mmynk/payflow/internal/storage/sqlite"
	"github.com/mmynk/payflow/internal/telemetry"
	"github.com/mmynk/payflow/internal/transfer"
)

const (
	cleanAddress   = "0xC1EAN0000000000000000000000000000000000"
	flaggedAddress = "0xFLAGGED00000000000000000000000000000001"
)

type fixture struct {
	store    *sqlite.SQLiteStore
	network  *transfer.Network
	recorder *telemetry.Recorder
	pipeline *Pipeline
}

func newFixture(t *testing.T, client transfer.Client) *fixture {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "payflow.db"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:    store,
		network:  transfer.NewNetwork(),
		recorder: telemetry.NewRecorder(telemetry.WithSink(store)),
	}
	if client == nil {
		client = f.network
	}

	refs := compliance.NewReferenceList([]string{flaggedAddress}, []string{"John Doe"}, nil)
	gate := compliance.NewGate(store, refs, f.recorder)
	f.pipeline = New(store, gate, client, f.recorder,
		WithSupportedLedgers("ethereum", "polygon"),
		WithOrchestratorOptions(retry.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() })),
	)

	ctx := context.Background()
	verified := models.VerificationStatus{KYC: models.VerificationVerified, KYB: models.VerificationVerified}
	if err := store.SetUserVerificationStatus(ctx, "verified-user", verified); err != nil {
		t.Fatalf("seed verified user: %v", err)
	}
	unverified := models.VerificationStatus{KYC: models.VerificationUnverified, KYB: models.VerificationUnverified}
	if err := store.SetUserVerificationStatus(ctx, "unverified-user", unverified); err != nil {
		t.Fatalf("seed unverified user: %v", err)
	}
	return f
}

func request(user string, amount int64, recipient, src, dst string) models.TransferRequest {
	return models.TransferRequest{
		UserID:            user,
		Amount:            decimal.NewFromInt(amount),
		Recipient:         recipient,
		SourceLedger:      src,
		DestinationLedger: dst,
	}
}

func states(p *models.Payment) []models.PaymentState {
	out := make([]models.PaymentState, len(p.StateHistory))
	for i, h := range p.StateHistory {
		out[i] = h.State
	}
	return out
}

func assertStates(t *testing.T, p *models.Payment, want ...models.PaymentState) {
	t.Helper()
	got := states(p)
	if len(got) != len(want) {
		t.Fatalf("history = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("history = %v, want %v", got, want)
		}
	}
}

func TestSubmitSameLedgerCompletes(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.pipeline.Submit(context.Background(), request("verified-user", 100, cleanAddress, "ethereum", "ethereum"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !result.Success || result.Blocked || result.TransferID == "" {
		t.Fatalf("unexpected result: %+v", result)
	}
	assertStates(t, result.Payment,
		models.StateInitiated, models.StateValidating, models.StateProcessing, models.StateCompleted)

	stored, err := f.store.GetPayment(context.Background(), result.Payment.ID)
	if err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
	if stored.State != models.StateCompleted || len(stored.StateHistory) != 4 {
		t.Errorf("stored payment: state=%s history=%d", stored.State, len(stored.StateHistory))
	}
	if f.recorder.ActiveTraces() != 0 {
		t.Errorf("trace leaked: %d active", f.recorder.ActiveTraces())
	}
	if got := f.recorder.Counter("traces." + OperationSubmit + ".success"); got != 1 {
		t.Errorf("successful submit traces = %d, want 1", got)
	}
}

func TestSubmitCrossLedgerPending(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.pipeline.Submit(context.Background(), request("verified-user", 100, cleanAddress, "ethereum", "polygon"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !result.Success || result.Payment.State != models.StatePending {
		t.Fatalf("unexpected result: success=%v state=%s", result.Success, result.Payment.State)
	}
	last := result.Payment.StateHistory[len(result.Payment.StateHistory)-1]
	if last.Metadata["settlement_state"] != string(models.SettlementPending) {
		t.Errorf("settlement metadata = %v", last.Metadata)
	}
}

func TestSubmitBlockedByKYC(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.pipeline.Submit(context.Background(), request("unverified-user", 20000, cleanAddress, "ethereum", "ethereum"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !result.Blocked || result.Reason != compliance.ReasonKYCRequired || result.Success {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Payment.State != models.StateFailed {
		t.Errorf("state = %s, want failed", result.Payment.State)
	}
	if result.Message == "" {
		t.Error("expected human-readable reason")
	}
	if got := f.network.Attempts(result.Payment.ID); got != 0 {
		t.Errorf("transfer attempted %d times for a blocked payment", got)
	}
}

func TestSubmitBlockedBySanctions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	result, err := f.pipeline.Submit(ctx, request("verified-user", 50, flaggedAddress, "ethereum", "ethereum"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !result.Blocked || result.Reason != compliance.ReasonSanctions {
		t.Fatalf("unexpected result: %+v", result)
	}
	assertStates(t, result.Payment, models.StateInitiated, models.StateValidating, models.StateFailed)

	screenings, err := f.store.ListScreenings(ctx, "verified-user")
	if err != nil {
		t.Fatalf("ListScreenings: %v", err)
	}
	flagged := 0
	for _, s := range screenings {
		if s.Result == models.ScreeningFlagged {
			flagged++
		}
	}
	if flagged != 1 {
		t.Errorf("flagged screenings = %d, want 1", flagged)
	}

	user, err := f.store.GetUser(ctx, "verified-user")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if user.SanctionsStatus != models.SanctionsFlagged {
		t.Errorf("sanctions status = %s, want flagged", user.SanctionsStatus)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		req  models.TransferRequest
	}{
		{"zero amount", request("verified-user", 0, cleanAddress, "ethereum", "ethereum")},
		{"negative amount", request("verified-user", -10, cleanAddress, "ethereum", "ethereum")},
		{"missing recipient", request("verified-user", 10, " ", "ethereum", "ethereum")},
		{"unsupported ledger", request("verified-user", 10, cleanAddress, "ethereum", "dogecoin")},
		{"missing ledger", request("verified-user", 10, cleanAddress, "", "ethereum")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := f.pipeline.Submit(context.Background(), tt.req)
			if apperrors.CodeOf(err) != apperrors.CodeValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
			if result != nil {
				t.Errorf("expected no result, got %+v", result)
			}
		})
	}
	if got := f.recorder.Counter("events.payment_created"); got != 0 {
		t.Errorf("payments created for invalid requests: %d", got)
	}
}

func TestSubmitRetriesTransientFailures(t *testing.T) {
	f := newFixture(t, nil)
	f.network.FailNext(
		transfer.Transient(transfer.CodeTimeout, "upstream timeout"),
		transfer.Transient(transfer.CodeRateLimited, "slow down"),
	)

	result, err := f.pipeline.Submit(context.Background(), request("verified-user", 100, cleanAddress, "ethereum", "ethereum"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !result.Success || result.Payment.RetryCount != 2 {
		t.Errorf("success=%v retryCount=%d", result.Success, result.Payment.RetryCount)
	}
	if got := f.network.Attempts(result.Payment.ID); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestSubmitExhaustsRetries(t *testing.T) {
	f := newFixture(t, transferFunc(func(context.Context, *models.Payment) (*models.TransferReceipt, error) {
		return nil, transfer.Transient(transfer.CodeTimeout, "upstream timeout")
	}))
	ctx := context.Background()

	result, err := f.pipeline.Submit(ctx, request("verified-user", 100, cleanAddress, "ethereum", "ethereum"))
	if apperrors.CodeOf(err) != apperrors.CodeProcessingFailed {
		t.Fatalf("expected processing_failed, got %v", err)
	}
	if result != nil {
		t.Errorf("expected no result on failure, got %+v", result)
	}

	var appErr *apperrors.Error
	if !errors.As(err, &appErr) || appErr.Metadata["payment_id"] == "" || appErr.Metadata["state"] != "failed" {
		t.Fatalf("error metadata = %+v", appErr)
	}
	if !transfer.IsRetryable(err) {
		t.Error("expected last transfer error in chain")
	}

	snap, err := f.pipeline.GetStatus(ctx, appErr.Metadata["payment_id"])
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if snap.State != models.StateFailed || snap.RetryCount != 4 {
		t.Errorf("state=%s retryCount=%d, want failed/4", snap.State, snap.RetryCount)
	}
}

func TestSubmitFatalTransferError(t *testing.T) {
	f := newFixture(t, nil)
	f.network.FailNext(transfer.Fatal(transfer.CodeInsufficientFunds, "balance too low"))

	_, err := f.pipeline.Submit(context.Background(), request("verified-user", 100, cleanAddress, "ethereum", "ethereum"))
	if apperrors.CodeOf(err) != apperrors.CodeProcessingFailed {
		t.Fatalf("expected processing_failed, got %v", err)
	}
	if transfer.CodeOf(err) != transfer.CodeInsufficientFunds {
		t.Errorf("cause lost: %v", err)
	}

	var appErr *apperrors.Error
	errors.As(err, &appErr)
	snap, err := f.pipeline.GetStatus(context.Background(), appErr.Metadata["payment_id"])
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if snap.RetryCount != 1 || snap.State != models.StateFailed {
		t.Errorf("state=%s retryCount=%d, want failed after one attempt", snap.State, snap.RetryCount)
	}
}

func TestSubmitIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	req := request("verified-user", 100, cleanAddress, "ethereum", "ethereum")
	req.IdempotencyKey = "invoice-17"

	first, err := f.pipeline.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := f.pipeline.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit replay: %v", err)
	}
	if first.Replayed || !second.Replayed {
		t.Errorf("replayed flags: first=%v second=%v", first.Replayed, second.Replayed)
	}
	if second.Payment.ID != first.Payment.ID || second.TransferID != first.TransferID || !second.Success {
		t.Errorf("replay differs: %+v vs %+v", second, first)
	}

	// A fresh pipeline over the same store replays from persistence.
	other := New(f.store, compliance.NewGate(f.store, nil, nil), f.network, nil)
	third, err := other.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit from second pipeline: %v", err)
	}
	if !third.Replayed || third.Payment.ID != first.Payment.ID || third.TransferID != first.TransferID {
		t.Errorf("store replay = %+v", third)
	}
	if got := f.network.Attempts(first.Payment.ID); got != 1 {
		t.Errorf("transfer executed %d times, want 1", got)
	}
}

func TestSubmitConcurrentSameKey(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, transferFunc(func(ctx context.Context, p *models.Payment) (*models.TransferReceipt, error) {
		<-gate
		return &models.TransferReceipt{TransferID: "tx-" + p.ID, Status: "confirmed", SettlementState: models.SettlementSettled}, nil
	}))
	req := request("verified-user", 100, cleanAddress, "ethereum", "ethereum")
	req.IdempotencyKey = "double-click"

	const n = 5
	results := make([]*models.PipelineResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.pipeline.Submit(context.Background(), req)
			if err != nil {
				t.Errorf("Submit %d: %v", i, err)
				return
			}
			results[i] = r
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	ids := map[string]bool{}
	for _, r := range results {
		if r != nil {
			ids[r.Payment.ID] = true
		}
	}
	if len(ids) != 1 {
		t.Errorf("created %d payments for one idempotency key", len(ids))
	}
	if got := f.recorder.Counter("events.payment_created"); got != 1 {
		t.Errorf("payment_created events = %d, want 1", got)
	}
}

func TestSubmitWithoutKeyCreatesDistinctPayments(t *testing.T) {
	f := newFixture(t, nil)
	req := request("verified-user", 100, cleanAddress, "ethereum", "ethereum")

	a, err := f.pipeline.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	b, err := f.pipeline.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if a.Payment.ID == b.Payment.ID {
		t.Error("expected independent payments without an idempotency key")
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pending, err := f.pipeline.Submit(ctx, request("verified-user", 100, cleanAddress, "ethereum", "polygon"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res, err := f.pipeline.Cancel(ctx, pending.Payment.ID, "user requested")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if res.Queued || res.Payment.State != models.StateCancelled {
		t.Errorf("cancel result: queued=%v state=%s", res.Queued, res.Payment.State)
	}

	if _, err := f.pipeline.Cancel(ctx, pending.Payment.ID, "again"); apperrors.CodeOf(err) != apperrors.CodeInvalidTransition {
		t.Errorf("cancel of terminal payment: expected invalid_transition, got %v", err)
	}

	completed, err := f.pipeline.Submit(ctx, request("verified-user", 100, cleanAddress, "ethereum", "ethereum"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := f.pipeline.Cancel(ctx, completed.Payment.ID, ""); apperrors.CodeOf(err) != apperrors.CodeInvalidTransition {
		t.Errorf("cancel of completed payment: expected invalid_transition, got %v", err)
	}

	if _, err := f.pipeline.Cancel(ctx, "missing", ""); apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Errorf("cancel of unknown payment: expected not_found, got %v", err)
	}
}

func TestCancelQueuedWhileInFlight(t *testing.T) {
	started := make(chan string, 1)
	release := make(chan struct{})
	network := transfer.NewNetwork()
	f := newFixture(t, transferFunc(func(ctx context.Context, p *models.Payment) (*models.TransferReceipt, error) {
		started <- p.ID
		<-release
		return network.ExecuteTransfer(ctx, p)
	}))
	ctx := context.Background()

	done := make(chan *models.PipelineResult, 1)
	go func() {
		r, err := f.pipeline.Submit(ctx, request("verified-user", 100, cleanAddress, "ethereum", "polygon"))
		if err != nil {
			t.Errorf("Submit: %v", err)
		}
		done <- r
	}()

	id := <-started
	snap, err := f.pipeline.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if snap.State != models.StateProcessing {
		t.Errorf("in-flight state = %s, want processing", snap.State)
	}

	res, err := f.pipeline.Cancel(ctx, id, "changed my mind")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !res.Queued {
		t.Fatal("expected cancel to be queued")
	}

	close(release)
	result := <-done
	if result == nil {
		t.Fatal("no result")
	}
	assertStates(t, result.Payment,
		models.StateInitiated, models.StateValidating, models.StateProcessing, models.StatePending, models.StateCancelled)
	if result.Success {
		t.Error("cancelled payment reported as success")
	}
}

func TestCancelQueuedDroppedWhenCompleted(t *testing.T) {
	started := make(chan string, 1)
	release := make(chan struct{})
	network := transfer.NewNetwork()
	f := newFixture(t, transferFunc(func(ctx context.Context, p *models.Payment) (*models.TransferReceipt, error) {
		started <- p.ID
		<-release
		return network.ExecuteTransfer(ctx, p)
	}))
	ctx := context.Background()

	done := make(chan *models.PipelineResult, 1)
	go func() {
		r, _ := f.pipeline.Submit(ctx, request("verified-user", 100, cleanAddress, "ethereum", "ethereum"))
		done <- r
	}()

	id := <-started
	if _, err := f.pipeline.Cancel(ctx, id, "too late"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(release)

	result := <-done
	if result.Payment.State != models.StateCompleted || !result.Success {
		t.Errorf("state=%s success=%v, want completed", result.Payment.State, result.Success)
	}
	if got := f.recorder.Counter("events." + EventCancelDropped); got != 1 {
		t.Errorf("cancel dropped events = %d, want 1", got)
	}
}

func TestAdvanceSettlement(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	result, err := f.pipeline.Submit(ctx, request("verified-user", 100, cleanAddress, "ethereum", "polygon"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	id := result.Payment.ID

	p, err := f.pipeline.AdvanceSettlement(ctx, id, models.SettlementSettling)
	if err != nil {
		t.Fatalf("AdvanceSettlement(settling): %v", err)
	}
	if p.State != models.StateSettling {
		t.Errorf("state = %s, want settling", p.State)
	}

	if _, err := f.pipeline.Cancel(ctx, id, "mid settlement"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	p, err = f.pipeline.AdvanceSettlement(ctx, id, models.SettlementSettled)
	if err != nil {
		t.Fatalf("AdvanceSettlement(settled): %v", err)
	}
	assertStates(t, p,
		models.StateInitiated, models.StateValidating, models.StateProcessing, models.StatePending,
		models.StateSettling, models.StateSettled, models.StateCompleted)

	if _, err := f.pipeline.AdvanceSettlement(ctx, id, models.SettlementFailed); apperrors.CodeOf(err) != apperrors.CodeInvalidTransition {
		t.Errorf("expected invalid_transition after completion, got %v", err)
	}
}

func TestAdvanceSettlementFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	result, err := f.pipeline.Submit(ctx, request("verified-user", 100, cleanAddress, "ethereum", "polygon"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	p, err := f.pipeline.AdvanceSettlement(ctx, result.Payment.ID, models.SettlementFailed)
	if err != nil {
		t.Fatalf("AdvanceSettlement: %v", err)
	}
	if p.State != models.StateFailed {
		t.Errorf("state = %s, want failed", p.State)
	}

	if _, err := f.pipeline.AdvanceSettlement(ctx, result.Payment.ID, "bogus"); apperrors.CodeOf(err) != apperrors.CodeValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestGetStatusFallsBackToStore(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	result, err := f.pipeline.Submit(ctx, request("verified-user", 100, cleanAddress, "ethereum", "ethereum"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	other := New(f.store, compliance.NewGate(f.store, nil, nil), f.network, nil)
	snap, err := other.GetStatus(ctx, result.Payment.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if snap.State != models.StateCompleted || len(snap.StateHistory) != 4 {
		t.Errorf("snapshot: state=%s history=%d", snap.State, len(snap.StateHistory))
	}

	if _, err := other.GetStatus(ctx, "missing"); apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestAuditTrailPersisted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	result, err := f.pipeline.Submit(ctx, request("verified-user", 100, cleanAddress, "ethereum", "ethereum"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	entries, err := f.store.ListAuditEntries(ctx, result.Payment.ID)
	if err != nil {
		t.Fatalf("ListAuditEntries: %v", err)
	}

	var created, changed, attempts int
	for _, e := range entries {
		switch e.Type {
		case "payment_created":
			created++
		case "payment_state_changed":
			changed++
		case retry.EventAttemptStarted:
			attempts++
		}
	}
	if created != 1 || changed != 3 || attempts != 1 {
		t.Errorf("audit trail: created=%d changed=%d attempts=%d", created, changed, attempts)
	}
}

func TestSubmitPaymentsConcurrently(t *testing.T) {
	f := newFixture(t, nil)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := f.pipeline.Submit(context.Background(), request("verified-user", 10, cleanAddress, "ethereum", "ethereum"))
			if err == nil && !r.Success {
				err = errors.New("submit did not succeed")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent submit: %v", err)
		}
	}
	if got := f.recorder.Counter("traces." + OperationSubmit + ".success"); got != n {
		t.Errorf("successful submits = %d, want %d", got, n)
	}
}

type transferFunc func(ctx context.Context, p *models.Payment) (*models.TransferReceipt, error)

func (f transferFunc) ExecuteTransfer(ctx context.Context, p *models.Payment) (*models.TransferReceipt, error) {
	return f(ctx, p)
}

func TestAdvanceSettlementRejectedWhileSubmitting(t *testing.T) {
	started := make(chan string, 1)
	release := make(chan struct{})
	network := transfer.NewNetwork()
	f := newFixture(t, transferFunc(func(ctx context.Context, p *models.Payment) (*models.TransferReceipt, error) {
		started <- p.ID
		<-release
		return network.ExecuteTransfer(ctx, p)
	}))
	ctx := context.Background()

	done := make(chan *models.PipelineResult, 1)
	go func() {
		r, err := f.pipeline.Submit(ctx, request("verified-user", 100, cleanAddress, "ethereum", "polygon"))
		if err != nil {
			t.Errorf("Submit: %v", err)
		}
		done <- r
	}()

	id := <-started
	if _, err := f.pipeline.AdvanceSettlement(ctx, id, models.SettlementFailed); apperrors.CodeOf(err) != apperrors.CodeInvalidTransition {
		t.Errorf("settlement during submit: expected invalid_transition, got %v", err)
	}
	close(release)

	result := <-done
	if result == nil {
		t.Fatal("no result")
	}
	assertStates(t, result.Payment,
		models.StateInitiated, models.StateValidating, models.StateProcessing, models.StatePending)

	snap, err := f.pipeline.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if snap.State != models.StatePending {
		t.Errorf("registry state = %s, want pending", snap.State)
	}
	stored, err := f.store.GetPayment(ctx, id)
	if err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
	if stored.State != models.StatePending || stored.Version != result.Payment.Version {
		t.Errorf("stored state=%s version=%d, want pending at %d", stored.State, stored.Version, result.Payment.Version)
	}

	// Once the submit has returned the update applies normally.
	failed, err := f.pipeline.AdvanceSettlement(ctx, id, models.SettlementFailed)
	if err != nil {
		t.Fatalf("AdvanceSettlement: %v", err)
	}
	if failed.State != models.StateFailed {
		t.Errorf("state = %s, want failed", failed.State)
	}
}

func TestRegisterKeepsNewestSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	result, err := f.pipeline.Submit(ctx, request("verified-user", 100, cleanAddress, "ethereum", "ethereum"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	stale := result.Payment.Clone()
	stale.State = models.StateProcessing
	stale.Version = result.Payment.Version - 1
	f.pipeline.register(stale)

	snap, err := f.pipeline.GetStatus(ctx, result.Payment.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if snap.State != models.StateCompleted {
		t.Errorf("state = %s, older snapshot replaced completed", snap.State)
	}
}

func TestPaymentLocksReleased(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("missing-%d", i)
		if _, err := f.pipeline.Cancel(ctx, id, ""); apperrors.CodeOf(err) != apperrors.CodeNotFound {
			t.Fatalf("Cancel(%s): expected not_found, got %v", id, err)
		}
	}

	result, err := f.pipeline.Submit(ctx, request("verified-user", 100, cleanAddress, "ethereum", "polygon"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.pipeline.Cancel(ctx, result.Payment.ID, "")
		}()
	}
	wg.Wait()

	f.pipeline.mu.RLock()
	n := len(f.pipeline.locks)
	f.pipeline.mu.RUnlock()
	if n != 0 {
		t.Errorf("lock table holds %d entries after all callers returned", n)
	}
}

func TestSubmitSameKeyOutlivesFirstCaller(t *testing.T) {
	started := make(chan string, 1)
	release := make(chan struct{})
	f := newFixture(t, transferFunc(func(ctx context.Context, p *models.Payment) (*models.TransferReceipt, error) {
		started <- p.ID
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &models.TransferReceipt{TransferID: "tx-" + p.ID, Status: "confirmed", SettlementState: models.SettlementSettled}, nil
	}))
	req := request("verified-user", 100, cleanAddress, "ethereum", "ethereum")
	req.IdempotencyKey = "closed-tab"

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := f.pipeline.Submit(firstCtx, req)
		first <- err
	}()
	<-started

	second := make(chan *models.PipelineResult, 1)
	go func() {
		r, err := f.pipeline.Submit(context.Background(), req)
		if err != nil {
			t.Errorf("second Submit: %v", err)
		}
		second <- r
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	close(release)

	if err := <-first; err != nil {
		t.Errorf("first Submit: %v", err)
	}
	r := <-second
	if r == nil {
		t.Fatal("no result for second caller")
	}
	if !r.Success || !r.Replayed || r.Payment.State != models.StateCompleted {
		t.Errorf("second caller: success=%v replayed=%v state=%s", r.Success, r.Replayed, r.Payment.State)
	}
}

type gateFunc func(ctx context.Context, userID, recipient string, amount decimal.Decimal) (compliance.Decision, error)

func (f gateFunc) Evaluate(ctx context.Context, userID, recipient string, amount decimal.Decimal) (compliance.Decision, error) {
	return f(ctx, userID, recipient, amount)
}

// failingStore fails updates that move a payment into failOn.
type failingStore struct {
	*sqlite.SQLiteStore
	failOn models.PaymentState
	err    error
}

func (s *failingStore) UpdatePayment(ctx context.Context, p *models.Payment) error {
	if p.State == s.failOn {
		return s.err
	}
	return s.SQLiteStore.UpdatePayment(ctx, p)
}

func TestComplianceOutageReportsBookkeepingFailure(t *testing.T) {
	base, err := sqlite.New(filepath.Join(t.TempDir(), "payflow.db"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { base.Close() })

	screeningErr := errors.New("screening service down")
	diskErr := errors.New("disk I/O error")
	store := &failingStore{SQLiteStore: base, failOn: models.StateFailed, err: diskErr}
	gate := gateFunc(func(context.Context, string, string, decimal.Decimal) (compliance.Decision, error) {
		return compliance.Decision{}, screeningErr
	})
	p := New(store, gate, transfer.NewNetwork(), nil)

	_, err = p.Submit(context.Background(), request("verified-user", 100, cleanAddress, "ethereum", "ethereum"))
	if err == nil {
		t.Fatal("expected submit to fail")
	}
	if !errors.Is(err, screeningErr) {
		t.Errorf("compliance error missing from %v", err)
	}
	if !errors.Is(err, diskErr) {
		t.Errorf("store error missing from %v", err)
	}
}
