package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/mmynk/payflow/internal/compliance"
	apperrors "github.com/mmynk/payflow/internal/errors"
	"github.com/mmynk/payflow/internal/models"
	"github.com/mmynk/payflow/internal/retry"
	"github.com/mmynk/payflow/internal/statemachine"
	"github.com/mmynk/payflow/internal/storage"
	"github.com/mmynk/payflow/internal/telemetry"
)

// Submit moves money for req.
//
// Malformed requests return a validation error before any payment exists.
// Compliance denials are not errors: the payment is failed and the result
// carries Blocked and Reason. Transfer failures that survive retries return
// a processing_failed error carrying the payment id and state; the payment
// is already failed and its history is available through GetStatus.
//
// A request with an idempotency key already used by the same user returns
// the original payment with Replayed set instead of moving money twice.
func (p *Pipeline) Submit(ctx context.Context, req models.TransferRequest) (*models.PipelineResult, error) {
	if err := p.validate(req); err != nil {
		p.recorder.LogEvent(ctx, telemetry.Event{
			Type:   EventSubmitRejected,
			UserID: req.UserID,
			Data: map[string]any{
				"error":     err.Error(),
				"amount":    req.Amount.String(),
				"recipient": req.Recipient,
			},
		})
		return nil, err
	}

	if req.IdempotencyKey == "" {
		return p.submit(ctx, req)
	}

	// Callers sharing a key wait on one submit, so it must outlive the
	// caller that happened to start it.
	leader := false
	v, err, _ := p.submits.Do(idempotencyKey(req.UserID, req.IdempotencyKey), func() (any, error) {
		leader = true
		shared := context.WithoutCancel(ctx)
		if replay, err := p.replay(shared, req); replay != nil || err != nil {
			return replay, err
		}
		return p.submit(shared, req)
	})
	result, _ := v.(*models.PipelineResult)
	if !leader && result != nil {
		dup := *result
		dup.Replayed = true
		result = &dup
	}
	return result, err
}

// replay returns the result of an earlier submit with the same key, or nil
// if there was none.
func (p *Pipeline) replay(ctx context.Context, req models.TransferRequest) (*models.PipelineResult, error) {
	p.mu.RLock()
	id, ok := p.keys[idempotencyKey(req.UserID, req.IdempotencyKey)]
	existing := p.payments[id]
	p.mu.RUnlock()

	if !ok && p.store != nil {
		stored, err := p.store.FindPaymentByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil, nil
		case err != nil:
			return nil, apperrors.StoreUnavailable("find payment by idempotency key", err)
		}
		existing = stored
	}
	if existing == nil {
		return nil, nil
	}

	p.recorder.LogEvent(ctx, telemetry.Event{
		Type:     EventPaymentReplayed,
		EntityID: existing.ID,
		UserID:   existing.UserID,
		Data:     map[string]any{"idempotency_key": req.IdempotencyKey, "state": string(existing.State)},
	})
	result := resultFromPayment(existing)
	result.Replayed = true
	return result, nil
}

func (p *Pipeline) validate(req models.TransferRequest) error {
	var problems []string
	if !req.Amount.IsPositive() {
		problems = append(problems, "amount must be positive")
	}
	if strings.TrimSpace(req.Recipient) == "" {
		problems = append(problems, "recipient is required")
	}
	for _, ledger := range []struct{ name, value string }{
		{"source_ledger", req.SourceLedger},
		{"destination_ledger", req.DestinationLedger},
	} {
		l := normalizeLedger(ledger.value)
		switch {
		case l == "":
			problems = append(problems, ledger.name+" is required")
		case len(p.ledgers) > 0 && !p.ledgers[l]:
			problems = append(problems, fmt.Sprintf("%s %q is not supported", ledger.name, ledger.value))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return apperrors.New(apperrors.CodeValidation, "invalid transfer request: "+strings.Join(problems, "; "))
}

func (p *Pipeline) submit(ctx context.Context, req models.TransferRequest) (*models.PipelineResult, error) {
	ctx, traceID := p.recorder.StartTrace(ctx, OperationSubmit, map[string]any{
		"user_id":            req.UserID,
		"amount":             req.Amount.String(),
		"source_ledger":      req.SourceLedger,
		"destination_ledger": req.DestinationLedger,
	})

	req.Metadata = maps.Clone(req.Metadata)
	if req.Metadata == nil {
		req.Metadata = make(map[string]any, 1)
	}
	if traceID != "" {
		req.Metadata[models.MetadataTraceID] = traceID
	}

	payment, err := p.machine.Create(ctx, req)
	if err != nil {
		p.recorder.EndTrace(traceID, false, map[string]any{"error": err.Error()})
		return nil, err
	}
	p.mu.Lock()
	p.inFlight[payment.ID] = true
	p.mu.Unlock()
	p.register(payment)
	p.recorder.AddSpan(traceID, "created", map[string]any{"payment_id": payment.ID})

	result, err := p.run(ctx, payment, traceID)

	if final := p.release(ctx, payment.ID); final != nil && result != nil {
		result.Payment = final
		result.Success = result.Success && final.State != models.StateCancelled
	}

	summary := map[string]any{"payment_id": payment.ID}
	if result != nil {
		summary["blocked"] = result.Blocked
		summary["state"] = string(result.Payment.State)
	}
	if err != nil {
		summary["error"] = err.Error()
	}
	p.recorder.EndTrace(traceID, err == nil && result != nil && result.Success, summary)

	return result, err
}

// run drives a created payment to a resting state.
func (p *Pipeline) run(ctx context.Context, payment *models.Payment, traceID string) (*models.PipelineResult, error) {
	payment, err := p.transition(ctx, payment, models.StateValidating, nil)
	if err != nil {
		return nil, p.failure(ctx, payment, err)
	}

	decision, err := p.gate.Evaluate(ctx, payment.UserID, payment.Recipient, payment.Amount)
	if err != nil {
		p.recorder.LogError(ctx, telemetry.ErrorEvent{
			Type:     ErrorComplianceCheck,
			EntityID: payment.ID,
			UserID:   payment.UserID,
			Err:      err,
		})
		failed, failErr := p.transition(context.WithoutCancel(ctx), payment, models.StateFailed, map[string]any{
			"reason": "compliance_unavailable",
			"error":  err.Error(),
		})
		if failErr != nil {
			err = errors.Join(err, failErr)
		}
		return nil, p.failure(ctx, failed, err)
	}
	spanData := map[string]any{"blocked": decision.Blocked, "reason": decision.Reason}
	if decision.Screening != nil {
		spanData["screening_id"] = decision.Screening.ID
	}
	p.recorder.AddSpan(traceID, "compliance", spanData)

	if decision.Blocked {
		return p.block(ctx, payment, decision.Reason, decision.Message, spanData)
	}

	payment, err = p.transition(ctx, payment, models.StateProcessing, nil)
	if err != nil {
		return nil, p.failure(ctx, payment, err)
	}

	outcome, err := retry.Run(ctx, p.orch, payment, func(ctx context.Context, current *models.Payment, attempt int) (*models.TransferReceipt, error) {
		p.register(current)
		return p.transfers.ExecuteTransfer(ctx, current)
	}, p.retryOpts)
	payment = outcome.Payment
	p.register(payment)

	if err != nil {
		if apperrors.IsBlocked(err) {
			return p.block(ctx, payment, blockedReason(err), err.Error(), nil)
		}
		p.recorder.LogError(ctx, telemetry.ErrorEvent{
			Type:     ErrorProcessing,
			EntityID: payment.ID,
			UserID:   payment.UserID,
			Err:      err,
			Data:     map[string]any{"attempts": outcome.Attempts, "retries": payment.RetryCount},
		})
		return nil, p.failure(ctx, payment, err)
	}

	receipt := outcome.Value
	target := models.StateCompleted
	if receipt.SettlementState != models.SettlementSettled {
		target = models.StatePending
	}
	payment, err = p.transition(ctx, payment, target, map[string]any{
		"settlement_state": string(receipt.SettlementState),
		"transfer_id":      receipt.TransferID,
		"attempts":         outcome.Attempts,
	})
	if err != nil {
		return nil, p.failure(ctx, payment, err)
	}
	p.recorder.AddSpan(traceID, "transfer", map[string]any{
		"transfer_id":      receipt.TransferID,
		"settlement_state": string(receipt.SettlementState),
	})

	p.logger.Info("Payment submitted",
		"payment_id", payment.ID,
		"state", payment.State,
		"transfer_id", receipt.TransferID,
		"attempts", outcome.Attempts,
	)
	return &models.PipelineResult{
		Success:    true,
		Payment:    payment,
		TransferID: receipt.TransferID,
	}, nil
}

// block fails a denied payment and reports the denial as a result.
func (p *Pipeline) block(ctx context.Context, payment *models.Payment, reason, message string, data map[string]any) (*models.PipelineResult, error) {
	metadata := map[string]any{"reason": reason, "message": message}
	if id, ok := data["screening_id"]; ok {
		metadata["screening_id"] = id
	}
	failed, err := p.transition(ctx, payment, models.StateFailed, metadata)
	if err != nil {
		return nil, p.failure(ctx, payment, err)
	}

	p.recorder.LogEvent(ctx, telemetry.Event{
		Type:     EventPaymentBlocked,
		EntityID: failed.ID,
		UserID:   failed.UserID,
		Data:     map[string]any{"reason": reason},
	})
	p.logger.Info("Payment blocked", "payment_id", failed.ID, "reason", reason)

	return &models.PipelineResult{
		Blocked: true,
		Reason:  reason,
		Message: message,
		Payment: failed,
	}, nil
}

// failure wraps err with the payment's id and last known state. Store
// failures keep their code so callers can retry the whole submit.
func (p *Pipeline) failure(ctx context.Context, payment *models.Payment, err error) error {
	code := apperrors.CodeProcessingFailed
	switch c := apperrors.CodeOf(err); c {
	case apperrors.CodeStoreUnavailable, apperrors.CodeInvalidTransition:
		code = c
	}
	p.logger.ErrorContext(ctx, "Payment failed",
		"payment_id", payment.ID,
		"state", payment.State,
		"error", err,
	)
	return apperrors.WrapWithMetadata(code, "payment processing failed", map[string]string{
		"payment_id": payment.ID,
		"state":      string(payment.State),
	}, err)
}

// release ends the submit's ownership of a payment and applies a cancel
// queued while it was in flight. It returns the payment if the cancel was
// applied.
func (p *Pipeline) release(ctx context.Context, paymentID string) *models.Payment {
	unlock := p.lockPayment(paymentID)
	defer unlock()

	p.mu.Lock()
	delete(p.inFlight, paymentID)
	p.mu.Unlock()

	return p.resolveCancel(ctx, paymentID)
}

// resolveCancel applies or drops a queued cancel. Callers hold the
// payment lock.
func (p *Pipeline) resolveCancel(ctx context.Context, paymentID string) *models.Payment {
	p.mu.Lock()
	reason, queued := p.cancels[paymentID]
	delete(p.cancels, paymentID)
	current := p.payments[paymentID]
	p.mu.Unlock()

	if !queued || current == nil {
		return nil
	}

	ctx = context.WithoutCancel(ctx)
	if !cancellable(current) {
		p.recorder.LogEvent(ctx, telemetry.Event{
			Type:     EventCancelDropped,
			EntityID: paymentID,
			UserID:   current.UserID,
			Data:     map[string]any{"state": string(current.State), "reason": reason},
		})
		p.logger.Info("Queued cancel dropped", "payment_id", paymentID, "state", current.State)
		return nil
	}

	cancelled, err := p.transition(ctx, current, models.StateCancelled, map[string]any{"reason": reason, "queued": true})
	if err != nil {
		return nil
	}
	return cancelled
}

// cancellable reports whether a payment can be cancelled directly.
func cancellable(payment *models.Payment) bool {
	return statemachine.CanTransition(payment.State, models.StateCancelled)
}

// resultFromPayment rebuilds a submit result from a stored payment.
func resultFromPayment(payment *models.Payment) *models.PipelineResult {
	result := &models.PipelineResult{Payment: payment}
	for _, h := range payment.StateHistory {
		if id, ok := h.Metadata["transfer_id"].(string); ok {
			result.TransferID = id
		}
	}

	switch payment.State {
	case models.StateFailed:
		last := payment.StateHistory[len(payment.StateHistory)-1]
		reason, _ := last.Metadata["reason"].(string)
		switch reason {
		case compliance.ReasonSanctions, compliance.ReasonKYCRequired, compliance.ReasonKYBRequired:
			result.Blocked = true
			result.Reason = reason
			result.Message, _ = last.Metadata["message"].(string)
		}
	case models.StatePending, models.StateSettling, models.StateSettled, models.StateCompleted:
		result.Success = true
	}
	return result
}

// blockedReason maps a denial error to the reason reported to callers.
func blockedReason(err error) string {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Metadata["reason"] != "" {
		return appErr.Metadata["reason"]
	}
	switch apperrors.CodeOf(err) {
	case apperrors.CodeKYCRequired:
		return compliance.ReasonKYCRequired
	case apperrors.CodeKYBRequired:
		return compliance.ReasonKYBRequired
	default:
		return compliance.ReasonSanctions
	}
}
