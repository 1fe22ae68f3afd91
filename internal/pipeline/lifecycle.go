package pipeline

import (
	"context"
	"fmt"

	apperrors "github.com/mmynk/payflow/internal/errors"
	"github.com/mmynk/payflow/internal/models"
	"github.com/mmynk/payflow/internal/telemetry"
)

// CancelResult reports the outcome of a cancel request.
type CancelResult struct {
	Payment *models.Payment

	// Queued is set when the payment was mid-execution; the cancel is
	// applied once the running step resolves, if the payment is then
	// still cancellable.
	Queued bool
}

// Cancel cancels a pending or requires_action payment. A payment still
// being submitted, or one settling, has the request queued and re-checked
// once that step resolves. Terminal payments and payments past the point
// of cancellation return invalid_transition.
func (p *Pipeline) Cancel(ctx context.Context, paymentID, reason string) (*CancelResult, error) {
	unlock := p.lockPayment(paymentID)
	defer unlock()

	current, err := p.latest(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.inFlight[paymentID] || current.State == models.StateSettling {
		p.cancels[paymentID] = reason
		p.mu.Unlock()

		p.recorder.LogEvent(ctx, telemetry.Event{
			Type:     EventCancelQueued,
			EntityID: paymentID,
			UserID:   current.UserID,
			Data:     map[string]any{"state": string(current.State), "reason": reason},
		})
		p.logger.Info("Cancel queued behind in-flight step", "payment_id", paymentID, "state", current.State)
		return &CancelResult{Payment: current.Clone(), Queued: true}, nil
	}
	p.mu.Unlock()

	metadata := map[string]any{}
	if reason != "" {
		metadata["reason"] = reason
	}
	cancelled, err := p.transition(ctx, current, models.StateCancelled, metadata)
	if err != nil {
		return nil, err
	}
	p.logger.Info("Payment cancelled", "payment_id", paymentID)
	return &CancelResult{Payment: cancelled}, nil
}

// AdvanceSettlement applies a settlement update from the transfer network
// to a cross-ledger payment. Settled completes the payment, passing through
// settling and settled as needed; failed fails it. Updates for a payment
// whose submit has not returned yet are rejected with invalid_transition.
func (p *Pipeline) AdvanceSettlement(ctx context.Context, paymentID string, state models.SettlementState) (*models.Payment, error) {
	unlock := p.lockPayment(paymentID)
	defer unlock()

	current, err := p.latest(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	submitting := p.inFlight[paymentID]
	p.mu.RUnlock()
	if submitting {
		return nil, apperrors.WithMetadata(apperrors.CodeInvalidTransition,
			fmt.Sprintf("payment %s is still being submitted", paymentID),
			map[string]string{"payment_id": paymentID, "from": string(current.State), "to": string(state)})
	}

	var path []models.PaymentState
	switch state {
	case models.SettlementPending:
		if current.State != models.StatePending {
			return nil, settlementConflict(current, state)
		}
		return current.Clone(), nil
	case models.SettlementSettling:
		path = []models.PaymentState{models.StateSettling}
	case models.SettlementSettled:
		switch current.State {
		case models.StatePending:
			path = []models.PaymentState{models.StateSettling, models.StateSettled, models.StateCompleted}
		case models.StateSettling:
			path = []models.PaymentState{models.StateSettled, models.StateCompleted}
		default:
			path = []models.PaymentState{models.StateSettled, models.StateCompleted}
		}
	case models.SettlementFailed:
		path = []models.PaymentState{models.StateFailed}
	default:
		return nil, apperrors.New(apperrors.CodeValidation, fmt.Sprintf("unknown settlement state %q", state))
	}

	for _, target := range path {
		current, err = p.transition(ctx, current, target, map[string]any{"settlement_state": string(state)})
		if err != nil {
			return nil, err
		}
	}
	if cancelled := p.resolveCancel(ctx, paymentID); cancelled != nil {
		current = cancelled
	}
	p.logger.Info("Settlement advanced", "payment_id", paymentID, "settlement_state", state, "state", current.State)
	return current, nil
}

func settlementConflict(payment *models.Payment, state models.SettlementState) error {
	return apperrors.WithMetadata(apperrors.CodeInvalidTransition,
		fmt.Sprintf("payment in state %s cannot report settlement %s", payment.State, state),
		map[string]string{"payment_id": payment.ID, "from": string(payment.State), "to": string(state)})
}
