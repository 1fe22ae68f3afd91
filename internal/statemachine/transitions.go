// Package statemachine owns the lifecycle of a single payment: the legal
// states, transition validation, and the append-only state history.
package statemachine

import (
	"slices"

	"github.com/mmynk/payflow/internal/models"
)

// transitions is the single source of truth for legal state changes.
var transitions = map[models.PaymentState][]models.PaymentState{
	models.StateInitiated:      {models.StateValidating, models.StateFailed},
	models.StateValidating:     {models.StateProcessing, models.StateFailed, models.StateRequiresAction},
	models.StateProcessing:     {models.StatePending, models.StateCompleted, models.StateFailed},
	models.StatePending:        {models.StateSettling, models.StateFailed, models.StateCancelled},
	models.StateSettling:       {models.StateSettled, models.StateFailed},
	models.StateSettled:        {models.StateCompleted},
	models.StateRequiresAction: {models.StateValidating, models.StateCancelled},
	models.StateCompleted:      {},
	models.StateFailed:         {},
	models.StateCancelled:      {},
}

// Allowed returns the states reachable from from. Unknown states have none.
func Allowed(from models.PaymentState) []models.PaymentState {
	return slices.Clone(transitions[from])
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to models.PaymentState) bool {
	return slices.Contains(transitions[from], to)
}

// Known reports whether s is a key of the transition table.
func Known(s models.PaymentState) bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether the payment can no longer change state.
func IsTerminal(p *models.Payment) bool {
	switch p.State {
	case models.StateCompleted, models.StateFailed, models.StateCancelled:
		return true
	default:
		return false
	}
}

// IsInProgress reports whether the payment is being validated, executed,
// or settled.
func IsInProgress(p *models.Payment) bool {
	switch p.State {
	case models.StateValidating, models.StateProcessing, models.StatePending,
		models.StateSettling, models.StateSettled:
		return true
	default:
		return false
	}
}

// RequiresAction reports whether the payment is waiting on the user.
func RequiresAction(p *models.Payment) bool {
	return p.State == models.StateRequiresAction
}
