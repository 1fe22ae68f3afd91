// Package compliance implements the compliance gate: sanctions screening
// against a reference list and the KYC/KYB threshold policy.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "github.com/mmynk/payflow/internal/errors"
	"github.com/mmynk/payflow/internal/models"
	"github.com/mmynk/payflow/internal/storage"
	"github.com/mmynk/payflow/internal/telemetry"
)

// Denial reasons reported to callers.
const (
	ReasonSanctions   = "sanctions_screening"
	ReasonKYCRequired = "kyc_required"
	ReasonKYBRequired = "kyb_required"
)

// Event types emitted by the gate.
const (
	EventScreeningCompleted   = "screening_completed"
	EventVerificationChecked  = "verification_requirement_checked"
	EventDecision             = "compliance_decision"
	ErrorScreeningPersistence = "screening_persistence_failed"
)

// Confidence of an exact and a partial match.
const (
	ExactConfidence   = 1.0
	PartialConfidence = 0.7
)

// Default verification thresholds. Amounts strictly above a threshold
// require the matching verification.
var (
	DefaultKYCThreshold = decimal.NewFromInt(10_000)
	DefaultKYBThreshold = decimal.NewFromInt(50_000)
)

// Store is the persistence the gate needs.
type Store interface {
	GetUserVerificationStatus(ctx context.Context, userID string) (models.VerificationStatus, error)
	UpdateSanctionsStatus(ctx context.Context, userID string, status models.SanctionsStatus, screenedAt time.Time) error
	RecordScreening(ctx context.Context, result *models.ScreeningResult) error
}

// Recorder receives the gate's audit events.
type Recorder interface {
	LogEvent(ctx context.Context, evt telemetry.Event)
	LogError(ctx context.Context, evt telemetry.ErrorEvent)
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Blocked bool

	// Reason is one of the Reason constants when Blocked.
	Reason  string
	Message string

	// Screening is the recipient address screening.
	Screening *models.ScreeningResult

	// Requirement is zero when screening already blocked the transfer.
	Requirement models.VerificationRequirement
}

// Err returns the coded denial error, or nil when the transfer is cleared.
func (d Decision) Err() error {
	if !d.Blocked {
		return nil
	}
	code := apperrors.CodeSanctionsBlocked
	switch d.Reason {
	case ReasonKYCRequired:
		code = apperrors.CodeKYCRequired
	case ReasonKYBRequired:
		code = apperrors.CodeKYBRequired
	}
	return apperrors.WithMetadata(code, d.Message, map[string]string{"reason": d.Reason})
}

// Gate screens transfers and applies the verification threshold policy.
type Gate struct {
	store        Store
	refs         *ReferenceList
	recorder     Recorder
	kycThreshold decimal.Decimal
	kybThreshold decimal.Decimal
	now          func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithThresholds overrides the KYC and KYB thresholds.
func WithThresholds(kyc, kyb decimal.Decimal) Option {
	return func(g *Gate) {
		g.kycThreshold = kyc
		g.kybThreshold = kyb
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a Gate. A nil refs uses the built-in list; a nil store
// keeps no screening history and treats every user as unverified.
func NewGate(store Store, refs *ReferenceList, recorder Recorder, opts ...Option) *Gate {
	g := &Gate{
		store:        store,
		refs:         refs,
		recorder:     recorder,
		kycThreshold: DefaultKYCThreshold,
		kybThreshold: DefaultKYBThreshold,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.refs == nil {
		g.refs = DefaultReferenceList()
	}
	if g.recorder == nil {
		g.recorder = telemetry.NewRecorder()
	}
	return g
}

// ScreenAddress screens a wallet address. Only case-insensitive exact
// matches are flagged.
func (g *Gate) ScreenAddress(ctx context.Context, address, userID string) (*models.ScreeningResult, error) {
	if normalize(address) == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "address is required")
	}
	result := g.newResult(address, models.ScreeningAddress, userID)
	if entry, ok := g.refs.addresses[normalize(address)]; ok {
		flag(result, entry, models.MatchExact, ExactConfidence)
	}
	return result, g.record(ctx, result)
}

// ScreenName screens a name or email. An exact match is flagged with full
// confidence and a substring match in either direction with partial
// confidence.
func (g *Gate) ScreenName(ctx context.Context, value, userID string, kind models.ScreeningType) (*models.ScreeningResult, error) {
	if kind == "" {
		kind = models.ScreeningName
	}
	if kind == models.ScreeningAddress {
		return g.ScreenAddress(ctx, value, userID)
	}
	if kind != models.ScreeningName && kind != models.ScreeningEmail {
		return nil, apperrors.New(apperrors.CodeValidation, fmt.Sprintf("unknown screening type %q", kind))
	}
	needle := normalize(value)
	if needle == "" {
		return nil, apperrors.New(apperrors.CodeValidation, fmt.Sprintf("%s is required", kind))
	}

	result := g.newResult(value, kind, userID)
	entries := g.refs.entries(kind)
	if entry, ok := entries[needle]; ok {
		flag(result, entry, models.MatchExact, ExactConfidence)
	} else {
		for _, n := range slices.Sorted(maps.Keys(entries)) {
			if strings.Contains(needle, n) || strings.Contains(n, needle) {
				flag(result, entries[n], models.MatchPartial, PartialConfidence)
				break
			}
		}
	}
	return result, g.record(ctx, result)
}

// CheckVerificationRequirement applies the threshold policy to amount for
// the user's current verification standing. A user without a profile is
// unverified.
func (g *Gate) CheckVerificationRequirement(ctx context.Context, userID string, amount decimal.Decimal) (models.VerificationRequirement, error) {
	status, err := g.verificationStatus(ctx, userID)
	if err != nil {
		return models.VerificationRequirement{}, err
	}

	req := models.VerificationRequirement{
		KYCRequired: amount.GreaterThan(g.kycThreshold) && status.KYC != models.VerificationVerified,
		KYBRequired: amount.GreaterThan(g.kybThreshold) && status.KYB != models.VerificationVerified,
	}
	switch {
	case req.KYCRequired && req.KYBRequired:
		req.Reason = fmt.Sprintf("Transaction amount exceeds KYC threshold of %s and KYB threshold of %s", g.kycThreshold, g.kybThreshold)
	case req.KYCRequired:
		req.Reason = fmt.Sprintf("Transaction amount exceeds KYC threshold of %s", g.kycThreshold)
	case req.KYBRequired:
		req.Reason = fmt.Sprintf("Transaction amount exceeds KYB threshold of %s", g.kybThreshold)
	}

	g.recorder.LogEvent(ctx, telemetry.Event{
		Type:     EventVerificationChecked,
		EntityID: userID,
		UserID:   userID,
		Data: map[string]any{
			"amount":       amount.String(),
			"kyc_status":   string(status.KYC),
			"kyb_status":   string(status.KYB),
			"kyc_required": req.KYCRequired,
			"kyb_required": req.KYBRequired,
			"reason":       req.Reason,
		},
	})
	return req, nil
}

// Evaluate decides whether a transfer of amount from userID to recipient
// may proceed. Sanctions screening takes precedence over verification, and
// KYC over KYB when both are missing.
func (g *Gate) Evaluate(ctx context.Context, userID, recipient string, amount decimal.Decimal) (Decision, error) {
	screening, err := g.ScreenAddress(ctx, recipient, userID)
	if err != nil {
		return Decision{}, err
	}

	var d Decision
	d.Screening = screening
	if screening.Flagged() {
		d.Blocked = true
		d.Reason = ReasonSanctions
		d.Message = fmt.Sprintf("Recipient %s matched the sanctions list", recipient)
	} else {
		req, err := g.CheckVerificationRequirement(ctx, userID, amount)
		if err != nil {
			return Decision{}, err
		}
		d.Requirement = req
		switch {
		case req.KYCRequired:
			d.Blocked, d.Reason, d.Message = true, ReasonKYCRequired, req.Reason
		case req.KYBRequired:
			d.Blocked, d.Reason, d.Message = true, ReasonKYBRequired, req.Reason
		}
	}

	g.recorder.LogEvent(ctx, telemetry.Event{
		Type:     EventDecision,
		EntityID: screening.ID,
		UserID:   userID,
		Data: map[string]any{
			"blocked":      d.Blocked,
			"reason":       d.Reason,
			"screening_id": screening.ID,
			"amount":       amount.String(),
		},
	})
	return d, nil
}

func (g *Gate) verificationStatus(ctx context.Context, userID string) (models.VerificationStatus, error) {
	unverified := models.VerificationStatus{KYC: models.VerificationUnverified, KYB: models.VerificationUnverified}
	if g.store == nil || userID == "" {
		return unverified, nil
	}
	status, err := g.store.GetUserVerificationStatus(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return unverified, nil
	}
	if err != nil {
		return unverified, apperrors.StoreUnavailable("get verification status", err)
	}
	return status, nil
}

func (g *Gate) newResult(identifier string, t models.ScreeningType, userID string) *models.ScreeningResult {
	return &models.ScreeningResult{
		ID:               uuid.NewString(),
		EntityIdentifier: identifier,
		ScreeningType:    t,
		Result:           models.ScreeningCleared,
		UserID:           userID,
		ScreenedAt:       g.now().UTC(),
	}
}

func flag(r *models.ScreeningResult, entry string, kind models.MatchKind, confidence float64) {
	r.Result = models.ScreeningFlagged
	r.RiskScore = confidence
	r.MatchDetails = &models.MatchDetails{
		MatchedEntry: entry,
		Kind:         kind,
		Confidence:   confidence,
	}
}

// record persists a screening and the user's resulting sanctions status.
func (g *Gate) record(ctx context.Context, r *models.ScreeningResult) error {
	data := map[string]any{
		"screening_type": string(r.ScreeningType),
		"result":         string(r.Result),
		"risk_score":     r.RiskScore,
	}
	if r.MatchDetails != nil {
		data["match_kind"] = string(r.MatchDetails.Kind)
		data["confidence"] = r.MatchDetails.Confidence
	}

	if g.store != nil {
		err := g.store.RecordScreening(ctx, r)
		if err == nil && r.UserID != "" {
			status := models.SanctionsCleared
			if r.Flagged() {
				status = models.SanctionsFlagged
			}
			err = g.store.UpdateSanctionsStatus(ctx, r.UserID, status, r.ScreenedAt)
		}
		if err != nil {
			g.recorder.LogError(ctx, telemetry.ErrorEvent{
				Type:     ErrorScreeningPersistence,
				EntityID: r.ID,
				UserID:   r.UserID,
				Err:      err,
				Data:     data,
			})
			return apperrors.StoreUnavailable("record screening", err)
		}
	}

	g.recorder.LogEvent(ctx, telemetry.Event{
		Type:     EventScreeningCompleted,
		EntityID: r.ID,
		UserID:   r.UserID,
		Data:     data,
	})
	return nil
}
