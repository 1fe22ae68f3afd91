package service

import (
	"github.com/mmynk/payflow/internal/models"
	"github.com/mmynk/payflow/pkg/api"
)

func paymentToAPI(p *models.Payment) *api.Payment {
	if p == nil {
		return nil
	}
	history := make([]api.HistoryEntry, len(p.StateHistory))
	for i, h := range p.StateHistory {
		history[i] = api.HistoryEntry{
			State:     string(h.State),
			Timestamp: h.Timestamp,
			Metadata:  h.Metadata,
		}
	}
	return &api.Payment{
		ID:                p.ID,
		UserID:            p.UserID,
		Amount:            p.Amount,
		Recipient:         p.Recipient,
		SourceLedger:      p.SourceLedger,
		DestinationLedger: p.DestinationLedger,
		State:             string(p.State),
		History:           history,
		RetryCount:        p.RetryCount,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

func screeningToAPI(r *models.ScreeningResult) *api.Screening {
	if r == nil {
		return nil
	}
	out := &api.Screening{
		ID:               r.ID,
		EntityIdentifier: r.EntityIdentifier,
		Type:             string(r.ScreeningType),
		Result:           string(r.Result),
		RiskScore:        r.RiskScore,
		UserID:           r.UserID,
		ScreenedAt:       r.ScreenedAt,
	}
	if r.MatchDetails != nil {
		out.Match = &api.Match{
			Entry:      r.MatchDetails.MatchedEntry,
			Kind:       string(r.MatchDetails.Kind),
			Confidence: r.MatchDetails.Confidence,
		}
	}
	return out
}
