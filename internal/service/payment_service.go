package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"connectrpc.com/connect"
	"github.com/shopspring/decimal"

	apperrors "github.com/mmynk/payflow/internal/errors"
	"github.com/mmynk/payflow/internal/models"
	"github.com/mmynk/payflow/internal/pipeline"
	"github.com/mmynk/payflow/pkg/api"
)

// Screener is the part of the compliance gate exposed over RPC.
type Screener interface {
	ScreenAddress(ctx context.Context, address, userID string) (*models.ScreeningResult, error)
	ScreenName(ctx context.Context, value, userID string, kind models.ScreeningType) (*models.ScreeningResult, error)
	CheckVerificationRequirement(ctx context.Context, userID string, amount decimal.Decimal) (models.VerificationRequirement, error)
}

// PaymentService implements the Connect PaymentService
type PaymentService struct {
	pipeline *pipeline.Pipeline
	screener Screener
}

// NewPaymentService creates a PaymentService backed by the given pipeline
// and compliance gate.
func NewPaymentService(p *pipeline.Pipeline, screener Screener) *PaymentService {
	return &PaymentService{pipeline: p, screener: screener}
}

var _ api.PaymentServiceHandler = (*PaymentService)(nil)

// SubmitPayment runs a transfer request through the pipeline. Compliance
// denials are reported in the response, not as errors.
func (s *PaymentService) SubmitPayment(ctx context.Context, req *connect.Request[api.SubmitPaymentRequest]) (*connect.Response[api.SubmitPaymentResponse], error) {
	msg := req.Msg
	result, err := s.pipeline.Submit(ctx, models.TransferRequest{
		UserID:            msg.UserID,
		Amount:            msg.Amount,
		Recipient:         msg.Recipient,
		SourceLedger:      msg.SourceLedger,
		DestinationLedger: msg.DestinationLedger,
		Note:              msg.Note,
		IdempotencyKey:    msg.IdempotencyKey,
	})
	if err != nil {
		slog.Error("SubmitPayment failed", "user_id", msg.UserID, "error", err)
		return nil, toConnectError(err)
	}

	return connect.NewResponse(&api.SubmitPaymentResponse{
		Success:    result.Success,
		Blocked:    result.Blocked,
		Reason:     result.Reason,
		Message:    result.Message,
		TransferID: result.TransferID,
		Replayed:   result.Replayed,
		Payment:    paymentToAPI(result.Payment),
	}), nil
}

// GetPaymentStatus returns the latest snapshot of a payment.
func (s *PaymentService) GetPaymentStatus(ctx context.Context, req *connect.Request[api.GetPaymentStatusRequest]) (*connect.Response[api.GetPaymentStatusResponse], error) {
	if req.Msg.PaymentID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("payment_id is required"))
	}
	p, err := s.pipeline.GetPayment(ctx, req.Msg.PaymentID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&api.GetPaymentStatusResponse{Payment: paymentToAPI(p)}), nil
}

// CancelPayment cancels a payment, or queues the cancellation while the
// payment is in flight.
func (s *PaymentService) CancelPayment(ctx context.Context, req *connect.Request[api.CancelPaymentRequest]) (*connect.Response[api.CancelPaymentResponse], error) {
	if req.Msg.PaymentID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("payment_id is required"))
	}
	res, err := s.pipeline.Cancel(ctx, req.Msg.PaymentID, req.Msg.Reason)
	if err != nil {
		slog.Warn("CancelPayment failed", "payment_id", req.Msg.PaymentID, "error", err)
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&api.CancelPaymentResponse{
		Queued:  res.Queued,
		Payment: paymentToAPI(res.Payment),
	}), nil
}

// AdvanceSettlement applies a settlement update reported by the ledger.
func (s *PaymentService) AdvanceSettlement(ctx context.Context, req *connect.Request[api.AdvanceSettlementRequest]) (*connect.Response[api.AdvanceSettlementResponse], error) {
	if req.Msg.PaymentID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("payment_id is required"))
	}
	state := models.SettlementState(strings.ToLower(strings.TrimSpace(req.Msg.SettlementState)))
	p, err := s.pipeline.AdvanceSettlement(ctx, req.Msg.PaymentID, state)
	if err != nil {
		slog.Warn("AdvanceSettlement failed",
			"payment_id", req.Msg.PaymentID,
			"settlement_state", state,
			"error", err,
		)
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&api.AdvanceSettlementResponse{Payment: paymentToAPI(p)}), nil
}

// ScreenEntity screens one address, name or email against the sanctions
// reference list.
func (s *PaymentService) ScreenEntity(ctx context.Context, req *connect.Request[api.ScreenEntityRequest]) (*connect.Response[api.ScreenEntityResponse], error) {
	msg := req.Msg
	var (
		result *models.ScreeningResult
		err    error
	)
	switch kind := models.ScreeningType(strings.ToLower(msg.Type)); kind {
	case models.ScreeningAddress, "":
		result, err = s.screener.ScreenAddress(ctx, msg.Value, msg.UserID)
	case models.ScreeningName, models.ScreeningEmail:
		result, err = s.screener.ScreenName(ctx, msg.Value, msg.UserID, kind)
	default:
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("type must be one of address, name, email"))
	}
	if err != nil {
		slog.Error("ScreenEntity failed", "type", msg.Type, "error", err)
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&api.ScreenEntityResponse{Screening: screeningToAPI(result)}), nil
}

// CheckVerification reports which verifications a transaction amount requires.
func (s *PaymentService) CheckVerification(ctx context.Context, req *connect.Request[api.CheckVerificationRequest]) (*connect.Response[api.CheckVerificationResponse], error) {
	if req.Msg.UserID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("user_id is required"))
	}
	requirement, err := s.screener.CheckVerificationRequirement(ctx, req.Msg.UserID, req.Msg.Amount)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&api.CheckVerificationResponse{
		KYCRequired: requirement.KYCRequired,
		KYBRequired: requirement.KYBRequired,
		Reason:      requirement.Reason,
	}), nil
}

// toConnectError maps a domain error onto a connect error. Error metadata
// travels as response trailers prefixed with payflow-.
func toConnectError(err error) error {
	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		return connectErr
	}

	out := connect.NewError(apperrors.CodeOf(err).ConnectCode(), err)
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		out.Meta().Set("payflow-code", string(appErr.Code))
		for k, v := range appErr.Metadata {
			out.Meta().Set("payflow-"+strings.ReplaceAll(k, "_", "-"), v)
		}
	}
	return out
}
