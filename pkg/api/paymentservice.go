// Package api defines the payflow.v1.PaymentService wire types and its
// connect client and handler constructors.
package api

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"
)

const (
	// PaymentServiceName is the fully-qualified name of the PaymentService service.
	PaymentServiceName = "payflow.v1.PaymentService"
)

// Procedure paths. Each is the full path of the RPC on the server mux.
const (
	PaymentServiceSubmitPaymentProcedure     = "/payflow.v1.PaymentService/SubmitPayment"
	PaymentServiceGetPaymentStatusProcedure  = "/payflow.v1.PaymentService/GetPaymentStatus"
	PaymentServiceCancelPaymentProcedure     = "/payflow.v1.PaymentService/CancelPayment"
	PaymentServiceAdvanceSettlementProcedure = "/payflow.v1.PaymentService/AdvanceSettlement"
	PaymentServiceScreenEntityProcedure      = "/payflow.v1.PaymentService/ScreenEntity"
	PaymentServiceCheckVerificationProcedure = "/payflow.v1.PaymentService/CheckVerification"
)

// PaymentServiceClient is a client for the payflow.v1.PaymentService service.
type PaymentServiceClient interface {
	SubmitPayment(context.Context, *connect.Request[SubmitPaymentRequest]) (*connect.Response[SubmitPaymentResponse], error)
	GetPaymentStatus(context.Context, *connect.Request[GetPaymentStatusRequest]) (*connect.Response[GetPaymentStatusResponse], error)
	CancelPayment(context.Context, *connect.Request[CancelPaymentRequest]) (*connect.Response[CancelPaymentResponse], error)
	AdvanceSettlement(context.Context, *connect.Request[AdvanceSettlementRequest]) (*connect.Response[AdvanceSettlementResponse], error)
	ScreenEntity(context.Context, *connect.Request[ScreenEntityRequest]) (*connect.Response[ScreenEntityResponse], error)
	CheckVerification(context.Context, *connect.Request[CheckVerificationRequest]) (*connect.Response[CheckVerificationResponse], error)
}

// NewPaymentServiceClient constructs a client for the payflow.v1.PaymentService
// service. The JSON codec is always installed.
func NewPaymentServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) PaymentServiceClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(Codec{})}, opts...)
	return &paymentServiceClient{
		submitPayment:     connect.NewClient[SubmitPaymentRequest, SubmitPaymentResponse](httpClient, baseURL+PaymentServiceSubmitPaymentProcedure, opts...),
		getPaymentStatus:  connect.NewClient[GetPaymentStatusRequest, GetPaymentStatusResponse](httpClient, baseURL+PaymentServiceGetPaymentStatusProcedure, opts...),
		cancelPayment:     connect.NewClient[CancelPaymentRequest, CancelPaymentResponse](httpClient, baseURL+PaymentServiceCancelPaymentProcedure, opts...),
		advanceSettlement: connect.NewClient[AdvanceSettlementRequest, AdvanceSettlementResponse](httpClient, baseURL+PaymentServiceAdvanceSettlementProcedure, opts...),
		screenEntity:      connect.NewClient[ScreenEntityRequest, ScreenEntityResponse](httpClient, baseURL+PaymentServiceScreenEntityProcedure, opts...),
		checkVerification: connect.NewClient[CheckVerificationRequest, CheckVerificationResponse](httpClient, baseURL+PaymentServiceCheckVerificationProcedure, opts...),
	}
}

type paymentServiceClient struct {
	submitPayment     *connect.Client[SubmitPaymentRequest, SubmitPaymentResponse]
	getPaymentStatus  *connect.Client[GetPaymentStatusRequest, GetPaymentStatusResponse]
	cancelPayment     *connect.Client[CancelPaymentRequest, CancelPaymentResponse]
	advanceSettlement *connect.Client[AdvanceSettlementRequest, AdvanceSettlementResponse]
	screenEntity      *connect.Client[ScreenEntityRequest, ScreenEntityResponse]
	checkVerification *connect.Client[CheckVerificationRequest, CheckVerificationResponse]
}

func (c *paymentServiceClient) SubmitPayment(ctx context.Context, req *connect.Request[SubmitPaymentRequest]) (*connect.Response[SubmitPaymentResponse], error) {
	return c.submitPayment.CallUnary(ctx, req)
}

func (c *paymentServiceClient) GetPaymentStatus(ctx context.Context, req *connect.Request[GetPaymentStatusRequest]) (*connect.Response[GetPaymentStatusResponse], error) {
	return c.getPaymentStatus.CallUnary(ctx, req)
}

func (c *paymentServiceClient) CancelPayment(ctx context.Context, req *connect.Request[CancelPaymentRequest]) (*connect.Response[CancelPaymentResponse], error) {
	return c.cancelPayment.CallUnary(ctx, req)
}

func (c *paymentServiceClient) AdvanceSettlement(ctx context.Context, req *connect.Request[AdvanceSettlementRequest]) (*connect.Response[AdvanceSettlementResponse], error) {
	return c.advanceSettlement.CallUnary(ctx, req)
}

func (c *paymentServiceClient) ScreenEntity(ctx context.Context, req *connect.Request[ScreenEntityRequest]) (*connect.Response[ScreenEntityResponse], error) {
	return c.screenEntity.CallUnary(ctx, req)
}

func (c *paymentServiceClient) CheckVerification(ctx context.Context, req *connect.Request[CheckVerificationRequest]) (*connect.Response[CheckVerificationResponse], error) {
	return c.checkVerification.CallUnary(ctx, req)
}

// PaymentServiceHandler is implemented by the payflow.v1.PaymentService server.
type PaymentServiceHandler interface {
	SubmitPayment(context.Context, *connect.Request[SubmitPaymentRequest]) (*connect.Response[SubmitPaymentResponse], error)
	GetPaymentStatus(context.Context, *connect.Request[GetPaymentStatusRequest]) (*connect.Response[GetPaymentStatusResponse], error)
	CancelPayment(context.Context, *connect.Request[CancelPaymentRequest]) (*connect.Response[CancelPaymentResponse], error)
	AdvanceSettlement(context.Context, *connect.Request[AdvanceSettlementRequest]) (*connect.Response[AdvanceSettlementResponse], error)
	ScreenEntity(context.Context, *connect.Request[ScreenEntityRequest]) (*connect.Response[ScreenEntityResponse], error)
	CheckVerification(context.Context, *connect.Request[CheckVerificationRequest]) (*connect.Response[CheckVerificationResponse], error)
}

// NewPaymentServiceHandler builds an HTTP handler from the service
// implementation. It returns the path on which to mount the handler and the
// handler itself.
func NewPaymentServiceHandler(svc PaymentServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(Codec{})}, opts...)
	mux := http.NewServeMux()
	mux.Handle(PaymentServiceSubmitPaymentProcedure, connect.NewUnaryHandler(PaymentServiceSubmitPaymentProcedure, svc.SubmitPayment, opts...))
	mux.Handle(PaymentServiceGetPaymentStatusProcedure, connect.NewUnaryHandler(PaymentServiceGetPaymentStatusProcedure, svc.GetPaymentStatus, opts...))
	mux.Handle(PaymentServiceCancelPaymentProcedure, connect.NewUnaryHandler(PaymentServiceCancelPaymentProcedure, svc.CancelPayment, opts...))
	mux.Handle(PaymentServiceAdvanceSettlementProcedure, connect.NewUnaryHandler(PaymentServiceAdvanceSettlementProcedure, svc.AdvanceSettlement, opts...))
	mux.Handle(PaymentServiceScreenEntityProcedure, connect.NewUnaryHandler(PaymentServiceScreenEntityProcedure, svc.ScreenEntity, opts...))
	mux.Handle(PaymentServiceCheckVerificationProcedure, connect.NewUnaryHandler(PaymentServiceCheckVerificationProcedure, svc.CheckVerification, opts...))
	return "/" + PaymentServiceName + "/", mux
}
