package errors

import (
	"errors"
	"fmt"
	"testing"

	"connectrpc.com/connect"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(CodeKYCRequired, "kyc needed"))

	if !errors.Is(err, &Error{Code: CodeKYCRequired}) {
		t.Fatal("expected errors.Is to match by code")
	}
	if errors.Is(err, &Error{Code: CodeKYBRequired}) {
		t.Fatal("expected different code not to match")
	}
	if !IsBlocked(err) {
		t.Fatal("expected kyc_required to be a blocked code")
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"plain error", errors.New("boom"), CodeUnknown},
		{"direct", New(CodeValidation, "bad"), CodeValidation},
		{"wrapped", fmt.Errorf("ctx: %w", Wrap(CodeStoreUnavailable, "write", errors.New("disk"))), CodeStoreUnavailable},
		{"nil", nil, CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := Wrap(CodeStoreUnavailable, "update payment", errors.New("database is locked"))
	if got, want := err.Error(), "update payment: database is locked"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, err.Cause) {
		t.Fatal("expected cause to be reachable through Unwrap")
	}
}

func TestConnectCode(t *testing.T) {
	tests := map[Code]connect.Code{
		CodeValidation:          connect.CodeInvalidArgument,
		CodeInvalidTransition:   connect.CodeFailedPrecondition,
		CodeSanctionsBlocked:    connect.CodePermissionDenied,
		CodeTransientProcessing: connect.CodeUnavailable,
		CodeStoreUnavailable:    connect.CodeUnavailable,
		CodeProcessingFailed:    connect.CodeAborted,
		CodeNotFound:            connect.CodeNotFound,
		CodeUnknown:             connect.CodeInternal,
	}
	for code, want := range tests {
		if got := code.ConnectCode(); got != want {
			t.Errorf("%s.ConnectCode() = %v, want %v", code, got, want)
		}
	}
}
