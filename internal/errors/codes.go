// Package errors provides coded domain errors for the payment core.
package errors

import "connectrpc.com/connect"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "unknown"

	// Request errors
	CodeValidation Code = "validation"
	CodeNotFound   Code = "not_found"

	// State machine errors
	CodeInvalidTransition Code = "invalid_transition"

	// Compliance denials
	CodeSanctionsBlocked Code = "sanctions_blocked"
	CodeKYCRequired      Code = "kyc_required"
	CodeKYBRequired      Code = "kyb_required"

	// Transfer execution errors
	CodeTransientProcessing Code = "transient_processing_error"
	CodeFatalProcessing     Code = "fatal_processing_error"
	CodeProcessingFailed    Code = "processing_failed"

	// Persistence errors
	CodeStoreUnavailable Code = "store_unavailable"
)

// Blocked reports whether the code is a deterministic compliance denial.
func (c Code) Blocked() bool {
	switch c {
	case CodeSanctionsBlocked, CodeKYCRequired, CodeKYBRequired:
		return true
	default:
		return false
	}
}

// ConnectCode maps domain codes to connect status codes.
func (c Code) ConnectCode() connect.Code {
	switch c {
	case CodeValidation:
		return connect.CodeInvalidArgument
	case CodeNotFound:
		return connect.CodeNotFound
	case CodeInvalidTransition:
		return connect.CodeFailedPrecondition
	case CodeSanctionsBlocked, CodeKYCRequired, CodeKYBRequired:
		return connect.CodePermissionDenied
	case CodeTransientProcessing, CodeStoreUnavailable:
		return connect.CodeUnavailable
	case CodeFatalProcessing, CodeProcessingFailed:
		return connect.CodeAborted
	default:
		return connect.CodeInternal
	}
}
