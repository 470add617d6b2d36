// Package contracts defines the shared data model of the ChittyOS evidence
// platform: documents, entities, provenance records, sync state, capability
// envelopes, and the fault taxonomy every subsystem speaks at its boundary.
package contracts

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code is a stable, machine-readable fault code surfaced across API and
// capability boundaries. Codes never change meaning once published.
type Code string

const (
	// Validation.
	CodeInvalidFormat   Code = "INVALID_FORMAT"
	CodeInvalidInput    Code = "INVALID_INPUT"
	CodeUnknownResource Code = "UNKNOWN_RESOURCE"

	// Authentication / authorization.
	CodeUnauthenticated       Code = "UNAUTHENTICATED"
	CodeAccessDenied          Code = "ACCESS_DENIED"
	CodeCapabilityQuarantined Code = "CAPABILITY_QUARANTINED"

	// Conflict / state.
	CodeDuplicateContent Code = "DUPLICATE_CONTENT"
	CodeMergeConflict    Code = "MERGE_CONFLICT"
	CodeStaleWrite       Code = "STALE_WRITE"

	// Security.
	CodeInjectionDetected Code = "INJECTION_DETECTED"
	CodeEncodedPayload    Code = "ENCODED_PAYLOAD"
	CodeFakeIdentifier    Code = "FAKE_IDENTIFIER"

	// Upstream.
	CodeUpstreamUnavailable Code = "UPSTREAM_UNAVAILABLE"
	CodeUpstreamTimeout     Code = "UPSTREAM_TIMEOUT"
	CodeUpstreamRateLimited Code = "UPSTREAM_RATE_LIMITED"

	// Internal.
	CodeIntegrityBreak  Code = "INTEGRITY_BREAK"
	CodePipelineFailure Code = "PIPELINE_FAILURE"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeUnexpected      Code = "UNEXPECTED"
)

// Fault is a typed error carried across subsystem boundaries. It wraps an
// optional cause which is logged but never serialized to callers.
type Fault struct {
	Code        Code   `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`

	cause error
}

// NewFault creates a Fault with the given code and message.
func NewFault(code Code, message string) *Fault {
	return &Fault{Code: code, Message: message, Recoverable: recoverableByDefault(code)}
}

// Faultf creates a Fault with a formatted message.
func Faultf(code Code, format string, args ...any) *Fault {
	return NewFault(code, fmt.Sprintf(format, args...))
}

// WrapFault wraps a cause error in a Fault. The cause is preserved for
// errors.Is / errors.As but excluded from serialization.
func WrapFault(code Code, message string, cause error) *Fault {
	f := NewFault(code, message)
	f.cause = cause
	return f
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.cause)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Unwrap exposes the cause to the errors package.
func (f *Fault) Unwrap() error { return f.cause }

// WithRecoverable overrides the default recoverability of the code.
func (f *Fault) WithRecoverable(r bool) *Fault {
	f.Recoverable = r
	return f
}

// FaultCode extracts the Code from err, walking the wrap chain. Unclassified
// errors map to CodeUnexpected.
func FaultCode(err error) Code {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return CodeUnexpected
}

// AsFault converts any error into a Fault, passing Faults through unchanged.
func AsFault(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return WrapFault(CodeUnexpected, "unexpected internal error", err)
}

// HTTPStatus maps a fault code to its HTTP response status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidFormat, CodeInvalidInput, CodeEncodedPayload, CodeFakeIdentifier:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeAccessDenied, CodeCapabilityQuarantined, CodeInjectionDetected:
		return http.StatusForbidden
	case CodeUnknownResource:
		return http.StatusNotFound
	case CodeDuplicateContent, CodeMergeConflict, CodeStaleWrite:
		return http.StatusConflict
	case CodeRateLimited, CodeUpstreamRateLimited:
		return http.StatusTooManyRequests
	case CodeUpstreamUnavailable, CodeUpstreamTimeout:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// recoverableByDefault reports whether callers may retry faults of this code
// without operator intervention.
func recoverableByDefault(code Code) bool {
	switch code {
	case CodeUpstreamUnavailable, CodeUpstreamTimeout, CodeUpstreamRateLimited,
		CodeRateLimited, CodeStaleWrite:
		return true
	default:
		return false
	}
}

// Clock is the time source injected into every subsystem so tests can pin
// the wall clock. Production code passes time.Now.
type Clock func() time.Time
