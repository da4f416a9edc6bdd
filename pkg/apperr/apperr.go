// Package apperr defines the typed error taxonomy shared by every
// agentcomms component: pools, the provider client, the outbound
// orchestrator, the scheduler, and the retry engine all return errors from
// this package so callers can branch on Code rather than string-matching.
package apperr

import (
	"errors"
	"fmt"
)

// Code is a domain error code, mirroring the standard/domain codes in the
// inbound HTTP surface contract.
type Code string

const (
	CodeInvalidRequest         Code = "INVALID_REQUEST"
	CodeUnauthorized           Code = "UNAUTHORIZED"
	CodeNotFound               Code = "NOT_FOUND"
	CodeConflict               Code = "CONFLICT"
	CodeRateLimited            Code = "RATE_LIMITED"
	CodeInternal               Code = "INTERNAL_ERROR"
	CodeServiceUnavailable     Code = "SERVICE_UNAVAILABLE"
	CodeInvalidPhoneNumber     Code = "INVALID_PHONE_NUMBER"
	CodeAgentNotFound          Code = "AGENT_NOT_FOUND"
	CodeConcurrentLimitReached Code = "CONCURRENT_LIMIT_REACHED"
	CodeScheduleInPast         Code = "SCHEDULE_IN_PAST"
	CodeCallAlreadyCompleted   Code = "CALL_ALREADY_COMPLETED"
	CodeRetryNotScheduled      Code = "RETRY_NOT_SCHEDULED"
	CodeRetryNotFound          Code = "RETRY_NOT_FOUND"
	CodeCircuitOpen            Code = "CIRCUIT_OPEN"

	// Pool / capacity codes (§4.1, §7 "capacity errors").
	CodePoolTimeout   Code = "POOL_TIMEOUT"
	CodeQueueFull     Code = "QUEUE_FULL"
	CodeProviderError Code = "PROVIDER_ERROR"

	// Provider-client classification codes (§4.3, §7 "provider errors").
	CodeAPIUnavailable Code = "API_UNAVAILABLE"
	CodeNetworkError   Code = "NETWORK_ERROR"

	// Session lifecycle codes (§4.5 cancel, §4.8 failure semantics).
	CodeInvalidCallState Code = "INVALID_CALL_STATE"
)

// httpStatus is the status code each Code maps to for the HTTP surface.
var httpStatus = map[Code]int{
	CodeInvalidRequest:         400,
	CodeUnauthorized:           401,
	CodeNotFound:               404,
	CodeConflict:               409,
	CodeRateLimited:            429,
	CodeInternal:               500,
	CodeServiceUnavailable:     503,
	CodeInvalidPhoneNumber:     400,
	CodeAgentNotFound:          404,
	CodeConcurrentLimitReached: 429,
	CodeScheduleInPast:         400,
	CodeCallAlreadyCompleted:   409,
	CodeRetryNotScheduled:      409,
	CodeRetryNotFound:          404,
	CodeCircuitOpen:            503,
	CodePoolTimeout:            503,
	CodeQueueFull:              503,
	CodeProviderError:          502,
	CodeAPIUnavailable:         503,
	CodeNetworkError:           502,
	CodeInvalidCallState:       409,
}

// Error is a classified domain error carrying a Code, a human message, and
// optional structured details plus a wrapped cause.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the status code for this error's Code, defaulting to
// 500 for unmapped codes.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return 500
}

// New builds a classified error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds a classified error around a cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithDetails attaches structured details and returns the same error for
// chaining at the call site.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CodeOf extracts the Code from err, walking the Unwrap chain, returning
// CodeInternal if err is not (or does not wrap) an *Error.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// Is reports whether err is classified with the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
