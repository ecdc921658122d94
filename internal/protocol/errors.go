package protocol

import (
	"errors"
	"fmt"
)

// Code classifies a per-event failure.
type Code string

const (
	CodeAuth         Code = "auth_error"
	CodeValidation   Code = "validation_error"
	CodeRateLimited  Code = "rate_limited"
	CodeUnauthorized Code = "unauthorized_action"
	CodeConflict     Code = "conflict"
	CodeDispatch     Code = "dispatch_error"
	CodeStorage      Code = "storage_error"
	CodeNotFound     Code = "not_found"
	CodeInternal     Code = "internal_error"
)

// Reasons used across components.
const (
	ReasonMissingCredential  = "missing_credential"
	ReasonInvalidCredential  = "invalid_credential"
	ReasonRequestUnavailable = "request_unavailable"
	ReasonRateLimited        = "rate_limited"
	ReasonUnknownEvent       = "unknown_event"
)

// Error is a per-event failure returned only to the connection that issued
// the event. It never closes the connection.
type Error struct {
	Code      Code
	Reason    string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Code, e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Reason, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code and, when set on target, reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Validation rejects a single malformed event.
func Validation(reason, message string) *Error {
	return &Error{Code: CodeValidation, Reason: reason, Message: message}
}

// Unauthorized rejects an event the caller is not permitted to issue.
func Unauthorized(reason, message string) *Error {
	return &Error{Code: CodeUnauthorized, Reason: reason, Message: message}
}

// Conflict reports a lost race. Callers treat it as informational.
func Conflict(reason, message string) *Error {
	return &Error{Code: CodeConflict, Reason: reason, Message: message}
}

// NotFound reports an unknown target.
func NotFound(reason, message string) *Error {
	return &Error{Code: CodeNotFound, Reason: reason, Message: message}
}

// RateLimited rejects an event over the connection budget.
func RateLimited() *Error {
	return &Error{Code: CodeRateLimited, Reason: ReasonRateLimited, Message: "too many events, back off", Retryable: true}
}

// DispatchFailure wraps a collaborator failure during a dispatch
// transition. State is unchanged, so the caller may retry.
func DispatchFailure(err error) *Error {
	return &Error{Code: CodeDispatch, Reason: "storage_unavailable", Message: "dispatch update failed, retry", Retryable: true, Err: err}
}

// StorageFailure wraps any other collaborator failure.
func StorageFailure(err error) *Error {
	return &Error{Code: CodeStorage, Reason: "storage_unavailable", Message: "storage operation failed, retry", Retryable: true, Err: err}
}

// AuthFailure rejects a handshake.
func AuthFailure(reason, message string) *Error {
	return &Error{Code: CodeAuth, Reason: reason, Message: message}
}

// ErrRequestUnavailable is the conflict returned to every losing acceptor.
var ErrRequestUnavailable = Conflict(ReasonRequestUnavailable, "request already taken or no longer pending")

// ErrorPayload is the wire form of an Error.
type ErrorPayload struct {
	Event     string `json:"event"`
	Code      Code   `json:"code"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
	Ref       string `json:"ref,omitempty"`
	For       string `json:"for,omitempty"`
}

// AsError converts any error into a wire-safe *Error. Unknown errors become
// internal_error without their details.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Code: CodeInternal, Reason: "internal", Message: "internal error", Err: err}
}

// Payload builds the wire form for the event identified by forEvent.
func (e *Error) Payload(forEvent, ref string) ErrorPayload {
	return ErrorPayload{
		Event:     EventError,
		Code:      e.Code,
		Reason:    e.Reason,
		Message:   e.Message,
		Retryable: e.Retryable,
		Ref:       ref,
		For:       forEvent,
	}
}
