// Package ratioerr provides the structured error taxonomy used across the
// core (spec.md §7). Errors preserve message and causal chains while
// remaining compatible with errors.Is/As, following the same shape as the
// teacher's runtime/agent/toolerrors.ToolError.
package ratioerr

import (
	"errors"
	"fmt"
)

// Code identifies a taxonomy entry from spec.md §7.
type Code string

const (
	// InvalidSchema covers definitions or payloads violating their declared
	// schema or structural rules (duplicate execution ids, missing required
	// fields, missing response-reference-map keys).
	InvalidSchema Code = "InvalidSchema"
	// InvalidReference covers malformed REF: strings or unknown execution
	// ids/response keys.
	InvalidReference Code = "InvalidReference"
	// MissingDefinition covers a tool definition file that could not be found.
	MissingDefinition Code = "MissingDefinition"
	// InvalidDefinition covers a tool definition file that could not be parsed.
	InvalidDefinition Code = "InvalidDefinition"
	// AccessDenied covers storage returning 403 or entity_has_access=false.
	AccessDenied Code = "AccessDenied"
	// FileCreationFailure covers an unexpected non-2xx from storage on a
	// required write.
	FileCreationFailure Code = "FileCreationFailure"
	// TokenExpired covers a token whose lifetime has elapsed beyond refresh.
	TokenExpired Code = "TokenExpired"
	// JWTVerification covers a token that failed signature/claims verification.
	JWTVerification Code = "JWTVerification"
	// ToolExecutionFailed covers a leaf tool reporting failure; propagated
	// upward unchanged.
	ToolExecutionFailed Code = "ToolExecutionFailed"
	// Timeout covers a process exceeding global_process_timeout_minutes.
	Timeout Code = "Timeout"
	// Stuck covers a parent process whose children are all terminal but that
	// never observed a completion event.
	Stuck Code = "Stuck"
)

// Error is the structured error type used throughout the core. It carries a
// taxonomy Code, a human message, and an optional wrapped Cause so chains
// survive serialization while still supporting errors.Is/As via Unwrap.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	if message == "" {
		message = string(code)
	}
	return &Error{Code: code, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap constructs an Error with the given code and message, wrapping cause.
// If message is empty it defaults to cause's message.
func Wrap(code Code, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Code: code, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, supporting errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// CodeOf extracts the taxonomy Code from err, if any ratioerr.Error is found
// in its chain. The second return value is false when no Error is present.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// StatusCode maps a taxonomy Code to the HTTP-style status code used in the
// {status_code, body} error envelope described in spec.md §6.5.
func StatusCode(code Code) int {
	switch code {
	case InvalidSchema, InvalidReference, MissingDefinition, InvalidDefinition:
		return 400
	case AccessDenied:
		return 403
	case TokenExpired, JWTVerification:
		return 401
	default:
		return 500
	}
}

// Envelope is the {status_code, body} shape described in spec.md §6.5.
type Envelope struct {
	StatusCode int    `json:"status_code"`
	Body       Body   `json:"body"`
}

// Body carries the error message for a failing response.
type Body struct {
	Message string `json:"message"`
}

// ToEnvelope converts err into the documented error envelope. Non-ratioerr
// errors are reported with status 500.
func ToEnvelope(err error) Envelope {
	code, ok := CodeOf(err)
	if !ok {
		return Envelope{StatusCode: 500, Body: Body{Message: err.Error()}}
	}
	return Envelope{StatusCode: StatusCode(code), Body: Body{Message: err.Error()}}
}
