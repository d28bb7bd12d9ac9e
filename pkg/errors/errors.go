// Package errors defines the typed errors surfaced by the atrium core.
//
// Every error that crosses a package boundary carries a stable machine-readable
// code. Callers should match with the IsXxx helpers or errors.As; the string
// form is for logs only and never carries token material.
package errors

import (
	"errors"
	"fmt"
)

// Error codes surfaced to callers.
const (
	// CodeSessionIDEmpty is returned when an empty or whitespace session id is presented.
	CodeSessionIDEmpty = "session_id_empty"

	// CodeSessionExpired is returned when a session is past its expiry or max lifetime.
	CodeSessionExpired = "session_expired"

	// CodeSessionRateLimited is returned when session reads exceed the configured bucket.
	CodeSessionRateLimited = "session_rate_limited"

	// CodeInvalidToken is returned when a presented token fails validation.
	CodeInvalidToken = "invalid_token"

	// CodeNoProviderID is returned when a provider-scoped operation lacks a provider id.
	CodeNoProviderID = "no_provider_id"

	// CodeTokenStoreRequired is returned when an orchestrated operation needs a vault but none is bound.
	CodeTokenStoreRequired = "token_store_required"

	// CodeTokenNotAvailable is returned when no usable token exists and refresh is impossible.
	CodeTokenNotAvailable = "token_not_available"

	// CodeToolNotAllowed is returned when the active policy denies a tool call.
	CodeToolNotAllowed = "tool_not_allowed"

	// CodeToolApprovalRequired is returned when a tool call needs an approval that was not granted.
	CodeToolApprovalRequired = "tool_approval_required"

	// CodeFlowNotFound is returned when no registered flow can handle a request.
	CodeFlowNotFound = "flow_not_found"

	// CodeFlowCancelled is returned when a flow is aborted by deadline or cancellation.
	CodeFlowCancelled = "flow_cancelled"

	// CodeStorageConnection is returned on network or transport failure to the storage backend.
	CodeStorageConnection = "storage_connection"

	// CodeStorageConfig is returned when the storage backend configuration is invalid.
	CodeStorageConfig = "storage_config"
)

// Error represents a typed error in the core.
type Error struct {
	// Code is the stable machine-readable error code.
	Code string

	// Message is the human-readable error message.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a typed error with the given code.
func New(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Newf creates a typed error with a formatted message and no cause.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of err if it is (or wraps) a typed Error,
// or the empty string otherwise.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func is(err error, code string) bool {
	return CodeOf(err) == code
}

// NewSessionIDEmptyError creates a new session id empty error.
func NewSessionIDEmptyError(message string) *Error {
	return New(CodeSessionIDEmpty, message, nil)
}

// NewSessionExpiredError creates a new session expired error.
func NewSessionExpiredError(message string) *Error {
	return New(CodeSessionExpired, message, nil)
}

// NewSessionRateLimitedError creates a new session rate limited error.
func NewSessionRateLimitedError(message string) *Error {
	return New(CodeSessionRateLimited, message, nil)
}

// NewInvalidTokenError creates a new invalid token error.
func NewInvalidTokenError(message string, cause error) *Error {
	return New(CodeInvalidToken, message, cause)
}

// NewNoProviderIDError creates a new missing provider id error.
func NewNoProviderIDError(message string) *Error {
	return New(CodeNoProviderID, message, nil)
}

// NewTokenStoreRequiredError creates a new token store required error.
func NewTokenStoreRequiredError(message string) *Error {
	return New(CodeTokenStoreRequired, message, nil)
}

// NewTokenNotAvailableError creates a new token not available error.
func NewTokenNotAvailableError(message string, cause error) *Error {
	return New(CodeTokenNotAvailable, message, cause)
}

// NewToolNotAllowedError creates a new tool not allowed error.
func NewToolNotAllowedError(message string) *Error {
	return New(CodeToolNotAllowed, message, nil)
}

// NewToolApprovalRequiredError creates a new tool approval required error.
func NewToolApprovalRequiredError(message string) *Error {
	return New(CodeToolApprovalRequired, message, nil)
}

// NewFlowNotFoundError creates a new flow not found error.
func NewFlowNotFoundError(message string) *Error {
	return New(CodeFlowNotFound, message, nil)
}

// NewFlowCancelledError creates a new flow cancelled error.
func NewFlowCancelledError(message string, cause error) *Error {
	return New(CodeFlowCancelled, message, cause)
}

// NewStorageConnectionError creates a new storage connection error.
func NewStorageConnectionError(message string, cause error) *Error {
	return New(CodeStorageConnection, message, cause)
}

// NewStorageConfigError creates a new storage config error.
func NewStorageConfigError(message string, cause error) *Error {
	return New(CodeStorageConfig, message, cause)
}

// IsSessionIDEmpty checks if the error is a session id empty error.
func IsSessionIDEmpty(err error) bool { return is(err, CodeSessionIDEmpty) }

// IsSessionExpired checks if the error is a session expired error.
func IsSessionExpired(err error) bool { return is(err, CodeSessionExpired) }

// IsSessionRateLimited checks if the error is a session rate limited error.
func IsSessionRateLimited(err error) bool { return is(err, CodeSessionRateLimited) }

// IsInvalidToken checks if the error is an invalid token error.
func IsInvalidToken(err error) bool { return is(err, CodeInvalidToken) }

// IsNoProviderID checks if the error is a missing provider id error.
func IsNoProviderID(err error) bool { return is(err, CodeNoProviderID) }

// IsTokenStoreRequired checks if the error is a token store required error.
func IsTokenStoreRequired(err error) bool { return is(err, CodeTokenStoreRequired) }

// IsTokenNotAvailable checks if the error is a token not available error.
func IsTokenNotAvailable(err error) bool { return is(err, CodeTokenNotAvailable) }

// IsToolNotAllowed checks if the error is a tool not allowed error.
func IsToolNotAllowed(err error) bool { return is(err, CodeToolNotAllowed) }

// IsToolApprovalRequired checks if the error is a tool approval required error.
func IsToolApprovalRequired(err error) bool { return is(err, CodeToolApprovalRequired) }

// IsFlowNotFound checks if the error is a flow not found error.
func IsFlowNotFound(err error) bool { return is(err, CodeFlowNotFound) }

// IsFlowCancelled checks if the error is a flow cancelled error.
func IsFlowCancelled(err error) bool { return is(err, CodeFlowCancelled) }

// IsStorageConnection checks if the error is a storage connection error.
func IsStorageConnection(err error) bool { return is(err, CodeStorageConnection) }

// IsStorageConfig checks if the error is a storage config error.
func IsStorageConfig(err error) bool { return is(err, CodeStorageConfig) }
