package dispatcher

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a dispatch failure for logging and metrics.
type ErrorCode string

const (
	// ErrCodeUnknownTool indicates the requested tool is not in the registry.
	ErrCodeUnknownTool ErrorCode = "UNKNOWN_TOOL"

	// ErrCodeNotConfigured indicates the tool is known but its service has
	// no handler.
	ErrCodeNotConfigured ErrorCode = "SERVICE_NOT_CONFIGURED"

	// ErrCodeNoRequest indicates the tool definition carries no request
	// mapping and cannot be executed.
	ErrCodeNoRequest ErrorCode = "NO_REQUEST_DEFINITION"

	// ErrCodeUnreachable indicates the backend could not be reached at the
	// transport level.
	ErrCodeUnreachable ErrorCode = "SERVICE_UNREACHABLE"

	// ErrCodeUpstream indicates the backend answered with a failure.
	ErrCodeUpstream ErrorCode = "UPSTREAM_ERROR"
)

// Error is a categorized dispatch failure. Message is safe to surface to
// the agent; Err carries the underlying cause for logs only.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error, allowing errors.Is and errors.As to
// work across the wrap.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error with the given code and message.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// GetErrorCode extracts the ErrorCode from a dispatch Error; any other
// error maps to ErrCodeUpstream.
func GetErrorCode(err error) ErrorCode {
	var dispatchErr *Error
	if errors.As(err, &dispatchErr) {
		return dispatchErr.Code
	}
	return ErrCodeUpstream
}

// AgentMessage returns the message the agent may see for a dispatch
// failure. Uncategorized errors collapse to a generic message so internal
// detail never crosses the wire.
func AgentMessage(err error) string {
	var dispatchErr *Error
	if errors.As(err, &dispatchErr) {
		return dispatchErr.Message
	}
	return "Internal execution error"
}
