package client

import (
	"errors"

	"github.com/haasonsaas/toolgate/pkg/protocol"
)

// CodeConnectionLost marks failures of the transport itself, as opposed to
// error replies from the gateway, which keep their protocol codes.
const CodeConnectionLost = -1

// Error is a failed gateway call.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string { return e.Message }

func connError(message string) *Error {
	return &Error{Code: CodeConnectionLost, Message: message}
}

// IsDenied reports whether err is a denial, by policy or by the guardian.
func IsDenied(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == protocol.CodeApprovalDenied || e.Code == protocol.CodePolicyDenied
}

// IsApprovalTimeout reports whether err is an approval nobody answered in
// time.
func IsApprovalTimeout(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == protocol.CodeApprovalTimeout
}

// IsConnectionError reports whether err is a transport or handshake failure
// rather than a verdict on the call itself. Calls failing this way may have
// resolved on the gateway; their outcomes are retrievable with
// GetPendingResults.
func IsConnectionError(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == CodeConnectionLost || e.Code == protocol.CodeNotAuthenticated
}
