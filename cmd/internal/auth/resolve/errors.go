package resolve

import (
	"errors"
	"net/http"

	"classworks/cmd/internal/httpx"
)

// Stable error codes.
const (
	CodeTokenMissing       = "AUTH_TOKEN_MISSING"
	CodeTokenInvalid       = "AUTH_TOKEN_INVALID"
	CodeNamespaceMismatch  = "AUTH_NAMESPACE_MISMATCH"
	CodePermissionDenied   = "AUTH_PERMISSION_DENIED"
	CodeJWTMissing         = "AUTH_JWT_MISSING"
	CodeJWTInvalid         = "AUTH_JWT_INVALID"
	CodeJWTExpired         = "AUTH_JWT_EXPIRED"
	CodeTokenRevoked       = "AUTH_TOKEN_REVOKED"
	CodeAccountNotFound    = "AUTH_ACCOUNT_NOT_FOUND"
	CodeDeviceUUIDRequired = "AUTH_DEVICE_UUID_REQUIRED"
	CodeDeviceNotFound     = "DEVICE_NOT_FOUND"
	CodeDeviceNotBound     = "AUTH_DEVICE_NOT_BOUND"
	CodePasswordRequired   = "AUTH_PASSWORD_REQUIRED"
	CodePasswordInvalid    = "AUTH_PASSWORD_INVALID"
	CodeInternal           = "INTERNAL_ERROR"
)

// Reasons refine a code for clients that branch on sub-kinds.
const (
	ReasonJWTExpired     = "JWT_EXPIRED"
	ReasonVersionRevoked = "VERSION_REVOKED"
)

// Error is an HTTP-facing authentication or authorization failure.
type Error struct {
	Status  int
	Code    string
	Reason  string
	Message string

	// Cause is kept for logs only and never rendered.
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Code + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an Error without cause or reason.
func NewError(status int, code, msg string) *Error {
	return &Error{Status: status, Code: code, Message: msg}
}

func (e *Error) withCause(err error) *Error {
	c := *e
	c.Cause = err
	return &c
}

func (e *Error) withReason(reason string) *Error {
	c := *e
	c.Reason = reason
	return &c
}

var (
	errTokenMissing     = NewError(http.StatusUnauthorized, CodeTokenMissing, "missing app token")
	errTokenInvalid     = NewError(http.StatusUnauthorized, CodeTokenInvalid, "invalid app token")
	errNamespace        = NewError(http.StatusForbidden, CodeNamespaceMismatch, "token does not belong to the requested namespace")
	errReadDenied       = NewError(http.StatusForbidden, CodePermissionDenied, "token has no read permission")
	errWriteDenied      = NewError(http.StatusForbidden, CodePermissionDenied, "token has no write permission")
	errJWTMissing       = NewError(http.StatusUnauthorized, CodeJWTMissing, "a valid JWT is required")
	errJWTInvalid       = NewError(http.StatusUnauthorized, CodeJWTInvalid, "invalid JWT")
	errJWTExpired       = NewError(http.StatusUnauthorized, CodeJWTExpired, "JWT has expired").withReason(ReasonJWTExpired)
	errTokenRevoked     = NewError(http.StatusUnauthorized, CodeTokenRevoked, "token has been revoked").withReason(ReasonVersionRevoked)
	errAccountNotFound  = NewError(http.StatusUnauthorized, CodeAccountNotFound, "account does not exist")
	errUUIDRequired     = NewError(http.StatusBadRequest, CodeDeviceUUIDRequired, "device UUID is required")
	errDeviceNotFound   = NewError(http.StatusNotFound, CodeDeviceNotFound, "device not found")
	errDeviceNotBound   = NewError(http.StatusForbidden, CodeDeviceNotBound, "device is not bound to this account")
	errPasswordRequired = NewError(http.StatusUnauthorized, CodePasswordRequired, "a device password or JWT is required")
	errPasswordInvalid  = NewError(http.StatusUnauthorized, CodePasswordInvalid, "wrong device password")
	errInternal         = NewError(http.StatusInternalServerError, CodeInternal, "internal error")
)

// WriteError renders err. Non-*Error values become a 500 without detail.
func WriteError(w http.ResponseWriter, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = errInternal
	}
	httpx.WriteErrorReason(w, e.Status, e.Code, e.Message, e.Reason)
}

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
