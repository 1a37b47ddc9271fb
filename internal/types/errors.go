package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures so callers can branch without string
// matching. Transient errors are safe to retry; everything else is not.
type ErrorKind string

// Error kinds.
const (
	KindValidation    ErrorKind = "VALIDATION"
	KindConsentDenied ErrorKind = "CONSENT_DENIED"
	KindTierLimit     ErrorKind = "TIER_LIMIT"
	KindNotFound      ErrorKind = "NOT_FOUND"
	KindSandbox       ErrorKind = "SQL_SANDBOX"
	KindIdentity      ErrorKind = "IDENTITY_VIOLATION"
	KindIntegrity     ErrorKind = "INTEGRITY"
	KindTransient     ErrorKind = "TRANSIENT"
	KindFatal         ErrorKind = "FATAL"
)

// Error is the typed error carried across package boundaries. Reason is a
// stable machine token (e.g. a sandbox rejection reason); Message is for
// humans.
type Error struct {
	Kind    ErrorKind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a typed error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewReasonError builds a typed error carrying a stable reason token.
func NewReasonError(kind ErrorKind, reason, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps err with a kind and context message.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// TierLimitError reports a hard tier cap. Current is the count observed
// under the enforcement lock; Limit is the cap that was exceeded.
type TierLimitError struct {
	Resource string
	Current  int
	Limit    int
}

func (e *TierLimitError) Error() string {
	return fmt.Sprintf("TIER_LIMIT: %s at %d of %d", e.Resource, e.Current, e.Limit)
}

// KindOf extracts the kind from an error chain. Unclassified errors are
// fatal: the caller must not guess that retrying is safe.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var tle *TierLimitError
	if errors.As(err, &tle) {
		return KindTierLimit
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindFatal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the error is transient.
func Retryable(err error) bool {
	return IsKind(err, KindTransient)
}

// ReasonOf extracts the stable reason token, if any.
func ReasonOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Reason
	}
	return ""
}

// HTTPStatus maps a kind to the status an API surface should return.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindValidation, KindSandbox:
		return http.StatusBadRequest
	case KindConsentDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindIdentity, KindIntegrity:
		return http.StatusConflict
	case KindTierLimit:
		return http.StatusTooManyRequests
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
