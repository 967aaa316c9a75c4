package comprobante

import (
	"errors"
	"fmt"
)

// Error is a pipeline error with a stable code for observability and
// programmatic handling. Sentinel instances below define the taxonomy;
// stage code wraps them with detail via fmt.Errorf("...: %w", ...) so both
// errors.Is against the sentinel and code extraction keep working.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Input errors: rejected at the builder boundary, document never created.
var (
	ErrBadRUC     = &Error{Code: "BAD_RUC", Message: "RUC must be 13 digits"}
	ErrBadCedula  = &Error{Code: "BAD_CEDULA", Message: "cedula failed mod-10 validation"}
	ErrBadPayload = &Error{Code: "BAD_PAYLOAD", Message: "sale payload is invalid"}
)

// Resource errors: fatal for signing, document moves to FAILED.
var (
	ErrCertificateNotFound = &Error{Code: "CERT_NOT_FOUND", Message: "PKCS#12 certificate file not found"}
	ErrBadPassphrase       = &Error{Code: "CERT_BAD_PASSPHRASE", Message: "PKCS#12 credential failed to decrypt"}
	ErrCertificateExpired  = &Error{Code: "CERT_EXPIRED", Message: "signing certificate is expired"}
)

// Schema errors: FAILED in production, warning in test.
var ErrValidationFailed = &Error{Code: "XSD_VALIDATION_FAILED", Message: "comprobante failed schema validation"}

// Network errors: retried per policy; the document stays in its last stable
// state when retries are exhausted.
var (
	ErrSRIConnection = &Error{Code: "SRI_CONNECTION", Message: "could not reach SRI web service", Retryable: true}
	ErrSRITimeout    = &Error{Code: "SRI_TIMEOUT", Message: "SRI web service call timed out", Retryable: true}
)

// Business errors: terminal RETURNED with the SRI's structured messages
// preserved on the document.
var (
	ErrSRIReception     = &Error{Code: "SRI_RECEPTION", Message: "comprobante returned by SRI reception"}
	ErrSRIAuthorization = &Error{Code: "SRI_AUTHORIZATION", Message: "comprobante not authorized by SRI"}
)

// Pipeline errors.
var (
	ErrSequenceExhausted    = &Error{Code: "SEQUENCE_EXHAUSTED", Message: "sequential counter reached 999999999"}
	ErrStateViolation       = &Error{Code: "STATE_VIOLATION", Message: "attempted transition out of a terminal state"}
	ErrAuthorizationPending = &Error{Code: "AUTH_PENDING", Message: "authorization still in process after poll ceiling", Retryable: true}
)

// Retryable reports whether err (or anything it wraps) is a transient
// failure the caller may retry without changing document state.
func Retryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// CodeOf extracts the stable error code, or "UNKNOWN" for foreign errors.
func CodeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return "UNKNOWN"
}

// Wrap attaches detail to a taxonomy sentinel.
func Wrap(sentinel *Error, detail string) error {
	return fmt.Errorf("%w: %s", sentinel, detail)
}
