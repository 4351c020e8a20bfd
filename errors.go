package wechatpay

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidConfig reports missing or unusable merchant configuration.
	ErrInvalidConfig = errors.New("wechatpay: invalid configuration")
	// ErrCertificateNotFound reports a serial number absent from the
	// platform certificate list even after a refresh.
	ErrCertificateNotFound = errors.New("wechatpay: platform certificate not found")
)

// VerificationReason classifies why an inbound notification was rejected.
type VerificationReason string

const (
	ReasonMissingHeader VerificationReason = "missing_header" // A Wechatpay-* header is absent.
	ReasonStaleRequest  VerificationReason = "stale_timestamp" // Timestamp skew exceeded the allowed window.
	ReasonCertificate   VerificationReason = "certificate"     // No platform certificate for the serial.
	ReasonSignature     VerificationReason = "signature"       // Signature does not match the body.
	ReasonPayload       VerificationReason = "payload"         // Body or decrypted resource is malformed.
	ReasonDecrypt       VerificationReason = "decrypt"         // AEAD authentication failed.
)

// VerificationError is returned when a notification cannot be trusted. The
// caller answers the gateway with a 4xx status; it is never a programming
// error.
type VerificationError struct {
	Reason VerificationReason
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("wechatpay: notification rejected (%s)", e.Reason)
	}
	return fmt.Sprintf("wechatpay: notification rejected (%s): %v", e.Reason, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

func rejected(reason VerificationReason, err error) *VerificationError {
	return &VerificationError{Reason: reason, Err: err}
}

// IsVerificationFailure reports whether err means the notification is
// untrusted, as opposed to a transport or processing failure.
func IsVerificationFailure(err error) bool {
	var verr *VerificationError
	return errors.As(err, &verr)
}

// APIError is a non-2xx reply from the gateway.
type APIError struct {
	StatusCode int    `json:"-"`
	RequestID  string `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return fmt.Sprintf("wechatpay: gateway returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("wechatpay: gateway returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Error is the body returned to the gateway when a notification is refused.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	status int `json:"-"`
}

// Error makes *Error satisfy the stdlib error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// failCode is the only failure code the gateway understands.
const failCode = "FAIL"

// NewRejectedError builds a Forbidden payload for an untrusted notification.
func NewRejectedError(message string) *Error {
	return NewHTTPError(http.StatusForbidden, message)
}

// NewProcessingError builds an Internal Server Error payload; the gateway
// will redeliver the notification.
func NewProcessingError(message string) *Error {
	return NewHTTPError(http.StatusInternalServerError, message)
}

// NewHTTPError allows callers to control the status code explicitly.
func NewHTTPError(status int, message string) *Error {
	return &Error{
		Code:    failCode,
		Message: message,
		status:  status,
	}
}
