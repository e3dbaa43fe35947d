package channels

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a channel failure. The dispatcher drops permanent
// failures and retries everything else, so misclassifying a transient error
// as permanent loses a message while the reverse only wastes retries.
type ErrorCode string

const (
	// ErrCodeNotFound: the chat id does not exist or the recipient is gone.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeForbidden: the bot is blocked or lacks permission to post.
	ErrCodeForbidden ErrorCode = "FORBIDDEN"

	// ErrCodeInvalidInput: the message itself can never be delivered.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// ErrCodeRateLimit: the platform asked us to slow down.
	ErrCodeRateLimit ErrorCode = "RATE_LIMIT"

	// ErrCodeTimeout: the send attempt exceeded its budget.
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeConnection: network or connection failure.
	ErrCodeConnection ErrorCode = "CONNECTION"

	// ErrCodeUnavailable: the platform is temporarily down.
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE"
)

// DeliveryError is a classified channel send failure.
type DeliveryError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Permanent reports whether retrying can never succeed.
func (e *DeliveryError) Permanent() bool {
	switch e.Code {
	case ErrCodeNotFound, ErrCodeForbidden, ErrCodeInvalidInput:
		return true
	default:
		return false
	}
}

// PermanentDelivery wraps err as a permanent delivery failure.
func PermanentDelivery(code ErrorCode, message string, err error) *DeliveryError {
	return &DeliveryError{Code: code, Message: message, Err: err}
}

// TemporaryDelivery wraps err as a transient delivery failure.
func TemporaryDelivery(code ErrorCode, message string, err error) *DeliveryError {
	return &DeliveryError{Code: code, Message: message, Err: err}
}

// IsPermanentDelivery reports whether err is a delivery error that should be
// dropped rather than retried. Unknown errors are transient: the dispatcher's
// at-least-once guarantee depends on retrying anything unclassified.
func IsPermanentDelivery(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Permanent()
	}
	return false
}
