package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures for retry decisions and caller-facing messages.
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindRateLimited        ErrorKind = "rate_limited"
	KindAuthentication     ErrorKind = "authentication"
	KindInvalidRequest     ErrorKind = "invalid_request"
	KindUnsupportedMethod  ErrorKind = "unsupported_method"
	KindBackendRateLimited ErrorKind = "backend_rate_limited"
	KindTransientNetwork   ErrorKind = "transient_network"
	KindBackendServer      ErrorKind = "backend_server"
	KindInvalidResponse    ErrorKind = "invalid_response"
	KindCanceled           ErrorKind = "canceled"
	KindInternal           ErrorKind = "internal"
)

var (
	ErrUnknownBackend    = errors.New("unknown backend")
	ErrEmptyPrompt       = errors.New("prompt is empty")
	ErrPromptTooLong     = errors.New("prompt too long")
	ErrMissingCredential = errors.New("backend credential missing")
)

// Error carries a classified failure. Message is internal detail and must not
// be shown to callers as-is.
type Error struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether the generation client may try again.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindTransientNetwork, KindBackendServer:
		return true
	default:
		return false
	}
}

// NewError builds a classified error wrapping cause.
func NewError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf extracts the classification of err, defaulting to KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err is classified as transient.
func IsRetryable(err error) bool {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Retryable()
	}
	return false
}

// RetryAfterOf returns the retry hint attached to err, if any.
func RetryAfterOf(err error) time.Duration {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.RetryAfter
	}
	return 0
}
