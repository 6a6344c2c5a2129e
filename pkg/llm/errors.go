package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrRetryable marks transient failures: rate limits, timeouts, 5xx, dropped connections
	ErrRetryable = errors.New("retryable boundary error")
	// ErrFatal marks failures that will not succeed on retry
	ErrFatal = errors.New("fatal boundary error")
)

// BoundaryError is a classified provider failure
type BoundaryError struct {
	Provider   string
	StatusCode int
	Kind       error
	Err        error
}

func (e *BoundaryError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

// Is matches the error's kind
func (e *BoundaryError) Is(target error) bool {
	return target == e.Kind
}

func (e *BoundaryError) Unwrap() error {
	return e.Err
}

// Retryable wraps err as a retryable boundary failure
func Retryable(provider string, statusCode int, err error) error {
	return &BoundaryError{Provider: provider, StatusCode: statusCode, Kind: ErrRetryable, Err: err}
}

// Fatal wraps err as a fatal boundary failure
func Fatal(provider string, statusCode int, err error) error {
	return &BoundaryError{Provider: provider, StatusCode: statusCode, Kind: ErrFatal, Err: err}
}

// IsRetryable reports whether err is worth another attempt
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}

// Classify wraps a raw provider error. statusCode is the HTTP status when
// the SDK exposes one, zero otherwise. Context errors pass through
// untouched so cancellation is never retried.
func Classify(provider string, statusCode int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var be *BoundaryError
	if errors.As(err, &be) {
		return err
	}

	if statusCode > 0 {
		if RetryableStatus(statusCode) {
			return Retryable(provider, statusCode, err)
		}
		return Fatal(provider, statusCode, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retryable(provider, 0, err)
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"econnreset", "etimedout", "connection reset", "connection refused", "rate limit", "eof"} {
		if strings.Contains(msg, marker) {
			return Retryable(provider, 0, err)
		}
	}

	return Fatal(provider, 0, err)
}

// RetryableStatus reports whether an HTTP status is transient
func RetryableStatus(code int) bool {
	switch {
	case code == 408, code == 409, code == 429:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}
