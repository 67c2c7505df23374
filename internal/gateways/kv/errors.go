package kv

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidKey     = errors.New("invalid key")
	ErrBatchTooLarge  = errors.New("batch exceeds maximum size")
	ErrInvalidQuery   = errors.New("invalid query")
	ErrUnsupportedVal = errors.New("unsupported attribute value")
)

// RetryableError marks a transient store failure (throttling, timeouts,
// unavailability). The core never retries these itself.
type RetryableError struct {
	Operation string
	Err       error
}

func (re *RetryableError) Error() string {
	return fmt.Sprintf("store %s failed (retryable): %v", re.Operation, re.Err)
}

func (re *RetryableError) Unwrap() error {
	return re.Err
}

// Retryable wraps err as a RetryableError unless it is nil or already one.
func Retryable(operation string, err error) error {
	if err == nil {
		return nil
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return err
	}
	return &RetryableError{Operation: operation, Err: err}
}

// IsRetryable reports whether err is a transient store failure. Deadline
// expiry counts as transient; explicit cancellation does not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
