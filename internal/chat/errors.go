package chat

import (
	"errors"
	"fmt"

	"github.com/eldtechnologies/confab/internal/models"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrConstraintViolation means a row reused a sequence slot. It is an
	// invariant breach, not a transient failure.
	ErrConstraintViolation = models.ErrConstraintViolation

	ErrResyncRequired = errors.New("realtime feed disconnected: resync required")
	ErrDuplicateKey   = errors.New("sequence key is already pending")
	ErrClosed         = errors.New("conversation closed")
	ErrCancelled      = errors.New("completion cancelled")
	ErrEmptyReply     = errors.New("completion ended without content")
)

// StorageError is a store failure classified as transient or permanent.
type StorageError = models.StorageError

// ValidationError reports malformed input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// CompletionError wraps a provider failure for one turn.
type CompletionError struct {
	Sequence int64
	Err      error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("completion for turn %d failed: %v", e.Sequence, e.Err)
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}

// RetryExhaustedError is returned when every persistence attempt failed
// with a transient error.
type RetryExhaustedError struct {
	Err      error
	Attempts int
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("persist failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// IsRetryExhausted reports whether err is a *RetryExhaustedError.
func IsRetryExhausted(err error) bool {
	var re *RetryExhaustedError
	return errors.As(err, &re)
}
