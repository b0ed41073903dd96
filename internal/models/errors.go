package models

import (
	"errors"
	"fmt"
)

// ErrConstraintViolation is returned by stores when a message would reuse
// an existing (session, sequence_number, is_assistant_reply) slot.
var ErrConstraintViolation = errors.New("message already exists for this sequence number")

// StorageError wraps a driver failure. Transient failures (connection loss,
// timeouts, busy database) may succeed on retry; the rest will not.
type StorageError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
