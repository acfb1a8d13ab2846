package common

import (
	"errors"
	"fmt"
)

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInternal     = errors.New("internal error")
)

// ValidationError reports one admission rule a candidate file broke. It is
// surfaced per file, never retried, and never aborts the rest of the batch.
type ValidationError struct {
	Filename string
	Rule     string
	Message  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %q (%s): %s", e.Filename, e.Rule, e.Message)
}

// StorageError reports a persistence failure during one file's admission.
// It aborts only the affected file.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error in %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// StateError reports an invariant violation in the processing record manager.
// The offending update is rejected atomically.
type StateError struct {
	Message string
}

func (e *StateError) Error() string { return "state error: " + e.Message }

// DispatchError reports a failure talking to the external worker. Transient
// errors (connection failures, timeouts, 5xx) are retried with backoff;
// permanent errors (4xx, explicit worker rejection) are terminal.
type DispatchError struct {
	StatusCode int // 0 when the request never completed
	Transient  bool
	Message    string
	Cause      error
}

func (e *DispatchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("dispatch error: %s: %v", e.Message, e.Cause)
	}
	return "dispatch error: " + e.Message
}

func (e *DispatchError) Unwrap() error { return e.Cause }

// IsTransient reports whether err is a retryable dispatch error.
func IsTransient(err error) bool {
	var de *DispatchError
	return errors.As(err, &de) && de.Transient
}

// WrapError annotates err with message, preserving nil.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
