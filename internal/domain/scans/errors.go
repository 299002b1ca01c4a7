package scans

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCanceled is the cooperative cancellation signal.
	ErrCanceled = errors.New("scan canceled")
	// ErrExtractionExhausted means every step of a scenario came back empty.
	ErrExtractionExhausted = errors.New("extraction exhausted")
	ErrNotFound            = errors.New("not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
)

// IsCancellation reports whether err is a cancellation rather than a failure.
// Deadlines are failures: a timed out command just means the step failed.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}

// Checkpoint maps a canceled ctx to ErrCanceled. A passed deadline is
// returned as is and counts as a failure.
func Checkpoint(ctx context.Context) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return ErrCanceled
	default:
		return err
	}
}

// ConnectionError is a transport failure reaching the target.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError is returned when a command does not finish in time.
type TimeoutError struct {
	Command string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %s: %s", e.After, e.Command)
}

// ExitError is a command that ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited %d: %s", e.ExitCode, e.Command)
}

// DetectionIncompleteError means a critical fact could not be extracted.
type DetectionIncompleteError struct {
	Type ResourceType
	Fact string
}

func (e *DetectionIncompleteError) Error() string {
	return fmt.Sprintf("detection incomplete for %s: missing %s", e.Type, e.Fact)
}

// PersistenceError wraps a failure of the persistence collaborator.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
