// Package apperr defines the errors the appointment core returns to callers.
// Callers branch on them with errors.Is; none of them is retried except
// ErrTransientStorage on idempotent reads.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("appointment not found")
	ErrAppointmentClosed = errors.New("appointment is closed")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrSlotUnavailable   = errors.New("time slot unavailable")
	ErrTransientStorage  = errors.New("storage temporarily unavailable")
	ErrDuplicateKey      = errors.New("duplicate appointment id")
)

// Invalid reports a malformed request.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Transient wraps a storage failure that may succeed when retried.
func Transient(err error) error {
	return fmt.Errorf("%w: %v", ErrTransientStorage, err)
}

// Reason is one cause of a SlotUnavailableError.
type Reason struct {
	AppointmentID string
	Resource      string
	Message       string
}

// SlotUnavailableError lists every conflicting booking found for a request.
type SlotUnavailableError struct {
	Reasons []Reason
}

func (e *SlotUnavailableError) Error() string {
	if len(e.Reasons) == 0 {
		return ErrSlotUnavailable.Error()
	}
	msgs := make([]string, 0, len(e.Reasons))
	for _, r := range e.Reasons {
		msgs = append(msgs, r.Message)
	}
	return ErrSlotUnavailable.Error() + ": " + strings.Join(msgs, "; ")
}

func (e *SlotUnavailableError) Is(target error) bool {
	return target == ErrSlotUnavailable
}

// IsRetryable reports whether err is a transient storage failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStorage)
}
