// Package lifecycle is the appointment status machine. All legal edges live
// in the transitions table; nothing else in the service compares statuses to
// decide what is allowed.
package lifecycle

import (
	"fmt"
	"strings"

	"github.com/autonova/platform/services/appointment-booking-service/internal/apperr"
	"github.com/autonova/platform/services/appointment-booking-service/internal/model"
)

var transitions = map[model.Status][]model.Status{
	model.StatusPending:    {model.StatusConfirmed, model.StatusCancelled},
	model.StatusConfirmed:  {model.StatusInProgress, model.StatusCancelled},
	model.StatusInProgress: {model.StatusCompleted, model.StatusCancelled},
	model.StatusCompleted:  nil,
	model.StatusCancelled:  nil,
}

// Initial is the status every new appointment starts in.
func Initial() model.Status {
	return model.StatusPending
}

// Known reports whether s is one of the five statuses.
func Known(s model.Status) bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no edge leaves s.
func Terminal(s model.Status) bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

func CanTransition(from, to model.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to.
func Transition(from, to model.Status) error {
	if !Known(to) {
		return apperr.Invalid("unknown status %q", to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", apperr.ErrInvalidTransition, from, to)
	}
	return nil
}

// CanReschedule reports whether an appointment in status s may move in time.
func CanReschedule(s model.Status) bool {
	return Known(s) && !Terminal(s)
}

// Closed returns ErrAppointmentClosed for terminal statuses.
func Closed(s model.Status) error {
	if Terminal(s) {
		return fmt.Errorf("%w: status %s", apperr.ErrAppointmentClosed, s)
	}
	return nil
}

// ParseStatus accepts status names in any case.
func ParseStatus(raw string) (model.Status, error) {
	s := model.Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !Known(s) {
		return "", apperr.Invalid("unknown status %q", raw)
	}
	return s, nil
}

// Next lists the statuses reachable from s in one step.
func Next(s model.Status) []model.Status {
	out := make([]model.Status, len(transitions[s]))
	copy(out, transitions[s])
	return out
}
