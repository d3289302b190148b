// Package conflict finds the existing bookings that stop a resource from
// taking a requested interval.
package conflict

import (
	"context"
	"fmt"

	"github.com/autonova/platform/services/appointment-booking-service/internal/apperr"
	"github.com/autonova/platform/services/appointment-booking-service/internal/model"
	"github.com/autonova/platform/services/appointment-booking-service/internal/storage"
)

// Conflict is one existing appointment overlapping a requested interval.
// Kind is empty for the global calendar check.
type Conflict struct {
	Kind          model.ResourceKind
	ResourceID    string
	AppointmentID string
	Interval      model.Interval
}

func (c Conflict) Reason() string {
	if c.Kind == "" {
		return fmt.Sprintf("appointment %s is booked for %s", c.AppointmentID, c.Interval)
	}
	return fmt.Sprintf("%s %s is already booked for %s by appointment %s",
		kindLabel(c.Kind), c.ResourceID, c.Interval, c.AppointmentID)
}

func kindLabel(kind model.ResourceKind) string {
	switch kind {
	case model.ResourceEmployee:
		return "employee"
	case model.ResourceVehicle:
		return "vehicle"
	default:
		return string(kind)
	}
}

// FindConflicts returns every active appointment holding resourceID that
// overlaps iv. excludeID skips the appointment being moved.
func FindConflicts(ctx context.Context, r storage.Reader, kind model.ResourceKind, resourceID string, iv model.Interval, excludeID string) ([]Conflict, error) {
	if err := iv.Validate(); err != nil {
		return nil, err
	}
	if resourceID == "" {
		return nil, nil
	}
	found, err := r.FindOverlapping(ctx, kind, resourceID, iv, excludeID)
	if err != nil {
		return nil, err
	}
	out := make([]Conflict, 0, len(found))
	for _, a := range found {
		out = append(out, Conflict{
			Kind:          kind,
			ResourceID:    resourceID,
			AppointmentID: a.ID,
			Interval:      a.Interval,
		})
	}
	return out, nil
}

// ForAppointment checks a's vehicle, and its employee when one is assigned,
// against iv.
func ForAppointment(ctx context.Context, r storage.Reader, a model.Appointment, iv model.Interval) ([]Conflict, error) {
	out, err := FindConflicts(ctx, r, model.ResourceVehicle, a.VehicleID, iv, a.ID)
	if err != nil {
		return nil, err
	}
	if a.AssignedEmployeeID == "" {
		return out, nil
	}
	emp, err := FindConflicts(ctx, r, model.ResourceEmployee, a.AssignedEmployeeID, iv, a.ID)
	if err != nil {
		return nil, err
	}
	return append(out, emp...), nil
}

// InRange returns one conflict per active appointment overlapping iv,
// whatever resources it holds.
func InRange(ctx context.Context, r storage.Reader, iv model.Interval) ([]Conflict, error) {
	if err := iv.Validate(); err != nil {
		return nil, err
	}
	found, err := r.FindInRange(ctx, iv)
	if err != nil {
		return nil, err
	}
	out := make([]Conflict, 0, len(found))
	for _, a := range found {
		out = append(out, Conflict{AppointmentID: a.ID, Interval: a.Interval})
	}
	return out, nil
}

// AsError wraps conflicts into the error returned to callers, or nil when
// there are none.
func AsError(conflicts []Conflict) error {
	if len(conflicts) == 0 {
		return nil
	}
	reasons := make([]apperr.Reason, 0, len(conflicts))
	for _, c := range conflicts {
		reasons = append(reasons, apperr.Reason{
			AppointmentID: c.AppointmentID,
			Resource:      string(c.Kind),
			Message:       c.Reason(),
		})
	}
	return &apperr.SlotUnavailableError{Reasons: reasons}
}
