package outbox

import (
	"encoding/json"
	"time"

	"github.com/autonova/platform/services/appointment-booking-service/internal/model"
)

const AggregateAppointment = "appointment"

const (
	EventAppointmentCreated          = "booking.appointment.created.v1"
	EventAppointmentRescheduled      = "booking.appointment.rescheduled.v1"
	EventAppointmentCancelled        = "booking.appointment.cancelled.v1"
	EventAppointmentStatusChanged    = "booking.appointment.status_changed.v1"
	EventAppointmentEmployeeAssigned = "booking.appointment.employee_assigned.v1"
)

// AppointmentEvent builds the envelope for a change to a. previous is the
// status before the change and is omitted when empty.
func AppointmentEvent(eventType string, a model.Appointment, previous model.Status) (Event, error) {
	payload := map[string]any{
		"appointment_id":       a.ID,
		"customer_id":          a.CustomerID,
		"vehicle_id":           a.VehicleID,
		"service_type":         a.ServiceType,
		"start_time":           a.Interval.Start.Format(time.RFC3339),
		"end_time":             a.Interval.End.Format(time.RFC3339),
		"status":               a.Status,
		"assigned_employee_id": a.AssignedEmployeeID,
		"occurred_at":          a.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if previous != "" {
		payload["previous_status"] = previous
	}
	if a.CancelledBy != "" {
		payload["cancelled_by"] = a.CancelledBy
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		AggregateType: AggregateAppointment,
		AggregateID:   a.ID,
		EventType:     eventType,
		Payload:       body,
	}, nil
}
