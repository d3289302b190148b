package model

import (
	"strings"
	"time"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// MaxNotesLength bounds Appointment.Notes, counted in characters.
const MaxNotesLength = 2000

// Appointment is one booked service slot for a vehicle. CustomerID and
// VehicleID are owned by other services and are not validated here.
type Appointment struct {
	ID                 string
	CustomerID         string
	VehicleID          string
	ServiceType        string
	Interval           Interval
	Status             Status
	AssignedEmployeeID string
	Notes              string
	CancelledBy        string
	CancelledAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Active reports whether the appointment still occupies its calendar slot.
func (a Appointment) Active() bool {
	return a.Status != StatusCancelled
}

// ResourceKind names the calendars that must never be double-booked.
type ResourceKind string

const (
	ResourceEmployee ResourceKind = "EMPLOYEE"
	ResourceVehicle  ResourceKind = "VEHICLE"
)

// ResourceID returns the identifier the appointment holds for kind, or "" if
// it holds none (an unassigned employee).
func (a Appointment) ResourceID(kind ResourceKind) string {
	switch kind {
	case ResourceEmployee:
		return a.AssignedEmployeeID
	case ResourceVehicle:
		return a.VehicleID
	default:
		return ""
	}
}

// LockKey identifies something a write transaction serialises on.
type LockKey string

// EstablishmentLock serialises writes that reason about every bay at once.
const EstablishmentLock LockKey = "establishment"

func ResourceLock(kind ResourceKind, id string) LockKey {
	return LockKey(strings.ToLower(string(kind)) + ":" + id)
}

func AppointmentLock(id string) LockKey {
	return LockKey("appointment:" + id)
}

// ResourceLocks returns the calendar locks needed to write a, in no particular order.
func (a Appointment) ResourceLocks() []LockKey {
	keys := []LockKey{ResourceLock(ResourceVehicle, a.VehicleID)}
	if a.AssignedEmployeeID != "" {
		keys = append(keys, ResourceLock(ResourceEmployee, a.AssignedEmployeeID))
	}
	return keys
}
