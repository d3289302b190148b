package scheduling

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/autonova/platform/services/appointment-booking-service/internal/apperr"
	"github.com/autonova/platform/services/appointment-booking-service/internal/availability"
	"github.com/autonova/platform/services/appointment-booking-service/internal/conflict"
	"github.com/autonova/platform/services/appointment-booking-service/internal/lifecycle"
	"github.com/autonova/platform/services/appointment-booking-service/internal/model"
	"github.com/autonova/platform/services/appointment-booking-service/internal/outbox"
	"github.com/autonova/platform/services/appointment-booking-service/internal/storage"
)

// CreateAppointment books a PENDING appointment. It fails with a
// SlotUnavailableError listing every overlap on the vehicle or the preferred
// employee.
func (s *Service) CreateAppointment(ctx context.Context, req CreateRequest) (out model.Appointment, err error) {
	ctx, span, started := s.start(ctx, opCreate, attribute.String("vehicle_id", req.VehicleID))
	defer func() { s.finish(span, opCreate, started, err) }()

	if err := validateCreate(req); err != nil {
		return model.Appointment{}, err
	}

	now := s.opts.Now()
	appt := model.Appointment{
		ID:                 s.opts.NewID(),
		CustomerID:         strings.TrimSpace(req.CustomerID),
		VehicleID:          strings.TrimSpace(req.VehicleID),
		ServiceType:        strings.TrimSpace(req.ServiceType),
		Interval:           req.Interval,
		Status:             lifecycle.Initial(),
		AssignedEmployeeID: strings.TrimSpace(req.PreferredEmployeeID),
		Notes:              req.Notes,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err = s.write(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.LockResources(ctx, s.resourceLocks(appt)...); err != nil {
			return err
		}
		if err := s.checkSlot(ctx, tx, appt, appt.Interval); err != nil {
			return err
		}
		saved, err := tx.Insert(ctx, appt)
		if err != nil {
			return err
		}
		if err := appendEvent(ctx, tx, outbox.EventAppointmentCreated, saved, ""); err != nil {
			return err
		}
		out = saved
		return nil
	})
	if err != nil {
		s.logger.Warn("appointment not created", "vehicle_id", appt.VehicleID, "err", err)
		return model.Appointment{}, err
	}
	s.logger.Info("appointment created", "appointment_id", out.ID, "vehicle_id", out.VehicleID, "start", out.Interval.Start)
	return out, nil
}

// Reschedule moves an open appointment to iv, keeping its status. Moving it
// onto its own current interval succeeds.
func (s *Service) Reschedule(ctx context.Context, id string, iv model.Interval) (out model.Appointment, err error) {
	ctx, span, started := s.start(ctx, opReschedule, attribute.String("appointment_id", id))
	defer func() { s.finish(span, opReschedule, started, err) }()

	if err := iv.Validate(); err != nil {
		return model.Appointment{}, err
	}

	var previous model.Interval
	err = s.write(ctx, func(ctx context.Context, tx storage.Tx) error {
		current, err := lockAppointment(ctx, tx, id)
		if err != nil {
			return err
		}
		if !lifecycle.CanReschedule(current.Status) {
			return fmt.Errorf("%w: status %s", apperr.ErrAppointmentClosed, current.Status)
		}
		if err := tx.LockResources(ctx, s.resourceLocks(current)...); err != nil {
			return err
		}
		if err := s.checkSlot(ctx, tx, current, iv); err != nil {
			return err
		}
		previous = current.Interval
		now := s.opts.Now()
		saved, err := tx.Update(ctx, id, func(a *model.Appointment) error {
			a.Interval = iv
			a.UpdatedAt = now
			return nil
		})
		if err != nil {
			return err
		}
		if err := appendEvent(ctx, tx, outbox.EventAppointmentRescheduled, saved, ""); err != nil {
			return err
		}
		out = saved
		return nil
	})
	if err != nil {
		s.logger.Warn("appointment not rescheduled", "appointment_id", id, "err", err)
		return model.Appointment{}, err
	}
	s.logger.Info("appointment rescheduled", "appointment_id", id, "from", previous.String(), "to", iv.String())
	return out, nil
}

// Cancel moves an appointment to CANCELLED. Cancelling a cancelled
// appointment returns it unchanged and emits nothing.
func (s *Service) Cancel(ctx context.Context, id, cancelledBy string) (out model.Appointment, err error) {
	ctx, span, started := s.start(ctx, opCancel, attribute.String("appointment_id", id))
	defer func() { s.finish(span, opCancel, started, err) }()

	changed := false
	err = s.write(ctx, func(ctx context.Context, tx storage.Tx) error {
		current, err := lockAppointment(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Status == model.StatusCancelled {
			out = current
			return nil
		}
		if err := lifecycle.Closed(current.Status); err != nil {
			return err
		}
		if err := lifecycle.Transition(current.Status, model.StatusCancelled); err != nil {
			return err
		}
		now := s.opts.Now()
		saved, err := tx.Update(ctx, id, func(a *model.Appointment) error {
			a.Status = model.StatusCancelled
			a.CancelledBy = strings.TrimSpace(cancelledBy)
			a.CancelledAt = &now
			a.UpdatedAt = now
			return nil
		})
		if err != nil {
			return err
		}
		if err := appendEvent(ctx, tx, outbox.EventAppointmentCancelled, saved, current.Status); err != nil {
			return err
		}
		out = saved
		changed = true
		return nil
	})
	if err != nil {
		s.logger.Warn("appointment not cancelled", "appointment_id", id, "err", err)
		return model.Appointment{}, err
	}
	if changed {
		s.logger.Info("appointment cancelled", "appointment_id", id)
	}
	return out, nil
}

// TransitionStatus advances an appointment along one edge of the lifecycle.
func (s *Service) TransitionStatus(ctx context.Context, id string, to model.Status) (out model.Appointment, err error) {
	ctx, span, started := s.start(ctx, opTransition,
		attribute.String("appointment_id", id),
		attribute.String("to", string(to)),
	)
	defer func() { s.finish(span, opTransition, started, err) }()

	if !lifecycle.Known(to) {
		return model.Appointment{}, apperr.Invalid("unknown status %q", to)
	}

	var from model.Status
	err = s.write(ctx, func(ctx context.Context, tx storage.Tx) error {
		current, err := lockAppointment(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := lifecycle.Transition(current.Status, to); err != nil {
			return err
		}
		from = current.Status
		now := s.opts.Now()
		saved, err := tx.Update(ctx, id, func(a *model.Appointment) error {
			a.Status = to
			a.UpdatedAt = now
			if to == model.StatusCancelled {
				a.CancelledAt = &now
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := appendEvent(ctx, tx, outbox.EventAppointmentStatusChanged, saved, from); err != nil {
			return err
		}
		out = saved
		return nil
	})
	if err != nil {
		return model.Appointment{}, err
	}
	s.logger.Info("appointment status changed", "appointment_id", id, "from", from, "to", to)
	return out, nil
}

// AssignEmployee gives an open appointment to employeeID once the
// employee's calendar is free for the appointment's interval.
func (s *Service) AssignEmployee(ctx context.Context, id, employeeID string) (out model.Appointment, err error) {
	ctx, span, started := s.start(ctx, opAssign,
		attribute.String("appointment_id", id),
		attribute.String("employee_id", employeeID),
	)
	defer func() { s.finish(span, opAssign, started, err) }()

	employeeID = strings.TrimSpace(employeeID)
	if employeeID == "" {
		return model.Appointment{}, apperr.Invalid("employee id is required")
	}

	changed := false
	err = s.write(ctx, func(ctx context.Context, tx storage.Tx) error {
		current, err := lockAppointment(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := lifecycle.Closed(current.Status); err != nil {
			return err
		}
		if current.AssignedEmployeeID == employeeID {
			out = current
			return nil
		}
		if err := tx.LockResources(ctx, model.ResourceLock(model.ResourceEmployee, employeeID)); err != nil {
			return err
		}
		conflicts, err := conflict.FindConflicts(ctx, tx, model.ResourceEmployee, employeeID, current.Interval, id)
		if err != nil {
			return err
		}
		if err := conflict.AsError(conflicts); err != nil {
			return err
		}
		now := s.opts.Now()
		saved, err := tx.Update(ctx, id, func(a *model.Appointment) error {
			a.AssignedEmployeeID = employeeID
			a.UpdatedAt = now
			return nil
		})
		if err != nil {
			return err
		}
		if err := appendEvent(ctx, tx, outbox.EventAppointmentEmployeeAssigned, saved, ""); err != nil {
			return err
		}
		out = saved
		changed = true
		return nil
	})
	if err != nil {
		s.logger.Warn("employee not assigned", "appointment_id", id, "err", err)
		return model.Appointment{}, err
	}
	if changed {
		s.logger.Info("employee assigned", "appointment_id", id, "employee_id", employeeID)
	}
	return out, nil
}

func (s *Service) GetAppointment(ctx context.Context, id string) (out model.Appointment, err error) {
	ctx, span, started := s.start(ctx, opGet, attribute.String("appointment_id", id))
	defer func() { s.finish(span, opGet, started, err) }()

	if strings.TrimSpace(id) == "" {
		return model.Appointment{}, apperr.Invalid("appointment id is required")
	}
	return read(ctx, s, func(ctx context.Context) (model.Appointment, error) {
		return s.store.FindByID(ctx, id)
	})
}

// ListByCustomer returns the customer's appointments, newest start first.
func (s *Service) ListByCustomer(ctx context.Context, customerID string) (out []model.Appointment, err error) {
	ctx, span, started := s.start(ctx, opList)
	defer func() { s.finish(span, opList, started, err) }()

	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, apperr.Invalid("customer id is required")
	}
	return read(ctx, s, func(ctx context.Context) ([]model.Appointment, error) {
		return s.store.FindByCustomer(ctx, customerID)
	})
}

// Search lists appointments for back-office screens, newest start first.
func (s *Service) Search(ctx context.Context, f storage.Filter) (out []model.Appointment, err error) {
	ctx, span, started := s.start(ctx, opSearch)
	defer func() { s.finish(span, opSearch, started, err) }()

	if f.Status != "" && !lifecycle.Known(f.Status) {
		return nil, apperr.Invalid("unknown status %q", f.Status)
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, apperr.Invalid("from must not be after to")
	}
	return read(ctx, s, func(ctx context.Context) ([]model.Appointment, error) {
		return s.store.Search(ctx, f)
	})
}

// CheckAvailability reports whether iv is free of every active appointment
// in the establishment.
func (s *Service) CheckAvailability(ctx context.Context, iv model.Interval) (out AvailabilityReport, err error) {
	ctx, span, started := s.start(ctx, opCheck)
	defer func() { s.finish(span, opCheck, started, err) }()

	if err := iv.Validate(); err != nil {
		return AvailabilityReport{}, err
	}
	conflicts, err := read(ctx, s, func(ctx context.Context) ([]conflict.Conflict, error) {
		return conflict.InRange(ctx, s.store, iv)
	})
	if err != nil {
		return AvailabilityReport{}, err
	}
	report := AvailabilityReport{Available: len(conflicts) == 0, Conflicts: conflicts}
	for _, c := range conflicts {
		report.Reasons = append(report.Reasons, c.Reason())
	}
	return report, nil
}

// AvailableSlots lists the free back-to-back slots of slotLength inside
// window. A zero slotLength uses the configured default. Slots starting
// before Options.Now are left out even when free.
func (s *Service) AvailableSlots(ctx context.Context, window model.Interval, slotLength time.Duration) (out []model.Interval, err error) {
	ctx, span, started := s.start(ctx, opSlots)
	defer func() { s.finish(span, opSlots, started, err) }()

	if err := window.Validate(); err != nil {
		return nil, err
	}
	if slotLength < 0 {
		return nil, apperr.Invalid("slot length must be positive")
	}
	if slotLength == 0 {
		slotLength = s.opts.SlotLength
	}
	if window.Duration()/slotLength > maxSlots {
		return nil, apperr.Invalid("window spans more than %d slots", maxSlots)
	}

	booked, err := read(ctx, s, func(ctx context.Context) ([]model.Appointment, error) {
		return s.store.FindInRange(ctx, window)
	})
	if err != nil {
		return nil, err
	}
	busy := make([]model.Interval, 0, len(booked))
	for _, a := range booked {
		busy = append(busy, a.Interval)
	}
	return availability.Slots(window, slotLength, busy, s.opts.Now()), nil
}

// lockAppointment takes the appointment's own lock and reads it fresh. It
// must run before any resource lock in the same transaction.
func lockAppointment(ctx context.Context, tx storage.Tx, id string) (model.Appointment, error) {
	if strings.TrimSpace(id) == "" {
		return model.Appointment{}, apperr.Invalid("appointment id is required")
	}
	if err := tx.LockResources(ctx, model.AppointmentLock(id)); err != nil {
		return model.Appointment{}, err
	}
	return tx.FindByID(ctx, id)
}

func appendEvent(ctx context.Context, tx storage.Tx, eventType string, a model.Appointment, previous model.Status) error {
	evt, err := outbox.AppointmentEvent(eventType, a, previous)
	if err != nil {
		return err
	}
	return tx.AppendEvent(ctx, evt)
}
