// Package scheduling books, moves and cancels appointments without ever
// double-booking a vehicle or an employee.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/autonova/platform/services/appointment-booking-service/internal/apperr"
	"github.com/autonova/platform/services/appointment-booking-service/internal/conflict"
	"github.com/autonova/platform/services/appointment-booking-service/internal/metrics"
	"github.com/autonova/platform/services/appointment-booking-service/internal/model"
	"github.com/autonova/platform/services/appointment-booking-service/internal/storage"
)

const (
	opCreate     = "create"
	opReschedule = "reschedule"
	opCancel     = "cancel"
	opTransition = "transition"
	opAssign     = "assign_employee"
	opGet        = "get"
	opList       = "list_by_customer"
	opSearch     = "search"
	opCheck      = "check_availability"
	opSlots      = "available_slots"
)

// maxSlots bounds how many slots one AvailableSlots call may enumerate.
const maxSlots = 2000

type Options struct {
	// StorageTimeout bounds every store call. Expiry is reported as
	// ErrTransientStorage.
	StorageTimeout time.Duration
	// ReadRetries is the number of attempts for idempotent reads.
	ReadRetries    int
	RetryBaseDelay time.Duration
	// BayCapacity caps concurrent appointments across the establishment.
	// Zero disables the cap.
	BayCapacity int
	SlotLength  time.Duration
	Now         func() time.Time
	NewID       func() string
}

func (o Options) withDefaults() Options {
	if o.StorageTimeout <= 0 {
		o.StorageTimeout = 3 * time.Second
	}
	if o.ReadRetries <= 0 {
		o.ReadRetries = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 50 * time.Millisecond
	}
	if o.SlotLength <= 0 {
		o.SlotLength = time.Hour
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

type Service struct {
	store   storage.Store
	logger  *slog.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
	opts    Options
}

// NewService wires the scheduling core. collector may be nil.
func NewService(store storage.Store, logger *slog.Logger, collector *metrics.Collector, opts Options) *Service {
	return &Service{
		store:   store,
		logger:  logger,
		metrics: collector,
		tracer:  otel.Tracer("appointment-booking-service/scheduling"),
		opts:    opts.withDefaults(),
	}
}

// CreateRequest carries a new booking. PreferredEmployeeID may be empty.
type CreateRequest struct {
	CustomerID          string
	VehicleID           string
	ServiceType         string
	Interval            model.Interval
	PreferredEmployeeID string
	Notes               string
}

// AvailabilityReport answers CheckAvailability. Reasons has one entry per
// conflicting appointment.
type AvailabilityReport struct {
	Available bool
	Reasons   []string
	Conflicts []conflict.Conflict
}

func (s *Service) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	ctx, span := s.tracer.Start(ctx, "scheduling."+op, trace.WithAttributes(attrs...))
	return ctx, span, time.Now()
}

func (s *Service) finish(span trace.Span, op string, started time.Time, err error) {
	s.metrics.Observe(op, started, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, metrics.Outcome(err))
	}
	span.End()
}

func validateCreate(req CreateRequest) error {
	if strings.TrimSpace(req.CustomerID) == "" {
		return apperr.Invalid("customer id is required")
	}
	if strings.TrimSpace(req.VehicleID) == "" {
		return apperr.Invalid("vehicle id is required")
	}
	if strings.TrimSpace(req.ServiceType) == "" {
		return apperr.Invalid("service type is required")
	}
	if utf8.RuneCountInString(req.Notes) > model.MaxNotesLength {
		return apperr.Invalid("notes exceed %d characters", model.MaxNotesLength)
	}
	return req.Interval.Validate()
}

// resourceLocks lists the calendar locks a write of a must hold.
func (s *Service) resourceLocks(a model.Appointment) []model.LockKey {
	keys := a.ResourceLocks()
	if s.opts.BayCapacity > 0 {
		keys = append(keys, model.EstablishmentLock)
	}
	return keys
}

// checkSlot gathers every reason a cannot occupy iv. The caller must hold
// the locks from resourceLocks.
func (s *Service) checkSlot(ctx context.Context, tx storage.Tx, a model.Appointment, iv model.Interval) error {
	conflicts, err := conflict.ForAppointment(ctx, tx, a, iv)
	if err != nil {
		return err
	}
	var reasons []apperr.Reason
	var slotErr *apperr.SlotUnavailableError
	if errors.As(conflict.AsError(conflicts), &slotErr) {
		reasons = append(reasons, slotErr.Reasons...)
	}

	if s.opts.BayCapacity > 0 {
		overlapping, err := tx.FindInRange(ctx, iv)
		if err != nil {
			return err
		}
		taken := 0
		for _, o := range overlapping {
			if o.ID != a.ID {
				taken++
			}
		}
		if taken >= s.opts.BayCapacity {
			reasons = append(reasons, apperr.Reason{
				Resource: "BAY",
				Message:  fmt.Sprintf("all %d service bays are booked for %s", s.opts.BayCapacity, iv),
			})
		}
	}

	if len(reasons) == 0 {
		return nil
	}
	return &apperr.SlotUnavailableError{Reasons: reasons}
}

// write runs fn in one store transaction. Writes are never retried.
func (s *Service) write(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	tctx, cancel := context.WithTimeout(ctx, s.opts.StorageTimeout)
	defer cancel()
	return s.storageErr(ctx, s.store.InTx(tctx, fn))
}

// storageErr reports an expired storage deadline as transient unless the
// caller's own context is what ended.
func (s *Service) storageErr(parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return apperr.Transient(err)
	}
	return err
}

// read runs an idempotent store read, retrying transient failures with
// exponential backoff.
func read[T any](ctx context.Context, s *Service, fn func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RetryBaseDelay
	b.MaxInterval = 20 * s.opts.RetryBaseDelay

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		rctx, cancel := context.WithTimeout(ctx, s.opts.StorageTimeout)
		defer cancel()
		v, err := fn(rctx)
		err = s.storageErr(ctx, err)
		if err == nil {
			return v, nil
		}
		if !apperr.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		s.logger.Warn("storage read failed", "attempt", attempt, "err", err)
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(s.opts.ReadRetries)))
}
