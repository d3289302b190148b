package scheduling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/autonova/platform/services/appointment-booking-service/internal/apperr"
	"github.com/autonova/platform/services/appointment-booking-service/internal/model"
	"github.com/autonova/platform/services/appointment-booking-service/internal/outbox"
	"github.com/autonova/platform/services/appointment-booking-service/internal/storage"
)

var (
	clock = time.Date(2025, 5, 1, 7, 0, 0, 0, time.UTC)
	day   = time.Date(2025, 5, 5, 0, 0, 0, 0, time.UTC)
)

func at(hour, minute int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func span(fromHour, fromMin, toHour, toMin int) model.Interval {
	return model.Interval{Start: at(fromHour, fromMin), End: at(toHour, toMin)}
}

func newTestService(t *testing.T, store storage.Store, opts Options) *Service {
	t.Helper()
	if opts.Now == nil {
		opts.Now = func() time.Time { return clock }
	}
	opts.RetryBaseDelay = time.Millisecond
	return NewService(store, slog.New(slog.NewTextHandler(io.Discard, nil)), nil, opts)
}

func request(vehicle, employee string, iv model.Interval) CreateRequest {
	return CreateRequest{
		CustomerID:          "cust-1",
		VehicleID:           vehicle,
		ServiceType:         "oil change",
		Interval:            iv,
		PreferredEmployeeID: employee,
	}
}

func mustCreate(t *testing.T, svc *Service, req CreateRequest) model.Appointment {
	t.Helper()
	a, err := svc.CreateAppointment(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return a
}

func eventTypes(store *storage.MemoryStore) []string {
	var out []string
	for _, e := range store.Events() {
		out = append(out, e.EventType)
	}
	return out
}

func TestCreateAppointment(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(t, store, Options{})

	a := mustCreate(t, svc, request("v1", "", span(10, 0, 11, 0)))
	if a.ID == "" || a.Status != model.StatusPending {
		t.Fatalf("unexpected appointment %+v", a)
	}
	if !a.CreatedAt.Equal(clock) || !a.UpdatedAt.Equal(clock) {
		t.Fatalf("timestamps not set: %+v", a)
	}
	got, err := svc.GetAppointment(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.VehicleID != "v1" || got.ServiceType != "oil change" || !got.Interval.Equal(a.Interval) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if types := eventTypes(store); len(types) != 1 || types[0] != outbox.EventAppointmentCreated {
		t.Fatalf("expected one created event, got %v", types)
	}
}

func TestCreateAppointmentValidation(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(t, store, Options{})

	cases := map[string]CreateRequest{
		"missing service type": {CustomerID: "c", VehicleID: "v", ServiceType: "  ", Interval: span(9, 0, 10, 0)},
		"missing vehicle":      {CustomerID: "c", ServiceType: "x", Interval: span(9, 0, 10, 0)},
		"missing customer":     {VehicleID: "v", ServiceType: "x", Interval: span(9, 0, 10, 0)},
		"end before start":     {CustomerID: "c", VehicleID: "v", ServiceType: "x", Interval: span(10, 0, 9, 0)},
		"zero length":          {CustomerID: "c", VehicleID: "v", ServiceType: "x", Interval: span(10, 0, 10, 0)},
		"notes too long":       {CustomerID: "c", VehicleID: "v", ServiceType: "x", Interval: span(9, 0, 10, 0), Notes: strings.Repeat("é", model.MaxNotesLength+1)},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.CreateAppointment(context.Background(), req); !errors.Is(err, apperr.ErrInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}

	ok := request("v1", "", span(9, 0, 10, 0))
	ok.Notes = strings.Repeat("é", model.MaxNotesLength)
	if _, err := svc.CreateAppointment(context.Background(), ok); err != nil {
		t.Fatalf("notes at the limit must be accepted: %v", err)
	}
	if len(store.Events()) != 1 {
		t.Fatalf("rejected requests must not emit events")
	}
}

func TestCreateAppointmentVehicleConflictListsAll(t *testing.T) {
	svc := newTestService(t, storage.NewMemoryStore(), Options{})
	first := mustCreate(t, svc, request("v1", "", span(9, 0, 10, 0)))
	second := mustCreate(t, svc, request("v1", "", span(10, 0, 11, 0)))

	_, err := svc.CreateAppointment(context.Background(), request("v1", "", span(9, 30, 10, 30)))
	var slot *apperr.SlotUnavailableError
	if !errors.As(err, &slot) {
		t.Fatalf("expected slot unavailable, got %v", err)
	}
	if len(slot.Reasons) != 2 {
		t.Fatalf("expected both conflicts, got %+v", slot.Reasons)
	}
	ids := map[string]bool{slot.Reasons[0].AppointmentID: true, slot.Reasons[1].AppointmentID: true}
	if !ids[first.ID] || !ids[second.ID] {
		t.Fatalf("reasons must name both appointments: %+v", slot.Reasons)
	}
}

func TestBackToBackBookingsSucceed(t *testing.T) {
	svc := newTestService(t, storage.NewMemoryStore(), Options{})
	mustCreate(t, svc, request("v1", "e1", span(9, 0, 10, 0)))
	mustCreate(t, svc, request("v1", "e1", span(10, 0, 11, 0)))
	mustCreate(t, svc, request("v1", "e1", span(8, 0, 9, 0)))
}

func TestCancelledAppointmentNeverConflicts(t *testing.T) {
	svc := newTestService(t, storage.NewMemoryStore(), Options{})
	a := mustCreate(t, svc, request("v1", "e1", span(9, 0, 10, 0)))
	if _, err := svc.Cancel(context.Background(), a.ID, "cust-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	mustCreate(t, svc, request("v1", "e1", span(9, 0, 10, 0)))
}

func TestEmployeeConflictOnlyWhenAssigned(t *testing.T) {
	svc := newTestService(t, storage.NewMemoryStore(), Options{})
	mustCreate(t, svc, request("v1", "E", span(10, 0, 11, 0)))

	_, err := svc.CreateAppointment(context.Background(), request("v2", "E", span(10, 30, 11, 30)))
	if !errors.Is(err, apperr.ErrSlotUnavailable) {
		t.Fatalf("expected employee conflict, got %v", err)
	}
	var slot *apperr.SlotUnavailableError
	errors.As(err, &slot)
	if slot.Reasons[0].Resource != string(model.ResourceEmployee) {
		t.Fatalf("expected employee reason, got %+v", slot.Reasons)
	}

	mustCreate(t, svc, request("v2", "", span(10, 30, 11, 30)))
}

func TestReschedule(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(t, store, Options{})
	a := mustCreate(t, svc, request("v1", "", span(9, 0, 10, 0)))
	other := mustCreate(t, svc, request("v1", "", span(12, 0, 13, 0)))

	later := clock.Add(time.Hour)
	svc.opts.Now = func() time.Time { return later }

	same, err := svc.Reschedule(context.Background(), a.ID, a.Interval)
	if err != nil {
		t.Fatalf("identity reschedule: %v", err)
	}
	if same.Status != model.StatusPending || !same.UpdatedAt.Equal(later) || !same.CreatedAt.Equal(clock) {
		t.Fatalf("unexpected identity result %+v", same)
	}

	_, err = svc.Reschedule(context.Background(), a.ID, span(12, 30, 13, 30))
	if !errors.Is(err, apperr.ErrSlotUnavailable) {
		t.Fatalf("expected conflict with %s, got %v", other.ID, err)
	}
	unchanged, _ := svc.GetAppointment(context.Background(), a.ID)
	if !unchanged.Interval.Equal(a.Interval) {
		t.Fatalf("failed reschedule must leave record unchanged: %+v", unchanged)
	}

	moved, err := svc.Reschedule(context.Background(), a.ID, span(14, 0, 15, 0))
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if !moved.Interval.Equal(span(14, 0, 15, 0)) {
		t.Fatalf("interval not updated: %+v", moved)
	}

	if _, err := svc.Reschedule(context.Background(), "missing", span(14, 0, 15, 0)); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.Reschedule(context.Background(), a.ID, span(15, 0, 14, 0)); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	types := eventTypes(store)
	if got := types[len(types)-1]; got != outbox.EventAppointmentRescheduled {
		t.Fatalf("expected rescheduled event last, got %v", types)
	}
}

func TestRescheduleClosedAppointments(t *testing.T) {
	svc := newTestService(t, storage.NewMemoryStore(), Options{})
	ctx := context.Background()

	cancelled := mustCreate(t, svc, request("v1", "", span(9, 0, 10, 0)))
	if _, err := svc.Cancel(ctx, cancelled.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := svc.Reschedule(ctx, cancelled.ID, span(11, 0, 12, 0)); !errors.Is(err, apperr.ErrAppointmentClosed) {
		t.Fatalf("expected closed for cancelled, got %v", err)
	}

	done := mustCreate(t, svc, request("v2", "", span(9, 0, 10, 0)))
	for _, to := range []model.Status{model.StatusConfirmed, model.StatusInProgress, model.StatusCompleted} {
		if _, err := svc.TransitionStatus(ctx, done.ID, to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if _, err := svc.Reschedule(ctx, done.ID, span(11, 0, 12, 0)); !errors.Is(err, apperr.ErrAppointmentClosed) {
		t.Fatalf("expected closed for completed, got %v", err)
	}
	if _, err := svc.Cancel(ctx, done.ID, ""); !errors.Is(err, apperr.ErrAppointmentClosed) {
		t.Fatalf("cancelling completed must be closed, got %v", err)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(t, store, Options{})
	a := mustCreate(t, svc, request("v1", "", span(9, 0, 10, 0)))

	first, err := svc.Cancel(context.Background(), a.ID, "agent-7")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if first.Status != model.StatusCancelled || first.CancelledBy != "agent-7" || first.CancelledAt == nil {
		t.Fatalf("unexpected cancel result %+v", first)
	}
	second, err := svc.Cancel(context.Background(), a.ID, "someone-else")
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if second.CancelledBy != "agent-7" || !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Fatalf("second cancel must not modify the record: %+v", second)
	}

	cancelled := 0
	for _, typ := range eventTypes(store) {
		if typ == outbox.EventAppointmentCancelled {
			cancelled++
		}
	}
	if cancelled != 1 {
		t.Fatalf("expected one cancelled event, got %d", cancelled)
	}

	if _, err := svc.Cancel(context.Background(), "missing", ""); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTransitionStatusFollowsLifecycle(t *testing.T) {
	svc := newTestService(t, storage.NewMemoryStore(), Options{})
	ctx := context.Background()
	a := mustCreate(t, svc, request("v1", "", span(9, 0, 10, 0)))

	if _, err := svc.TransitionStatus(ctx, a.ID, model.StatusInProgress); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	got, _ := svc.GetAppointment(ctx, a.ID)
	if got.Status != model.StatusPending {
		t.Fatalf("rejected transition must not change status, got %s", got.Status)
	}
	if _, err := svc.TransitionStatus(ctx, a.ID, model.Status("ARCHIVED")); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid input for unknown status, got %v", err)
	}
	confirmed, err := svc.TransitionStatus(ctx, a.ID, model.StatusConfirmed)
	if err != nil || confirmed.Status != model.StatusConfirmed {
		t.Fatalf("confirm: %+v %v", confirmed, err)
	}
}

func TestAssignEmployee(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(t, store, Options{})
	ctx := context.Background()

	mustCreate(t, svc, request("v1", "E", span(10, 0, 11, 0)))
	a := mustCreate(t, svc, request("v2", "", span(10, 30, 11, 30)))

	if _, err := svc.AssignEmployee(ctx, a.ID, "E"); !errors.Is(err, apperr.ErrSlotUnavailable) {
		t.Fatalf("expected employee conflict, got %v", err)
	}
	assigned, err := svc.AssignEmployee(ctx, a.ID, "F")
	if err != nil || assigned.AssignedEmployeeID != "F" {
		t.Fatalf("assign: %+v %v", assigned, err)
	}

	// F now holds 10:30-11:30, so a new booking with F overlapping it fails.
	if _, err := svc.CreateAppointment(ctx, request("v3", "F", span(11, 0, 12, 0))); !errors.Is(err, apperr.ErrSlotUnavailable) {
		t.Fatalf("expected conflict for F, got %v", err)
	}

	if _, err := svc.AssignEmployee(ctx, a.ID, " "); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := svc.Cancel(ctx, a.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := svc.AssignEmployee(ctx, a.ID, "G"); !errors.Is(err, apperr.ErrAppointmentClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
}

func TestListByCustomerNewestFirst(t *testing.T) {
	svc := newTestService(t, storage.NewMemoryStore(), Options{})
	early := mustCreate(t, svc, request("v1", "", span(9, 0, 10, 0)))
	late := mustCreate(t, svc, request("v2", "", span(15, 0, 16, 0)))
	other := request("v3", "", span(12, 0, 13, 0))
	other.CustomerID = "cust-2"
	mustCreate(t, svc, other)

	got, err := svc.ListByCustomer(context.Background(), "cust-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != late.ID || got[1].ID != early.ID {
		t.Fatalf("expected newest first, got %+v", got)
	}
	if _, err := svc.ListByCustomer(context.Background(), ""); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestSearch(t *testing.T) {
	svc := newTestService(t, storage.NewMemoryStore(), Options{})
	ctx := context.Background()
	a := mustCreate(t, svc, request("v1", "", span(9, 0, 10, 0)))
	mustCreate(t, svc, request("v2", "", span(11, 0, 12, 0)))
	if _, err := svc.TransitionStatus(ctx, a.ID, model.StatusConfirmed); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	got, err := svc.Search(ctx, storage.Filter{Status: model.StatusConfirmed})
	if err != nil || len(got) != 1 || got[0].ID != a.ID {
		t.Fatalf("status search: %+v %v", got, err)
	}
	from, to := at(12, 0), at(9, 0)
	if _, err := svc.Search(ctx, storage.Filter{From: &from, To: &to}); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid range, got %v", err)
	}
	if _, err := svc.Search(ctx, storage.Filter{Status: "nope"}); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid status, got %v", err)
	}
}

func TestCheckAvailability(t *testing.T) {
	svc := newTestService(t, storage.NewMemoryStore(), Options{})
	ctx := context.Background()

	report, err := svc.CheckAvailability(ctx, span(9, 0, 17, 0))
	if err != nil || !report.Available || len(report.Reasons) != 0 {
		t.Fatalf("empty calendar must be available: %+v %v", report, err)
	}

	mustCreate(t, svc, request("v1", "", span(9, 0, 10, 0)))
	mustCreate(t, svc, request("v2", "", span(13, 0, 14, 0)))
	report, err = svc.CheckAvailability(ctx, span(9, 30, 13, 30))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if report.Available || len(report.Reasons) != 2 {
		t.Fatalf("expected two reasons, got %+v", report)
	}

	report, _ = svc.CheckAvailability(ctx, span(10, 0, 13, 0))
	if !report.Available {
		t.Fatalf("gap between bookings must be available: %+v", report)
	}

	if _, err := svc.CheckAvailability(ctx, span(10, 0, 10, 0)); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestAvailableSlots(t *testing.T) {
	svc := newTestService(t, storage.NewMemoryStore(), Options{})
	mustCreate(t, svc, request("v1", "", span(10, 0, 11, 0)))

	slots, err := svc.AvailableSlots(context.Background(), span(9, 0, 12, 0), 0)
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if len(slots) != 2 || !slots[0].Equal(span(9, 0, 10, 0)) || !slots[1].Equal(span(11, 0, 12, 0)) {
		t.Fatalf("unexpected slots %v", slots)
	}

	slots, _ = svc.AvailableSlots(context.Background(), span(9, 0, 10, 0), 30*time.Minute)
	if len(slots) != 2 {
		t.Fatalf("expected two half-hour slots, got %v", slots)
	}

	if _, err := svc.AvailableSlots(context.Background(), span(0, 0, 23, 0), time.Second); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected too many slots to be rejected, got %v", err)
	}
}

func TestConcurrentCreatesExactlyOneWins(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(t, store, Options{})

	const n = 32
	var (
		wg       sync.WaitGroup
		wins     atomic.Int32
		conflict atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			req := request("v1", "", span(9, 0, 10, 0))
			req.CustomerID = fmt.Sprintf("cust-%d", i)
			_, err := svc.CreateAppointment(context.Background(), req)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, apperr.ErrSlotUnavailable):
				conflict.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 || conflict.Load() != n-1 {
		t.Fatalf("expected 1 win and %d conflicts, got %d and %d", n-1, wins.Load(), conflict.Load())
	}
	if len(store.Events()) != 1 {
		t.Fatalf("expected exactly one created event, got %d", len(store.Events()))
	}
}

func TestConcurrentReschedulesOntoSameSlot(t *testing.T) {
	svc := newTestService(t, storage.NewMemoryStore(), Options{})
	var ids []string
	for i := 0; i < 8; i++ {
		a := mustCreate(t, svc, request("v1", "", span(i, 0, i, 30)))
		ids = append(ids, a.ID)
	}

	var wg sync.WaitGroup
	var wins atomic.Int32
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := svc.Reschedule(context.Background(), id, span(20, 0, 21, 0)); err == nil {
				wins.Add(1)
			}
		}(id)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one reschedule to win, got %d", wins.Load())
	}
}

func TestBayCapacity(t *testing.T) {
	svc := newTestService(t, storage.NewMemoryStore(), Options{BayCapacity: 2})
	mustCreate(t, svc, request("v1", "", span(9, 0, 10, 0)))
	mustCreate(t, svc, request("v2", "", span(9, 0, 10, 0)))

	_, err := svc.CreateAppointment(context.Background(), request("v3", "", span(9, 30, 10, 30)))
	var slot *apperr.SlotUnavailableError
	if !errors.As(err, &slot) || slot.Reasons[0].Resource != "BAY" {
		t.Fatalf("expected bay capacity conflict, got %v", err)
	}
	mustCreate(t, svc, request("v3", "", span(10, 0, 11, 0)))
}

type flakyStore struct {
	storage.Store
	readFailures atomic.Int32
	reads        atomic.Int32
	txCalls      atomic.Int32
	failTx       bool
}

func (f *flakyStore) FindByID(ctx context.Context, id string) (model.Appointment, error) {
	f.reads.Add(1)
	if f.readFailures.Load() > 0 {
		f.readFailures.Add(-1)
		return model.Appointment{}, apperr.Transient(errors.New("connection reset"))
	}
	return f.Store.FindByID(ctx, id)
}

func (f *flakyStore) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	f.txCalls.Add(1)
	if f.failTx {
		return apperr.Transient(errors.New("connection reset"))
	}
	return f.Store.InTx(ctx, fn)
}

func TestReadsRetryTransientFailures(t *testing.T) {
	flaky := &flakyStore{Store: storage.NewMemoryStore()}
	svc := newTestService(t, flaky, Options{ReadRetries: 3})
	a := mustCreate(t, svc, request("v1", "", span(9, 0, 10, 0)))

	flaky.readFailures.Store(2)
	got, err := svc.GetAppointment(context.Background(), a.ID)
	if err != nil || got.ID != a.ID {
		t.Fatalf("expected success after retries: %+v %v", got, err)
	}
	if flaky.reads.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", flaky.reads.Load())
	}

	flaky.reads.Store(0)
	flaky.readFailures.Store(5)
	if _, err := svc.GetAppointment(context.Background(), a.ID); !errors.Is(err, apperr.ErrTransientStorage) {
		t.Fatalf("expected transient error after exhausting retries, got %v", err)
	}
	if flaky.reads.Load() != 3 {
		t.Fatalf("expected attempts bounded at 3, got %d", flaky.reads.Load())
	}

	flaky.reads.Store(0)
	flaky.readFailures.Store(0)
	if _, err := svc.GetAppointment(context.Background(), "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if flaky.reads.Load() != 1 {
		t.Fatalf("not found must not be retried, got %d attempts", flaky.reads.Load())
	}
}

func TestWritesAreNotRetried(t *testing.T) {
	flaky := &flakyStore{Store: storage.NewMemoryStore(), failTx: true}
	svc := newTestService(t, flaky, Options{ReadRetries: 5})

	_, err := svc.CreateAppointment(context.Background(), request("v1", "", span(9, 0, 10, 0)))
	if !errors.Is(err, apperr.ErrTransientStorage) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if flaky.txCalls.Load() != 1 {
		t.Fatalf("writes must run once, got %d", flaky.txCalls.Load())
	}
}

func TestConcurrentCreatesForSameEmployeeExactlyOneWins(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(t, store, Options{})

	const n = 16
	var (
		wg       sync.WaitGroup
		wins     atomic.Int32
		conflict atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			// Staggered starts, all still running at 10:00, so every pair overlaps.
			req := request(fmt.Sprintf("v%d", i), "E", span(9, i, 10, 30))
			_, err := svc.CreateAppointment(context.Background(), req)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, apperr.ErrSlotUnavailable):
				conflict.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 || conflict.Load() != n-1 {
		t.Fatalf("expected 1 win and %d conflicts, got %d and %d", n-1, wins.Load(), conflict.Load())
	}
	booked, err := store.FindOverlapping(context.Background(), model.ResourceEmployee, "E", span(9, 0, 11, 0), "")
	if err != nil || len(booked) != 1 {
		t.Fatalf("expected one booking for E, got %v %v", booked, err)
	}
}

// blockingStore never answers until the context given to it ends.
type blockingStore struct {
	storage.Store
}

func (b blockingStore) FindByID(ctx context.Context, _ string) (model.Appointment, error) {
	<-ctx.Done()
	return model.Appointment{}, ctx.Err()
}

func (b blockingStore) InTx(ctx context.Context, _ func(ctx context.Context, tx storage.Tx) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestStorageTimeoutIsTransient(t *testing.T) {
	svc := newTestService(t, blockingStore{storage.NewMemoryStore()}, Options{
		StorageTimeout: 10 * time.Millisecond,
		ReadRetries:    2,
	})

	if _, err := svc.GetAppointment(context.Background(), "a1"); !errors.Is(err, apperr.ErrTransientStorage) {
		t.Fatalf("read timeout: expected transient storage error, got %v", err)
	}
	if _, err := svc.CreateAppointment(context.Background(), request("v1", "", span(9, 0, 10, 0))); !errors.Is(err, apperr.ErrTransientStorage) {
		t.Fatalf("write timeout: expected transient storage error, got %v", err)
	}
}

func TestCallerCancellationIsNotTransient(t *testing.T) {
	svc := newTestService(t, blockingStore{storage.NewMemoryStore()}, Options{StorageTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.GetAppointment(ctx, "a1")
	if errors.Is(err, apperr.ErrTransientStorage) || !errors.Is(err, context.Canceled) {
		t.Fatalf("read: expected plain cancellation, got %v", err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = svc.CreateAppointment(ctx, request("v1", "", span(9, 0, 10, 0)))
	if errors.Is(err, apperr.ErrTransientStorage) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("write: expected the caller's deadline, got %v", err)
	}
}

func TestRescheduleRejectsUnknownStoredStatus(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(t, store, Options{})
	err := store.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		a := model.Appointment{
			ID:          "legacy-1",
			CustomerID:  "cust-1",
			VehicleID:   "v1",
			ServiceType: "oil change",
			Interval:    span(9, 0, 10, 0),
			Status:      model.Status("ARCHIVED"),
		}
		_, err := tx.Insert(ctx, a)
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	out, err := svc.Reschedule(context.Background(), "legacy-1", span(11, 0, 12, 0))
	if !errors.Is(err, apperr.ErrAppointmentClosed) {
		t.Fatalf("expected closed error, got %+v %v", out, err)
	}
	got, _ := store.FindByID(context.Background(), "legacy-1")
	if !got.Interval.Equal(span(9, 0, 10, 0)) {
		t.Fatalf("record must be unchanged, got %v", got.Interval)
	}
}

func TestListByCustomerTrimsID(t *testing.T) {
	svc := newTestService(t, storage.NewMemoryStore(), Options{})
	req := request("v1", "", span(9, 0, 10, 0))
	req.CustomerID = " cust-7 "
	mustCreate(t, svc, req)

	list, err := svc.ListByCustomer(context.Background(), "cust-7  ")
	if err != nil || len(list) != 1 || list[0].CustomerID != "cust-7" {
		t.Fatalf("expected one appointment for cust-7, got %+v %v", list, err)
	}
}
