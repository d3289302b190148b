package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/im7mortal/kmutex"

	"github.com/autonova/platform/services/appointment-booking-service/internal/apperr"
	"github.com/autonova/platform/services/appointment-booking-service/internal/model"
	"github.com/autonova/platform/services/appointment-booking-service/internal/outbox"
)

// DefaultEventRetention is how many committed events a MemoryStore keeps.
// No relay drains them, so older events are dropped first.
const DefaultEventRetention = 10000

// MemoryStore keeps appointments in process memory. Write transactions stage
// their changes and apply them on commit, so readers only ever see committed
// rows. Resource locks are keyed mutexes held until the transaction ends.
type MemoryStore struct {
	mu          sync.RWMutex
	byID        map[string]model.Appointment
	events      []outbox.Record
	lastEventID int64
	retention   int
	locks       *kmutex.Kmutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      map[string]model.Appointment{},
		retention: DefaultEventRetention,
		locks:     kmutex.New(),
	}
}

// Events returns a copy of the retained events appended by committed
// transactions, oldest first.
func (s *MemoryStore) Events() []outbox.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]outbox.Record, len(s.events))
	copy(out, s.events)
	return out
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memoryTx{
		store:  s,
		staged: map[string]model.Appointment{},
		held:   map[model.LockKey]struct{}{},
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit()
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (model.Appointment, error) {
	if err := ctx.Err(); err != nil {
		return model.Appointment{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return model.Appointment{}, fmt.Errorf("%w: %s", apperr.ErrNotFound, id)
	}
	return a, nil
}

func (s *MemoryStore) FindByCustomer(ctx context.Context, customerID string) ([]model.Appointment, error) {
	return s.query(ctx, func(all []model.Appointment) []model.Appointment {
		return byCustomer(all, customerID)
	})
}

func (s *MemoryStore) FindOverlapping(ctx context.Context, kind model.ResourceKind, resourceID string, iv model.Interval, excludeID string) ([]model.Appointment, error) {
	return s.query(ctx, func(all []model.Appointment) []model.Appointment {
		return overlapping(all, kind, resourceID, iv, excludeID)
	})
}

func (s *MemoryStore) FindInRange(ctx context.Context, iv model.Interval) ([]model.Appointment, error) {
	return s.query(ctx, func(all []model.Appointment) []model.Appointment {
		return inRange(all, iv)
	})
}

func (s *MemoryStore) Search(ctx context.Context, f Filter) ([]model.Appointment, error) {
	return s.query(ctx, func(all []model.Appointment) []model.Appointment {
		return search(all, f)
	})
}

func (s *MemoryStore) query(ctx context.Context, pick func([]model.Appointment) []model.Appointment) ([]model.Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return pick(s.snapshot(nil)), nil
}

// snapshot copies the committed rows, with overlay entries replacing or
// adding to them.
func (s *MemoryStore) snapshot(overlay map[string]model.Appointment) []model.Appointment {
	s.mu.RLock()
	out := make([]model.Appointment, 0, len(s.byID)+len(overlay))
	for id, a := range s.byID {
		if _, ok := overlay[id]; ok {
			continue
		}
		out = append(out, a)
	}
	s.mu.RUnlock()
	for _, a := range overlay {
		out = append(out, a)
	}
	return out
}

type memoryTx struct {
	store    *MemoryStore
	staged   map[string]model.Appointment
	inserted []string
	events   []outbox.Event
	held     map[model.LockKey]struct{}
	order    []model.LockKey
	done     bool
}

func (tx *memoryTx) LockResources(ctx context.Context, keys ...model.LockKey) error {
	for _, k := range sortedLocks(keys) {
		if _, ok := tx.held[k]; ok {
			continue
		}
		// Holders never wait on I/O, so this wait is bounded by their own work.
		tx.store.locks.Lock(string(k))
		tx.held[k] = struct{}{}
		tx.order = append(tx.order, k)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (tx *memoryTx) release() {
	for i := len(tx.order) - 1; i >= 0; i-- {
		tx.store.locks.Unlock(string(tx.order[i]))
	}
	tx.order = nil
	tx.held = nil
}

func (tx *memoryTx) FindByID(ctx context.Context, id string) (model.Appointment, error) {
	if a, ok := tx.staged[id]; ok {
		return a, nil
	}
	return tx.store.FindByID(ctx, id)
}

func (tx *memoryTx) FindByCustomer(ctx context.Context, customerID string) ([]model.Appointment, error) {
	return tx.query(ctx, func(all []model.Appointment) []model.Appointment {
		return byCustomer(all, customerID)
	})
}

func (tx *memoryTx) FindOverlapping(ctx context.Context, kind model.ResourceKind, resourceID string, iv model.Interval, excludeID string) ([]model.Appointment, error) {
	return tx.query(ctx, func(all []model.Appointment) []model.Appointment {
		return overlapping(all, kind, resourceID, iv, excludeID)
	})
}

func (tx *memoryTx) FindInRange(ctx context.Context, iv model.Interval) ([]model.Appointment, error) {
	return tx.query(ctx, func(all []model.Appointment) []model.Appointment {
		return inRange(all, iv)
	})
}

func (tx *memoryTx) Search(ctx context.Context, f Filter) ([]model.Appointment, error) {
	return tx.query(ctx, func(all []model.Appointment) []model.Appointment {
		return search(all, f)
	})
}

func (tx *memoryTx) query(ctx context.Context, pick func([]model.Appointment) []model.Appointment) ([]model.Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return pick(tx.store.snapshot(tx.staged)), nil
}

func (tx *memoryTx) Insert(ctx context.Context, appt model.Appointment) (model.Appointment, error) {
	if err := ctx.Err(); err != nil {
		return model.Appointment{}, err
	}
	if appt.ID == "" {
		appt.ID = uuid.NewString()
	}
	if _, ok := tx.staged[appt.ID]; ok {
		return model.Appointment{}, fmt.Errorf("%w: %s", apperr.ErrDuplicateKey, appt.ID)
	}
	if _, err := tx.store.FindByID(ctx, appt.ID); err == nil {
		return model.Appointment{}, fmt.Errorf("%w: %s", apperr.ErrDuplicateKey, appt.ID)
	}
	tx.staged[appt.ID] = appt
	tx.inserted = append(tx.inserted, appt.ID)
	return appt, nil
}

func (tx *memoryTx) Update(ctx context.Context, id string, mutate Mutator) (model.Appointment, error) {
	current, err := tx.FindByID(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	next := current
	if err := mutate(&next); err != nil {
		return model.Appointment{}, err
	}
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	tx.staged[id] = next
	return next, nil
}

func (tx *memoryTx) AppendEvent(ctx context.Context, evt outbox.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.events = append(tx.events, evt)
	return nil
}

func (tx *memoryTx) commit() error {
	if tx.done {
		return nil
	}
	tx.done = true

	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range tx.inserted {
		if _, ok := s.byID[id]; ok {
			return fmt.Errorf("%w: %s", apperr.ErrDuplicateKey, id)
		}
	}
	for id, a := range tx.staged {
		s.byID[id] = a
	}
	now := time.Now().UTC()
	for _, evt := range tx.events {
		s.lastEventID++
		s.events = append(s.events, outbox.Record{
			ID:            s.lastEventID,
			EventID:       uuid.NewString(),
			AggregateType: evt.AggregateType,
			AggregateID:   evt.AggregateID,
			EventType:     evt.EventType,
			Payload:       evt.Payload,
			CreatedAt:     now,
		})
	}
	if over := len(s.events) - s.retention; s.retention > 0 && over > 0 {
		s.events = append(s.events[:0:0], s.events[over:]...)
	}
	return nil
}

func byCustomer(all []model.Appointment, customerID string) []model.Appointment {
	var out []model.Appointment
	for _, a := range all {
		if a.CustomerID == customerID {
			out = append(out, a)
		}
	}
	sortByStartDesc(out)
	return out
}

func overlapping(all []model.Appointment, kind model.ResourceKind, resourceID string, iv model.Interval, excludeID string) []model.Appointment {
	if resourceID == "" {
		return nil
	}
	var out []model.Appointment
	for _, a := range all {
		if !a.Active() || a.ID == excludeID {
			continue
		}
		if a.ResourceID(kind) != resourceID {
			continue
		}
		if a.Interval.Overlaps(iv) {
			out = append(out, a)
		}
	}
	sortByStart(out)
	return out
}

func inRange(all []model.Appointment, iv model.Interval) []model.Appointment {
	var out []model.Appointment
	for _, a := range all {
		if a.Active() && a.Interval.Overlaps(iv) {
			out = append(out, a)
		}
	}
	sortByStart(out)
	return out
}

func search(all []model.Appointment, f Filter) []model.Appointment {
	var out []model.Appointment
	for _, a := range all {
		if f.match(a) {
			out = append(out, a)
		}
	}
	sortByStartDesc(out)
	if limit := f.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortByStart(list []model.Appointment) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].Interval.Start.Equal(list[j].Interval.Start) {
			return list[i].Interval.Start.Before(list[j].Interval.Start)
		}
		return list[i].ID < list[j].ID
	})
}

func sortByStartDesc(list []model.Appointment) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].Interval.Start.Equal(list[j].Interval.Start) {
			return list[i].Interval.Start.After(list[j].Interval.Start)
		}
		return list[i].ID < list[j].ID
	})
}
