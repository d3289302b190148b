// Package storage is the appointment record store: the contract the
// scheduling core depends on, plus an in-memory and a Postgres implementation.
package storage

import (
	"context"
	"sort"
	"time"

	"github.com/autonova/platform/services/appointment-booking-service/internal/model"
	"github.com/autonova/platform/services/appointment-booking-service/internal/outbox"
)

// Reader is the read side of the store. Cancelled appointments are never
// returned by FindOverlapping or FindInRange.
type Reader interface {
	FindByID(ctx context.Context, id string) (model.Appointment, error)
	// FindByCustomer returns the customer's appointments, newest start first.
	FindByCustomer(ctx context.Context, customerID string) ([]model.Appointment, error)
	// FindOverlapping returns active appointments holding resourceID of the
	// given kind whose interval overlaps iv. excludeID may be empty.
	FindOverlapping(ctx context.Context, kind model.ResourceKind, resourceID string, iv model.Interval, excludeID string) ([]model.Appointment, error)
	// FindInRange returns every active appointment overlapping iv, ordered by start.
	FindInRange(ctx context.Context, iv model.Interval) ([]model.Appointment, error)
	Search(ctx context.Context, f Filter) ([]model.Appointment, error)
}

// Mutator edits an appointment in place. Returning an error aborts the update.
type Mutator func(*model.Appointment) error

// Tx is a write transaction. Locks taken with LockResources are held until the
// transaction ends; callers take them before reading what they will check.
type Tx interface {
	Reader
	LockResources(ctx context.Context, keys ...model.LockKey) error
	Insert(ctx context.Context, appt model.Appointment) (model.Appointment, error)
	Update(ctx context.Context, id string, mutate Mutator) (model.Appointment, error)
	AppendEvent(ctx context.Context, evt outbox.Event) error
}

type Store interface {
	Reader
	// InTx runs fn in a transaction, committing if it returns nil. A commit
	// that has started is not abandoned when ctx is cancelled.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Filter narrows Search. Zero fields do not filter. From and To bound the
// start time inclusively.
type Filter struct {
	Status     model.Status
	From       *time.Time
	To         *time.Time
	VehicleID  string
	CustomerID string
	Limit      int
}

const (
	defaultSearchLimit = 200
	maxSearchLimit     = 1000
)

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultSearchLimit
	case f.Limit > maxSearchLimit:
		return maxSearchLimit
	default:
		return f.Limit
	}
}

func (f Filter) match(a model.Appointment) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.From != nil && a.Interval.Start.Before(*f.From) {
		return false
	}
	if f.To != nil && a.Interval.Start.After(*f.To) {
		return false
	}
	if f.VehicleID != "" && a.VehicleID != f.VehicleID {
		return false
	}
	if f.CustomerID != "" && a.CustomerID != f.CustomerID {
		return false
	}
	return true
}

// sortedLocks dedupes keys and orders them so every transaction acquires
// locks in the same order.
func sortedLocks(keys []model.LockKey) []model.LockKey {
	seen := make(map[model.LockKey]struct{}, len(keys))
	out := make([]model.LockKey, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
