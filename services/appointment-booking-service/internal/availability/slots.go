package availability

import (
	"time"

	"github.com/autonova/platform/services/appointment-booking-service/internal/model"
)

// Slots splits window into back-to-back slots of length slotLength and
// returns those that overlap none of the busy intervals. Slots starting
// before now are skipped; a zero now keeps them all. A trailing remainder
// shorter than slotLength is not offered.
func Slots(window model.Interval, slotLength time.Duration, busy []model.Interval, now time.Time) []model.Interval {
	if slotLength <= 0 {
		return nil
	}
	if !window.End.After(window.Start) {
		return nil
	}

	var slots []model.Interval
	for t := window.Start; !t.Add(slotLength).After(window.End); t = t.Add(slotLength) {
		if !now.IsZero() && t.Before(now) {
			continue
		}
		slot := model.Interval{Start: t, End: t.Add(slotLength)}
		if !overlapsAny(slot, busy) {
			slots = append(slots, slot)
		}
	}
	return slots
}

func overlapsAny(slot model.Interval, busy []model.Interval) bool {
	for _, b := range busy {
		if slot.Overlaps(b) {
			return true
		}
	}
	return false
}
