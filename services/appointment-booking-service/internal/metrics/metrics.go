package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autonova/platform/services/appointment-booking-service/internal/apperr"
)

const namespace = "appointments"

// Collector is a prometheus.Collector for scheduling operations.
type Collector struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	conflicts  *prometheus.CounterVec
}

func NewCollector() *Collector {
	return &Collector{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Scheduling operations by outcome.",
			}, []string{"op", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Time spent in scheduling operations.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 3},
			}, []string{"op"},
		),
		conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "slot_conflicts_total",
				Help:      "Conflicting bookings found, by resource kind.",
			}, []string{"resource"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.operations.Describe(ch)
	c.duration.Describe(ch)
	c.conflicts.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.operations.Collect(ch)
	c.duration.Collect(ch)
	c.conflicts.Collect(ch)
}

// Observe records one finished operation. A nil Collector is a no-op.
func (c *Collector) Observe(op string, started time.Time, err error) {
	if c == nil {
		return
	}
	c.operations.WithLabelValues(op, Outcome(err)).Inc()
	c.duration.WithLabelValues(op).Observe(time.Since(started).Seconds())

	var slot *apperr.SlotUnavailableError
	if errors.As(err, &slot) {
		for _, r := range slot.Reasons {
			resource := r.Resource
			if resource == "" {
				resource = "any"
			}
			c.conflicts.WithLabelValues(resource).Inc()
		}
	}
}

// Outcome labels err for the operations counter.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperr.ErrInvalidInput):
		return "invalid"
	case errors.Is(err, apperr.ErrNotFound):
		return "not_found"
	case errors.Is(err, apperr.ErrAppointmentClosed):
		return "closed"
	case errors.Is(err, apperr.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, apperr.ErrSlotUnavailable):
		return "conflict"
	case errors.Is(err, apperr.ErrTransientStorage):
		return "transient"
	default:
		return "error"
	}
}

// NewRegistry returns a registry holding c plus the Go and process collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
