package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "campushealth"

var (
	bookings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bookings_total",
		Help:      "Booking attempts by outcome.",
	}, []string{"outcome"})

	bookingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "booking_duration_seconds",
		Help:      "Time spent in the booking transaction, including lock waits.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_tasks_total",
		Help:      "Side-effect tasks handled by the worker, by kind and result.",
	}, []string{"kind", "result"})

	reminders = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reminders_enqueued_total",
		Help:      "Appointment reminders handed to the dispatcher.",
	})
)

// ObserveBooking records the outcome and latency of one booking attempt.
func ObserveBooking(outcome string, took time.Duration) {
	bookings.WithLabelValues(outcome).Inc()
	bookingDuration.Observe(took.Seconds())
}

// ObserveDispatch records one side-effect task result: "ok", "retry" or "dropped".
func ObserveDispatch(kind, result string) {
	dispatches.WithLabelValues(kind, result).Inc()
}

// AddReminders counts reminders handed to the dispatcher.
func AddReminders(n int) {
	reminders.Add(float64(n))
}
