package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BookingMetrics exposes counters/histograms for slot booking flows.
type BookingMetrics struct {
	bookingsTotal      *prometheus.CounterVec
	cancellationsTotal *prometheus.CounterVec
	operationLatency   *prometheus.HistogramVec
	generationRuns     *prometheus.CounterVec
	generatedSlots     *prometheus.CounterVec
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slotbook",
			Subsystem: "booking",
			Name:      "attempts_total",
			Help:      "Booking attempts by result",
		}, []string{"result"}),
		cancellationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slotbook",
			Subsystem: "booking",
			Name:      "cancellations_total",
			Help:      "Cancellation attempts by result",
		}, []string{"result"}),
		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "slotbook",
			Subsystem: "booking",
			Name:      "operation_duration_seconds",
			Help:      "Latency of booking engine operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		generationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slotbook",
			Subsystem: "generator",
			Name:      "runs_total",
			Help:      "Slot generation runs by result",
		}, []string{"result"}),
		generatedSlots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slotbook",
			Subsystem: "generator",
			Name:      "slots_total",
			Help:      "Projected slots by outcome",
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingsTotal, m.cancellationsTotal, m.operationLatency, m.generationRuns, m.generatedSlots)
	return m
}

// ObserveBooking records one Book call. result is "ok" or an error kind.
func (m *BookingMetrics) ObserveBooking(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(result).Inc()
	m.operationLatency.WithLabelValues("book").Observe(elapsed.Seconds())
}

// ObserveCancellation records one Cancel call. result is "ok" or an error kind.
func (m *BookingMetrics) ObserveCancellation(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.cancellationsTotal.WithLabelValues(result).Inc()
	m.operationLatency.WithLabelValues("cancel").Observe(elapsed.Seconds())
}

func (m *BookingMetrics) ObserveGeneration(_ string, created, skipped int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.generationRuns.WithLabelValues(result).Inc()
	m.generatedSlots.WithLabelValues("created").Add(float64(created))
	m.generatedSlots.WithLabelValues("skipped").Add(float64(skipped))
}

// Handler serves the metrics gathered by g, or the default gatherer if g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
