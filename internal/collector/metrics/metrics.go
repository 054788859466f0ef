package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Batch outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeConflict = "conflict"
	OutcomeInvalid  = "invalid"
	OutcomeError    = "error"
)

// Metrics provides observability for the collector's accept path.
type Metrics struct {
	Batches           *prometheus.CounterVec
	EventsSaved       prometheus.Counter
	DuplicatesIgnored prometheus.Counter
	AcceptDuration    prometheus.Histogram
	ForwardFailures   prometheus.Counter
}

// New registers the collector metrics with reg, or the default registerer
// when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Batches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proctorlog_collector_batches_total",
			Help: "Batches received by the collector, by outcome",
		}, []string{"outcome"}),
		EventsSaved: factory.NewCounter(prometheus.CounterOpts{
			Name: "proctorlog_collector_events_saved_total",
			Help: "Events newly stored by the collector",
		}),
		DuplicatesIgnored: factory.NewCounter(prometheus.CounterOpts{
			Name: "proctorlog_collector_duplicates_ignored_total",
			Help: "Events discarded because their eventId was already stored for the attempt",
		}),
		AcceptDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "proctorlog_collector_accept_duration_seconds",
			Help:    "Time spent accepting a batch, including the store round trip",
			Buckets: prometheus.DefBuckets,
		}),
		ForwardFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "proctorlog_collector_forward_failures_total",
			Help: "Accepted events that could not be forwarded to the event stream",
		}),
	}
}

func (m *Metrics) IncrementBatch(outcome string) {
	if m != nil {
		m.Batches.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) AddSaved(n int) {
	if m != nil {
		m.EventsSaved.Add(float64(n))
	}
}

func (m *Metrics) AddDuplicates(n int) {
	if m != nil {
		m.DuplicatesIgnored.Add(float64(n))
	}
}

func (m *Metrics) ObserveAccept(start time.Time) {
	if m != nil {
		m.AcceptDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) AddForwardFailures(n int) {
	if m != nil {
		m.ForwardFailures.Add(float64(n))
	}
}
