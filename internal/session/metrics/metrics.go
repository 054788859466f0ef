package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Send kinds.
const (
	KindPeriodic = "periodic"
	KindFinal    = "final"
)

// Send outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
	OutcomeConflict = "conflict"
)

// Skip reasons for scheduler ticks that did not transmit.
const (
	SkipBusy      = "busy"
	SkipEmpty     = "empty"
	SkipBackoff   = "backoff"
	SkipSubmitted = "submitted"
	SkipMarker    = "awaiting_submission"
)

// Metrics provides observability for the proctoring agent's delivery path.
type Metrics struct {
	Sends          *prometheus.CounterVec
	RequeuedEvents prometheus.Counter
	QueueDepth     prometheus.Gauge
	TicksSkipped   *prometheus.CounterVec
}

// New registers the agent metrics with reg, or the default registerer when
// reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Sends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proctorlog_delivery_sends_total",
			Help: "Batches transmitted to the collector by kind and outcome",
		}, []string{"kind", "outcome"}),
		RequeuedEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "proctorlog_delivery_requeued_events_total",
			Help: "Events returned to the local queue after a failed transmission",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "proctorlog_queue_depth",
			Help: "Events waiting in the local queue",
		}),
		TicksSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proctorlog_ticks_skipped_total",
			Help: "Scheduler ticks that did not transmit, by reason",
		}, []string{"reason"}),
	}
}

func (m *Metrics) IncrementSend(kind, outcome string) {
	if m != nil {
		m.Sends.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) AddRequeued(n int) {
	if m != nil {
		m.RequeuedEvents.Add(float64(n))
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}

func (m *Metrics) IncrementTickSkipped(reason string) {
	if m != nil {
		m.TicksSkipped.WithLabelValues(reason).Inc()
	}
}
