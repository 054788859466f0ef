// Package forward streams accepted events to Kafka off the request path.
// Forwarding is best effort: the collector store is the source of truth and a
// full buffer or a broker error drops the copy, never the accept.
package forward

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"proctorlog/internal/collector/metrics"
	"proctorlog/pkg/domain"
)

// DefaultBuffer is the number of batches held while the producer is busy.
const DefaultBuffer = 256

// drainTimeout bounds how long Run keeps producing buffered batches after
// its context is cancelled.
const drainTimeout = 5 * time.Second

// HeaderEventType carries the event type so consumers can filter without
// decoding the value.
const HeaderEventType = "event-type"

// Producer is the subset of *kgo.Client the forwarder needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

type batch struct {
	attemptID string
	events    []domain.Event
}

// Forwarder buffers accepted batches and produces them from a single worker.
type Forwarder struct {
	producer Producer
	topic    string
	inbox    chan batch
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// Option configures a Forwarder.
type Option func(*Forwarder)

func WithBuffer(n int) Option {
	return func(f *Forwarder) {
		if n > 0 {
			f.inbox = make(chan batch, n)
		}
	}
}

// WithTopic overrides the client's default produce topic.
func WithTopic(topic string) Option {
	return func(f *Forwarder) {
		f.topic = topic
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(f *Forwarder) {
		if logger != nil {
			f.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Forwarder) {
		f.metrics = m
	}
}

func New(producer Producer, opts ...Option) *Forwarder {
	f := &Forwarder{
		producer: producer,
		inbox:    make(chan batch, DefaultBuffer),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Forward queues events for production without blocking. It reports false
// when the buffer is full and the batch was dropped.
func (f *Forwarder) Forward(ctx context.Context, attemptID string, events []domain.Event) bool {
	if len(events) == 0 {
		return true
	}
	select {
	case f.inbox <- batch{attemptID: attemptID, events: events}:
		return true
	default:
		f.metrics.AddForwardFailures(len(events))
		f.logger.WarnContext(ctx, "forward buffer full, dropping batch",
			"attempt_id", attemptID,
			"events", len(events),
		)
		return false
	}
}

// Run produces queued batches until ctx is cancelled, then drains what is
// already buffered.
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			f.drain(ctx)
			return nil
		case b := <-f.inbox:
			f.produce(ctx, b)
		}
	}
}

func (f *Forwarder) drain(ctx context.Context) {
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	for {
		select {
		case b := <-f.inbox:
			f.produce(drainCtx, b)
		default:
			return
		}
	}
}

func (f *Forwarder) produce(ctx context.Context, b batch) {
	records := make([]*kgo.Record, 0, len(b.events))
	for _, ev := range b.events {
		value, err := json.Marshal(ev)
		if err != nil {
			f.metrics.AddForwardFailures(1)
			f.logger.ErrorContext(ctx, "failed to encode event for forwarding",
				"attempt_id", b.attemptID,
				"event_id", ev.EventID,
				"error", err,
			)
			continue
		}
		records = append(records, &kgo.Record{
			Topic: f.topic,
			Key:   []byte(b.attemptID),
			Value: value,
			Headers: []kgo.RecordHeader{
				{Key: HeaderEventType, Value: []byte(ev.EventType)},
			},
			Timestamp: ev.Timestamp,
		})
	}
	if len(records) == 0 {
		return
	}

	failed := 0
	var firstErr error
	for _, res := range f.producer.ProduceSync(ctx, records...) {
		if res.Err != nil {
			failed++
			if firstErr == nil {
				firstErr = res.Err
			}
		}
	}
	if failed > 0 {
		f.metrics.AddForwardFailures(failed)
		f.logger.ErrorContext(ctx, "failed to forward events",
			"attempt_id", b.attemptID,
			"failed", failed,
			"error", firstErr,
		)
	}
}
