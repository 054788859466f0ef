// Package submission finalizes an attempt: it flushes everything pending
// together with a single closing ASSESSMENT_SUBMITTED marker and seals the
// attempt once the collector confirms.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync/atomic"
	"time"

	platformlog "proctorlog/internal/platform/logger"
	"proctorlog/internal/session/attempt"
	"proctorlog/internal/session/delivery"
	"proctorlog/internal/session/event"
	"proctorlog/internal/session/metrics"
	"proctorlog/internal/session/queue"
	"proctorlog/pkg/domain"
	"proctorlog/pkg/platform/circuit"
	"proctorlog/pkg/platform/sentinel"
)

// Trigger records what initiated a submission. It is stamped into the
// terminal marker's metadata.
type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerTimer  Trigger = "timer"
	TriggerRetry  Trigger = "retry"
)

// MetaTrigger is the marker metadata key carrying the Trigger.
const MetaTrigger = "trigger"

// Stopper halts periodic delivery once the attempt is sealed.
type Stopper interface {
	Stop()
}

// Coordinator runs final submission for one attempt.
type Coordinator struct {
	queue     *queue.Queue
	tracker   *attempt.Tracker
	transport delivery.Transport
	gate      *delivery.Gate
	factory   *event.Factory

	stopper  Stopper
	breaker  *circuit.Breaker
	reverted func(ctx context.Context)
	metrics  *metrics.Metrics
	logger   *slog.Logger

	retryPending atomic.Bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithStopper registers the scheduler to halt after sealing.
func WithStopper(s Stopper) Option {
	return func(c *Coordinator) {
		c.stopper = s
	}
}

// WithBreaker shares the delivery backoff with retried submissions.
func WithBreaker(b *circuit.Breaker) Option {
	return func(c *Coordinator) {
		c.breaker = b
	}
}

// WithRevertHook runs fn after a failed submission reopens the attempt.
func WithRevertHook(fn func(ctx context.Context)) Option {
	return func(c *Coordinator) {
		c.reverted = fn
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// New builds a coordinator. The factory determines the attempt.
func New(q *queue.Queue, tracker *attempt.Tracker, transport delivery.Transport, gate *delivery.Gate, factory *event.Factory, opts ...Option) (*Coordinator, error) {
	switch {
	case q == nil:
		return nil, errors.New("queue is required")
	case tracker == nil:
		return nil, errors.New("attempt tracker is required")
	case transport == nil:
		return nil, errors.New("transport is required")
	case gate == nil:
		return nil, errors.New("gate is required")
	case factory == nil:
		return nil, errors.New("event factory is required")
	}
	c := &Coordinator{
		queue:     q,
		tracker:   tracker,
		transport: transport,
		gate:      gate,
		factory:   factory,
		logger:    platformlog.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SetStopper registers the scheduler after construction.
func (c *Coordinator) SetStopper(s Stopper) {
	c.stopper = s
}

// FlagRetry marks a submission that must be retried on the next delivery
// opportunity.
func (c *Coordinator) FlagRetry() {
	c.retryPending.Store(true)
}

// RetryPending reports whether a failed submission awaits retry.
func (c *Coordinator) RetryPending() bool {
	return c.retryPending.Load()
}

// RetryIfPending performs a flagged submission retry. It reports whether a
// retry was due, in which case the caller's delivery opportunity is consumed.
func (c *Coordinator) RetryIfPending(ctx context.Context) bool {
	if !c.retryPending.Load() {
		return false
	}
	if c.breaker != nil && !c.breaker.Allow() {
		c.metrics.IncrementTickSkipped(metrics.SkipBackoff)
		return true
	}
	if err := c.Submit(ctx, TriggerRetry); err != nil {
		c.logger.WarnContext(ctx, "submission retry failed",
			"attempt_id", c.factory.AttemptID(),
			"error", err,
		)
	}
	return true
}

// Submit flushes every pending event plus one terminal marker in a single
// batch flagged markSubmitted. On success the attempt is sealed and periodic
// delivery stops; on failure everything returns to the queue and the attempt
// stays open for a retry. Submitting a sealed attempt is a no-op.
func (c *Coordinator) Submit(ctx context.Context, trigger Trigger) error {
	attemptID := c.factory.AttemptID()

	if err := c.gate.Acquire(ctx); err != nil {
		return fmt.Errorf("wait for in-flight delivery: %w", err)
	}
	defer c.gate.Release()

	if c.tracker.IsSubmitted() {
		c.retryPending.Store(false)
		c.logger.DebugContext(ctx, "attempt already submitted", "attempt_id", attemptID)
		return nil
	}
	if c.tracker.State() == attempt.Submitting {
		c.logger.InfoContext(ctx, "resuming interrupted submission", "attempt_id", attemptID)
	}
	if err := c.tracker.BeginSubmission(ctx); err != nil {
		return fmt.Errorf("begin submission: %w", err)
	}

	batch := c.collect(ctx, trigger)

	start := time.Now()
	receipt, err := c.transport.Send(ctx, domain.Batch{
		AttemptID:     attemptID,
		Events:        batch,
		MarkSubmitted: true,
	})
	switch {
	case err == nil:
		c.metrics.IncrementSend(metrics.KindFinal, metrics.OutcomeAccepted)
		c.seal(ctx, batch)
		c.logger.InfoContext(ctx, "attempt submitted",
			"attempt_id", attemptID,
			"trigger", string(trigger),
			"batch_size", len(batch),
			"saved", receipt.Saved,
			"duplicates_ignored", receipt.DuplicatesIgnored,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil

	case errors.Is(err, sentinel.ErrConflict):
		c.metrics.IncrementSend(metrics.KindFinal, metrics.OutcomeConflict)
		c.seal(ctx, batch)
		c.logger.WarnContext(ctx, "collector already sealed attempt",
			"attempt_id", attemptID,
			"batch_size", len(batch),
		)
		return nil

	case errors.Is(err, sentinel.ErrRejected):
		c.metrics.IncrementSend(metrics.KindFinal, metrics.OutcomeRejected)
		c.logger.ErrorContext(ctx, "collector rejected submission batch, dropping it",
			"attempt_id", attemptID,
			"event_ids", eventIDs(batch),
			"error", err,
		)
		if ackErr := c.queue.Ack(ctx, batch); ackErr != nil {
			c.logger.WarnContext(ctx, "failed to clear in-flight batch", "attempt_id", attemptID, "error", ackErr)
		}
		c.revert(ctx)
		return fmt.Errorf("submit attempt: %w", err)

	default:
		c.metrics.IncrementSend(metrics.KindFinal, metrics.OutcomeFailed)
		if rqErr := c.queue.Requeue(ctx, batch); rqErr != nil {
			c.logger.ErrorContext(ctx, "failed to persist requeued submission", "attempt_id", attemptID, "error", rqErr)
		}
		c.metrics.AddRequeued(len(batch))
		if c.breaker != nil {
			c.breaker.RecordFailure()
		}
		c.revert(ctx)
		c.logger.WarnContext(ctx, "submission failed, will retry",
			"attempt_id", attemptID,
			"batch_size", len(batch),
			"error", err,
		)
		return fmt.Errorf("submit attempt: %w", err)
	}
}

// collect drains the whole queue and places exactly one terminal marker at
// the end, reusing a marker left over from an earlier failed submission.
func (c *Coordinator) collect(ctx context.Context, trigger Trigger) []domain.Event {
	drained, err := c.queue.Drain(ctx, math.MaxInt)
	if err != nil {
		c.logger.WarnContext(ctx, "drained events not persisted as in flight",
			"attempt_id", c.factory.AttemptID(),
			"error", err,
		)
	}

	var markers []domain.Event
	batch := slices.DeleteFunc(drained, func(ev domain.Event) bool {
		if ev.EventType.IsTerminal() {
			markers = append(markers, ev)
			return true
		}
		return false
	})

	if len(markers) > 0 {
		marker := markers[len(markers)-1]
		if extra := markers[:len(markers)-1]; len(extra) > 0 {
			c.logger.WarnContext(ctx, "discarding surplus terminal markers",
				"attempt_id", c.factory.AttemptID(),
				"event_ids", eventIDs(extra),
			)
			if ackErr := c.queue.Ack(ctx, extra); ackErr != nil {
				c.logger.WarnContext(ctx, "failed to clear surplus markers", "attempt_id", c.factory.AttemptID(), "error", ackErr)
			}
		}
		return append(batch, marker)
	}

	marker := c.factory.Create(domain.EventAssessmentSubmitted, map[string]any{
		MetaTrigger: string(trigger),
	})
	if err := c.queue.Stage(ctx, marker); err != nil {
		c.logger.WarnContext(ctx, "terminal marker not persisted",
			"attempt_id", c.factory.AttemptID(),
			"event_id", marker.EventID,
			"error", err,
		)
	}
	return append(batch, marker)
}

func (c *Coordinator) seal(ctx context.Context, batch []domain.Event) {
	attemptID := c.factory.AttemptID()
	if err := c.queue.Ack(ctx, batch); err != nil {
		c.logger.WarnContext(ctx, "failed to clear in-flight batch", "attempt_id", attemptID, "error", err)
	}
	if err := c.tracker.MarkSubmitted(ctx); err != nil {
		c.logger.ErrorContext(ctx, "failed to persist submitted state", "attempt_id", attemptID, "error", err)
	}
	if c.breaker != nil {
		c.breaker.RecordSuccess()
	}
	c.retryPending.Store(false)
	if c.stopper != nil {
		c.stopper.Stop()
	}
	c.metrics.SetQueueDepth(c.queue.Len())
}

func (c *Coordinator) revert(ctx context.Context) {
	if err := c.tracker.Revert(ctx); err != nil {
		c.logger.ErrorContext(ctx, "failed to revert submission state",
			"attempt_id", c.factory.AttemptID(),
			"error", err,
		)
	}
	c.retryPending.Store(true)
	if c.reverted != nil {
		c.reverted(ctx)
	}
	c.metrics.SetQueueDepth(c.queue.Len())
}

func eventIDs(events []domain.Event) []string {
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.EventID
	}
	return ids
}
