// Package delivery ships queued events to the collector: a periodic scheduler
// that drains capped batches, the single-flight gate it shares with final
// submission, and the HTTP transport.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	platformlog "proctorlog/internal/platform/logger"
	"proctorlog/internal/session/attempt"
	"proctorlog/internal/session/metrics"
	"proctorlog/internal/session/queue"
	"proctorlog/pkg/domain"
	"proctorlog/pkg/platform/circuit"
	"proctorlog/pkg/platform/sentinel"
)

// Defaults for the periodic sender.
const (
	DefaultInterval  = 5 * time.Second
	DefaultBatchSize = 5
)

// ErrAlreadyStarted is returned by Start on a scheduler that was already
// started or stopped.
var ErrAlreadyStarted = errors.New("scheduler already started")

// TickHook runs at the start of every tick, before the gate is taken. It
// returns true when it handled the tick itself.
type TickHook func(ctx context.Context) bool

// Scheduler periodically drains the queue and transmits batches.
type Scheduler struct {
	attemptID string
	queue     *queue.Queue
	tracker   *attempt.Tracker
	transport Transport
	gate      *Gate

	interval  time.Duration
	batchSize int
	breaker   *circuit.Breaker
	hook      TickHook
	onSealed  func()
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithBreaker enables backoff against a degraded collector.
func WithBreaker(b *circuit.Breaker) Option {
	return func(s *Scheduler) {
		s.breaker = b
	}
}

func WithTickHook(h TickHook) Option {
	return func(s *Scheduler) {
		s.hook = h
	}
}

// WithSealedHook is called after a collector conflict seals the attempt.
func WithSealedHook(fn func()) Option {
	return func(s *Scheduler) {
		s.onSealed = fn
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewScheduler builds a scheduler for attemptID. It does nothing until Start.
func NewScheduler(attemptID string, q *queue.Queue, tracker *attempt.Tracker, transport Transport, gate *Gate, opts ...Option) (*Scheduler, error) {
	if q == nil {
		return nil, errors.New("queue is required")
	}
	if tracker == nil {
		return nil, errors.New("attempt tracker is required")
	}
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if gate == nil {
		return nil, errors.New("gate is required")
	}
	s := &Scheduler{
		attemptID: attemptID,
		queue:     q,
		tracker:   tracker,
		transport: transport,
		gate:      gate,
		interval:  DefaultInterval,
		batchSize: DefaultBatchSize,
		logger:    platformlog.Discard(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches the periodic trigger. A scheduler starts at most once and
// never for a submitted attempt.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.stopped {
		return ErrAlreadyStarted
	}
	if s.tracker.IsSubmitted() {
		return attempt.ErrAlreadySubmitted
	}
	s.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(loopCtx)

	s.logger.InfoContext(ctx, "delivery scheduler started",
		"attempt_id", s.attemptID,
		"interval", s.interval.String(),
		"batch_size", s.batchSize,
	)
	return nil
}

// Stop cancels the periodic trigger. A transmission already in flight runs
// to completion. Stop does not wait; use Wait for that.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
		return
	}
	close(s.done)
}

// Wait blocks until the loop has exited after Stop, or ctx ends.
func (s *Scheduler) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the periodic trigger is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// in-flight sends survive Stop
			s.Tick(context.WithoutCancel(ctx))
		}
	}
}

// Tick performs one delivery opportunity. A tick that finds the gate held is
// a no-op.
func (s *Scheduler) Tick(ctx context.Context) {
	if s.tracker.IsSubmitted() {
		s.metrics.IncrementTickSkipped(metrics.SkipSubmitted)
		return
	}
	if s.hook != nil && s.hook(ctx) {
		return
	}
	if !s.queue.HasPending() {
		s.metrics.IncrementTickSkipped(metrics.SkipEmpty)
		return
	}
	if s.breaker != nil && !s.breaker.Allow() {
		s.metrics.IncrementTickSkipped(metrics.SkipBackoff)
		return
	}
	if !s.gate.TryAcquire() {
		s.metrics.IncrementTickSkipped(metrics.SkipBusy)
		return
	}
	defer s.gate.Release()

	s.sendBatch(ctx)
	s.metrics.SetQueueDepth(s.queue.Len())
}

func (s *Scheduler) sendBatch(ctx context.Context) {
	batch, err := s.queue.DrainBeforeMarker(ctx, s.batchSize)
	if err != nil {
		s.logger.WarnContext(ctx, "drained batch not persisted as in flight",
			"attempt_id", s.attemptID,
			"error", err,
		)
	}
	if len(batch) == 0 {
		// only a pending terminal marker is left; it ships with the submission retry
		s.metrics.IncrementTickSkipped(metrics.SkipMarker)
		return
	}

	start := time.Now()
	receipt, err := s.transport.Send(ctx, domain.Batch{
		AttemptID: s.attemptID,
		Events:    batch,
	})
	if err != nil {
		s.handleFailure(ctx, batch, err)
		return
	}

	if ackErr := s.queue.Ack(ctx, batch); ackErr != nil {
		s.logger.WarnContext(ctx, "failed to clear in-flight batch", "attempt_id", s.attemptID, "error", ackErr)
	}
	s.recordSuccess()
	s.metrics.IncrementSend(metrics.KindPeriodic, metrics.OutcomeAccepted)
	s.logger.DebugContext(ctx, "batch delivered",
		"attempt_id", s.attemptID,
		"batch_size", len(batch),
		"saved", receipt.Saved,
		"duplicates_ignored", receipt.DuplicatesIgnored,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (s *Scheduler) handleFailure(ctx context.Context, batch []domain.Event, err error) {
	switch {
	case errors.Is(err, sentinel.ErrConflict):
		s.metrics.IncrementSend(metrics.KindPeriodic, metrics.OutcomeConflict)
		s.logger.WarnContext(ctx, "collector reports attempt already submitted",
			"attempt_id", s.attemptID,
			"batch_size", len(batch),
		)
		if ackErr := s.queue.Ack(ctx, batch); ackErr != nil {
			s.logger.WarnContext(ctx, "failed to clear in-flight batch", "attempt_id", s.attemptID, "error", ackErr)
		}
		if mErr := s.tracker.MarkSubmitted(ctx); mErr != nil {
			s.logger.ErrorContext(ctx, "failed to persist submitted state", "attempt_id", s.attemptID, "error", mErr)
		}
		s.Stop()
		if s.onSealed != nil {
			s.onSealed()
		}

	case errors.Is(err, sentinel.ErrRejected):
		s.metrics.IncrementSend(metrics.KindPeriodic, metrics.OutcomeRejected)
		s.logger.ErrorContext(ctx, "collector rejected batch, dropping from queue",
			"attempt_id", s.attemptID,
			"event_ids", eventIDs(batch),
			"error", err,
		)
		if ackErr := s.queue.Ack(ctx, batch); ackErr != nil {
			s.logger.WarnContext(ctx, "failed to clear in-flight batch", "attempt_id", s.attemptID, "error", ackErr)
		}

	default:
		s.metrics.IncrementSend(metrics.KindPeriodic, metrics.OutcomeFailed)
		if rqErr := s.queue.Requeue(ctx, batch); rqErr != nil {
			s.logger.ErrorContext(ctx, "failed to persist requeued batch", "attempt_id", s.attemptID, "error", rqErr)
		}
		s.metrics.AddRequeued(len(batch))
		s.recordFailure(ctx)
		s.logger.WarnContext(ctx, "batch delivery failed, requeued",
			"attempt_id", s.attemptID,
			"batch_size", len(batch),
			"error", err,
		)
	}
}

func (s *Scheduler) recordSuccess() {
	if s.breaker != nil {
		s.breaker.RecordSuccess()
	}
}

func (s *Scheduler) recordFailure(ctx context.Context) {
	if s.breaker == nil {
		return
	}
	if _, change := s.breaker.RecordFailure(); change.Opened {
		s.logger.WarnContext(ctx, "collector unhealthy, backing off",
			"attempt_id", s.attemptID,
			"breaker", s.breaker.Name(),
		)
	}
}

func eventIDs(events []domain.Event) []string {
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.EventID
	}
	return ids
}
