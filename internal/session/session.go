// Package session is the proctoring agent's entry point for one attempt. It
// wires capture, the durable queue, periodic delivery and final submission
// together and exposes the operations detectors and the caller need.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	platformlog "proctorlog/internal/platform/logger"
	"proctorlog/internal/session/attempt"
	"proctorlog/internal/session/delivery"
	"proctorlog/internal/session/event"
	"proctorlog/internal/session/metrics"
	"proctorlog/internal/session/policy"
	"proctorlog/internal/session/probe"
	"proctorlog/internal/session/queue"
	"proctorlog/internal/session/storage"
	"proctorlog/internal/session/submission"
	"proctorlog/pkg/domain"
	"proctorlog/pkg/platform/circuit"
)

var (
	ErrAlreadySubmitted     = attempt.ErrAlreadySubmitted
	ErrSubmissionInProgress = attempt.ErrSubmissionInProgress
	ErrAlreadyStarted       = delivery.ErrAlreadyStarted
	ErrAccessBlocked        = errors.New("browser not allowed for this assessment")
	ErrUnknownEventType     = errors.New("unknown event type")
	ErrReservedEventType    = errors.New("event type is reserved for submission")
)

// Metadata keys set by the session itself.
const (
	MetaBrowser         = "browser"
	MetaDurationSeconds = "durationSeconds"
)

// Probe is the environment the session runs in.
type Probe interface {
	event.Probe
	Browser() probe.Browser
	Allowed(allowed []string) bool
}

// Config wires a Session. Store and Transport are required.
type Config struct {
	Store     storage.Store
	Transport delivery.Transport
	Probe     Probe

	// Policies defaults to policy.Defaults.
	Policies *policy.Set
	// AllowedBrowsers is matched case-insensitively; empty allows any.
	AllowedBrowsers []string
	// Duration defaults to DefaultDuration.
	Duration  time.Duration
	Interval  time.Duration
	BatchSize int
	// Breaker defaults to a breaker with package defaults.
	Breaker *circuit.Breaker

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Session is one attempt on this machine.
type Session struct {
	attemptID string
	queue     *queue.Queue
	tracker   *attempt.Tracker
	factory   *event.Factory
	policies  policy.Set
	scheduler *delivery.Scheduler
	coord     *submission.Coordinator
	countdown *countdown

	probe    Probe
	allowed  []string
	duration time.Duration
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *slog.Logger

	captureMu sync.Mutex
	// held collects captures refused while a submission was in flight; they
	// are queued if that submission is reverted.
	held []domain.Event

	mu      sync.Mutex
	started bool
	runCtx  context.Context

	sealOnce sync.Once
	sealed   chan struct{}
}

// Open restores the attempt persisted in cfg.Store, creating one on first
// use. Nothing runs until Start.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Store == nil {
		return nil, errors.New("storage is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("transport is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = platformlog.Discard()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	policies := policy.Defaults()
	if cfg.Policies != nil {
		policies = *cfg.Policies
	}
	duration := cfg.Duration
	if duration <= 0 {
		duration = DefaultDuration
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = circuit.New("collector")
	}

	attemptID, err := attempt.GetOrCreateAttemptID(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open attempt: %w", err)
	}
	logger = logger.With("attempt_id", attemptID)

	s := &Session{
		attemptID: attemptID,
		queue:     queue.Load(ctx, cfg.Store, logger),
		tracker:   attempt.LoadTracker(ctx, cfg.Store),
		policies:  policies,
		countdown: loadCountdown(ctx, cfg.Store, now),
		allowed:   cfg.AllowedBrowsers,
		duration:  duration,
		now:       now,
		metrics:   cfg.Metrics,
		logger:    logger,
		sealed:    make(chan struct{}),
	}
	var eventProbe event.Probe
	if cfg.Probe != nil {
		s.probe = cfg.Probe
		eventProbe = cfg.Probe
	}
	s.factory = event.NewFactory(attemptID, eventProbe, event.WithClock(now))

	gate := delivery.NewGate()
	s.coord, err = submission.New(s.queue, s.tracker, cfg.Transport, gate, s.factory,
		submission.WithBreaker(breaker),
		submission.WithMetrics(cfg.Metrics),
		submission.WithLogger(logger),
		submission.WithRevertHook(s.releaseHeld),
	)
	if err != nil {
		return nil, err
	}
	s.scheduler, err = delivery.NewScheduler(attemptID, s.queue, s.tracker, cfg.Transport, gate,
		delivery.WithInterval(cfg.Interval),
		delivery.WithBatchSize(cfg.BatchSize),
		delivery.WithBreaker(breaker),
		delivery.WithTickHook(s.coord.RetryIfPending),
		delivery.WithSealedHook(s.seal),
		delivery.WithMetrics(cfg.Metrics),
		delivery.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	s.coord.SetStopper(sealer{s})

	switch {
	case s.tracker.IsSubmitted():
		s.seal()
	case s.tracker.State() == attempt.Submitting, s.queue.HasMarker():
		// a marker left by a failed submission must leave with markSubmitted
		s.coord.FlagRetry()
	}
	s.metrics.SetQueueDepth(s.queue.Len())
	return s, nil
}

// AttemptID returns the stable attempt identifier.
func (s *Session) AttemptID() string {
	return s.attemptID
}

// State returns the submission state.
func (s *Session) State() attempt.State {
	return s.tracker.State()
}

// Sealed is closed once the attempt is known to be submitted.
func (s *Session) Sealed() <-chan struct{} {
	return s.sealed
}

// AuditLog returns every event created locally for the attempt, in order.
func (s *Session) AuditLog() []domain.Event {
	return s.queue.Mirror().All()
}

// Pending returns the events awaiting delivery, in order.
func (s *Session) Pending() []domain.Event {
	return s.queue.Snapshot()
}

// Remaining returns the time left on the countdown, zero before Start.
func (s *Session) Remaining() time.Duration {
	return s.countdown.remaining()
}

// LogEvent captures one observation. It returns the created event and true,
// or false when the noise policy filtered the observation out. Captures are
// refused once submission has begun; one refused with ErrSubmissionInProgress
// is still queued if that submission fails and the attempt reopens.
func (s *Session) LogEvent(ctx context.Context, eventType domain.EventType, metadata map[string]any, opts ...event.CreateOption) (domain.Event, bool, error) {
	if !eventType.IsValid() {
		return domain.Event{}, false, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	if eventType.IsTerminal() {
		return domain.Event{}, false, ErrReservedEventType
	}

	s.captureMu.Lock()
	defer s.captureMu.Unlock()

	var (
		ev       domain.Event
		recorded bool
	)
	err := s.tracker.WhileOpen(func() error {
		if !s.policies.Allow(eventType, s.now(), s.queue.Mirror()) {
			return nil
		}
		ev = s.factory.Create(eventType, metadata, opts...)
		if err := s.queue.Enqueue(ctx, append(s.takeHeld(), ev)...); err != nil {
			// the event stays queued in memory and rides the next write
			s.logger.WarnContext(ctx, "event captured but not yet durable",
				"event_id", ev.EventID,
				"event_type", ev.EventType.String(),
				"error", err,
			)
		}
		recorded = true
		return nil
	})
	if errors.Is(err, ErrSubmissionInProgress) && s.policies.Allow(eventType, s.now(), s.queue.Mirror()) {
		s.held = append(s.held, s.factory.Create(eventType, metadata, opts...))
	}
	if err != nil {
		return domain.Event{}, false, err
	}
	if recorded {
		s.metrics.SetQueueDepth(s.queue.Len())
		s.logger.DebugContext(ctx, "event captured",
			"event_id", ev.EventID,
			"event_type", ev.EventType.String(),
		)
	}
	return ev, recorded, nil
}

// releaseHeld queues captures held during a submission that was reverted.
func (s *Session) releaseHeld(ctx context.Context) {
	s.captureMu.Lock()
	defer s.captureMu.Unlock()

	if len(s.held) == 0 {
		return
	}
	err := s.tracker.WhileOpen(func() error {
		return s.queue.Enqueue(ctx, s.takeHeld()...)
	})
	switch {
	case errors.Is(err, ErrAlreadySubmitted):
		s.logger.WarnContext(ctx, "discarding captures held past submission", "count", len(s.held))
		s.held = nil
	case err != nil:
		s.logger.WarnContext(ctx, "held captures not yet durable", "error", err)
	}
	s.metrics.SetQueueDepth(s.queue.Len())
}

// takeHeld empties the held captures. Callers hold captureMu.
func (s *Session) takeHeld() []domain.Event {
	held := s.held
	s.held = nil
	return held
}

// Start runs the browser gate, starts or resumes the countdown and launches
// periodic delivery. A disallowed browser is recorded and shipped, and Start
// returns ErrAccessBlocked.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tracker.IsSubmitted() {
		return ErrAlreadySubmitted
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.runCtx = context.WithoutCancel(ctx)

	if s.tracker.State() == attempt.Submitting {
		s.logger.InfoContext(ctx, "attempt reopened mid-submission, retrying on next tick")
		return s.scheduler.Start(ctx)
	}

	browser := probe.Browser{Name: event.UnknownBrowser}
	allowed := len(s.allowed) == 0
	if s.probe != nil {
		browser = s.probe.Browser()
		allowed = s.probe.Allowed(s.allowed)
	}
	if _, _, err := s.LogEvent(ctx, domain.EventBrowserDetected, map[string]any{MetaBrowser: browser.String()}); err != nil {
		return fmt.Errorf("record browser: %w", err)
	}
	if !allowed {
		if _, _, err := s.LogEvent(ctx, domain.EventAccessBlocked, map[string]any{MetaBrowser: browser.String()}); err != nil {
			return fmt.Errorf("record blocked access: %w", err)
		}
		s.logger.WarnContext(ctx, "access blocked",
			"browser", browser.String(),
			"allowed", strings.Join(s.allowed, ","),
		)
		if err := s.scheduler.Start(ctx); err != nil {
			return err
		}
		return ErrAccessBlocked
	}

	deadline, resumed, err := s.countdown.begin(ctx, s.duration)
	if err != nil {
		return err
	}
	if !resumed {
		if _, _, err := s.LogEvent(ctx, domain.EventTimerStarted, map[string]any{
			MetaDurationSeconds: int(s.duration.Seconds()),
		}); err != nil {
			return fmt.Errorf("record timer start: %w", err)
		}
	}
	if err := s.scheduler.Start(ctx); err != nil {
		return err
	}
	s.countdown.arm(s.expire)
	s.logger.InfoContext(ctx, "session started",
		"browser", browser.String(),
		"deadline", deadline.Format(time.RFC3339),
		"resumed", resumed,
	)
	return nil
}

// Submit finalizes the attempt. Submitting a sealed attempt is a no-op.
func (s *Session) Submit(ctx context.Context) error {
	return s.coord.Submit(ctx, submission.TriggerManual)
}

// Close stops the countdown and periodic delivery and waits for an
// outstanding transmission. Persisted state is left for the next Open.
func (s *Session) Close(ctx context.Context) error {
	s.countdown.stop()
	s.scheduler.Stop()
	return s.scheduler.Wait(ctx)
}

func (s *Session) expire() {
	ctx := s.runCtx
	s.logger.InfoContext(ctx, "countdown expired, auto-submitting")
	for _, t := range []domain.EventType{domain.EventTimerExpired, domain.EventAutoSubmitted} {
		if _, _, err := s.LogEvent(ctx, t, nil); err != nil {
			s.logger.WarnContext(ctx, "expiry event not recorded",
				"event_type", t.String(),
				"error", err,
			)
		}
	}
	if err := s.coord.Submit(ctx, submission.TriggerTimer); err != nil {
		s.logger.WarnContext(ctx, "auto-submit failed, retrying on next tick", "error", err)
	}
}

func (s *Session) seal() {
	s.sealOnce.Do(func() {
		s.countdown.stop()
		close(s.sealed)
	})
}

// sealer halts everything periodic once the coordinator seals the attempt.
type sealer struct{ s *Session }

func (x sealer) Stop() {
	x.s.scheduler.Stop()
	x.s.seal()
}
