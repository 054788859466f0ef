// Package service accepts event batches on behalf of the collector. It
// validates the batch, serializes accepts per attempt, and forwards newly
// stored events downstream.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"proctorlog/internal/collector/metrics"
	"proctorlog/internal/collector/models"
	"proctorlog/pkg/domain"
	dErrors "proctorlog/pkg/domain-errors"
	"proctorlog/pkg/platform/sentinel"
)

// ConflictMessage is returned when a batch targets a sealed attempt.
const ConflictMessage = "attempt already submitted; further logs are immutable"

// Store is the persistence the service needs; see store.Store.
type Store interface {
	Accept(ctx context.Context, attemptID string, events []domain.Event, markSubmitted bool) (models.AcceptOutcome, error)
	Get(ctx context.Context, attemptID string) (*models.AttemptLog, error)
}

// Forwarder receives newly stored events. Forward must not block.
type Forwarder interface {
	Forward(ctx context.Context, attemptID string, events []domain.Event) bool
}

type Service struct {
	store     Store
	forwarder Forwarder
	locks     *attemptLocks
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

func WithForwarder(f Forwarder) Option {
	return func(s *Service) {
		s.forwarder = f
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

func New(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		locks:  newAttemptLocks(),
		logger: slog.Default(),
		tracer: otel.Tracer("proctorlog/collector"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Accept validates req and stores its events, ignoring eventIds already
// stored for the attempt. Batches for a sealed attempt fail with CodeConflict
// and store nothing.
func (s *Service) Accept(ctx context.Context, req *models.LogBatchRequest) (receipt domain.Receipt, err error) {
	start := time.Now()
	defer s.metrics.ObserveAccept(start)

	if req == nil {
		s.metrics.IncrementBatch(metrics.OutcomeInvalid)
		return domain.Receipt{}, dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if err := req.Validate(); err != nil {
		s.metrics.IncrementBatch(metrics.OutcomeInvalid)
		return domain.Receipt{}, err
	}

	ctx, span := s.tracer.Start(ctx, "collector.Accept",
		trace.WithAttributes(
			attribute.String("attempt.id", req.AttemptID),
			attribute.Int("events.received", len(req.Events)),
			attribute.Bool("attempt.mark_submitted", req.MarkSubmitted),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	unlock := s.locks.lock(req.AttemptID)
	out, err := s.store.Accept(ctx, req.AttemptID, req.Events, req.MarkSubmitted)
	unlock()

	if errors.Is(err, sentinel.ErrConflict) {
		s.metrics.IncrementBatch(metrics.OutcomeConflict)
		s.logger.WarnContext(ctx, "batch rejected for submitted attempt",
			"attempt_id", req.AttemptID,
			"received", len(req.Events),
		)
		return domain.Receipt{}, dErrors.New(dErrors.CodeConflict, ConflictMessage)
	}
	if err != nil {
		s.metrics.IncrementBatch(metrics.OutcomeError)
		s.logger.ErrorContext(ctx, "failed to accept batch",
			"attempt_id", req.AttemptID,
			"error", err,
		)
		return domain.Receipt{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store events")
	}

	receipt = out.Receipt(len(req.Events))
	s.metrics.IncrementBatch(metrics.OutcomeAccepted)
	s.metrics.AddSaved(receipt.Saved)
	s.metrics.AddDuplicates(receipt.DuplicatesIgnored)
	span.SetAttributes(
		attribute.Int("events.saved", receipt.Saved),
		attribute.Int("events.duplicates_ignored", receipt.DuplicatesIgnored),
	)

	if s.forwarder != nil && len(out.Saved) > 0 {
		s.forwarder.Forward(ctx, req.AttemptID, out.Saved)
	}

	s.logger.InfoContext(ctx, "batch accepted",
		"attempt_id", req.AttemptID,
		"received", receipt.Received,
		"saved", receipt.Saved,
		"duplicates_ignored", receipt.DuplicatesIgnored,
		"submitted", receipt.Submitted,
	)
	return receipt, nil
}

// Attempt returns the stored log for attemptID.
func (s *Service) Attempt(ctx context.Context, attemptID string) (*models.AttemptLog, error) {
	attemptID, err := domain.ParseAttemptID(attemptID)
	if err != nil {
		return nil, err
	}
	log, err := s.store.Get(ctx, attemptID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "attempt not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load attempt")
	}
	return log, nil
}
