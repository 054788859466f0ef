package submission

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	platformlog "proctorlog/internal/platform/logger"
	"proctorlog/internal/session/attempt"
	"proctorlog/internal/session/delivery"
	"proctorlog/internal/session/delivery/mocks"
	"proctorlog/internal/session/event"
	"proctorlog/internal/session/metrics"
	"proctorlog/internal/session/queue"
	"proctorlog/internal/session/storage"
	"proctorlog/pkg/domain"
	"proctorlog/pkg/platform/sentinel"
)

// =============================================================================
// Coordinator Test Suite
// =============================================================================
// Justification for unit tests: final submission is the only path that seals
// an attempt. Tests pin the batch shape (everything pending plus one trailing
// marker), the success and failure transitions, and recovery of a submission
// interrupted by a restart.

const testAttemptID = "attempt-1"

type stopRecorder struct{ stopped int }

func (s *stopRecorder) Stop() { s.stopped++ }

type CoordinatorSuite struct {
	suite.Suite
	ctx       context.Context
	ctrl      *gomock.Controller
	transport *mocks.MockTransport
	store     *storage.InMemoryStore
	queue     *queue.Queue
	tracker   *attempt.Tracker
	gate      *delivery.Gate
	factory   *event.Factory
	stopper   *stopRecorder
	coord     *Coordinator
	clock     time.Time
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}

func (s *CoordinatorSuite) SetupTest() {
	s.ctx = context.Background()
	s.ctrl = gomock.NewController(s.T())
	s.transport = mocks.NewMockTransport(s.ctrl)
	s.store = storage.NewInMemoryStore()
	s.gate = delivery.NewGate()
	s.clock = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	s.stopper = &stopRecorder{}
	s.reload()
}

func (s *CoordinatorSuite) TearDownTest() {
	s.ctrl.Finish()
}

// reload rebuilds every component from the persisted store, as a restarted
// process would.
func (s *CoordinatorSuite) reload() {
	s.queue = queue.Load(s.ctx, s.store, nil)
	s.tracker = attempt.LoadTracker(s.ctx, s.store)
	s.factory = event.NewFactory(testAttemptID, nil, event.WithClock(func() time.Time {
		s.clock = s.clock.Add(time.Second)
		return s.clock
	}))
	coord, err := New(s.queue, s.tracker, s.transport, s.gate, s.factory,
		WithStopper(s.stopper),
		WithMetrics(metrics.New(prometheus.NewRegistry())),
		WithLogger(platformlog.Discard()),
	)
	s.Require().NoError(err)
	s.coord = coord
}

func (s *CoordinatorSuite) capture(n int) []domain.Event {
	events := make([]domain.Event, n)
	for i := range events {
		events[i] = s.factory.Create(domain.EventFocusLost, nil)
	}
	s.Require().NoError(s.queue.Enqueue(s.ctx, events...))
	return events
}

// captureBatch records the batch handed to the transport.
func (s *CoordinatorSuite) captureBatch(into *domain.Batch, err error) func(context.Context, domain.Batch) (domain.Receipt, error) {
	return func(_ context.Context, b domain.Batch) (domain.Receipt, error) {
		*into = b
		if err != nil {
			return domain.Receipt{}, err
		}
		return domain.Receipt{OK: true, Received: len(b.Events), Saved: len(b.Events), Submitted: true}, nil
	}
}

func ids(events []domain.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.EventID
	}
	return out
}

func countMarkers(events []domain.Event) int {
	n := 0
	for _, ev := range events {
		if ev.EventType.IsTerminal() {
			n++
		}
	}
	return n
}

func (s *CoordinatorSuite) TestNewRequiresCollaborators() {
	_, err := New(nil, s.tracker, s.transport, s.gate, s.factory)
	s.ErrorContains(err, "queue is required")
	_, err = New(s.queue, s.tracker, s.transport, s.gate, nil)
	s.ErrorContains(err, "event factory is required")
}

func (s *CoordinatorSuite) TestSubmitFlushesEverythingWithTrailingMarker() {
	events := s.capture(7)
	var sent domain.Batch
	s.transport.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(s.captureBatch(&sent, nil))

	s.Require().NoError(s.coord.Submit(s.ctx, TriggerManual))

	s.Equal(testAttemptID, sent.AttemptID)
	s.True(sent.MarkSubmitted)
	s.Require().Len(sent.Events, 8)
	s.Equal(ids(events), ids(sent.Events[:7]))
	last := sent.Events[7]
	s.Equal(domain.EventAssessmentSubmitted, last.EventType)
	s.Equal(string(TriggerManual), last.Metadata[MetaTrigger])

	s.Equal(attempt.Submitted, s.tracker.State())
	s.Equal(1, s.stopper.stopped)
	s.False(s.queue.HasPending())
	s.Empty(s.queue.Inflight())
	s.Equal(8, s.queue.Mirror().Len())
}

func (s *CoordinatorSuite) TestSubmitWithNothingPendingSendsMarkerOnly() {
	var sent domain.Batch
	s.transport.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(s.captureBatch(&sent, nil))

	s.Require().NoError(s.coord.Submit(s.ctx, TriggerTimer))

	s.Require().Len(sent.Events, 1)
	s.True(sent.Events[0].EventType.IsTerminal())
	s.Equal(attempt.Submitted, s.tracker.State())
}

func (s *CoordinatorSuite) TestSecondSubmitIsNoop() {
	s.capture(2)
	var sent domain.Batch
	s.transport.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(s.captureBatch(&sent, nil)).Times(1)

	s.Require().NoError(s.coord.Submit(s.ctx, TriggerManual))
	s.Require().NoError(s.coord.Submit(s.ctx, TriggerManual))

	s.Equal(attempt.Submitted, s.tracker.State())
	s.Equal(3, s.queue.Mirror().Len())
}

func (s *CoordinatorSuite) TestFailureRequeuesEverythingAndReusesMarker() {
	events := s.capture(3)
	var first, second domain.Batch
	gomock.InOrder(
		s.transport.EXPECT().Send(gomock.Any(), gomock.Any()).
			DoAndReturn(s.captureBatch(&first, fmt.Errorf("send batch: %w", sentinel.ErrUnavailable))),
		s.transport.EXPECT().Send(gomock.Any(), gomock.Any()).
			DoAndReturn(s.captureBatch(&second, nil)),
	)

	err := s.coord.Submit(s.ctx, TriggerManual)
	s.Require().ErrorIs(err, sentinel.ErrUnavailable)
	s.Equal(attempt.NotSubmitted, s.tracker.State())
	s.True(s.coord.RetryPending())
	s.Equal(ids(first.Events), ids(s.queue.Snapshot()))
	s.Zero(s.stopper.stopped)

	// captured after the failed attempt, before the retry
	late := s.capture(1)

	s.True(s.coord.RetryIfPending(s.ctx))

	s.Require().Len(second.Events, 5)
	s.Equal(ids(events), ids(second.Events[:3]))
	s.Equal(late[0].EventID, second.Events[3].EventID)
	s.Equal(first.Events[3].EventID, second.Events[4].EventID, "marker is reused")
	s.Equal(1, countMarkers(second.Events))
	s.Equal(1, countMarkers(s.queue.Mirror().All()))
	s.Equal(attempt.Submitted, s.tracker.State())
	s.False(s.coord.RetryPending())
}

func (s *CoordinatorSuite) TestRevertHookRunsOnlyAfterFailure() {
	var reopened []attempt.State
	coord, err := New(s.queue, s.tracker, s.transport, s.gate, s.factory,
		WithRevertHook(func(context.Context) { reopened = append(reopened, s.tracker.State()) }),
	)
	s.Require().NoError(err)
	s.capture(1)
	gomock.InOrder(
		s.transport.EXPECT().Send(gomock.Any(), gomock.Any()).
			Return(domain.Receipt{}, fmt.Errorf("send batch: %w", sentinel.ErrUnavailable)),
		s.transport.EXPECT().Send(gomock.Any(), gomock.Any()).
			Return(domain.Receipt{OK: true, Submitted: true}, nil),
	)

	s.Require().Error(coord.Submit(s.ctx, TriggerManual))
	s.Require().NoError(coord.Submit(s.ctx, TriggerManual))

	s.Equal([]attempt.State{attempt.NotSubmitted}, reopened)
}

func (s *CoordinatorSuite) TestConflictSealsAttempt() {
	s.capture(2)
	s.transport.EXPECT().Send(gomock.Any(), gomock.Any()).
		Return(domain.Receipt{}, fmt.Errorf("collector returned 409: %w", sentinel.ErrConflict))

	s.Require().NoError(s.coord.Submit(s.ctx, TriggerManual))

	s.Equal(attempt.Submitted, s.tracker.State())
	s.Equal(1, s.stopper.stopped)
	s.False(s.queue.HasPending())
}

func (s *CoordinatorSuite) TestRejectionDropsBatchAndFlagsRetry() {
	s.capture(2)
	var retried domain.Batch
	gomock.InOrder(
		s.transport.EXPECT().Send(gomock.Any(), gomock.Any()).
			Return(domain.Receipt{}, fmt.Errorf("collector returned 400: %w", sentinel.ErrRejected)),
		s.transport.EXPECT().Send(gomock.Any(), gomock.Any()).
			DoAndReturn(s.captureBatch(&retried, nil)),
	)

	err := s.coord.Submit(s.ctx, TriggerManual)
	s.Require().ErrorIs(err, sentinel.ErrRejected)
	s.False(s.queue.HasPending())
	s.Empty(s.queue.Inflight())
	s.Equal(attempt.NotSubmitted, s.tracker.State())
	s.True(s.coord.RetryPending())

	s.True(s.coord.RetryIfPending(s.ctx))
	s.Require().Len(retried.Events, 1)
	s.True(retried.Events[0].EventType.IsTerminal())
}

func (s *CoordinatorSuite) TestResumeAfterCrashMidSubmission() {
	events := s.capture(2)
	s.Require().NoError(s.tracker.BeginSubmission(s.ctx))
	drained, err := s.queue.Drain(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(drained, 2)
	marker := s.factory.Create(domain.EventAssessmentSubmitted, nil)
	s.Require().NoError(s.queue.Stage(s.ctx, marker))

	// the process dies before the collector answers
	s.reload()
	s.Equal(attempt.Submitting, s.tracker.State())

	var sent domain.Batch
	s.transport.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(s.captureBatch(&sent, nil))
	s.Require().NoError(s.coord.Submit(s.ctx, TriggerRetry))

	s.Equal(append(ids(events), marker.EventID), ids(sent.Events))
	s.Equal(attempt.Submitted, s.tracker.State())
}

func (s *CoordinatorSuite) TestRetryIfPendingWithoutFlag() {
	s.False(s.coord.RetryIfPending(s.ctx))
}

func (s *CoordinatorSuite) TestSubmitWaitsForOutstandingSend() {
	s.Require().True(s.gate.TryAcquire())

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	err := s.coord.Submit(ctx, TriggerManual)
	s.ErrorIs(err, context.DeadlineExceeded)
	s.Equal(attempt.NotSubmitted, s.tracker.State())

	s.gate.Release()
	s.transport.EXPECT().Send(gomock.Any(), gomock.Any()).Return(domain.Receipt{OK: true}, nil)
	s.NoError(s.coord.Submit(s.ctx, TriggerManual))
}
