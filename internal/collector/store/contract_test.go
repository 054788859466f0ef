package store_test

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"

	"proctorlog/internal/collector/store"
	"proctorlog/pkg/domain"
	"proctorlog/pkg/platform/sentinel"
	"proctorlog/pkg/requestcontext"
)

// contractSuite holds the behaviour every Store backend must share. Backend
// suites embed it and set newStore plus any reset logic.
type contractSuite struct {
	suite.Suite
	store store.Store
	ctx   context.Context
}

var fixedNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func (s *contractSuite) SetupTest() {
	s.ctx = requestcontext.WithTime(context.Background(), fixedNow)
}

func newEvents(attemptID string, n int) []domain.Event {
	events := make([]domain.Event, n)
	for i := range events {
		events[i] = domain.Event{
			EventID:   uuid.NewString(),
			EventType: domain.EventFocusLost,
			Timestamp: fixedNow.Add(time.Duration(i) * time.Second),
			AttemptID: attemptID,
			Metadata:  map[string]any{"seq": float64(i)},
		}
	}
	return events
}

func eventIDs(events []domain.Event) []string {
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.EventID
	}
	return ids
}

func (s *contractSuite) TestAcceptStoresNewEvents() {
	events := newEvents("attempt-a", 3)

	out, err := s.store.Accept(s.ctx, "attempt-a", events, false)
	s.Require().NoError(err)
	s.Len(out.Saved, 3)
	s.Zero(out.DuplicatesIgnored)
	s.False(out.Submitted)

	log, err := s.store.Get(s.ctx, "attempt-a")
	s.Require().NoError(err)
	s.Equal(eventIDs(events), eventIDs(log.Events))
	s.False(log.Submitted)
	s.Nil(log.SubmittedAt)
	s.Equal(float64(2), log.Events[2].Metadata["seq"])
	s.True(events[1].Timestamp.Equal(log.Events[1].Timestamp))
}

func (s *contractSuite) TestResendingSameBatchIsIgnored() {
	events := newEvents("attempt-d", 5)

	first, err := s.store.Accept(s.ctx, "attempt-d", events, false)
	s.Require().NoError(err)
	s.Len(first.Saved, 5)

	second, err := s.store.Accept(s.ctx, "attempt-d", events, false)
	s.Require().NoError(err)
	s.Empty(second.Saved)
	s.Equal(5, second.DuplicatesIgnored)
}

func (s *contractSuite) TestOverlappingBatchesMatchUnion() {
	events := newEvents("attempt-u", 6)

	_, err := s.store.Accept(s.ctx, "attempt-u", events[:4], false)
	s.Require().NoError(err)
	out, err := s.store.Accept(s.ctx, "attempt-u", events[2:], false)
	s.Require().NoError(err)
	s.Equal(eventIDs(events[4:]), eventIDs(out.Saved))
	s.Equal(2, out.DuplicatesIgnored)

	log, err := s.store.Get(s.ctx, "attempt-u")
	s.Require().NoError(err)
	s.Equal(eventIDs(events), eventIDs(log.Events))
}

func (s *contractSuite) TestDuplicatesWithinOneBatch() {
	events := newEvents("attempt-w", 2)
	batch := []domain.Event{events[0], events[1], events[0]}

	out, err := s.store.Accept(s.ctx, "attempt-w", batch, false)
	s.Require().NoError(err)
	s.Len(out.Saved, 2)
	s.Equal(1, out.DuplicatesIgnored)
}

func (s *contractSuite) TestSealedAttemptRejectsWrites() {
	events := newEvents("attempt-s", 3)

	out, err := s.store.Accept(s.ctx, "attempt-s", events[:2], true)
	s.Require().NoError(err)
	s.True(out.Submitted)
	s.Len(out.Saved, 2)

	_, err = s.store.Accept(s.ctx, "attempt-s", events[2:], false)
	s.ErrorIs(err, sentinel.ErrConflict)
	_, err = s.store.Accept(s.ctx, "attempt-s", nil, true)
	s.ErrorIs(err, sentinel.ErrConflict)

	log, err := s.store.Get(s.ctx, "attempt-s")
	s.Require().NoError(err)
	s.True(log.Submitted)
	s.Require().NotNil(log.SubmittedAt)
	s.True(fixedNow.Equal(*log.SubmittedAt))
	s.Equal(eventIDs(events[:2]), eventIDs(log.Events))
}

func (s *contractSuite) TestEmptyBatchRegistersAttempt() {
	out, err := s.store.Accept(s.ctx, "attempt-e", []domain.Event{}, false)
	s.Require().NoError(err)
	s.Empty(out.Saved)

	log, err := s.store.Get(s.ctx, "attempt-e")
	s.Require().NoError(err)
	s.Empty(log.Events)
}

func (s *contractSuite) TestGetUnknownAttempt() {
	_, err := s.store.Get(s.ctx, "never-seen")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *contractSuite) TestAttemptsAreIsolated() {
	events := newEvents("attempt-x", 1)

	_, err := s.store.Accept(s.ctx, "attempt-x", events, true)
	s.Require().NoError(err)
	out, err := s.store.Accept(s.ctx, "attempt-y", events, false)
	s.Require().NoError(err)
	s.Len(out.Saved, 1, "eventIds are scoped by attempt")
}

// Concurrent overlapping accepts must never store an eventId twice.
func (s *contractSuite) TestConcurrentOverlappingAccepts() {
	events := newEvents("attempt-c", 10)
	const senders = 8

	saved := make([]int, senders)
	var g errgroup.Group
	for i := range senders {
		g.Go(func() error {
			out, err := s.store.Accept(s.ctx, "attempt-c", events, false)
			if err != nil {
				return fmt.Errorf("sender %d: %w", i, err)
			}
			saved[i] = len(out.Saved)
			return nil
		})
	}
	s.Require().NoError(g.Wait())

	total := 0
	for _, n := range saved {
		total += n
	}
	s.Equal(len(events), total)

	log, err := s.store.Get(s.ctx, "attempt-c")
	s.Require().NoError(err)
	s.Len(log.Events, len(events))
}
