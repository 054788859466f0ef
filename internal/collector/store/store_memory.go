package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"proctorlog/internal/collector/models"
	"proctorlog/pkg/domain"
	"proctorlog/pkg/platform/sentinel"
	"proctorlog/pkg/requestcontext"
)

type attemptRecord struct {
	submitted   bool
	submittedAt time.Time
	seen        map[string]struct{}
	events      []domain.Event
}

// InMemoryStore keeps attempt logs for the process lifetime.
type InMemoryStore struct {
	mu       sync.RWMutex
	attempts map[string]*attemptRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{attempts: make(map[string]*attemptRecord)}
}

func (s *InMemoryStore) Accept(ctx context.Context, attemptID string, events []domain.Event, markSubmitted bool) (models.AcceptOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.attempts[attemptID]
	if ok && rec.submitted {
		return models.AcceptOutcome{}, sentinel.ErrConflict
	}
	if !ok {
		rec = &attemptRecord{seen: make(map[string]struct{})}
		s.attempts[attemptID] = rec
	}

	out := models.AcceptOutcome{Saved: make([]domain.Event, 0, len(events))}
	for _, ev := range events {
		if _, dup := rec.seen[ev.EventID]; dup {
			out.DuplicatesIgnored++
			continue
		}
		rec.seen[ev.EventID] = struct{}{}
		rec.events = append(rec.events, ev)
		out.Saved = append(out.Saved, ev)
	}
	if markSubmitted {
		rec.submitted = true
		rec.submittedAt = requestcontext.Now(ctx).UTC()
	}
	out.Submitted = rec.submitted
	return out, nil
}

func (s *InMemoryStore) Get(_ context.Context, attemptID string) (*models.AttemptLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.attempts[attemptID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	log := &models.AttemptLog{
		AttemptID: attemptID,
		Submitted: rec.submitted,
		Events:    slices.Clone(rec.events),
	}
	if log.Events == nil {
		log.Events = []domain.Event{}
	}
	if rec.submitted {
		at := rec.submittedAt
		log.SubmittedAt = &at
	}
	return log, nil
}
