// Package store holds the collector's per-attempt event logs. Every backend
// makes Accept atomic per attempt: the submitted check, the eventId
// insert-if-absent and the optional seal happen as one step.
package store

import (
	"context"

	"proctorlog/internal/collector/models"
	"proctorlog/pkg/domain"
)

// Store is implemented by the memory, PostgreSQL and Redis backends.
//
// Accept returns sentinel.ErrConflict when the attempt is already sealed; in
// that case nothing is stored. Get returns sentinel.ErrNotFound for attempts
// the collector has never seen.
type Store interface {
	Accept(ctx context.Context, attemptID string, events []domain.Event, markSubmitted bool) (models.AcceptOutcome, error)
	Get(ctx context.Context, attemptID string) (*models.AttemptLog, error)
}
