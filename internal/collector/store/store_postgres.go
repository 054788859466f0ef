package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"proctorlog/internal/collector/models"
	"proctorlog/pkg/domain"
	"proctorlog/pkg/platform/sentinel"
	"proctorlog/pkg/platform/tx"
	"proctorlog/pkg/requestcontext"
)

const schema = `
CREATE TABLE IF NOT EXISTS attempts (
	attempt_id   TEXT PRIMARY KEY,
	submitted    BOOLEAN NOT NULL DEFAULT FALSE,
	submitted_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS attempt_events (
	attempt_id  TEXT NOT NULL REFERENCES attempts (attempt_id),
	event_id    UUID NOT NULL,
	seq         BIGSERIAL,
	event_type  TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	question_id TEXT,
	metadata    JSONB,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (attempt_id, event_id)
);

CREATE INDEX IF NOT EXISTS attempt_events_attempt_seq ON attempt_events (attempt_id, seq);
`

// PostgresStore persists attempt logs in PostgreSQL. The (attempt_id,
// event_id) primary key is the dedup set; the attempts row lock serializes
// accepts for one attempt across collector replicas.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the collector tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate collector schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Accept(ctx context.Context, attemptID string, events []domain.Event, markSubmitted bool) (models.AcceptOutcome, error) {
	var out models.AcceptOutcome
	now := requestcontext.Now(ctx).UTC()

	err := tx.Run(ctx, s.db, nil, func(ctx context.Context, sqlTx *sql.Tx) error {
		out = models.AcceptOutcome{Saved: make([]domain.Event, 0, len(events))}

		if _, err := sqlTx.ExecContext(ctx,
			`INSERT INTO attempts (attempt_id) VALUES ($1) ON CONFLICT (attempt_id) DO NOTHING`,
			attemptID); err != nil {
			return fmt.Errorf("ensure attempt: %w", err)
		}

		var submitted bool
		if err := sqlTx.QueryRowContext(ctx,
			`SELECT submitted FROM attempts WHERE attempt_id = $1 FOR UPDATE`,
			attemptID).Scan(&submitted); err != nil {
			return fmt.Errorf("lock attempt: %w", err)
		}
		if submitted {
			return sentinel.ErrConflict
		}

		for _, ev := range events {
			metadata, err := encodeMetadata(ev.Metadata)
			if err != nil {
				return fmt.Errorf("encode metadata for event %s: %w", ev.EventID, err)
			}
			res, err := sqlTx.ExecContext(ctx, `
				INSERT INTO attempt_events (attempt_id, event_id, event_type, occurred_at, question_id, metadata, received_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (attempt_id, event_id) DO NOTHING`,
				attemptID, ev.EventID, string(ev.EventType), ev.Timestamp, ev.QuestionID, metadata, now)
			if err != nil {
				return fmt.Errorf("insert event %s: %w", ev.EventID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("insert event %s: %w", ev.EventID, err)
			}
			if n == 0 {
				out.DuplicatesIgnored++
				continue
			}
			out.Saved = append(out.Saved, ev)
		}

		if markSubmitted {
			if _, err := sqlTx.ExecContext(ctx,
				`UPDATE attempts SET submitted = TRUE, submitted_at = $2 WHERE attempt_id = $1`,
				attemptID, now); err != nil {
				return fmt.Errorf("seal attempt: %w", err)
			}
			out.Submitted = true
		}
		return nil
	})
	if err != nil {
		return models.AcceptOutcome{}, err
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, attemptID string) (*models.AttemptLog, error) {
	log := &models.AttemptLog{AttemptID: attemptID, Events: []domain.Event{}}

	var submittedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT submitted, submitted_at FROM attempts WHERE attempt_id = $1`,
		attemptID).Scan(&log.Submitted, &submittedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find attempt: %w", err)
	}
	if submittedAt.Valid {
		at := submittedAt.Time.UTC()
		log.SubmittedAt = &at
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_type, occurred_at, question_id, metadata
		FROM attempt_events
		WHERE attempt_id = $1
		ORDER BY seq`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("list attempt events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ev         domain.Event
			eventType  string
			questionID sql.NullString
			metadata   []byte
		)
		if err := rows.Scan(&ev.EventID, &eventType, &ev.Timestamp, &questionID, &metadata); err != nil {
			return nil, fmt.Errorf("scan attempt event: %w", err)
		}
		ev.AttemptID = attemptID
		ev.EventType = domain.EventType(eventType)
		ev.Timestamp = ev.Timestamp.UTC()
		if questionID.Valid {
			q := questionID.String
			ev.QuestionID = &q
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for event %s: %w", ev.EventID, err)
			}
		}
		log.Events = append(log.Events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list attempt events: %w", err)
	}
	return log, nil
}

// encodeMetadata renders metadata as JSON text; lib/pq would send []byte as bytea.
func encodeMetadata(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}
