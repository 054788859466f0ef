package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"proctorlog/internal/collector/models"
	"proctorlog/pkg/domain"
	"proctorlog/pkg/platform/sentinel"
	"proctorlog/pkg/requestcontext"
)

// acceptScript performs the submitted check, dedup and seal atomically.
// KEYS[1] = attempt hash (submitted, submitted_at, created_at)
// KEYS[2] = set of accepted eventIds
// KEYS[3] = list of accepted event payloads in delivery order
// ARGV[1] = "1" to seal the attempt after storing
// ARGV[2] = now (RFC3339Nano)
// ARGV[3..] = eventId, payload pairs
// Returns {-1} when sealed, otherwise {duplicates, savedIndex...}.
var acceptScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "submitted") == "1" then
    return {-1}
end
redis.call("HSETNX", KEYS[1], "created_at", ARGV[2])

local out = {0}
for i = 3, #ARGV, 2 do
    if redis.call("SADD", KEYS[2], ARGV[i]) == 1 then
        redis.call("RPUSH", KEYS[3], ARGV[i + 1])
        table.insert(out, (i - 3) / 2)
    else
        out[1] = out[1] + 1
    end
end

if ARGV[1] == "1" then
    redis.call("HSET", KEYS[1], "submitted", "1", "submitted_at", ARGV[2])
end
return out
`)

const redisKeyPrefix = "proctorlog:attempt:"

// RedisStore persists attempt logs in Redis. All keys of one attempt share a
// hash tag so the accept script stays single-slot on a cluster.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func redisKeys(attemptID string) (meta, ids, events string) {
	base := redisKeyPrefix + "{" + attemptID + "}"
	return base + ":meta", base + ":ids", base + ":events"
}

func (s *RedisStore) Accept(ctx context.Context, attemptID string, events []domain.Event, markSubmitted bool) (models.AcceptOutcome, error) {
	meta, ids, list := redisKeys(attemptID)
	now := requestcontext.Now(ctx).UTC().Format(time.RFC3339Nano)

	seal := "0"
	if markSubmitted {
		seal = "1"
	}
	args := make([]any, 0, 2+2*len(events))
	args = append(args, seal, now)
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return models.AcceptOutcome{}, fmt.Errorf("encode event %s: %w", ev.EventID, err)
		}
		args = append(args, ev.EventID, string(payload))
	}

	raw, err := acceptScript.Run(ctx, s.client, []string{meta, ids, list}, args...).Int64Slice()
	if err != nil {
		return models.AcceptOutcome{}, fmt.Errorf("run accept script: %w", err)
	}
	if len(raw) == 0 {
		return models.AcceptOutcome{}, fmt.Errorf("run accept script: empty reply")
	}
	if raw[0] < 0 {
		return models.AcceptOutcome{}, sentinel.ErrConflict
	}

	out := models.AcceptOutcome{
		Saved:             make([]domain.Event, 0, len(raw)-1),
		DuplicatesIgnored: int(raw[0]),
		Submitted:         markSubmitted,
	}
	for _, idx := range raw[1:] {
		if idx < 0 || int(idx) >= len(events) {
			return models.AcceptOutcome{}, fmt.Errorf("run accept script: saved index %d out of range", idx)
		}
		out.Saved = append(out.Saved, events[idx])
	}
	return out, nil
}

func (s *RedisStore) Get(ctx context.Context, attemptID string) (*models.AttemptLog, error) {
	meta, _, list := redisKeys(attemptID)

	fields, err := s.client.HGetAll(ctx, meta).Result()
	if err != nil {
		return nil, fmt.Errorf("find attempt: %w", err)
	}
	if len(fields) == 0 {
		return nil, sentinel.ErrNotFound
	}

	log := &models.AttemptLog{
		AttemptID: attemptID,
		Submitted: fields["submitted"] == "1",
		Events:    []domain.Event{},
	}
	if at, ok := fields["submitted_at"]; ok && log.Submitted {
		parsed, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse submitted_at: %w", err)
		}
		log.SubmittedAt = &parsed
	}

	payloads, err := s.client.LRange(ctx, list, 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list attempt events: %w", err)
	}
	for _, p := range payloads {
		var ev domain.Event
		if err := json.Unmarshal([]byte(p), &ev); err != nil {
			return nil, fmt.Errorf("decode attempt event: %w", err)
		}
		log.Events = append(log.Events, ev)
	}
	return log, nil
}
