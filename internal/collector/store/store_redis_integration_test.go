//go:build integration

package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"proctorlog/internal/collector/store"
	"proctorlog/pkg/testutil/containers"
)

type RedisStoreSuite struct {
	contractSuite
	redis *containers.RedisContainer
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.redis = mgr.GetRedis(s.T())
}

func (s *RedisStoreSuite) SetupTest() {
	s.contractSuite.SetupTest()
	s.Require().NoError(s.redis.FlushAll(context.Background()))
	s.store = store.NewRedisStore(s.redis.Client.Client)
}

func (s *RedisStoreSuite) TestKeysShareHashSlot() {
	events := newEvents("attempt-slot", 1)
	_, err := s.store.Accept(s.ctx, "attempt-slot", events, false)
	s.Require().NoError(err)

	keys, err := s.redis.Client.Keys(context.Background(), "proctorlog:attempt:{attempt-slot}:*").Result()
	s.Require().NoError(err)
	s.ElementsMatch([]string{
		"proctorlog:attempt:{attempt-slot}:meta",
		"proctorlog:attempt:{attempt-slot}:ids",
		"proctorlog:attempt:{attempt-slot}:events",
	}, keys)
}
