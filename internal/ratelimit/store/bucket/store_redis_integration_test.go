//go:build integration

package bucket_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"quickex/internal/ratelimit/models"
	"quickex/internal/ratelimit/store/bucket"
	"quickex/pkg/testutil/containers"
)

type RedisStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *bucket.RedisBucketStore
	now   time.Time
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
}

func (s *RedisStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
	s.now = time.Now().Truncate(time.Millisecond)
	s.store = bucket.NewRedis(s.redis.Client,
		bucket.WithRedisNamespace("test:rl:"),
		bucket.WithRedisClock(func() time.Time { return s.now }))
}

// Concurrent checks against one key admit exactly limit requests.
func (s *RedisStoreSuite) TestConcurrentAllow() {
	ctx := context.Background()
	key := models.ReporterKey("concurrent")
	const limit, goroutines = 10, 50

	var wg sync.WaitGroup
	var allowed atomic.Int32
	for range goroutines {
		wg.Go(func() {
			result, err := s.store.Allow(ctx, key, limit, time.Minute)
			if err == nil && result.Allowed {
				allowed.Add(1)
			}
		})
	}
	wg.Wait()

	s.Equal(int32(limit), allowed.Load())
	count, err := s.store.GetCurrentCount(ctx, key)
	s.Require().NoError(err)
	s.Equal(limit, count)
}

func (s *RedisStoreSuite) TestWindowSlides() {
	ctx := context.Background()
	key := models.ReporterKey("slide")
	for range 3 {
		res, err := s.store.Allow(ctx, key, 3, time.Minute)
		s.Require().NoError(err)
		s.Require().True(res.Allowed)
	}

	res, err := s.store.Allow(ctx, key, 3, time.Minute)
	s.Require().NoError(err)
	s.False(res.Allowed)
	s.Positive(res.RetryAfter)

	s.now = s.now.Add(time.Minute)
	res, err = s.store.Allow(ctx, key, 3, time.Minute)
	s.Require().NoError(err)
	s.True(res.Allowed)
	s.Equal(2, res.Remaining)
}

func (s *RedisStoreSuite) TestReset() {
	ctx := context.Background()
	key := models.ReporterKey("reset")
	_, err := s.store.AllowN(ctx, key, 5, 5, time.Minute)
	s.Require().NoError(err)

	s.Require().NoError(s.store.Reset(ctx, key))
	count, err := s.store.GetCurrentCount(ctx, key)
	s.Require().NoError(err)
	s.Zero(count)
}
