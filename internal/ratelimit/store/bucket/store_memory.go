// Package bucket implements sliding window counters for rate limiting.
package bucket

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"quickex/internal/ratelimit/models"
)

const (
	shardCount                = 32
	defaultMaxBucketsPerShard = 4096
)

// InMemoryBucketStore is a process-local sliding window store. Keys are spread
// over shards; each shard evicts its least recently used bucket when full.
type InMemoryBucketStore struct {
	shards  [shardCount]*shard
	maxPer  int
	nowFunc func() time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*list.Element
	lru     *list.List
}

type entry struct {
	key    string
	window *slidingWindow
}

// slidingWindow tracks request timestamps in arrival order.
type slidingWindow struct {
	timestamps []time.Time
	window     time.Duration
}

type Option func(*InMemoryBucketStore)

// WithMaxBucketsPerShard bounds memory per shard.
func WithMaxBucketsPerShard(n int) Option {
	return func(s *InMemoryBucketStore) {
		if n > 0 {
			s.maxPer = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *InMemoryBucketStore) {
		s.nowFunc = now
	}
}

func New(opts ...Option) *InMemoryBucketStore {
	s := &InMemoryBucketStore{maxPer: defaultMaxBucketsPerShard, nowFunc: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.shards {
		s.shards[i] = &shard{buckets: make(map[string]*list.Element), lru: list.New()}
	}
	return s
}

func (s *InMemoryBucketStore) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)%shardCount]
}

// Allow checks if a request is allowed and records it if so.
func (s *InMemoryBucketStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.RateLimitResult, error) {
	return s.AllowN(ctx, key, 1, limit, window)
}

// AllowN records cost requests at once when they all fit in the window.
func (s *InMemoryBucketStore) AllowN(ctx context.Context, key string, cost, limit int, window time.Duration) (*models.RateLimitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.nowFunc()

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sw := s.getOrCreate(sh, key, window)
	sw.cleanup(now)

	if len(sw.timestamps)+cost > limit {
		resetAt := now.Add(window)
		if len(sw.timestamps) > 0 {
			resetAt = sw.timestamps[0].Add(window)
		}
		return &models.RateLimitResult{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: retryAfter(now, resetAt),
		}, nil
	}

	for range cost {
		sw.timestamps = append(sw.timestamps, now)
	}
	return &models.RateLimitResult{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - len(sw.timestamps),
		ResetAt:   sw.timestamps[0].Add(window),
	}, nil
}

// Reset clears the counter for a key.
func (s *InMemoryBucketStore) Reset(_ context.Context, key string) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if el, ok := sh.buckets[key]; ok {
		sh.lru.Remove(el)
		delete(sh.buckets, key)
	}
	return nil
}

// GetCurrentCount returns the number of requests still inside the window.
func (s *InMemoryBucketStore) GetCurrentCount(_ context.Context, key string) (int, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	el, ok := sh.buckets[key]
	if !ok {
		return 0, nil
	}
	sw := el.Value.(*entry).window
	sw.cleanup(s.nowFunc())
	return len(sw.timestamps), nil
}

// Stats returns the total bucket count and the count per shard.
func (s *InMemoryBucketStore) Stats() (total int, perShard []int) {
	perShard = make([]int, shardCount)
	for i, sh := range s.shards {
		sh.mu.Lock()
		perShard[i] = len(sh.buckets)
		sh.mu.Unlock()
		total += perShard[i]
	}
	return total, perShard
}

// getOrCreate must be called with sh.mu held.
func (s *InMemoryBucketStore) getOrCreate(sh *shard, key string, window time.Duration) *slidingWindow {
	if el, ok := sh.buckets[key]; ok {
		sh.lru.MoveToFront(el)
		sw := el.Value.(*entry).window
		sw.window = window
		return sw
	}
	if sh.lru.Len() >= s.maxPer {
		if oldest := sh.lru.Back(); oldest != nil {
			sh.lru.Remove(oldest)
			delete(sh.buckets, oldest.Value.(*entry).key)
		}
	}
	sw := &slidingWindow{window: window}
	sh.buckets[key] = sh.lru.PushFront(&entry{key: key, window: sw})
	return sw
}

// cleanup drops timestamps at or before now-window.
func (sw *slidingWindow) cleanup(now time.Time) {
	cutoff := now.Add(-sw.window)
	i := 0
	for ; i < len(sw.timestamps); i++ {
		if sw.timestamps[i].After(cutoff) {
			break
		}
	}
	sw.timestamps = sw.timestamps[i:]
}

func retryAfter(now, resetAt time.Time) int {
	secs := int(resetAt.Sub(now).Round(time.Second) / time.Second)
	return max(secs, 1)
}
