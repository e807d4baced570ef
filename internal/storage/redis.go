package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"quickex/pkg/platform/sentinel"
)

const defaultRedisNamespace = "qx:kv:"

// putScript bumps the version and overwrites the fields in one step.
var putScript = redis.NewScript(`
local v = redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('HSET', KEYS[1], 'idx', ARGV[1], 'value', ARGV[2], 'updated_at', ARGV[3])
return v
`)

// casScript writes only when the stored version equals ARGV[1]; a missing hash has version 0.
var casScript = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
if current ~= tonumber(ARGV[1]) then return -1 end
redis.call('HSET', KEYS[1], 'idx', ARGV[2], 'value', ARGV[3], 'updated_at', ARGV[4], 'version', current + 1)
return current + 1
`)

// Redis stores each record as a hash under a namespaced key.
type Redis struct {
	client    redis.UniversalClient
	namespace string
	scanCount int64
	clock     func() time.Time
}

// RedisOption configures the Redis adapter.
type RedisOption func(*Redis)

// WithNamespace sets the key prefix that isolates this store's hashes.
func WithNamespace(ns string) RedisOption {
	return func(s *Redis) {
		s.namespace = ns
	}
}

// WithRedisClock overrides the clock used for UpdatedAt.
func WithRedisClock(clock func() time.Time) RedisOption {
	return func(s *Redis) {
		s.clock = clock
	}
}

func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	s := &Redis{
		client:    client,
		namespace: defaultRedisNamespace,
		scanCount: 256,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Redis) Get(ctx context.Context, key string) (Record, error) {
	fields, err := s.client.HGetAll(ctx, s.namespace+key).Result()
	if err != nil {
		return Record{}, unavailable("get "+key, err)
	}
	if len(fields) == 0 {
		return Record{}, sentinel.ErrNotFound
	}
	return decodeHash(key, fields)
}

func (s *Redis) Put(ctx context.Context, rec Record) (Record, error) {
	now := s.clock().UTC()
	v, err := putScript.Run(ctx, s.client, []string{s.namespace + rec.Key},
		rec.Index, rec.Value, now.Format(time.RFC3339Nano)).Int64()
	if err != nil {
		return Record{}, unavailable("put "+rec.Key, err)
	}
	rec.Version = v
	rec.UpdatedAt = now
	return rec, nil
}

func (s *Redis) CompareAndSet(ctx context.Context, rec Record, expected int64) (Record, error) {
	now := s.clock().UTC()
	v, err := casScript.Run(ctx, s.client, []string{s.namespace + rec.Key},
		expected, rec.Index, rec.Value, now.Format(time.RFC3339Nano)).Int64()
	if err != nil {
		return Record{}, unavailable("compare and set "+rec.Key, err)
	}
	if v < 0 {
		return Record{}, sentinel.ErrConflict
	}
	rec.Version = v
	rec.UpdatedAt = now
	return rec, nil
}

// Query scans matching key names first, then reads each hash as it is yielded.
// Keys deleted between the scan and the read are skipped.
func (s *Redis) Query(ctx context.Context, q Query) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		keys, err := s.scanKeys(ctx, q.Prefix)
		if err != nil {
			yield(Record{}, err)
			return
		}
		for _, key := range keys {
			rec, err := s.Get(ctx, key)
			if errors.Is(err, sentinel.ErrNotFound) {
				continue
			}
			if err != nil {
				yield(Record{}, err)
				return
			}
			if !q.matches(rec) {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (s *Redis) scanKeys(ctx context.Context, prefix string) ([]string, error) {
	match := s.namespace + globEscaper.Replace(prefix) + "*"
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, match, s.scanCount).Result()
		if err != nil {
			return nil, unavailable("scan "+prefix, err)
		}
		for _, k := range batch {
			seen[strings.TrimPrefix(k, s.namespace)] = struct{}{}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func decodeHash(key string, fields map[string]string) (Record, error) {
	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("decode %s version: %w", key, err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, fields["updated_at"])
	if err != nil {
		return Record{}, fmt.Errorf("decode %s updated_at: %w", key, err)
	}
	return Record{
		Key:       key,
		Index:     fields["idx"],
		Value:     []byte(fields["value"]),
		Version:   version,
		UpdatedAt: updatedAt,
	}, nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op, errors.Join(sentinel.ErrUnavailable, err))
}

var (
	_ Store = (*Redis)(nil)
	_ Store = (*InMemory)(nil)
)
