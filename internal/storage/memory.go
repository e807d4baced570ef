package storage

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"quickex/pkg/platform/sentinel"
)

// InMemory is a mutex-guarded map. No lock is held while a query yields.
type InMemory struct {
	mu      sync.RWMutex
	records map[string]Record
	clock   func() time.Time
}

// InMemoryOption configures the in-memory adapter.
type InMemoryOption func(*InMemory)

// WithMemoryClock overrides the clock used for UpdatedAt.
func WithMemoryClock(clock func() time.Time) InMemoryOption {
	return func(s *InMemory) {
		s.clock = clock
	}
}

func NewInMemory(opts ...InMemoryOption) *InMemory {
	s := &InMemory{
		records: make(map[string]Record),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemory) Get(ctx context.Context, key string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, fmt.Errorf("get %s: %w", key, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return Record{}, sentinel.ErrNotFound
	}
	return clone(rec), nil
}

func (s *InMemory) Put(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, fmt.Errorf("put %s: %w", rec.Key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec = clone(rec)
	rec.Version = s.records[rec.Key].Version + 1
	rec.UpdatedAt = s.clock()
	s.records[rec.Key] = rec
	return clone(rec), nil
}

func (s *InMemory) CompareAndSet(ctx context.Context, rec Record, expected int64) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, fmt.Errorf("compare and set %s: %w", rec.Key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.records[rec.Key]
	switch {
	case expected == 0 && exists:
		return Record{}, sentinel.ErrConflict
	case expected != 0 && (!exists || current.Version != expected):
		return Record{}, sentinel.ErrConflict
	}
	rec = clone(rec)
	rec.Version = expected + 1
	rec.UpdatedAt = s.clock()
	s.records[rec.Key] = rec
	return clone(rec), nil
}

func (s *InMemory) Query(ctx context.Context, q Query) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(Record{}, fmt.Errorf("query %s: %w", q.Prefix, err))
			return
		}
		for _, rec := range s.snapshot(q) {
			if err := ctx.Err(); err != nil {
				yield(Record{}, fmt.Errorf("query %s: %w", q.Prefix, err))
				return
			}
			if q.Where != nil && !q.Where(rec) {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// snapshot copies prefix/index matches under the read lock; Where runs outside it.
func (s *InMemory) snapshot(q Query) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inner := Query{Prefix: q.Prefix, Index: q.Index}
	out := make([]Record, 0)
	for _, rec := range s.records {
		if inner.matches(rec) {
			out = append(out, clone(rec))
		}
	}
	slices.SortFunc(out, func(a, b Record) int {
		return strings.Compare(a.Key, b.Key)
	})
	return out
}

func clone(rec Record) Record {
	rec.Value = bytes.Clone(rec.Value)
	return rec
}
