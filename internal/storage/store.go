// Package storage is the persistence collaborator shared by the registry and the
// alert engine: a versioned key-value store with conditional writes and lazy,
// restartable prefix queries.
//
// Adapters return pkg/platform/sentinel errors (ErrNotFound, ErrConflict,
// ErrUnavailable), optionally wrapped. Context errors are wrapped, never
// replaced, so callers can distinguish a deadline from an outage.
package storage

import (
	"context"
	"iter"
	"strings"
	"time"
)

// Record is one stored value. Version starts at 1 and increases by one on every write.
type Record struct {
	Key       string
	Index     string
	Value     []byte
	Version   int64
	UpdatedAt time.Time
}

// Query selects records by key prefix, optionally narrowed by exact secondary
// index and a client-side predicate.
type Query struct {
	Prefix string
	Index  string
	Where  func(Record) bool
}

func (q Query) matches(rec Record) bool {
	if !strings.HasPrefix(rec.Key, q.Prefix) {
		return false
	}
	if q.Index != "" && rec.Index != q.Index {
		return false
	}
	return q.Where == nil || q.Where(rec)
}

// Store is implemented by the memory, PostgreSQL and Redis adapters.
type Store interface {
	// Get returns the record under key or sentinel.ErrNotFound.
	Get(ctx context.Context, key string) (Record, error)
	// Put writes rec unconditionally and returns it with its new version.
	Put(ctx context.Context, rec Record) (Record, error)
	// CompareAndSet writes rec only if the stored version equals expected.
	// expected == 0 means the key must not exist. On success the stored
	// version is expected+1. A lost race returns sentinel.ErrConflict.
	CompareAndSet(ctx context.Context, rec Record, expected int64) (Record, error)
	// Query yields matching records in ascending key order. The sequence is
	// finite and may be ranged over more than once; each range re-reads the store.
	Query(ctx context.Context, q Query) iter.Seq2[Record, error]
}

// Collect drains a query into a slice, stopping at the first error.
func Collect(seq iter.Seq2[Record, error]) ([]Record, error) {
	var out []Record
	for rec, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
