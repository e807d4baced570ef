// Package store persists username bindings on top of the shared storage collaborator.
// This store is pure I/O; status rules live in models and the service.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"quickex/internal/registry/models"
	"quickex/internal/storage"
	"quickex/pkg/domain"
)

const (
	keyPrefix   = "username/"
	indexPrefix = "address/"
)

// BindingStore maps bindings to versioned records keyed by normalized username.
type BindingStore struct {
	kv storage.Store
}

func New(kv storage.Store) *BindingStore {
	return &BindingStore{kv: kv}
}

func bindingKey(u domain.Username) string {
	return keyPrefix + string(u)
}

func addressIndex(a domain.Address) string {
	return indexPrefix + string(a)
}

// Find returns the binding for username or sentinel.ErrNotFound.
func (s *BindingStore) Find(ctx context.Context, username domain.Username) (*models.Binding, error) {
	rec, err := s.kv.Get(ctx, bindingKey(username))
	if err != nil {
		return nil, fmt.Errorf("find binding %s: %w", username, err)
	}
	return decode(rec)
}

// Insert writes a new binding; it fails with sentinel.ErrConflict if the username has any record.
func (s *BindingStore) Insert(ctx context.Context, b *models.Binding) (*models.Binding, error) {
	return s.write(ctx, b, 0)
}

// Update writes b conditionally on b.Version and returns the binding at its new version.
func (s *BindingStore) Update(ctx context.Context, b *models.Binding) (*models.Binding, error) {
	return s.write(ctx, b, b.Version)
}

func (s *BindingStore) write(ctx context.Context, b *models.Binding, expected int64) (*models.Binding, error) {
	value, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode binding %s: %w", b.Username, err)
	}
	rec, err := s.kv.CompareAndSet(ctx, storage.Record{
		Key:   bindingKey(b.Username),
		Index: addressIndex(b.Address),
		Value: value,
	}, expected)
	if err != nil {
		return nil, fmt.Errorf("write binding %s: %w", b.Username, err)
	}
	out := *b
	out.Version = rec.Version
	return &out, nil
}

// ListByAddress returns every binding whose address index matches, in username order.
func (s *BindingStore) ListByAddress(ctx context.Context, address domain.Address) ([]*models.Binding, error) {
	var out []*models.Binding
	for b, err := range s.scan(ctx, storage.Query{Prefix: keyPrefix, Index: addressIndex(address)}) {
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// ListTransferring yields bindings currently in the Transferring state.
func (s *BindingStore) ListTransferring(ctx context.Context) iter.Seq2[*models.Binding, error] {
	return func(yield func(*models.Binding, error) bool) {
		for b, err := range s.scan(ctx, storage.Query{Prefix: keyPrefix}) {
			if err != nil {
				yield(nil, err)
				return
			}
			if b.Status != models.StatusTransferring {
				continue
			}
			if !yield(b, nil) {
				return
			}
		}
	}
}

func (s *BindingStore) scan(ctx context.Context, q storage.Query) iter.Seq2[*models.Binding, error] {
	return func(yield func(*models.Binding, error) bool) {
		for rec, err := range s.kv.Query(ctx, q) {
			if err != nil {
				yield(nil, fmt.Errorf("list bindings: %w", err))
				return
			}
			b, err := decode(rec)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(b, nil) {
				return
			}
		}
	}
}

func decode(rec storage.Record) (*models.Binding, error) {
	var b models.Binding
	if err := json.Unmarshal(rec.Value, &b); err != nil {
		return nil, fmt.Errorf("decode binding %s: %w", rec.Key, err)
	}
	b.Version = rec.Version
	return &b, nil
}
