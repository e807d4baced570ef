package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/stretchr/testify/suite"

	"quickex/pkg/platform/sentinel"
)

// ContractSuite runs the same behavioural checks against every adapter.
type ContractSuite struct {
	suite.Suite
	newStore func() Store
	store    Store
	ctx      context.Context
}

func (s *ContractSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore()
}

func (s *ContractSuite) TestGetMissing() {
	_, err := s.store.Get(s.ctx, "missing/key")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *ContractSuite) TestPutIncrementsVersion() {
	first, err := s.store.Put(s.ctx, Record{Key: "report/a", Value: []byte("one")})
	s.Require().NoError(err)
	s.Equal(int64(1), first.Version)

	second, err := s.store.Put(s.ctx, Record{Key: "report/a", Value: []byte("two")})
	s.Require().NoError(err)
	s.Equal(int64(2), second.Version)

	got, err := s.store.Get(s.ctx, "report/a")
	s.Require().NoError(err)
	s.Equal([]byte("two"), got.Value)
	s.Equal(int64(2), got.Version)
}

func (s *ContractSuite) TestCompareAndSet() {
	s.Run("zero expected inserts at version one", func() {
		rec, err := s.store.CompareAndSet(s.ctx, Record{Key: "cas/a", Index: "idx/1", Value: []byte("v1")}, 0)
		s.Require().NoError(err)
		s.Equal(int64(1), rec.Version)
		s.False(rec.UpdatedAt.IsZero())
	})

	s.Run("zero expected on existing key conflicts", func() {
		_, err := s.store.CompareAndSet(s.ctx, Record{Key: "cas/a", Value: []byte("other")}, 0)
		s.ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("matching version advances", func() {
		rec, err := s.store.CompareAndSet(s.ctx, Record{Key: "cas/a", Index: "idx/2", Value: []byte("v2")}, 1)
		s.Require().NoError(err)
		s.Equal(int64(2), rec.Version)

		got, err := s.store.Get(s.ctx, "cas/a")
		s.Require().NoError(err)
		s.Equal("idx/2", got.Index)
		s.Equal([]byte("v2"), got.Value)
	})

	s.Run("stale version conflicts without writing", func() {
		_, err := s.store.CompareAndSet(s.ctx, Record{Key: "cas/a", Value: []byte("stale")}, 1)
		s.ErrorIs(err, sentinel.ErrConflict)

		got, err := s.store.Get(s.ctx, "cas/a")
		s.Require().NoError(err)
		s.Equal([]byte("v2"), got.Value)
	})

	s.Run("nonzero expected on missing key conflicts", func() {
		_, err := s.store.CompareAndSet(s.ctx, Record{Key: "cas/missing"}, 3)
		s.ErrorIs(err, sentinel.ErrConflict)
	})
}

func (s *ContractSuite) TestConcurrentInsertHasOneWinner() {
	const racers = 16
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
		errs atomic.Int32
	)
	for i := range racers {
		wg.Go(func() {
			_, err := s.store.CompareAndSet(s.ctx, Record{Key: "race/x", Value: fmt.Appendf(nil, "%d", i)}, 0)
			switch {
			case err == nil:
				wins.Add(1)
			case !errors.Is(err, sentinel.ErrConflict):
				errs.Add(1)
			}
		})
	}
	wg.Wait()
	s.Equal(int32(1), wins.Load())
	s.Zero(errs.Load())
}

func (s *ContractSuite) TestQuery() {
	for _, rec := range []Record{
		{Key: "username/carol", Index: "address/B", Value: []byte("c")},
		{Key: "username/alice", Index: "address/A", Value: []byte("a")},
		{Key: "username/bob", Index: "address/A", Value: []byte("b")},
		{Key: "usernames_other/x", Value: []byte("x")},
		{Key: "report/alice", Value: []byte("r")},
	} {
		_, err := s.store.Put(s.ctx, rec)
		s.Require().NoError(err)
	}

	s.Run("prefix in ascending key order", func() {
		recs, err := Collect(s.store.Query(s.ctx, Query{Prefix: "username/"}))
		s.Require().NoError(err)
		s.Equal([]string{"username/alice", "username/bob", "username/carol"}, keysOf(recs))
	})

	s.Run("index narrows exactly", func() {
		recs, err := Collect(s.store.Query(s.ctx, Query{Prefix: "username/", Index: "address/A"}))
		s.Require().NoError(err)
		s.Equal([]string{"username/alice", "username/bob"}, keysOf(recs))
	})

	s.Run("where predicate filters client side", func() {
		recs, err := Collect(s.store.Query(s.ctx, Query{
			Prefix: "username/",
			Where:  func(r Record) bool { return strings.HasSuffix(r.Key, "b") },
		}))
		s.Require().NoError(err)
		s.Equal([]string{"username/bob"}, keysOf(recs))
	})

	s.Run("sequence is restartable", func() {
		seq := s.store.Query(s.ctx, Query{Prefix: "username/"})
		first, err := Collect(seq)
		s.Require().NoError(err)
		second, err := Collect(seq)
		s.Require().NoError(err)
		s.Equal(keysOf(first), keysOf(second))
	})

	s.Run("early break stops iteration", func() {
		n := 0
		for _, err := range s.store.Query(s.ctx, Query{Prefix: "username/"}) {
			s.Require().NoError(err)
			n++
			break
		}
		s.Equal(1, n)
	})

	s.Run("glob and like metacharacters are literal", func() {
		_, err := s.store.Put(s.ctx, Record{Key: "odd/a_b%*", Value: []byte("1")})
		s.Require().NoError(err)
		_, err = s.store.Put(s.ctx, Record{Key: "odd/axb", Value: []byte("2")})
		s.Require().NoError(err)

		recs, err := Collect(s.store.Query(s.ctx, Query{Prefix: "odd/a_"}))
		s.Require().NoError(err)
		s.Equal([]string{"odd/a_b%*"}, keysOf(recs))
	})
}

func (s *ContractSuite) TestCancelledContext() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	_, err := s.store.Put(ctx, Record{Key: "ctx/a", Value: []byte("x")})
	s.ErrorIs(err, context.Canceled)

	_, err = s.store.Get(s.ctx, "ctx/a")
	s.ErrorIs(err, sentinel.ErrNotFound)

	_, err = Collect(s.store.Query(ctx, Query{Prefix: "ctx/"}))
	s.ErrorIs(err, context.Canceled)
}

func keysOf(recs []Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Key)
	}
	return out
}
