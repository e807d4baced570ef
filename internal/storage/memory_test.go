package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestInMemoryContract(t *testing.T) {
	suite.Run(t, &ContractSuite{newStore: func() Store { return NewInMemory() }})
}

func TestInMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := NewInMemory(WithMemoryClock(func() time.Time { return fixed }))

	value := []byte("original")
	rec, err := s.Put(ctx, Record{Key: "k", Value: value})
	require.NoError(t, err)
	assert.Equal(t, fixed, rec.UpdatedAt)

	value[0] = 'X'
	rec.Value[1] = 'Y'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got.Value)
}
