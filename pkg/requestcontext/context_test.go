package requestcontext

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAccessors(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))
	assert.Empty(t, ClientIP(ctx))
	assert.WithinDuration(t, time.Now(), Now(ctx), time.Second)

	pinned := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	ctx = WithTime(WithClientIP(WithRequestID(ctx, "req-1"), "10.0.0.7"), pinned)
	assert.Equal(t, "req-1", RequestID(ctx))
	assert.Equal(t, "10.0.0.7", ClientIP(ctx))
	assert.Equal(t, pinned, Now(ctx))
}
