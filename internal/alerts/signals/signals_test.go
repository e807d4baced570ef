package signals

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quickex/internal/alerts/models"
)

type captureSender struct {
	key, value []byte
	headers    map[string]string
}

func (c *captureSender) Send(_ context.Context, key, value []byte, headers map[string]string) error {
	c.key, c.value, c.headers = key, value, headers
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	sender := &captureSender{}
	event := Event{
		Subject:      models.Subject{Type: models.SubjectUsername, Value: "alice"},
		PreviousTier: models.TierCaution,
		Tier:         models.TierWarn,
		Score:        0.6,
		ReportCount:  3,
		OccurredAt:   time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
		RequestID:    "req-1",
	}

	require.NoError(t, NewKafka(sender).Publish(context.Background(), event))

	assert.Equal(t, "username/alice", string(sender.key))
	assert.Equal(t, "req-1", sender.headers["request_id"])
	var decoded Event
	require.NoError(t, json.Unmarshal(sender.value, &decoded))
	assert.Equal(t, models.TierWarn, decoded.Tier)
	assert.Equal(t, models.TierCaution, decoded.PreviousTier)
}

func TestMemoryReturnsCopy(t *testing.T) {
	m := &Memory{}
	require.NoError(t, m.Publish(context.Background(), Event{Tier: models.TierBlock}))
	events := m.Events()
	events[0].Tier = models.TierClean
	assert.Equal(t, models.TierBlock, m.Events()[0].Tier)
}
