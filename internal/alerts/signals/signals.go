// Package signals publishes risk tier changes to downstream consumers.
package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"quickex/internal/alerts/models"
)

// Event is emitted when a subject's tier changes.
type Event struct {
	Subject      models.Subject `json:"subject"`
	PreviousTier models.Tier    `json:"previous_tier"`
	Tier         models.Tier    `json:"tier"`
	Score        float64        `json:"score"`
	ReportCount  int            `json:"report_count"`
	OccurredAt   time.Time      `json:"occurred_at"`
	RequestID    string         `json:"request_id,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Sender is the transport a KafkaPublisher writes to.
type Sender interface {
	Send(ctx context.Context, key, value []byte, headers map[string]string) error
}

// KafkaPublisher encodes events as JSON keyed by subject so a subject's
// changes stay ordered within one partition.
type KafkaPublisher struct {
	sender Sender
}

func NewKafka(sender Sender) *KafkaPublisher {
	return &KafkaPublisher{sender: sender}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode risk signal: %w", err)
	}
	headers := map[string]string{"event": "risk_tier_changed"}
	if event.RequestID != "" {
		headers["request_id"] = event.RequestID
	}
	return p.sender.Send(ctx, []byte(event.Subject.Key()), value, headers)
}

// Memory records events in process. Used when no broker is configured and in tests.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Publish(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns a copy of everything published so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}
