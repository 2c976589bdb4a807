package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/esimhub-backend/pkg/enums"
	"github.com/angelmondragon/esimhub-backend/pkg/outbox"
)

// Envelope is a domain event as delivered on the analytics subscription.
type Envelope struct {
	EventID       string
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	AggregateID   string
	AgentID       string
	OccurredAt    time.Time
	Payload       json.RawMessage
}

// FromMessage combines the outbox envelope in the message body with the
// routing attributes the publisher sets.
func FromMessage(data []byte, attrs map[string]string) (Envelope, error) {
	stored, err := outbox.DecodeEnvelope(data)
	if err != nil {
		return Envelope{}, err
	}
	attr := func(name string) string { return strings.TrimSpace(attrs[name]) }

	eventType, err := enums.ParseOutboxEventType(attr("event_type"))
	if err != nil {
		return Envelope{}, fmt.Errorf("event_type attribute: %w", err)
	}
	aggregateType, err := enums.ParseOutboxAggregateType(attr("aggregate_type"))
	if err != nil {
		return Envelope{}, fmt.Errorf("aggregate_type attribute: %w", err)
	}
	env := Envelope{
		EventID:       stored.EventID,
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   attr("aggregate_id"),
		AgentID:       attr("agent_id"),
		OccurredAt:    stored.OccurredAt.UTC(),
		Payload:       stored.Data,
	}
	if env.AggregateID == "" {
		return Envelope{}, errors.New("aggregate_id attribute missing")
	}
	if agent := stored.Agent(); env.AgentID == "" && agent != uuid.Nil {
		env.AgentID = agent.String()
	}
	if env.OccurredAt.IsZero() {
		if ts, err := time.Parse(time.RFC3339Nano, attr("occurred_at")); err == nil {
			env.OccurredAt = ts.UTC()
		}
	}
	return env, nil
}
