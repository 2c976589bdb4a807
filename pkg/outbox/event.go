package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const currentEnvelopeVersion = 1

// Actor is who caused the event: the agent whose wallet or order changed and
// the component that noticed (fulfillment, ledger, reconciliation, cron).
type Actor struct {
	AgentID *uuid.UUID `json:"agentId,omitempty"`
	Source  string     `json:"source,omitempty"`
}

// Envelope is the JSON stored in outbox_events.payload and published as the
// Pub/Sub message body.
type Envelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *Actor          `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// DecodeEnvelope parses a stored or delivered payload and rejects envelopes
// that cannot be deduplicated downstream.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventID == "" {
		return Envelope{}, errors.New("envelope missing eventId")
	}
	if env.Version <= 0 {
		env.Version = currentEnvelopeVersion
	}
	return env, nil
}

// Agent returns the acting agent, or uuid.Nil when the event has none.
func (e Envelope) Agent() uuid.UUID {
	if e.Actor == nil || e.Actor.AgentID == nil {
		return uuid.Nil
	}
	return *e.Actor.AgentID
}
