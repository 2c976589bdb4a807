// Package registry routes outbox rows to Pub/Sub topics and decodes their
// typed payloads before publishing.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/esimhub-backend/pkg/config"
	"github.com/angelmondragon/esimhub-backend/pkg/db/models"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
	"github.com/angelmondragon/esimhub-backend/pkg/outbox"
	"github.com/angelmondragon/esimhub-backend/pkg/outbox/payloads"
)

// ErrUnroutable marks rows whose event type has no registered topic.
var ErrUnroutable = errors.New("no route for event type")

type EventDescriptor struct {
	EventType      enums.OutboxEventType
	AggregateType  enums.OutboxAggregateType
	Topic          string
	PayloadFactory func() any
}

type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.Envelope
	Payload    any
}

// NonRetryableError tells the publisher that retrying cannot help.
type NonRetryableError struct {
	Err error
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error { return e.Err }

func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

type EventRegistry struct {
	routes map[enums.OutboxEventType]EventDescriptor
}

// route is one event type and the payload it carries.
type route struct {
	event     enums.OutboxEventType
	aggregate enums.OutboxAggregateType
	payload   func() any
}

func orderEvent[T any](event enums.OutboxEventType) route {
	return route{event: event, aggregate: enums.AggregateOrder, payload: func() any { return new(T) }}
}

func topupEvent(event enums.OutboxEventType) route {
	return route{event: event, aggregate: enums.AggregateTopup, payload: func() any { return new(payloads.TopupSettledEvent) }}
}

func walletEvent(event enums.OutboxEventType) route {
	return route{event: event, aggregate: enums.AggregateWallet, payload: func() any { return new(payloads.WalletMovementEvent) }}
}

var routes = []route{
	orderEvent[payloads.OrderCompletedEvent](enums.EventOrderCompleted),
	orderEvent[payloads.OrderFailedEvent](enums.EventOrderFailed),
	orderEvent[payloads.OrderRetryScheduledEvent](enums.EventOrderRetryScheduled),
	orderEvent[payloads.OrderStatusChangedEvent](enums.EventOrderStatusChanged),
	topupEvent(enums.EventTopupCompleted),
	topupEvent(enums.EventTopupFailed),
	walletEvent(enums.EventWalletCredited),
	walletEvent(enums.EventWalletRefunded),
}

// NewEventRegistry sends every event to the domain topic; consumers filter
// on the event_type attribute.
func NewEventRegistry(cfg config.PubSubConfig) (*EventRegistry, error) {
	if cfg.DomainTopic == "" {
		return nil, errors.New("domain topic is required")
	}
	reg := &EventRegistry{routes: make(map[enums.OutboxEventType]EventDescriptor, len(routes))}
	for _, r := range routes {
		reg.routes[r.event] = EventDescriptor{
			EventType:      r.event,
			AggregateType:  r.aggregate,
			Topic:          cfg.DomainTopic,
			PayloadFactory: r.payload,
		}
	}
	return reg, nil
}

func (r *EventRegistry) Descriptor(eventType enums.OutboxEventType) (EventDescriptor, bool) {
	desc, ok := r.routes[eventType]
	return desc, ok
}

// Resolve checks the row against its route and decodes the payload. Every
// error it returns is a NonRetryableError.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.routes[event.EventType]
	if !ok {
		return nil, NewNonRetryableError(fmt.Errorf("%w: %s", ErrUnroutable, event.EventType))
	}
	switch {
	case desc.AggregateType != event.AggregateType:
		return nil, NewNonRetryableError(fmt.Errorf("%s belongs to %s aggregates, row has %s", event.EventType, desc.AggregateType, event.AggregateType))
	case event.AggregateID == uuid.Nil:
		return nil, NewNonRetryableError(fmt.Errorf("%s row has no aggregate id", event.EventType))
	}

	env, err := outbox.DecodeEnvelope(event.Payload)
	if err != nil {
		return nil, NewNonRetryableError(err)
	}
	payload, err := decodeData(desc, env.Data)
	if err != nil {
		return nil, NewNonRetryableError(err)
	}
	return &ResolvedEvent{Descriptor: desc, Envelope: env, Payload: payload}, nil
}

func decodeData(desc EventDescriptor, data json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("%s envelope has no data", desc.EventType)
	}
	payload := desc.PayloadFactory()
	if err := json.Unmarshal(trimmed, payload); err != nil {
		return nil, fmt.Errorf("decode %s data: %w", desc.EventType, err)
	}
	return payload, nil
}
