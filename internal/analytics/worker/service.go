// Package worker consumes domain events from the analytics subscription and
// hands them to the sales router.
package worker

import (
	"context"
	"errors"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/esimhub-backend/internal/analytics/router"
	"github.com/angelmondragon/esimhub-backend/internal/analytics/types"
	"github.com/angelmondragon/esimhub-backend/internal/dedupe"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
)

type Handler interface {
	Handle(ctx context.Context, env types.Envelope) error
}

type receiver interface {
	Receive(ctx context.Context, f func(context.Context, *gcppubsub.Message)) error
}

type claimer interface {
	Claim(ctx context.Context, id string) (dedupe.Claim, bool, error)
	Release(ctx context.Context, claim dedupe.Claim) error
}

// verdict is what to tell Pub/Sub about one delivery.
type verdict bool

const (
	ack  verdict = true
	nack verdict = false
)

// Service applies each event at most once. Undecodable and unsupported
// events are acked and dropped; handler failures release the claim and nack
// so Pub/Sub redelivers.
type Service struct {
	sub     receiver
	handler Handler
	claims  claimer
	logg    *logger.Logger
}

func NewService(sub *gcppubsub.Subscriber, handler Handler, claims claimer, logg *logger.Logger) (*Service, error) {
	switch {
	case sub == nil:
		return nil, errors.New("analytics subscription is required")
	case handler == nil:
		return nil, errors.New("analytics handler is required")
	case claims == nil:
		return nil, errors.New("dedupe guard is required")
	case logg == nil:
		return nil, errors.New("logger is required")
	}
	return &Service{sub: sub, handler: handler, claims: claims, logg: logg}, nil
}

// Run blocks until ctx is canceled or the subscription fails.
func (s *Service) Run(ctx context.Context) error {
	return s.sub.Receive(ctx, func(ctx context.Context, msg *gcppubsub.Message) {
		if s.process(ctx, msg) == ack {
			msg.Ack()
			return
		}
		msg.Nack()
	})
}

func (s *Service) process(ctx context.Context, msg *gcppubsub.Message) verdict {
	ctx = s.logg.WithField(ctx, "message_id", msg.ID)

	env, err := types.FromMessage(msg.Data, msg.Attributes)
	if err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "dropping undecodable analytics message")
		return ack
	}
	ctx = s.logg.WithFields(ctx, map[string]any{
		"event_id":     env.EventID,
		"event_type":   env.EventType,
		"aggregate_id": env.AggregateID,
	})
	if env.AgentID != "" {
		ctx = s.logg.WithField(ctx, "agent_id", env.AgentID)
	}

	claim, fresh, err := s.claims.Claim(ctx, env.EventID)
	if err != nil {
		s.logg.Error(ctx, "claim analytics event", err)
		return nack
	}
	if !fresh {
		s.logg.Debug(ctx, "analytics event already handled")
		return ack
	}

	err = s.handler.Handle(ctx, env)
	switch {
	case err == nil:
		s.logg.Info(ctx, "analytics event recorded")
		return ack
	case errors.Is(err, router.ErrUnsupportedEventType):
		s.logg.Debug(ctx, "event not recorded in warehouse")
		return ack
	}
	s.logg.Error(ctx, "analytics handler failed", err)
	if relErr := s.claims.Release(context.WithoutCancel(ctx), claim); relErr != nil {
		s.logg.Error(ctx, "release analytics claim", relErr)
	}
	return nack
}
