// Package dedupe keeps at-least-once deliveries (Stripe webhooks, Pub/Sub
// domain events) from being applied twice.
package dedupe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store is the slice of the Redis client the guard needs.
type Store interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	IdempotencyKey(scope, id string) string
}

// Guard claims delivery ids within one scope, e.g. "webhook:stripe" or
// "evt:analytics". A claim outlives the handler by ttl so late redeliveries
// are dropped.
type Guard struct {
	store Store
	ttl   time.Duration
	scope string
}

// Claim is proof that this process owns a delivery id.
type Claim struct {
	key   string
	token string
}

func NewGuard(store Store, ttl time.Duration, scope string) (*Guard, error) {
	if store == nil {
		return nil, errors.New("dedupe store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return nil, errors.New("scope is required")
	}
	return &Guard{store: store, ttl: ttl, scope: scope}, nil
}

// WebhookGuard scopes claims to one payment provider's deliveries.
func WebhookGuard(store Store, ttl time.Duration, provider string) (*Guard, error) {
	if strings.TrimSpace(provider) == "" {
		return nil, errors.New("provider is required")
	}
	return NewGuard(store, ttl, "webhook:"+strings.TrimSpace(provider))
}

// ConsumerGuard scopes claims to one Pub/Sub consumer.
func ConsumerGuard(store Store, ttl time.Duration, consumer string) (*Guard, error) {
	if strings.TrimSpace(consumer) == "" {
		return nil, errors.New("consumer is required")
	}
	return NewGuard(store, ttl, "evt:"+strings.TrimSpace(consumer))
}

// Claim reserves id. fresh is false when an earlier delivery holds it.
func (g *Guard) Claim(ctx context.Context, id string) (claim Claim, fresh bool, err error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Claim{}, false, errors.New("delivery id is required")
	}
	claim = Claim{key: g.store.IdempotencyKey(g.scope, id), token: uuid.NewString()}
	fresh, err = g.store.SetNX(ctx, claim.key, claim.token, g.ttl)
	if err != nil {
		return Claim{}, false, fmt.Errorf("claim %s: %w", id, err)
	}
	if !fresh {
		return Claim{}, false, nil
	}
	return claim, true, nil
}

// Release drops the claim so the sender's retry is processed. A claim that
// expired and was taken by another delivery is left alone.
func (g *Guard) Release(ctx context.Context, claim Claim) error {
	if claim.key == "" {
		return nil
	}
	if _, err := g.store.CompareAndDelete(ctx, claim.key, claim.token); err != nil {
		return fmt.Errorf("release %s: %w", claim.key, err)
	}
	return nil
}
