// Package stripe wraps the Stripe client used to confirm wallet top-ups paid
// through Checkout.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/esimhub-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
)

var keyPrefixes = map[string][]string{
	"test": {"sk_test", "rk_test"},
	"live": {"sk_live", "rk_live"},
}

// Client reads Checkout Sessions and carries the webhook signing secret.
type Client struct {
	sc            *stripe.Client
	mode          string
	signingSecret string
}

// NewClient checks that the key matches the configured mode before any call
// can reach Stripe.
func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	mode := cfg.Environment()
	prefixes, ok := keyPrefixes[mode]
	if !ok {
		return nil, fmt.Errorf("unknown stripe environment %q", mode)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("stripe api key is required")
	}
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("stripe webhook secret is required")
	}
	if !hasAnyPrefix(apiKey, prefixes) {
		return nil, fmt.Errorf("stripe %s mode needs a key starting with %s", mode, strings.Join(prefixes, " or "))
	}

	if logg != nil {
		logg.Info(logg.WithField(ctx, "stripe_mode", mode), "stripe client ready")
	}
	return &Client{
		sc:            stripe.NewClient(apiKey),
		mode:          mode,
		signingSecret: secret,
	}, nil
}

// Mode is "test" or "live".
func (c *Client) Mode() string {
	if c == nil {
		return ""
	}
	return c.mode
}

// SigningSecret is the endpoint secret webhook payloads are signed with.
func (c *Client) SigningSecret() string {
	if c == nil {
		return ""
	}
	return c.signingSecret
}

// GetCheckoutSession loads a Checkout Session. A missing session is NOT_FOUND
// so a bogus id from the browser never looks like an outage.
func (c *Client) GetCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	if c == nil || c.sc == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "stripe client not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "session id is required")
	}

	sess, err := c.sc.V1CheckoutSessions.Retrieve(ctx, id, nil)
	if err == nil {
		return sess, nil
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.HTTPStatusCode {
		case http.StatusNotFound:
			return nil, pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "checkout session not found")
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, pkgerrors.Wrap(pkgerrors.CodeUpstreamAuth, err, "stripe rejected api key")
		}
	}
	return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "retrieve checkout session")
}

func hasAnyPrefix(value string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}
