package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/angelmondragon/esimhub-backend/api/responses"
	"github.com/angelmondragon/esimhub-backend/internal/dedupe"
	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
)

const maxWebhookBody = 1 << 20

type StripeEventHandler interface {
	HandleStripeEvent(ctx context.Context, event *stripe.Event) error
}

type deliveryGuard interface {
	Claim(ctx context.Context, id string) (dedupe.Claim, bool, error)
	Release(ctx context.Context, claim dedupe.Claim) error
}

type stripeSigner interface {
	SigningSecret() string
}

// StripeWebhook verifies and applies Stripe Checkout events that fund agent wallets.
func StripeWebhook(svc StripeEventHandler, client stripeSigner, guard deliveryGuard, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil || client == nil || guard == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "stripe webhook unavailable"))
			return
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		sigHeader := r.Header.Get("Stripe-Signature")
		if sigHeader == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "stripe signature missing"))
			return
		}

		event, err := webhook.ConstructEvent(payload, sigHeader, client.SigningSecret())
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeInvalidSignature, err, "verify signature"))
			return
		}

		if logg != nil {
			ctx = logg.WithFields(ctx, map[string]any{"stripe_event_id": event.ID, "stripe_event_type": string(event.Type)})
		}

		claim, fresh, err := guard.Claim(ctx, event.ID)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim stripe event"))
			return
		}
		if !fresh {
			if logg != nil {
				logg.Info(ctx, "stripe event already processed")
			}
			responses.WriteSuccess(w, map[string]bool{"received": true})
			return
		}

		if err := svc.HandleStripeEvent(ctx, &event); err != nil {
			if releaseErr := guard.Release(context.WithoutCancel(ctx), claim); releaseErr != nil && logg != nil {
				logg.Error(ctx, "release stripe event guard", releaseErr)
			}
			responses.WriteError(ctx, logg, w, err)
			return
		}

		if logg != nil {
			logg.Info(ctx, "stripe event processed")
		}
		responses.WriteSuccess(w, map[string]bool{"received": true})
	}
}
