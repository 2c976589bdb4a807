package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/esimhub-backend/api/controllers"
	"github.com/angelmondragon/esimhub-backend/api/controllers/internalapi"
	ordercontrollers "github.com/angelmondragon/esimhub-backend/api/controllers/orders"
	walletcontrollers "github.com/angelmondragon/esimhub-backend/api/controllers/wallet"
	webhookcontrollers "github.com/angelmondragon/esimhub-backend/api/controllers/webhooks"
	"github.com/angelmondragon/esimhub-backend/api/middleware"
	checkoutsvc "github.com/angelmondragon/esimhub-backend/internal/checkout"
	"github.com/angelmondragon/esimhub-backend/internal/dedupe"
	"github.com/angelmondragon/esimhub-backend/internal/fulfillment"
	"github.com/angelmondragon/esimhub-backend/internal/ledger"
	"github.com/angelmondragon/esimhub-backend/internal/orders"
	"github.com/angelmondragon/esimhub-backend/internal/payments"
	"github.com/angelmondragon/esimhub-backend/internal/reconciliation"
	"github.com/angelmondragon/esimhub-backend/pkg/config"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
	"github.com/angelmondragon/esimhub-backend/pkg/redis"
)

// Store is the redis surface the HTTP layer needs for idempotency, rate
// limiting and readiness.
type Store interface {
	redis.IdempotencyStore
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	controllers.Pinger
}

type stripeSigner interface {
	SigningSecret() string
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	gatherer prometheus.Gatherer,
	dbP controllers.Pinger,
	store Store,
	ledgerService ledger.Service,
	checkoutService checkoutsvc.Service,
	paymentsService payments.Service,
	fulfillmentService fulfillment.Service,
	ordersService orders.Service,
	reconciliationService reconciliation.Service,
	stripeClient stripeSigner,
	stripeWebhookGuard *dedupe.Guard,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Observe(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	moneyPolicy := middleware.NewRateLimitPolicy(
		"money",
		cfg.RateLimit.MoneyWindow,
		cfg.RateLimit.MoneyIPLimit,
		cfg.RateLimit.MoneyAgentLimit,
	)
	readPolicy := middleware.NewRateLimitPolicy("read", cfg.RateLimit.ReadWindow, 0, cfg.RateLimit.ReadAgentLimit)
	webhookPolicy := middleware.NewRateLimitPolicy("webhook", cfg.RateLimit.WebhookWindow, cfg.RateLimit.WebhookIPLimit, 0)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, store))
	})
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Use(middleware.RateLimit(webhookPolicy, store, logg))
		r.Post("/stripe", webhookcontrollers.StripeWebhook(paymentsService, stripeClient, stripeWebhookGuard, logg))
		r.Post("/supplier-a", webhookcontrollers.SupplierAWebhook(reconciliationService, cfg.SupplierA.WebhookSecret, logg))
		r.Post("/supplier-b", webhookcontrollers.SupplierBWebhook(reconciliationService, cfg.SupplierB.WebhookSecret, logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.Idempotency(store, cfg.Eventing.RequestIdempotencyTTL, logg))

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(readPolicy, store, logg))
			r.Get("/wallet", walletcontrollers.Balance(ledgerService, logg))
			r.Get("/wallet/transactions", walletcontrollers.Transactions(ledgerService, logg))
			r.Get("/orders", ordercontrollers.List(ordersService, logg))
			r.Get("/orders/{orderId}", ordercontrollers.Detail(ordersService, logg))
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(moneyPolicy, store, logg))
			r.Post("/wallet/checkout", walletcontrollers.Checkout(checkoutService, logg))
			r.Post("/wallet/topups/stripe/confirm", walletcontrollers.ConfirmStripe(paymentsService, logg))
			r.Post("/wallet/topups/razorpay/confirm", walletcontrollers.ConfirmRazorpay(paymentsService, logg))
			r.Post("/orders", ordercontrollers.Purchase(fulfillmentService, logg))
			r.Post("/topups", ordercontrollers.TopUp(fulfillmentService, logg))
		})
	})

	r.Route("/api/internal/v1", func(r chi.Router) {
		r.Use(middleware.InternalToken(cfg.Internal.Token, logg))
		r.Post("/suppliers/orders", internalapi.ProvisionOrder(fulfillmentService, logg))
		r.Post("/status/sync", internalapi.StatusSync(reconciliationService, logg))
		r.Post("/retry-sweep", internalapi.RetrySweep(fulfillmentService, logg))
	})

	return r
}
