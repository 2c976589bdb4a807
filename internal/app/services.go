// Package app assembles the domain services shared by the api and
// cron-worker binaries.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/esimhub-backend/internal/agents"
	"github.com/angelmondragon/esimhub-backend/internal/audit"
	"github.com/angelmondragon/esimhub-backend/internal/checkout"
	"github.com/angelmondragon/esimhub-backend/internal/fulfillment"
	"github.com/angelmondragon/esimhub-backend/internal/ledger"
	"github.com/angelmondragon/esimhub-backend/internal/orders"
	"github.com/angelmondragon/esimhub-backend/internal/payments"
	"github.com/angelmondragon/esimhub-backend/internal/plans"
	"github.com/angelmondragon/esimhub-backend/internal/pricing"
	"github.com/angelmondragon/esimhub-backend/internal/reconciliation"
	"github.com/angelmondragon/esimhub-backend/internal/suppliers"
	"github.com/angelmondragon/esimhub-backend/pkg/config"
	"github.com/angelmondragon/esimhub-backend/pkg/db"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
	"github.com/angelmondragon/esimhub-backend/pkg/metrics"
	"github.com/angelmondragon/esimhub-backend/pkg/outbox"
	"github.com/angelmondragon/esimhub-backend/pkg/razorpay"
	"github.com/angelmondragon/esimhub-backend/pkg/stripe"
	"github.com/angelmondragon/esimhub-backend/pkg/suppliera"
	"github.com/angelmondragon/esimhub-backend/pkg/supplierb"
)

// Services is the wired domain layer.
type Services struct {
	Orders         orders.Repository
	OrderQueries   orders.Service
	Ledger         ledger.Service
	Checkout       checkout.Service
	Payments       payments.Service
	Fulfillment    fulfillment.Service
	Reconciliation reconciliation.Service
	Adapters       *suppliers.Registry
	Outbox         *outbox.Service
	OutboxRepo     *outbox.Repository
	Stripe         *stripe.Client
}

// Build wires every domain service against the database. Supplier and
// payment provider clients are only created when their credentials are set.
func Build(ctx context.Context, cfg *config.Config, logg *logger.Logger, dbClient *db.Client, reg prometheus.Registerer) (*Services, error) {
	gdb := dbClient.DB()

	auditSvc, err := audit.NewService(gdb, logg)
	if err != nil {
		return nil, fmt.Errorf("audit service: %w", err)
	}
	outboxRepo := outbox.NewRepository(gdb)
	outboxSvc := outbox.NewService(outboxRepo, logg)

	ledgerSvc, err := ledger.NewService(dbClient, ledger.NewRepository(gdb), auditSvc, outboxSvc, logg)
	if err != nil {
		return nil, fmt.Errorf("ledger service: %w", err)
	}

	markup, err := cfg.Pricing.DefaultMarkup()
	if err != nil {
		return nil, err
	}
	resolver, err := pricing.NewResolver(pricing.NewRepository(gdb), markup)
	if err != nil {
		return nil, fmt.Errorf("pricing resolver: %w", err)
	}

	adapters, err := buildAdapters(cfg)
	if err != nil {
		return nil, err
	}

	ordersRepo := orders.NewRepository(gdb)
	plansRepo := plans.NewRepository(gdb)
	agentsRepo := agents.NewRepository(gdb)

	fulfillmentSvc, err := fulfillment.NewService(fulfillment.ServiceParams{
		Tx:       dbClient,
		Orders:   ordersRepo,
		Plans:    plansRepo,
		Agents:   agentsRepo,
		Ledger:   ledgerSvc,
		Pricing:  resolver,
		Adapters: adapters,
		Audit:    auditSvc,
		Outbox:   outboxSvc,
		Metrics:  metrics.NewFulfillmentMetrics(reg),
		Logger:   logg,
		Config: fulfillment.Config{
			RetryBatchSize:   cfg.Fulfillment.RetryBatchSize,
			RetryDelay:       cfg.Fulfillment.RetryDelay,
			MaxRetries:       cfg.Fulfillment.MaxRetries,
			ProvisionTimeout: cfg.Fulfillment.ProvisionTimeout,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fulfillment service: %w", err)
	}

	checkoutSvc, err := checkout.NewService(checkout.ServiceParams{
		Tx:          dbClient,
		Orders:      ordersRepo,
		Plans:       plansRepo,
		Agents:      agentsRepo,
		Ledger:      ledgerSvc,
		Pricing:     resolver,
		Adapters:    adapters,
		Provisioner: fulfillmentSvc,
		Logger:      logg,
	})
	if err != nil {
		return nil, fmt.Errorf("checkout service: %w", err)
	}

	reconciliationSvc, err := reconciliation.NewService(reconciliation.ServiceParams{
		Tx:        dbClient,
		Orders:    ordersRepo,
		Plans:     plansRepo,
		Adapters:  adapters,
		Outbox:    outboxSvc,
		Metrics:   metrics.NewReconciliationMetrics(reg),
		Logger:    logg,
		BatchSize: cfg.Reconciliation.SweepBatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("reconciliation service: %w", err)
	}

	orderQueries, err := orders.NewService(ordersRepo)
	if err != nil {
		return nil, fmt.Errorf("orders service: %w", err)
	}

	paymentParams := payments.ServiceParams{Ledger: ledgerSvc, Logger: logg}
	var stripeClient *stripe.Client
	if cfg.Stripe.APIKey != "" {
		stripeClient, err = stripe.NewClient(ctx, cfg.Stripe, logg)
		if err != nil {
			return nil, fmt.Errorf("stripe client: %w", err)
		}
		paymentParams.Stripe = stripeClient
	} else {
		logg.Warn(ctx, "stripe not configured; stripe confirmations disabled")
	}
	if cfg.Razorpay.KeyID != "" {
		rzp, err := razorpay.NewClient(cfg.Razorpay.KeyID, cfg.Razorpay.KeySecret,
			razorpay.WithBaseURL(cfg.Razorpay.BaseURL),
			razorpay.WithTimeout(cfg.Razorpay.Timeout),
		)
		if err != nil {
			return nil, fmt.Errorf("razorpay client: %w", err)
		}
		paymentParams.Razorpay = rzp
	} else {
		logg.Warn(ctx, "razorpay not configured; razorpay confirmations disabled")
	}
	paymentsSvc, err := payments.NewService(paymentParams)
	if err != nil {
		return nil, fmt.Errorf("payments service: %w", err)
	}

	return &Services{
		Orders:         ordersRepo,
		OrderQueries:   orderQueries,
		Ledger:         ledgerSvc,
		Checkout:       checkoutSvc,
		Payments:       paymentsSvc,
		Fulfillment:    fulfillmentSvc,
		Reconciliation: reconciliationSvc,
		Adapters:       adapters,
		Outbox:         outboxSvc,
		OutboxRepo:     outboxRepo,
		Stripe:         stripeClient,
	}, nil
}

func buildAdapters(cfg *config.Config) (*suppliers.Registry, error) {
	var adapters []suppliers.Adapter
	if cfg.SupplierA.AccessCode != "" {
		client, err := suppliera.NewClient(cfg.SupplierA.AccessCode,
			suppliera.WithBaseURL(cfg.SupplierA.BaseURL),
			suppliera.WithBusyCodes(cfg.SupplierA.BusyCodes),
			suppliera.WithHTTPClient(&http.Client{Timeout: cfg.SupplierA.Timeout}),
		)
		if err != nil {
			return nil, fmt.Errorf("supplier a client: %w", err)
		}
		adapter, err := suppliers.NewSupplierA(client, suppliers.PollPolicy{
			Attempts: cfg.Fulfillment.PollAttempts,
			Interval: cfg.Fulfillment.PollInterval,
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}
	if cfg.SupplierB.APIKey != "" {
		client, err := supplierb.NewClient(cfg.SupplierB.APIKey, cfg.SupplierB.APISecret,
			supplierb.WithBaseURL(cfg.SupplierB.BaseURL),
			supplierb.WithHTTPClient(&http.Client{Timeout: cfg.SupplierB.Timeout}),
		)
		if err != nil {
			return nil, fmt.Errorf("supplier b client: %w", err)
		}
		adapter, err := suppliers.NewSupplierB(client)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}
	return suppliers.NewRegistry(adapters...)
}
