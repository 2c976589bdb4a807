// Package fulfillment turns paid orders into provisioned eSIMs. Once a debit
// has committed, every order ends up completed, parked for retry, or failed
// with exactly one refund.
package fulfillment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/esimhub-backend/internal/agents"
	"github.com/angelmondragon/esimhub-backend/internal/audit"
	"github.com/angelmondragon/esimhub-backend/internal/ledger"
	"github.com/angelmondragon/esimhub-backend/internal/orders"
	"github.com/angelmondragon/esimhub-backend/internal/plans"
	"github.com/angelmondragon/esimhub-backend/internal/pricing"
	"github.com/angelmondragon/esimhub-backend/internal/reconciliation"
	"github.com/angelmondragon/esimhub-backend/internal/suppliers"
	"github.com/angelmondragon/esimhub-backend/pkg/db/models"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
	"github.com/angelmondragon/esimhub-backend/pkg/metrics"
	"github.com/angelmondragon/esimhub-backend/pkg/outbox"
	"github.com/angelmondragon/esimhub-backend/pkg/outbox/payloads"
)

const (
	defaultRetryBatchSize = 10
	defaultMaxRetries     = 5
	actorSource           = "fulfillment"

	// ReasonRetryExhausted is stored on orders failed by the sweep.
	ReasonRetryExhausted = "retry_exhausted"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type adapterSource interface {
	Get(supplier enums.Supplier) (suppliers.Adapter, error)
}

// Service is the order fulfillment orchestrator.
type Service interface {
	Purchase(ctx context.Context, input PurchaseInput) (*OrderOutcome, error)
	ProvisionOrder(ctx context.Context, input ProvisionInput) (*OrderOutcome, error)
	TopUp(ctx context.Context, input TopUpInput) (*TopupOutcome, error)
	RetrySweep(ctx context.Context) (*SweepResult, error)
}

// Customer is the end customer the eSIM is sold to.
type Customer struct {
	Name  string
	Email string
	Phone string
}

type PurchaseInput struct {
	AgentID  uuid.UUID
	PlanID   uuid.UUID
	Customer Customer
}

// ProvisionInput targets an order created earlier by checkout. PlanID is
// optional and only checked against the order when set.
type ProvisionInput struct {
	OrderID uuid.UUID
	PlanID  uuid.UUID
}

type TopUpInput struct {
	AgentID uuid.UUID
	ICCID   string
	PlanID  uuid.UUID
}

// OrderOutcome is the classified result of one provisioning attempt.
type OrderOutcome struct {
	Order    *models.Order
	Outcome  string
	Reason   string
	Refunded bool
}

type TopupOutcome struct {
	Topup    *models.Topup
	Outcome  string
	Reason   string
	Refunded bool
	Balance  decimal.Decimal
}

// SweepItem reports what the retry sweep did with one parked order or
// top-up. TopupID is set for top-ups; OrderID is then the topped-up order.
type SweepItem struct {
	OrderID uuid.UUID  `json:"order_id"`
	TopupID *uuid.UUID `json:"topup_id,omitempty"`
	Outcome string     `json:"outcome"`
	Reason  string     `json:"reason,omitempty"`
}

type SweepResult struct {
	Processed int         `json:"processed"`
	Results   []SweepItem `json:"results"`
}

// Config bounds provisioning and the retry sweep.
type Config struct {
	RetryBatchSize   int
	RetryDelay       time.Duration
	MaxRetries       int
	ProvisionTimeout time.Duration
}

// ServiceParams bundles the dependencies required to build the orchestrator.
type ServiceParams struct {
	Tx       txRunner
	Orders   orders.Repository
	Plans    plans.Repository
	Agents   agents.Repository
	Ledger   ledger.Service
	Pricing  pricing.Resolver
	Adapters adapterSource
	Audit    audit.Recorder
	Outbox   outboxPublisher
	Metrics  *metrics.FulfillmentMetrics
	Logger   *logger.Logger
	Config   Config
	Now      func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error
}

type service struct {
	tx       txRunner
	orders   orders.Repository
	plans    plans.Repository
	agents   agents.Repository
	ledger   ledger.Service
	pricing  pricing.Resolver
	adapters adapterSource
	audit    audit.Recorder
	outbox   outboxPublisher
	metrics  *metrics.FulfillmentMetrics
	logg     *logger.Logger
	cfg      Config
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewService constructs the orchestrator.
func NewService(params ServiceParams) (Service, error) {
	switch {
	case params.Tx == nil:
		return nil, fmt.Errorf("tx runner is required")
	case params.Orders == nil:
		return nil, fmt.Errorf("orders repository is required")
	case params.Plans == nil:
		return nil, fmt.Errorf("plans repository is required")
	case params.Agents == nil:
		return nil, fmt.Errorf("agents repository is required")
	case params.Ledger == nil:
		return nil, fmt.Errorf("ledger is required")
	case params.Pricing == nil:
		return nil, fmt.Errorf("pricing resolver is required")
	case params.Adapters == nil:
		return nil, fmt.Errorf("supplier adapters are required")
	case params.Audit == nil:
		return nil, fmt.Errorf("audit recorder is required")
	case params.Outbox == nil:
		return nil, fmt.Errorf("outbox publisher is required")
	case params.Logger == nil:
		return nil, fmt.Errorf("logger is required")
	}

	cfg := params.Config
	if cfg.RetryBatchSize <= 0 {
		cfg.RetryBatchSize = defaultRetryBatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	sleep := params.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	return &service{
		tx:       params.Tx,
		orders:   params.Orders,
		plans:    params.Plans,
		agents:   params.Agents,
		ledger:   params.Ledger,
		pricing:  params.Pricing,
		adapters: params.Adapters,
		audit:    params.Audit,
		outbox:   params.Outbox,
		metrics:  params.Metrics,
		logg:     params.Logger,
		cfg:      cfg,
		now:      now,
		sleep:    sleep,
	}, nil
}

func (s *service) Purchase(ctx context.Context, input PurchaseInput) (*OrderOutcome, error) {
	if _, err := agents.RequireApproved(ctx, s.agents, input.AgentID); err != nil {
		return nil, err
	}
	if input.PlanID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan id is required")
	}
	plan, err := s.plans.FindActive(ctx, input.PlanID)
	if err != nil {
		return nil, err
	}
	if _, err := s.adapters.Get(plan.Supplier); err != nil {
		return nil, err
	}
	quote, err := s.pricing.Resolve(ctx, pricing.ResolveInput{AgentID: input.AgentID, Plan: *plan})
	if err != nil {
		return nil, err
	}

	order := &models.Order{
		ID:             uuid.New(),
		AgentID:        input.AgentID,
		PlanID:         plan.ID,
		Supplier:       plan.Supplier,
		CustomerName:   strings.TrimSpace(input.Customer.Name),
		CustomerEmail:  strings.TrimSpace(input.Customer.Email),
		CustomerPhone:  strings.TrimSpace(input.Customer.Phone),
		WholesalePrice: quote.Wholesale,
		RetailPrice:    quote.Retail,
		Status:         enums.OrderStatusPending,
	}
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if _, err := s.ledger.DebitTx(ctx, tx, ledger.Entry{
			AgentID:     input.AgentID,
			Type:        enums.WalletTxPurchase,
			Amount:      quote.Retail,
			Description: purchaseDescription(plan),
			ReferenceID: order.ID.String(),
		}); err != nil {
			return err
		}
		if err := s.orders.WithTx(tx).Create(ctx, order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithFields(s.logg.WithOrderID(ctx, order.ID.String()), map[string]any{
		"agent_id":     input.AgentID.String(),
		"supplier":     string(plan.Supplier),
		"retail_price": quote.Retail.StringFixed(2),
		"price_source": string(quote.Source),
	})
	s.logg.Info(logCtx, "order debited")

	return s.provision(ctx, order, plan)
}

func (s *service) ProvisionOrder(ctx context.Context, input ProvisionInput) (*OrderOutcome, error) {
	if input.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	order, err := s.orders.FindByID(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	if input.PlanID != uuid.Nil && input.PlanID != order.PlanID {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan does not match order")
	}
	switch order.Status {
	case enums.OrderStatusCompleted:
		return &OrderOutcome{Order: order, Outcome: suppliers.Outcome(suppliers.Completed{})}, nil
	case enums.OrderStatusFailed:
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order already failed").
			WithDetails(map[string]any{"order_id": order.ID.String()})
	}

	if order.RetryScheduled() {
		claimed, err := s.orders.ClaimRetry(ctx, order.ID, s.now())
		if err != nil {
			return nil, err
		}
		if !claimed {
			return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order is already being retried")
		}
		if order, err = s.orders.FindByID(ctx, order.ID); err != nil {
			return nil, err
		}
	}

	plan, err := s.plans.FindByID(ctx, order.PlanID)
	if err != nil {
		return nil, err
	}
	return s.provision(ctx, order, plan)
}

// provision runs one attempt against the supplier and persists the
// classified outcome. The attempt is detached from ctx cancellation because
// the wallet has already been charged.
func (s *service) provision(ctx context.Context, order *models.Order, plan *models.Plan) (*OrderOutcome, error) {
	ctx = context.WithoutCancel(ctx)
	machine := NewMachine(order.Status)
	if err := machine.To(StateProvisioning); err != nil {
		return nil, err
	}

	var (
		result  suppliers.Result
		elapsed time.Duration
	)
	adapter, err := s.adapters.Get(plan.Supplier)
	if err != nil {
		result = suppliers.Classify(err)
	} else {
		attemptCtx, cancel := s.attemptContext(ctx)
		if handle := placedHandle(order); handle != nil {
			result, elapsed = suppliers.Timed(func() suppliers.Result {
				return suppliers.Resume(attemptCtx, adapter, *handle)
			})
		} else {
			result, elapsed = suppliers.ProvisionTimed(attemptCtx, adapter, *plan, order.ID)
		}
		cancel()
	}
	s.metrics.ObserveOutcome(string(plan.Supplier), suppliers.Outcome(result), elapsed)

	switch r := result.(type) {
	case suppliers.Completed:
		return s.complete(ctx, machine, order, plan, r.Profile)
	case suppliers.Failed:
		return s.fail(ctx, machine, order, r.Reason, r.Code)
	case suppliers.Pending:
		return s.park(ctx, machine, order, r.Reason, r.Handle)
	default:
		return s.park(ctx, machine, order, suppliers.ReasonUnavailable, nil)
	}
}

// placedHandle rebuilds the handle of an order the supplier already accepted.
func placedHandle(order *models.Order) *suppliers.Handle {
	if order.SupplierOrderID == nil || strings.TrimSpace(*order.SupplierOrderID) == "" {
		return nil
	}
	return &suppliers.Handle{
		Supplier:        order.Supplier,
		OrderID:         order.ID,
		SupplierOrderID: strings.TrimSpace(*order.SupplierOrderID),
	}
}

func (s *service) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.ProvisionTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.ProvisionTimeout)
}

func (s *service) complete(ctx context.Context, machine *Machine, order *models.Order, plan *models.Plan, profile suppliers.EsimProfile) (*OrderOutcome, error) {
	if err := machine.To(StateCompleted); err != nil {
		return nil, err
	}
	now := s.now()
	status := reconciliation.NormalizeProfile(plan.Supplier, profile)

	updates := map[string]any{
		"status":         machine.Persisted(),
		"provisioned_at": now,
		"display_status": status.DisplayStatus,
		"is_connected":   status.IsConnected,
		"is_active":      status.IsActive,
	}
	setIfPresent(updates, "real_status", profile.Status)
	setIfPresent(updates, "iccid", profile.ICCID)
	setIfPresent(updates, "activation_code", profile.ActivationCode)
	setIfPresent(updates, "manual_code", profile.ManualCode)
	setIfPresent(updates, "smdp_address", profile.SMDPAddress)
	setIfPresent(updates, "qr_code_url", profile.QRCodeURL)
	setIfPresent(updates, "supplier_order_id", profile.SupplierOrderID)
	setIfPresent(updates, "supplier_transaction_id", profile.SupplierTransactionID)
	if len(profile.Raw) > 0 {
		updates["status_payload"] = datatypes.JSON(profile.Raw)
	}
	if status.ActivatesPlan && order.ExpiresAt == nil && plan.ValidityDays > 0 {
		updates["expires_at"] = now.AddDate(0, 0, plan.ValidityDays)
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.orders.WithTx(tx)
		if err := repo.Update(ctx, order.ID, updates); err != nil {
			return err
		}
		if _, err := repo.InsertStatusEvent(ctx, &models.OrderStatusEvent{
			OrderID:       order.ID,
			Source:        enums.StatusSourceProvision,
			DisplayStatus: status.DisplayStatus,
			IsConnected:   status.IsConnected,
			IsActive:      status.IsActive,
			Raw:           datatypes.JSON(profile.Raw),
			Fingerprint:   orders.StatusFingerprint(string(enums.StatusSourceProvision), status.DisplayStatus, status.IsConnected, status.IsActive),
		}); err != nil {
			return err
		}
		if err := s.recordClassification(ctx, tx, order, enums.AuditOutcomeCompleted, map[string]any{
			"supplier": string(order.Supplier),
			"iccid":    profile.ICCID,
		}); err != nil {
			return err
		}
		return s.emit(ctx, tx, order, enums.EventOrderCompleted, enums.AggregateOrder, order.ID, payloads.OrderCompletedEvent{
			OrderID:        order.ID,
			AgentID:        order.AgentID,
			PlanID:         order.PlanID,
			Supplier:       order.Supplier,
			CountryCode:    plan.CountryCode,
			ICCID:          profile.ICCID,
			WholesalePrice: order.WholesalePrice,
			RetailPrice:    order.RetailPrice,
			CompletedAt:    now,
		})
	})
	if err != nil {
		s.logg.Error(s.logg.WithOrderID(ctx, order.ID.String()), "persist completed order", err)
		return nil, err
	}

	s.logg.Info(s.logg.WithFields(s.logg.WithOrderID(ctx, order.ID.String()), map[string]any{
		"supplier": string(order.Supplier),
		"iccid":    profile.ICCID,
	}), "order provisioned")
	return s.reload(ctx, order.ID, suppliers.Outcome(suppliers.Completed{}), "", false)
}

func (s *service) fail(ctx context.Context, machine *Machine, order *models.Order, reason string, code pkgerrors.Code) (*OrderOutcome, error) {
	if err := machine.To(StateFailed); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "supplier rejected order"
	}
	logCtx := s.logg.WithFields(s.logg.WithOrderID(ctx, order.ID.String()), map[string]any{
		"supplier": string(order.Supplier),
		"reason":   reason,
		"code":     string(code),
	})

	refunded := false
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.orders.WithTx(tx).Update(ctx, order.ID, map[string]any{
			"status":      machine.Persisted(),
			"real_status": reason,
		}); err != nil {
			return err
		}
		if err := s.recordClassification(ctx, tx, order, enums.AuditOutcomeFailed, map[string]any{
			"supplier": string(order.Supplier),
			"reason":   reason,
			"code":     string(code),
		}); err != nil {
			return err
		}
		if code == pkgerrors.CodeUpstreamAuth {
			if err := s.audit.Record(ctx, tx, audit.Entry{
				AgentID:     order.AgentID,
				OrderID:     order.ID,
				Action:      enums.AuditActionUpstreamAuth,
				Outcome:     enums.AuditOutcomeFailed,
				ReferenceID: order.ID.String(),
				Details:     map[string]any{"supplier": string(order.Supplier), "reason": reason},
			}); err != nil {
				return err
			}
		}

		var err error
		refunded, err = s.refund(ctx, tx, order.AgentID, order.ID, order.ID, order.RetailPrice, "")
		if err != nil {
			return err
		}
		return s.emit(ctx, tx, order, enums.EventOrderFailed, enums.AggregateOrder, order.ID, payloads.OrderFailedEvent{
			OrderID:     order.ID,
			AgentID:     order.AgentID,
			Supplier:    order.Supplier,
			Reason:      reason,
			RetailPrice: order.RetailPrice,
			Refunded:    refunded,
		})
	})
	if err != nil {
		s.logg.Error(logCtx, "persist failed order", err)
		return nil, err
	}
	if refunded {
		_ = machine.To(StateRefunded)
	}

	if code == pkgerrors.CodeUpstreamAuth {
		s.logg.Error(logCtx, "supplier rejected credentials", pkgerrors.New(code, reason))
	} else {
		s.logg.Warn(logCtx, "order failed at supplier")
	}
	return s.reload(ctx, order.ID, suppliers.Outcome(suppliers.Failed{}), reason, refunded)
}

// park hands the order to the retry sweep. A handle from an accepted
// placement is kept so the retry polls instead of ordering twice.
func (s *service) park(ctx context.Context, machine *Machine, order *models.Order, reason string, handle *suppliers.Handle) (*OrderOutcome, error) {
	if err := machine.To(StatePending); err != nil {
		return nil, err
	}
	updates := map[string]any{"real_status": models.RetryScheduledMarker}
	if handle != nil {
		setIfPresent(updates, "supplier_order_id", handle.SupplierOrderID)
	}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.orders.WithTx(tx).Update(ctx, order.ID, updates); err != nil {
			return err
		}
		if err := s.recordClassification(ctx, tx, order, enums.AuditOutcomePending, map[string]any{
			"supplier":    string(order.Supplier),
			"reason":      reason,
			"retry_count": order.RetryCount,
		}); err != nil {
			return err
		}
		return s.emit(ctx, tx, order, enums.EventOrderRetryScheduled, enums.AggregateOrder, order.ID, payloads.OrderRetryScheduledEvent{
			OrderID:    order.ID,
			AgentID:    order.AgentID,
			Supplier:   order.Supplier,
			Reason:     reason,
			RetryCount: order.RetryCount,
		})
	})
	if err != nil {
		s.logg.Error(s.logg.WithOrderID(ctx, order.ID.String()), "park order for retry", err)
		return nil, err
	}

	s.logg.Info(s.logg.WithFields(s.logg.WithOrderID(ctx, order.ID.String()), map[string]any{
		"supplier": string(order.Supplier),
		"reason":   reason,
	}), "order parked for retry")
	return s.reload(ctx, order.ID, suppliers.Outcome(suppliers.Pending{}), reason, false)
}

// refund credits amount back under reference, and audits the attempt.
// It reports false when the reference had already been refunded.
func (s *service) refund(ctx context.Context, tx *gorm.DB, agentID, orderID, reference uuid.UUID, amount decimal.Decimal, description string) (bool, error) {
	if !amount.IsPositive() {
		return false, nil
	}
	res, err := s.ledger.RefundTx(ctx, tx, agentID, reference, amount, description)
	if err != nil {
		return false, err
	}
	outcome := enums.AuditOutcomeApplied
	if res.Duplicate {
		outcome = enums.AuditOutcomeSkipped
	}
	if err := s.audit.Record(ctx, tx, audit.Entry{
		AgentID:     agentID,
		OrderID:     orderID,
		Action:      enums.AuditActionRefund,
		Outcome:     outcome,
		ReferenceID: reference.String(),
		Details: map[string]any{
			"amount":        amount.StringFixed(2),
			"balance_after": res.Balance.StringFixed(2),
		},
	}); err != nil {
		return false, err
	}
	return !res.Duplicate, nil
}

func (s *service) recordClassification(ctx context.Context, tx *gorm.DB, order *models.Order, outcome enums.AuditOutcome, details map[string]any) error {
	return s.audit.Record(ctx, tx, audit.Entry{
		AgentID:     order.AgentID,
		OrderID:     order.ID,
		Action:      enums.AuditActionClassification,
		Outcome:     outcome,
		ReferenceID: order.ID.String(),
		Details:     details,
	})
}

func (s *service) emit(ctx context.Context, tx *gorm.DB, order *models.Order, eventType enums.OutboxEventType, aggregate enums.OutboxAggregateType, aggregateID uuid.UUID, data any) error {
	agentID := order.AgentID
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: aggregate,
		AggregateID:   aggregateID,
		Actor:         &outbox.Actor{AgentID: &agentID, Source: actorSource},
		Data:          data,
	})
}

func (s *service) reload(ctx context.Context, orderID uuid.UUID, outcome, reason string, refunded bool) (*OrderOutcome, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &OrderOutcome{Order: order, Outcome: outcome, Reason: reason, Refunded: refunded}, nil
}

// RetrySweep re-attempts parked orders, then parked top-ups, pausing
// RetryDelay between attempts.
func (s *service) RetrySweep(ctx context.Context) (*SweepResult, error) {
	rows, err := s.orders.ListRetryScheduled(ctx, s.cfg.RetryBatchSize)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list retry scheduled orders")
	}
	topups, err := s.orders.ListRetryScheduledTopups(ctx, s.cfg.RetryBatchSize)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list retry scheduled topups")
	}

	result := &SweepResult{Results: make([]SweepItem, 0, len(rows)+len(topups))}
	var (
		errs    error
		steps   int
		stopped bool
	)
	pause := func() bool {
		steps++
		if stopped || steps == 1 {
			return !stopped
		}
		if err := s.sleep(ctx, s.cfg.RetryDelay); err != nil {
			errs = multierr.Append(errs, err)
			stopped = true
		}
		return !stopped
	}

	for _, row := range rows {
		if !pause() {
			break
		}
		item, claimed, err := s.retryOne(ctx, row)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("retry order %s: %w", row.ID, err))
			item = SweepItem{OrderID: row.ID, Outcome: "error", Reason: err.Error()}
		}
		if claimed {
			result.Processed++
		}
		result.Results = append(result.Results, item)
	}
	for _, row := range topups {
		if !pause() {
			break
		}
		item, claimed, err := s.retryTopup(ctx, row)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("retry topup %s: %w", row.ID, err))
			item = topupItem(row, "error", err.Error())
		}
		if claimed {
			result.Processed++
		}
		result.Results = append(result.Results, item)
	}

	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"processed":        result.Processed,
		"scheduled":        len(rows),
		"scheduled_topups": len(topups),
	}), "retry sweep finished")
	return result, errs
}

func (s *service) retryOne(ctx context.Context, row models.Order) (SweepItem, bool, error) {
	claimed, err := s.orders.ClaimRetry(ctx, row.ID, s.now())
	if err != nil {
		return SweepItem{}, false, err
	}
	if !claimed {
		return SweepItem{OrderID: row.ID, Outcome: "skipped", Reason: "claimed elsewhere"}, false, nil
	}
	order, err := s.orders.FindByID(ctx, row.ID)
	if err != nil {
		return SweepItem{}, true, err
	}

	var outcome *OrderOutcome
	if order.RetryCount > s.cfg.MaxRetries {
		outcome, err = s.exhaust(ctx, order)
	} else {
		var plan *models.Plan
		plan, err = s.plans.FindByID(ctx, order.PlanID)
		if err != nil {
			return SweepItem{}, true, err
		}
		outcome, err = s.provision(ctx, order, plan)
	}
	if err != nil {
		return SweepItem{}, true, err
	}
	return SweepItem{OrderID: order.ID, Outcome: outcome.Outcome, Reason: outcome.Reason}, true, nil
}

func (s *service) exhaust(ctx context.Context, order *models.Order) (*OrderOutcome, error) {
	if err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return s.audit.Record(ctx, tx, audit.Entry{
			AgentID:     order.AgentID,
			OrderID:     order.ID,
			Action:      enums.AuditActionRetryExhausted,
			Outcome:     enums.AuditOutcomeFailed,
			ReferenceID: order.ID.String(),
			Details:     map[string]any{"retry_count": order.RetryCount, "max_retries": s.cfg.MaxRetries},
		})
	}); err != nil {
		return nil, err
	}
	machine := NewMachine(order.Status)
	if err := machine.To(StateProvisioning); err != nil {
		return nil, err
	}
	s.metrics.ObserveOutcome(string(order.Supplier), suppliers.Outcome(suppliers.Failed{}), 0)
	return s.fail(ctx, machine, order, ReasonRetryExhausted, pkgerrors.CodeSupplierFailed)
}

func (s *service) TopUp(ctx context.Context, input TopUpInput) (*TopupOutcome, error) {
	if _, err := agents.RequireApproved(ctx, s.agents, input.AgentID); err != nil {
		return nil, err
	}
	iccid := strings.TrimSpace(input.ICCID)
	if iccid == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "iccid is required")
	}
	if input.PlanID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan id is required")
	}
	order, err := s.orders.FindCompletedByICCIDForAgent(ctx, input.AgentID, iccid)
	if err != nil {
		return nil, err
	}
	plan, err := s.plans.FindActive(ctx, input.PlanID)
	if err != nil {
		return nil, err
	}
	if plan.Supplier != order.Supplier {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan is not offered by the eSIM's supplier")
	}
	adapter, err := s.adapters.Get(plan.Supplier)
	if err != nil {
		return nil, err
	}

	wholesale, err := adapter.CurrentPrice(ctx, plan.SupplierPlanCode)
	if err != nil {
		if pkgerrors.As(err) != nil {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch current supplier price")
	}
	quote, err := s.pricing.Resolve(ctx, pricing.ResolveInput{AgentID: input.AgentID, Plan: *plan, Wholesale: &wholesale})
	if err != nil {
		return nil, err
	}

	orderID := order.ID
	topup := &models.Topup{
		ID:             uuid.New(),
		AgentID:        input.AgentID,
		OrderID:        &orderID,
		ICCID:          iccid,
		PlanID:         plan.ID,
		Supplier:       plan.Supplier,
		WholesalePrice: quote.Wholesale,
		RetailPrice:    quote.Retail,
		Status:         enums.TopupStatusPending,
	}
	var balance decimal.Decimal
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		res, err := s.ledger.DebitTx(ctx, tx, ledger.Entry{
			AgentID:     input.AgentID,
			Type:        enums.WalletTxPurchase,
			Amount:      quote.Retail,
			Description: fmt.Sprintf("Top-up %s for %s", planLabel(plan), iccid),
			ReferenceID: topup.ID.String(),
		})
		if err != nil {
			return err
		}
		balance = res.Balance
		if err := s.orders.WithTx(tx).CreateTopup(ctx, topup); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create topup")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out, err := s.attemptTopup(ctx, order, topup, plan.SupplierPlanCode)
	if err != nil {
		return nil, err
	}
	out.Balance = balance
	if out.Refunded {
		out.Balance = balance.Add(topup.RetailPrice)
	}
	return out, nil
}

// attemptTopup sends the top-up to the supplier and persists the classified
// result. Every attempt passes the top-up id as the supplier reference.
func (s *service) attemptTopup(ctx context.Context, order *models.Order, topup *models.Topup, planCode string) (*TopupOutcome, error) {
	ctx = context.WithoutCancel(ctx)
	var (
		ack     *suppliers.TopupResult
		result  suppliers.Result
		elapsed time.Duration
	)
	adapter, err := s.adapters.Get(topup.Supplier)
	if err != nil {
		result = suppliers.Classify(err)
	} else {
		attemptCtx, cancel := s.attemptContext(ctx)
		started := time.Now()
		var topErr error
		ack, topErr = adapter.TopUp(attemptCtx, topup.ICCID, planCode, topup.ID.String())
		elapsed = time.Since(started)
		cancel()
		result = suppliers.Completed{}
		if topErr != nil {
			result = suppliers.Classify(topErr)
		}
	}
	s.metrics.ObserveOutcome(string(topup.Supplier), "topup_"+suppliers.Outcome(result), elapsed)

	out := &TopupOutcome{Outcome: suppliers.Outcome(result)}
	switch r := result.(type) {
	case suppliers.Completed:
		err = s.settleTopup(ctx, order, topup, ack)
	case suppliers.Failed:
		out.Reason = r.Reason
		out.Refunded, err = s.failTopup(ctx, order, topup, r)
	case suppliers.Pending:
		out.Reason = r.Reason
		err = s.parkTopup(ctx, order, topup, r.Reason)
	}
	if err != nil {
		return nil, err
	}
	if out.Topup, err = s.orders.FindTopup(ctx, topup.ID); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *service) retryTopup(ctx context.Context, row models.Topup) (SweepItem, bool, error) {
	claimed, err := s.orders.ClaimTopupRetry(ctx, row.ID, s.now())
	if err != nil {
		return SweepItem{}, false, err
	}
	if !claimed {
		return topupItem(row, "skipped", "claimed elsewhere"), false, nil
	}
	topup, err := s.orders.FindTopup(ctx, row.ID)
	if err != nil {
		return SweepItem{}, true, err
	}
	order, err := s.topupOrder(ctx, topup)
	if err != nil {
		return SweepItem{}, true, err
	}

	var out *TopupOutcome
	if topup.RetryCount > s.cfg.MaxRetries {
		out, err = s.exhaustTopup(ctx, order, topup)
	} else {
		var plan *models.Plan
		plan, err = s.plans.FindByID(ctx, topup.PlanID)
		if err != nil {
			return SweepItem{}, true, err
		}
		out, err = s.attemptTopup(ctx, order, topup, plan.SupplierPlanCode)
	}
	if err != nil {
		return SweepItem{}, true, err
	}
	item := topupItem(*topup, out.Outcome, out.Reason)
	item.OrderID = order.ID
	return item, true, nil
}

// topupOrder loads the order a top-up was applied to. The link is cleared if
// the order row is ever deleted; the ICCID still identifies it.
func (s *service) topupOrder(ctx context.Context, topup *models.Topup) (*models.Order, error) {
	if topup.OrderID != nil {
		return s.orders.FindByID(ctx, *topup.OrderID)
	}
	return s.orders.FindCompletedByICCIDForAgent(ctx, topup.AgentID, topup.ICCID)
}

func (s *service) exhaustTopup(ctx context.Context, order *models.Order, topup *models.Topup) (*TopupOutcome, error) {
	if err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return s.audit.Record(ctx, tx, audit.Entry{
			AgentID:     topup.AgentID,
			OrderID:     order.ID,
			Action:      enums.AuditActionRetryExhausted,
			Outcome:     enums.AuditOutcomeFailed,
			ReferenceID: topup.ID.String(),
			Details: map[string]any{
				"topup_id":    topup.ID.String(),
				"retry_count": topup.RetryCount,
				"max_retries": s.cfg.MaxRetries,
			},
		})
	}); err != nil {
		return nil, err
	}
	s.metrics.ObserveOutcome(string(topup.Supplier), "topup_"+suppliers.Outcome(suppliers.Failed{}), 0)
	failed := suppliers.Failed{Reason: ReasonRetryExhausted, Code: pkgerrors.CodeSupplierFailed}
	refunded, err := s.failTopup(ctx, order, topup, failed)
	if err != nil {
		return nil, err
	}
	out := &TopupOutcome{Outcome: suppliers.Outcome(failed), Reason: failed.Reason, Refunded: refunded}
	if out.Topup, err = s.orders.FindTopup(ctx, topup.ID); err != nil {
		return nil, err
	}
	return out, nil
}

func topupItem(topup models.Topup, outcome, reason string) SweepItem {
	id := topup.ID
	item := SweepItem{TopupID: &id, Outcome: outcome, Reason: reason}
	if topup.OrderID != nil {
		item.OrderID = *topup.OrderID
	}
	return item
}

func (s *service) settleTopup(ctx context.Context, order *models.Order, topup *models.Topup, ack *suppliers.TopupResult) error {
	reference := topup.ID.String()
	if ack != nil && ack.Reference != "" {
		reference = ack.Reference
	}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.orders.WithTx(tx).UpdateTopup(ctx, topup.ID, map[string]any{
			"status":             enums.TopupStatusCompleted,
			"supplier_reference": reference,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update topup")
		}
		if err := s.recordClassification(ctx, tx, order, enums.AuditOutcomeCompleted, map[string]any{
			"topup_id": topup.ID.String(),
			"supplier": string(topup.Supplier),
		}); err != nil {
			return err
		}
		return s.emit(ctx, tx, order, enums.EventTopupCompleted, enums.AggregateTopup, topup.ID, topupEvent(topup, enums.TopupStatusCompleted, ""))
	})
	if err != nil {
		s.logg.Error(s.logg.WithOrderID(ctx, order.ID.String()), "persist completed topup", err)
		return err
	}
	s.logg.Info(s.logg.WithField(s.logg.WithOrderID(ctx, order.ID.String()), "topup_id", topup.ID.String()), "topup applied")
	return nil
}

func (s *service) failTopup(ctx context.Context, order *models.Order, topup *models.Topup, failed suppliers.Failed) (bool, error) {
	refunded := false
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.orders.WithTx(tx).UpdateTopup(ctx, topup.ID, map[string]any{
			"status":      enums.TopupStatusFailed,
			"real_status": failed.Reason,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update topup")
		}
		if err := s.recordClassification(ctx, tx, order, enums.AuditOutcomeFailed, map[string]any{
			"topup_id": topup.ID.String(),
			"reason":   failed.Reason,
			"code":     string(failed.Code),
		}); err != nil {
			return err
		}
		var err error
		refunded, err = s.refund(ctx, tx, topup.AgentID, order.ID, topup.ID, topup.RetailPrice, "Refund for top-up "+topup.ID.String())
		if err != nil {
			return err
		}
		return s.emit(ctx, tx, order, enums.EventTopupFailed, enums.AggregateTopup, topup.ID, topupEvent(topup, enums.TopupStatusFailed, failed.Reason))
	})
	if err != nil {
		s.logg.Error(s.logg.WithOrderID(ctx, order.ID.String()), "persist failed topup", err)
		return false, err
	}
	s.logg.Warn(s.logg.WithFields(s.logg.WithOrderID(ctx, order.ID.String()), map[string]any{
		"topup_id": topup.ID.String(),
		"reason":   failed.Reason,
	}), "topup failed at supplier")
	return refunded, nil
}

func (s *service) parkTopup(ctx context.Context, order *models.Order, topup *models.Topup, reason string) error {
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.orders.WithTx(tx).UpdateTopup(ctx, topup.ID, map[string]any{
			"real_status": models.RetryScheduledMarker,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update topup")
		}
		return s.recordClassification(ctx, tx, order, enums.AuditOutcomePending, map[string]any{
			"topup_id":    topup.ID.String(),
			"reason":      reason,
			"retry_count": topup.RetryCount,
		})
	})
}

func topupEvent(topup *models.Topup, status enums.TopupStatus, reason string) payloads.TopupSettledEvent {
	return payloads.TopupSettledEvent{
		TopupID:     topup.ID,
		AgentID:     topup.AgentID,
		ICCID:       topup.ICCID,
		Supplier:    topup.Supplier,
		Status:      status,
		RetailPrice: topup.RetailPrice,
		Reason:      reason,
	}
}

func purchaseDescription(plan *models.Plan) string {
	return "eSIM purchase: " + planLabel(plan)
}

func planLabel(plan *models.Plan) string {
	label := strings.TrimSpace(plan.Name)
	if label == "" {
		label = strings.TrimSpace(strings.Join([]string{plan.CountryCode, plan.DataAmount}, " "))
	}
	if label == "" {
		label = plan.SupplierPlanCode
	}
	return label
}

func setIfPresent(updates map[string]any, column, value string) {
	if v := strings.TrimSpace(value); v != "" {
		updates[column] = v
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
