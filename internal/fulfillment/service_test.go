package fulfillment

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/esimhub-backend/internal/agents"
	"github.com/angelmondragon/esimhub-backend/internal/audit"
	"github.com/angelmondragon/esimhub-backend/internal/ledger"
	"github.com/angelmondragon/esimhub-backend/internal/orders"
	"github.com/angelmondragon/esimhub-backend/internal/plans"
	"github.com/angelmondragon/esimhub-backend/internal/pricing"
	"github.com/angelmondragon/esimhub-backend/internal/suppliers"
	"github.com/angelmondragon/esimhub-backend/pkg/db/dbtest"
	"github.com/angelmondragon/esimhub-backend/pkg/db/models"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
	"github.com/angelmondragon/esimhub-backend/pkg/metrics"
	"github.com/angelmondragon/esimhub-backend/pkg/outbox"
)

type fakeAdapter struct {
	results  []suppliers.Result
	placeErr error
	places   int
	polls    int
	price    decimal.Decimal
	topupErr error
	topups   int
}

func (f *fakeAdapter) Supplier() enums.Supplier { return enums.SupplierA }

func (f *fakeAdapter) PlaceOrder(_ context.Context, _ models.Plan, orderID uuid.UUID) (*suppliers.Handle, error) {
	f.places++
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	return &suppliers.Handle{Supplier: enums.SupplierA, OrderID: orderID, SupplierOrderID: "B-1"}, nil
}

func (f *fakeAdapter) PollForProvisioning(context.Context, suppliers.Handle) suppliers.Result {
	idx := f.polls
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	f.polls++
	return f.results[idx]
}

func (f *fakeAdapter) GetStatus(_ context.Context, iccid string) (*suppliers.RemoteStatus, error) {
	return &suppliers.RemoteStatus{Supplier: enums.SupplierA, ICCID: iccid, Status: "IN_USE"}, nil
}

func (f *fakeAdapter) TopUp(_ context.Context, _, _, reference string) (*suppliers.TopupResult, error) {
	f.topups++
	if f.topupErr != nil {
		return nil, f.topupErr
	}
	return &suppliers.TopupResult{Reference: "TP-" + reference[:8]}, nil
}

func (f *fakeAdapter) CurrentPrice(context.Context, string) (decimal.Decimal, error) {
	return f.price, nil
}

type harness struct {
	svc     Service
	conn    *gorm.DB
	ledger  ledger.Service
	audit   *audit.Service
	orders  orders.Repository
	adapter *fakeAdapter
	sleeps  int
}

func newHarness(t *testing.T, results ...suppliers.Result) *harness {
	t.Helper()
	client, conn := dbtest.Client(t)
	logg := logger.New(logger.Options{ServiceName: "fulfillment-test", Output: io.Discard})
	recorder, err := audit.NewService(conn, logg)
	require.NoError(t, err)
	publisher := outbox.NewService(outbox.NewRepository(conn), logg)
	ledgerSvc, err := ledger.NewService(client, ledger.NewRepository(conn), recorder, publisher, logg)
	require.NoError(t, err)
	resolver, err := pricing.NewResolver(pricing.NewRepository(conn), decimal.NewFromInt(300))
	require.NoError(t, err)

	adapter := &fakeAdapter{results: results, price: decimal.RequireFromString("12.00")}
	registry, err := suppliers.NewRegistry(adapter)
	require.NoError(t, err)

	h := &harness{conn: conn, ledger: ledgerSvc, audit: recorder, orders: orders.NewRepository(conn), adapter: adapter}
	svc, err := NewService(ServiceParams{
		Tx:       client,
		Orders:   h.orders,
		Plans:    plans.NewRepository(conn),
		Agents:   agents.NewRepository(conn),
		Ledger:   ledgerSvc,
		Pricing:  resolver,
		Adapters: registry,
		Audit:    recorder,
		Outbox:   publisher,
		Metrics:  metrics.NewFulfillmentMetrics(prometheus.NewRegistry()),
		Logger:   logg,
		Config:   Config{MaxRetries: 2},
		Sleep: func(context.Context, time.Duration) error {
			h.sleeps++
			return nil
		},
	})
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) seedAgent(t *testing.T, status enums.AgentStatus, deposit string) uuid.UUID {
	t.Helper()
	agent := models.Agent{Name: "Roam Travel", Email: "ops@roam.example", Status: status}
	require.NoError(t, h.conn.Create(&agent).Error)
	_, err := h.ledger.Credit(context.Background(), ledger.Entry{
		AgentID:     agent.ID,
		Type:        enums.WalletTxDeposit,
		Amount:      decimal.RequireFromString(deposit),
		ReferenceID: "cs_seed_" + agent.ID.String(),
	})
	require.NoError(t, err)
	return agent.ID
}

// seedPlan stores a plan priced at $7.50 wholesale, $30.00 with the default markup.
func (h *harness) seedPlan(t *testing.T) uuid.UUID {
	t.Helper()
	plan := models.Plan{
		Supplier:         enums.SupplierA,
		SupplierPlanCode: "JP_5_30",
		Name:             "Japan 5GB",
		CountryCode:      "JP",
		ValidityDays:     30,
		WholesalePrice:   decimal.RequireFromString("7.50"),
		Active:           true,
	}
	require.NoError(t, h.conn.Create(&plan).Error)
	return plan.ID
}

func (h *harness) balance(t *testing.T, agentID uuid.UUID) string {
	t.Helper()
	balance, err := h.ledger.Balance(context.Background(), agentID)
	require.NoError(t, err)
	return balance.StringFixed(2)
}

func providerBusy() error {
	return pkgerrors.New(pkgerrors.CodeSupplierPending, "busy").
		WithDetails(map[string]any{"reason": suppliers.ReasonProviderBusy})
}

func completedProfile() suppliers.Completed {
	return suppliers.Completed{Profile: suppliers.EsimProfile{
		ICCID:           "8988000000000000001",
		ActivationCode:  "LPA:1$smdp.example$M-1",
		ManualCode:      "M-1",
		SMDPAddress:     "smdp.example",
		SupplierOrderID: "B-1",
		Status:          "GOT_RESOURCE",
	}}
}

func TestPurchaseRefundsOnFailure(t *testing.T) {
	h := newHarness(t, suppliers.Failed{Reason: "package sold out", Code: pkgerrors.CodeSupplierFailed})
	ctx := context.Background()
	agentID := h.seedAgent(t, enums.AgentStatusApproved, "50.00")
	planID := h.seedPlan(t)

	out, err := h.svc.Purchase(ctx, PurchaseInput{AgentID: agentID, PlanID: planID, Customer: Customer{Name: "Ana", Email: "ana@example.com"}})
	require.NoError(t, err)
	assert.Equal(t, "failed", out.Outcome)
	assert.True(t, out.Refunded)
	assert.Equal(t, enums.OrderStatusFailed, out.Order.Status)
	require.NotNil(t, out.Order.RealStatus)
	assert.Equal(t, "package sold out", *out.Order.RealStatus)
	assert.Equal(t, "30.00", out.Order.RetailPrice.StringFixed(2))
	assert.Equal(t, "50.00", h.balance(t, agentID))

	txns, err := h.ledger.TransactionsForReference(ctx, out.Order.ID.String())
	require.NoError(t, err)
	require.Len(t, txns, 2)

	again, err := h.ledger.Refund(ctx, agentID, out.Order.ID, out.Order.RetailPrice, "")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	txns, err = h.ledger.TransactionsForReference(ctx, out.Order.ID.String())
	require.NoError(t, err)
	assert.Len(t, txns, 2)

	refunds, err := h.audit.CountByAction(ctx, out.Order.ID, enums.AuditActionRefund)
	require.NoError(t, err)
	assert.Equal(t, int64(1), refunds)
	classifications, err := h.audit.CountByAction(ctx, out.Order.ID, enums.AuditActionClassification)
	require.NoError(t, err)
	assert.Equal(t, int64(1), classifications)

	report, err := h.ledger.VerifyConservation(ctx, agentID)
	require.NoError(t, err)
	assert.True(t, report.Balanced)
}

func TestUpstreamAuthFailureIsAudited(t *testing.T) {
	h := newHarness(t, suppliers.Failed{Reason: "upstream_auth: bad key", Code: pkgerrors.CodeUpstreamAuth})
	ctx := context.Background()
	agentID := h.seedAgent(t, enums.AgentStatusApproved, "50.00")

	out, err := h.svc.Purchase(ctx, PurchaseInput{AgentID: agentID, PlanID: h.seedPlan(t)})
	require.NoError(t, err)
	assert.Equal(t, "failed", out.Outcome)
	assert.Equal(t, "50.00", h.balance(t, agentID))

	count, err := h.audit.CountByAction(ctx, out.Order.ID, enums.AuditActionUpstreamAuth)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRetrySweepCompletesParkedOrder(t *testing.T) {
	h := newHarness(t, suppliers.Pending{Reason: suppliers.ReasonProviderBusy}, completedProfile())
	ctx := context.Background()
	agentID := h.seedAgent(t, enums.AgentStatusApproved, "50.00")

	out, err := h.svc.Purchase(ctx, PurchaseInput{AgentID: agentID, PlanID: h.seedPlan(t)})
	require.NoError(t, err)
	assert.Equal(t, "pending", out.Outcome)
	assert.Equal(t, suppliers.ReasonProviderBusy, out.Reason)
	assert.True(t, out.Order.RetryScheduled())
	assert.Equal(t, "20.00", h.balance(t, agentID))

	sweep, err := h.svc.RetrySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Processed)
	require.Len(t, sweep.Results, 1)
	assert.Equal(t, "completed", sweep.Results[0].Outcome)

	order, err := h.orders.FindByID(ctx, out.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCompleted, order.Status)
	require.NotNil(t, order.ICCID)
	assert.Equal(t, "8988000000000000001", *order.ICCID)
	assert.Equal(t, 1, order.RetryCount)
	assert.False(t, order.RetryScheduled())
	assert.NotNil(t, order.ProvisionedAt)
	assert.Nil(t, order.ExpiresAt)

	assert.Equal(t, "20.00", h.balance(t, agentID))
	txns, err := h.ledger.TransactionsForReference(ctx, order.ID.String())
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, enums.WalletTxPurchase, txns[0].Type)

	events, err := h.orders.ListStatusEvents(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, enums.StatusSourceProvision, events[0].Source)

	empty, err := h.svc.RetrySweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.Processed)
}

func TestRetrySweepFailsOrderAfterMaxRetries(t *testing.T) {
	h := newHarness(t, completedProfile())
	h.adapter.placeErr = providerBusy()
	ctx := context.Background()
	agentID := h.seedAgent(t, enums.AgentStatusApproved, "50.00")

	out, err := h.svc.Purchase(ctx, PurchaseInput{AgentID: agentID, PlanID: h.seedPlan(t)})
	require.NoError(t, err)
	require.Equal(t, "pending", out.Outcome)

	for i := 0; i < 2; i++ {
		sweep, err := h.svc.RetrySweep(ctx)
		require.NoError(t, err)
		require.Len(t, sweep.Results, 1)
		assert.Equal(t, "pending", sweep.Results[0].Outcome)
	}
	sweep, err := h.svc.RetrySweep(ctx)
	require.NoError(t, err)
	require.Len(t, sweep.Results, 1)
	assert.Equal(t, "failed", sweep.Results[0].Outcome)
	assert.Equal(t, ReasonRetryExhausted, sweep.Results[0].Reason)

	assert.Equal(t, 3, h.adapter.places)
	assert.Zero(t, h.adapter.polls)
	assert.Equal(t, "50.00", h.balance(t, agentID))
	exhausted, err := h.audit.CountByAction(ctx, out.Order.ID, enums.AuditActionRetryExhausted)
	require.NoError(t, err)
	assert.Equal(t, int64(1), exhausted)
}

func TestRetrySweepPollsAcceptedOrderWithoutPlacingAgain(t *testing.T) {
	h := newHarness(t,
		suppliers.Pending{Reason: suppliers.ReasonProvisioningTimeout},
		suppliers.Pending{Reason: suppliers.ReasonProvisioningTimeout},
		completedProfile(),
	)
	ctx := context.Background()
	agentID := h.seedAgent(t, enums.AgentStatusApproved, "50.00")

	out, err := h.svc.Purchase(ctx, PurchaseInput{AgentID: agentID, PlanID: h.seedPlan(t)})
	require.NoError(t, err)
	require.Equal(t, "pending", out.Outcome)
	require.NotNil(t, out.Order.SupplierOrderID)
	assert.Equal(t, "B-1", *out.Order.SupplierOrderID)

	for _, want := range []string{"pending", "completed"} {
		sweep, err := h.svc.RetrySweep(ctx)
		require.NoError(t, err)
		require.Len(t, sweep.Results, 1)
		assert.Equal(t, want, sweep.Results[0].Outcome)
	}

	assert.Equal(t, 1, h.adapter.places)
	assert.Equal(t, 3, h.adapter.polls)
	order, err := h.orders.FindByID(ctx, out.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCompleted, order.Status)
	assert.Equal(t, 2, order.RetryCount)
	assert.Equal(t, "20.00", h.balance(t, agentID))
}

func TestRetrySweepDelaysBetweenOrders(t *testing.T) {
	h := newHarness(t, suppliers.Pending{Reason: suppliers.ReasonProviderBusy})
	ctx := context.Background()
	agentID := h.seedAgent(t, enums.AgentStatusApproved, "100.00")
	planID := h.seedPlan(t)

	for i := 0; i < 3; i++ {
		_, err := h.svc.Purchase(ctx, PurchaseInput{AgentID: agentID, PlanID: planID})
		require.NoError(t, err)
	}
	sweep, err := h.svc.RetrySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sweep.Processed)
	assert.Equal(t, 2, h.sleeps)
}

func TestPurchaseInsufficientFundsLeavesNoOrder(t *testing.T) {
	h := newHarness(t, completedProfile())
	ctx := context.Background()
	agentID := h.seedAgent(t, enums.AgentStatusApproved, "20.00")

	_, err := h.svc.Purchase(ctx, PurchaseInput{AgentID: agentID, PlanID: h.seedPlan(t)})
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeInsufficientFunds, typed.Code())

	var count int64
	require.NoError(t, h.conn.Model(&models.Order{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Zero(t, h.adapter.places)
	assert.Equal(t, "20.00", h.balance(t, agentID))
}

func TestPurchaseRejectsUnapprovedAgent(t *testing.T) {
	h := newHarness(t, completedProfile())
	agentID := h.seedAgent(t, enums.AgentStatusSuspended, "50.00")

	_, err := h.svc.Purchase(context.Background(), PurchaseInput{AgentID: agentID, PlanID: h.seedPlan(t)})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeForbidden))
	assert.Zero(t, h.adapter.places)
}

func TestProvisionOrderIsIdempotentOnceCompleted(t *testing.T) {
	h := newHarness(t, completedProfile())
	ctx := context.Background()
	agentID := h.seedAgent(t, enums.AgentStatusApproved, "50.00")
	planID := h.seedPlan(t)

	order := &models.Order{
		AgentID:        agentID,
		PlanID:         planID,
		Supplier:       enums.SupplierA,
		WholesalePrice: decimal.RequireFromString("7.50"),
		RetailPrice:    decimal.RequireFromString("30.00"),
		Status:         enums.OrderStatusPending,
	}
	require.NoError(t, h.orders.Create(ctx, order))

	_, err := h.svc.ProvisionOrder(ctx, ProvisionInput{OrderID: order.ID, PlanID: uuid.New()})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))

	first, err := h.svc.ProvisionOrder(ctx, ProvisionInput{OrderID: order.ID, PlanID: planID})
	require.NoError(t, err)
	assert.Equal(t, "completed", first.Outcome)

	second, err := h.svc.ProvisionOrder(ctx, ProvisionInput{OrderID: order.ID})
	require.NoError(t, err)
	assert.Equal(t, "completed", second.Outcome)
	assert.Equal(t, 1, h.adapter.places)
}

func TestTopUpRecomputesPriceFromSupplier(t *testing.T) {
	h := newHarness(t, completedProfile())
	ctx := context.Background()
	agentID := h.seedAgent(t, enums.AgentStatusApproved, "100.00")
	planID := h.seedPlan(t)

	purchase, err := h.svc.Purchase(ctx, PurchaseInput{AgentID: agentID, PlanID: planID})
	require.NoError(t, err)
	require.Equal(t, "completed", purchase.Outcome)
	assert.Equal(t, "70.00", h.balance(t, agentID))

	out, err := h.svc.TopUp(ctx, TopUpInput{AgentID: agentID, ICCID: *purchase.Order.ICCID, PlanID: planID})
	require.NoError(t, err)
	assert.Equal(t, "completed", out.Outcome)
	assert.Equal(t, enums.TopupStatusCompleted, out.Topup.Status)
	assert.Equal(t, "12.00", out.Topup.WholesalePrice.StringFixed(2))
	assert.Equal(t, "48.00", out.Topup.RetailPrice.StringFixed(2))
	assert.Equal(t, "22.00", out.Balance.StringFixed(2))
	assert.Equal(t, "22.00", h.balance(t, agentID))

	_, err = h.svc.TopUp(ctx, TopUpInput{AgentID: uuid.New(), ICCID: *purchase.Order.ICCID, PlanID: planID})
	assert.Error(t, err)
}

func TestTopUpRefundsOnSupplierFailure(t *testing.T) {
	h := newHarness(t, completedProfile())
	ctx := context.Background()
	agentID := h.seedAgent(t, enums.AgentStatusApproved, "100.00")
	planID := h.seedPlan(t)

	purchase, err := h.svc.Purchase(ctx, PurchaseInput{AgentID: agentID, PlanID: planID})
	require.NoError(t, err)

	h.adapter.topupErr = pkgerrors.New(pkgerrors.CodeSupplierFailed, "package not compatible")
	out, err := h.svc.TopUp(ctx, TopUpInput{AgentID: agentID, ICCID: *purchase.Order.ICCID, PlanID: planID})
	require.NoError(t, err)
	assert.Equal(t, "failed", out.Outcome)
	assert.True(t, out.Refunded)
	assert.Equal(t, enums.TopupStatusFailed, out.Topup.Status)
	assert.Equal(t, "70.00", out.Balance.StringFixed(2))
	assert.Equal(t, "70.00", h.balance(t, agentID))

	txns, err := h.ledger.TransactionsForReference(ctx, out.Topup.ID.String())
	require.NoError(t, err)
	assert.Len(t, txns, 2)
}

func TestTopUpPendingKeepsCharge(t *testing.T) {
	h := newHarness(t, completedProfile())
	ctx := context.Background()
	agentID := h.seedAgent(t, enums.AgentStatusApproved, "100.00")
	planID := h.seedPlan(t)

	purchase, err := h.svc.Purchase(ctx, PurchaseInput{AgentID: agentID, PlanID: planID})
	require.NoError(t, err)

	h.adapter.topupErr = providerBusy()
	out, err := h.svc.TopUp(ctx, TopUpInput{AgentID: agentID, ICCID: *purchase.Order.ICCID, PlanID: planID})
	require.NoError(t, err)
	assert.Equal(t, "pending", out.Outcome)
	assert.Equal(t, enums.TopupStatusPending, out.Topup.Status)
	require.NotNil(t, out.Topup.RealStatus)
	assert.Equal(t, models.RetryScheduledMarker, *out.Topup.RealStatus)
	assert.Equal(t, "22.00", h.balance(t, agentID))
}

func TestRetrySweepCompletesParkedTopup(t *testing.T) {
	h := newHarness(t, completedProfile())
	ctx := context.Background()
	agentID := h.seedAgent(t, enums.AgentStatusApproved, "100.00")
	planID := h.seedPlan(t)

	purchase, err := h.svc.Purchase(ctx, PurchaseInput{AgentID: agentID, PlanID: planID})
	require.NoError(t, err)

	h.adapter.topupErr = providerBusy()
	out, err := h.svc.TopUp(ctx, TopUpInput{AgentID: agentID, ICCID: *purchase.Order.ICCID, PlanID: planID})
	require.NoError(t, err)
	require.Equal(t, "pending", out.Outcome)
	assert.True(t, out.Topup.RetryScheduled())

	h.adapter.topupErr = nil
	sweep, err := h.svc.RetrySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Processed)
	require.Len(t, sweep.Results, 1)
	item := sweep.Results[0]
	require.NotNil(t, item.TopupID)
	assert.Equal(t, out.Topup.ID, *item.TopupID)
	assert.Equal(t, purchase.Order.ID, item.OrderID)
	assert.Equal(t, "completed", item.Outcome)

	topup, err := h.orders.FindTopup(ctx, out.Topup.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.TopupStatusCompleted, topup.Status)
	assert.Equal(t, 1, topup.RetryCount)
	assert.False(t, topup.RetryScheduled())
	require.NotNil(t, topup.SupplierReference)
	assert.Equal(t, "TP-"+topup.ID.String()[:8], *topup.SupplierReference)
	assert.Equal(t, 2, h.adapter.topups)
	assert.Equal(t, "22.00", h.balance(t, agentID))

	empty, err := h.svc.RetrySweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.Processed)
}

func TestRetrySweepRefundsTopupAfterMaxRetries(t *testing.T) {
	h := newHarness(t, completedProfile())
	ctx := context.Background()
	agentID := h.seedAgent(t, enums.AgentStatusApproved, "100.00")
	planID := h.seedPlan(t)

	purchase, err := h.svc.Purchase(ctx, PurchaseInput{AgentID: agentID, PlanID: planID})
	require.NoError(t, err)

	h.adapter.topupErr = providerBusy()
	out, err := h.svc.TopUp(ctx, TopUpInput{AgentID: agentID, ICCID: *purchase.Order.ICCID, PlanID: planID})
	require.NoError(t, err)
	require.Equal(t, "pending", out.Outcome)

	for i := 0; i < 2; i++ {
		sweep, err := h.svc.RetrySweep(ctx)
		require.NoError(t, err)
		require.Len(t, sweep.Results, 1)
		assert.Equal(t, "pending", sweep.Results[0].Outcome)
	}
	sweep, err := h.svc.RetrySweep(ctx)
	require.NoError(t, err)
	require.Len(t, sweep.Results, 1)
	assert.Equal(t, "failed", sweep.Results[0].Outcome)
	assert.Equal(t, ReasonRetryExhausted, sweep.Results[0].Reason)

	assert.Equal(t, 3, h.adapter.topups)
	assert.Equal(t, "70.00", h.balance(t, agentID))
	topup, err := h.orders.FindTopup(ctx, out.Topup.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.TopupStatusFailed, topup.Status)

	txns, err := h.ledger.TransactionsForReference(ctx, topup.ID.String())
	require.NoError(t, err)
	assert.Len(t, txns, 2)
	exhausted, err := h.audit.CountByAction(ctx, purchase.Order.ID, enums.AuditActionRetryExhausted)
	require.NoError(t, err)
	assert.Equal(t, int64(1), exhausted)

	report, err := h.ledger.VerifyConservation(ctx, agentID)
	require.NoError(t, err)
	assert.True(t, report.Balanced)
}

func TestMachineTransitions(t *testing.T) {
	m := NewMachine(enums.OrderStatusPending)
	require.NoError(t, m.To(StateProvisioning))
	require.NoError(t, m.To(StateFailed))
	require.NoError(t, m.To(StateRefunded))
	assert.Equal(t, enums.OrderStatusFailed, m.Persisted())
	assert.Equal(t, []State{StatePending, StateProvisioning, StateFailed, StateRefunded}, m.History())

	done := NewMachine(enums.OrderStatusCompleted)
	err := done.To(StateProvisioning)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeStateConflict))
}
