package reconciliation

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/esimhub-backend/internal/orders"
	"github.com/angelmondragon/esimhub-backend/internal/plans"
	"github.com/angelmondragon/esimhub-backend/internal/suppliers"
	"github.com/angelmondragon/esimhub-backend/pkg/db/dbtest"
	"github.com/angelmondragon/esimhub-backend/pkg/db/models"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
	"github.com/angelmondragon/esimhub-backend/pkg/metrics"
	"github.com/angelmondragon/esimhub-backend/pkg/outbox"
)

type statusAdapter struct {
	supplier enums.Supplier
	status   any
	calls    int
}

func (a *statusAdapter) Supplier() enums.Supplier { return a.supplier }

func (a *statusAdapter) PlaceOrder(context.Context, models.Plan, uuid.UUID) (*suppliers.Handle, error) {
	return nil, pkgerrors.New(pkgerrors.CodeInternal, "not used")
}

func (a *statusAdapter) PollForProvisioning(context.Context, suppliers.Handle) suppliers.Result {
	return suppliers.Failed{Reason: "not used"}
}

func (a *statusAdapter) GetStatus(_ context.Context, iccid string) (*suppliers.RemoteStatus, error) {
	a.calls++
	return &suppliers.RemoteStatus{Supplier: a.supplier, ICCID: iccid, Status: a.status}, nil
}

func (a *statusAdapter) TopUp(context.Context, string, string, string) (*suppliers.TopupResult, error) {
	return nil, pkgerrors.New(pkgerrors.CodeInternal, "not used")
}

func (a *statusAdapter) CurrentPrice(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type harness struct {
	svc    *service
	conn   *gorm.DB
	orders orders.Repository
	a      *statusAdapter
	b      *statusAdapter
	now    time.Time
	planID uuid.UUID
}

func newHarness(t *testing.T, batch int) *harness {
	t.Helper()
	client, conn := dbtest.Client(t)
	logg := logger.New(logger.Options{ServiceName: "reconciliation-test", Output: io.Discard})
	a := &statusAdapter{supplier: enums.SupplierA, status: "IN_USE"}
	b := &statusAdapter{supplier: enums.SupplierB}
	registry, err := suppliers.NewRegistry(a, b)
	require.NoError(t, err)

	plan := models.Plan{
		Supplier:         enums.SupplierA,
		SupplierPlanCode: "JP_5_15",
		CountryCode:      "JP",
		ValidityDays:     15,
		WholesalePrice:   decimal.RequireFromString("9.00"),
		Active:           true,
	}
	require.NoError(t, conn.Create(&plan).Error)

	h := &harness{conn: conn, orders: orders.NewRepository(conn), a: a, b: b, planID: plan.ID}
	h.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, err := NewService(ServiceParams{
		Tx:        client,
		Orders:    h.orders,
		Plans:     plans.NewRepository(conn),
		Adapters:  registry,
		Outbox:    outbox.NewService(outbox.NewRepository(conn), logg),
		Metrics:   metrics.NewReconciliationMetrics(prometheus.NewRegistry()),
		Logger:    logg,
		BatchSize: batch,
		Now:       func() time.Time { return h.now },
	})
	require.NoError(t, err)
	h.svc = svc.(*service)
	return h
}

func (h *harness) completedOrder(t *testing.T, supplier enums.Supplier, iccid, display string) *models.Order {
	t.Helper()
	order := &models.Order{
		AgentID:        uuid.New(),
		PlanID:         h.planID,
		Supplier:       supplier,
		WholesalePrice: decimal.RequireFromString("9.00"),
		RetailPrice:    decimal.RequireFromString("36.00"),
		Status:         enums.OrderStatusCompleted,
		ICCID:          &iccid,
	}
	if display != "" {
		order.DisplayStatus = &display
	}
	require.NoError(t, h.orders.Create(context.Background(), order))
	return order
}

func (h *harness) countEvents(t *testing.T, eventType enums.OutboxEventType) int64 {
	t.Helper()
	var count int64
	require.NoError(t, h.conn.Model(&models.OutboxEvent{}).Where("event_type = ?", eventType).Count(&count).Error)
	return count
}

func TestSyncPersistsChangeOnce(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	order := h.completedOrder(t, enums.SupplierA, "8981100000000000001", "GOT_RESOURCE")

	first, err := h.svc.SyncByICCID(ctx, "8981100000000000001", enums.StatusSourceManual)
	require.NoError(t, err)
	assert.True(t, first.Changed)
	require.NotNil(t, first.Order.DisplayStatus)
	assert.Equal(t, "IN_USE", *first.Order.DisplayStatus)
	assert.True(t, first.Order.IsActive)
	require.NotNil(t, first.Order.ExpiresAt)
	assert.True(t, first.Order.ExpiresAt.Equal(h.now.AddDate(0, 0, 15)))

	h.now = h.now.Add(48 * time.Hour)
	second, err := h.svc.SyncByICCID(ctx, "8981100000000000001", enums.StatusSourcePoll)
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.True(t, second.Order.ExpiresAt.Equal(first.Order.ExpiresAt.UTC()))

	events, err := h.orders.ListStatusEvents(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, enums.StatusSourceManual, events[0].Source)
	assert.Equal(t, int64(1), h.countEvents(t, enums.EventOrderStatusChanged))
}

func TestSyncDoesNotStartValidityBeforeActivation(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	h.a.status = "RELEASED"
	h.completedOrder(t, enums.SupplierA, "8981100000000000002", "")

	res, err := h.svc.SyncByICCID(ctx, "8981100000000000002", enums.StatusSourcePoll)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Nil(t, res.Order.ExpiresAt)
	assert.False(t, res.Order.IsConnected)
	require.NotNil(t, res.Order.RealStatus)
	assert.Equal(t, "RELEASED", *res.Order.RealStatus)
}

func TestConcurrentDeliveriesRecordOneEvent(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	order := h.completedOrder(t, enums.SupplierA, "8981100000000000003", "GOT_RESOURCE")
	stale, err := h.orders.FindByID(ctx, order.ID)
	require.NoError(t, err)

	status := NormalizeSupplierA("IN_USE")
	first, err := h.svc.apply(ctx, stale, status, "IN_USE", nil, enums.StatusSourcePoll)
	require.NoError(t, err)
	second, err := h.svc.apply(ctx, stale, status, "IN_USE", nil, enums.StatusSourceWebhook)
	require.NoError(t, err)

	assert.True(t, first.Changed)
	assert.False(t, second.Changed)
	events, err := h.orders.ListStatusEvents(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, int64(1), h.countEvents(t, enums.EventOrderStatusChanged))
}

func TestStatusThatReturnsIsRecordedAgain(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	order := h.completedOrder(t, enums.SupplierA, "8981100000000000004", "GOT_RESOURCE")

	for _, status := range []string{"IN_USE", "SUSPENDED", "IN_USE"} {
		h.a.status = status
		h.now = h.now.Add(time.Hour)
		res, err := h.svc.SyncByICCID(ctx, "8981100000000000004", enums.StatusSourcePoll)
		require.NoError(t, err)
		assert.True(t, res.Changed, status)
	}

	events, err := h.orders.ListStatusEvents(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestHandleWebhookNormalizesSupplierBPayload(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	h.completedOrder(t, enums.SupplierB, "8944000000000000005", DisplayNotActive)
	raw := json.RawMessage(`{"iccid":"8944000000000000005","state":"IN_USE","network_status":"ENABLED"}`)

	res, err := h.svc.HandleWebhook(ctx, WebhookInput{
		Supplier: enums.SupplierB,
		ICCID:    "8944000000000000005",
		Status:   raw,
		Raw:      raw,
	})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, DisplayEnabled, res.Status.DisplayStatus)
	assert.JSONEq(t, string(raw), string(res.Order.StatusPayload))
	assert.Zero(t, h.b.calls)

	_, err = h.svc.HandleWebhook(ctx, WebhookInput{Supplier: enums.SupplierA, ICCID: "8944000000000000005", Status: "IN_USE"})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))

	_, err = h.svc.HandleWebhook(ctx, WebhookInput{Supplier: enums.SupplierB, ICCID: "0000"})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))
}

func TestSweepVisitsLeastRecentlyCheckedFirst(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	iccids := []string{"8981100000000000011", "8981100000000000012", "8981100000000000013"}
	for _, iccid := range iccids {
		h.completedOrder(t, enums.SupplierA, iccid, "GOT_RESOURCE")
	}
	h.completedOrder(t, enums.SupplierB, "8944000000000000014", DisplayNotActive)

	first, err := h.svc.Sweep(ctx, enums.SupplierA, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Checked)
	assert.Equal(t, 2, first.Changed)

	// A fresh instance, as after a restart, picks up the order never checked.
	h.now = h.now.Add(time.Minute)
	restarted, err := NewService(ServiceParams{
		Tx:       h.svc.tx,
		Orders:   h.orders,
		Plans:    h.svc.plans,
		Adapters: h.svc.adapters,
		Outbox:   h.svc.outbox,
		Logger:   h.svc.logg,
		Now:      func() time.Time { return h.now },
	})
	require.NoError(t, err)
	second, err := restarted.Sweep(ctx, enums.SupplierA, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Checked)
	assert.Equal(t, 1, second.Changed)

	for _, iccid := range iccids {
		order, err := h.orders.FindByICCID(ctx, iccid)
		require.NoError(t, err)
		require.NotNil(t, order.StatusCheckedAt, iccid)
		require.NotNil(t, order.DisplayStatus)
		assert.Equal(t, "IN_USE", *order.DisplayStatus, iccid)
	}

	h.now = h.now.Add(time.Minute)
	third, err := h.svc.Sweep(ctx, enums.SupplierA, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, third.Checked)
	assert.Zero(t, third.Changed)
	assert.Equal(t, 6, h.a.calls)
	assert.Zero(t, h.b.calls)

	_, err = h.svc.Sweep(ctx, enums.Supplier("unknown"), 1)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
}
