package reconciliation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/esimhub-backend/internal/orders"
	"github.com/angelmondragon/esimhub-backend/internal/plans"
	"github.com/angelmondragon/esimhub-backend/internal/suppliers"
	"github.com/angelmondragon/esimhub-backend/pkg/db/models"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
	"github.com/angelmondragon/esimhub-backend/pkg/metrics"
	"github.com/angelmondragon/esimhub-backend/pkg/outbox"
	"github.com/angelmondragon/esimhub-backend/pkg/outbox/payloads"
)

const defaultSweepBatch = 100

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type adapterSource interface {
	Get(supplier enums.Supplier) (suppliers.Adapter, error)
}

// Service synchronizes supplier status into orders.
type Service interface {
	SyncByICCID(ctx context.Context, iccid string, source enums.StatusSource) (*SyncResult, error)
	HandleWebhook(ctx context.Context, input WebhookInput) (*SyncResult, error)
	Sweep(ctx context.Context, supplier enums.Supplier, limit int) (*SweepResult, error)
}

// WebhookInput is a supplier push keyed by ICCID. Status is whatever the
// supplier's normalizer accepts.
type WebhookInput struct {
	Supplier enums.Supplier
	ICCID    string
	Status   any
	Raw      json.RawMessage
}

// SyncResult is the order after reconciliation.
type SyncResult struct {
	Order   *models.Order    `json:"order"`
	Status  NormalizedStatus `json:"status"`
	Changed bool             `json:"changed"`
}

type SweepResult struct {
	Supplier enums.Supplier `json:"supplier"`
	Checked  int            `json:"checked"`
	Changed  int            `json:"changed"`
	Failed   int            `json:"failed"`
}

// ServiceParams bundles the reconciliation dependencies.
type ServiceParams struct {
	Tx        txRunner
	Orders    orders.Repository
	Plans     plans.Repository
	Adapters  adapterSource
	Outbox    outboxPublisher
	Metrics   *metrics.ReconciliationMetrics
	Logger    *logger.Logger
	BatchSize int
	Now       func() time.Time
}

type service struct {
	tx       txRunner
	orders   orders.Repository
	plans    plans.Repository
	adapters adapterSource
	outbox   outboxPublisher
	metrics  *metrics.ReconciliationMetrics
	logg     *logger.Logger
	batch    int
	now      func() time.Time
}

func NewService(params ServiceParams) (Service, error) {
	if params.Tx == nil {
		return nil, fmt.Errorf("tx runner is required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("orders repository is required")
	}
	if params.Plans == nil {
		return nil, fmt.Errorf("plans repository is required")
	}
	if params.Adapters == nil {
		return nil, fmt.Errorf("supplier adapters are required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &service{
		tx:       params.Tx,
		orders:   params.Orders,
		plans:    params.Plans,
		adapters: params.Adapters,
		outbox:   params.Outbox,
		metrics:  params.Metrics,
		logg:     params.Logger,
		batch:    batch,
		now:      now,
	}, nil
}

func (s *service) SyncByICCID(ctx context.Context, iccid string, source enums.StatusSource) (*SyncResult, error) {
	iccid = strings.TrimSpace(iccid)
	if iccid == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "iccid is required")
	}
	if source == "" {
		source = enums.StatusSourceManual
	}
	order, err := s.orders.FindByICCID(ctx, iccid)
	if err != nil {
		return nil, err
	}
	return s.syncOrder(ctx, order, source)
}

func (s *service) syncOrder(ctx context.Context, order *models.Order, source enums.StatusSource) (*SyncResult, error) {
	if order.ICCID == nil {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order has no eSIM yet")
	}
	adapter, err := s.adapters.Get(order.Supplier)
	if err != nil {
		return nil, err
	}
	remote, err := adapter.GetStatus(ctx, *order.ICCID)
	if err != nil {
		if pkgerrors.As(err) != nil {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch supplier status")
	}
	status := Normalize(order.Supplier, remote.Status)
	return s.apply(ctx, order, status, remote.Status, remote.Raw, source)
}

func (s *service) HandleWebhook(ctx context.Context, input WebhookInput) (*SyncResult, error) {
	iccid := strings.TrimSpace(input.ICCID)
	if iccid == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "iccid is required")
	}
	order, err := s.orders.FindByICCID(ctx, iccid)
	if err != nil {
		return nil, err
	}
	if input.Supplier != "" && order.Supplier != input.Supplier {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "iccid belongs to another supplier")
	}
	status := Normalize(order.Supplier, input.Status)
	return s.apply(ctx, order, status, input.Status, input.Raw, enums.StatusSourceWebhook)
}

// Sweep syncs up to limit completed orders of one supplier, least recently
// checked first. Every visited order is stamped, failures included, so one
// broken eSIM cannot pin the head of the queue.
func (s *service) Sweep(ctx context.Context, supplier enums.Supplier, limit int) (*SweepResult, error) {
	if !supplier.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown supplier %q", supplier))
	}
	if limit <= 0 {
		limit = s.batch
	}
	result := &SweepResult{Supplier: supplier}
	rows, err := s.orders.ListDueForStatusCheck(ctx, supplier, limit)
	if err != nil {
		return result, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list orders due for status check")
	}

	var errs error
	for i := range rows {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		order := rows[i]
		result.Checked++
		res, err := s.syncOrder(ctx, &order, enums.StatusSourcePoll)
		if err != nil {
			result.Failed++
			errs = multierr.Append(errs, fmt.Errorf("sync order %s: %w", order.ID, err))
		} else if res.Changed {
			result.Changed++
		}
		if err := s.orders.MarkStatusChecked(ctx, order.ID, s.now()); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	s.logg.Info(s.logg.WithFields(s.logg.WithSupplier(ctx, string(supplier)), map[string]any{
		"checked": result.Checked,
		"changed": result.Changed,
		"failed":  result.Failed,
	}), "status sweep finished")
	return result, errs
}

// apply persists status when it differs from what the order holds. The
// status event is inserted first; losing the fingerprint race means another
// delivery already recorded this change.
func (s *service) apply(ctx context.Context, order *models.Order, status NormalizedStatus, rawStatus any, raw json.RawMessage, source enums.StatusSource) (*SyncResult, error) {
	if unchanged(order, status) {
		return &SyncResult{Order: order, Status: status}, nil
	}

	now := s.now()
	updates := map[string]any{
		"display_status": status.DisplayStatus,
		"is_connected":   status.IsConnected,
		"is_active":      status.IsActive,
	}
	if text := describeStatus(rawStatus); text != "" {
		updates["real_status"] = text
	}
	payload := raw
	if len(payload) == 0 || !json.Valid(payload) {
		payload = nil
		if encoded, err := json.Marshal(rawStatus); err == nil && json.Valid(encoded) && string(encoded) != "null" {
			payload = encoded
		}
	}
	if len(payload) > 0 {
		updates["status_payload"] = datatypes.JSON(payload)
	}

	var expiresAt *time.Time
	if status.ActivatesPlan && order.ExpiresAt == nil {
		plan, err := s.plans.FindByID(ctx, order.PlanID)
		if err != nil {
			return nil, err
		}
		if plan.ValidityDays > 0 {
			expiry := now.AddDate(0, 0, plan.ValidityDays)
			expiresAt = &expiry
			updates["expires_at"] = expiry
		}
	}
	if expiresAt == nil {
		expiresAt = order.ExpiresAt
	}

	iccid := ""
	if order.ICCID != nil {
		iccid = *order.ICCID
	}
	changed := false
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.orders.WithTx(tx)
		inserted, err := repo.InsertStatusEvent(ctx, &models.OrderStatusEvent{
			OrderID:       order.ID,
			Source:        source,
			DisplayStatus: status.DisplayStatus,
			IsConnected:   status.IsConnected,
			IsActive:      status.IsActive,
			Raw:           datatypes.JSON(payload),
			Fingerprint:   orders.StatusFingerprint(transitionKey(order), status.DisplayStatus, status.IsConnected, status.IsActive),
		})
		if err != nil || !inserted {
			return err
		}
		if err := repo.Update(ctx, order.ID, updates); err != nil {
			return err
		}
		changed = true
		agentID := order.AgentID
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderStatusChanged,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         &outbox.Actor{AgentID: &agentID, Source: "reconciliation"},
			Data: payloads.OrderStatusChangedEvent{
				OrderID:       order.ID,
				ICCID:         iccid,
				Source:        source,
				DisplayStatus: status.DisplayStatus,
				IsConnected:   status.IsConnected,
				IsActive:      status.IsActive,
				ExpiresAt:     expiresAt,
			},
		})
	})
	if err != nil {
		s.logg.Error(s.logg.WithOrderID(ctx, order.ID.String()), "persist order status", err)
		return nil, err
	}

	if changed {
		s.metrics.IncChange(string(order.Supplier), string(source))
		s.logg.Info(s.logg.WithFields(s.logg.WithOrderID(ctx, order.ID.String()), map[string]any{
			"supplier":       string(order.Supplier),
			"source":         string(source),
			"display_status": status.DisplayStatus,
		}), "order status changed")
	}

	updated, err := s.orders.FindByID(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return &SyncResult{Order: updated, Status: status, Changed: changed}, nil
}

func unchanged(order *models.Order, status NormalizedStatus) bool {
	return order.DisplayStatus != nil &&
		*order.DisplayStatus == status.DisplayStatus &&
		order.IsConnected == status.IsConnected &&
		order.IsActive == status.IsActive
}

func transitionKey(order *models.Order) string {
	previous := ""
	if order.DisplayStatus != nil {
		previous = *order.DisplayStatus
	}
	return fmt.Sprintf("%s@%d", previous, order.UpdatedAt.UnixNano())
}

func describeStatus(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.RawMessage:
		return strings.TrimSpace(string(v))
	case []byte:
		return strings.TrimSpace(string(v))
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	}
}
