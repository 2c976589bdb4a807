package orders

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/esimhub-backend/pkg/db/models"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
	"github.com/angelmondragon/esimhub-backend/pkg/pagination"
)

type repository struct {
	db *gorm.DB
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return r.first(ctx, r.db.Where("id = ?", id))
}

func (r *repository) FindForAgent(ctx context.Context, agentID, id uuid.UUID) (*models.Order, error) {
	return r.first(ctx, r.db.Where("id = ? AND agent_id = ?", id, agentID))
}

func (r *repository) FindByICCID(ctx context.Context, iccid string) (*models.Order, error) {
	return r.first(ctx, r.db.Where("iccid = ?", strings.TrimSpace(iccid)).Order("created_at DESC"))
}

func (r *repository) FindCompletedByICCIDForAgent(ctx context.Context, agentID uuid.UUID, iccid string) (*models.Order, error) {
	return r.first(ctx, r.db.
		Where("agent_id = ? AND iccid = ? AND status = ?", agentID, strings.TrimSpace(iccid), enums.OrderStatusCompleted).
		Order("created_at DESC"))
}

func (r *repository) first(ctx context.Context, query *gorm.DB) (*models.Order, error) {
	var order models.Order
	if err := query.WithContext(ctx).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	return &order, nil
}

func (r *repository) ListByCheckoutReference(ctx context.Context, agentID uuid.UUID, reference string) ([]models.Order, error) {
	var rows []models.Order
	err := r.db.WithContext(ctx).
		Where("agent_id = ? AND checkout_reference = ?", agentID, reference).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repository) ListForAgent(ctx context.Context, agentID uuid.UUID, cursor *pagination.Cursor, limit int, filters ListFilters) ([]models.Order, error) {
	query := r.db.WithContext(ctx).Where("agent_id = ?", agentID)
	if filters.Status != nil {
		query = query.Where("status = ?", *filters.Status)
	}
	if filters.Supplier != nil {
		query = query.Where("supplier = ?", *filters.Supplier)
	}
	if q := strings.TrimSpace(filters.Query); q != "" {
		like := "%" + strings.ToLower(q) + "%"
		query = query.Where("(LOWER(customer_name) LIKE ? OR LOWER(customer_email) LIKE ? OR iccid LIKE ?)", like, like, like)
	}
	if cursor != nil {
		query = query.Where("(created_at < ?) OR (created_at = ? AND id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	var rows []models.Order
	err := query.
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// ListRetryScheduled returns parked orders, oldest first.
func (r *repository) ListRetryScheduled(ctx context.Context, limit int) ([]models.Order, error) {
	var rows []models.Order
	err := r.db.WithContext(ctx).
		Where("status = ? AND real_status = ?", enums.OrderStatusPending, models.RetryScheduledMarker).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// ListDueForStatusCheck returns completed orders of one supplier, never
// checked first and then least recently checked.
func (r *repository) ListDueForStatusCheck(ctx context.Context, supplier enums.Supplier, limit int) ([]models.Order, error) {
	var rows []models.Order
	err := r.db.WithContext(ctx).
		Where("supplier = ? AND status = ? AND iccid IS NOT NULL", supplier, enums.OrderStatusCompleted).
		Order("status_checked_at ASC NULLS FIRST").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// MarkStatusChecked stamps the sweep time without touching updated_at, which
// status fingerprints depend on.
func (r *repository) MarkStatusChecked(ctx context.Context, id uuid.UUID, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ?", id).
		UpdateColumn("status_checked_at", at).Error
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark order status checked")
	}
	return nil
}

func (r *repository) Update(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	result := r.db.WithContext(ctx).Model(&models.Order{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, result.Error, "update order")
	}
	if result.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return nil
}

// ClaimRetry clears the retry marker and bumps retry_count. Only one caller
// can claim a given parked order.
func (r *repository) ClaimRetry(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND status = ? AND real_status = ?", id, enums.OrderStatusPending, models.RetryScheduledMarker).
		Updates(map[string]any{
			"real_status":   nil,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"last_retry_at": now,
		})
	if result.Error != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, result.Error, "claim order retry")
	}
	return result.RowsAffected == 1, nil
}

// ListStalled returns pending orders that nobody is provisioning: no retry
// marker and untouched since before.
func (r *repository) ListStalled(ctx context.Context, before time.Time, limit int) ([]models.Order, error) {
	var rows []models.Order
	err := r.db.WithContext(ctx).
		Where("status = ? AND real_status IS NULL AND updated_at < ?", enums.OrderStatusPending, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// ParkStalled hands a stalled order to the retry sweep. It is a no-op when the
// order moved on since it was listed.
func (r *repository) ParkStalled(ctx context.Context, id uuid.UUID, before time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND status = ? AND real_status IS NULL AND updated_at < ?", id, enums.OrderStatusPending, before).
		Update("real_status", models.RetryScheduledMarker)
	if result.Error != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, result.Error, "park stalled order")
	}
	return result.RowsAffected == 1, nil
}

func (r *repository) CreateTopup(ctx context.Context, topup *models.Topup) error {
	return r.db.WithContext(ctx).Create(topup).Error
}

func (r *repository) FindTopup(ctx context.Context, id uuid.UUID) (*models.Topup, error) {
	var topup models.Topup
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&topup).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "topup not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load topup")
	}
	return &topup, nil
}

func (r *repository) UpdateTopup(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&models.Topup{}).Where("id = ?", id).Updates(updates).Error
}

// InsertStatusEvent returns false when the same fingerprint was already recorded.
// ListRetryScheduledTopups returns parked top-ups, oldest first.
func (r *repository) ListRetryScheduledTopups(ctx context.Context, limit int) ([]models.Topup, error) {
	var rows []models.Topup
	err := r.db.WithContext(ctx).
		Where("status = ? AND real_status = ?", enums.TopupStatusPending, models.RetryScheduledMarker).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// ClaimTopupRetry is ClaimRetry for top-ups.
func (r *repository) ClaimTopupRetry(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Topup{}).
		Where("id = ? AND status = ? AND real_status = ?", id, enums.TopupStatusPending, models.RetryScheduledMarker).
		Updates(map[string]any{
			"real_status":   nil,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"last_retry_at": now,
		})
	if result.Error != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, result.Error, "claim topup retry")
	}
	return result.RowsAffected == 1, nil
}

func (r *repository) InsertStatusEvent(ctx context.Context, event *models.OrderStatusEvent) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(event)
	if result.Error != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, result.Error, "insert order status event")
	}
	return result.RowsAffected == 1, nil
}

func (r *repository) ListStatusEvents(ctx context.Context, orderID uuid.UUID) ([]models.OrderStatusEvent, error) {
	var rows []models.OrderStatusEvent
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}
