package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/esimhub-backend/pkg/db/models"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
	"github.com/angelmondragon/esimhub-backend/pkg/pagination"
)

// Repository defines persistence operations for orders, top-ups and status events.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	Create(ctx context.Context, order *models.Order) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindForAgent(ctx context.Context, agentID, id uuid.UUID) (*models.Order, error)
	FindByICCID(ctx context.Context, iccid string) (*models.Order, error)
	FindCompletedByICCIDForAgent(ctx context.Context, agentID uuid.UUID, iccid string) (*models.Order, error)
	ListByCheckoutReference(ctx context.Context, agentID uuid.UUID, reference string) ([]models.Order, error)
	ListForAgent(ctx context.Context, agentID uuid.UUID, cursor *pagination.Cursor, limit int, filters ListFilters) ([]models.Order, error)
	ListRetryScheduled(ctx context.Context, limit int) ([]models.Order, error)
	ListDueForStatusCheck(ctx context.Context, supplier enums.Supplier, limit int) ([]models.Order, error)
	MarkStatusChecked(ctx context.Context, id uuid.UUID, at time.Time) error
	Update(ctx context.Context, id uuid.UUID, updates map[string]any) error
	ClaimRetry(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	ListStalled(ctx context.Context, before time.Time, limit int) ([]models.Order, error)
	ParkStalled(ctx context.Context, id uuid.UUID, before time.Time) (bool, error)

	CreateTopup(ctx context.Context, topup *models.Topup) error
	FindTopup(ctx context.Context, id uuid.UUID) (*models.Topup, error)
	UpdateTopup(ctx context.Context, id uuid.UUID, updates map[string]any) error
	ListRetryScheduledTopups(ctx context.Context, limit int) ([]models.Topup, error)
	ClaimTopupRetry(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)

	InsertStatusEvent(ctx context.Context, event *models.OrderStatusEvent) (bool, error)
	ListStatusEvents(ctx context.Context, orderID uuid.UUID) ([]models.OrderStatusEvent, error)
}
