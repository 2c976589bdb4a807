package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/esimhub-backend/pkg/enums"
)

// RetryScheduledMarker is stored in Order.RealStatus while a provider-busy order awaits the retry sweep.
const RetryScheduledMarker = "provider_busy_retry_scheduled"

// Order is one eSIM purchase. Prices are frozen at purchase time.
type Order struct {
	ID                    uuid.UUID         `gorm:"column:id;type:uuid;primaryKey"`
	AgentID               uuid.UUID         `gorm:"column:agent_id;type:uuid;not null;index"`
	PlanID                uuid.UUID         `gorm:"column:plan_id;type:uuid;not null"`
	Supplier              enums.Supplier    `gorm:"column:supplier;type:text;not null"`
	CheckoutReference     *string           `gorm:"column:checkout_reference;index"`
	CustomerName          string            `gorm:"column:customer_name;not null;default:''"`
	CustomerEmail         string            `gorm:"column:customer_email;not null;default:''"`
	CustomerPhone         string            `gorm:"column:customer_phone;not null;default:''"`
	WholesalePrice        decimal.Decimal   `gorm:"column:wholesale_price;type:numeric(12,2);not null"`
	RetailPrice           decimal.Decimal   `gorm:"column:retail_price;type:numeric(12,2);not null"`
	Status                enums.OrderStatus `gorm:"column:status;type:text;not null"`
	ICCID                 *string           `gorm:"column:iccid;index"`
	ActivationCode        *string           `gorm:"column:activation_code"`
	ManualCode            *string           `gorm:"column:manual_code"`
	SMDPAddress           *string           `gorm:"column:smdp_address"`
	QRCodeURL             *string           `gorm:"column:qr_code_url"`
	SupplierOrderID       *string           `gorm:"column:supplier_order_id"`
	SupplierTransactionID *string           `gorm:"column:supplier_transaction_id"`
	RealStatus            *string           `gorm:"column:real_status"`
	DisplayStatus         *string           `gorm:"column:display_status"`
	IsConnected           bool              `gorm:"column:is_connected;not null"`
	IsActive              bool              `gorm:"column:is_active;not null"`
	StatusPayload         datatypes.JSON    `gorm:"column:status_payload"`
	ExpiresAt             *time.Time        `gorm:"column:expires_at"`
	ProvisionedAt         *time.Time        `gorm:"column:provisioned_at"`
	RetryCount            int               `gorm:"column:retry_count;not null"`
	LastRetryAt           *time.Time        `gorm:"column:last_retry_at"`
	StatusCheckedAt       *time.Time        `gorm:"column:status_checked_at"`
	CreatedAt             time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

func (Order) TableName() string { return "orders" }

func (o *Order) BeforeCreate(*gorm.DB) error {
	ensureID(&o.ID)
	return nil
}

// RetryScheduled reports whether the order is parked for the retry sweep.
func (o *Order) RetryScheduled() bool {
	return o != nil && o.Status == enums.OrderStatusPending && o.RealStatus != nil && *o.RealStatus == RetryScheduledMarker
}
