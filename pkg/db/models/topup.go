package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/esimhub-backend/pkg/enums"
)

// Topup adds data to an already provisioned eSIM.
type Topup struct {
	ID                uuid.UUID         `gorm:"column:id;type:uuid;primaryKey"`
	AgentID           uuid.UUID         `gorm:"column:agent_id;type:uuid;not null;index"`
	OrderID           *uuid.UUID        `gorm:"column:order_id;type:uuid"`
	ICCID             string            `gorm:"column:iccid;not null;index"`
	PlanID            uuid.UUID         `gorm:"column:plan_id;type:uuid;not null"`
	Supplier          enums.Supplier    `gorm:"column:supplier;type:text;not null"`
	WholesalePrice    decimal.Decimal   `gorm:"column:wholesale_price;type:numeric(12,2);not null"`
	RetailPrice       decimal.Decimal   `gorm:"column:retail_price;type:numeric(12,2);not null"`
	Status            enums.TopupStatus `gorm:"column:status;type:text;not null"`
	SupplierReference *string           `gorm:"column:supplier_reference"`
	RealStatus        *string           `gorm:"column:real_status"`
	RetryCount        int               `gorm:"column:retry_count;not null"`
	LastRetryAt       *time.Time        `gorm:"column:last_retry_at"`
	CreatedAt         time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

func (Topup) TableName() string { return "topups" }

func (t *Topup) BeforeCreate(*gorm.DB) error {
	ensureID(&t.ID)
	return nil
}

// RetryScheduled reports whether the top-up is parked for the retry sweep.
func (t *Topup) RetryScheduled() bool {
	return t != nil && t.Status == enums.TopupStatusPending && t.RealStatus != nil && *t.RealStatus == RetryScheduledMarker
}
