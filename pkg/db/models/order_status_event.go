package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/esimhub-backend/pkg/enums"
)

// OrderStatusEvent records one distinct normalized status observed for an order.
type OrderStatusEvent struct {
	ID            uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	OrderID       uuid.UUID          `gorm:"column:order_id;type:uuid;not null;uniqueIndex:ux_order_status_events_fingerprint"`
	Source        enums.StatusSource `gorm:"column:source;type:text;not null"`
	DisplayStatus string             `gorm:"column:display_status;not null"`
	IsConnected   bool               `gorm:"column:is_connected;not null"`
	IsActive      bool               `gorm:"column:is_active;not null"`
	Raw           datatypes.JSON     `gorm:"column:raw"`
	Fingerprint   string             `gorm:"column:fingerprint;not null;uniqueIndex:ux_order_status_events_fingerprint"`
	CreatedAt     time.Time          `gorm:"column:created_at;autoCreateTime"`
}

func (OrderStatusEvent) TableName() string { return "order_status_events" }

func (e *OrderStatusEvent) BeforeCreate(*gorm.DB) error {
	ensureID(&e.ID)
	return nil
}
