package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/esimhub-backend/pkg/enums"
)

// AuditEvent is an operator-facing trail of money and classification decisions.
type AuditEvent struct {
	ID          uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	AgentID     *uuid.UUID         `gorm:"column:agent_id;type:uuid;index"`
	OrderID     *uuid.UUID         `gorm:"column:order_id;type:uuid;index"`
	Action      enums.AuditAction  `gorm:"column:action;type:text;not null"`
	Outcome     enums.AuditOutcome `gorm:"column:outcome;type:text;not null"`
	ReferenceID *string            `gorm:"column:reference_id"`
	Details     datatypes.JSON     `gorm:"column:details"`
	CreatedAt   time.Time          `gorm:"column:created_at;autoCreateTime"`
}

func (AuditEvent) TableName() string { return "audit_events" }

func (e *AuditEvent) BeforeCreate(*gorm.DB) error {
	ensureID(&e.ID)
	return nil
}
