package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/esimhub-backend/pkg/enums"
)

// PricingRule is a scoped markup. Lower Priority wins within a scope.
type PricingRule struct {
	ID          uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	Scope       enums.PricingScope `gorm:"column:scope;type:text;not null"`
	AgentID     *uuid.UUID         `gorm:"column:agent_id;type:uuid"`
	PlanID      *uuid.UUID         `gorm:"column:plan_id;type:uuid"`
	CountryCode *string            `gorm:"column:country_code"`
	MarkupType  enums.MarkupType   `gorm:"column:markup_type;type:text;not null"`
	MarkupValue decimal.Decimal    `gorm:"column:markup_value;type:numeric(12,2);not null"`
	Priority    int                `gorm:"column:priority;not null"`
	Active      bool               `gorm:"column:active;not null"`
	CreatedAt   time.Time          `gorm:"column:created_at;autoCreateTime"`
}

func (PricingRule) TableName() string { return "pricing_rules" }

func (r *PricingRule) BeforeCreate(*gorm.DB) error {
	ensureID(&r.ID)
	return nil
}

// AgentPricing pins an exact retail price for one agent and plan.
type AgentPricing struct {
	ID          uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	AgentID     uuid.UUID       `gorm:"column:agent_id;type:uuid;not null;uniqueIndex:ux_agent_pricing_agent_plan"`
	PlanID      uuid.UUID       `gorm:"column:plan_id;type:uuid;not null;uniqueIndex:ux_agent_pricing_agent_plan"`
	RetailPrice decimal.Decimal `gorm:"column:retail_price;type:numeric(12,2);not null"`
	CreatedAt   time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (AgentPricing) TableName() string { return "agent_pricing" }

func (p *AgentPricing) BeforeCreate(*gorm.DB) error {
	ensureID(&p.ID)
	return nil
}
