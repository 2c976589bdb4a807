package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/esimhub-backend/pkg/enums"
)

// Agent is a reseller tenant holding a prepaid wallet.
type Agent struct {
	ID             uuid.UUID         `gorm:"column:id;type:uuid;primaryKey"`
	Name           string            `gorm:"column:name;not null"`
	Email          string            `gorm:"column:email;not null"`
	WalletBalance  decimal.Decimal   `gorm:"column:wallet_balance;type:numeric(12,2);not null;default:0"`
	WalletCurrency string            `gorm:"column:wallet_currency;not null;default:USD"`
	MarkupType     *enums.MarkupType `gorm:"column:markup_type;type:text"`
	MarkupValue    *decimal.Decimal  `gorm:"column:markup_value;type:numeric(12,2)"`
	Status         enums.AgentStatus `gorm:"column:status;type:text;not null"`
	CreatedAt      time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

func (Agent) TableName() string { return "agents" }

func (a *Agent) BeforeCreate(*gorm.DB) error {
	ensureID(&a.ID)
	return nil
}
