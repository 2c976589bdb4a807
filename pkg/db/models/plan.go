package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/esimhub-backend/pkg/enums"
)

// Plan is a sellable eSIM data package mirrored from a supplier catalog.
type Plan struct {
	ID               uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	Supplier         enums.Supplier  `gorm:"column:supplier;type:text;not null"`
	SupplierPlanCode string          `gorm:"column:supplier_plan_code;not null"`
	Name             string          `gorm:"column:name;not null;default:''"`
	CountryCode      string          `gorm:"column:country_code;not null"`
	CountryName      string          `gorm:"column:country_name;not null;default:''"`
	DataAmount       string          `gorm:"column:data_amount;not null;default:''"`
	ValidityDays     int             `gorm:"column:validity_days;not null"`
	WholesalePrice   decimal.Decimal `gorm:"column:wholesale_price;type:numeric(12,2);not null"`
	Active           bool            `gorm:"column:active;not null"`
	CreatedAt        time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (Plan) TableName() string { return "plans" }

func (p *Plan) BeforeCreate(*gorm.DB) error {
	ensureID(&p.ID)
	return nil
}
