// Package plans reads the sellable eSIM catalog.
package plans

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/esimhub-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
)

type Repository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Plan, error)
	FindActive(ctx context.Context, id uuid.UUID) (*models.Plan, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	var plan models.Plan
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "plan not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load plan")
	}
	return &plan, nil
}

// FindActive is FindByID restricted to plans that are still on sale.
func (r *repository) FindActive(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	plan, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan is not available")
	}
	return plan, nil
}
