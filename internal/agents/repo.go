// Package agents reads reseller tenants.
package agents

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/esimhub-backend/pkg/db/models"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
)

// Repository loads agents.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindByID(ctx context.Context, id uuid.UUID) (*models.Agent, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	var agent models.Agent
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&agent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "agent not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load agent")
	}
	return &agent, nil
}

// RequireApproved loads the agent and rejects anyone not cleared to buy.
func RequireApproved(ctx context.Context, repo Repository, id uuid.UUID) (*models.Agent, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "agent id is required")
	}
	agent, err := repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if agent.Status != enums.AgentStatusApproved {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, fmt.Sprintf("agent is %s", agent.Status))
	}
	return agent, nil
}
