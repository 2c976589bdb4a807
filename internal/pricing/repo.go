package pricing

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/esimhub-backend/pkg/db/models"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
)

// Repository reads the pricing configuration for one agent and plan.
type Repository interface {
	FindOverride(ctx context.Context, agentID, planID uuid.UUID) (*models.AgentPricing, error)
	ListCandidateRules(ctx context.Context, agentID uuid.UUID, plan models.Plan) ([]models.PricingRule, error)
	FindAgent(ctx context.Context, agentID uuid.UUID) (*models.Agent, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a pricing repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) FindOverride(ctx context.Context, agentID, planID uuid.UUID) (*models.AgentPricing, error) {
	var override models.AgentPricing
	err := r.db.WithContext(ctx).
		Where("agent_id = ? AND plan_id = ?", agentID, planID).
		First(&override).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &override, nil
}

// ListCandidateRules returns every active rule that could apply to the pair.
func (r *repository) ListCandidateRules(ctx context.Context, agentID uuid.UUID, plan models.Plan) ([]models.PricingRule, error) {
	var rules []models.PricingRule
	err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Where(
			r.db.Where("scope = ? AND agent_id = ?", enums.PricingScopeAgent, agentID).
				Or("scope = ? AND plan_id = ?", enums.PricingScopePlan, plan.ID).
				Or("scope = ? AND country_code = ?", enums.PricingScopeCountry, plan.CountryCode).
				Or("scope = ?", enums.PricingScopeGlobal),
		).
		Order("priority ASC").
		Order("created_at ASC").
		Order("id ASC").
		Find(&rules).Error
	return rules, err
}

func (r *repository) FindAgent(ctx context.Context, agentID uuid.UUID) (*models.Agent, error) {
	var agent models.Agent
	err := r.db.WithContext(ctx).Where("id = ?", agentID).First(&agent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &agent, nil
}
