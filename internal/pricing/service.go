// Package pricing turns a plan's wholesale cost into the retail price an
// agent pays.
package pricing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/esimhub-backend/pkg/db/models"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
)

// Source names the layer that produced a quote.
type Source string

const (
	SourceOverride     Source = "override"
	SourceAgentRule    Source = "agent_rule"
	SourcePlanRule     Source = "plan_rule"
	SourceCountryRule  Source = "country_rule"
	SourceGlobalRule   Source = "global_rule"
	SourceAgentDefault Source = "agent_markup"
	SourceDefault      Source = "default"
)

// The agent row's own markup ranks between agentScopes and sharedScopes.
var (
	agentScopes  = []enums.PricingScope{enums.PricingScopeAgent}
	sharedScopes = []enums.PricingScope{
		enums.PricingScopePlan,
		enums.PricingScopeCountry,
		enums.PricingScopeGlobal,
	}
	scopeOrder = append(append([]enums.PricingScope{}, agentScopes...), sharedScopes...)
)

var scopeSources = map[enums.PricingScope]Source{
	enums.PricingScopeAgent:   SourceAgentRule,
	enums.PricingScopePlan:    SourcePlanRule,
	enums.PricingScopeCountry: SourceCountryRule,
	enums.PricingScopeGlobal:  SourceGlobalRule,
}

// ResolveInput identifies the agent and the plan being priced. Wholesale
// overrides Plan.WholesalePrice when set (top-up re-quotes).
type ResolveInput struct {
	AgentID   uuid.UUID
	Plan      models.Plan
	Wholesale *decimal.Decimal
}

// Quote is a resolved price pair.
type Quote struct {
	Wholesale decimal.Decimal
	Retail    decimal.Decimal
	Source    Source
	RuleID    *uuid.UUID
}

// Markup is a percent or fixed adjustment on top of wholesale.
type Markup struct {
	Type  enums.MarkupType
	Value decimal.Decimal
}

// Resolver prices plans for agents.
type Resolver interface {
	Resolve(ctx context.Context, input ResolveInput) (*Quote, error)
}

type resolver struct {
	repo          Repository
	defaultMarkup Markup
}

// NewResolver builds a resolver. defaultPercent applies when nothing more
// specific is configured.
func NewResolver(repo Repository, defaultPercent decimal.Decimal) (Resolver, error) {
	if repo == nil {
		return nil, fmt.Errorf("pricing repository required")
	}
	if defaultPercent.IsNegative() {
		return nil, fmt.Errorf("default markup must not be negative")
	}
	return &resolver{
		repo:          repo,
		defaultMarkup: Markup{Type: enums.MarkupPercent, Value: defaultPercent},
	}, nil
}

func (r *resolver) Resolve(ctx context.Context, input ResolveInput) (*Quote, error) {
	if input.AgentID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "agent id is required")
	}
	if input.Plan.ID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan id is required")
	}
	wholesale := input.Plan.WholesalePrice
	if input.Wholesale != nil {
		wholesale = *input.Wholesale
	}
	if wholesale.IsNegative() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "wholesale price must not be negative")
	}

	override, err := r.repo.FindOverride(ctx, input.AgentID, input.Plan.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load agent price override")
	}
	if override != nil {
		return &Quote{
			Wholesale: wholesale,
			Retail:    override.RetailPrice.Round(2),
			Source:    SourceOverride,
		}, nil
	}

	rules, err := r.repo.ListCandidateRules(ctx, input.AgentID, input.Plan)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load pricing rules")
	}
	if rule := selectRule(rules, agentScopes, input.AgentID, input.Plan); rule != nil {
		return ruleQuote(wholesale, rule)
	}

	agent, err := r.repo.FindAgent(ctx, input.AgentID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load agent markup")
	}
	if agent != nil && agent.MarkupType != nil && agent.MarkupValue != nil {
		retail, err := ApplyMarkup(wholesale, Markup{Type: *agent.MarkupType, Value: *agent.MarkupValue})
		if err != nil {
			return nil, err
		}
		return &Quote{Wholesale: wholesale, Retail: retail, Source: SourceAgentDefault}, nil
	}

	if rule := selectRule(rules, sharedScopes, input.AgentID, input.Plan); rule != nil {
		return ruleQuote(wholesale, rule)
	}

	retail, err := ApplyMarkup(wholesale, r.defaultMarkup)
	if err != nil {
		return nil, err
	}
	return &Quote{Wholesale: wholesale, Retail: retail, Source: SourceDefault}, nil
}

func ruleQuote(wholesale decimal.Decimal, rule *models.PricingRule) (*Quote, error) {
	retail, err := ApplyMarkup(wholesale, Markup{Type: rule.MarkupType, Value: rule.MarkupValue})
	if err != nil {
		return nil, err
	}
	id := rule.ID
	return &Quote{Wholesale: wholesale, Retail: retail, Source: scopeSources[rule.Scope], RuleID: &id}, nil
}

// SelectRule picks the winning rule: the most specific scope first, then the
// lowest priority value, then the oldest rule, then the smallest id.
func SelectRule(rules []models.PricingRule, agentID uuid.UUID, plan models.Plan) *models.PricingRule {
	return selectRule(rules, scopeOrder, agentID, plan)
}

func selectRule(rules []models.PricingRule, scopes []enums.PricingScope, agentID uuid.UUID, plan models.Plan) *models.PricingRule {
	for _, scope := range scopes {
		var best *models.PricingRule
		for i := range rules {
			rule := &rules[i]
			if !rule.Active || rule.Scope != scope || !ruleMatches(rule, agentID, plan) {
				continue
			}
			if best == nil || ruleBefore(rule, best) {
				best = rule
			}
		}
		if best != nil {
			return best
		}
	}
	return nil
}

func ruleMatches(rule *models.PricingRule, agentID uuid.UUID, plan models.Plan) bool {
	switch rule.Scope {
	case enums.PricingScopeAgent:
		return rule.AgentID != nil && *rule.AgentID == agentID
	case enums.PricingScopePlan:
		return rule.PlanID != nil && *rule.PlanID == plan.ID
	case enums.PricingScopeCountry:
		return rule.CountryCode != nil && *rule.CountryCode == plan.CountryCode
	case enums.PricingScopeGlobal:
		return true
	default:
		return false
	}
}

func ruleBefore(a, b *models.PricingRule) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// ApplyMarkup computes the retail price. Rounding to cents happens once, at
// the end.
func ApplyMarkup(wholesale decimal.Decimal, markup Markup) (decimal.Decimal, error) {
	var retail decimal.Decimal
	switch markup.Type {
	case enums.MarkupPercent:
		factor := decimal.NewFromInt(1).Add(markup.Value.Div(decimal.NewFromInt(100)))
		retail = wholesale.Mul(factor)
	case enums.MarkupFixed:
		retail = wholesale.Add(markup.Value)
	default:
		return decimal.Zero, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid markup type %q", markup.Type))
	}
	retail = retail.Round(2)
	if retail.IsNegative() {
		return decimal.Zero, pkgerrors.New(pkgerrors.CodeValidation, "retail price must not be negative").
			WithDetails(map[string]any{"retail": retail.StringFixed(2)})
	}
	return retail, nil
}
