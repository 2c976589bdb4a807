package enums

import "fmt"

// PricingScope maps to pricing_rules.scope.
type PricingScope string

const (
	PricingScopeAgent   PricingScope = "agent"
	PricingScopePlan    PricingScope = "plan"
	PricingScopeCountry PricingScope = "country"
	PricingScopeGlobal  PricingScope = "global"
)

var validPricingScopes = []PricingScope{
	PricingScopeAgent,
	PricingScopePlan,
	PricingScopeCountry,
	PricingScopeGlobal,
}

// IsValid reports whether the value matches the canonical pricing scope enum.
func (p PricingScope) IsValid() bool {
	for _, candidate := range validPricingScopes {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParsePricingScope converts raw input into PricingScope.
func ParsePricingScope(value string) (PricingScope, error) {
	for _, candidate := range validPricingScopes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid pricing scope %q", value)
}
