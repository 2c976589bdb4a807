package models

// All lists every persisted model; test helpers migrate them onto sqlite.
func All() []any {
	return []any{
		&Agent{},
		&WalletTransaction{},
		&Plan{},
		&PricingRule{},
		&AgentPricing{},
		&Order{},
		&Topup{},
		&OrderStatusEvent{},
		&AuditEvent{},
		&OutboxEvent{},
		&OutboxDLQ{},
	}
}
