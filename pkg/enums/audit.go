package enums

import "fmt"

// AuditAction maps to audit_events.action.
type AuditAction string

const (
	AuditActionRefund             AuditAction = "refund"
	AuditActionDuplicateReference AuditAction = "duplicate_reference"
	AuditActionClassification     AuditAction = "classification"
	AuditActionUpstreamAuth       AuditAction = "upstream_auth"
	AuditActionRetryExhausted     AuditAction = "retry_exhausted"
)

var validAuditActions = []AuditAction{
	AuditActionRefund,
	AuditActionDuplicateReference,
	AuditActionClassification,
	AuditActionUpstreamAuth,
	AuditActionRetryExhausted,
}

// IsValid reports whether the value matches the canonical audit action enum.
func (a AuditAction) IsValid() bool {
	for _, candidate := range validAuditActions {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseAuditAction converts raw input into AuditAction.
func ParseAuditAction(value string) (AuditAction, error) {
	for _, candidate := range validAuditActions {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid audit action %q", value)
}

// AuditOutcome maps to audit_events.outcome.
type AuditOutcome string

const (
	AuditOutcomeApplied   AuditOutcome = "applied"
	AuditOutcomeSkipped   AuditOutcome = "skipped"
	AuditOutcomeCompleted AuditOutcome = "completed"
	AuditOutcomePending   AuditOutcome = "pending"
	AuditOutcomeFailed    AuditOutcome = "failed"
)

var validAuditOutcomes = []AuditOutcome{
	AuditOutcomeApplied,
	AuditOutcomeSkipped,
	AuditOutcomeCompleted,
	AuditOutcomePending,
	AuditOutcomeFailed,
}

// IsValid reports whether the value matches the canonical audit outcome enum.
func (a AuditOutcome) IsValid() bool {
	for _, candidate := range validAuditOutcomes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseAuditOutcome converts raw input into AuditOutcome.
func ParseAuditOutcome(value string) (AuditOutcome, error) {
	for _, candidate := range validAuditOutcomes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid audit outcome %q", value)
}
