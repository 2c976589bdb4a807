package enums

import "fmt"

// AgentStatus maps to agents.status.
type AgentStatus string

const (
	AgentStatusPending   AgentStatus = "pending"
	AgentStatusApproved  AgentStatus = "approved"
	AgentStatusSuspended AgentStatus = "suspended"
	AgentStatusRejected  AgentStatus = "rejected"
)

var validAgentStatuses = []AgentStatus{
	AgentStatusPending,
	AgentStatusApproved,
	AgentStatusSuspended,
	AgentStatusRejected,
}

// IsValid reports whether the value matches the canonical agent status enum.
func (a AgentStatus) IsValid() bool {
	for _, candidate := range validAgentStatuses {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseAgentStatus converts raw input into AgentStatus.
func ParseAgentStatus(value string) (AgentStatus, error) {
	for _, candidate := range validAgentStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid agent status %q", value)
}

// MarkupType selects how a markup value is applied to a wholesale price.
type MarkupType string

const (
	MarkupPercent MarkupType = "percent"
	MarkupFixed   MarkupType = "fixed"
)

var validMarkupTypes = []MarkupType{
	MarkupPercent,
	MarkupFixed,
}

// IsValid reports whether the value matches the canonical markup type enum.
func (m MarkupType) IsValid() bool {
	for _, candidate := range validMarkupTypes {
		if candidate == m {
			return true
		}
	}
	return false
}

// ParseMarkupType converts raw input into MarkupType.
func ParseMarkupType(value string) (MarkupType, error) {
	for _, candidate := range validMarkupTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid markup type %q", value)
}
