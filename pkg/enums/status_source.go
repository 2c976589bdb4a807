package enums

import "fmt"

// StatusSource records what triggered a status observation.
type StatusSource string

const (
	StatusSourcePoll      StatusSource = "poll"
	StatusSourceWebhook   StatusSource = "webhook"
	StatusSourceProvision StatusSource = "provision"
	StatusSourceManual    StatusSource = "manual"
)

var validStatusSources = []StatusSource{
	StatusSourcePoll,
	StatusSourceWebhook,
	StatusSourceProvision,
	StatusSourceManual,
}

// IsValid reports whether the value matches the canonical status source enum.
func (s StatusSource) IsValid() bool {
	for _, candidate := range validStatusSources {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseStatusSource converts raw input into StatusSource.
func ParseStatusSource(value string) (StatusSource, error) {
	for _, candidate := range validStatusSources {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid status source %q", value)
}
