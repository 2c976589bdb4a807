package enums

import "fmt"

// OrderStatus maps to orders.status.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusFailed    OrderStatus = "failed"
)

var validOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusCompleted,
	OrderStatusFailed,
}

// IsValid reports whether the value matches the canonical order status enum.
func (o OrderStatus) IsValid() bool {
	for _, candidate := range validOrderStatuses {
		if candidate == o {
			return true
		}
	}
	return false
}

// ParseOrderStatus converts raw input into OrderStatus.
func ParseOrderStatus(value string) (OrderStatus, error) {
	for _, candidate := range validOrderStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid order status %q", value)
}

// TopupStatus maps to topups.status.
type TopupStatus string

const (
	TopupStatusPending   TopupStatus = "pending"
	TopupStatusCompleted TopupStatus = "completed"
	TopupStatusFailed    TopupStatus = "failed"
)

var validTopupStatuses = []TopupStatus{
	TopupStatusPending,
	TopupStatusCompleted,
	TopupStatusFailed,
}

// IsValid reports whether the value matches the canonical topup status enum.
func (t TopupStatus) IsValid() bool {
	for _, candidate := range validTopupStatuses {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseTopupStatus converts raw input into TopupStatus.
func ParseTopupStatus(value string) (TopupStatus, error) {
	for _, candidate := range validTopupStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid topup status %q", value)
}
