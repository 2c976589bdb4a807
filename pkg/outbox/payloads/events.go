package payloads

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/esimhub-backend/pkg/enums"
)

// OrderCompletedEvent is emitted once an eSIM has been provisioned.
type OrderCompletedEvent struct {
	OrderID        uuid.UUID       `json:"order_id"`
	AgentID        uuid.UUID       `json:"agent_id"`
	PlanID         uuid.UUID       `json:"plan_id"`
	Supplier       enums.Supplier  `json:"supplier"`
	CountryCode    string          `json:"country_code"`
	ICCID          string          `json:"iccid"`
	WholesalePrice decimal.Decimal `json:"wholesale_price"`
	RetailPrice    decimal.Decimal `json:"retail_price"`
	CompletedAt    time.Time       `json:"completed_at"`
}

// OrderFailedEvent is emitted when provisioning is definitively rejected.
type OrderFailedEvent struct {
	OrderID     uuid.UUID       `json:"order_id"`
	AgentID     uuid.UUID       `json:"agent_id"`
	Supplier    enums.Supplier  `json:"supplier"`
	Reason      string          `json:"reason"`
	RetailPrice decimal.Decimal `json:"retail_price"`
	Refunded    bool            `json:"refunded"`
}

// OrderRetryScheduledEvent is emitted when a busy supplier parks an order for the sweep.
type OrderRetryScheduledEvent struct {
	OrderID    uuid.UUID      `json:"order_id"`
	AgentID    uuid.UUID      `json:"agent_id"`
	Supplier   enums.Supplier `json:"supplier"`
	Reason     string         `json:"reason"`
	RetryCount int            `json:"retry_count"`
}

// OrderStatusChangedEvent mirrors a distinct normalized status persisted by reconciliation.
type OrderStatusChangedEvent struct {
	OrderID       uuid.UUID          `json:"order_id"`
	ICCID         string             `json:"iccid"`
	Source        enums.StatusSource `json:"source"`
	DisplayStatus string             `json:"display_status"`
	IsConnected   bool               `json:"is_connected"`
	IsActive      bool               `json:"is_active"`
	ExpiresAt     *time.Time         `json:"expires_at,omitempty"`
}

// TopupSettledEvent covers both topup_completed and topup_failed.
type TopupSettledEvent struct {
	TopupID     uuid.UUID         `json:"topup_id"`
	AgentID     uuid.UUID         `json:"agent_id"`
	ICCID       string            `json:"iccid"`
	Supplier    enums.Supplier    `json:"supplier"`
	Status      enums.TopupStatus `json:"status"`
	RetailPrice decimal.Decimal   `json:"retail_price"`
	Reason      string            `json:"reason,omitempty"`
}

// WalletMovementEvent covers wallet_credited and wallet_refunded.
type WalletMovementEvent struct {
	TransactionID uuid.UUID                   `json:"transaction_id"`
	AgentID       uuid.UUID                   `json:"agent_id"`
	Type          enums.WalletTransactionType `json:"type"`
	Amount        decimal.Decimal             `json:"amount"`
	BalanceAfter  decimal.Decimal             `json:"balance_after"`
	ReferenceID   string                      `json:"reference_id,omitempty"`
}
