package orders

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/esimhub-backend/pkg/db/models"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
)

// ListFilters narrow the agent order list.
type ListFilters struct {
	Status   *enums.OrderStatus
	Supplier *enums.Supplier
	Query    string
}

// OrderSummary is the agent-facing view of an order.
type OrderSummary struct {
	ID             uuid.UUID         `json:"id"`
	PlanID         uuid.UUID         `json:"plan_id"`
	Supplier       enums.Supplier    `json:"supplier"`
	Status         enums.OrderStatus `json:"status"`
	CustomerName   string            `json:"customer_name"`
	CustomerEmail  string            `json:"customer_email"`
	RetailPrice    decimal.Decimal   `json:"retail_price"`
	ICCID          *string           `json:"iccid,omitempty"`
	ActivationCode *string           `json:"activation_code,omitempty"`
	ManualCode     *string           `json:"manual_code,omitempty"`
	SMDPAddress    *string           `json:"smdp_address,omitempty"`
	QRCodeURL      *string           `json:"qr_code_url,omitempty"`
	DisplayStatus  *string           `json:"display_status,omitempty"`
	IsConnected    bool              `json:"is_connected"`
	IsActive       bool              `json:"is_active"`
	Processing     bool              `json:"processing"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// OrderList is one page of agent orders.
type OrderList struct {
	Orders     []OrderSummary `json:"orders"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// Summarize maps a stored order to its agent-facing view. Wholesale prices
// and raw supplier payloads stay internal.
func Summarize(order models.Order) OrderSummary {
	return OrderSummary{
		ID:             order.ID,
		PlanID:         order.PlanID,
		Supplier:       order.Supplier,
		Status:         order.Status,
		CustomerName:   order.CustomerName,
		CustomerEmail:  order.CustomerEmail,
		RetailPrice:    order.RetailPrice,
		ICCID:          order.ICCID,
		ActivationCode: order.ActivationCode,
		ManualCode:     order.ManualCode,
		SMDPAddress:    order.SMDPAddress,
		QRCodeURL:      order.QRCodeURL,
		DisplayStatus:  order.DisplayStatus,
		IsConnected:    order.IsConnected,
		IsActive:       order.IsActive,
		Processing:     order.Status == enums.OrderStatusPending,
		ExpiresAt:      order.ExpiresAt,
		CreatedAt:      order.CreatedAt,
	}
}
