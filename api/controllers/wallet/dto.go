package wallet

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/esimhub-backend/internal/checkout"
	"github.com/angelmondragon/esimhub-backend/internal/checkout/helpers"
	"github.com/angelmondragon/esimhub-backend/pkg/db/models"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
)

type customerInfo struct {
	Name  string `json:"name" validate:"max=200"`
	Email string `json:"email" validate:"omitempty,email"`
	Phone string `json:"phone" validate:"max=40"`
}

func (c *customerInfo) toHelper() helpers.Customer {
	if c == nil {
		return helpers.Customer{}
	}
	return helpers.Customer{
		Name:  strings.TrimSpace(c.Name),
		Email: strings.TrimSpace(c.Email),
		Phone: strings.TrimSpace(c.Phone),
	}
}

type cartItemRequest struct {
	PlanID       uuid.UUID     `json:"plan_id" validate:"required"`
	Quantity     int           `json:"quantity" validate:"required,min=1"`
	CustomerInfo *customerInfo `json:"customer_info,omitempty"`
}

type checkoutRequest struct {
	Amount       *decimal.Decimal  `json:"amount,omitempty"`
	Description  string            `json:"description" validate:"max=500"`
	ReferenceID  string            `json:"reference_id" validate:"required,max=128"`
	CartItems    []cartItemRequest `json:"cart_items" validate:"required,min=1,dive"`
	CustomerInfo *customerInfo     `json:"customer_info,omitempty"`
}

func (r checkoutRequest) toInput() checkout.CheckoutInput {
	items := make([]helpers.CartItem, 0, len(r.CartItems))
	for _, item := range r.CartItems {
		cartItem := helpers.CartItem{PlanID: item.PlanID, Quantity: item.Quantity}
		if item.CustomerInfo != nil {
			customer := item.CustomerInfo.toHelper()
			cartItem.Customer = &customer
		}
		items = append(items, cartItem)
	}
	return checkout.CheckoutInput{
		Amount:      r.Amount,
		Description: strings.TrimSpace(r.Description),
		ReferenceID: strings.TrimSpace(r.ReferenceID),
		CartItems:   items,
		Customer:    r.CustomerInfo.toHelper(),
	}
}

type orderOutcomeResponse struct {
	OrderID uuid.UUID `json:"order_id"`
	Outcome string    `json:"outcome"`
	Reason  string    `json:"reason,omitempty"`
}

type checkoutResponse struct {
	Balance  decimal.Decimal        `json:"balance"`
	OrderIDs []uuid.UUID            `json:"order_ids"`
	Replayed bool                   `json:"replayed"`
	Orders   []orderOutcomeResponse `json:"orders,omitempty"`
}

func newCheckoutResponse(res *checkout.Result) checkoutResponse {
	resp := checkoutResponse{
		Balance:  res.Balance,
		OrderIDs: res.OrderIDs,
		Replayed: res.Replayed,
	}
	if resp.OrderIDs == nil {
		resp.OrderIDs = []uuid.UUID{}
	}
	for _, outcome := range res.Outcomes {
		resp.Orders = append(resp.Orders, orderOutcomeResponse{
			OrderID: outcome.OrderID,
			Outcome: outcome.Outcome,
			Reason:  outcome.Reason,
		})
	}
	return resp
}

type transactionResponse struct {
	ID           uuid.UUID                   `json:"id"`
	Type         enums.WalletTransactionType `json:"type"`
	Amount       decimal.Decimal             `json:"amount"`
	BalanceAfter decimal.Decimal             `json:"balance_after"`
	Description  string                      `json:"description"`
	ReferenceID  *string                     `json:"reference_id,omitempty"`
	CreatedAt    time.Time                   `json:"created_at"`
}

type transactionListResponse struct {
	Transactions []transactionResponse `json:"transactions"`
	NextCursor   string                `json:"next_cursor,omitempty"`
}

func newTransactionResponse(txn models.WalletTransaction) transactionResponse {
	return transactionResponse{
		ID:           txn.ID,
		Type:         txn.Type,
		Amount:       txn.Amount,
		BalanceAfter: txn.BalanceAfter,
		Description:  txn.Description,
		ReferenceID:  txn.ReferenceID,
		CreatedAt:    txn.CreatedAt,
	}
}

type stripeConfirmRequest struct {
	SessionID string `json:"session_id" validate:"required"`
}

type razorpayConfirmRequest struct {
	OrderID   string `json:"razorpay_order_id" validate:"required"`
	PaymentID string `json:"razorpay_payment_id" validate:"required"`
	Signature string `json:"razorpay_signature" validate:"required"`
}
