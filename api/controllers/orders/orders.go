// Package orders serves the agent order endpoints: history, single purchase
// and data top-ups.
package orders

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/esimhub-backend/api/middleware"
	"github.com/angelmondragon/esimhub-backend/api/responses"
	"github.com/angelmondragon/esimhub-backend/api/validators"
	"github.com/angelmondragon/esimhub-backend/internal/fulfillment"
	internalorders "github.com/angelmondragon/esimhub-backend/internal/orders"
	"github.com/angelmondragon/esimhub-backend/internal/suppliers"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
	"github.com/angelmondragon/esimhub-backend/pkg/pagination"
)

type purchaser interface {
	Purchase(ctx context.Context, input fulfillment.PurchaseInput) (*fulfillment.OrderOutcome, error)
	TopUp(ctx context.Context, input fulfillment.TopUpInput) (*fulfillment.TopupOutcome, error)
}

var (
	outcomeCompleted = suppliers.Outcome(suppliers.Completed{})
	outcomePending   = suppliers.Outcome(suppliers.Pending{})
)

// List returns the agent's orders, newest first.
func List(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		agentID, err := requireAgent(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		limit, err := validators.QueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		filters, err := buildFilters(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		list, err := svc.List(r.Context(), agentID, pagination.Params{
			Limit:  limit,
			Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
		}, filters)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, list)
	}
}

// Detail returns one order after ensuring the agent owns it.
func Detail(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		agentID, err := requireAgent(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		rawOrderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
		if rawOrderID == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "order id is required"))
			return
		}
		orderID, err := uuid.Parse(rawOrderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid order id"))
			return
		}

		summary, err := svc.Get(r.Context(), agentID, orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, summary)
	}
}

type customerInfo struct {
	Name  string `json:"name" validate:"max=200"`
	Email string `json:"email" validate:"omitempty,email"`
	Phone string `json:"phone" validate:"max=40"`
}

type purchaseRequest struct {
	PlanID       uuid.UUID     `json:"plan_id" validate:"required"`
	CustomerInfo *customerInfo `json:"customer_info,omitempty"`
}

type purchaseResponse struct {
	Order   internalorders.OrderSummary `json:"order"`
	Outcome string                      `json:"outcome"`
	Reason  string                      `json:"reason,omitempty"`
}

// Purchase debits the wallet and provisions a single eSIM. A supplier that
// is still working returns 202 with the order marked processing.
func Purchase(svc purchaser, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "fulfillment service unavailable"))
			return
		}
		agentID, err := requireAgent(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload purchaseRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		input := fulfillment.PurchaseInput{AgentID: agentID, PlanID: payload.PlanID}
		if c := payload.CustomerInfo; c != nil {
			input.Customer = fulfillment.Customer{Name: c.Name, Email: c.Email, Phone: c.Phone}
		}
		outcome, err := svc.Purchase(context.WithoutCancel(r.Context()), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		if outcome.Outcome != outcomeCompleted && outcome.Outcome != outcomePending {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeSupplierFailed, "esim provisioning failed").
				WithDetails(map[string]any{
					"order_id": outcome.Order.ID.String(),
					"reason":   outcome.Reason,
					"refunded": outcome.Refunded,
				}))
			return
		}

		responses.WriteSuccessStatus(w, outcomeStatus(outcome.Outcome), purchaseResponse{
			Order:   internalorders.Summarize(*outcome.Order),
			Outcome: outcome.Outcome,
			Reason:  outcome.Reason,
		})
	}
}

type topupRequest struct {
	ICCID  string    `json:"iccid" validate:"required,iccid"`
	PlanID uuid.UUID `json:"plan_id" validate:"required"`
}

type topupResponse struct {
	ID          uuid.UUID         `json:"id"`
	ICCID       string            `json:"iccid"`
	PlanID      uuid.UUID         `json:"plan_id"`
	Status      enums.TopupStatus `json:"status"`
	RetailPrice decimal.Decimal   `json:"retail_price"`
	Outcome     string            `json:"outcome"`
	Reason      string            `json:"reason,omitempty"`
	Balance     decimal.Decimal   `json:"balance"`
}

// TopUp charges the current price for extra data on an eSIM the agent sold.
func TopUp(svc purchaser, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "fulfillment service unavailable"))
			return
		}
		agentID, err := requireAgent(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload topupRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		outcome, err := svc.TopUp(context.WithoutCancel(r.Context()), fulfillment.TopUpInput{
			AgentID: agentID,
			ICCID:   payload.ICCID,
			PlanID:  payload.PlanID,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		if outcome.Outcome != outcomeCompleted && outcome.Outcome != outcomePending {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeSupplierFailed, "top-up failed").
				WithDetails(map[string]any{
					"topup_id": outcome.Topup.ID.String(),
					"reason":   outcome.Reason,
					"refunded": outcome.Refunded,
					"balance":  outcome.Balance.StringFixed(2),
				}))
			return
		}

		topup := outcome.Topup
		responses.WriteSuccessStatus(w, outcomeStatus(outcome.Outcome), topupResponse{
			ID:          topup.ID,
			ICCID:       topup.ICCID,
			PlanID:      topup.PlanID,
			Status:      topup.Status,
			RetailPrice: topup.RetailPrice,
			Outcome:     outcome.Outcome,
			Reason:      outcome.Reason,
			Balance:     outcome.Balance,
		})
	}
}

func outcomeStatus(outcome string) int {
	if outcome == outcomePending {
		return http.StatusAccepted
	}
	return http.StatusCreated
}

func buildFilters(r *http.Request) (internalorders.ListFilters, error) {
	var filters internalorders.ListFilters
	query := r.URL.Query()
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status, err := enums.ParseOrderStatus(raw)
		if err != nil {
			return filters, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status filter")
		}
		filters.Status = &status
	}
	if raw := strings.TrimSpace(query.Get("supplier")); raw != "" {
		supplier, err := enums.ParseSupplier(raw)
		if err != nil {
			return filters, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid supplier filter")
		}
		filters.Supplier = &supplier
	}
	filters.Query = validators.CleanText(query.Get("q"), 100)
	return filters, nil
}

func requireAgent(r *http.Request) (uuid.UUID, error) {
	agentID, ok := middleware.AgentIDFromContext(r.Context())
	if !ok {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "agent context missing")
	}
	return agentID, nil
}
