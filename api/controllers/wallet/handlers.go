// Package wallet exposes the agent wallet: balance, history, cart checkout
// and card top-up confirmation.
package wallet

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/esimhub-backend/api/middleware"
	"github.com/angelmondragon/esimhub-backend/api/responses"
	"github.com/angelmondragon/esimhub-backend/api/validators"
	"github.com/angelmondragon/esimhub-backend/internal/checkout"
	"github.com/angelmondragon/esimhub-backend/internal/ledger"
	"github.com/angelmondragon/esimhub-backend/internal/payments"
	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
	"github.com/angelmondragon/esimhub-backend/pkg/pagination"
)

type walletReader interface {
	Balance(ctx context.Context, agentID uuid.UUID) (decimal.Decimal, error)
	ListTransactions(ctx context.Context, agentID uuid.UUID, params pagination.Params) (*ledger.TransactionPage, error)
}

type paymentConfirmer interface {
	ConfirmStripe(ctx context.Context, agentID uuid.UUID, sessionID string) (*payments.Confirmation, error)
	ConfirmRazorpay(ctx context.Context, agentID uuid.UUID, input payments.RazorpayInput) (*payments.Confirmation, error)
}

// Checkout debits the wallet for a cart and creates one order per eSIM.
// Replays of a reference return the original orders with 200.
func Checkout(svc checkout.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}
		agentID, err := requireAgent(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload checkoutRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		// Provisioning runs after the debit commits; a dropped client must not abort it.
		res, err := svc.Execute(context.WithoutCancel(r.Context()), agentID, payload.toInput())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		status := http.StatusCreated
		if res.Replayed {
			status = http.StatusOK
		}
		responses.WriteSuccessStatus(w, status, newCheckoutResponse(res))
	}
}

func Balance(svc walletReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "wallet service unavailable"))
			return
		}
		agentID, err := requireAgent(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		balance, err := svc.Balance(r.Context(), agentID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"balance": balance})
	}
}

// Transactions lists wallet movements newest first.
func Transactions(svc walletReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "wallet service unavailable"))
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

		page, err := svc.ListTransactions(r.Context(), agentID, pagination.Params{
			Limit:  limit,
			Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp := transactionListResponse{
			Transactions: make([]transactionResponse, 0, len(page.Transactions)),
			NextCursor:   page.NextCursor,
		}
		for _, txn := range page.Transactions {
			resp.Transactions = append(resp.Transactions, newTransactionResponse(txn))
		}
		responses.WriteSuccess(w, resp)
	}
}

func ConfirmStripe(svc paymentConfirmer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payment service unavailable"))
			return
		}
		agentID, err := requireAgent(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload stripeConfirmRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		confirmation, err := svc.ConfirmStripe(r.Context(), agentID, payload.SessionID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, confirmation)
	}
}

func ConfirmRazorpay(svc paymentConfirmer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payment service unavailable"))
			return
		}
		agentID, err := requireAgent(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload razorpayConfirmRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		confirmation, err := svc.ConfirmRazorpay(r.Context(), agentID, payments.RazorpayInput{
			OrderID:   payload.OrderID,
			PaymentID: payload.PaymentID,
			Signature: payload.Signature,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, confirmation)
	}
}

func requireAgent(r *http.Request) (uuid.UUID, error) {
	agentID, ok := middleware.AgentIDFromContext(r.Context())
	if !ok {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "agent context missing")
	}
	return agentID, nil
}
