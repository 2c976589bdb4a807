// Package internalapi serves the routes other backend services call with the
// shared internal token.
package internalapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/esimhub-backend/api/responses"
	"github.com/angelmondragon/esimhub-backend/api/validators"
	"github.com/angelmondragon/esimhub-backend/internal/fulfillment"
	"github.com/angelmondragon/esimhub-backend/internal/orders"
	"github.com/angelmondragon/esimhub-backend/internal/reconciliation"
	"github.com/angelmondragon/esimhub-backend/internal/suppliers"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
)

type provisioner interface {
	ProvisionOrder(ctx context.Context, input fulfillment.ProvisionInput) (*fulfillment.OrderOutcome, error)
	RetrySweep(ctx context.Context) (*fulfillment.SweepResult, error)
}

type statusSyncer interface {
	SyncByICCID(ctx context.Context, iccid string, source enums.StatusSource) (*reconciliation.SyncResult, error)
}

type provisionRequest struct {
	OrderID uuid.UUID `json:"order_id" validate:"required"`
	PlanID  uuid.UUID `json:"plan_id"`
}

type provisionResponse struct {
	Success         bool    `json:"success"`
	Processing      bool    `json:"processing,omitempty"`
	ICCID           *string `json:"iccid"`
	SupplierOrderNo *string `json:"supplier_order_no"`
	Reason          string  `json:"reason,omitempty"`
}

// ProvisionOrder places the supplier order for a pending order created by
// wallet checkout.
func ProvisionOrder(svc provisioner, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "fulfillment service unavailable"))
			return
		}
		var payload provisionRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		outcome, err := svc.ProvisionOrder(context.WithoutCancel(r.Context()), fulfillment.ProvisionInput{
			OrderID: payload.OrderID,
			PlanID:  payload.PlanID,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		switch outcome.Outcome {
		case suppliers.Outcome(suppliers.Completed{}):
			responses.WriteSuccess(w, provisionResponse{
				Success:         true,
				ICCID:           outcome.Order.ICCID,
				SupplierOrderNo: outcome.Order.SupplierOrderID,
			})
		case suppliers.Outcome(suppliers.Pending{}):
			responses.WriteSuccessStatus(w, http.StatusAccepted, provisionResponse{
				Processing: true,
				Reason:     outcome.Reason,
			})
		default:
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeSupplierFailed, "esim provisioning failed").
				WithDetails(map[string]any{
					"order_id": payload.OrderID.String(),
					"reason":   outcome.Reason,
					"refunded": outcome.Refunded,
				}))
		}
	}
}

type statusSyncRequest struct {
	ICCID string `json:"iccid" validate:"required,iccid"`
}

type statusSyncResponse struct {
	Order   orders.OrderSummary             `json:"order"`
	Status  reconciliation.NormalizedStatus `json:"status"`
	Changed bool                            `json:"changed"`
}

// StatusSync pulls the live status of one eSIM from its supplier.
func StatusSync(svc statusSyncer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "status reconciliation unavailable"))
			return
		}
		var payload statusSyncRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		res, err := svc.SyncByICCID(r.Context(), payload.ICCID, enums.StatusSourceManual)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, statusSyncResponse{
			Order:   orders.Summarize(*res.Order),
			Status:  res.Status,
			Changed: res.Changed,
		})
	}
}

// RetrySweep re-attempts orders parked while their supplier was busy.
func RetrySweep(svc provisioner, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "fulfillment service unavailable"))
			return
		}
		res, err := svc.RetrySweep(context.WithoutCancel(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if res.Results == nil {
			res.Results = []fulfillment.SweepItem{}
		}
		responses.WriteSuccess(w, res)
	}
}
