package webhooks

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/angelmondragon/esimhub-backend/api/responses"
	"github.com/angelmondragon/esimhub-backend/internal/reconciliation"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
)

// SecretHeader carries the shared secret configured with each supplier.
const SecretHeader = "X-Webhook-Secret"

type StatusReconciler interface {
	HandleWebhook(ctx context.Context, input reconciliation.WebhookInput) (*reconciliation.SyncResult, error)
}

type supplierAPayload struct {
	ICCID      string `json:"iccid"`
	EsimStatus string `json:"esimStatus"`
}

type supplierBPayload struct {
	ICCID  string          `json:"iccid"`
	Status json.RawMessage `json:"status"`
}

// SupplierAWebhook applies eSIM status pushes of the form {iccid, esimStatus}.
func SupplierAWebhook(svc StatusReconciler, secret string, logg *logger.Logger) http.HandlerFunc {
	return supplierWebhook(enums.SupplierA, svc, secret, logg, func(body []byte) (reconciliation.WebhookInput, error) {
		var payload supplierAPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			return reconciliation.WebhookInput{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid webhook payload")
		}
		if strings.TrimSpace(payload.EsimStatus) == "" {
			return reconciliation.WebhookInput{}, pkgerrors.New(pkgerrors.CodeValidation, "esimStatus is required")
		}
		return reconciliation.WebhookInput{ICCID: payload.ICCID, Status: payload.EsimStatus}, nil
	})
}

// SupplierBWebhook applies status pushes keyed by ICCID. The status may be a
// nested "status" object or string; otherwise the whole payload is the status.
func SupplierBWebhook(svc StatusReconciler, secret string, logg *logger.Logger) http.HandlerFunc {
	return supplierWebhook(enums.SupplierB, svc, secret, logg, func(body []byte) (reconciliation.WebhookInput, error) {
		var payload supplierBPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			return reconciliation.WebhookInput{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid webhook payload")
		}
		status := json.RawMessage(body)
		if trimmed := bytes.TrimSpace(payload.Status); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
			status = payload.Status
		}
		return reconciliation.WebhookInput{ICCID: payload.ICCID, Status: status}, nil
	})
}

func supplierWebhook(supplier enums.Supplier, svc StatusReconciler, secret string, logg *logger.Logger, decode func([]byte) (reconciliation.WebhookInput, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithSupplier(ctx, string(supplier))
		}
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "status reconciliation unavailable"))
			return
		}

		provided := strings.TrimSpace(r.Header.Get(SecretHeader))
		if secret == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid webhook secret"))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}
		input, err := decode(body)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		input.Supplier = supplier
		input.ICCID = strings.TrimSpace(input.ICCID)
		input.Raw = json.RawMessage(body)
		if input.ICCID == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "iccid is required"))
			return
		}

		res, err := svc.HandleWebhook(ctx, input)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{
			"iccid":          input.ICCID,
			"display_status": res.Status.DisplayStatus,
			"changed":        res.Changed,
		})
	}
}
