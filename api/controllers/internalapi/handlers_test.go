package internalapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/angelmondragon/esimhub-backend/internal/fulfillment"
	"github.com/angelmondragon/esimhub-backend/internal/reconciliation"
	"github.com/angelmondragon/esimhub-backend/pkg/db/models"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
)

type stubProvisioner struct {
	input   fulfillment.ProvisionInput
	outcome *fulfillment.OrderOutcome
	sweep   *fulfillment.SweepResult
	err     error
}

func (s *stubProvisioner) ProvisionOrder(ctx context.Context, input fulfillment.ProvisionInput) (*fulfillment.OrderOutcome, error) {
	s.input = input
	return s.outcome, s.err
}

func (s *stubProvisioner) RetrySweep(ctx context.Context) (*fulfillment.SweepResult, error) {
	return s.sweep, s.err
}

type stubSyncer struct {
	iccid  string
	source enums.StatusSource
	result *reconciliation.SyncResult
	err    error
}

func (s *stubSyncer) SyncByICCID(ctx context.Context, iccid string, source enums.StatusSource) (*reconciliation.SyncResult, error) {
	s.iccid = iccid
	s.source = source
	return s.result, s.err
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if err := json.Unmarshal(env.Data, dest); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func TestProvisionOrderCompleted(t *testing.T) {
	t.Parallel()
	iccid := "8981100000000000001"
	orderNo := "B24031500001"
	orderID := uuid.New()
	planID := uuid.New()
	svc := &stubProvisioner{outcome: &fulfillment.OrderOutcome{
		Order:   &models.Order{ID: orderID, ICCID: &iccid, SupplierOrderID: &orderNo},
		Outcome: "completed",
	}}

	body := `{"order_id":"` + orderID.String() + `","plan_id":"` + planID.String() + `"}`
	rec := httptest.NewRecorder()
	ProvisionOrder(svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/internal/v1/suppliers/orders", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if svc.input.OrderID != orderID || svc.input.PlanID != planID {
		t.Fatalf("unexpected input %+v", svc.input)
	}
	var data provisionResponse
	decodeData(t, rec, &data)
	if !data.Success || data.ICCID == nil || *data.ICCID != iccid || data.SupplierOrderNo == nil || *data.SupplierOrderNo != orderNo {
		t.Fatalf("unexpected response %+v", data)
	}
}

func TestProvisionOrderPendingAndFailed(t *testing.T) {
	t.Parallel()
	svc := &stubProvisioner{outcome: &fulfillment.OrderOutcome{Order: &models.Order{}, Outcome: "pending", Reason: "provider busy"}}
	body := `{"order_id":"` + uuid.NewString() + `"}`

	rec := httptest.NewRecorder()
	ProvisionOrder(svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var pending provisionResponse
	decodeData(t, rec, &pending)
	if pending.Success || !pending.Processing {
		t.Fatalf("unexpected pending response %+v", pending)
	}

	svc.outcome = &fulfillment.OrderOutcome{Order: &models.Order{}, Outcome: "failed", Reason: "sold out", Refunded: true}
	rec = httptest.NewRecorder()
	ProvisionOrder(svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestProvisionOrderStateConflict(t *testing.T) {
	t.Parallel()
	svc := &stubProvisioner{err: pkgerrors.New(pkgerrors.CodeStateConflict, "order already failed")}
	rec := httptest.NewRecorder()
	ProvisionOrder(svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"order_id":"`+uuid.NewString()+`"}`)))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestStatusSync(t *testing.T) {
	t.Parallel()
	display := "IN_USE"
	svc := &stubSyncer{result: &reconciliation.SyncResult{
		Order:   &models.Order{ID: uuid.New(), DisplayStatus: &display, IsActive: true},
		Status:  reconciliation.NormalizedStatus{DisplayStatus: display, IsConnected: true, IsActive: true},
		Changed: true,
	}}
	rec := httptest.NewRecorder()
	StatusSync(svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/internal/v1/status/sync", strings.NewReader(`{"iccid":"8981100000000000001"}`)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if svc.iccid != "8981100000000000001" || svc.source != enums.StatusSourceManual {
		t.Fatalf("unexpected call %+v", svc)
	}
	var data statusSyncResponse
	decodeData(t, rec, &data)
	if data.Status.DisplayStatus != display || !data.Order.IsActive || !data.Changed {
		t.Fatalf("unexpected response %+v", data)
	}

	rec = httptest.NewRecorder()
	StatusSync(svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRetrySweep(t *testing.T) {
	t.Parallel()
	svc := &stubProvisioner{sweep: &fulfillment.SweepResult{}}
	rec := httptest.NewRecorder()
	RetrySweep(svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/internal/v1/retry-sweep", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"processed":0`) || !strings.Contains(rec.Body.String(), `"results":[]`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}
