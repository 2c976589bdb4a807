package suppliers

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/esimhub-backend/pkg/db/models"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
	"github.com/angelmondragon/esimhub-backend/pkg/supplierb"
)

type supplierBClient interface {
	CreateESIM(ctx context.Context, planTypeID, tag string) (*supplierb.ESIM, error)
	GetESIM(ctx context.Context, iccid string) (*supplierb.ESIM, json.RawMessage, error)
	AddPlan(ctx context.Context, iccid, planTypeID string) (*supplierb.Plan, error)
	GetPlanType(ctx context.Context, planTypeID string) (*supplierb.PlanType, error)
}

// SupplierB creates eSIMs synchronously.
type SupplierB struct {
	client supplierBClient
}

func NewSupplierB(client supplierBClient) (*SupplierB, error) {
	if client == nil {
		return nil, errors.New("supplier b client required")
	}
	return &SupplierB{client: client}, nil
}

func (b *SupplierB) Supplier() enums.Supplier { return enums.SupplierB }

func (b *SupplierB) PlaceOrder(ctx context.Context, plan models.Plan, orderID uuid.UUID) (*Handle, error) {
	esim, err := b.client.CreateESIM(ctx, plan.SupplierPlanCode, orderID.String())
	if err != nil {
		return nil, err
	}
	raw, _ := json.Marshal(esim)
	supplierOrderID := firstNonEmpty(esim.UID, esim.ICCID)
	return &Handle{
		Supplier:        enums.SupplierB,
		OrderID:         orderID,
		SupplierOrderID: supplierOrderID,
		Profile: &EsimProfile{
			ICCID:                 esim.ICCID,
			ActivationCode:        esim.ActivationCode,
			ManualCode:            esim.ManualCode,
			SMDPAddress:           esim.SMDPAddress,
			SupplierOrderID:       supplierOrderID,
			SupplierTransactionID: orderID.String(),
			Status:                esim.State,
			Raw:                   raw,
		},
	}, nil
}

// PollForProvisioning returns the profile captured at creation.
func (b *SupplierB) PollForProvisioning(_ context.Context, handle Handle) Result {
	if handle.Profile == nil || handle.Profile.ICCID == "" {
		return Failed{Reason: "supplier returned no profile", Code: pkgerrors.CodeSupplierFailed}
	}
	return Completed{Profile: *handle.Profile}
}

func (b *SupplierB) GetStatus(ctx context.Context, iccid string) (*RemoteStatus, error) {
	esim, raw, err := b.client.GetESIM(ctx, iccid)
	if err != nil {
		return nil, err
	}
	return &RemoteStatus{Supplier: enums.SupplierB, ICCID: esim.ICCID, Status: raw, Raw: raw}, nil
}

func (b *SupplierB) TopUp(ctx context.Context, iccid, planCode, reference string) (*TopupResult, error) {
	plan, err := b.client.AddPlan(ctx, iccid, planCode)
	if err != nil {
		return nil, err
	}
	return &TopupResult{Reference: firstNonEmpty(plan.ID, reference)}, nil
}

func (b *SupplierB) CurrentPrice(ctx context.Context, planCode string) (decimal.Decimal, error) {
	planType, err := b.client.GetPlanType(ctx, planCode)
	if err != nil {
		return decimal.Zero, err
	}
	return planType.WholesalePrice()
}
