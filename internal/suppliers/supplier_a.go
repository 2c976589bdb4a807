package suppliers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/esimhub-backend/pkg/db/models"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
	"github.com/angelmondragon/esimhub-backend/pkg/suppliera"
)

const (
	defaultPollAttempts = 10
	defaultPollInterval = 3 * time.Second
)

var errProfileNotReady = errors.New("esim list empty")

type supplierAClient interface {
	PlaceOrder(ctx context.Context, req suppliera.OrderRequest) (string, error)
	QueryOrder(ctx context.Context, orderNo string) ([]suppliera.Profile, error)
	QueryICCID(ctx context.Context, iccid string) (*suppliera.Profile, error)
	TopUp(ctx context.Context, iccid, packageCode, transactionID string) (*suppliera.TopupResult, error)
	GetPackage(ctx context.Context, packageCode string) (*suppliera.Package, error)
}

// PollPolicy bounds the provisioning poll loop.
type PollPolicy struct {
	Attempts int
	Interval time.Duration
}

// SupplierA places batch orders and polls for the allocated profile.
type SupplierA struct {
	client supplierAClient
	poll   PollPolicy
}

func NewSupplierA(client supplierAClient, poll PollPolicy) (*SupplierA, error) {
	if client == nil {
		return nil, errors.New("supplier a client required")
	}
	if poll.Attempts <= 0 {
		poll.Attempts = defaultPollAttempts
	}
	if poll.Interval < 0 {
		poll.Interval = defaultPollInterval
	}
	return &SupplierA{client: client, poll: poll}, nil
}

func (a *SupplierA) Supplier() enums.Supplier { return enums.SupplierA }

func (a *SupplierA) PlaceOrder(ctx context.Context, plan models.Plan, orderID uuid.UUID) (*Handle, error) {
	price := suppliera.PriceToUnits(plan.WholesalePrice)
	orderNo, err := a.client.PlaceOrder(ctx, suppliera.OrderRequest{
		TransactionID: orderID.String(),
		Amount:        price,
		PackageInfoList: []suppliera.PackageInfo{{
			PackageCode: plan.SupplierPlanCode,
			Count:       1,
			Price:       price,
		}},
	})
	if err != nil {
		return nil, err
	}
	return &Handle{Supplier: enums.SupplierA, OrderID: orderID, SupplierOrderID: orderNo}, nil
}

// PollForProvisioning queries the order until the eSIM list is non-empty.
// Running out of attempts is Pending, never Failed.
func (a *SupplierA) PollForProvisioning(ctx context.Context, handle Handle) Result {
	var profile *suppliera.Profile
	backoff := retry.WithMaxRetries(uint64(a.poll.Attempts-1), retry.NewConstant(maxDuration(a.poll.Interval, time.Nanosecond)))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		profiles, err := a.client.QueryOrder(ctx, handle.SupplierOrderID)
		if err != nil {
			if pkgerrors.Is(err, pkgerrors.CodeSupplierPending) {
				return retry.RetryableError(err)
			}
			return err
		}
		if len(profiles) == 0 {
			return retry.RetryableError(errProfileNotReady)
		}
		profile = &profiles[0]
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, errProfileNotReady):
		return Pending{Reason: ReasonProvisioningTimeout}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Pending{Reason: ReasonProvisioningTimeout}
	default:
		return Classify(err)
	}

	raw, _ := json.Marshal(profile)
	return Completed{Profile: EsimProfile{
		ICCID:                 profile.ICCID,
		ActivationCode:        profile.ActivationCode,
		ManualCode:            profile.MatchingID(),
		SMDPAddress:           profile.SMDPAddress(),
		QRCodeURL:             profile.QRCodeURL,
		SupplierOrderID:       handle.SupplierOrderID,
		SupplierTransactionID: firstNonEmpty(profile.TransactionNo, handle.OrderID.String()),
		Status:                profile.ESIMStatus,
		Raw:                   raw,
	}}
}

func (a *SupplierA) GetStatus(ctx context.Context, iccid string) (*RemoteStatus, error) {
	profile, err := a.client.QueryICCID(ctx, iccid)
	if err != nil {
		return nil, err
	}
	raw, _ := json.Marshal(profile)
	return &RemoteStatus{Supplier: enums.SupplierA, ICCID: profile.ICCID, Status: profile.ESIMStatus, Raw: raw}, nil
}

func (a *SupplierA) TopUp(ctx context.Context, iccid, planCode, reference string) (*TopupResult, error) {
	result, err := a.client.TopUp(ctx, iccid, planCode, reference)
	if err != nil {
		return nil, err
	}
	return &TopupResult{Reference: firstNonEmpty(result.TransactionID, reference)}, nil
}

func (a *SupplierA) CurrentPrice(ctx context.Context, planCode string) (decimal.Decimal, error) {
	pkg, err := a.client.GetPackage(ctx, planCode)
	if err != nil {
		return decimal.Zero, err
	}
	return pkg.PriceUSD(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
