// Package suppliers hides the two upstream eSIM suppliers behind one
// Adapter interface and classifies every upstream error into a Result.
package suppliers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/esimhub-backend/pkg/db/models"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
)

// Handle identifies an order placed with a supplier.
type Handle struct {
	Supplier        enums.Supplier
	OrderID         uuid.UUID
	SupplierOrderID string
	// Profile is set when the supplier returned the eSIM synchronously.
	Profile *EsimProfile
}

// RemoteStatus is the supplier's raw view of an eSIM. Status holds the value
// the normalizer for that supplier expects.
type RemoteStatus struct {
	Supplier enums.Supplier
	ICCID    string
	Status   any
	Raw      json.RawMessage
}

// TopupResult acknowledges a top-up.
type TopupResult struct {
	Reference string
}

// Adapter is implemented once per supplier.
type Adapter interface {
	Supplier() enums.Supplier
	PlaceOrder(ctx context.Context, plan models.Plan, orderID uuid.UUID) (*Handle, error)
	PollForProvisioning(ctx context.Context, handle Handle) Result
	GetStatus(ctx context.Context, iccid string) (*RemoteStatus, error)
	TopUp(ctx context.Context, iccid, planCode, reference string) (*TopupResult, error)
	CurrentPrice(ctx context.Context, planCode string) (decimal.Decimal, error)
}

// Registry selects the adapter for a plan's supplier.
type Registry struct {
	adapters map[enums.Supplier]Adapter
}

func NewRegistry(adapters ...Adapter) (*Registry, error) {
	registry := &Registry{adapters: map[enums.Supplier]Adapter{}}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		if _, exists := registry.adapters[adapter.Supplier()]; exists {
			return nil, fmt.Errorf("duplicate adapter for supplier %q", adapter.Supplier())
		}
		registry.adapters[adapter.Supplier()] = adapter
	}
	if len(registry.adapters) == 0 {
		return nil, fmt.Errorf("at least one supplier adapter required")
	}
	return registry, nil
}

// Get returns the adapter for supplier.
func (r *Registry) Get(supplier enums.Supplier) (Adapter, error) {
	if r != nil {
		if adapter, ok := r.adapters[supplier]; ok {
			return adapter, nil
		}
	}
	return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("no adapter configured for supplier %q", supplier))
}

// Suppliers lists the configured suppliers.
func (r *Registry) Suppliers() []enums.Supplier {
	out := make([]enums.Supplier, 0, len(r.adapters))
	for _, s := range []enums.Supplier{enums.SupplierA, enums.SupplierB} {
		if _, ok := r.adapters[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Provision places the order and waits for the profile. Every error comes
// back as a classified Result.
func Provision(ctx context.Context, adapter Adapter, plan models.Plan, orderID uuid.UUID) Result {
	if adapter == nil {
		return Failed{Reason: "no supplier adapter", Code: pkgerrors.CodeValidation}
	}
	if plan.Supplier != adapter.Supplier() {
		return Failed{Reason: fmt.Sprintf("plan belongs to %s", plan.Supplier), Code: pkgerrors.CodeValidation}
	}
	handle, err := adapter.PlaceOrder(ctx, plan, orderID)
	if err != nil {
		return Classify(err)
	}
	return withHandle(adapter.PollForProvisioning(ctx, *handle), handle)
}

// Resume polls an order the supplier already accepted. It never places a
// second order.
func Resume(ctx context.Context, adapter Adapter, handle Handle) Result {
	if adapter == nil {
		return Failed{Reason: "no supplier adapter", Code: pkgerrors.CodeValidation}
	}
	if handle.Supplier != adapter.Supplier() {
		return Failed{Reason: fmt.Sprintf("order belongs to %s", handle.Supplier), Code: pkgerrors.CodeValidation}
	}
	if handle.SupplierOrderID == "" {
		return Failed{Reason: "supplier order id is required", Code: pkgerrors.CodeValidation}
	}
	return withHandle(adapter.PollForProvisioning(ctx, handle), &handle)
}

func withHandle(result Result, handle *Handle) Result {
	if pending, ok := result.(Pending); ok && pending.Handle == nil {
		pending.Handle = handle
		return pending
	}
	return result
}

// Timed runs attempt and reports the elapsed wall time.
func Timed(attempt func() Result) (Result, time.Duration) {
	start := time.Now()
	result := attempt()
	return result, time.Since(start)
}

// ProvisionTimed is Provision plus the elapsed wall time.
func ProvisionTimed(ctx context.Context, adapter Adapter, plan models.Plan, orderID uuid.UUID) (Result, time.Duration) {
	return Timed(func() Result { return Provision(ctx, adapter, plan, orderID) })
}
