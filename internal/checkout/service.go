// Package checkout charges an agent's wallet for a whole cart in one debit
// and creates one pending order per eSIM.
package checkout

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/esimhub-backend/internal/agents"
	"github.com/angelmondragon/esimhub-backend/internal/checkout/helpers"
	"github.com/angelmondragon/esimhub-backend/internal/fulfillment"
	"github.com/angelmondragon/esimhub-backend/internal/ledger"
	"github.com/angelmondragon/esimhub-backend/internal/orders"
	"github.com/angelmondragon/esimhub-backend/internal/plans"
	"github.com/angelmondragon/esimhub-backend/internal/pricing"
	"github.com/angelmondragon/esimhub-backend/internal/suppliers"
	"github.com/angelmondragon/esimhub-backend/pkg/db"
	"github.com/angelmondragon/esimhub-backend/pkg/db/models"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type adapterSource interface {
	Get(supplier enums.Supplier) (suppliers.Adapter, error)
}

type provisioner interface {
	ProvisionOrder(ctx context.Context, input fulfillment.ProvisionInput) (*fulfillment.OrderOutcome, error)
}

// Service executes wallet checkout.
type Service interface {
	Execute(ctx context.Context, agentID uuid.UUID, input CheckoutInput) (*Result, error)
}

// CheckoutInput is the submitted cart. Amount is optional and, when set,
// must equal the server-side total.
type CheckoutInput struct {
	Amount      *decimal.Decimal
	Description string
	ReferenceID string
	CartItems   []helpers.CartItem
	Customer    helpers.Customer
}

// Result is the wallet balance and the orders created for the reference.
type Result struct {
	Balance  decimal.Decimal
	OrderIDs []uuid.UUID
	// Replayed is set when the reference had already been checked out.
	Replayed bool
	Outcomes []OrderOutcome
}

type OrderOutcome struct {
	OrderID uuid.UUID
	Outcome string
	Reason  string
}

// ServiceParams bundles checkout dependencies. Provisioner may be nil, in
// which case orders are left pending for the internal provisioning call.
type ServiceParams struct {
	Tx          txRunner
	Orders      orders.Repository
	Plans       plans.Repository
	Agents      agents.Repository
	Ledger      ledger.Service
	Pricing     pricing.Resolver
	Adapters    adapterSource
	Provisioner provisioner
	Logger      *logger.Logger
}

type service struct {
	tx          txRunner
	orders      orders.Repository
	plans       plans.Repository
	agents      agents.Repository
	ledger      ledger.Service
	pricing     pricing.Resolver
	adapters    adapterSource
	provisioner provisioner
	logg        *logger.Logger
}

// NewService builds the checkout service.
func NewService(params ServiceParams) (Service, error) {
	if params.Tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if params.Plans == nil {
		return nil, fmt.Errorf("plans repository required")
	}
	if params.Agents == nil {
		return nil, fmt.Errorf("agents repository required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger required")
	}
	if params.Pricing == nil {
		return nil, fmt.Errorf("pricing resolver required")
	}
	if params.Adapters == nil {
		return nil, fmt.Errorf("supplier adapters required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		tx:          params.Tx,
		orders:      params.Orders,
		plans:       params.Plans,
		agents:      params.Agents,
		ledger:      params.Ledger,
		pricing:     params.Pricing,
		adapters:    params.Adapters,
		provisioner: params.Provisioner,
		logg:        params.Logger,
	}, nil
}

func (s *service) Execute(ctx context.Context, agentID uuid.UUID, input CheckoutInput) (*Result, error) {
	if _, err := agents.RequireApproved(ctx, s.agents, agentID); err != nil {
		return nil, err
	}
	reference, err := helpers.ValidateReference(input.ReferenceID)
	if err != nil {
		return nil, err
	}
	existing, err := s.existingOrders(ctx, s.orders, agentID, reference)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return s.replayed(ctx, agentID, reference, existing)
	}
	if err := helpers.ValidateItems(input.CartItems); err != nil {
		return nil, err
	}

	loaded := map[uuid.UUID]*models.Plan{}
	prices := map[uuid.UUID]decimal.Decimal{}
	wholesale := map[uuid.UUID]decimal.Decimal{}
	for _, planID := range helpers.DistinctPlans(input.CartItems) {
		plan, err := s.plans.FindActive(ctx, planID)
		if err != nil {
			return nil, err
		}
		if _, err := s.adapters.Get(plan.Supplier); err != nil {
			return nil, err
		}
		quote, err := s.pricing.Resolve(ctx, pricing.ResolveInput{AgentID: agentID, Plan: *plan})
		if err != nil {
			return nil, err
		}
		loaded[planID] = plan
		prices[planID] = quote.Retail
		wholesale[planID] = quote.Wholesale
	}

	lines := helpers.ExpandLines(input.CartItems, input.Customer)
	total := helpers.Total(lines, prices)
	if err := helpers.ValidateAmount(input.Amount, total); err != nil {
		return nil, err
	}
	description := input.Description
	if description == "" {
		description = fmt.Sprintf("Checkout %s (%d eSIMs)", reference, len(lines))
	}

	var (
		result   *Result
		orderIDs = make([]uuid.UUID, 0, len(lines))
	)
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		ordersRepo := s.orders.WithTx(tx)
		// Re-check inside the transaction so a concurrent replay loses.
		rows, err := s.existingOrders(ctx, ordersRepo, agentID, reference)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			existing = rows
			return nil
		}

		debit, err := s.ledger.DebitTx(ctx, tx, ledger.Entry{
			AgentID:     agentID,
			Type:        enums.WalletTxPurchase,
			Amount:      total,
			Description: description,
			ReferenceID: reference,
		})
		if err != nil {
			return err
		}

		for _, line := range lines {
			plan := loaded[line.PlanID]
			ref := reference
			order := &models.Order{
				AgentID:           agentID,
				PlanID:            plan.ID,
				Supplier:          plan.Supplier,
				CheckoutReference: &ref,
				CustomerName:      line.Customer.Name,
				CustomerEmail:     line.Customer.Email,
				CustomerPhone:     line.Customer.Phone,
				WholesalePrice:    wholesale[plan.ID],
				RetailPrice:       prices[plan.ID],
				Status:            enums.OrderStatusPending,
			}
			if err := ordersRepo.Create(ctx, order); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
			}
			orderIDs = append(orderIDs, order.ID)
		}
		result = &Result{Balance: debit.Balance, OrderIDs: orderIDs}
		return nil
	})
	if db.IsUniqueViolation(err, "") {
		// A concurrent checkout for the reference committed its debit first.
		return s.replayAfterRace(ctx, agentID, reference)
	}
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return s.replayed(ctx, agentID, reference, existing)
	}

	logCtx := s.logg.WithFields(s.logg.WithAgentID(ctx, agentID.String()), map[string]any{
		"reference_id": reference,
		"orders":       len(orderIDs),
		"total":        total.StringFixed(2),
	})
	s.logg.Info(logCtx, "checkout debited")

	if s.provisioner == nil {
		return result, nil
	}
	result.Outcomes = s.provisionAll(ctx, orderIDs)
	balance, err := s.ledger.Balance(ctx, agentID)
	if err != nil {
		s.logg.Error(logCtx, "reload balance after provisioning", err)
		return result, nil
	}
	result.Balance = balance
	return result, nil
}

// provisionAll provisions each order in turn. Errors stay on the order's
// outcome; the debit has already committed.
func (s *service) provisionAll(ctx context.Context, orderIDs []uuid.UUID) []OrderOutcome {
	ctx = context.WithoutCancel(ctx)
	out := make([]OrderOutcome, 0, len(orderIDs))
	for _, id := range orderIDs {
		res, err := s.provisioner.ProvisionOrder(ctx, fulfillment.ProvisionInput{OrderID: id})
		if err != nil {
			s.logg.Error(s.logg.WithOrderID(ctx, id.String()), "provision checkout order", err)
			out = append(out, OrderOutcome{OrderID: id, Outcome: "error", Reason: err.Error()})
			continue
		}
		out = append(out, OrderOutcome{OrderID: id, Outcome: res.Outcome, Reason: res.Reason})
	}
	return out
}

func (s *service) existingOrders(ctx context.Context, repo orders.Repository, agentID uuid.UUID, reference string) ([]uuid.UUID, error) {
	rows, err := repo.ListByCheckoutReference(ctx, agentID, reference)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load checkout orders")
	}
	ids := make([]uuid.UUID, 0, len(rows))
	for _, order := range rows {
		ids = append(ids, order.ID)
	}
	return ids, nil
}

func (s *service) replayAfterRace(ctx context.Context, agentID uuid.UUID, reference string) (*Result, error) {
	ids, err := s.existingOrders(ctx, s.orders, agentID, reference)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "checkout reference already charged").
			WithDetails(map[string]any{"reference_id": reference})
	}
	return s.replayed(ctx, agentID, reference, ids)
}

func (s *service) replayed(ctx context.Context, agentID uuid.UUID, reference string, ids []uuid.UUID) (*Result, error) {
	balance, err := s.ledger.Balance(ctx, agentID)
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithField(s.logg.WithAgentID(ctx, agentID.String()), "reference_id", reference), "checkout reference replayed")
	return &Result{Balance: balance, OrderIDs: ids, Replayed: true}, nil
}
