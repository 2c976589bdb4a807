// Package payments confirms card top-ups from Stripe and Razorpay and credits
// the agent wallet exactly once per payment.
package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/esimhub-backend/internal/ledger"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
	"github.com/angelmondragon/esimhub-backend/pkg/razorpay"
)

const (
	StatusCredited         = "credited"
	StatusAlreadyConfirmed = "already_confirmed"

	agentMetadataKey = "agent_id"
)

var centsPerUnit = decimal.NewFromInt(100)

var providerDescriptions = map[enums.PaymentProvider]string{
	enums.PaymentProviderStripe:   "Stripe wallet top-up",
	enums.PaymentProviderRazorpay: "Razorpay wallet top-up",
}

type checkoutSessions interface {
	GetCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error)
}

type razorpayOrders interface {
	FetchOrder(ctx context.Context, orderID string) (*razorpay.Order, error)
	VerifyPaymentSignature(orderID, paymentID, signature string) bool
}

// Service credits wallets from external payment providers.
type Service interface {
	ConfirmStripe(ctx context.Context, agentID uuid.UUID, sessionID string) (*Confirmation, error)
	HandleStripeEvent(ctx context.Context, event *stripe.Event) error
	ConfirmRazorpay(ctx context.Context, agentID uuid.UUID, input RazorpayInput) (*Confirmation, error)
}

// Confirmation reports whether this call credited the wallet.
type Confirmation struct {
	Status   string                `json:"status"`
	Provider enums.PaymentProvider `json:"provider"`
	Balance  decimal.Decimal       `json:"balance"`
	Amount   decimal.Decimal       `json:"amount"`
}

type RazorpayInput struct {
	OrderID   string
	PaymentID string
	Signature string
}

// ServiceParams bundles payment dependencies. Either provider may be nil
// when it is not configured for the deployment.
type ServiceParams struct {
	Ledger   ledger.Service
	Stripe   checkoutSessions
	Razorpay razorpayOrders
	Logger   *logger.Logger
}

type service struct {
	ledger   ledger.Service
	stripe   checkoutSessions
	razorpay razorpayOrders
	logg     *logger.Logger
}

func NewService(params ServiceParams) (Service, error) {
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		ledger:   params.Ledger,
		stripe:   params.Stripe,
		razorpay: params.Razorpay,
		logg:     params.Logger,
	}, nil
}

func (s *service) ConfirmStripe(ctx context.Context, agentID uuid.UUID, sessionID string) (*Confirmation, error) {
	if s.stripe == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "stripe is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "session_id is required")
	}
	sess, err := s.stripe.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	owner, err := sessionAgent(sess)
	if err != nil {
		return nil, err
	}
	if owner != agentID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "checkout session belongs to another agent")
	}
	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment not completed").
			WithDetails(map[string]any{"payment_status": string(sess.PaymentStatus)})
	}
	return s.credit(ctx, agentID, enums.PaymentProviderStripe, sess.ID, centsToAmount(sess.AmountTotal))
}

// HandleStripeEvent credits completed Checkout Sessions delivered by webhook.
// Sessions without an agent id were not created by the wallet and are ignored.
func (s *service) HandleStripeEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil || event.Data == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
	default:
		return nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode checkout session")
	}
	logCtx := s.logg.WithFields(ctx, map[string]any{"stripe_event_id": event.ID, "session_id": sess.ID})
	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		s.logg.Info(logCtx, "checkout session not paid yet")
		return nil
	}
	agentID, err := sessionAgent(&sess)
	if err != nil {
		s.logg.Warn(logCtx, "checkout session without wallet agent ignored")
		return nil
	}
	_, err = s.credit(ctx, agentID, enums.PaymentProviderStripe, sess.ID, centsToAmount(sess.AmountTotal))
	return err
}

func (s *service) ConfirmRazorpay(ctx context.Context, agentID uuid.UUID, input RazorpayInput) (*Confirmation, error) {
	if s.razorpay == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "razorpay is not configured")
	}
	orderID := strings.TrimSpace(input.OrderID)
	paymentID := strings.TrimSpace(input.PaymentID)
	if orderID == "" || paymentID == "" || strings.TrimSpace(input.Signature) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "razorpay_order_id, razorpay_payment_id and razorpay_signature are required")
	}
	if !s.razorpay.VerifyPaymentSignature(orderID, paymentID, input.Signature) {
		s.logg.Warn(s.logg.WithFields(s.logg.WithAgentID(ctx, agentID.String()), map[string]any{
			"razorpay_order_id":   orderID,
			"razorpay_payment_id": paymentID,
		}), "razorpay signature mismatch")
		return nil, pkgerrors.New(pkgerrors.CodeInvalidSignature, "invalid payment signature")
	}

	order, err := s.razorpay.FetchOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if owner := strings.TrimSpace(order.Notes[agentMetadataKey]); owner != "" && owner != agentID.String() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "razorpay order belongs to another agent")
	}
	if order.Status != razorpay.StatusPaid || order.AmountPaid <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment not completed").
			WithDetails(map[string]any{"order_status": order.Status})
	}
	return s.credit(ctx, agentID, enums.PaymentProviderRazorpay, paymentID, order.PaidAmount())
}

func (s *service) credit(ctx context.Context, agentID uuid.UUID, provider enums.PaymentProvider, reference string, amount decimal.Decimal) (*Confirmation, error) {
	if !amount.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment amount must be positive")
	}
	res, err := s.ledger.Credit(ctx, ledger.Entry{
		AgentID:     agentID,
		Type:        enums.WalletTxDeposit,
		Amount:      amount,
		Description: providerDescriptions[provider],
		ReferenceID: reference,
	})
	if err != nil {
		return nil, err
	}
	status := StatusCredited
	if res.Duplicate {
		status = StatusAlreadyConfirmed
	}
	s.logg.Info(s.logg.WithFields(s.logg.WithAgentID(ctx, agentID.String()), map[string]any{
		"provider":     provider,
		"reference_id": reference,
		"amount":       amount.StringFixed(2),
		"status":       status,
	}), "wallet top-up confirmed")
	return &Confirmation{Status: status, Provider: provider, Balance: res.Balance, Amount: amount}, nil
}

func sessionAgent(sess *stripe.CheckoutSession) (uuid.UUID, error) {
	raw := ""
	if sess.Metadata != nil {
		raw = sess.Metadata[agentMetadataKey]
	}
	if strings.TrimSpace(raw) == "" {
		raw = sess.ClientReferenceID
	}
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "checkout session has no agent")
	}
	return id, nil
}

func centsToAmount(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Div(centsPerUnit)
}
