// Package ledger owns agent wallet balances. Every balance change is a
// compare-and-swap on agents.wallet_balance plus one wallet_transactions row
// written in the same database transaction.
package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/esimhub-backend/internal/audit"
	"github.com/angelmondragon/esimhub-backend/pkg/db"
	"github.com/angelmondragon/esimhub-backend/pkg/db/models"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
	"github.com/angelmondragon/esimhub-backend/pkg/outbox"
	"github.com/angelmondragon/esimhub-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/esimhub-backend/pkg/pagination"
)

const maxSwapAttempts = 2

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service moves money in and out of agent wallets.
type Service interface {
	Debit(ctx context.Context, entry Entry) (*Result, error)
	DebitTx(ctx context.Context, tx *gorm.DB, entry Entry) (*Result, error)
	Credit(ctx context.Context, entry Entry) (*Result, error)
	CreditTx(ctx context.Context, tx *gorm.DB, entry Entry) (*Result, error)
	Refund(ctx context.Context, agentID, orderID uuid.UUID, amount decimal.Decimal, description string) (*Result, error)
	RefundTx(ctx context.Context, tx *gorm.DB, agentID, orderID uuid.UUID, amount decimal.Decimal, description string) (*Result, error)
	Balance(ctx context.Context, agentID uuid.UUID) (decimal.Decimal, error)
	ListTransactions(ctx context.Context, agentID uuid.UUID, params pagination.Params) (*TransactionPage, error)
	TransactionsForReference(ctx context.Context, referenceID string) ([]models.WalletTransaction, error)
	VerifyConservation(ctx context.Context, agentID uuid.UUID) (*ConservationReport, error)
}

// Entry describes a single wallet movement. Amount is a positive magnitude;
// the sign comes from Type.
type Entry struct {
	AgentID     uuid.UUID
	Type        enums.WalletTransactionType
	Amount      decimal.Decimal
	Description string
	ReferenceID string
}

// Result is the wallet state after a movement.
type Result struct {
	Balance     decimal.Decimal
	Transaction *models.WalletTransaction
	// Duplicate is set when a credit with the same reference already existed
	// and nothing was written.
	Duplicate bool
}

// TransactionPage is one cursor page of wallet history, newest first.
type TransactionPage struct {
	Transactions []models.WalletTransaction
	NextCursor   string
}

// ConservationReport compares the stored balance with the transaction log.
type ConservationReport struct {
	AgentID            uuid.UUID
	Balance            decimal.Decimal
	TransactionSum     decimal.Decimal
	LatestBalanceAfter *decimal.Decimal
	Balanced           bool
}

type service struct {
	tx     txRunner
	repo   Repository
	audit  audit.Recorder
	outbox outboxPublisher
	logg   *logger.Logger
}

// NewService wires the wallet ledger.
func NewService(tx txRunner, repo Repository, recorder audit.Recorder, publisher outboxPublisher, logg *logger.Logger) (Service, error) {
	if tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if recorder == nil {
		return nil, fmt.Errorf("audit recorder required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		tx:     tx,
		repo:   repo,
		audit:  recorder,
		outbox: publisher,
		logg:   logg,
	}, nil
}

func (s *service) Debit(ctx context.Context, entry Entry) (*Result, error) {
	var result *Result
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		result, err = s.DebitTx(ctx, tx, entry)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) DebitTx(ctx context.Context, tx *gorm.DB, entry Entry) (*Result, error) {
	if entry.Type == "" {
		entry.Type = enums.WalletTxDebit
	}
	if entry.Type.IsCredit() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("%s is not a debit type", entry.Type))
	}
	return s.apply(ctx, tx, entry)
}

func (s *service) Credit(ctx context.Context, entry Entry) (*Result, error) {
	if entry.Type == "" {
		entry.Type = enums.WalletTxCredit
	}
	var result *Result
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		result, err = s.CreditTx(ctx, tx, entry)
		return err
	})
	if err == nil {
		return result, nil
	}
	// A concurrent credit with the same reference won the unique index.
	if db.IsUniqueViolation(err, "") && strings.TrimSpace(entry.ReferenceID) != "" {
		entry.ReferenceID = strings.TrimSpace(entry.ReferenceID)
		existing, lookupErr := s.repo.FindByReference(ctx, entry.AgentID, entry.Type, entry.ReferenceID)
		if lookupErr == nil && existing != nil {
			// The losing transaction rolled back with its audit row.
			if auditErr := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
				return s.recordDuplicate(ctx, tx, entry, existing)
			}); auditErr != nil {
				s.logg.Error(s.logg.WithAgentID(ctx, entry.AgentID.String()), "audit duplicate wallet reference", auditErr)
			}
			return &Result{Balance: existing.BalanceAfter, Transaction: existing, Duplicate: true}, nil
		}
	}
	return nil, err
}

func (s *service) CreditTx(ctx context.Context, tx *gorm.DB, entry Entry) (*Result, error) {
	if entry.Type == "" {
		entry.Type = enums.WalletTxCredit
	}
	if !entry.Type.IsCredit() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("%s is not a credit type", entry.Type))
	}
	return s.apply(ctx, tx, entry)
}

func (s *service) Refund(ctx context.Context, agentID, orderID uuid.UUID, amount decimal.Decimal, description string) (*Result, error) {
	return s.Credit(ctx, refundEntry(agentID, orderID, amount, description))
}

func (s *service) RefundTx(ctx context.Context, tx *gorm.DB, agentID, orderID uuid.UUID, amount decimal.Decimal, description string) (*Result, error) {
	return s.CreditTx(ctx, tx, refundEntry(agentID, orderID, amount, description))
}

func refundEntry(agentID, orderID uuid.UUID, amount decimal.Decimal, description string) Entry {
	if strings.TrimSpace(description) == "" {
		description = "Refund for order " + orderID.String()
	}
	return Entry{
		AgentID:     agentID,
		Type:        enums.WalletTxRefund,
		Amount:      amount,
		Description: description,
		ReferenceID: orderID.String(),
	}
}

func (s *service) apply(ctx context.Context, tx *gorm.DB, entry Entry) (*Result, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction required")
	}
	if err := validateEntry(&entry); err != nil {
		return nil, err
	}
	repo := s.repo.WithTx(tx)

	if entry.Type.IsCredit() && entry.ReferenceID != "" {
		existing, err := repo.FindByReference(ctx, entry.AgentID, entry.Type, entry.ReferenceID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if err := s.recordDuplicate(ctx, tx, entry, existing); err != nil {
				return nil, err
			}
			return &Result{Balance: existing.BalanceAfter, Transaction: existing, Duplicate: true}, nil
		}
	}

	signed := entry.Amount
	if !entry.Type.IsCredit() {
		signed = signed.Neg()
	}

	for attempt := 1; attempt <= maxSwapAttempts; attempt++ {
		agent, err := repo.FindAgent(ctx, entry.AgentID)
		if err != nil {
			return nil, err
		}
		current := agent.WalletBalance.Round(2)
		next := current.Add(signed).Round(2)
		if next.IsNegative() {
			return nil, pkgerrors.New(pkgerrors.CodeInsufficientFunds, "insufficient wallet balance").
				WithDetails(map[string]any{
					"balance":  current.StringFixed(2),
					"required": entry.Amount.StringFixed(2),
				})
		}

		swapped, err := repo.CompareAndSwapBalance(ctx, entry.AgentID, agent.WalletBalance, next)
		if err != nil {
			return nil, err
		}
		if !swapped {
			s.logg.Warn(s.logg.WithAgentID(ctx, entry.AgentID.String()), "wallet balance changed underneath update")
			continue
		}

		txn := &models.WalletTransaction{
			AgentID:      entry.AgentID,
			Type:         entry.Type,
			Amount:       signed,
			BalanceAfter: next,
			Description:  entry.Description,
		}
		if entry.ReferenceID != "" {
			ref := entry.ReferenceID
			txn.ReferenceID = &ref
		}
		if err := repo.InsertTransaction(ctx, txn); err != nil {
			if db.IsUniqueViolation(err, "") {
				return nil, err
			}
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert wallet transaction")
		}
		if err := s.emitMovement(ctx, tx, txn, entry.ReferenceID); err != nil {
			return nil, err
		}
		return &Result{Balance: next, Transaction: txn}, nil
	}

	return nil, pkgerrors.New(pkgerrors.CodeConcurrentUpdate, "wallet was modified concurrently")
}

func validateEntry(entry *Entry) error {
	if entry.AgentID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "agent id is required")
	}
	if !entry.Type.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid wallet transaction type %q", entry.Type))
	}
	entry.Amount = entry.Amount.Round(2)
	if !entry.Amount.IsPositive() {
		return pkgerrors.New(pkgerrors.CodeValidation, "amount must be greater than zero")
	}
	entry.ReferenceID = strings.TrimSpace(entry.ReferenceID)
	entry.Description = strings.TrimSpace(entry.Description)
	return nil
}

func (s *service) recordDuplicate(ctx context.Context, tx *gorm.DB, entry Entry, existing *models.WalletTransaction) error {
	s.logDuplicate(ctx, entry)
	return s.audit.Record(ctx, tx, audit.Entry{
		AgentID:     entry.AgentID,
		Action:      enums.AuditActionDuplicateReference,
		Outcome:     enums.AuditOutcomeSkipped,
		ReferenceID: entry.ReferenceID,
		Details: map[string]any{
			"type":           string(entry.Type),
			"amount":         entry.Amount.StringFixed(2),
			"transaction_id": existing.ID.String(),
		},
	})
}

func (s *service) logDuplicate(ctx context.Context, entry Entry) {
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"agent_id":     entry.AgentID.String(),
		"type":         string(entry.Type),
		"reference_id": entry.ReferenceID,
	})
	s.logg.Info(logCtx, "wallet credit already applied for reference")
}

func (s *service) emitMovement(ctx context.Context, tx *gorm.DB, txn *models.WalletTransaction, referenceID string) error {
	var eventType enums.OutboxEventType
	switch txn.Type {
	case enums.WalletTxRefund:
		eventType = enums.EventWalletRefunded
	case enums.WalletTxDeposit, enums.WalletTxCredit:
		eventType = enums.EventWalletCredited
	default:
		return nil
	}
	agentID := txn.AgentID
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregateWallet,
		AggregateID:   txn.AgentID,
		Actor:         &outbox.Actor{AgentID: &agentID, Source: "ledger"},
		Data: payloads.WalletMovementEvent{
			TransactionID: txn.ID,
			AgentID:       txn.AgentID,
			Type:          txn.Type,
			Amount:        txn.Amount,
			BalanceAfter:  txn.BalanceAfter,
			ReferenceID:   referenceID,
		},
	})
}

func (s *service) Balance(ctx context.Context, agentID uuid.UUID) (decimal.Decimal, error) {
	agent, err := s.repo.FindAgent(ctx, agentID)
	if err != nil {
		return decimal.Zero, err
	}
	return agent.WalletBalance.Round(2), nil
}

func (s *service) ListTransactions(ctx context.Context, agentID uuid.UUID, params pagination.Params) (*TransactionPage, error) {
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	rows, err := s.repo.List(ctx, agentID, cursor, pagination.LimitWithBuffer(params.Limit))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list wallet transactions")
	}

	rows, next := pagination.Trim(rows, params.Limit, func(tx models.WalletTransaction) pagination.Cursor {
		return pagination.Cursor{CreatedAt: tx.CreatedAt, ID: tx.ID}
	})
	return &TransactionPage{Transactions: rows, NextCursor: next}, nil
}

func (s *service) TransactionsForReference(ctx context.Context, referenceID string) ([]models.WalletTransaction, error) {
	if strings.TrimSpace(referenceID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "reference id is required")
	}
	rows, err := s.repo.ListByReference(ctx, strings.TrimSpace(referenceID))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list wallet transactions by reference")
	}
	return rows, nil
}

// VerifyConservation checks that the balance equals the sum of signed
// amounts and the newest balance_after.
func (s *service) VerifyConservation(ctx context.Context, agentID uuid.UUID) (*ConservationReport, error) {
	agent, err := s.repo.FindAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	sum, err := s.repo.SumAmounts(ctx, agentID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sum wallet transactions")
	}
	latest, err := s.repo.Latest(ctx, agentID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load latest wallet transaction")
	}

	report := &ConservationReport{
		AgentID:        agentID,
		Balance:        agent.WalletBalance.Round(2),
		TransactionSum: sum.Round(2),
	}
	report.Balanced = report.Balance.Equal(report.TransactionSum)
	if latest != nil {
		after := latest.BalanceAfter.Round(2)
		report.LatestBalanceAfter = &after
		report.Balanced = report.Balanced && after.Equal(report.Balance)
	}
	return report, nil
}
