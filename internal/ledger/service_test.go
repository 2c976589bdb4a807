package ledger

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/esimhub-backend/internal/audit"
	"github.com/angelmondragon/esimhub-backend/pkg/db"
	"github.com/angelmondragon/esimhub-backend/pkg/db/dbtest"
	"github.com/angelmondragon/esimhub-backend/pkg/db/models"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
	"github.com/angelmondragon/esimhub-backend/pkg/outbox"
	"github.com/angelmondragon/esimhub-backend/pkg/pagination"
)

type harness struct {
	svc  Service
	conn *gorm.DB
}

func newHarness(t *testing.T) harness {
	t.Helper()
	client, conn := dbtest.Client(t)
	logg := logger.New(logger.Options{ServiceName: "ledger-test", Output: io.Discard})
	recorder, err := audit.NewService(conn, logg)
	require.NoError(t, err)
	svc, err := NewService(client, NewRepository(conn), recorder, outbox.NewService(outbox.NewRepository(conn), logg), logg)
	require.NoError(t, err)
	return harness{svc: svc, conn: conn}
}

func (h harness) seedAgent(t *testing.T, deposit string) uuid.UUID {
	t.Helper()
	agent := models.Agent{Name: "Roam Travel", Email: "ops@roam.example", Status: enums.AgentStatusApproved}
	require.NoError(t, h.conn.Create(&agent).Error)
	if deposit != "" {
		_, err := h.svc.Credit(context.Background(), Entry{
			AgentID:     agent.ID,
			Type:        enums.WalletTxDeposit,
			Amount:      decimal.RequireFromString(deposit),
			Description: "opening deposit",
			ReferenceID: "seed-" + agent.ID.String(),
		})
		require.NoError(t, err)
	}
	return agent.ID
}

func TestDebitAndCreditKeepConservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agentID := h.seedAgent(t, "100.00")

	res, err := h.svc.Debit(ctx, Entry{AgentID: agentID, Type: enums.WalletTxPurchase, Amount: decimal.RequireFromString("29.99")})
	require.NoError(t, err)
	assert.Equal(t, "70.01", res.Balance.StringFixed(2))
	assert.Equal(t, "-29.99", res.Transaction.Amount.StringFixed(2))
	assert.Equal(t, "70.01", res.Transaction.BalanceAfter.StringFixed(2))

	_, err = h.svc.Credit(ctx, Entry{AgentID: agentID, Amount: decimal.RequireFromString("5.005")})
	require.NoError(t, err)

	balance, err := h.svc.Balance(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, "75.02", balance.StringFixed(2))

	report, err := h.svc.VerifyConservation(ctx, agentID)
	require.NoError(t, err)
	assert.True(t, report.Balanced, "balance %s sum %s", report.Balance, report.TransactionSum)
	require.NotNil(t, report.LatestBalanceAfter)
	assert.Equal(t, "75.02", report.LatestBalanceAfter.StringFixed(2))
}

func TestDebitInsufficientFundsLeavesWalletUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agentID := h.seedAgent(t, "20.00")

	_, err := h.svc.Debit(ctx, Entry{AgentID: agentID, Type: enums.WalletTxPurchase, Amount: decimal.RequireFromString("30.00")})
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeInsufficientFunds, typed.Code())
	details, ok := typed.Details().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "20.00", details["balance"])

	balance, err := h.svc.Balance(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, "20.00", balance.StringFixed(2))

	var count int64
	require.NoError(t, h.conn.Model(&models.WalletTransaction{}).Where("agent_id = ?", agentID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestRefundIsAppliedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agentID := h.seedAgent(t, "50.00")
	orderID := uuid.New()

	_, err := h.svc.Debit(ctx, Entry{AgentID: agentID, Type: enums.WalletTxPurchase, Amount: decimal.RequireFromString("30.00"), ReferenceID: orderID.String()})
	require.NoError(t, err)

	first, err := h.svc.Refund(ctx, agentID, orderID, decimal.RequireFromString("30.00"), "")
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, "50.00", first.Balance.StringFixed(2))

	second, err := h.svc.Refund(ctx, agentID, orderID, decimal.RequireFromString("30.00"), "")
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, "50.00", second.Balance.StringFixed(2))
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)

	rows, err := h.svc.TransactionsForReference(ctx, orderID.String())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, enums.WalletTxPurchase, rows[0].Type)
	assert.Equal(t, enums.WalletTxRefund, rows[1].Type)

	var audits int64
	require.NoError(t, h.conn.Model(&models.AuditEvent{}).
		Where("action = ? AND reference_id = ?", enums.AuditActionDuplicateReference, orderID.String()).
		Count(&audits).Error)
	assert.EqualValues(t, 1, audits)

	var events int64
	require.NoError(t, h.conn.Model(&models.OutboxEvent{}).Where("event_type = ?", enums.EventWalletRefunded).Count(&events).Error)
	assert.EqualValues(t, 1, events)
}

func TestDepositReferenceIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agentID := h.seedAgent(t, "")

	entry := Entry{AgentID: agentID, Type: enums.WalletTxDeposit, Amount: decimal.RequireFromString("25.00"), ReferenceID: "cs_test_123"}
	_, err := h.svc.Credit(ctx, entry)
	require.NoError(t, err)
	again, err := h.svc.Credit(ctx, entry)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	balance, err := h.svc.Balance(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, "25.00", balance.StringFixed(2))
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agentID := h.seedAgent(t, "100.00")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.Debit(ctx, Entry{AgentID: agentID, Type: enums.WalletTxPurchase, Amount: decimal.RequireFromString("60.00")})
		}(i)
	}
	wg.Wait()

	var failures int
	for _, err := range errs {
		if err != nil {
			failures++
			assert.True(t, pkgerrors.Is(err, pkgerrors.CodeInsufficientFunds), "unexpected error %v", err)
		}
	}
	assert.Equal(t, 1, failures)

	balance, err := h.svc.Balance(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, "40.00", balance.StringFixed(2))
}

func TestRejectsInvalidEntries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agentID := h.seedAgent(t, "10.00")

	cases := []struct {
		name  string
		entry Entry
	}{
		{name: "zero amount", entry: Entry{AgentID: agentID, Amount: decimal.Zero}},
		{name: "negative amount", entry: Entry{AgentID: agentID, Amount: decimal.RequireFromString("-1")}},
		{name: "rounds to zero", entry: Entry{AgentID: agentID, Amount: decimal.RequireFromString("0.004")}},
		{name: "missing agent", entry: Entry{Amount: decimal.RequireFromString("1")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Debit(ctx, tc.entry)
			assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation), "got %v", err)
		})
	}

	_, err := h.svc.Credit(ctx, Entry{AgentID: agentID, Type: enums.WalletTxPurchase, Amount: decimal.RequireFromString("1")})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
}

func TestListTransactionsPaginates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agentID := h.seedAgent(t, "100.00")
	for i := 0; i < 3; i++ {
		_, err := h.svc.Debit(ctx, Entry{AgentID: agentID, Type: enums.WalletTxPurchase, Amount: decimal.RequireFromString("1.00")})
		require.NoError(t, err)
	}

	first, err := h.svc.ListTransactions(ctx, agentID, pagination.Params{Limit: 3})
	require.NoError(t, err)
	require.Len(t, first.Transactions, 3)
	require.NotEmpty(t, first.NextCursor)

	second, err := h.svc.ListTransactions(ctx, agentID, pagination.Params{Limit: 3, Cursor: first.NextCursor})
	require.NoError(t, err)
	require.Len(t, second.Transactions, 1)
	assert.Empty(t, second.NextCursor)
	assert.Equal(t, enums.WalletTxDeposit, second.Transactions[0].Type)
}

type fakeRepository struct {
	balance   decimal.Decimal
	swapFn    func(attempt int) bool
	attempts  int
	inserted  []models.WalletTransaction
	reference *models.WalletTransaction
	// insertErr fails InsertTransaction and, when raced is set, makes raced
	// visible to later reference lookups.
	insertErr error
	raced     *models.WalletTransaction
}

func (f *fakeRepository) WithTx(*gorm.DB) Repository { return f }

func (f *fakeRepository) FindAgent(_ context.Context, agentID uuid.UUID) (*models.Agent, error) {
	return &models.Agent{ID: agentID, WalletBalance: f.balance}, nil
}

func (f *fakeRepository) CompareAndSwapBalance(_ context.Context, _ uuid.UUID, _, next decimal.Decimal) (bool, error) {
	f.attempts++
	if f.swapFn != nil && !f.swapFn(f.attempts) {
		return false, nil
	}
	f.balance = next
	return true, nil
}

func (f *fakeRepository) InsertTransaction(_ context.Context, txn *models.WalletTransaction) error {
	if f.insertErr != nil {
		f.reference = f.raced
		return f.insertErr
	}
	f.inserted = append(f.inserted, *txn)
	return nil
}

func (f *fakeRepository) FindByReference(context.Context, uuid.UUID, enums.WalletTransactionType, string) (*models.WalletTransaction, error) {
	return f.reference, nil
}

func (f *fakeRepository) ListByReference(context.Context, string) ([]models.WalletTransaction, error) {
	return f.inserted, nil
}

func (f *fakeRepository) List(context.Context, uuid.UUID, *pagination.Cursor, int) ([]models.WalletTransaction, error) {
	return f.inserted, nil
}

func (f *fakeRepository) SumAmounts(context.Context, uuid.UUID) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *fakeRepository) Latest(context.Context, uuid.UUID) (*models.WalletTransaction, error) {
	return nil, nil
}

type passthroughTx struct{}

func (passthroughTx) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	return fn(&gorm.DB{})
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, *gorm.DB, audit.Entry) error { return nil }

type recordingRecorder struct {
	entries []audit.Entry
}

func (r *recordingRecorder) Record(_ context.Context, _ *gorm.DB, entry audit.Entry) error {
	r.entries = append(r.entries, entry)
	return nil
}

type nopPublisher struct{}

func (nopPublisher) Emit(context.Context, *gorm.DB, outbox.DomainEvent) error { return nil }

func newFakeService(t *testing.T, repo *fakeRepository) Service {
	t.Helper()
	svc, err := NewService(passthroughTx{}, repo, nopRecorder{}, nopPublisher{}, logger.New(logger.Options{Output: io.Discard}))
	require.NoError(t, err)
	return svc
}

func TestDebitRetriesOnceAfterLostSwap(t *testing.T) {
	repo := &fakeRepository{
		balance: decimal.RequireFromString("10.00"),
		swapFn:  func(attempt int) bool { return attempt > 1 },
	}
	svc := newFakeService(t, repo)

	res, err := svc.Debit(context.Background(), Entry{AgentID: uuid.New(), Type: enums.WalletTxPurchase, Amount: decimal.RequireFromString("4.00")})
	require.NoError(t, err)
	assert.Equal(t, 2, repo.attempts)
	assert.Equal(t, "6.00", res.Balance.StringFixed(2))
	require.Len(t, repo.inserted, 1)
}

func TestDebitReportsConcurrentUpdateAfterTwoLostSwaps(t *testing.T) {
	repo := &fakeRepository{
		balance: decimal.RequireFromString("10.00"),
		swapFn:  func(int) bool { return false },
	}
	svc := newFakeService(t, repo)

	_, err := svc.Debit(context.Background(), Entry{AgentID: uuid.New(), Type: enums.WalletTxPurchase, Amount: decimal.RequireFromString("4.00")})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeConcurrentUpdate, pkgerrors.CodeOf(err))
	assert.Equal(t, maxSwapAttempts, repo.attempts)
	assert.Empty(t, repo.inserted)
}

func TestNewServiceValidatesDependencies(t *testing.T) {
	_, err := NewService(nil, &fakeRepository{}, nopRecorder{}, nopPublisher{}, nil)
	require.Error(t, err)

	var runner *db.Client
	_, err = NewService(runner, nil, nopRecorder{}, nopPublisher{}, nil)
	require.Error(t, err)
}

func TestCreditLosingReferenceRaceIsAudited(t *testing.T) {
	agentID := uuid.New()
	winner := &models.WalletTransaction{
		ID:           uuid.New(),
		AgentID:      agentID,
		Type:         enums.WalletTxDeposit,
		Amount:       decimal.RequireFromString("25.00"),
		BalanceAfter: decimal.RequireFromString("25.00"),
	}
	repo := &fakeRepository{
		insertErr: errors.New(`duplicate key value violates unique constraint "ux_wallet_transactions_credit_reference"`),
		raced:     winner,
	}
	recorder := &recordingRecorder{}
	svc, err := NewService(passthroughTx{}, repo, recorder, nopPublisher{}, logger.New(logger.Options{Output: io.Discard}))
	require.NoError(t, err)

	res, err := svc.Credit(context.Background(), Entry{
		AgentID:     agentID,
		Type:        enums.WalletTxDeposit,
		Amount:      decimal.RequireFromString("25.00"),
		ReferenceID: " cs_raced ",
	})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, winner.ID, res.Transaction.ID)
	assert.Empty(t, repo.inserted)

	require.Len(t, recorder.entries, 1)
	entry := recorder.entries[0]
	assert.Equal(t, enums.AuditActionDuplicateReference, entry.Action)
	assert.Equal(t, enums.AuditOutcomeSkipped, entry.Outcome)
	assert.Equal(t, "cs_raced", entry.ReferenceID)
	assert.Equal(t, winner.ID.String(), entry.Details["transaction_id"])
}
