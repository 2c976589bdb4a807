package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/esimhub-backend/pkg/db/models"
	"github.com/angelmondragon/esimhub-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
	"github.com/angelmondragon/esimhub-backend/pkg/pagination"
)

// Repository manages wallet balances and the append-only transaction log.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindAgent(ctx context.Context, agentID uuid.UUID) (*models.Agent, error)
	CompareAndSwapBalance(ctx context.Context, agentID uuid.UUID, expected, next decimal.Decimal) (bool, error)
	InsertTransaction(ctx context.Context, txn *models.WalletTransaction) error
	FindByReference(ctx context.Context, agentID uuid.UUID, txType enums.WalletTransactionType, referenceID string) (*models.WalletTransaction, error)
	ListByReference(ctx context.Context, referenceID string) ([]models.WalletTransaction, error)
	List(ctx context.Context, agentID uuid.UUID, cursor *pagination.Cursor, limit int) ([]models.WalletTransaction, error)
	SumAmounts(ctx context.Context, agentID uuid.UUID) (decimal.Decimal, error)
	Latest(ctx context.Context, agentID uuid.UUID) (*models.WalletTransaction, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindAgent(ctx context.Context, agentID uuid.UUID) (*models.Agent, error) {
	var agent models.Agent
	err := r.db.WithContext(ctx).Where("id = ?", agentID).First(&agent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "agent not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load agent")
	}
	return &agent, nil
}

// CompareAndSwapBalance writes next only when the stored balance still equals expected.
func (r *repository) CompareAndSwapBalance(ctx context.Context, agentID uuid.UUID, expected, next decimal.Decimal) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Agent{}).
		Where("id = ? AND wallet_balance = ?", agentID, expected).
		Update("wallet_balance", next)
	if result.Error != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, result.Error, "update wallet balance")
	}
	return result.RowsAffected == 1, nil
}

func (r *repository) InsertTransaction(ctx context.Context, txn *models.WalletTransaction) error {
	return r.db.WithContext(ctx).Create(txn).Error
}

func (r *repository) FindByReference(ctx context.Context, agentID uuid.UUID, txType enums.WalletTransactionType, referenceID string) (*models.WalletTransaction, error) {
	var txn models.WalletTransaction
	err := r.db.WithContext(ctx).
		Where("agent_id = ? AND type = ? AND reference_id = ?", agentID, txType, referenceID).
		Order("created_at ASC").
		First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup wallet transaction by reference")
	}
	return &txn, nil
}

func (r *repository) ListByReference(ctx context.Context, referenceID string) ([]models.WalletTransaction, error) {
	var rows []models.WalletTransaction
	err := r.db.WithContext(ctx).
		Where("reference_id = ?", referenceID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repository) List(ctx context.Context, agentID uuid.UUID, cursor *pagination.Cursor, limit int) ([]models.WalletTransaction, error) {
	query := r.db.WithContext(ctx).Where("agent_id = ?", agentID)
	if cursor != nil {
		query = query.Where("(created_at < ?) OR (created_at = ? AND id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	var rows []models.WalletTransaction
	err := query.
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repository) SumAmounts(ctx context.Context, agentID uuid.UUID) (decimal.Decimal, error) {
	var rows []models.WalletTransaction
	if err := r.db.WithContext(ctx).
		Select("amount").
		Where("agent_id = ?", agentID).
		Find(&rows).Error; err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, row := range rows {
		sum = sum.Add(row.Amount)
	}
	return sum, nil
}

func (r *repository) Latest(ctx context.Context, agentID uuid.UUID) (*models.WalletTransaction, error) {
	var txn models.WalletTransaction
	err := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("created_at DESC").
		Order("id DESC").
		First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}
