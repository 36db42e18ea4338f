package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/pharovest/pharovest-chain/internal/model"
)

var (
	ErrPendingTxNotFound = errors.New("pending tx not found")
)

// PendingTxRepository 已广播交易仓储接口
type PendingTxRepository interface {
	Create(ctx context.Context, tx *model.PendingTx) error
	GetByHash(ctx context.Context, txHash string) (*model.PendingTx, error)
	MarkConfirmed(ctx context.Context, txHash string, gasUsed, blockNumber int64) error
	MarkFailed(ctx context.Context, txHash string, gasUsed, blockNumber int64) error
	ListPending(ctx context.Context, wallet string, chainID int64) ([]*model.PendingTx, error)
}

// pendingTxRepository 已广播交易仓储实现
type pendingTxRepository struct {
	*Repository
}

// NewPendingTxRepository 创建已广播交易仓储
func NewPendingTxRepository(db *gorm.DB) PendingTxRepository {
	return &pendingTxRepository{
		Repository: NewRepository(db),
	}
}

func (r *pendingTxRepository) Create(ctx context.Context, tx *model.PendingTx) error {
	now := time.Now().UnixMilli()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	if tx.SubmittedAt == 0 {
		tx.SubmittedAt = now
	}
	return r.DB(ctx).Create(tx).Error
}

func (r *pendingTxRepository) GetByHash(ctx context.Context, txHash string) (*model.PendingTx, error) {
	var tx model.PendingTx
	err := r.DB(ctx).Where("tx_hash = ?", txHash).First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPendingTxNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *pendingTxRepository) MarkConfirmed(ctx context.Context, txHash string, gasUsed, blockNumber int64) error {
	return r.finish(ctx, txHash, model.PendingTxStatusConfirmed, gasUsed, blockNumber)
}

func (r *pendingTxRepository) MarkFailed(ctx context.Context, txHash string, gasUsed, blockNumber int64) error {
	return r.finish(ctx, txHash, model.PendingTxStatusFailed, gasUsed, blockNumber)
}

func (r *pendingTxRepository) finish(ctx context.Context, txHash string, status model.PendingTxStatus, gasUsed, blockNumber int64) error {
	result := r.DB(ctx).Model(&model.PendingTx{}).
		Where("tx_hash = ? AND status = ?", txHash, model.PendingTxStatusPending).
		Updates(map[string]interface{}{
			"status":       status,
			"gas_used":     gasUsed,
			"block_number": blockNumber,
			"updated_at":   time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPendingTxNotFound
	}
	return nil
}

func (r *pendingTxRepository) ListPending(ctx context.Context, wallet string, chainID int64) ([]*model.PendingTx, error) {
	var txs []*model.PendingTx
	err := r.DB(ctx).
		Where("wallet_address = ? AND chain_id = ? AND status = ?", wallet, chainID, model.PendingTxStatusPending).
		Order("nonce ASC").
		Find(&txs).Error
	return txs, err
}
