package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/pharovest/pharovest-chain/internal/model"
)

var (
	ErrTransactionExists = errors.New("transaction already recorded")
)

// TransactionRepository 捐款记录仓储接口
type TransactionRepository interface {
	Create(ctx context.Context, tx *model.Transaction) error
	List(ctx context.Context, filter *model.TransactionFilter, page *Pagination) ([]*model.Transaction, error)
}

// transactionRepository 捐款记录仓储实现
type transactionRepository struct {
	*Repository
}

// NewTransactionRepository 创建捐款记录仓储
func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &transactionRepository{
		Repository: NewRepository(db),
	}
}

func (r *transactionRepository) Create(ctx context.Context, tx *model.Transaction) error {
	err := r.DB(ctx).Create(tx).Error
	if isUniqueViolation(err) {
		return ErrTransactionExists
	}
	return err
}

// List 按创建时间倒序
func (r *transactionRepository) List(ctx context.Context, filter *model.TransactionFilter, page *Pagination) ([]*model.Transaction, error) {
	var txs []*model.Transaction

	query := r.DB(ctx).Model(&model.Transaction{})
	if filter != nil {
		if filter.ProjectID != "" {
			query = query.Where("project_id = ?", filter.ProjectID)
		}
		if filter.Contributor != "" {
			query = query.Where("contributor = ?", filter.Contributor)
		}
	}

	if err := query.Count(&page.Total).Error; err != nil {
		return nil, err
	}

	err := query.
		Order("created_at DESC, id DESC").
		Offset(page.Offset()).
		Limit(page.Limit()).
		Find(&txs).Error
	return txs, err
}
