package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/pharovest/pharovest-chain/internal/model"
)

var (
	ErrMappingNotFound = errors.New("id mapping not found")
	ErrMappingConflict = errors.New("id mapping conflicts with an existing binding")
)

// MappingRepository 链下/链上 id 映射仓储接口
type MappingRepository interface {
	// Bind 绑定映射, 相同的绑定重复调用返回已有记录
	Bind(ctx context.Context, mapping *model.IDMapping) (*model.IDMapping, error)
	Confirm(ctx context.Context, offChainID, txHash string) error
	// SetTxHash 记录已广播但未确认的创建交易
	SetTxHash(ctx context.Context, offChainID, txHash string) error
	GetByOffChainID(ctx context.Context, offChainID string) (*model.IDMapping, error)
	GetByOnChainID(ctx context.Context, onChainID uint64) (*model.IDMapping, error)
	List(ctx context.Context, page *Pagination) ([]*model.IDMapping, error)
}

// mappingRepository id 映射仓储实现
type mappingRepository struct {
	*Repository
}

// NewMappingRepository 创建 id 映射仓储
func NewMappingRepository(db *gorm.DB) MappingRepository {
	return &mappingRepository{
		Repository: NewRepository(db),
	}
}

func (r *mappingRepository) Bind(ctx context.Context, mapping *model.IDMapping) (*model.IDMapping, error) {
	existing, err := r.GetByOffChainID(ctx, mapping.OffChainID)
	switch {
	case err == nil:
		if existing.OnChainID != mapping.OnChainID {
			return nil, ErrMappingConflict
		}
		return existing, nil
	case !errors.Is(err, ErrMappingNotFound):
		return nil, err
	}

	if mapping.Status == "" {
		mapping.Status = model.MappingStatusPending
	}
	err = r.DB(ctx).Create(mapping).Error
	if isUniqueViolation(err) {
		// 链上 id 已被其他链下项目占用
		return nil, ErrMappingConflict
	}
	if err != nil {
		return nil, err
	}
	return mapping, nil
}

func (r *mappingRepository) Confirm(ctx context.Context, offChainID, txHash string) error {
	fields := map[string]interface{}{
		"status":     model.MappingStatusConfirmed,
		"updated_at": time.Now().UnixMilli(),
	}
	if txHash != "" {
		fields["tx_hash"] = txHash
	}

	result := r.DB(ctx).Model(&model.IDMapping{}).
		Where("off_chain_id = ?", offChainID).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrMappingNotFound
	}
	return nil
}

func (r *mappingRepository) SetTxHash(ctx context.Context, offChainID, txHash string) error {
	result := r.DB(ctx).Model(&model.IDMapping{}).
		Where("off_chain_id = ?", offChainID).
		Updates(map[string]interface{}{
			"tx_hash":    txHash,
			"updated_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrMappingNotFound
	}
	return nil
}

func (r *mappingRepository) GetByOffChainID(ctx context.Context, offChainID string) (*model.IDMapping, error) {
	var mapping model.IDMapping
	err := r.DB(ctx).Where("off_chain_id = ?", offChainID).First(&mapping).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMappingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &mapping, nil
}

func (r *mappingRepository) GetByOnChainID(ctx context.Context, onChainID uint64) (*model.IDMapping, error) {
	var mapping model.IDMapping
	err := r.DB(ctx).Where("on_chain_id = ?", onChainID).First(&mapping).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMappingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &mapping, nil
}

func (r *mappingRepository) List(ctx context.Context, page *Pagination) ([]*model.IDMapping, error) {
	var mappings []*model.IDMapping

	query := r.DB(ctx).Model(&model.IDMapping{})
	if err := query.Count(&page.Total).Error; err != nil {
		return nil, err
	}

	err := query.
		Order("on_chain_id ASC").
		Offset(page.Offset()).
		Limit(page.Limit()).
		Find(&mappings).Error
	return mappings, err
}
