package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/pharovest/pharovest-chain/internal/model"
)

var (
	ErrRunNotFound = errors.New("reconciliation run not found")
)

// ReconciliationRepository 对账批次与记录仓储接口
type ReconciliationRepository interface {
	// 批次
	CreateRun(ctx context.Context, run *model.ReconciliationRun) error
	UpdateRun(ctx context.Context, run *model.ReconciliationRun) error
	GetRun(ctx context.Context, runID string) (*model.ReconciliationRun, error)
	ListRuns(ctx context.Context, page *Pagination) ([]*model.ReconciliationRun, error)

	// 记录
	CreateRecord(ctx context.Context, record *model.ReconciliationRecord) error
	ListRecords(ctx context.Context, runID string) ([]*model.ReconciliationRecord, error)
	ListFailures(ctx context.Context, runID string) ([]*model.ReconciliationRecord, error)
}

// reconciliationRepository 对账仓储实现
type reconciliationRepository struct {
	*Repository
}

// NewReconciliationRepository 创建对账仓储
func NewReconciliationRepository(db *gorm.DB) ReconciliationRepository {
	return &reconciliationRepository{
		Repository: NewRepository(db),
	}
}

func (r *reconciliationRepository) CreateRun(ctx context.Context, run *model.ReconciliationRun) error {
	return r.DB(ctx).Create(run).Error
}

func (r *reconciliationRepository) UpdateRun(ctx context.Context, run *model.ReconciliationRun) error {
	result := r.DB(ctx).Model(&model.ReconciliationRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]interface{}{
			"status":      run.Status,
			"total":       run.Total,
			"created":     run.Created,
			"updated":     run.Updated,
			"skipped":     run.Skipped,
			"failed":      run.Failed,
			"error":       run.Error,
			"finished_at": run.FinishedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (r *reconciliationRepository) GetRun(ctx context.Context, runID string) (*model.ReconciliationRun, error) {
	var run model.ReconciliationRun
	err := r.DB(ctx).Where("id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *reconciliationRepository) ListRuns(ctx context.Context, page *Pagination) ([]*model.ReconciliationRun, error) {
	var runs []*model.ReconciliationRun

	query := r.DB(ctx).Model(&model.ReconciliationRun{})
	if err := query.Count(&page.Total).Error; err != nil {
		return nil, err
	}

	err := query.
		Order("started_at DESC").
		Offset(page.Offset()).
		Limit(page.Limit()).
		Find(&runs).Error
	return runs, err
}

func (r *reconciliationRepository) CreateRecord(ctx context.Context, record *model.ReconciliationRecord) error {
	return r.DB(ctx).Create(record).Error
}

func (r *reconciliationRepository) ListRecords(ctx context.Context, runID string) ([]*model.ReconciliationRecord, error) {
	var records []*model.ReconciliationRecord
	err := r.DB(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&records).Error
	return records, err
}

func (r *reconciliationRepository) ListFailures(ctx context.Context, runID string) ([]*model.ReconciliationRecord, error) {
	var records []*model.ReconciliationRecord
	err := r.DB(ctx).
		Where("run_id = ? AND outcome = ?", runID, model.OutcomeFailed).
		Order("id ASC").
		Find(&records).Error
	return records, err
}
