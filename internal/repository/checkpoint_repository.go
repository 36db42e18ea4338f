package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pharovest/pharovest-chain/internal/model"
)

var (
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// CheckpointRepository 对账游标仓储接口
type CheckpointRepository interface {
	GetByContract(ctx context.Context, contract string) (*model.ReconcileCheckpoint, error)
	Upsert(ctx context.Context, checkpoint *model.ReconcileCheckpoint) error
}

// checkpointRepository 对账游标仓储实现
type checkpointRepository struct {
	*Repository
}

// NewCheckpointRepository 创建对账游标仓储
func NewCheckpointRepository(db *gorm.DB) CheckpointRepository {
	return &checkpointRepository{
		Repository: NewRepository(db),
	}
}

func (r *checkpointRepository) GetByContract(ctx context.Context, contract string) (*model.ReconcileCheckpoint, error) {
	var checkpoint model.ReconcileCheckpoint
	err := r.DB(ctx).Where("contract = ?", contract).First(&checkpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

func (r *checkpointRepository) Upsert(ctx context.Context, checkpoint *model.ReconcileCheckpoint) error {
	now := time.Now().UnixMilli()
	row := *checkpoint
	row.ID = 0
	row.UpdatedAt = now
	if row.CreatedAt == 0 {
		row.CreatedAt = now
	}

	return r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "contract"}},
		DoUpdates: clause.AssignmentColumns([]string{"run_id", "last_id", "completed", "updated_at"}),
	}).Create(&row).Error
}
