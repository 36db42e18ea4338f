package repository

import (
	"context"
	"errors"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/pharovest/pharovest-chain/internal/idmap"
	"github.com/pharovest/pharovest-chain/internal/model"
)

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrProjectExists   = errors.New("project already exists")
)

// numericOrder 数字字符串 id 按数值排序
const numericOrder = "LENGTH(id) ASC, id ASC"

// ProjectRepository 链下项目仓储接口
type ProjectRepository interface {
	List(ctx context.Context, page *Pagination) ([]*model.Project, error)
	ListAll(ctx context.Context) ([]*model.Project, error)
	GetByID(ctx context.Context, id string, opts *QueryOptions) (*model.Project, error)
	Create(ctx context.Context, project *model.Project) error
	NextID(ctx context.Context) (string, error)

	// 对账回写
	ApplyUpdate(ctx context.Context, id string, update *model.ProjectUpdate) error
	SetBlockchainHash(ctx context.Context, id, txHash string) error

	// 捐款
	UpdateFunding(ctx context.Context, id, amountRaised string, contributors int64) error
}

// projectRepository 链下项目仓储实现
type projectRepository struct {
	*Repository
}

// NewProjectRepository 创建链下项目仓储
func NewProjectRepository(db *gorm.DB) ProjectRepository {
	return &projectRepository{
		Repository: NewRepository(db),
	}
}

func (r *projectRepository) withMilestones(db *gorm.DB) *gorm.DB {
	return db.Preload("Milestones", func(db *gorm.DB) *gorm.DB {
		return db.Order("position ASC")
	})
}

func (r *projectRepository) List(ctx context.Context, page *Pagination) ([]*model.Project, error) {
	var projects []*model.Project

	query := r.DB(ctx).Model(&model.Project{})
	if err := query.Count(&page.Total).Error; err != nil {
		return nil, err
	}

	err := r.withMilestones(query).
		Order(numericOrder).
		Offset(page.Offset()).
		Limit(page.Limit()).
		Find(&projects).Error
	return projects, err
}

func (r *projectRepository) ListAll(ctx context.Context) ([]*model.Project, error) {
	var projects []*model.Project
	err := r.withMilestones(r.DB(ctx)).
		Order(numericOrder).
		Find(&projects).Error
	return projects, err
}

func (r *projectRepository) GetByID(ctx context.Context, id string, opts *QueryOptions) (*model.Project, error) {
	var project model.Project
	err := opts.ApplyLock(r.withMilestones(r.DB(ctx))).
		Where("id = ?", id).
		First(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return &project, nil
}

// NextID 最大 id + 1, 空表从 1 开始
func (r *projectRepository) NextID(ctx context.Context) (string, error) {
	var ids []string
	err := r.DB(ctx).Model(&model.Project{}).
		Order("LENGTH(id) DESC, id DESC").
		Limit(1).
		Pluck("id", &ids).Error
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "1", nil
	}
	last, err := idmap.Map(ids[0])
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(last+1, 10), nil
}

func (r *projectRepository) Create(ctx context.Context, project *model.Project) error {
	for i := range project.Milestones {
		project.Milestones[i].ProjectID = project.ID
		project.Milestones[i].Position = i
	}
	err := r.DB(ctx).Create(project).Error
	if isUniqueViolation(err) {
		return ErrProjectExists
	}
	return err
}

// ApplyUpdate 一次事务内写回项目字段与里程碑完成状态
func (r *projectRepository) ApplyUpdate(ctx context.Context, id string, update *model.ProjectUpdate) error {
	if update == nil || update.IsEmpty() {
		return nil
	}

	return r.Transaction(ctx, func(ctx context.Context) error {
		now := time.Now().UnixMilli()
		fields := map[string]interface{}{"updated_at": now}
		if update.AmountRaised != nil {
			fields["amount_raised"] = *update.AmountRaised
		}
		if update.FundingStatus != nil {
			fields["funding_status"] = *update.FundingStatus
		}

		result := r.DB(ctx).Model(&model.Project{}).Where("id = ?", id).Updates(fields)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrProjectNotFound
		}

		for position, completed := range update.CompletedMilestones {
			err := r.DB(ctx).Model(&model.Milestone{}).
				Where("project_id = ? AND position = ?", id, position).
				Updates(map[string]interface{}{
					"completed":  completed,
					"updated_at": now,
				}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *projectRepository) SetBlockchainHash(ctx context.Context, id, txHash string) error {
	result := r.DB(ctx).Model(&model.Project{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"blockchain_hash": txHash,
			"updated_at":      time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrProjectNotFound
	}
	return nil
}

func (r *projectRepository) UpdateFunding(ctx context.Context, id, amountRaised string, contributors int64) error {
	result := r.DB(ctx).Model(&model.Project{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"amount_raised": amountRaised,
			"contributors":  contributors,
			"updated_at":    time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrProjectNotFound
	}
	return nil
}
