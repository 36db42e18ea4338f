package service

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/pharovest/pharovest-chain/internal/idmap"
	"github.com/pharovest/pharovest-chain/internal/model"
	"github.com/pharovest/pharovest-chain/internal/repository"
	"github.com/pharovest/pharovest-chain/internal/retry"
	apperrors "github.com/pharovest/pharovest-chain/pkg/errors"
	"github.com/pharovest/pharovest-chain/pkg/logger"
)

// ProjectService 链下项目管理
type ProjectService struct {
	repo   repository.ProjectRepository
	chain  *ChainReader
	policy retry.Policy
}

// NewProjectService 创建项目服务
func NewProjectService(repo repository.ProjectRepository, chain *ChainReader, policy retry.Policy) *ProjectService {
	return &ProjectService{repo: repo, chain: chain, policy: policy}
}

// List 分页列出项目
func (s *ProjectService) List(ctx context.Context, page *repository.Pagination) ([]*model.Project, error) {
	projects, err := s.repo.List(ctx, page)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, err)
	}
	return projects, nil
}

// Get 查询单个项目
func (s *ProjectService) Get(ctx context.Context, id string) (*model.Project, error) {
	canonical, err := idmap.Canonical(id)
	if err != nil {
		return nil, err
	}
	project, err := s.repo.GetByID(ctx, canonical, nil)
	if errors.Is(err, repository.ErrProjectNotFound) {
		return nil, apperrors.ErrProjectNotFound.WithDetail("id", canonical)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, err)
	}
	return project, nil
}

// Create 新建项目, 未指定 id 时取当前最大 id + 1
func (s *ProjectService) Create(ctx context.Context, req *model.CreateProjectRequest) (*model.Project, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, apperrors.ErrInvalidRequest.WithMessagef("title is required")
	}
	if req.FundingGoal != "" {
		if v, err := model.ParseETH(req.FundingGoal); err != nil || !v.IsPositive() {
			return nil, apperrors.ErrInvalidRequest.WithMessagef("invalid funding goal %q", req.FundingGoal)
		}
	}
	if req.MinimumDonation != "" {
		if _, err := model.ParseUSD(req.MinimumDonation); err != nil {
			return nil, apperrors.ErrInvalidRequest.WithMessagef("invalid minimum donation %q", req.MinimumDonation)
		}
	}

	project := &model.Project{
		Title:           req.Title,
		Description:     req.Description,
		Creator:         req.Creator,
		Category:        req.Category,
		Location:        req.Location,
		AmountRaised:    model.FormatUSD(decimalZero),
		MinimumDonation: req.MinimumDonation,
		FundingGoal:     req.FundingGoal,
		FundingStatus:   model.FundingStatusActive,
	}
	for _, m := range req.Milestones {
		project.Milestones = append(project.Milestones, model.Milestone{
			Title:          m.Title,
			Description:    m.Description,
			AmountRequired: m.AmountRequired,
			Completed:      m.Completed,
		})
	}

	explicit := strings.TrimSpace(req.ID) != ""
	if explicit {
		id, err := idmap.Canonical(req.ID)
		if err != nil {
			return nil, err
		}
		project.ID = id
	}

	// 自动分配 id 时并发创建可能撞号, 重新取号重试
	_, err := s.policy.Do(ctx, "create_project", func(err error) bool {
		return !explicit && errors.Is(err, repository.ErrProjectExists)
	}, func(int) error {
		if !explicit {
			id, err := s.repo.NextID(ctx)
			if err != nil {
				return err
			}
			project.ID = id
		}
		return s.repo.Create(ctx, project)
	})
	if errors.Is(err, repository.ErrProjectExists) {
		return nil, apperrors.ErrConflict.WithMessagef("project %s already exists", project.ID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, err)
	}

	logger.WithContext(ctx).Info("project created",
		zap.String("project_id", project.ID),
		zap.Int("milestones", len(project.Milestones)))
	return project, nil
}

// SetBlockchainHash 记录链外完成创建的交易哈希, 返回更新后的项目
func (s *ProjectService) SetBlockchainHash(ctx context.Context, id, txHash string) (*model.Project, error) {
	canonical, err := idmap.Canonical(id)
	if err != nil {
		return nil, err
	}
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return nil, apperrors.ErrInvalidRequest.WithMessagef("blockchain hash is required")
	}
	if b, err := hexutil.Decode(txHash); err != nil || len(b) != 32 {
		return nil, apperrors.ErrInvalidRequest.WithMessagef("invalid blockchain hash %q", txHash)
	}

	err = s.repo.SetBlockchainHash(ctx, canonical, txHash)
	if errors.Is(err, repository.ErrProjectNotFound) {
		return nil, apperrors.ErrProjectNotFound.WithDetail("id", canonical)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, err)
	}

	logger.WithContext(ctx).Info("blockchain hash updated",
		zap.String("project_id", canonical),
		zap.String("tx_hash", txHash))
	return s.Get(ctx, canonical)
}

// ChainSnapshot 读取项目的链上实时数据
func (s *ProjectService) ChainSnapshot(ctx context.Context, id string) (*ChainProject, error) {
	onChainID, err := idmap.Map(id)
	if err != nil {
		return nil, err
	}
	res := s.chain.GetProject(ctx, onChainID)
	switch res.Status {
	case ChainFound:
		return res.Project, nil
	case ChainNotFound:
		return nil, apperrors.ErrProjectNotFound.WithMessagef("project %d not found on chain", onChainID)
	default:
		return nil, res.Err
	}
}
