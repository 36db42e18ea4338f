package service

import (
	"context"
	"errors"

	"github.com/pharovest/pharovest-chain/internal/model"
	"github.com/pharovest/pharovest-chain/internal/repository"
	"github.com/pharovest/pharovest-chain/internal/retry"
	apperrors "github.com/pharovest/pharovest-chain/pkg/errors"
)

// LedgerReader 链下项目读取与对账回写
type LedgerReader struct {
	projects repository.ProjectRepository
	policy   retry.Policy
}

// NewLedgerReader 创建链下读取器
func NewLedgerReader(projects repository.ProjectRepository, policy retry.Policy) *LedgerReader {
	return &LedgerReader{projects: projects, policy: policy}
}

// ListProjects 按数值 id 升序返回全部项目快照
func (r *LedgerReader) ListProjects(ctx context.Context) ([]*model.ProjectSnapshot, error) {
	var projects []*model.Project
	_, err := r.policy.Do(ctx, "list_projects", repository.IsRetryableError, func(int) error {
		var err error
		projects, err = r.projects.ListAll(ctx)
		return err
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, err).WithMessagef("list off-chain projects")
	}

	snapshots := make([]*model.ProjectSnapshot, 0, len(projects))
	for _, p := range projects {
		snapshots = append(snapshots, p.Snapshot())
	}
	return snapshots, nil
}

// GetProject 读取单个项目快照
func (r *LedgerReader) GetProject(ctx context.Context, id string) (*model.ProjectSnapshot, error) {
	var project *model.Project
	_, err := r.policy.Do(ctx, "get_project", repository.IsRetryableError, func(int) error {
		var err error
		project, err = r.projects.GetByID(ctx, id, nil)
		return err
	})
	if errors.Is(err, repository.ErrProjectNotFound) {
		return nil, apperrors.ErrProjectNotFound.WithDetail("id", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, err)
	}
	return project.Snapshot(), nil
}

// ApplyUpdate 单次写回链上派生字段
func (r *LedgerReader) ApplyUpdate(ctx context.Context, id string, update *model.ProjectUpdate) error {
	if update.IsEmpty() {
		return nil
	}
	if err := r.projects.ApplyUpdate(ctx, id, update); err != nil {
		return apperrors.Wrapf(apperrors.ErrPersistence, err, "update project %s", id)
	}
	return nil
}

// SetBlockchainHash 记录创建交易哈希
func (r *LedgerReader) SetBlockchainHash(ctx context.Context, id, txHash string) error {
	if err := r.projects.SetBlockchainHash(ctx, id, txHash); err != nil {
		return apperrors.Wrapf(apperrors.ErrPersistence, err, "store blockchain hash of project %s", id)
	}
	return nil
}
