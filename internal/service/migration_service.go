package service

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pharovest/pharovest-chain/internal/contract"
	"github.com/pharovest/pharovest-chain/internal/model"
	"github.com/pharovest/pharovest-chain/internal/repository"
	apperrors "github.com/pharovest/pharovest-chain/pkg/errors"
	"github.com/pharovest/pharovest-chain/pkg/logger"
)

// ChainProjectLister 枚举合约中的项目
type ChainProjectLister interface {
	ListProjects(ctx context.Context) ([]*ChainProject, error)
}

// MigrationService 把旧合约中的项目以相同 id 重建到当前合约
type MigrationService struct {
	source    ChainProjectLister
	target    ChainProjectReader
	submitter Submitter
	packer    CreateProjectPacker
	mappings  repository.MappingRepository
	contract  common.Address
}

// NewMigrationService 创建迁移服务, contractAddr 为目标合约
func NewMigrationService(
	source ChainProjectLister,
	target ChainProjectReader,
	submitter Submitter,
	packer CreateProjectPacker,
	mappings repository.MappingRepository,
	contractAddr common.Address,
) *MigrationService {
	return &MigrationService{
		source:    source,
		target:    target,
		submitter: submitter,
		packer:    packer,
		mappings:  mappings,
		contract:  contractAddr,
	}
}

// Migrate 逐个迁移, 目标合约已存在的 id 跳过
func (s *MigrationService) Migrate(ctx context.Context) (*model.RunReport, error) {
	report := &model.RunReport{
		RunID:     uuid.NewString(),
		Status:    model.RunStatusRunning,
		Failures:  []model.FailureEntry{},
		StartedAt: time.Now().UnixMilli(),
	}
	ctx = logger.NewContext(ctx, zap.String("run_id", report.RunID))

	projects, err := s.source.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	logger.WithContext(ctx).Info("contract migration started", zap.Int("projects", len(projects)))

	report.Status = model.RunStatusCompleted
	for _, p := range projects {
		if ctx.Err() != nil {
			report.Status = model.RunStatusCancelled
			break
		}
		report.Add(s.migrateOne(ctx, p))
	}

	report.FinishedAt = time.Now().UnixMilli()
	logger.WithContext(ctx).Info("contract migration finished",
		zap.String("status", string(report.Status)),
		zap.Int("created", report.Created),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed))
	return report, nil
}

func (s *MigrationService) migrateOne(ctx context.Context, p *ChainProject) *model.ReconciliationRecord {
	rec := &model.ReconciliationRecord{
		OffChainID: p.OffChainID(),
		OnChainID:  p.ID,
		State:      model.StateChecking,
	}
	fail := func(err error) *model.ReconciliationRecord {
		rec.State = model.StateFailed
		rec.Outcome = model.OutcomeFailed
		rec.FailureKind = apperrors.GetCode(err)
		rec.FailureReason = truncate(err.Error())
		logger.WithContext(ctx).Error("project migration failed",
			zap.Uint64("project_id", p.ID),
			zap.Error(err))
		return rec
	}

	res := s.target.GetProject(ctx, p.ID)
	rec.Attempts = res.Attempts
	switch res.Status {
	case ChainFound:
		rec.State = model.StateSkipped
		rec.Outcome = model.OutcomeSkipped
		return rec
	case ChainError:
		rec.State = model.StateCheckFailed
		return fail(res.Err)
	}
	rec.State = model.StateMissing

	milestones := make([]contract.Milestone, 0, len(p.Milestones))
	for _, m := range p.Milestones {
		amount, ok := new(big.Int).SetString(m.AmountRequired, 10)
		if !ok {
			return fail(apperrors.ErrInvalidRequest.WithMessagef("milestone %d amount %q", m.Index, m.AmountRequired))
		}
		milestones = append(milestones, contract.Milestone{
			Title:          m.Title,
			AmountRequired: amount,
			Recipient:      common.HexToAddress(m.Recipient),
			IsCompleted:    m.Completed,
		})
	}
	data, err := s.packer.PackCreateProjectWithID(p.ID, p.TotalAmount, milestones)
	if err != nil {
		return fail(apperrors.Wrap(apperrors.ErrInvalidRequest, err))
	}

	if _, err := s.mappings.Bind(ctx, &model.IDMapping{
		OffChainID: rec.OffChainID,
		OnChainID:  p.ID,
		Contract:   s.contract.Hex(),
		Status:     model.MappingStatusPending,
	}); err != nil {
		return fail(mappingError(err))
	}

	result, err := s.submitter.Submit(ctx, &TxRequest{
		Kind:      model.TxKindCreateProject,
		ProjectID: p.ID,
		Data:      data,
	})
	if result != nil {
		rec.TxHash = result.TxHash
	}
	if err != nil {
		return fail(err)
	}
	if err := s.mappings.Confirm(ctx, rec.OffChainID, result.TxHash); err != nil {
		return fail(mappingError(err))
	}

	rec.State = model.StateReconciled
	rec.Outcome = model.OutcomeCreated
	return rec
}
