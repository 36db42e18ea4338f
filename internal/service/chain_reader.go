package service

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pharovest/pharovest-chain/internal/blockchain"
	"github.com/pharovest/pharovest-chain/internal/contract"
	"github.com/pharovest/pharovest-chain/internal/idmap"
	"github.com/pharovest/pharovest-chain/internal/metrics"
	"github.com/pharovest/pharovest-chain/internal/model"
	"github.com/pharovest/pharovest-chain/internal/retry"
	apperrors "github.com/pharovest/pharovest-chain/pkg/errors"
	"github.com/pharovest/pharovest-chain/pkg/logger"
)

// ProjectContract 合约只读接口
type ProjectContract interface {
	ProjectCount(ctx context.Context) (uint64, error)
	GetProject(ctx context.Context, projectID uint64) (*contract.ProjectInfo, error)
	GetMilestone(ctx context.Context, projectID uint64, index int) (*contract.MilestoneInfo, error)
}

// ChainStatus 链上读取结果类型
type ChainStatus int

const (
	ChainFound ChainStatus = iota
	ChainNotFound
	ChainError
)

func (s ChainStatus) String() string {
	switch s {
	case ChainFound:
		return "found"
	case ChainNotFound:
		return "not_found"
	default:
		return "error"
	}
}

// ChainProject 链上项目快照
type ChainProject struct {
	ID             uint64                    `json:"id"`
	TotalAmount    *big.Int                  `json:"totalAmount"`
	AmountRaised   *big.Int                  `json:"amountRaised"`
	IsActive       bool                      `json:"isActive"`
	MilestoneCount int                       `json:"milestoneCount"`
	Milestones     []model.MilestoneSnapshot `json:"milestones"`
}

// ChainResult 链上读取结果: Found / NotFound / Error
type ChainResult struct {
	Status   ChainStatus
	Project  *ChainProject
	Err      error
	Attempts int
}

// ChainReader 链上项目读取, 瞬时错误按统一策略重试
type ChainReader struct {
	contract    ProjectContract
	policy      retry.Policy
	concurrency int
	// 在途合约调用上限, 嵌套的里程碑读取与项目读取共用
	slots chan struct{}
}

// NewChainReader 创建链上读取器
func NewChainReader(c ProjectContract, policy retry.Policy, concurrency int) *ChainReader {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &ChainReader{
		contract:    c,
		policy:      policy,
		concurrency: concurrency,
		slots:       make(chan struct{}, concurrency),
	}
}

// Concurrency 同时在途的合约调用上限
func (r *ChainReader) Concurrency() int {
	return r.concurrency
}

// call 占用一个调用槽执行一次合约读取, 退避等待期间不占槽
func (r *ChainReader) call(ctx context.Context, fn func() error) error {
	select {
	case r.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-r.slots }()
	return fn()
}

// classifyChainError 把合约调用错误归入错误分类
func classifyChainError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return apperrors.Wrap(apperrors.ErrCanceled, err)
	}
	if errors.Is(err, contract.ErrContractNotDeployed) {
		return apperrors.Wrap(apperrors.ErrInternal, err)
	}
	if blockchain.IsTransient(err) {
		return apperrors.Wrap(apperrors.ErrTransientRPC, err)
	}
	return apperrors.Wrap(apperrors.ErrInternal, err)
}

func isTransientRead(err error) bool {
	return apperrors.Is(err, apperrors.ErrTransientRPC)
}

// GetProject 读取链上项目及其全部里程碑
// revert 与零值存储槽视为 NotFound, RPC 故障重试耗尽后为 Error, 不会被当作不存在
func (r *ChainReader) GetProject(ctx context.Context, projectID uint64) ChainResult {
	var info *contract.ProjectInfo
	attempts, err := r.policy.Do(ctx, "get_project", isTransientRead, func(int) error {
		return classifyChainError(r.call(ctx, func() error {
			var err error
			info, err = r.contract.GetProject(ctx, projectID)
			return err
		}))
	})
	if err != nil {
		err = classifyChainError(err)
		if apperrors.IsNotFound(err) {
			metrics.RecordChainRead("getProject", ChainNotFound.String())
			return ChainResult{Status: ChainNotFound, Err: err, Attempts: attempts}
		}
		metrics.RecordChainRead("getProject", ChainError.String())
		logger.WithContext(ctx).Warn("chain read failed",
			zap.Uint64("project_id", projectID),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return ChainResult{Status: ChainError, Err: err, Attempts: attempts}
	}
	metrics.RecordChainRead("getProject", ChainFound.String())

	project := &ChainProject{
		ID:           projectID,
		TotalAmount:  info.TotalAmount,
		AmountRaised: info.AmountRaised,
		IsActive:     info.IsActive,
	}
	if info.MilestoneCount != nil {
		project.MilestoneCount = int(info.MilestoneCount.Int64())
	}

	milestones, err := r.loadMilestones(ctx, projectID, project.MilestoneCount)
	if err != nil {
		return ChainResult{Status: ChainError, Err: err, Attempts: attempts}
	}
	project.Milestones = milestones

	return ChainResult{Status: ChainFound, Project: project, Attempts: attempts}
}

// GetMilestones 读取链上项目的全部里程碑
func (r *ChainReader) GetMilestones(ctx context.Context, projectID uint64) ([]model.MilestoneSnapshot, error) {
	res := r.GetProject(ctx, projectID)
	switch res.Status {
	case ChainFound:
		return res.Project.Milestones, nil
	default:
		return nil, res.Err
	}
}

// loadMilestones 并发读取里程碑, 在途调用数受 slots 限制
func (r *ChainReader) loadMilestones(ctx context.Context, projectID uint64, count int) ([]model.MilestoneSnapshot, error) {
	milestones := make([]model.MilestoneSnapshot, count)
	if count == 0 {
		return milestones, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i := 0; i < count; i++ {
		index := i
		g.Go(func() error {
			var info *contract.MilestoneInfo
			_, err := r.policy.Do(gctx, "get_milestone", isTransientRead, func(int) error {
				return classifyChainError(r.call(gctx, func() error {
					var err error
					info, err = r.contract.GetMilestone(gctx, projectID, index)
					return err
				}))
			})
			if err != nil {
				metrics.RecordChainRead("getMilestone", ChainError.String())
				return classifyChainError(err)
			}
			milestones[index] = model.MilestoneSnapshot{
				Index:          index,
				Title:          info.Title,
				AmountRequired: bigString(info.AmountRequired),
				Recipient:      info.Recipient.Hex(),
				Completed:      info.IsCompleted,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return milestones, nil
}

// ListProjects 遍历 1..projectCount, 跳过不存在的 id
func (r *ChainReader) ListProjects(ctx context.Context) ([]*ChainProject, error) {
	var count uint64
	_, err := r.policy.Do(ctx, "project_count", isTransientRead, func(int) error {
		return classifyChainError(r.call(ctx, func() error {
			var err error
			count, err = r.contract.ProjectCount(ctx)
			return err
		}))
	})
	if err != nil {
		return nil, classifyChainError(err)
	}

	var (
		mu       sync.Mutex
		projects = make([]*ChainProject, 0, count)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for id := uint64(1); id <= count; id++ {
		projectID := id
		g.Go(func() error {
			res := r.GetProject(gctx, projectID)
			switch res.Status {
			case ChainFound:
				mu.Lock()
				projects = append(projects, res.Project)
				mu.Unlock()
				return nil
			case ChainNotFound:
				return nil
			default:
				return res.Err
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
	return projects, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// OffChainID 链上项目对应的链下 id
func (p *ChainProject) OffChainID() string {
	return idmap.Format(p.ID)
}
