// Package service 提供 pharovest-chain 的业务逻辑服务
//
// ========================================
// Reconciler 对账服务说明
// ========================================
//
// ## 功能概述
// 以链下项目表为准, 逐个核对链上 Pharovest 合约中的同 id 项目:
//   - 链上不存在: createProjectWithId 创建, 确认后回写 blockchainHash
//   - 链上存在且字段不一致: 用链上 amountRaised / isActive / 里程碑完成状态回写链下
//   - 一致: 跳过
//
// ## 状态机
// Unchecked -> Checking -> {MatchedInSync, MatchedNeedsUpdate, Missing, CheckFailed}
//           -> {Reconciled, Skipped, Failed}
//
// ## 消息输出 (Kafka Producer)
//   - Topic: pharovest-reconciliation-reports, 每个批次一条汇总
//   - Topic: pharovest-project-synced, 每个创建或回写的项目一条
//
// ========================================
package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pharovest/pharovest-chain/internal/contract"
	"github.com/pharovest/pharovest-chain/internal/idmap"
	"github.com/pharovest/pharovest-chain/internal/metrics"
	"github.com/pharovest/pharovest-chain/internal/model"
	"github.com/pharovest/pharovest-chain/internal/repository"
	apperrors "github.com/pharovest/pharovest-chain/pkg/errors"
	"github.com/pharovest/pharovest-chain/pkg/logger"
)

var ErrRunInProgress = apperrors.ErrConflict.WithMessagef("reconciliation run already in progress")

const maxReasonLen = 1000

// ProjectLedger 链下项目读写
type ProjectLedger interface {
	ListProjects(ctx context.Context) ([]*model.ProjectSnapshot, error)
	ApplyUpdate(ctx context.Context, id string, update *model.ProjectUpdate) error
	SetBlockchainHash(ctx context.Context, id, txHash string) error
}

// ChainProjectReader 链上项目读取
type ChainProjectReader interface {
	GetProject(ctx context.Context, projectID uint64) ChainResult
}

// Submitter 交易提交
type Submitter interface {
	Submit(ctx context.Context, req *TxRequest) (*TxResult, error)
	DefaultSigner() common.Address
}

// CreateProjectPacker 编码 createProjectWithId
type CreateProjectPacker interface {
	PackCreateProjectWithID(projectID uint64, totalAmount *big.Int, milestones []contract.Milestone) ([]byte, error)
}

// RunLock 跨实例互斥, 同一时间只允许一个批次
type RunLock interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// RunOptions 批次参数
type RunOptions struct {
	Trigger model.RunTrigger
	// Resume 从最近一次未完成批次的游标之后继续
	Resume bool
	// RunID 为空时自动生成
	RunID string
}

// ReconcilerConfig 配置
type ReconcilerConfig struct {
	Contract   common.Address
	EthUSDRate decimal.Decimal
	Creation   CreationConfig
	// ReadConcurrency 预读链上状态的并发数, 默认 4
	ReadConcurrency int
}

// Reconciler 链上链下对账
type Reconciler struct {
	ledger      ProjectLedger
	chain       ChainProjectReader
	submitter   Submitter
	packer      CreateProjectPacker
	mappings    repository.MappingRepository
	runs        repository.ReconciliationRepository
	checkpoints repository.CheckpointRepository
	lock        RunLock
	cfg         ReconcilerConfig

	// 事件回调
	onRunFinished   func(ctx context.Context, report *model.RunReport) error
	onProjectSynced func(ctx context.Context, event *model.ProjectSyncedEvent) error
}

// NewReconciler 创建对账服务, lock 为 nil 时不做跨实例互斥
func NewReconciler(
	ledger ProjectLedger,
	chain ChainProjectReader,
	submitter Submitter,
	packer CreateProjectPacker,
	mappings repository.MappingRepository,
	runs repository.ReconciliationRepository,
	checkpoints repository.CheckpointRepository,
	lock RunLock,
	cfg *ReconcilerConfig,
) *Reconciler {
	c := *cfg
	if c.EthUSDRate.IsZero() {
		c.EthUSDRate = decimal.NewFromInt(2410)
	}
	if c.ReadConcurrency <= 0 {
		c.ReadConcurrency = 4
	}
	if c.Creation.DefaultTotalETH.IsZero() {
		c.Creation = DefaultCreationConfig()
		c.Creation.Recipient = cfg.Creation.Recipient
	}

	return &Reconciler{
		ledger:      ledger,
		chain:       chain,
		submitter:   submitter,
		packer:      packer,
		mappings:    mappings,
		runs:        runs,
		checkpoints: checkpoints,
		lock:        lock,
		cfg:         c,
	}
}

// SetOnRunFinished 设置批次结束回调
func (r *Reconciler) SetOnRunFinished(fn func(ctx context.Context, report *model.RunReport) error) {
	r.onRunFinished = fn
}

// SetOnProjectSynced 设置项目同步回调
func (r *Reconciler) SetOnProjectSynced(fn func(ctx context.Context, event *model.ProjectSyncedEvent) error) {
	r.onProjectSynced = fn
}

// Run 执行一次对账批次
// 单个项目失败不会中断批次; ctx 取消时在项目边界停止并保留游标
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*model.RunReport, error) {
	if opts.Trigger == "" {
		opts.Trigger = model.RunTriggerManual
	}

	if r.lock != nil {
		ok, err := r.lock.TryLock(ctx)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, err)
		}
		if !ok {
			return nil, ErrRunInProgress
		}
		defer r.lock.Unlock(context.WithoutCancel(ctx))
	}

	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	run := &model.ReconciliationRun{
		ID:        opts.RunID,
		Trigger:   opts.Trigger,
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UnixMilli(),
	}
	ctx = logger.NewContext(ctx, zap.String("run_id", run.ID))
	log := logger.WithContext(ctx)

	if opts.Resume {
		after, err := r.resumeCursor(ctx)
		if err != nil {
			return nil, err
		}
		run.ResumedAfter = after
	}

	if err := r.runs.CreateRun(ctx, run); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, err)
	}

	report := &model.RunReport{
		RunID:        run.ID,
		Status:       model.RunStatusRunning,
		ResumedAfter: run.ResumedAfter,
		Failures:     []model.FailureEntry{},
		StartedAt:    run.StartedAt,
	}

	log.Info("reconciliation run started",
		zap.String("trigger", string(opts.Trigger)),
		zap.String("resumed_after", run.ResumedAfter))

	projects, err := r.ledger.ListProjects(ctx)
	if err != nil {
		run.Error = truncate(err.Error())
		r.finish(ctx, run, report, model.RunStatusFailed, run.ResumedAfter)
		return report, err
	}

	pending := projects[:0]
	for _, snap := range projects {
		if run.ResumedAfter == "" || idmap.Less(run.ResumedAfter, snap.ID) {
			pending = append(pending, snap)
		}
	}

	readCtx, stopReads := context.WithCancel(ctx)
	defer stopReads()
	reads := r.prefetch(readCtx, pending)

	status := model.RunStatusCompleted
	cursor := run.ResumedAfter
	for i, snap := range pending {
		if ctx.Err() != nil {
			status = model.RunStatusCancelled
			break
		}

		rec := r.reconcileProject(ctx, run.ID, snap, reads[i])
		if ctx.Err() != nil && rec.Outcome == model.OutcomeFailed {
			// 被取消中断的项目不计入, 游标停在上一个项目
			status = model.RunStatusCancelled
			break
		}
		r.record(ctx, run, report, rec)
		cursor = rec.OffChainID
	}

	r.finish(ctx, run, report, status, cursor)
	return report, nil
}

// chainRead 预读的链上状态, done 关闭后 result 可读
type chainRead struct {
	done    chan struct{}
	result  ChainResult
	release func()
}

// wait 取出预读结果并让出预读窗口
func (c *chainRead) wait(ctx context.Context) ChainResult {
	select {
	case <-c.done:
		if c.release != nil {
			c.release()
		}
		return c.result
	case <-ctx.Done():
		return ChainResult{Status: ChainError, Err: apperrors.Wrap(apperrors.ErrCanceled, ctx.Err())}
	}
}

// prefetch 按 id 顺序并发预读链上状态
// 已读未处理的项目不超过 ReadConcurrency 个, 非法 id 不发起读取
func (r *Reconciler) prefetch(ctx context.Context, projects []*model.ProjectSnapshot) []*chainRead {
	reads := make([]*chainRead, len(projects))
	for i := range reads {
		reads[i] = &chainRead{done: make(chan struct{})}
	}

	window := make(chan struct{}, r.cfg.ReadConcurrency)
	go func() {
		for i, snap := range projects {
			read := reads[i]
			onChainID, err := idmap.Map(snap.ID)
			if err != nil {
				read.result = ChainResult{Status: ChainError, Err: err}
				close(read.done)
				continue
			}
			select {
			case window <- struct{}{}:
			case <-ctx.Done():
				return
			}
			if ctx.Err() != nil {
				return
			}
			read.release = func() { <-window }
			go func() {
				read.result = r.chain.GetProject(ctx, onChainID)
				close(read.done)
			}()
		}
	}()
	return reads
}

// resumeCursor 最近一次未完成批次的游标
func (r *Reconciler) resumeCursor(ctx context.Context) (string, error) {
	cp, err := r.checkpoints.GetByContract(ctx, r.cfg.Contract.Hex())
	if errors.Is(err, repository.ErrCheckpointNotFound) {
		return "", nil
	}
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrPersistence, err)
	}
	if cp.Completed {
		return "", nil
	}
	return cp.LastID, nil
}

func (r *Reconciler) record(ctx context.Context, run *model.ReconciliationRun, report *model.RunReport, rec *model.ReconciliationRecord) {
	persistCtx := context.WithoutCancel(ctx)

	if err := r.runs.CreateRecord(persistCtx, rec); err != nil {
		logger.WithContext(ctx).Error("failed to persist reconciliation record",
			zap.String("project_id", rec.OffChainID),
			zap.Error(err))
	}
	report.Add(rec)
	metrics.RecordProjectOutcome(string(rec.Outcome), rec.FailureKind)

	err := r.checkpoints.Upsert(persistCtx, &model.ReconcileCheckpoint{
		Contract: r.cfg.Contract.Hex(),
		RunID:    run.ID,
		LastID:   rec.OffChainID,
	})
	if err != nil {
		logger.WithContext(ctx).Error("failed to persist reconcile cursor",
			zap.String("project_id", rec.OffChainID),
			zap.Error(err))
	}
}

func (r *Reconciler) finish(ctx context.Context, run *model.ReconciliationRun, report *model.RunReport, status model.RunStatus, cursor string) {
	persistCtx := context.WithoutCancel(ctx)
	log := logger.WithContext(ctx)

	report.Status = status
	report.FinishedAt = time.Now().UnixMilli()
	report.ApplyTo(run)

	if err := r.runs.UpdateRun(persistCtx, run); err != nil {
		log.Error("failed to persist reconciliation run", zap.Error(err))
	}

	if status == model.RunStatusCompleted {
		err := r.checkpoints.Upsert(persistCtx, &model.ReconcileCheckpoint{
			Contract:  r.cfg.Contract.Hex(),
			RunID:     run.ID,
			LastID:    cursor,
			Completed: true,
		})
		if err != nil {
			log.Error("failed to mark reconcile cursor completed", zap.Error(err))
		}
	}

	duration := time.Duration(report.FinishedAt-report.StartedAt) * time.Millisecond
	metrics.RecordRun(string(run.Trigger), string(status), duration.Seconds(),
		report.Created, report.Updated, report.Skipped, report.Failed)

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int("total", report.Total),
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", duration),
	}
	if report.Failed > 0 {
		log.Warn("reconciliation run finished with failures", append(fields, zap.Any("failures", report.Failures))...)
	} else {
		log.Info("reconciliation run finished", fields...)
	}

	if r.onRunFinished != nil {
		if err := r.onRunFinished(persistCtx, report); err != nil {
			log.Error("failed to publish reconciliation report", zap.Error(err))
		}
	}
}

// reconcileProject 单个项目的状态机, 总是返回终态记录
func (r *Reconciler) reconcileProject(ctx context.Context, runID string, snap *model.ProjectSnapshot, read *chainRead) *model.ReconciliationRecord {
	rec := &model.ReconciliationRecord{
		RunID:      runID,
		OffChainID: snap.ID,
		State:      model.StateUnchecked,
	}
	ctx = logger.NewContext(ctx, zap.String("project_id", snap.ID))

	onChainID, err := idmap.Map(snap.ID)
	if err != nil {
		return r.fail(ctx, rec, err)
	}
	rec.OnChainID = onChainID

	rec.State = model.StateChecking
	res := read.wait(ctx)
	rec.Attempts = res.Attempts

	switch res.Status {
	case ChainNotFound:
		rec.State = model.StateMissing
		return r.create(ctx, rec, snap)
	case ChainFound:
		return r.sync(ctx, rec, snap, res.Project)
	default:
		rec.State = model.StateCheckFailed
		return r.fail(ctx, rec, res.Err)
	}
}

// create Missing -> Reconciled
func (r *Reconciler) create(ctx context.Context, rec *model.ReconciliationRecord, snap *model.ProjectSnapshot) *model.ReconciliationRecord {
	payload := r.cfg.Creation.BuildPayload(snap, r.submitter.DefaultSigner())
	data, err := r.packer.PackCreateProjectWithID(rec.OnChainID, payload.TotalAmount, payload.Milestones)
	if err != nil {
		return r.fail(ctx, rec, apperrors.Wrap(apperrors.ErrInvalidRequest, err))
	}

	_, err = r.mappings.Bind(ctx, &model.IDMapping{
		OffChainID: snap.ID,
		OnChainID:  rec.OnChainID,
		Contract:   r.cfg.Contract.Hex(),
		Status:     model.MappingStatusPending,
	})
	if err != nil {
		return r.fail(ctx, rec, mappingError(err))
	}

	result, err := r.submitter.Submit(ctx, &TxRequest{
		Kind:      model.TxKindCreateProject,
		ProjectID: rec.OnChainID,
		Data:      data,
	})
	if result != nil {
		rec.TxHash = result.TxHash
	}
	if err != nil {
		if result != nil && result.TxHash != "" {
			// 已广播但未确认, 哈希留在待确认映射上由下一批次补齐
			if herr := r.mappings.SetTxHash(context.WithoutCancel(ctx), snap.ID, result.TxHash); herr != nil {
				logger.WithContext(ctx).Error("failed to record broadcast tx hash",
					zap.String("tx_hash", result.TxHash),
					zap.Error(herr))
			}
		}
		return r.fail(ctx, rec, err)
	}

	if err := r.mappings.Confirm(ctx, snap.ID, result.TxHash); err != nil {
		return r.fail(ctx, rec, mappingError(err))
	}
	if err := r.ledger.SetBlockchainHash(ctx, snap.ID, result.TxHash); err != nil {
		return r.fail(ctx, rec, err)
	}

	logger.WithContext(ctx).Info("project created on chain",
		zap.Uint64("on_chain_id", rec.OnChainID),
		zap.String("tx_hash", result.TxHash),
		zap.String("total_amount", payload.TotalAmount.String()),
		zap.Int("milestones", len(payload.Milestones)))

	// 回读链上并回写差异, 保证紧接着的第二次批次无写操作
	event := &model.ProjectSyncedEvent{
		RunID:     rec.RunID,
		ProjectID: snap.ID,
		OnChainID: rec.OnChainID,
		Outcome:   model.OutcomeCreated,
		TxHash:    result.TxHash,
	}
	res := r.chain.GetProject(ctx, rec.OnChainID)
	if res.Status == ChainFound {
		update, details := r.diff(ctx, snap, res.Project)
		rec.Details = details
		if err := r.ledger.ApplyUpdate(ctx, snap.ID, update); err != nil {
			return r.fail(ctx, rec, err)
		}
		fillEvent(event, update)
	} else {
		logger.WithContext(ctx).Warn("created project not yet readable, diff deferred to next run",
			zap.Uint64("on_chain_id", rec.OnChainID),
			zap.String("status", res.Status.String()))
	}

	rec.State = model.StateReconciled
	rec.Outcome = model.OutcomeCreated
	r.publishSynced(ctx, event)
	return rec
}

// sync Matched* -> Reconciled / Skipped
func (r *Reconciler) sync(ctx context.Context, rec *model.ReconciliationRecord, snap *model.ProjectSnapshot, chain *ChainProject) *model.ReconciliationRecord {
	confirmed, err := r.ensureMapping(ctx, snap, rec.OnChainID)
	if err != nil {
		return r.fail(ctx, rec, err)
	}

	update, details := r.diff(ctx, snap, chain)
	rec.Details = details
	if confirmed != nil {
		rec.TxHash = confirmed.TxHash
		rec.Details = joinDetails(rec.Details, "pending mapping confirmed")
	}

	if update.IsEmpty() && confirmed != nil {
		logger.WithContext(ctx).Info("pending mapping confirmed", zap.String("tx_hash", confirmed.TxHash))
		rec.State = model.StateReconciled
		rec.Outcome = model.OutcomeUpdated
		r.publishSynced(ctx, &model.ProjectSyncedEvent{
			RunID:     rec.RunID,
			ProjectID: snap.ID,
			OnChainID: rec.OnChainID,
			Outcome:   model.OutcomeUpdated,
			TxHash:    confirmed.TxHash,
		})
		return rec
	}

	if update.IsEmpty() {
		logger.WithContext(ctx).Debug("project in sync", zap.String("state", string(model.StateMatchedInSync)))
		rec.State = model.StateSkipped
		rec.Outcome = model.OutcomeSkipped
		return rec
	}

	rec.State = model.StateMatchedNeedsUpdate
	if err := r.ledger.ApplyUpdate(ctx, snap.ID, update); err != nil {
		return r.fail(ctx, rec, err)
	}

	logger.WithContext(ctx).Info("project updated from chain",
		zap.Bool("amount_raised", update.AmountRaised != nil),
		zap.Bool("funding_status", update.FundingStatus != nil),
		zap.Int("milestones", len(update.CompletedMilestones)))

	rec.State = model.StateReconciled
	rec.Outcome = model.OutcomeUpdated

	event := &model.ProjectSyncedEvent{
		RunID:     rec.RunID,
		ProjectID: snap.ID,
		OnChainID: rec.OnChainID,
		Outcome:   model.OutcomeUpdated,
	}
	if confirmed != nil {
		event.TxHash = confirmed.TxHash
	}
	fillEvent(event, update)
	r.publishSynced(ctx, event)
	return rec
}

// ensureMapping 链上已存在的项目补齐映射, 已确认时不写
// 返回值非 nil 表示本次把待确认映射转为已确认
func (r *Reconciler) ensureMapping(ctx context.Context, snap *model.ProjectSnapshot, onChainID uint64) (*model.IDMapping, error) {
	existing, err := r.mappings.GetByOffChainID(ctx, snap.ID)
	switch {
	case err == nil:
		if existing.OnChainID != onChainID {
			return nil, apperrors.ErrConflict.WithMessagef("project %s mapped to on-chain id %d", snap.ID, existing.OnChainID)
		}
		if existing.Status == model.MappingStatusConfirmed {
			return nil, nil
		}
	case !errors.Is(err, repository.ErrMappingNotFound):
		return nil, apperrors.Wrap(apperrors.ErrPersistence, err)
	default:
		if _, err := r.mappings.Bind(ctx, &model.IDMapping{
			OffChainID: snap.ID,
			OnChainID:  onChainID,
			Contract:   r.cfg.Contract.Hex(),
			Status:     model.MappingStatusConfirmed,
		}); err != nil {
			return nil, mappingError(err)
		}
		return nil, nil
	}

	// 上一批次广播后未等到确认
	if existing.TxHash != "" && snap.BlockchainHash == "" {
		if err := r.ledger.SetBlockchainHash(ctx, snap.ID, existing.TxHash); err != nil {
			return nil, err
		}
	}
	if err := r.mappings.Confirm(ctx, snap.ID, existing.TxHash); err != nil {
		return nil, mappingError(err)
	}
	existing.Status = model.MappingStatusConfirmed
	return existing, nil
}

// diff 以链上为准计算需要回写的字段
// 里程碑只比较重叠前缀, 数量不一致记录在 details 中待人工核对
func (r *Reconciler) diff(ctx context.Context, snap *model.ProjectSnapshot, chain *ChainProject) (*model.ProjectUpdate, string) {
	update := &model.ProjectUpdate{}

	chainUSD := model.ETHToUSD(model.WeiToETH(chain.AmountRaised), r.cfg.EthUSDRate)
	offUSD, err := model.ParseUSD(snap.AmountRaised)
	if err != nil || !offUSD.Equal(chainUSD) {
		formatted := model.FormatUSD(chainUSD)
		update.AmountRaised = &formatted
	}

	status := model.FundingStatusFromChain(chain.IsActive)
	if snap.FundingStatus != status {
		update.FundingStatus = &status
	}

	overlap := len(snap.Milestones)
	if len(chain.Milestones) < overlap {
		overlap = len(chain.Milestones)
	}
	for i := 0; i < overlap; i++ {
		off := snap.Milestones[i]
		if off.Completed != chain.Milestones[i].Completed {
			if update.CompletedMilestones == nil {
				update.CompletedMilestones = make(map[int]bool)
			}
			update.CompletedMilestones[off.Index] = chain.Milestones[i].Completed
		}
	}

	var details string
	if len(snap.Milestones) != len(chain.Milestones) {
		details = fmt.Sprintf("milestone count mismatch: off-chain %d, on-chain %d; needs manual review",
			len(snap.Milestones), len(chain.Milestones))
		metrics.RecordMilestoneDiscrepancy()
		logger.WithContext(ctx).Warn("milestone count mismatch",
			zap.Int("off_chain", len(snap.Milestones)),
			zap.Int("on_chain", len(chain.Milestones)))
	}

	return update, details
}

func (r *Reconciler) fail(ctx context.Context, rec *model.ReconciliationRecord, err error) *model.ReconciliationRecord {
	rec.State = model.StateFailed
	rec.Outcome = model.OutcomeFailed
	rec.FailureKind = apperrors.GetCode(err)
	rec.FailureReason = truncate(err.Error())

	logger.WithContext(ctx).Error("project reconciliation failed",
		zap.String("kind", rec.FailureKind),
		zap.Int("attempts", rec.Attempts),
		zap.Error(err))
	return rec
}

func (r *Reconciler) publishSynced(ctx context.Context, event *model.ProjectSyncedEvent) {
	if r.onProjectSynced == nil {
		return
	}
	event.SyncedAt = time.Now().UnixMilli()
	if err := r.onProjectSynced(context.WithoutCancel(ctx), event); err != nil {
		logger.WithContext(ctx).Warn("failed to publish project synced event", zap.Error(err))
	}
}

func fillEvent(event *model.ProjectSyncedEvent, update *model.ProjectUpdate) {
	if update.AmountRaised != nil {
		event.AmountRaised = *update.AmountRaised
	}
	if update.FundingStatus != nil {
		event.FundingStatus = *update.FundingStatus
	}
}

func mappingError(err error) error {
	if errors.Is(err, repository.ErrMappingConflict) {
		return apperrors.Wrap(apperrors.ErrConflict, err)
	}
	return apperrors.Wrap(apperrors.ErrPersistence, err)
}

func joinDetails(details, note string) string {
	if details == "" {
		return note
	}
	return details + "; " + note
}

func truncate(s string) string {
	if len(s) > maxReasonLen {
		return s[:maxReasonLen]
	}
	return s
}
