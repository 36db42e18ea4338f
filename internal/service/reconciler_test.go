package service

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/pharovest/pharovest-chain/internal/idmap"
	"github.com/pharovest/pharovest-chain/internal/model"
	"github.com/pharovest/pharovest-chain/internal/repository"
	apperrors "github.com/pharovest/pharovest-chain/pkg/errors"
)

var testContract = common.HexToAddress("0x00000000000000000000000000000000000000c0")

type reconcilerFixture struct {
	db          *gorm.DB
	projects    repository.ProjectRepository
	mappings    repository.MappingRepository
	runs        repository.ReconciliationRepository
	checkpoints repository.CheckpointRepository
	contract    *fakeContract
	packer      *fakePacker
	submitter   *mockSubmitter
	lock        *fakeLock
	reconciler  *Reconciler
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	db := setupTestDB(t)
	f := &reconcilerFixture{
		db:          db,
		projects:    repository.NewProjectRepository(db),
		mappings:    repository.NewMappingRepository(db),
		runs:        repository.NewReconciliationRepository(db),
		checkpoints: repository.NewCheckpointRepository(db),
		contract:    newFakeContract(),
		packer:      newFakePacker(),
		submitter:   &mockSubmitter{},
		lock:        &fakeLock{},
	}
	f.build(4)
	return f
}

// build 按当前依赖重建 reconciler
func (f *reconcilerFixture) build(concurrency int) {
	f.reconciler = NewReconciler(
		NewLedgerReader(f.projects, fastPolicy()),
		NewChainReader(f.contract, fastPolicy(), concurrency),
		f.submitter,
		f.packer,
		f.mappings,
		f.runs,
		f.checkpoints,
		f.lock,
		&ReconcilerConfig{Contract: testContract, ReadConcurrency: concurrency},
	)
}

// cancelingCheckpoints 写入指定游标后取消批次
type cancelingCheckpoints struct {
	repository.CheckpointRepository
	after  string
	cancel context.CancelFunc
}

func (c *cancelingCheckpoints) Upsert(ctx context.Context, cp *model.ReconcileCheckpoint) error {
	err := c.CheckpointRepository.Upsert(ctx, cp)
	if c.cancel != nil && !cp.Completed && cp.LastID == c.after {
		c.cancel()
	}
	return err
}

func (f *reconcilerFixture) seed(t *testing.T, id, raised, goal string, completed ...bool) {
	p := &model.Project{
		ID:            id,
		Title:         "project " + id,
		AmountRaised:  raised,
		FundingGoal:   goal,
		FundingStatus: model.FundingStatusActive,
	}
	for _, c := range completed {
		p.Milestones = append(p.Milestones, model.Milestone{Title: "m", AmountRequired: "1", Completed: c})
	}
	require.NoError(t, f.projects.Create(context.Background(), p))
}

// expectCreate 提交时在假合约上创建项目
func (f *reconcilerFixture) expectCreate(id uint64, hash string) *mock.Call {
	return f.submitter.On("Submit", mock.Anything, mock.MatchedBy(func(req *TxRequest) bool {
		return req.Kind == model.TxKindCreateProject && req.ProjectID == id
	})).Run(func(args mock.Arguments) {
		req := args.Get(1).(*TxRequest)
		p, _ := f.packer.get(req.ProjectID)
		f.contract.create(req.ProjectID, p.total, p.milestones)
	}).Return(&TxResult{TxHash: hash, Signer: testSigner.Hex()}, nil)
}

func (f *reconcilerFixture) project(t *testing.T, id string) *model.Project {
	p, err := f.projects.GetByID(context.Background(), id, nil)
	require.NoError(t, err)
	return p
}

func (f *reconcilerFixture) records(t *testing.T, runID string) map[string]*model.ReconciliationRecord {
	recs, err := f.runs.ListRecords(context.Background(), runID)
	require.NoError(t, err)
	out := make(map[string]*model.ReconciliationRecord, len(recs))
	for _, r := range recs {
		out[r.OffChainID] = r
	}
	return out
}

func TestReconciler_CreatesMissingProjectWithSameID(t *testing.T) {
	f := newReconcilerFixture(t)
	f.seed(t, "7", "$0.00", "2", false, false)
	f.expectCreate(7, "0x77").Once()

	report, err := f.reconciler.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, report.Status)
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, 1, report.Created)
	f.submitter.AssertNumberOfCalls(t, "Submit", 1)

	payload, ok := f.packer.get(7)
	require.True(t, ok)
	assert.Equal(t, eth(2, 0), payload.total)
	require.Len(t, payload.milestones, 2)
	assert.Equal(t, eth(1, 0), payload.milestones[0].AmountRequired)
	assert.Equal(t, testSigner, payload.milestones[0].Recipient)

	mapping, err := f.mappings.GetByOffChainID(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), mapping.OnChainID)
	assert.Equal(t, model.MappingStatusConfirmed, mapping.Status)
	assert.Equal(t, "0x77", mapping.TxHash)
	assert.Equal(t, "0x77", f.project(t, "7").BlockchainHash)

	rec := f.records(t, report.RunID)["7"]
	require.NotNil(t, rec)
	assert.Equal(t, model.StateReconciled, rec.State)
	assert.Equal(t, "0x77", rec.TxHash)
}

func TestReconciler_SecondRunIsNoop(t *testing.T) {
	f := newReconcilerFixture(t)
	f.seed(t, "1", "$0.00", "1", false)
	f.seed(t, "2", "$100.00", "", false, true)
	f.contract.put(2, eth(5, -2), true, false, false)
	f.expectCreate(1, "0x01").Once()

	first, err := f.reconciler.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Created)
	assert.Equal(t, 1, first.Updated)

	before1 := f.project(t, "1").UpdatedAt
	before2 := f.project(t, "2").UpdatedAt

	second, err := f.reconciler.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Skipped)
	assert.Zero(t, second.Created)
	assert.Zero(t, second.Updated)
	assert.Zero(t, second.Failed)

	f.submitter.AssertNumberOfCalls(t, "Submit", 1)
	assert.Equal(t, before1, f.project(t, "1").UpdatedAt)
	assert.Equal(t, before2, f.project(t, "2").UpdatedAt)
}

func TestReconciler_UpdatesAmountRaisedFromChain(t *testing.T) {
	f := newReconcilerFixture(t)
	f.seed(t, "3", "$100.00", "")
	f.contract.put(3, eth(5, -2), true)

	var events []*model.ProjectSyncedEvent
	f.reconciler.SetOnProjectSynced(func(ctx context.Context, e *model.ProjectSyncedEvent) error {
		events = append(events, e)
		return nil
	})

	report, err := f.reconciler.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, "$120.50", f.project(t, "3").AmountRaised)
	f.submitter.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)

	require.Len(t, events, 1)
	assert.Equal(t, model.OutcomeUpdated, events[0].Outcome)
	assert.Equal(t, "$120.50", events[0].AmountRaised)
	assert.Equal(t, uint64(3), events[0].OnChainID)

	mapping, err := f.mappings.GetByOffChainID(context.Background(), "3")
	require.NoError(t, err)
	assert.Equal(t, model.MappingStatusConfirmed, mapping.Status)
}

func TestReconciler_ChainWinsFundingStatusAndMilestones(t *testing.T) {
	f := newReconcilerFixture(t)
	f.seed(t, "4", "$0.00", "", false, false)
	f.contract.put(4, big.NewInt(0), false, false, true)

	_, err := f.reconciler.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	p := f.project(t, "4")
	assert.Equal(t, model.FundingStatusCompleted, p.FundingStatus)
	require.Len(t, p.Milestones, 2)
	assert.False(t, p.Milestones[0].Completed)
	assert.True(t, p.Milestones[1].Completed)
}

func TestReconciler_MilestoneCountMismatchFlagged(t *testing.T) {
	f := newReconcilerFixture(t)
	f.seed(t, "5", "$0.00", "", false, false, false)
	f.contract.put(5, big.NewInt(0), true, false, true)

	report, err := f.reconciler.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)

	rec := f.records(t, report.RunID)["5"]
	require.NotNil(t, rec)
	assert.Contains(t, rec.Details, "milestone count mismatch: off-chain 3, on-chain 2")

	p := f.project(t, "5")
	assert.True(t, p.Milestones[1].Completed)
	assert.False(t, p.Milestones[2].Completed)
}

func TestReconciler_PartialFailureContinues(t *testing.T) {
	f := newReconcilerFixture(t)
	f.seed(t, "1", "$0.00", "")
	f.seed(t, "2", "$0.00", "")
	f.seed(t, "3", "$0.00", "")
	f.contract.put(1, big.NewInt(0), true)
	f.contract.put(3, big.NewInt(0), true)
	f.contract.fail(2, errConnRefused)

	report, err := f.reconciler.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, report.Status)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "2", report.Failures[0].ProjectID)
	assert.Equal(t, apperrors.ErrTransientRPC.Code, report.Failures[0].Kind)

	assert.Equal(t, 3, f.contract.callCount(2))
	assert.Equal(t, 1, f.contract.callCount(3))
	f.submitter.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)

	rec := f.records(t, report.RunID)["2"]
	require.NotNil(t, rec)
	assert.Equal(t, model.StateFailed, rec.State)
	assert.Equal(t, 3, rec.Attempts)
}

func TestReconciler_TimeoutNeverTreatedAsMissing(t *testing.T) {
	f := newReconcilerFixture(t)
	f.seed(t, "9", "$0.00", "1")
	f.contract.fail(9, context.DeadlineExceeded)

	report, err := f.reconciler.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Created)
	f.submitter.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
	_, err = f.mappings.GetByOffChainID(context.Background(), "9")
	assert.ErrorIs(t, err, repository.ErrMappingNotFound)
}

func TestReconciler_InvalidIDFailsWithoutChainCall(t *testing.T) {
	f := newReconcilerFixture(t)
	f.seed(t, "abc", "$0.00", "")
	f.seed(t, "1", "$0.00", "")
	f.contract.put(1, big.NewInt(0), true)

	report, err := f.reconciler.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Skipped)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "abc", report.Failures[0].ProjectID)
	assert.Equal(t, apperrors.ErrInvalidID.Code, report.Failures[0].Kind)
}

func TestReconciler_SubmitFailureLeavesPendingMapping(t *testing.T) {
	f := newReconcilerFixture(t)
	f.seed(t, "6", "$0.00", "1")
	f.submitter.On("Submit", mock.Anything, mock.Anything).
		Return(nil, apperrors.ErrEstimationFailed.WithMessagef("execution reverted")).Once()

	report, err := f.reconciler.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, apperrors.ErrEstimationFailed.Code, report.Failures[0].Kind)

	mapping, err := f.mappings.GetByOffChainID(context.Background(), "6")
	require.NoError(t, err)
	assert.Equal(t, model.MappingStatusPending, mapping.Status)
	assert.Empty(t, f.project(t, "6").BlockchainHash)

	// 下一批次重新尝试创建, 复用同一映射
	f.expectCreate(6, "0x66").Once()
	report, err = f.reconciler.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)

	mapping, err = f.mappings.GetByOffChainID(context.Background(), "6")
	require.NoError(t, err)
	assert.Equal(t, model.MappingStatusConfirmed, mapping.Status)
}

func TestReconciler_BroadcastWithoutReceiptRecoversHash(t *testing.T) {
	f := newReconcilerFixture(t)
	f.seed(t, "9", "$0.00", "1")

	// 交易已上链, 但等待回执超时
	f.submitter.On("Submit", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			req := args.Get(1).(*TxRequest)
			p, _ := f.packer.get(req.ProjectID)
			f.contract.create(req.ProjectID, p.total, p.milestones)
		}).
		Return(&TxResult{TxHash: "0x99", Signer: testSigner.Hex()},
			apperrors.ErrTransientRPC.WithMessagef("receipt wait timed out")).Once()

	report, err := f.reconciler.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	mapping, err := f.mappings.GetByOffChainID(context.Background(), "9")
	require.NoError(t, err)
	assert.Equal(t, model.MappingStatusPending, mapping.Status)
	assert.Equal(t, "0x99", mapping.TxHash)

	report, err = f.reconciler.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 0, report.Skipped)
	f.submitter.AssertNumberOfCalls(t, "Submit", 1)

	mapping, err = f.mappings.GetByOffChainID(context.Background(), "9")
	require.NoError(t, err)
	assert.Equal(t, model.MappingStatusConfirmed, mapping.Status)
	assert.Equal(t, "0x99", mapping.TxHash)
	assert.Equal(t, "0x99", f.project(t, "9").BlockchainHash)

	rec := f.records(t, report.RunID)["9"]
	require.NotNil(t, rec)
	assert.Equal(t, model.OutcomeUpdated, rec.Outcome)
	assert.Contains(t, rec.Details, "pending mapping confirmed")

	// 之后的批次不再写
	report, err = f.reconciler.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
}

func TestReconciler_ConcurrentReadsKeepIDOrder(t *testing.T) {
	f := newReconcilerFixture(t)
	f.build(3)
	for id := uint64(1); id <= 8; id++ {
		f.seed(t, idmap.Format(id), "$0.00", "", false)
		f.contract.put(id, eth(1, -2), true, false)
	}
	f.contract.delay = 3 * time.Millisecond

	var (
		mu    sync.Mutex
		order []string
	)
	f.reconciler.SetOnProjectSynced(func(ctx context.Context, e *model.ProjectSyncedEvent) error {
		mu.Lock()
		order = append(order, e.ProjectID)
		mu.Unlock()
		return nil
	})

	report, err := f.reconciler.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, report.Status)
	assert.Equal(t, 8, report.Updated)
	assert.Equal(t, []string{"1", "2", "3", "4", "5", "6", "7", "8"}, order)

	assert.LessOrEqual(t, f.contract.peakInFlight(), 3)
	assert.Greater(t, f.contract.peakInFlight(), 1)

	cp, err := f.checkpoints.GetByContract(context.Background(), testContract.Hex())
	require.NoError(t, err)
	assert.Equal(t, "8", cp.LastID)
	assert.True(t, cp.Completed)
}

func TestReconciler_CancelAndResume(t *testing.T) {
	f := newReconcilerFixture(t)
	for _, id := range []string{"1", "2", "3"} {
		f.seed(t, id, "$0.00", "")
	}
	f.contract.put(1, big.NewInt(0), true)
	f.contract.put(2, big.NewInt(0), true)
	f.contract.put(3, big.NewInt(0), true)

	ctx, cancel := context.WithCancel(context.Background())
	canceling := &cancelingCheckpoints{CheckpointRepository: f.checkpoints, after: "1", cancel: cancel}
	f.checkpoints = canceling
	f.build(4)

	var reports []*model.RunReport
	f.reconciler.SetOnRunFinished(func(ctx context.Context, r *model.RunReport) error {
		reports = append(reports, r)
		return nil
	})

	first, err := f.reconciler.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, first.Status)
	assert.Equal(t, 1, first.Total)

	cp, err := f.checkpoints.GetByContract(context.Background(), testContract.Hex())
	require.NoError(t, err)
	assert.Equal(t, "1", cp.LastID)
	assert.False(t, cp.Completed)

	canceling.cancel = nil
	second, err := f.reconciler.Run(context.Background(), RunOptions{Resume: true})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, second.Status)
	assert.Equal(t, "1", second.ResumedAfter)
	assert.Equal(t, 2, second.Total)

	recs := f.records(t, second.RunID)
	assert.NotContains(t, recs, "1")
	assert.Contains(t, recs, "2")
	assert.Contains(t, recs, "3")

	cp, err = f.checkpoints.GetByContract(context.Background(), testContract.Hex())
	require.NoError(t, err)
	assert.True(t, cp.Completed)

	// 已完成后 resume 从头开始
	third, err := f.reconciler.Run(context.Background(), RunOptions{Resume: true})
	require.NoError(t, err)
	assert.Empty(t, third.ResumedAfter)
	assert.Equal(t, 3, third.Total)

	require.Len(t, reports, 3)
	run, err := f.runs.GetRun(context.Background(), first.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, run.Status)
}

func TestReconciler_RejectsConcurrentRun(t *testing.T) {
	f := newReconcilerFixture(t)
	f.lock.held = true

	_, err := f.reconciler.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConflict))
}

func TestReconciler_ReleasesLock(t *testing.T) {
	f := newReconcilerFixture(t)

	_, err := f.reconciler.Run(context.Background(), RunOptions{Trigger: model.RunTriggerCLI})
	require.NoError(t, err)
	assert.False(t, f.lock.held)
	assert.Equal(t, 1, f.lock.unlock)
}

func TestReconciler_MappingConflictFails(t *testing.T) {
	f := newReconcilerFixture(t)
	f.seed(t, "8", "$0.00", "")
	f.contract.put(8, big.NewInt(0), true)
	_, err := f.mappings.Bind(context.Background(), &model.IDMapping{
		OffChainID: "80",
		OnChainID:  8,
		Contract:   testContract.Hex(),
		Status:     model.MappingStatusConfirmed,
	})
	require.NoError(t, err)

	report, err := f.reconciler.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, apperrors.ErrConflict.Code, report.Failures[0].Kind)
}
