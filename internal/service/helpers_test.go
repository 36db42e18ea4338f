package service

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pharovest/pharovest-chain/internal/contract"
	"github.com/pharovest/pharovest-chain/internal/model"
	"github.com/pharovest/pharovest-chain/internal/retry"
	apperrors "github.com/pharovest/pharovest-chain/pkg/errors"
)

var testSigner = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	err = db.AutoMigrate(
		&model.Project{},
		&model.Milestone{},
		&model.Transaction{},
		&model.IDMapping{},
		&model.ReconciliationRun{},
		&model.ReconciliationRecord{},
		&model.ReconcileCheckpoint{},
		&model.PendingTx{},
	)
	require.NoError(t, err)
	return db
}

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
	}
}

func eth(v int64, exp int32) *big.Int {
	n := new(big.Int).Mul(big.NewInt(v), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18+exp)), nil))
	return n
}

type chainEntry struct {
	info       contract.ProjectInfo
	milestones []contract.MilestoneInfo
}

// fakeContract 内存里的 Pharovest 合约
type fakeContract struct {
	mu       sync.Mutex
	projects map[uint64]*chainEntry
	failures map[uint64]error
	calls    map[uint64]int
	onGet    func(projectID uint64)

	// 每次读取的耗时与并发统计
	delay       time.Duration
	inFlight    int
	maxInFlight int
}

func newFakeContract() *fakeContract {
	return &fakeContract{
		projects: make(map[uint64]*chainEntry),
		failures: make(map[uint64]error),
		calls:    make(map[uint64]int),
	}
}

func (f *fakeContract) put(id uint64, raised *big.Int, active bool, completed ...bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &chainEntry{info: contract.ProjectInfo{
		TotalAmount:    eth(1, 0),
		AmountRaised:   raised,
		IsActive:       active,
		MilestoneCount: big.NewInt(int64(len(completed))),
	}}
	for i, c := range completed {
		e.milestones = append(e.milestones, contract.MilestoneInfo{
			Title:          "m",
			AmountRequired: big.NewInt(int64(i + 1)),
			Recipient:      testSigner,
			IsCompleted:    c,
		})
	}
	f.projects[id] = e
}

func (f *fakeContract) fail(id uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id] = err
}

// enter 记录一次在途调用, 返回的函数结束该调用
func (f *fakeContract) enter() func() {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}
}

func (f *fakeContract) peakInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

func (f *fakeContract) callCount(id uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

// create 模拟 createProjectWithId 上链
func (f *fakeContract) create(id uint64, total *big.Int, milestones []contract.Milestone) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &chainEntry{info: contract.ProjectInfo{
		TotalAmount:    total,
		AmountRaised:   big.NewInt(0),
		IsActive:       true,
		MilestoneCount: big.NewInt(int64(len(milestones))),
	}}
	for _, m := range milestones {
		e.milestones = append(e.milestones, contract.MilestoneInfo(m))
	}
	f.projects[id] = e
}

func (f *fakeContract) ProjectCount(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count uint64
	for id := range f.projects {
		if id > count {
			count = id
		}
	}
	return count, nil
}

func (f *fakeContract) GetProject(ctx context.Context, projectID uint64) (*contract.ProjectInfo, error) {
	defer f.enter()()

	f.mu.Lock()
	f.calls[projectID]++
	hook := f.onGet
	err := f.failures[projectID]
	e, ok := f.projects[projectID]
	f.mu.Unlock()

	if hook != nil {
		hook(projectID)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.ErrProjectNotFound.WithMessagef("project %d not found", projectID)
	}
	info := e.info
	return &info, nil
}

func (f *fakeContract) GetMilestone(ctx context.Context, projectID uint64, index int) (*contract.MilestoneInfo, error) {
	defer f.enter()()

	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.projects[projectID]
	if !ok || index >= len(e.milestones) {
		return nil, apperrors.ErrNotFound.WithMessagef("milestone %d/%d", projectID, index)
	}
	m := e.milestones[index]
	return &m, nil
}

type packedCreate struct {
	total      *big.Int
	milestones []contract.Milestone
}

// fakePacker 记录 createProjectWithId 参数
type fakePacker struct {
	mu      sync.Mutex
	created map[uint64]packedCreate
}

func newFakePacker() *fakePacker {
	return &fakePacker{created: make(map[uint64]packedCreate)}
}

func (p *fakePacker) PackCreateProjectWithID(projectID uint64, totalAmount *big.Int, milestones []contract.Milestone) ([]byte, error) {
	if len(milestones) == 0 {
		return nil, contract.ErrEmptyMilestones
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created[projectID] = packedCreate{total: totalAmount, milestones: milestones}
	return big.NewInt(int64(projectID)).Bytes(), nil
}

func (p *fakePacker) PackContribute(projectID uint64) ([]byte, error) {
	return big.NewInt(int64(projectID)).Bytes(), nil
}

func (p *fakePacker) get(id uint64) (packedCreate, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.created[id]
	return c, ok
}

// mockSubmitter testify mock
type mockSubmitter struct {
	mock.Mock
}

func (m *mockSubmitter) Submit(ctx context.Context, req *TxRequest) (*TxResult, error) {
	args := m.Called(ctx, req)
	if r, ok := args.Get(0).(*TxResult); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSubmitter) DefaultSigner() common.Address {
	return testSigner
}

// fakeLock 进程内互斥
type fakeLock struct {
	mu     sync.Mutex
	held   bool
	err    error
	unlock int
}

func (l *fakeLock) TryLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *fakeLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	l.unlock++
	return nil
}

var errConnRefused = errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")
