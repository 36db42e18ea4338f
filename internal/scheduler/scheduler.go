// Package scheduler 定时触发对账批次, 跨实例互斥由 Redis 分布式锁保证
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pharovest/pharovest-chain/internal/model"
	"github.com/pharovest/pharovest-chain/internal/service"
	apperrors "github.com/pharovest/pharovest-chain/pkg/errors"
	"github.com/pharovest/pharovest-chain/pkg/logger"
)

// ErrAlreadyRunning 本实例已有批次在执行
var ErrAlreadyRunning = apperrors.ErrConflict.WithMessagef("reconcile job already running on this instance")

// Runner 对账批次入口
type Runner interface {
	Run(ctx context.Context, opts service.RunOptions) (*model.RunReport, error)
}

// Config 调度配置
type Config struct {
	// Schedule 6 段 cron 表达式 (含秒)
	Schedule string
	// Timeout 单个批次的最长执行时间, 0 表示不限
	Timeout time.Duration
}

// Scheduler 对账调度器
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	cfg     Config
	entryID cron.EntryID

	// running 单实例内的并发控制
	running chan struct{}

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New 创建调度器
func New(runner Runner, cfg *Config) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		runner:  runner,
		cfg:     *cfg,
		running: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}

	id, err := s.cron.AddFunc(cfg.Schedule, s.tick)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", cfg.Schedule, err)
	}
	s.entryID = id

	return s, nil
}

// Start 启动调度器
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true
	s.cron.Start()

	logger.Info("reconcile scheduler started",
		zap.String("schedule", s.cfg.Schedule),
		zap.Time("next_run", s.cron.Entry(s.entryID).Next))
}

// Stop 停止调度器, 取消执行中的批次并等待其退出
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancel()
	if s.started {
		<-s.cron.Stop().Done()
		s.started = false
	}

	// 等待手动触发的批次
	s.running <- struct{}{}
	<-s.running

	logger.Info("reconcile scheduler stopped")
}

// NextRun 下一次计划执行时间
func (s *Scheduler) NextRun() time.Time {
	return s.cron.Entry(s.entryID).Next
}

// TriggerNow 立即执行一次, 同步返回结果
func (s *Scheduler) TriggerNow(ctx context.Context, opts service.RunOptions) (*model.RunReport, error) {
	select {
	case s.running <- struct{}{}:
	default:
		return nil, ErrAlreadyRunning
	}
	defer func() { <-s.running }()

	return s.execute(ctx, opts)
}

// TriggerAsync 后台执行一次, 立即返回批次 id
//
// 跨实例的锁冲突在后台发现, 只记录日志
func (s *Scheduler) TriggerAsync(opts service.RunOptions) (string, error) {
	select {
	case s.running <- struct{}{}:
	default:
		return "", ErrAlreadyRunning
	}

	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	go func() {
		defer func() { <-s.running }()

		report, err := s.execute(s.ctx, opts)
		if err != nil {
			logger.Warn("triggered reconcile failed",
				zap.String("run_id", opts.RunID),
				zap.Error(err))
			return
		}
		logger.Info("triggered reconcile finished",
			zap.String("run_id", report.RunID),
			zap.String("status", string(report.Status)))
	}()

	return opts.RunID, nil
}

// tick cron 回调
func (s *Scheduler) tick() {
	select {
	case s.running <- struct{}{}:
	default:
		logger.Info("skip scheduled reconcile, previous run still active")
		return
	}
	defer func() { <-s.running }()

	// 定时批次总是从上一次中断的位置继续
	report, err := s.execute(s.ctx, service.RunOptions{
		Trigger: model.RunTriggerScheduled,
		Resume:  true,
	})
	switch {
	case apperrors.Is(err, service.ErrRunInProgress):
		logger.Info("skip scheduled reconcile, run held by another instance")
	case err != nil:
		logger.Error("scheduled reconcile failed", zap.Error(err))
	default:
		logger.Info("scheduled reconcile finished",
			zap.String("run_id", report.RunID),
			zap.String("status", string(report.Status)),
			zap.Int("created", report.Created),
			zap.Int("updated", report.Updated),
			zap.Int("failed", report.Failed))
	}
}

func (s *Scheduler) execute(ctx context.Context, opts service.RunOptions) (*model.RunReport, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 调度器停止时一并取消
	unlink := context.AfterFunc(s.ctx, cancel)
	defer unlink()

	if s.cfg.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(runCtx, s.cfg.Timeout)
		defer timeoutCancel()
	}

	return s.runner.Run(runCtx, opts)
}
