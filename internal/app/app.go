// Package app 提供 pharovest-chain 服务的应用生命周期管理
//
// ========================================
// pharovest-chain 服务对接说明
// ========================================
//
// ## 服务职责
// pharovest-chain 负责链下项目库与 Pharovest 合约之间的对账:
// 1. 对账 (Reconciler): 链上缺失的项目以相同 id 创建, 已存在的项目以链上为准回写
// 2. 交易提交 (TxSubmitter): 每个签名地址一个 FIFO 队列, nonce 严格递增
// 3. 捐款记录 (TransactionService): 记录捐款并累加项目 amountRaised
//
// ## Kafka 对接 (参见 internal/kafka/consumer.go 和 producer.go)
//
// ### 消费的 Topic
// - pharovest-contributions: 捐款记录
// - pharovest-reconcile-requests: 手动对账请求
//
// ### 生产的 Topic
// - pharovest-reconciliation-reports: 对账批次汇总
// - pharovest-project-synced: 项目被创建或回写
//
// ## HTTP 对接
// - 端口: 8085, 路由见 internal/handler/router.go
//
// ## gRPC 对接
// - 端口: 50055
// - 仅注册 grpc.health.v1, 无健康 RPC 端点时为 NOT_SERVING
//
// ## 数据库
// - 数据库名: pharovest
// - 表结构由 AutoMigrate 维护
//
// ========================================
package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/pharovest/pharovest-chain/internal/blockchain"
	"github.com/pharovest/pharovest-chain/internal/config"
	"github.com/pharovest/pharovest-chain/internal/contract"
	"github.com/pharovest/pharovest-chain/internal/handler"
	"github.com/pharovest/pharovest-chain/internal/kafka"
	"github.com/pharovest/pharovest-chain/internal/metrics"
	"github.com/pharovest/pharovest-chain/internal/model"
	"github.com/pharovest/pharovest-chain/internal/repository"
	"github.com/pharovest/pharovest-chain/internal/retry"
	"github.com/pharovest/pharovest-chain/internal/scheduler"
	"github.com/pharovest/pharovest-chain/internal/service"
	"github.com/pharovest/pharovest-chain/pkg/logger"
)

const reconcileLockName = "reconcile"

// App 应用
type App struct {
	cfg *config.Config

	// 基础设施
	db    *gorm.DB
	redis redis.UniversalClient

	// 区块链
	blockchainClient *blockchain.Client
	signer           *blockchain.LocalSigner
	nonceManager     *blockchain.NonceManager
	contract         *contract.PharovestContract
	gasEstimator     *contract.GasEstimator

	// 仓储
	projectRepo     repository.ProjectRepository
	transactionRepo repository.TransactionRepository
	mappingRepo     repository.MappingRepository
	runRepo         repository.ReconciliationRepository
	checkpointRepo  repository.CheckpointRepository
	pendingTxRepo   repository.PendingTxRepository

	// 服务
	readPolicy     retry.Policy
	chainReader    *service.ChainReader
	submitter      *service.TxSubmitter
	projectSvc     *service.ProjectService
	transactionSvc *service.TransactionService
	contributeSvc  *service.ContributeService
	reconciler     *service.Reconciler
	lockManager    *scheduler.LockManager

	// Kafka
	kafkaProducer  *kafka.Producer
	kafkaConsumer  *kafka.Consumer
	eventPublisher kafka.EventPublisher

	// 服务端
	scheduler    *scheduler.Scheduler
	httpServer   *http.Server
	grpcServer   *grpc.Server
	healthServer *health.Server

	// 运行控制
	stopCh chan struct{}
}

// NewApp 创建应用
func NewApp(cfg *config.Config) (*App, error) {
	app := &App{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	if err := app.initInfrastructure(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initBlockchain(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to init blockchain: %w", err)
	}

	app.initRepositories()

	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to init services: %w", err)
	}

	if err := app.initKafkaProducer(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to init kafka: %w", err)
	}

	return app, nil
}

// AutoMigrate 迁移全部表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Project{},
		&model.Milestone{},
		&model.Transaction{},
		&model.IDMapping{},
		&model.ReconciliationRun{},
		&model.ReconciliationRecord{},
		&model.ReconcileCheckpoint{},
		&model.PendingTx{},
	)
}

// initInfrastructure 初始化基础设施
func (a *App) initInfrastructure() error {
	// PostgreSQL
	db, err := gorm.Open(postgres.Open(a.cfg.Postgres.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(a.cfg.Postgres.MaxConnections)
	sqlDB.SetMaxIdleConns(a.cfg.Postgres.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(config.Seconds(a.cfg.Postgres.ConnMaxLifetime))

	a.db = db
	logger.Info("database connected",
		zap.String("host", a.cfg.Postgres.Host),
		zap.String("database", a.cfg.Postgres.Database))

	if err := AutoMigrate(a.db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Info("database migrated")

	// Redis
	a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    a.cfg.Redis.Addresses,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}

	logger.Info("redis connected", zap.Strings("addrs", a.cfg.Redis.Addresses))
	return nil
}

// initBlockchain 初始化区块链客户端
func (a *App) initBlockchain() error {
	bc := a.cfg.Blockchain

	if !common.IsHexAddress(bc.ContractAddress) {
		return fmt.Errorf("invalid contract address %q", bc.ContractAddress)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := blockchain.NewClient(ctx, &blockchain.ClientConfig{
		ChainID:         bc.ChainID,
		RPCURLs:         append([]string{bc.RPCURL}, bc.BackupRPCURLs...),
		CallTimeout:     config.Seconds(bc.CallTimeout),
		HealthCheckFreq: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create blockchain client: %w", err)
	}
	a.blockchainClient = client

	signer, err := blockchain.NewLocalSigner(bc.PrivateKey, bc.ChainID)
	if err != nil {
		return fmt.Errorf("failed to load signer: %w", err)
	}
	a.signer = signer

	a.contract, err = contract.NewPharovestContract(common.HexToAddress(bc.ContractAddress), client)
	if err != nil {
		return fmt.Errorf("failed to bind contract: %w", err)
	}

	a.gasEstimator = contract.NewGasEstimator(&contract.GasEstimatorConfig{
		MaxGasPrice:        new(big.Int).Mul(big.NewInt(a.cfg.Gas.MaxGasPriceGwei), big.NewInt(1e9)),
		MaxGasLimit:        a.cfg.Gas.MaxGasLimit,
		GasPriceMultiplier: a.cfg.Gas.PriceMultiplier,
		GasLimitMultiplier: a.cfg.Gas.LimitMultiplier,
	}, client)

	a.nonceManager = blockchain.NewNonceManager(client, a.redis, &blockchain.NonceManagerConfig{
		Wallet:       signer.Address(),
		ChainID:      bc.ChainID,
		LockTimeout:  30 * time.Second,
		SyncInterval: 5 * time.Minute,
	})

	logger.Info("blockchain client initialized",
		zap.Int64("chain_id", bc.ChainID),
		zap.String("contract", bc.ContractAddress),
		zap.String("signer", signer.Address().Hex()))

	return nil
}

// initRepositories 初始化仓储
func (a *App) initRepositories() {
	a.projectRepo = repository.NewProjectRepository(a.db)
	a.transactionRepo = repository.NewTransactionRepository(a.db)
	a.mappingRepo = repository.NewMappingRepository(a.db)
	a.runRepo = repository.NewReconciliationRepository(a.db)
	a.checkpointRepo = repository.NewCheckpointRepository(a.db)
	a.pendingTxRepo = repository.NewPendingTxRepository(a.db)

	logger.Info("repositories initialized")
}

// initServices 初始化服务
func (a *App) initServices() error {
	rc := a.cfg.Reconcile
	bc := a.cfg.Blockchain

	a.readPolicy = retry.Policy{
		MaxAttempts:     rc.MaxAttempts,
		InitialInterval: config.Millis(rc.InitialBackoff),
		MaxInterval:     config.Millis(rc.MaxBackoff),
		Multiplier:      2,
		Jitter:          0.2,
	}
	rate := decimal.NewFromFloat(rc.EthUSDRate)
	contractAddr := a.contract.Address()

	submitter, err := service.NewTxSubmitter(
		a.blockchainClient,
		a.gasEstimator,
		a.pendingTxRepo,
		&service.TxSubmitterConfig{
			ChainID:        bc.ChainID,
			Contract:       contractAddr,
			Confirmations:  bc.Confirmations,
			PollInterval:   config.Millis(bc.ReceiptPollInterval),
			ReceiptTimeout: config.Seconds(bc.ReceiptTimeout),
			NonceRetry:     a.readPolicy,
		},
		service.SignerAccount{Signer: a.signer, Nonces: a.nonceManager},
	)
	if err != nil {
		return err
	}
	a.submitter = submitter

	a.chainReader = service.NewChainReader(a.contract, a.readPolicy, rc.ReadConcurrency)
	a.projectSvc = service.NewProjectService(a.projectRepo, a.chainReader, a.readPolicy)
	a.transactionSvc = service.NewTransactionService(
		repository.NewRepository(a.db),
		a.projectRepo,
		a.transactionRepo,
		rate,
		a.readPolicy,
	)
	a.contributeSvc = service.NewContributeService(a.submitter, a.contract, a.transactionSvc, model.Network(bc.Network))

	creation := service.CreationConfig{
		DefaultTotalETH:        decimal.NewFromFloat(rc.DefaultTotalETH),
		MinTotalETH:            decimal.NewFromFloat(rc.MinTotalETH),
		MaxTotalETH:            decimal.NewFromFloat(rc.MaxTotalETH),
		MinimumDonationDivisor: service.DefaultCreationConfig().MinimumDonationDivisor,
	}
	if recipient := strings.TrimSpace(rc.MilestoneRecipient); recipient != "" {
		if !common.IsHexAddress(recipient) {
			return fmt.Errorf("invalid milestone recipient %q", recipient)
		}
		creation.Recipient = common.HexToAddress(recipient)
	}

	a.lockManager = scheduler.NewLockManager(a.redis)
	runLock := a.lockManager.NewLock(reconcileLockName, config.Seconds(rc.LockTTL), true)

	a.reconciler = service.NewReconciler(
		service.NewLedgerReader(a.projectRepo, a.readPolicy),
		a.chainReader,
		a.submitter,
		a.contract,
		a.mappingRepo,
		a.runRepo,
		a.checkpointRepo,
		runLock,
		&service.ReconcilerConfig{
			Contract:        contractAddr,
			EthUSDRate:      rate,
			Creation:        creation,
			ReadConcurrency: rc.ReadConcurrency,
		},
	)

	logger.Info("services initialized")
	return nil
}

// initKafkaProducer 初始化 Kafka 生产者并挂接对账事件
func (a *App) initKafkaProducer() error {
	if !a.cfg.Kafka.Enabled {
		a.eventPublisher = kafka.NoopEventPublisher{}
		logger.Info("kafka disabled, events are not published")
		return nil
	}

	producer, err := kafka.NewProducer(&kafka.ProducerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		ClientID: a.cfg.Kafka.ClientID,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	a.kafkaProducer = producer
	a.eventPublisher = kafka.NewKafkaEventPublisher(producer)

	// 设置事件回调
	a.reconciler.SetOnRunFinished(a.eventPublisher.PublishRunReport)
	a.reconciler.SetOnProjectSynced(a.eventPublisher.PublishProjectSynced)

	logger.Info("kafka producer initialized", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	return nil
}

// initKafkaConsumer 初始化 Kafka 消费者
func (a *App) initKafkaConsumer() error {
	if !a.cfg.Kafka.Enabled {
		return nil
	}

	consumer, err := kafka.NewConsumer(&kafka.ConsumerConfig{
		Brokers:       a.cfg.Kafka.Brokers,
		GroupID:       a.cfg.Kafka.GroupID,
		ClientID:      a.cfg.Kafka.ClientID,
		Contributions: a.transactionSvc,
		Reconciler:    a.reconciler,
		Retry:         a.readPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	a.kafkaConsumer = consumer
	return nil
}

// initServers 初始化调度器与 HTTP / gRPC 服务端
func (a *App) initServers() (*handler.HealthHandler, error) {
	sched, err := scheduler.New(a.reconciler, &scheduler.Config{
		Schedule: a.cfg.Reconcile.Schedule,
	})
	if err != nil {
		return nil, err
	}
	a.scheduler = sched

	a.grpcServer = grpc.NewServer()
	a.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.healthServer)

	healthHandler := handler.NewHealthHandler(a.cfg.Service.Name, a.healthServer,
		handler.HealthCheck{Name: "chain", Critical: true, Check: a.checkChain},
		handler.HealthCheck{Name: "database", Check: a.checkDatabase},
		handler.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}},
	)

	router := handler.NewRouter(&handler.Handlers{
		Projects:     handler.NewProjectHandler(a.projectSvc),
		Transactions: handler.NewTransactionHandler(a.transactionSvc),
		Reconcile:    handler.NewReconcileHandler(a.scheduler, a.runRepo, a.mappingRepo),
		Health:       healthHandler,
	})
	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return healthHandler, nil
}

// checkChain 至少一个 RPC 端点健康
func (a *App) checkChain(ctx context.Context) error {
	checkErr := a.blockchainClient.HealthCheck(ctx)
	healthy := len(a.blockchainClient.GetHealthyEndpoints())
	metrics.UpdateHealthyEndpoints(healthy)
	if healthy == 0 {
		return blockchain.ErrNoHealthyRPC
	}
	return checkErr
}

func (a *App) checkDatabase(ctx context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Run 以服务模式运行, 直到收到退出信号
func (a *App) Run() error {
	healthHandler, err := a.initServers()
	if err != nil {
		return fmt.Errorf("failed to init servers: %w", err)
	}
	if err := a.initKafkaConsumer(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.submitter.Start()

	if a.kafkaConsumer != nil {
		if err := a.kafkaConsumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start kafka consumer: %w", err)
		}
	}

	if a.cfg.Reconcile.Enabled {
		a.scheduler.Start()
	} else {
		logger.Info("scheduled reconciliation disabled")
	}

	go healthHandler.Watch(ctx, 15*time.Second)

	// 启动 gRPC 服务器
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Service.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	go func() {
		logger.Info("grpc server listening", zap.Int("port", a.cfg.Service.GRPCPort))
		if err := a.grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", zap.Error(err))
		}
	}()

	// 启动 HTTP 服务器
	go func() {
		logger.Info("http server listening", zap.Int("port", a.cfg.Service.HTTPPort))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-a.stopCh:
		logger.Info("shutdown requested")
	}

	return a.shutdown()
}

// ReconcileOnce 执行单次对账并返回汇总
func (a *App) ReconcileOnce(ctx context.Context, resume bool) (*model.RunReport, error) {
	a.submitter.Start()
	defer a.submitter.Stop()

	return a.reconciler.Run(ctx, service.RunOptions{
		Trigger: model.RunTriggerCLI,
		Resume:  resume,
	})
}

// Migrate 把旧合约中的项目以相同 id 重建到当前合约
func (a *App) Migrate(ctx context.Context, from string) (*model.RunReport, error) {
	if !common.IsHexAddress(from) {
		return nil, fmt.Errorf("invalid source contract address %q", from)
	}
	source, err := contract.NewPharovestContract(common.HexToAddress(from), a.blockchainClient)
	if err != nil {
		return nil, err
	}

	a.submitter.Start()
	defer a.submitter.Stop()

	svc := service.NewMigrationService(
		service.NewChainReader(source, a.readPolicy, a.cfg.Reconcile.ReadConcurrency),
		a.chainReader,
		a.submitter,
		a.contract,
		a.mappingRepo,
		a.contract.Address(),
	)
	return svc.Migrate(ctx)
}

// Contribute 向链上项目捐款并记录
func (a *App) Contribute(ctx context.Context, projectID string, amountETH decimal.Decimal) (*model.Transaction, error) {
	a.submitter.Start()
	defer a.submitter.Stop()

	return a.contributeSvc.Contribute(ctx, projectID, amountETH)
}

// shutdown 关闭服务端
func (a *App) shutdown() error {
	logger.Info("shutting down...")

	if a.healthServer != nil {
		a.healthServer.Shutdown()
	}

	// 先停止入口, 再停止执行中的批次
	if a.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.httpServer.Shutdown(ctx); err != nil {
			logger.Warn("http server shutdown error", zap.Error(err))
		}
		cancel()
	}

	if a.kafkaConsumer != nil {
		if err := a.kafkaConsumer.Stop(); err != nil {
			logger.Warn("kafka consumer stop error", zap.Error(err))
		}
	}

	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}

	if a.submitter != nil {
		a.submitter.Stop()
	}

	a.Close()
	logger.Info("shutdown complete")
	return nil
}

// Close 释放基础设施
func (a *App) Close() {
	if a.kafkaProducer != nil {
		if err := a.kafkaProducer.Close(); err != nil {
			logger.Warn("kafka producer close error", zap.Error(err))
		}
		a.kafkaProducer = nil
	}

	if a.blockchainClient != nil {
		a.blockchainClient.Close()
		a.blockchainClient = nil
	}

	if a.redis != nil {
		a.redis.Close()
		a.redis = nil
	}

	if a.db != nil {
		if sqlDB, _ := a.db.DB(); sqlDB != nil {
			sqlDB.Close()
		}
		a.db = nil
	}
}

// Stop 停止应用
func (a *App) Stop() {
	close(a.stopCh)
}
