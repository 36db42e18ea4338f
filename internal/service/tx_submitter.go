package service

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/pharovest/pharovest-chain/internal/blockchain"
	"github.com/pharovest/pharovest-chain/internal/contract"
	"github.com/pharovest/pharovest-chain/internal/metrics"
	"github.com/pharovest/pharovest-chain/internal/model"
	"github.com/pharovest/pharovest-chain/internal/repository"
	"github.com/pharovest/pharovest-chain/internal/retry"
	apperrors "github.com/pharovest/pharovest-chain/pkg/errors"
	"github.com/pharovest/pharovest-chain/pkg/logger"
)

var (
	ErrSubmitterStopped = errors.New("tx submitter stopped")
	ErrUnknownSigner    = errors.New("no queue for signer")
	ErrReceiptTimeout   = errors.New("timed out waiting for receipt")
)

// TxBackend 交易广播与回执查询
type TxBackend interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// NonceAllocator 单个签名地址的 nonce 分配
type NonceAllocator interface {
	AcquireNonce(ctx context.Context) (uint64, error)
	ConfirmNonce(ctx context.Context, nonce uint64, txHash string) error
	ReleaseNonce(ctx context.Context, nonce uint64) error
	OnTxConfirmed(ctx context.Context, nonce uint64, txHash string) error
	OnTxFailed(ctx context.Context, nonce uint64, txHash string) error
	HandleNonceConflict(ctx context.Context, nonce uint64) error
}

// SignerAccount 签名者及其 nonce 管理
type SignerAccount struct {
	Signer blockchain.Signer
	Nonces NonceAllocator
}

// TxRequest 一次合约写调用
type TxRequest struct {
	Kind      model.TxKind
	ProjectID uint64
	Data      []byte
	Value     *big.Int
	// From 为空时使用默认签名地址
	From common.Address
}

// TxResult 已确认交易
type TxResult struct {
	TxHash      string
	Signer      string
	Nonce       uint64
	GasLimit    uint64
	GasPrice    *big.Int
	GasUsed     uint64
	BlockNumber uint64
	Attempts    int
}

// TxSubmitterConfig 配置
type TxSubmitterConfig struct {
	ChainID        int64
	Contract       common.Address
	Confirmations  int
	PollInterval   time.Duration
	ReceiptTimeout time.Duration
	QueueSize      int
	NonceRetry     retry.Policy
}

// TxSubmitter 按签名地址串行提交交易
// 每个签名地址一个 FIFO 队列和一个 worker, 上一笔确认或失败后才取下一笔
type TxSubmitter struct {
	backend     TxBackend
	estimator   *contract.GasEstimator
	pendingRepo repository.PendingTxRepository
	cfg         TxSubmitterConfig

	queues        map[common.Address]*signerQueue
	defaultSigner common.Address

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}
	wg        sync.WaitGroup
}

type signerQueue struct {
	account SignerAccount
	jobs    chan *submitJob
}

type submitJob struct {
	ctx  context.Context
	req  *TxRequest
	done chan submitOutcome
}

type submitOutcome struct {
	result *TxResult
	err    error
}

// NewTxSubmitter 创建交易提交器, 第一个账户为默认签名地址
func NewTxSubmitter(
	backend TxBackend,
	estimator *contract.GasEstimator,
	pendingRepo repository.PendingTxRepository,
	cfg *TxSubmitterConfig,
	accounts ...SignerAccount,
) (*TxSubmitter, error) {
	if len(accounts) == 0 {
		return nil, errors.New("at least one signer account is required")
	}

	c := *cfg
	if c.Confirmations <= 0 {
		c.Confirmations = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = 2 * time.Minute
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.NonceRetry.MaxAttempts == 0 {
		c.NonceRetry = retry.DefaultPolicy()
	}

	s := &TxSubmitter{
		backend:       backend,
		estimator:     estimator,
		pendingRepo:   pendingRepo,
		cfg:           c,
		queues:        make(map[common.Address]*signerQueue, len(accounts)),
		defaultSigner: accounts[0].Signer.Address(),
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}
	for _, acct := range accounts {
		s.queues[acct.Signer.Address()] = &signerQueue{
			account: acct,
			jobs:    make(chan *submitJob, c.QueueSize),
		}
	}
	return s, nil
}

// DefaultSigner 默认签名地址
func (s *TxSubmitter) DefaultSigner() common.Address {
	return s.defaultSigner
}

// Start 启动各签名地址的 worker
func (s *TxSubmitter) Start() {
	s.startOnce.Do(func() {
		for _, q := range s.queues {
			s.wg.Add(1)
			go s.worker(q)
		}
		logger.Info("tx submitter started", zap.Int("signers", len(s.queues)))
	})
}

// Stop 停止 worker, 队列中未处理的请求返回 ErrSubmitterStopped
func (s *TxSubmitter) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		close(s.stoppedCh)
	})
	<-s.stoppedCh
}

// Submit 入队并阻塞等待确认
func (s *TxSubmitter) Submit(ctx context.Context, req *TxRequest) (*TxResult, error) {
	s.Start()

	from := req.From
	if from == (common.Address{}) {
		from = s.defaultSigner
	}
	q, ok := s.queues[from]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidRequest, ErrUnknownSigner, "signer %s", from.Hex())
	}

	job := &submitJob{ctx: ctx, req: req, done: make(chan submitOutcome, 1)}
	select {
	case q.jobs <- job:
		metrics.UpdateQueueDepth(from.Hex(), len(q.jobs))
	case <-ctx.Done():
		return nil, apperrors.Wrap(apperrors.ErrCanceled, ctx.Err())
	case <-s.stopCh:
		return nil, ErrSubmitterStopped
	}

	select {
	case out := <-job.done:
		return out.result, out.err
	case <-s.stoppedCh:
		select {
		case out := <-job.done:
			return out.result, out.err
		default:
			return nil, ErrSubmitterStopped
		}
	}
}

func (s *TxSubmitter) worker(q *signerQueue) {
	defer s.wg.Done()
	signer := q.account.Signer.Address().Hex()
	for {
		select {
		case <-s.stopCh:
			s.drain(q)
			return
		case job := <-q.jobs:
			metrics.UpdateQueueDepth(signer, len(q.jobs))
			if err := job.ctx.Err(); err != nil {
				job.done <- submitOutcome{err: apperrors.Wrap(apperrors.ErrCanceled, err)}
				continue
			}
			result, err := s.process(job.ctx, q.account, job.req)
			job.done <- submitOutcome{result: result, err: err}
		}
	}
}

func (s *TxSubmitter) drain(q *signerQueue) {
	for {
		select {
		case job := <-q.jobs:
			job.done <- submitOutcome{err: ErrSubmitterStopped}
		default:
			return
		}
	}
}

// process 估算 gas 后广播, nonce 冲突时重新同步并在队首重试
func (s *TxSubmitter) process(ctx context.Context, acct SignerAccount, req *TxRequest) (*TxResult, error) {
	from := acct.Signer.Address()
	log := logger.WithContext(ctx).With(
		zap.String("signer", from.Hex()),
		zap.String("kind", string(req.Kind)),
		zap.Uint64("project_id", req.ProjectID))

	to := s.cfg.Contract
	est, err := s.estimator.Estimate(ctx, ethereum.CallMsg{
		From:  from,
		To:    &to,
		Value: req.Value,
		Data:  req.Data,
	})
	if err != nil {
		metrics.RecordBlockchainTx(string(req.Kind), "estimation_failed", 0, 0)
		log.Warn("gas estimation failed, nothing broadcast", zap.Error(err))
		return nil, err
	}

	var result *TxResult
	attempts, err := s.cfg.NonceRetry.Do(ctx, "submit_tx", isNonceConflict, func(attempt int) error {
		r, err := s.sendAndWait(ctx, acct, req, est)
		result = r
		return err
	})
	if result != nil {
		result.Attempts = attempts
	}
	if err != nil {
		log.Error("transaction submission failed", zap.Int("attempts", attempts), zap.Error(err))
		return result, err
	}
	return result, nil
}

func isNonceConflict(err error) bool {
	return apperrors.Is(err, apperrors.ErrNonceConflict)
}

func (s *TxSubmitter) sendAndWait(ctx context.Context, acct SignerAccount, req *TxRequest, est *contract.GasEstimate) (*TxResult, error) {
	from := acct.Signer.Address()

	nonce, err := acct.Nonces.AcquireNonce(ctx)
	if err != nil {
		if errors.Is(err, blockchain.ErrNonceLockFailed) {
			return nil, apperrors.Wrap(apperrors.ErrNonceConflict, err)
		}
		return nil, apperrors.Wrap(apperrors.ErrTransientRPC, err)
	}

	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}
	to := s.cfg.Contract
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      est.GasLimit,
		GasPrice: est.GasPrice,
		Data:     req.Data,
	})

	signedTx, err := acct.Signer.SignTx(tx)
	if err != nil {
		acct.Nonces.ReleaseNonce(ctx, nonce)
		return nil, apperrors.Wrap(apperrors.ErrInternal, err)
	}

	if err := s.backend.SendTransaction(ctx, signedTx); err != nil {
		if blockchain.IsNonceConflict(err) {
			metrics.RecordNonceConflict(from.Hex())
			logger.WithContext(ctx).Warn("nonce conflict on broadcast, resyncing",
				zap.String("signer", from.Hex()),
				zap.Uint64("nonce", nonce),
				zap.Error(err))
			if syncErr := acct.Nonces.HandleNonceConflict(ctx, nonce); syncErr != nil {
				logger.WithContext(ctx).Error("failed to resync nonce", zap.Error(syncErr))
			}
			return nil, apperrors.Wrap(apperrors.ErrNonceConflict, err)
		}
		acct.Nonces.ReleaseNonce(ctx, nonce)
		if blockchain.IsRevert(err) {
			return nil, apperrors.Wrap(apperrors.ErrEstimationFailed, err)
		}
		return nil, apperrors.Wrap(apperrors.ErrTransientRPC, err)
	}

	txHash := signedTx.Hash().Hex()
	submittedAt := time.Now()
	if err := acct.Nonces.ConfirmNonce(ctx, nonce, txHash); err != nil {
		logger.WithContext(ctx).Warn("failed to record nonce", zap.String("tx_hash", txHash), zap.Error(err))
	}
	metrics.UpdateNonce(from.Hex(), nonce)

	pendingTx := &model.PendingTx{
		TxHash:        txHash,
		Kind:          req.Kind,
		ProjectID:     req.ProjectID,
		WalletAddress: from.Hex(),
		ChainID:       s.cfg.ChainID,
		Nonce:         int64(nonce),
		GasPrice:      est.GasPrice.String(),
		GasLimit:      int64(est.GasLimit),
		Status:        model.PendingTxStatusPending,
	}
	if err := s.pendingRepo.Create(ctx, pendingTx); err != nil {
		logger.WithContext(ctx).Error("failed to record pending tx", zap.String("tx_hash", txHash), zap.Error(err))
	}

	logger.WithContext(ctx).Info("transaction submitted",
		zap.String("tx_hash", txHash),
		zap.String("signer", from.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas_limit", est.GasLimit))

	result := &TxResult{
		TxHash:   txHash,
		Signer:   from.Hex(),
		Nonce:    nonce,
		GasLimit: est.GasLimit,
		GasPrice: est.GasPrice,
	}

	receipt, err := s.waitForReceipt(ctx, signedTx.Hash())
	if err != nil {
		// 交易可能仍会上链, nonce 保持占用
		metrics.RecordBlockchainTx(string(req.Kind), "timeout", time.Since(submittedAt).Seconds(), 0)
		if ctx.Err() != nil {
			return result, apperrors.Wrap(apperrors.ErrCanceled, err)
		}
		return result, apperrors.Wrapf(apperrors.ErrTransientRPC, err, "waiting for %s", txHash)
	}

	result.GasUsed = receipt.GasUsed
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}
	finishCtx := context.WithoutCancel(ctx)

	if receipt.Status == types.ReceiptStatusFailed {
		s.pendingRepo.MarkFailed(finishCtx, txHash, int64(receipt.GasUsed), int64(result.BlockNumber))
		acct.Nonces.OnTxFailed(finishCtx, nonce, txHash)
		metrics.RecordBlockchainTx(string(req.Kind), "failed", time.Since(submittedAt).Seconds(), receipt.GasUsed)
		return result, apperrors.Wrapf(apperrors.ErrTxReverted, blockchain.ErrTxFailed, "tx %s", txHash)
	}

	if err := s.pendingRepo.MarkConfirmed(finishCtx, txHash, int64(receipt.GasUsed), int64(result.BlockNumber)); err != nil {
		logger.WithContext(ctx).Warn("failed to mark pending tx confirmed", zap.String("tx_hash", txHash), zap.Error(err))
	}
	acct.Nonces.OnTxConfirmed(finishCtx, nonce, txHash)
	metrics.RecordBlockchainTx(string(req.Kind), "confirmed", time.Since(submittedAt).Seconds(), receipt.GasUsed)

	logger.WithContext(ctx).Info("transaction confirmed",
		zap.String("tx_hash", txHash),
		zap.Uint64("block_number", result.BlockNumber),
		zap.Uint64("gas_used", receipt.GasUsed))

	return result, nil
}

// waitForReceipt 轮询回执直到达到确认数或超时
func (s *TxSubmitter) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.backend.TransactionReceipt(waitCtx, hash)
		switch {
		case err == nil && receipt != nil:
			if s.confirmed(waitCtx, receipt) {
				return receipt, nil
			}
		case err != nil && !errors.Is(err, blockchain.ErrTxNotFound):
			logger.WithContext(ctx).Debug("receipt poll failed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrReceiptTimeout
		case <-ticker.C:
		}
	}
}

func (s *TxSubmitter) confirmed(ctx context.Context, receipt *types.Receipt) bool {
	if s.cfg.Confirmations <= 1 || receipt.BlockNumber == nil {
		return true
	}
	head, err := s.backend.BlockNumber(ctx)
	if err != nil {
		return false
	}
	return head+1 >= receipt.BlockNumber.Uint64()+uint64(s.cfg.Confirmations)
}
