package blockchain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNonceLockFailed  = errors.New("failed to acquire nonce lock")
	ErrNonceNotAcquired = errors.New("nonce not acquired")
)

// NonceReader 读取链上 pending nonce
type NonceReader interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager Nonce 管理器
// 计数器持久化在 Redis, 并用 SET NX 锁防止多实例同时分配
type NonceManager struct {
	reader      NonceReader
	redis       redis.UniversalClient
	wallet      common.Address
	chainID     int64
	lockTimeout time.Duration

	mu           sync.RWMutex
	lastSyncTime time.Time
	syncInterval time.Duration

	// 已分配未结束的 nonce -> txHash
	pendingMu  sync.RWMutex
	pendingTxs map[uint64]string
}

// NonceManagerConfig 配置
type NonceManagerConfig struct {
	Wallet       common.Address
	ChainID      int64
	LockTimeout  time.Duration
	SyncInterval time.Duration
}

// NewNonceManager 创建 Nonce 管理器
func NewNonceManager(reader NonceReader, rdb redis.UniversalClient, cfg *NonceManagerConfig) *NonceManager {
	lockTimeout := cfg.LockTimeout
	if lockTimeout == 0 {
		lockTimeout = 30 * time.Second
	}
	syncInterval := cfg.SyncInterval
	if syncInterval == 0 {
		syncInterval = 5 * time.Minute
	}

	return &NonceManager{
		reader:       reader,
		redis:        rdb,
		wallet:       cfg.Wallet,
		chainID:      cfg.ChainID,
		lockTimeout:  lockTimeout,
		syncInterval: syncInterval,
		pendingTxs:   make(map[uint64]string),
	}
}

func (m *NonceManager) nonceKey() string {
	return fmt.Sprintf("pharovest:chain:nonce:%s:%d", m.wallet.Hex(), m.chainID)
}

func (m *NonceManager) lockKey() string {
	return fmt.Sprintf("pharovest:chain:nonce:lock:%s:%d", m.wallet.Hex(), m.chainID)
}

func (m *NonceManager) pendingKey() string {
	return fmt.Sprintf("pharovest:chain:nonce:pending:%s:%d", m.wallet.Hex(), m.chainID)
}

// Wallet 管理的地址
func (m *NonceManager) Wallet() common.Address {
	return m.wallet
}

// AcquireNonce 分配下一个 Nonce
// 返回的 nonce 必须通过 ConfirmNonce 或 ReleaseNonce 处理
func (m *NonceManager) AcquireNonce(ctx context.Context) (uint64, error) {
	token, err := m.acquireLock(ctx)
	if err != nil {
		return 0, err
	}
	defer m.releaseLock(context.WithoutCancel(ctx), token)

	if m.needsSync() {
		if err := m.syncFromChain(ctx); err != nil {
			return 0, err
		}
	}

	nonce, err := m.getCurrentNonce(ctx)
	if err != nil {
		return 0, err
	}
	if err := m.setCurrentNonce(ctx, nonce+1); err != nil {
		return 0, err
	}

	m.pendingMu.Lock()
	m.pendingTxs[nonce] = ""
	m.pendingMu.Unlock()

	return nonce, nil
}

// ConfirmNonce 交易已广播, 记录 nonce 与 txHash
func (m *NonceManager) ConfirmNonce(ctx context.Context, nonce uint64, txHash string) error {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	if _, exists := m.pendingTxs[nonce]; !exists {
		return nil
	}
	m.pendingTxs[nonce] = txHash

	return m.redis.ZAdd(ctx, m.pendingKey(), redis.Z{
		Score:  float64(nonce),
		Member: fmt.Sprintf("%d:%s", nonce, txHash),
	}).Err()
}

// ReleaseNonce 交易未广播时归还 Nonce
// 只有归还的是最近一次分配的 nonce 时才回退计数器, 否则留下空洞由链上同步修复
func (m *NonceManager) ReleaseNonce(ctx context.Context, nonce uint64) error {
	m.pendingMu.Lock()
	if _, exists := m.pendingTxs[nonce]; !exists {
		m.pendingMu.Unlock()
		return ErrNonceNotAcquired
	}
	delete(m.pendingTxs, nonce)
	m.pendingMu.Unlock()

	token, err := m.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer m.releaseLock(context.WithoutCancel(ctx), token)

	current, err := m.getCurrentNonce(ctx)
	if err != nil {
		return err
	}
	if current == nonce+1 {
		return m.setCurrentNonce(ctx, nonce)
	}
	// 出现空洞, 下次分配前强制同步
	m.mu.Lock()
	m.lastSyncTime = time.Time{}
	m.mu.Unlock()
	return nil
}

// OnTxConfirmed 交易确认回调
func (m *NonceManager) OnTxConfirmed(ctx context.Context, nonce uint64, txHash string) error {
	return m.finish(ctx, nonce, txHash)
}

// OnTxFailed 交易失败回调
func (m *NonceManager) OnTxFailed(ctx context.Context, nonce uint64, txHash string) error {
	return m.finish(ctx, nonce, txHash)
}

func (m *NonceManager) finish(ctx context.Context, nonce uint64, txHash string) error {
	m.pendingMu.Lock()
	delete(m.pendingTxs, nonce)
	m.pendingMu.Unlock()

	return m.redis.ZRem(ctx, m.pendingKey(), fmt.Sprintf("%d:%s", nonce, txHash)).Err()
}

// SyncFromChain 从链上同步 Nonce
func (m *NonceManager) SyncFromChain(ctx context.Context) error {
	token, err := m.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer m.releaseLock(context.WithoutCancel(ctx), token)

	return m.syncFromChain(ctx)
}

// HandleNonceConflict nonce too low / already known 后重新同步
func (m *NonceManager) HandleNonceConflict(ctx context.Context, nonce uint64) error {
	m.pendingMu.Lock()
	delete(m.pendingTxs, nonce)
	m.pendingMu.Unlock()
	return m.SyncFromChain(ctx)
}

// syncFromChain 内部同步方法 (需要已持有锁)
func (m *NonceManager) syncFromChain(ctx context.Context) error {
	chainNonce, err := m.reader.PendingNonceAt(ctx, m.wallet)
	if err != nil {
		return err
	}
	if err := m.setCurrentNonce(ctx, chainNonce); err != nil {
		return err
	}

	m.mu.Lock()
	m.lastSyncTime = time.Now()
	m.mu.Unlock()
	return nil
}

// acquireLock 获取分布式锁, 返回持有凭证
func (m *NonceManager) acquireLock(ctx context.Context) (string, error) {
	token := uuid.NewString()
	ok, err := m.redis.SetNX(ctx, m.lockKey(), token, m.lockTimeout).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNonceLockFailed
	}
	return token, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// releaseLock 只释放自己持有的锁
func (m *NonceManager) releaseLock(ctx context.Context, token string) error {
	err := releaseScript.Run(ctx, m.redis, []string{m.lockKey()}, token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func (m *NonceManager) getCurrentNonce(ctx context.Context) (uint64, error) {
	val, err := m.redis.Get(ctx, m.nonceKey()).Uint64()
	if errors.Is(err, redis.Nil) {
		return m.reader.PendingNonceAt(ctx, m.wallet)
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func (m *NonceManager) setCurrentNonce(ctx context.Context, nonce uint64) error {
	return m.redis.Set(ctx, m.nonceKey(), nonce, 0).Err()
}

func (m *NonceManager) needsSync() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.lastSyncTime) > m.syncInterval
}

// GetPendingCount 获取待确认交易数量
func (m *NonceManager) GetPendingCount() int {
	m.pendingMu.RLock()
	defer m.pendingMu.RUnlock()
	return len(m.pendingTxs)
}

// GetCurrentNonce 下一个将分配的 nonce (不加锁, 仅用于查询)
func (m *NonceManager) GetCurrentNonce(ctx context.Context) (uint64, error) {
	return m.getCurrentNonce(ctx)
}
