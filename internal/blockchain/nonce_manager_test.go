package blockchain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockNonceReader 模拟链上 nonce
type mockNonceReader struct {
	mu           sync.RWMutex
	pendingNonce uint64
	calls        int
	err          error
}

func (m *mockNonceReader) PendingNonceAt(ctx context.Context, wallet common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.pendingNonce, m.err
}

func (m *mockNonceReader) set(nonce uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingNonce = nonce
}

func setupTestNonceManager(t *testing.T, initialNonce uint64) (*NonceManager, *miniredis.Miniredis, *mockNonceReader) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	reader := &mockNonceReader{pendingNonce: initialNonce}
	nm := NewNonceManager(reader, rdb, &NonceManagerConfig{
		Wallet:      common.HexToAddress("0x1234567890123456789012345678901234567890"),
		ChainID:     688688,
		LockTimeout: 5 * time.Second,
	})
	return nm, mr, reader
}

func TestNonceManager_KeyGeneration(t *testing.T) {
	nm, _, _ := setupTestNonceManager(t, 0)

	assert.Contains(t, nm.nonceKey(), "pharovest:chain:nonce:")
	assert.Contains(t, nm.lockKey(), "pharovest:chain:nonce:lock:")
	assert.Contains(t, nm.pendingKey(), "pharovest:chain:nonce:pending:")
	assert.Contains(t, nm.nonceKey(), nm.Wallet().Hex())
	assert.Contains(t, nm.nonceKey(), "688688")
}

func TestNonceManager_AcquireSequential(t *testing.T) {
	nm, _, reader := setupTestNonceManager(t, 5)
	ctx := context.Background()

	n1, err := nm.AcquireNonce(ctx)
	require.NoError(t, err)
	n2, err := nm.AcquireNonce(ctx)
	require.NoError(t, err)

	assert.Equal(t, uint64(5), n1)
	assert.Equal(t, uint64(6), n2)
	assert.Equal(t, 2, nm.GetPendingCount())

	// 首次分配同步一次链上, 之后走 Redis 计数
	assert.Equal(t, 1, reader.calls)

	next, err := nm.GetCurrentNonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), next)
}

func TestNonceManager_LockHeldElsewhere(t *testing.T) {
	nm, mr, _ := setupTestNonceManager(t, 0)
	require.NoError(t, mr.Set(nm.lockKey(), "other-instance"))

	_, err := nm.AcquireNonce(context.Background())
	assert.ErrorIs(t, err, ErrNonceLockFailed)

	// 不能释放别人的锁
	require.NoError(t, nm.releaseLock(context.Background(), "mine"))
	got, err := mr.Get(nm.lockKey())
	require.NoError(t, err)
	assert.Equal(t, "other-instance", got)
}

func TestNonceManager_LockReleasedAfterAcquire(t *testing.T) {
	nm, mr, _ := setupTestNonceManager(t, 0)

	_, err := nm.AcquireNonce(context.Background())
	require.NoError(t, err)
	assert.False(t, mr.Exists(nm.lockKey()))
}

func TestNonceManager_ConfirmAndFinish(t *testing.T) {
	nm, mr, _ := setupTestNonceManager(t, 3)
	ctx := context.Background()

	nonce, err := nm.AcquireNonce(ctx)
	require.NoError(t, err)
	require.NoError(t, nm.ConfirmNonce(ctx, nonce, "0xabc"))

	members, err := mr.ZMembers(nm.pendingKey())
	require.NoError(t, err)
	assert.Equal(t, []string{"3:0xabc"}, members)

	require.NoError(t, nm.OnTxConfirmed(ctx, nonce, "0xabc"))
	assert.Equal(t, 0, nm.GetPendingCount())
	assert.False(t, mr.Exists(nm.pendingKey()))
}

func TestNonceManager_OnTxFailed(t *testing.T) {
	nm, _, _ := setupTestNonceManager(t, 0)
	ctx := context.Background()

	nonce, err := nm.AcquireNonce(ctx)
	require.NoError(t, err)
	require.NoError(t, nm.ConfirmNonce(ctx, nonce, "0xdead"))
	require.NoError(t, nm.OnTxFailed(ctx, nonce, "0xdead"))
	assert.Equal(t, 0, nm.GetPendingCount())
}

func TestNonceManager_ReleaseLatestRollsBack(t *testing.T) {
	nm, _, _ := setupTestNonceManager(t, 10)
	ctx := context.Background()

	nonce, err := nm.AcquireNonce(ctx)
	require.NoError(t, err)
	require.NoError(t, nm.ReleaseNonce(ctx, nonce))

	again, err := nm.AcquireNonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, nonce, again)
}

func TestNonceManager_ReleaseOlderLeavesGapAndForcesSync(t *testing.T) {
	nm, _, reader := setupTestNonceManager(t, 0)
	ctx := context.Background()

	first, err := nm.AcquireNonce(ctx)
	require.NoError(t, err)
	_, err = nm.AcquireNonce(ctx)
	require.NoError(t, err)

	require.NoError(t, nm.ReleaseNonce(ctx, first))
	assert.True(t, nm.needsSync())

	reader.set(1)
	next, err := nm.AcquireNonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next)
}

func TestNonceManager_ReleaseNotAcquired(t *testing.T) {
	nm, _, _ := setupTestNonceManager(t, 0)
	assert.ErrorIs(t, nm.ReleaseNonce(context.Background(), 99), ErrNonceNotAcquired)
}

func TestNonceManager_HandleNonceConflict(t *testing.T) {
	nm, _, reader := setupTestNonceManager(t, 0)
	ctx := context.Background()

	nonce, err := nm.AcquireNonce(ctx)
	require.NoError(t, err)

	// 链上已被外部交易占用
	reader.set(4)
	require.NoError(t, nm.HandleNonceConflict(ctx, nonce))
	assert.Equal(t, 0, nm.GetPendingCount())

	next, err := nm.AcquireNonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), next)
}

func TestNonceManager_SyncError(t *testing.T) {
	nm, _, reader := setupTestNonceManager(t, 0)
	reader.err = errors.New("dial tcp: connection refused")

	_, err := nm.AcquireNonce(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 0, nm.GetPendingCount())
}

func TestNonceManager_ConcurrentAcquireUnique(t *testing.T) {
	nm, _, _ := setupTestNonceManager(t, 0)
	ctx := context.Background()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		nonces = make(map[uint64]bool)
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				n, err := nm.AcquireNonce(ctx)
				if err != nil {
					// 锁竞争失败属正常
					continue
				}
				mu.Lock()
				assert.False(t, nonces[n], "nonce %d allocated twice", n)
				nonces[n] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.NotEmpty(t, nonces)
}
