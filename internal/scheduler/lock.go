package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pharovest/pharovest-chain/pkg/logger"
)

const (
	lockPrefix = "pharovest:chain:lock:"
)

var (
	ErrLockNotHeld = errors.New("lock not held")
)

// unlockScript 只删除自己持有的锁
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// renewScript 只续期自己持有的锁
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// DistributedLock 基于 Redis 的分布式锁
//
// 同一实例可重复 TryLock / Unlock, 每次加锁生成新的持有者标识
type DistributedLock struct {
	client      redis.UniversalClient
	key         string
	ttl         time.Duration
	useWatchdog bool

	mu     sync.Mutex
	value  string
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client redis.UniversalClient, name string, ttl time.Duration, useWatchdog bool) *DistributedLock {
	return &DistributedLock{
		client:      client,
		key:         lockPrefix + name,
		ttl:         ttl,
		useWatchdog: useWatchdog,
	}
}

// Key 锁在 Redis 中的 key
func (l *DistributedLock) Key() string {
	return l.key
}

// TryLock 尝试获取锁, 不阻塞
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.value != "" {
		return false, nil
	}

	value := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, value, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	l.value = value
	if l.useWatchdog {
		l.stopCh = make(chan struct{})
		l.wg.Add(1)
		go l.watchdog(context.WithoutCancel(ctx), value, l.stopCh)
	}

	logger.Debug("lock acquired", zap.String("key", l.key), zap.Duration("ttl", l.ttl))
	return true, nil
}

// watchdog 看门狗, 在 ttl/3 间隔续期
func (l *DistributedLock) watchdog(ctx context.Context, value string, stopCh chan struct{}) {
	defer l.wg.Done()

	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, value, l.ttl.Milliseconds()).Int()
			if err != nil {
				logger.Warn("failed to renew lock", zap.String("key", l.key), zap.Error(err))
				continue
			}
			if renewed == 0 {
				logger.Warn("lock lost before renewal", zap.String("key", l.key))
				return
			}
		}
	}
}

// Unlock 释放锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	value := l.value
	stopCh := l.stopCh
	l.value = ""
	l.stopCh = nil
	l.mu.Unlock()

	if value == "" {
		return ErrLockNotHeld
	}

	if stopCh != nil {
		close(stopCh)
		l.wg.Wait()
	}

	deleted, err := unlockScript.Run(ctx, l.client, []string{l.key}, value).Int()
	if err != nil {
		return err
	}
	if deleted == 0 {
		logger.Warn("lock expired before unlock", zap.String("key", l.key))
		return ErrLockNotHeld
	}

	logger.Debug("lock released", zap.String("key", l.key))
	return nil
}

// IsHeld 当前实例是否仍持有锁
func (l *DistributedLock) IsHeld(ctx context.Context) (bool, error) {
	l.mu.Lock()
	value := l.value
	l.mu.Unlock()

	if value == "" {
		return false, nil
	}

	current, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return current == value, nil
}

// LockManager 锁查询与运维操作
type LockManager struct {
	client redis.UniversalClient
}

// NewLockManager 创建锁管理器
func NewLockManager(client redis.UniversalClient) *LockManager {
	return &LockManager{client: client}
}

// NewLock 创建锁
func (m *LockManager) NewLock(name string, ttl time.Duration, useWatchdog bool) *DistributedLock {
	return NewDistributedLock(m.client, name, ttl, useWatchdog)
}

// IsLocked 检查锁是否被任意实例持有
func (m *LockManager) IsLocked(ctx context.Context, name string) (bool, error) {
	n, err := m.client.Exists(ctx, lockPrefix+name).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ForceUnlock 强制释放锁, 仅用于运维
func (m *LockManager) ForceUnlock(ctx context.Context, name string) error {
	return m.client.Del(ctx, lockPrefix+name).Err()
}

// LockInfo 锁信息
type LockInfo struct {
	Key    string        `json:"key"`
	Holder string        `json:"holder"`
	TTL    time.Duration `json:"ttl"`
}

// GetLockInfo 获取锁信息, 未加锁时返回 nil
func (m *LockManager) GetLockInfo(ctx context.Context, name string) (*LockInfo, error) {
	key := lockPrefix + name

	pipe := m.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	holder, err := getCmd.Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &LockInfo{
		Key:    key,
		Holder: holder,
		TTL:    ttlCmd.Val(),
	}, nil
}
