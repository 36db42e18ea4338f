// Package retry 统一的重试与指数退避策略
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/pharovest/pharovest-chain/pkg/logger"
)

// Policy 重试策略
type Policy struct {
	MaxAttempts     int           // 总尝试次数, 含首次
	InitialInterval time.Duration // 首次退避
	MaxInterval     time.Duration // 单次退避上限
	Multiplier      float64
	Jitter          float64 // 随机因子 0~1
}

// DefaultPolicy 默认策略
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     4,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
		Jitter:          0.2,
	}
}

// Classifier 判断错误是否可重试
type Classifier func(error) bool

// Do 执行 op, 对 retryable 错误按策略退避重试
// 返回实际尝试次数与最后一次错误
func (p Policy) Do(ctx context.Context, name string, retryable Classifier, op func(attempt int) error) (int, error) {
	attempts := 0
	wrapped := func() error {
		attempts++
		err := op(attempts)
		if err == nil {
			return nil
		}
		if retryable == nil || !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		logger.WithContext(ctx).Warn("retrying after error",
			zap.String("op", name),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", next),
			zap.Error(err))
	}

	err := backoff.RetryNotify(wrapped, p.backOff(ctx), notify)
	return attempts, err
}

func (p Policy) backOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	maxRetries := p.MaxAttempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx)
}
