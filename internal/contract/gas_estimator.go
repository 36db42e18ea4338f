package contract

import (
	"context"
	"errors"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"

	"github.com/pharovest/pharovest-chain/internal/blockchain"
	apperrors "github.com/pharovest/pharovest-chain/pkg/errors"
)

// Gas estimation errors
var (
	ErrGasPriceTooHigh = errors.New("gas price exceeds maximum")
	ErrGasLimitTooHigh = errors.New("gas limit exceeds maximum")
)

// MinGasLimit is the intrinsic gas of a plain transfer.
const MinGasLimit uint64 = 21_000

// GasEstimatorConfig is the configuration for the gas estimator.
type GasEstimatorConfig struct {
	// MaxGasPrice is the maximum gas price in wei.
	MaxGasPrice *big.Int
	// MaxGasLimit is the gas limit ceiling applied after the safety margin.
	MaxGasLimit uint64
	// GasPriceMultiplier is the multiplier for suggested gas price (1.1 = 10% buffer).
	GasPriceMultiplier float64
	// GasLimitMultiplier is the multiplier for estimated gas (1.2 = 20% buffer).
	GasLimitMultiplier float64
	// CacheTTL is the time-to-live for cached gas prices.
	CacheTTL time.Duration
}

// GasEstimate contains the result of gas estimation.
type GasEstimate struct {
	// Raw estimate returned by the node.
	Estimated uint64
	// Gas limit to put on the transaction.
	GasLimit uint64
	// Legacy gas price.
	GasPrice *big.Int
	// Estimated total cost in wei, excluding value.
	EstimatedCost *big.Int
}

// EthBackend is the subset of the chain client needed for estimation.
type EthBackend interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// GasEstimator estimates gas for transactions.
type GasEstimator struct {
	cfg     *GasEstimatorConfig
	backend EthBackend

	mu          sync.RWMutex
	cachedPrice *big.Int
	fetchedAt   time.Time
}

// NewGasEstimator creates a new gas estimator.
func NewGasEstimator(cfg *GasEstimatorConfig, backend EthBackend) *GasEstimator {
	if cfg == nil {
		cfg = &GasEstimatorConfig{}
	}

	// Set defaults
	if cfg.MaxGasPrice == nil {
		cfg.MaxGasPrice = big.NewInt(500e9) // 500 Gwei
	}
	if cfg.MaxGasLimit == 0 {
		cfg.MaxGasLimit = 3_000_000
	}
	if cfg.GasPriceMultiplier == 0 {
		cfg.GasPriceMultiplier = 1.1
	}
	if cfg.GasLimitMultiplier == 0 {
		cfg.GasLimitMultiplier = 1.2
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 12 * time.Second
	}

	return &GasEstimator{
		cfg:     cfg,
		backend: backend,
	}
}

// GetGasPrice returns the current gas price with the multiplier applied.
func (e *GasEstimator) GetGasPrice(ctx context.Context) (*big.Int, error) {
	e.mu.RLock()
	if e.cachedPrice != nil && time.Since(e.fetchedAt) < e.cfg.CacheTTL {
		cached := new(big.Int).Set(e.cachedPrice)
		e.mu.RUnlock()
		return cached, nil
	}
	e.mu.RUnlock()

	return e.fetchGasPrice(ctx)
}

func (e *GasEstimator) fetchGasPrice(ctx context.Context) (*big.Int, error) {
	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrTransientRPC, err)
	}

	// Apply multiplier
	if e.cfg.GasPriceMultiplier > 1 {
		multiplied := new(big.Float).SetInt(gasPrice)
		multiplied.Mul(multiplied, big.NewFloat(e.cfg.GasPriceMultiplier))
		gasPrice, _ = multiplied.Int(nil)
	}

	if gasPrice.Cmp(e.cfg.MaxGasPrice) > 0 {
		return nil, apperrors.Wrap(apperrors.ErrTransientRPC, ErrGasPriceTooHigh)
	}

	e.mu.Lock()
	e.cachedPrice = new(big.Int).Set(gasPrice)
	e.fetchedAt = time.Now()
	e.mu.Unlock()

	return gasPrice, nil
}

// Estimate estimates gas for a call and derives the gas limit as
// min(estimate * GasLimitMultiplier, MaxGasLimit).
// A call that would revert fails with ESTIMATION_FAILED and must not be broadcast.
func (e *GasEstimator) Estimate(ctx context.Context, msg ethereum.CallMsg) (*GasEstimate, error) {
	estimated, err := e.backend.EstimateGas(ctx, msg)
	if err != nil {
		if blockchain.IsRevert(err) {
			return nil, apperrors.Wrap(apperrors.ErrEstimationFailed, err)
		}
		return nil, apperrors.Wrap(apperrors.ErrTransientRPC, err)
	}

	gasLimit, err := e.GasLimit(estimated)
	if err != nil {
		return nil, err
	}

	gasPrice, err := e.GetGasPrice(ctx)
	if err != nil {
		return nil, err
	}

	estimatedCost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))

	return &GasEstimate{
		Estimated:     estimated,
		GasLimit:      gasLimit,
		GasPrice:      gasPrice,
		EstimatedCost: estimatedCost,
	}, nil
}

// GasLimit applies the safety margin and the ceiling to a raw estimate.
func (e *GasEstimator) GasLimit(estimated uint64) (uint64, error) {
	if estimated < MinGasLimit {
		estimated = MinGasLimit
	}
	if estimated > e.cfg.MaxGasLimit {
		return 0, apperrors.Wrapf(apperrors.ErrEstimationFailed, ErrGasLimitTooHigh,
			"estimate %d exceeds ceiling %d", estimated, e.cfg.MaxGasLimit)
	}

	// Per-mille integer math keeps the limit exact.
	permille := uint64(math.Round(e.cfg.GasLimitMultiplier * 1000))
	gasLimit := estimated * permille / 1000
	if gasLimit > e.cfg.MaxGasLimit {
		gasLimit = e.cfg.MaxGasLimit
	}
	return gasLimit, nil
}

// MaxGasLimit returns the configured ceiling.
func (e *GasEstimator) MaxGasLimit() uint64 {
	return e.cfg.MaxGasLimit
}

// InvalidateCache invalidates the cached gas price.
func (e *GasEstimator) InvalidateCache() {
	e.mu.Lock()
	e.cachedPrice = nil
	e.mu.Unlock()
}
