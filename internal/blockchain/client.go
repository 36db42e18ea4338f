package blockchain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/pharovest/pharovest-chain/pkg/logger"
)

// RPCEndpoint RPC 端点信息
type RPCEndpoint struct {
	URL        string
	IsHealthy  bool
	ErrorCount int
	LastCheck  time.Time
}

// Client 区块链客户端, 多端点故障转移
// 每次调用最多把每个端点各试一次, 退避重试由调用方的 retry.Policy 负责
type Client struct {
	chainID int64

	endpoints  []*RPCEndpoint
	currentIdx int
	mu         sync.RWMutex

	client      *ethclient.Client
	callTimeout time.Duration

	healthCheckFreq time.Duration
	dial            func(ctx context.Context, url string) (*ethclient.Client, error)
}

// ClientConfig 客户端配置
type ClientConfig struct {
	ChainID         int64
	RPCURLs         []string
	CallTimeout     time.Duration
	HealthCheckFreq time.Duration
}

// NewClient 创建区块链客户端
func NewClient(ctx context.Context, cfg *ClientConfig) (*Client, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, errors.New("at least one RPC URL is required")
	}

	endpoints := make([]*RPCEndpoint, 0, len(cfg.RPCURLs))
	for _, url := range cfg.RPCURLs {
		if url == "" {
			continue
		}
		endpoints = append(endpoints, &RPCEndpoint{URL: url, IsHealthy: true})
	}
	if len(endpoints) == 0 {
		return nil, errors.New("at least one RPC URL is required")
	}

	callTimeout := cfg.CallTimeout
	if callTimeout == 0 {
		callTimeout = 10 * time.Second
	}
	healthCheckFreq := cfg.HealthCheckFreq
	if healthCheckFreq == 0 {
		healthCheckFreq = 30 * time.Second
	}

	c := &Client{
		chainID:         cfg.ChainID,
		endpoints:       endpoints,
		callTimeout:     callTimeout,
		healthCheckFreq: healthCheckFreq,
		dial:            ethclient.DialContext,
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// connect 连接到可用的 RPC, 跳过近期失败的端点
func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.endpoints {
		idx := (c.currentIdx + i) % len(c.endpoints)
		ep := c.endpoints[idx]

		if !ep.IsHealthy && time.Since(ep.LastCheck) < c.healthCheckFreq {
			continue
		}

		client, err := c.dial(ctx, ep.URL)
		if err != nil {
			c.markUnhealthyLocked(idx)
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		chainID, err := client.ChainID(callCtx)
		cancel()
		if err != nil {
			client.Close()
			c.markUnhealthyLocked(idx)
			continue
		}
		if c.chainID != 0 && chainID.Int64() != c.chainID {
			client.Close()
			c.markUnhealthyLocked(idx)
			logger.Warn("rpc endpoint chain id mismatch",
				zap.String("url", ep.URL),
				zap.Int64("expected", c.chainID),
				zap.Int64("actual", chainID.Int64()))
			continue
		}

		if c.client != nil {
			c.client.Close()
		}
		c.client = client
		c.currentIdx = idx
		ep.IsHealthy = true
		ep.ErrorCount = 0
		ep.LastCheck = time.Now()
		return nil
	}

	return ErrNoHealthyRPC
}

func (c *Client) markUnhealthyLocked(idx int) {
	ep := c.endpoints[idx]
	ep.IsHealthy = false
	ep.ErrorCount++
	ep.LastCheck = time.Now()
}

// getClient 获取客户端，如果不可用则尝试重连
func (c *Client) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client != nil {
		return client, nil
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client, nil
}

// withFailover 端点级故障转移, 合约 revert 等语义错误直接返回
func (c *Client) withFailover(ctx context.Context, fn func(ctx context.Context, client *ethclient.Client) error) error {
	var lastErr error
	for i := 0; i < len(c.endpoints); i++ {
		client, err := c.getClient(ctx)
		if err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		err = fn(callCtx, client)
		cancel()
		if err == nil || !isEndpointFailure(err) || ctx.Err() != nil {
			return err
		}
		lastErr = err

		c.mu.Lock()
		c.markUnhealthyLocked(c.currentIdx)
		if c.client != nil {
			c.client.Close()
			c.client = nil
		}
		c.currentIdx = (c.currentIdx + 1) % len(c.endpoints)
		c.mu.Unlock()
	}
	return lastErr
}

// ChainID 返回链 ID
func (c *Client) ChainID() int64 {
	return c.chainID
}

// BlockNumber 获取最新区块号
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var blockNum uint64
	err := c.withFailover(ctx, func(ctx context.Context, client *ethclient.Client) error {
		var err error
		blockNum, err = client.BlockNumber(ctx)
		return err
	})
	return blockNum, err
}

// TransactionReceipt 获取交易回执, 未上链返回 ErrTxNotFound
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.withFailover(ctx, func(ctx context.Context, client *ethclient.Client) error {
		var err error
		receipt, err = client.TransactionReceipt(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) {
			return ErrTxNotFound
		}
		return err
	})
	return receipt, err
}

// PendingNonceAt 获取待处理 Nonce
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := c.withFailover(ctx, func(ctx context.Context, client *ethclient.Client) error {
		var err error
		nonce, err = client.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

// SuggestGasPrice 获取建议 Gas 价格
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var gasPrice *big.Int
	err := c.withFailover(ctx, func(ctx context.Context, client *ethclient.Client) error {
		var err error
		gasPrice, err = client.SuggestGasPrice(ctx)
		return err
	})
	return gasPrice, err
}

// EstimateGas 估算 Gas
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := c.withFailover(ctx, func(ctx context.Context, client *ethclient.Client) error {
		var err error
		gas, err = client.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

// SendTransaction 发送交易
// 广播不做端点切换, 避免同一笔交易被重复提交到不同节点后误判
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	client, err := c.getClient(ctx)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return client.SendTransaction(callCtx, tx)
}

// BalanceAt 获取余额
func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	var balance *big.Int
	err := c.withFailover(ctx, func(ctx context.Context, client *ethclient.Client) error {
		var err error
		balance, err = client.BalanceAt(ctx, account, blockNumber)
		return err
	})
	return balance, err
}

// CallContract 调用合约
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var result []byte
	err := c.withFailover(ctx, func(ctx context.Context, client *ethclient.Client) error {
		var err error
		result, err = client.CallContract(ctx, msg, blockNumber)
		return err
	})
	return result, err
}

// Close 关闭客户端
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

// HealthCheck 健康检查
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.BlockNumber(ctx)
	return err
}

// GetHealthyEndpoints 获取健康的端点列表
func (c *Client) GetHealthyEndpoints() []*RPCEndpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var healthy []*RPCEndpoint
	for _, ep := range c.endpoints {
		if ep.IsHealthy {
			healthy = append(healthy, ep)
		}
	}
	return healthy
}
