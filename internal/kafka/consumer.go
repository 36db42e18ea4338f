// Package kafka 提供 Kafka 消费者和生产者功能
//
// ========================================
// Kafka 消息流对接说明
// ========================================
//
// ## 消费者 (Consumer) - 本服务订阅的 Topic
//
// 1. Topic: pharovest-contributions
//    - 消息内容: ContributionRequest (前端或其他服务观察到的捐款)
//    - 处理逻辑: 记录捐款并累加项目 amountRaised
//
// 2. Topic: pharovest-reconcile-requests
//    - 消息内容: ReconcileRequest (手动触发的对账)
//    - 处理逻辑: 执行一次对账批次, 已有批次在运行时丢弃
//
// ========================================
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/pharovest/pharovest-chain/internal/model"
	"github.com/pharovest/pharovest-chain/internal/retry"
	"github.com/pharovest/pharovest-chain/internal/service"
	apperrors "github.com/pharovest/pharovest-chain/pkg/errors"
	"github.com/pharovest/pharovest-chain/pkg/logger"
)

// Kafka 消费者订阅的 Topic
const (
	// TopicContributions 捐款记录
	// Partition Key: project_id
	// 消息格式: model.ContributionRequest
	TopicContributions = "pharovest-contributions"

	// TopicReconcileRequests 对账请求
	// Partition Key: request_id
	// 消息格式: model.ReconcileRequest
	TopicReconcileRequests = "pharovest-reconcile-requests"
)

// ContributionRecorder 捐款入账
type ContributionRecorder interface {
	Record(ctx context.Context, req *model.ContributionRequest) (*model.Transaction, error)
}

// ReconcileRunner 对账批次
type ReconcileRunner interface {
	Run(ctx context.Context, opts service.RunOptions) (*model.RunReport, error)
}

// Consumer Kafka 消费者
type Consumer struct {
	client  sarama.ConsumerGroup
	handler *consumerGroupHandler
	topics  []string
	groupID string

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
}

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Brokers       []string
	GroupID       string
	ClientID      string
	Contributions ContributionRecorder
	Reconciler    ReconcileRunner
	// Retry 可重试错误在原地重试的策略, 为空时使用 retry.DefaultPolicy
	Retry retry.Policy
}

// NewConsumer 创建消费者
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Offsets.AutoCommit.Enable = true
	config.Consumer.Offsets.AutoCommit.Interval = time.Second

	client, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, err
	}
	return newConsumer(client, cfg), nil
}

func newConsumer(client sarama.ConsumerGroup, cfg *ConsumerConfig) *Consumer {
	policy := cfg.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}
	return &Consumer{
		client: client,
		handler: &consumerGroupHandler{
			contributions: cfg.Contributions,
			reconciler:    cfg.Reconciler,
			retry:         policy,
		},
		topics:  []string{TopicContributions, TopicReconcileRequests},
		groupID: cfg.GroupID,
	}
}

// Start 启动消费者
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("consumer already running")
	}
	c.running = true
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}

			if err := c.client.Consume(ctx, c.topics, c.handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				logger.Error("kafka consume error", zap.Error(err))
				time.Sleep(time.Second)
			}
		}
	}()

	logger.Info("kafka consumer started",
		zap.Strings("topics", c.topics),
		zap.String("group_id", c.groupID))

	return nil
}

// Stop 停止消费者
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	close(c.stopCh)
	c.running = false

	return c.client.Close()
}

// consumerGroupHandler 消费组处理器
type consumerGroupHandler struct {
	contributions ContributionRecorder
	reconciler    ReconcileRunner
	retry         retry.Policy
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim 按分区顺序处理消息
// 提交位点是分区内已标记的最大 offset, 可重试的失败不能被后续消息越过:
// 原地重试耗尽后回退到失败消息并结束本轮会话, 下一轮从该消息重新消费
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		ctx := session.Context()

		attempts, err := h.retry.Do(ctx, "kafka."+msg.Topic, apperrors.IsRetryable, func(int) error {
			return h.handle(ctx, msg)
		})
		if err != nil {
			logger.Error("failed to handle kafka message",
				zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Int("attempts", attempts),
				zap.Error(err))

			if apperrors.IsRetryable(err) || ctx.Err() != nil {
				session.ResetOffset(msg.Topic, msg.Partition, msg.Offset, "")
				return nil
			}
			// 重放无法修复的消息直接跳过
		}

		session.MarkMessage(msg, "")
	}
	return nil
}

func (h *consumerGroupHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	switch msg.Topic {
	case TopicContributions:
		return h.handleContribution(ctx, msg.Value)
	case TopicReconcileRequests:
		return h.handleReconcileRequest(ctx, msg.Value)
	default:
		logger.Warn("unknown topic", zap.String("topic", msg.Topic))
		return nil
	}
}

func (h *consumerGroupHandler) handleContribution(ctx context.Context, data []byte) error {
	var req model.ContributionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalidRequest, err)
	}

	logger.Debug("received contribution",
		zap.String("project_id", req.ProjectID),
		zap.String("tx_hash", req.TransactionHash))

	_, err := h.contributions.Record(ctx, &req)
	if apperrors.Is(err, apperrors.ErrConflict) {
		// 重复投递
		return nil
	}
	return err
}

func (h *consumerGroupHandler) handleReconcileRequest(ctx context.Context, data []byte) error {
	var req model.ReconcileRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalidRequest, err)
	}

	logger.Info("received reconcile request",
		zap.String("request_id", req.RequestID),
		zap.String("requested_by", req.RequestedBy),
		zap.Bool("resume", req.Resume))

	_, err := h.reconciler.Run(ctx, service.RunOptions{
		Trigger: model.RunTriggerManual,
		Resume:  req.Resume,
	})
	if apperrors.Is(err, apperrors.ErrConflict) {
		logger.Info("reconcile request dropped, run already in progress",
			zap.String("request_id", req.RequestID))
		return nil
	}
	return err
}
