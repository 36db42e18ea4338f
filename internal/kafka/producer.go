// Package kafka 提供 Kafka 生产者功能
//
// ========================================
// Kafka 生产者对接说明
// ========================================
//
// ## 生产者 (Producer) - 本服务发送的 Topic
//
// 1. Topic: pharovest-reconciliation-reports
//    - 消息内容: RunReport (每个对账批次结束时一条)
//    - 处理逻辑: Reconciler 批次结束回调中发送
//
// 2. Topic: pharovest-project-synced
//    - 消息内容: ProjectSyncedEvent (项目被创建上链或从链上回写)
//    - 处理逻辑: Reconciler 每个 created / updated 项目发送一条
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

	"github.com/pharovest/pharovest-chain/internal/metrics"
	"github.com/pharovest/pharovest-chain/internal/model"
	"github.com/pharovest/pharovest-chain/pkg/logger"
)

// Kafka 生产者发送的 Topic
const (
	// TopicReconciliationReports 对账批次汇总
	// Partition Key: run_id
	// 消息格式: model.RunReport
	TopicReconciliationReports = "pharovest-reconciliation-reports"

	// TopicProjectSynced 项目同步事件
	// Partition Key: project_id
	// 消息格式: model.ProjectSyncedEvent
	TopicProjectSynced = "pharovest-project-synced"
)

var ErrProducerClosed = errors.New("producer is closed")

// Producer Kafka 生产者
type Producer struct {
	producer sarama.SyncProducer
	mu       sync.RWMutex
	closed   bool
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	RequiredAcks sarama.RequiredAcks
	MaxRetries   int
	RetryBackoff time.Duration
}

// NewProducer 创建生产者
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = sarama.WaitForAll
	}
	config.Producer.RequiredAcks = requiredAcks

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	config.Producer.Retry.Max = maxRetries

	retryBackoff := cfg.RetryBackoff
	if retryBackoff == 0 {
		retryBackoff = 100 * time.Millisecond
	}
	config.Producer.Retry.Backoff = retryBackoff

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, err
	}
	return NewProducerWithClient(producer), nil
}

// NewProducerWithClient 使用已有的 SyncProducer
func NewProducerWithClient(producer sarama.SyncProducer) *Producer {
	return &Producer{producer: producer}
}

// Close 关闭生产者
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	return p.producer.Close()
}

// send 发送消息
func (p *Producer) send(ctx context.Context, topic string, key string, value []byte) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrProducerClosed
	}
	p.mu.RUnlock()

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	metrics.RecordKafkaMessage(topic, err == nil)
	if err != nil {
		logger.WithContext(ctx).Error("failed to send kafka message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return err
	}

	logger.WithContext(ctx).Debug("kafka message sent",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))

	return nil
}

// SendRunReport 发送对账汇总
func (p *Producer) SendRunReport(ctx context.Context, report *model.RunReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}

	return p.send(ctx, TopicReconciliationReports, report.RunID, data)
}

// SendProjectSynced 发送项目同步事件
func (p *Producer) SendProjectSynced(ctx context.Context, event *model.ProjectSyncedEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return p.send(ctx, TopicProjectSynced, event.ProjectID, data)
}

// EventPublisher 事件发布器接口
type EventPublisher interface {
	PublishRunReport(ctx context.Context, report *model.RunReport) error
	PublishProjectSynced(ctx context.Context, event *model.ProjectSyncedEvent) error
}

// KafkaEventPublisher Kafka 事件发布器
type KafkaEventPublisher struct {
	producer *Producer
}

// NewKafkaEventPublisher 创建 Kafka 事件发布器
func NewKafkaEventPublisher(producer *Producer) *KafkaEventPublisher {
	return &KafkaEventPublisher{
		producer: producer,
	}
}

func (p *KafkaEventPublisher) PublishRunReport(ctx context.Context, report *model.RunReport) error {
	return p.producer.SendRunReport(ctx, report)
}

func (p *KafkaEventPublisher) PublishProjectSynced(ctx context.Context, event *model.ProjectSyncedEvent) error {
	return p.producer.SendProjectSynced(ctx, event)
}

// NoopEventPublisher Kafka 未启用时使用
type NoopEventPublisher struct{}

func (NoopEventPublisher) PublishRunReport(context.Context, *model.RunReport) error { return nil }

func (NoopEventPublisher) PublishProjectSynced(context.Context, *model.ProjectSyncedEvent) error {
	return nil
}
