// Package metrics 提供 pharovest-chain 服务的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pharovest_chain"

// 对账指标
var (
	// ReconcileRunsTotal 对账批次总数
	ReconcileRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "对账批次总数",
		},
		[]string{"trigger", "status"}, // status: completed, cancelled, failed
	)

	// ReconcileRunDuration 对账批次耗时
	ReconcileRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_run_duration_seconds",
			Help:      "对账批次耗时(秒)",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	// ReconcileProjectsTotal 按结果统计的项目数
	ReconcileProjectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_projects_total",
			Help:      "对账项目数",
		},
		[]string{"outcome"}, // created, updated, skipped, failed
	)

	// ReconcileFailuresTotal 按失败类型统计
	ReconcileFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_failures_total",
			Help:      "对账失败数",
		},
		[]string{"kind"},
	)

	// MilestoneDiscrepanciesTotal 里程碑数量不一致, 需人工核对
	MilestoneDiscrepanciesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "milestone_discrepancies_total",
			Help:      "链上链下里程碑数量不一致的项目数",
		},
	)

	// LastRunSummary 最近一次批次的汇总
	LastRunSummary = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconcile_last_run_projects",
			Help:      "最近一次对账批次各结果的项目数",
		},
		[]string{"outcome"},
	)
)

// 区块链交互指标
var (
	// ChainReadsTotal 链上读调用
	ChainReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_reads_total",
			Help:      "链上读调用总数",
		},
		[]string{"method", "result"}, // result: found, not_found, error
	)

	// BlockchainTxTotal 链上交易总数
	BlockchainTxTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blockchain_tx_total",
			Help:      "链上交易总数",
		},
		[]string{"type", "status"}, // type: create_project/contribute, status: confirmed/failed/estimation_failed/timeout
	)

	// BlockchainTxDuration 链上交易耗时
	BlockchainTxDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "blockchain_tx_duration_seconds",
			Help:      "链上交易确认耗时(秒)",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"type"},
	)

	// BlockchainGasUsed Gas 使用量
	BlockchainGasUsed = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "blockchain_gas_used",
			Help:      "交易 Gas 使用量",
			Buckets:   prometheus.ExponentialBuckets(21000, 2, 10),
		},
		[]string{"type"},
	)

	// BlockchainGasPrice 当前 Gas 价格
	BlockchainGasPrice = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blockchain_gas_price_gwei",
			Help:      "当前 Gas 价格(Gwei)",
		},
	)

	// BlockchainNonceGauge 最近使用的 nonce
	BlockchainNonceGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blockchain_nonce",
			Help:      "签名地址最近使用的 nonce",
		},
		[]string{"signer"},
	)

	// NonceConflictsTotal nonce 冲突次数
	NonceConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nonce_conflicts_total",
			Help:      "广播时 nonce 冲突次数",
		},
		[]string{"signer"},
	)

	// SubmitQueueDepth 每个签名地址的排队请求数
	SubmitQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "submit_queue_depth",
			Help:      "签名队列中等待的交易数",
		},
		[]string{"signer"},
	)

	// HealthyRPCEndpoints 健康的 RPC 端点数
	HealthyRPCEndpoints = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "healthy_rpc_endpoints",
			Help:      "当前健康的 RPC 端点数",
		},
	)
)

// 接口指标
var (
	// HTTPRequestsTotal HTTP 请求总数
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration HTTP 请求耗时
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP 请求耗时(秒)",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// KafkaMessagesProduced Kafka 生产消息数
	KafkaMessagesProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_produced_total",
			Help:      "Kafka 生产消息总数",
		},
		[]string{"topic", "status"},
	)
)

// RecordRun 记录一次对账批次
func RecordRun(trigger, status string, durationSeconds float64, created, updated, skipped, failed int) {
	ReconcileRunsTotal.WithLabelValues(trigger, status).Inc()
	ReconcileRunDuration.Observe(durationSeconds)
	LastRunSummary.WithLabelValues("created").Set(float64(created))
	LastRunSummary.WithLabelValues("updated").Set(float64(updated))
	LastRunSummary.WithLabelValues("skipped").Set(float64(skipped))
	LastRunSummary.WithLabelValues("failed").Set(float64(failed))
}

// RecordProjectOutcome 记录单个项目的对账结果
func RecordProjectOutcome(outcome, failureKind string) {
	ReconcileProjectsTotal.WithLabelValues(outcome).Inc()
	if failureKind != "" {
		ReconcileFailuresTotal.WithLabelValues(failureKind).Inc()
	}
}

// RecordMilestoneDiscrepancy 记录里程碑数量不一致
func RecordMilestoneDiscrepancy() {
	MilestoneDiscrepanciesTotal.Inc()
}

// RecordChainRead 记录链上读调用
func RecordChainRead(method, result string) {
	ChainReadsTotal.WithLabelValues(method, result).Inc()
}

// RecordBlockchainTx 记录链上交易
func RecordBlockchainTx(txType, status string, durationSeconds float64, gasUsed uint64) {
	BlockchainTxTotal.WithLabelValues(txType, status).Inc()
	if durationSeconds > 0 {
		BlockchainTxDuration.WithLabelValues(txType).Observe(durationSeconds)
	}
	if gasUsed > 0 {
		BlockchainGasUsed.WithLabelValues(txType).Observe(float64(gasUsed))
	}
}

// RecordNonceConflict 记录 nonce 冲突
func RecordNonceConflict(signer string) {
	NonceConflictsTotal.WithLabelValues(signer).Inc()
}

// RecordHTTPRequest 记录 HTTP 请求
func RecordHTTPRequest(method, path, status string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// RecordKafkaMessage 记录 Kafka 消息
func RecordKafkaMessage(topic string, ok bool) {
	status := "success"
	if !ok {
		status = "failed"
	}
	KafkaMessagesProduced.WithLabelValues(topic, status).Inc()
}

// UpdateGasPrice 更新 Gas 价格
func UpdateGasPrice(gasPriceGwei float64) {
	BlockchainGasPrice.Set(gasPriceGwei)
}

// UpdateNonce 更新签名地址 nonce
func UpdateNonce(signer string, nonce uint64) {
	BlockchainNonceGauge.WithLabelValues(signer).Set(float64(nonce))
}

// UpdateQueueDepth 更新签名队列深度
func UpdateQueueDepth(signer string, depth int) {
	SubmitQueueDepth.WithLabelValues(signer).Set(float64(depth))
}

// UpdateHealthyEndpoints 更新健康端点数
func UpdateHealthyEndpoints(count int) {
	HealthyRPCEndpoints.Set(float64(count))
}
