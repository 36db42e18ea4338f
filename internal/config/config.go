package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 配置
type Config struct {
	Service    ServiceConfig    `yaml:"service" json:"service"`
	Postgres   PostgresConfig   `yaml:"postgres" json:"postgres"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka" json:"kafka"`
	Blockchain BlockchainConfig `yaml:"blockchain" json:"blockchain"`
	Gas        GasConfig        `yaml:"gas" json:"gas"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" json:"reconcile"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	GRPCPort int    `yaml:"grpc_port" json:"grpc_port"`
	HTTPPort int    `yaml:"http_port" json:"http_port"`
	Env      string `yaml:"env" json:"env"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"-"`
	SSLMode         string `yaml:"ssl_mode" json:"ssl_mode"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"` // 秒
}

// DSN 生成 PostgreSQL 连接串
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	Password  string   `yaml:"password" json:"-"`
	DB        int      `yaml:"db" json:"db"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Brokers  []string `yaml:"brokers" json:"brokers"`
	ClientID string   `yaml:"client_id" json:"client_id"`
	GroupID  string   `yaml:"group_id" json:"group_id"`
}

// BlockchainConfig 区块链配置
type BlockchainConfig struct {
	RPCURL              string   `yaml:"rpc_url" json:"rpc_url"`
	BackupRPCURLs       []string `yaml:"backup_rpc_urls" json:"backup_rpc_urls"`
	ChainID             int64    `yaml:"chain_id" json:"chain_id"`
	Network             string   `yaml:"network" json:"network"`
	ContractAddress     string   `yaml:"contract_address" json:"contract_address"`
	PrivateKey          string   `yaml:"private_key" json:"-"`
	Confirmations       int      `yaml:"confirmations" json:"confirmations"`
	ReceiptPollInterval int      `yaml:"receipt_poll_interval" json:"receipt_poll_interval"` // 毫秒
	ReceiptTimeout      int      `yaml:"receipt_timeout" json:"receipt_timeout"`             // 秒
	CallTimeout         int      `yaml:"call_timeout" json:"call_timeout"`                   // 秒
}

// GasConfig Gas 配置
type GasConfig struct {
	LimitMultiplier float64 `yaml:"limit_multiplier" json:"limit_multiplier"`
	MaxGasLimit     uint64  `yaml:"max_gas_limit" json:"max_gas_limit"`
	MaxGasPriceGwei int64   `yaml:"max_gas_price_gwei" json:"max_gas_price_gwei"`
	PriceMultiplier float64 `yaml:"price_multiplier" json:"price_multiplier"`
}

// ReconcileConfig 对账配置
type ReconcileConfig struct {
	Enabled            bool    `yaml:"enabled" json:"enabled"`
	Schedule           string  `yaml:"schedule" json:"schedule"`
	EthUSDRate         float64 `yaml:"eth_usd_rate" json:"eth_usd_rate"`
	ReadConcurrency    int     `yaml:"read_concurrency" json:"read_concurrency"`
	MaxAttempts        int     `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoff     int     `yaml:"initial_backoff" json:"initial_backoff"` // 毫秒
	MaxBackoff         int     `yaml:"max_backoff" json:"max_backoff"`         // 毫秒
	DefaultTotalETH    float64 `yaml:"default_total_eth" json:"default_total_eth"`
	MinTotalETH        float64 `yaml:"min_total_eth" json:"min_total_eth"`
	MaxTotalETH        float64 `yaml:"max_total_eth" json:"max_total_eth"`
	MilestoneRecipient string  `yaml:"milestone_recipient" json:"milestone_recipient"`
	LockTTL            int     `yaml:"lock_ttl" json:"lock_ttl"` // 秒
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// 环境变量替换
	content := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, err
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Gas.LimitMultiplier < 1 {
		return fmt.Errorf("gas.limit_multiplier must be >= 1, got %v", c.Gas.LimitMultiplier)
	}
	if c.Reconcile.EthUSDRate <= 0 {
		return fmt.Errorf("reconcile.eth_usd_rate must be positive")
	}
	if c.Reconcile.MinTotalETH > c.Reconcile.MaxTotalETH {
		return fmt.Errorf("reconcile.min_total_eth exceeds max_total_eth")
	}
	return nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		parts := strings.SplitN(expr, ":", 2)
		varName := parts[0]
		defaultVal := ""
		if len(parts) > 1 {
			defaultVal = parts[1]
		}

		value := os.Getenv(varName)
		if value == "" {
			value = defaultVal
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "pharovest-chain"
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 8085
	}
	if cfg.Service.GRPCPort == 0 {
		cfg.Service.GRPCPort = 50055
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "disable"
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 20
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 5
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}

	if len(cfg.Redis.Addresses) == 0 {
		cfg.Redis.Addresses = []string{"localhost:6379"}
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 20
	}

	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = cfg.Service.Name
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = cfg.Service.Name
	}

	if cfg.Blockchain.ChainID == 0 {
		cfg.Blockchain.ChainID = 688688 // Pharos Testnet
	}
	if cfg.Blockchain.Network == "" {
		cfg.Blockchain.Network = "Pharos Testnet"
	}
	if cfg.Blockchain.Confirmations == 0 {
		cfg.Blockchain.Confirmations = 1
	}
	if cfg.Blockchain.ReceiptPollInterval == 0 {
		cfg.Blockchain.ReceiptPollInterval = 1000
	}
	if cfg.Blockchain.ReceiptTimeout == 0 {
		cfg.Blockchain.ReceiptTimeout = 120
	}
	if cfg.Blockchain.CallTimeout == 0 {
		cfg.Blockchain.CallTimeout = 10
	}

	if cfg.Gas.LimitMultiplier == 0 {
		cfg.Gas.LimitMultiplier = 1.2
	}
	if cfg.Gas.MaxGasLimit == 0 {
		cfg.Gas.MaxGasLimit = 3_000_000
	}
	if cfg.Gas.MaxGasPriceGwei == 0 {
		cfg.Gas.MaxGasPriceGwei = 500
	}
	if cfg.Gas.PriceMultiplier == 0 {
		cfg.Gas.PriceMultiplier = 1.1
	}

	if cfg.Reconcile.Schedule == "" {
		cfg.Reconcile.Schedule = "0 */10 * * * *"
	}
	if cfg.Reconcile.EthUSDRate == 0 {
		cfg.Reconcile.EthUSDRate = 2410
	}
	if cfg.Reconcile.ReadConcurrency == 0 {
		cfg.Reconcile.ReadConcurrency = 4
	}
	if cfg.Reconcile.MaxAttempts == 0 {
		cfg.Reconcile.MaxAttempts = 4
	}
	if cfg.Reconcile.InitialBackoff == 0 {
		cfg.Reconcile.InitialBackoff = 500
	}
	if cfg.Reconcile.MaxBackoff == 0 {
		cfg.Reconcile.MaxBackoff = 10_000
	}
	if cfg.Reconcile.DefaultTotalETH == 0 {
		cfg.Reconcile.DefaultTotalETH = 1.0
	}
	if cfg.Reconcile.MinTotalETH == 0 {
		cfg.Reconcile.MinTotalETH = 0.5
	}
	if cfg.Reconcile.MaxTotalETH == 0 {
		cfg.Reconcile.MaxTotalETH = 5
	}
	if cfg.Reconcile.LockTTL == 0 {
		cfg.Reconcile.LockTTL = 300
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// Millis 毫秒配置转 Duration
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Seconds 秒配置转 Duration
func Seconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}
