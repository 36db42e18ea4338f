package model

import "github.com/shopspring/decimal"

// Network 捐款网络
type Network string

const (
	NetworkEthereum      Network = "Ethereum"
	NetworkSepolia       Network = "Sepolia"
	NetworkPolygon       Network = "Polygon"
	NetworkBinance       Network = "Binance"
	NetworkPharos        Network = "Pharos"
	NetworkPharosTestnet Network = "Pharos Testnet"
	NetworkPharosDevnet  Network = "Pharos Devnet"
)

// IsValid 是否为支持的网络
func (n Network) IsValid() bool {
	switch n {
	case NetworkEthereum, NetworkSepolia, NetworkPolygon, NetworkBinance,
		NetworkPharos, NetworkPharosTestnet, NetworkPharosDevnet:
		return true
	}
	return false
}

// TransactionStatus 捐款交易状态
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusConfirmed TransactionStatus = "confirmed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// IsValid 是否为合法状态
func (s TransactionStatus) IsValid() bool {
	switch s {
	case TransactionStatusPending, TransactionStatusConfirmed, TransactionStatusFailed:
		return true
	}
	return false
}

// Transaction 捐款记录
type Transaction struct {
	ID              int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	ProjectID       string            `gorm:"column:project_id;type:varchar(32);index;not null" json:"projectId"`
	Contributor     string            `gorm:"column:contributor;type:varchar(42);index;not null" json:"contributor"`
	Amount          decimal.Decimal   `gorm:"column:amount;type:decimal(36,18);not null" json:"amount"` // ETH
	USDValue        decimal.Decimal   `gorm:"column:usd_value;type:decimal(20,2)" json:"usdValue"`
	TransactionHash string            `gorm:"column:transaction_hash;type:varchar(66);uniqueIndex;not null" json:"transactionHash"`
	Network         Network           `gorm:"column:network;type:varchar(32);not null" json:"network"`
	Status          TransactionStatus `gorm:"column:status;type:varchar(16);not null" json:"status"`
	GasFees         decimal.Decimal   `gorm:"column:gas_fees;type:decimal(36,18)" json:"gasFees"`
	CreatedAt       int64             `gorm:"column:created_at;type:bigint;index;autoCreateTime:milli" json:"createdAt"`
	UpdatedAt       int64             `gorm:"column:updated_at;type:bigint;autoUpdateTime:milli" json:"updatedAt"`
}

// TableName 返回表名
func (Transaction) TableName() string {
	return "pharovest_transactions"
}

// TransactionFilter 查询条件
type TransactionFilter struct {
	ProjectID   string
	Contributor string
}

// ContributionRequest 捐款记录请求
type ContributionRequest struct {
	ProjectID       string            `json:"projectId"`
	Contributor     string            `json:"contributor"`
	Amount          decimal.Decimal   `json:"amount"`
	USDValue        decimal.Decimal   `json:"usdValue"`
	TransactionHash string            `json:"transactionHash"`
	Network         Network           `json:"network"`
	Status          TransactionStatus `json:"status"`
	GasFees         decimal.Decimal   `json:"gasFees"`
}
