package model

// PendingTxStatus 待确认交易状态
type PendingTxStatus int8

const (
	PendingTxStatusPending   PendingTxStatus = 0 // 待确认
	PendingTxStatusConfirmed PendingTxStatus = 1 // 已确认
	PendingTxStatusFailed    PendingTxStatus = 2 // 失败
)

func (s PendingTxStatus) String() string {
	switch s {
	case PendingTxStatusPending:
		return "PENDING"
	case PendingTxStatusConfirmed:
		return "CONFIRMED"
	case PendingTxStatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// TxKind 合约写调用类型
type TxKind string

const (
	TxKindCreateProject TxKind = "create_project"
	TxKindContribute    TxKind = "contribute"
)

// PendingTx 已广播的交易
type PendingTx struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	TxHash        string          `gorm:"column:tx_hash;type:varchar(66);uniqueIndex;not null" json:"tx_hash"`
	Kind          TxKind          `gorm:"column:kind;type:varchar(20);not null" json:"kind"`
	ProjectID     uint64          `gorm:"column:project_id;type:bigint;index;not null" json:"project_id"`
	WalletAddress string          `gorm:"column:wallet_address;type:varchar(42);not null" json:"wallet_address"`
	ChainID       int64           `gorm:"column:chain_id;type:bigint;not null" json:"chain_id"`
	Nonce         int64           `gorm:"column:nonce;type:bigint;not null" json:"nonce"`
	GasPrice      string          `gorm:"column:gas_price;type:varchar(36);not null" json:"gas_price"`
	GasLimit      int64           `gorm:"column:gas_limit;type:bigint;not null" json:"gas_limit"`
	GasUsed       int64           `gorm:"column:gas_used;type:bigint" json:"gas_used"`
	BlockNumber   int64           `gorm:"column:block_number;type:bigint" json:"block_number"`
	Status        PendingTxStatus `gorm:"column:status;type:smallint;index;not null;default:0" json:"status"`
	SubmittedAt   int64           `gorm:"column:submitted_at;type:bigint;not null" json:"submitted_at"`
	CreatedAt     int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt     int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (PendingTx) TableName() string {
	return "pharovest_pending_txs"
}
