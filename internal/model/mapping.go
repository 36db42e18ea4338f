package model

// MappingStatus id 映射状态
type MappingStatus string

const (
	MappingStatusPending   MappingStatus = "pending"   // 已绑定, 创建交易未确认
	MappingStatusConfirmed MappingStatus = "confirmed" // 链上已存在
)

// IDMapping 链下 id 与链上 projectId 的持久化映射, 两侧均唯一
type IDMapping struct {
	ID         int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	OffChainID string        `gorm:"column:off_chain_id;type:varchar(32);uniqueIndex;not null" json:"offChainId"`
	OnChainID  uint64        `gorm:"column:on_chain_id;type:bigint;uniqueIndex;not null" json:"onChainId"`
	Contract   string        `gorm:"column:contract;type:varchar(42);not null" json:"contract"`
	Status     MappingStatus `gorm:"column:status;type:varchar(16);not null" json:"status"`
	TxHash     string        `gorm:"column:tx_hash;type:varchar(66)" json:"txHash,omitempty"`
	CreatedAt  int64         `gorm:"column:created_at;type:bigint;autoCreateTime:milli" json:"createdAt"`
	UpdatedAt  int64         `gorm:"column:updated_at;type:bigint;autoUpdateTime:milli" json:"updatedAt"`
}

// TableName 返回表名
func (IDMapping) TableName() string {
	return "pharovest_id_mappings"
}
