package model

// ReconcileCheckpoint 对账游标, 每个合约一行
type ReconcileCheckpoint struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Contract  string `gorm:"column:contract;type:varchar(42);uniqueIndex;not null" json:"contract"`
	RunID     string `gorm:"column:run_id;type:varchar(36);not null" json:"runId"`
	LastID    string `gorm:"column:last_id;type:varchar(32)" json:"lastId"` // 最后一个已处理的链下 id
	Completed bool   `gorm:"column:completed;not null;default:false" json:"completed"`
	CreatedAt int64  `gorm:"column:created_at;type:bigint;autoCreateTime:milli" json:"createdAt"`
	UpdatedAt int64  `gorm:"column:updated_at;type:bigint;autoUpdateTime:milli" json:"updatedAt"`
}

// TableName 返回表名
func (ReconcileCheckpoint) TableName() string {
	return "pharovest_reconcile_checkpoints"
}
