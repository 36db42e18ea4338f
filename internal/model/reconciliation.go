package model

// ReconcileState 单个项目的对账状态
type ReconcileState string

const (
	StateUnchecked          ReconcileState = "Unchecked"
	StateChecking           ReconcileState = "Checking"
	StateMatchedInSync      ReconcileState = "MatchedInSync"
	StateMatchedNeedsUpdate ReconcileState = "MatchedNeedsUpdate"
	StateMissing            ReconcileState = "Missing"
	StateCheckFailed        ReconcileState = "CheckFailed"
	StateReconciled         ReconcileState = "Reconciled"
	StateSkipped            ReconcileState = "Skipped"
	StateFailed             ReconcileState = "Failed"
)

// IsTerminal 是否为终态
func (s ReconcileState) IsTerminal() bool {
	return s == StateReconciled || s == StateSkipped || s == StateFailed
}

// ReconcileOutcome 对账结果, 用于汇总
type ReconcileOutcome string

const (
	OutcomeCreated ReconcileOutcome = "created"
	OutcomeUpdated ReconcileOutcome = "updated"
	OutcomeSkipped ReconcileOutcome = "skipped"
	OutcomeFailed  ReconcileOutcome = "failed"
)

// ReconciliationRecord 对账记录
type ReconciliationRecord struct {
	ID            int64            `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID         string           `gorm:"column:run_id;type:varchar(36);index;not null" json:"runId"`
	OffChainID    string           `gorm:"column:off_chain_id;type:varchar(32);index;not null" json:"offChainId"`
	OnChainID     uint64           `gorm:"column:on_chain_id;type:bigint" json:"onChainId"`
	State         ReconcileState   `gorm:"column:state;type:varchar(24);not null" json:"state"`
	Outcome       ReconcileOutcome `gorm:"column:outcome;type:varchar(16);index;not null" json:"outcome"`
	FailureKind   string           `gorm:"column:failure_kind;type:varchar(32)" json:"failureKind,omitempty"`
	FailureReason string           `gorm:"column:failure_reason;type:varchar(1000)" json:"failureReason,omitempty"`
	TxHash        string           `gorm:"column:tx_hash;type:varchar(66)" json:"txHash,omitempty"`
	Details       string           `gorm:"column:details;type:varchar(1000)" json:"details,omitempty"`
	Attempts      int              `gorm:"column:attempts;type:int;not null;default:0" json:"attempts"`
	CreatedAt     int64            `gorm:"column:created_at;type:bigint;autoCreateTime:milli" json:"createdAt"`
}

// TableName 返回表名
func (ReconciliationRecord) TableName() string {
	return "pharovest_reconciliation_records"
}

// RunStatus 对账批次状态
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusFailed    RunStatus = "failed"
)

// RunTrigger 触发方式
type RunTrigger string

const (
	RunTriggerManual    RunTrigger = "manual"
	RunTriggerScheduled RunTrigger = "scheduled"
	RunTriggerCLI       RunTrigger = "cli"
)

// ReconciliationRun 对账批次
type ReconciliationRun struct {
	ID           string     `gorm:"primaryKey;column:id;type:varchar(36)" json:"runId"`
	Trigger      RunTrigger `gorm:"column:trigger_type;type:varchar(16);not null" json:"trigger"`
	Status       RunStatus  `gorm:"column:status;type:varchar(16);index;not null" json:"status"`
	ResumedAfter string     `gorm:"column:resumed_after;type:varchar(32)" json:"resumedAfter,omitempty"`
	Total        int        `gorm:"column:total;type:int;not null;default:0" json:"total"`
	Created      int        `gorm:"column:created;type:int;not null;default:0" json:"created"`
	Updated      int        `gorm:"column:updated;type:int;not null;default:0" json:"updated"`
	Skipped      int        `gorm:"column:skipped;type:int;not null;default:0" json:"skipped"`
	Failed       int        `gorm:"column:failed;type:int;not null;default:0" json:"failed"`
	Error        string     `gorm:"column:error;type:varchar(1000)" json:"error,omitempty"`
	StartedAt    int64      `gorm:"column:started_at;type:bigint;not null" json:"startedAt"`
	FinishedAt   int64      `gorm:"column:finished_at;type:bigint" json:"finishedAt,omitempty"`
}

// TableName 返回表名
func (ReconciliationRun) TableName() string {
	return "pharovest_reconciliation_runs"
}

// FailureEntry 失败明细
type FailureEntry struct {
	ProjectID string `json:"projectId"`
	Kind      string `json:"kind"`
	Reason    string `json:"reason"`
}

// RunReport 对账汇总报告
type RunReport struct {
	RunID        string         `json:"runId"`
	Status       RunStatus      `json:"status"`
	ResumedAfter string         `json:"resumedAfter,omitempty"`
	Total        int            `json:"total"`
	Created      int            `json:"created"`
	Updated      int            `json:"updated"`
	Skipped      int            `json:"skipped"`
	Failed       int            `json:"failed"`
	Failures     []FailureEntry `json:"failures"`
	StartedAt    int64          `json:"startedAt"`
	FinishedAt   int64          `json:"finishedAt"`
}

// Add 计入一条记录
func (r *RunReport) Add(rec *ReconciliationRecord) {
	r.Total++
	switch rec.Outcome {
	case OutcomeCreated:
		r.Created++
	case OutcomeUpdated:
		r.Updated++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeFailed:
		r.Failed++
		r.Failures = append(r.Failures, FailureEntry{
			ProjectID: rec.OffChainID,
			Kind:      rec.FailureKind,
			Reason:    rec.FailureReason,
		})
	}
}

// ApplyTo 写回批次统计
func (r *RunReport) ApplyTo(run *ReconciliationRun) {
	run.Status = r.Status
	run.Total = r.Total
	run.Created = r.Created
	run.Updated = r.Updated
	run.Skipped = r.Skipped
	run.Failed = r.Failed
	run.FinishedAt = r.FinishedAt
}
