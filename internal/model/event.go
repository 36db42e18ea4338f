package model

// ProjectSyncedEvent 项目在对账中被创建或回写
type ProjectSyncedEvent struct {
	RunID         string           `json:"runId"`
	ProjectID     string           `json:"projectId"`
	OnChainID     uint64           `json:"onChainId"`
	Outcome       ReconcileOutcome `json:"outcome"`
	TxHash        string           `json:"txHash,omitempty"`
	AmountRaised  string           `json:"amountRaised,omitempty"`
	FundingStatus FundingStatus    `json:"fundingStatus,omitempty"`
	SyncedAt      int64            `json:"syncedAt"`
}

// ReconcileRequest 外部触发的对账请求
type ReconcileRequest struct {
	RequestID   string `json:"requestId"`
	Resume      bool   `json:"resume"`
	RequestedBy string `json:"requestedBy,omitempty"`
}
