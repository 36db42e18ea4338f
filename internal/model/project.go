package model

// FundingStatus 募资状态
type FundingStatus string

const (
	FundingStatusActive    FundingStatus = "Active"
	FundingStatusCompleted FundingStatus = "Completed"
)

// FundingStatusFromChain 由链上 isActive 推导
func FundingStatusFromChain(isActive bool) FundingStatus {
	if isActive {
		return FundingStatusActive
	}
	return FundingStatusCompleted
}

// Project 链下项目
type Project struct {
	ID              string        `gorm:"primaryKey;column:id;type:varchar(32)" json:"id"` // 数字字符串
	Title           string        `gorm:"column:title;type:varchar(255);not null" json:"title"`
	Description     string        `gorm:"column:description;type:text" json:"description"`
	Creator         string        `gorm:"column:creator;type:varchar(255)" json:"creator"`
	Category        string        `gorm:"column:category;type:varchar(64);index" json:"category"`
	Location        string        `gorm:"column:location;type:varchar(128)" json:"location"`
	AmountRaised    string        `gorm:"column:amount_raised;type:varchar(64);not null;default:'$0.00'" json:"amountRaised"`
	Contributors    int64         `gorm:"column:contributors;type:bigint;not null;default:0" json:"contributors"`
	MinimumDonation string        `gorm:"column:minimum_donation;type:varchar(64)" json:"minimumDonation"`
	FundingGoal     string        `gorm:"column:funding_goal;type:varchar(64)" json:"fundingGoal"` // ETH
	FundingStatus   FundingStatus `gorm:"column:funding_status;type:varchar(20);not null;default:'Active'" json:"fundingStatus"`
	BlockchainHash  string        `gorm:"column:blockchain_hash;type:varchar(66)" json:"blockchainHash,omitempty"`
	Milestones      []Milestone   `gorm:"foreignKey:ProjectID;references:ID" json:"milestones"`
	CreatedAt       int64         `gorm:"column:created_at;type:bigint;autoCreateTime:milli" json:"createdAt"`
	UpdatedAt       int64         `gorm:"column:updated_at;type:bigint;autoUpdateTime:milli" json:"updatedAt"`
}

// TableName 返回表名
func (Project) TableName() string {
	return "pharovest_projects"
}

// Milestone 链下里程碑, 按 Position 排序
type Milestone struct {
	ID             int64  `gorm:"primaryKey;autoIncrement" json:"-"`
	ProjectID      string `gorm:"column:project_id;type:varchar(32);not null;uniqueIndex:uk_milestone_position" json:"-"`
	Position       int    `gorm:"column:position;type:int;not null;uniqueIndex:uk_milestone_position" json:"position"`
	Title          string `gorm:"column:title;type:varchar(255);not null" json:"title"`
	Description    string `gorm:"column:description;type:text" json:"description"`
	AmountRequired string `gorm:"column:amount_required;type:varchar(64)" json:"amountRequired"`
	Completed      bool   `gorm:"column:completed;not null;default:false" json:"completed"`
	CreatedAt      int64  `gorm:"column:created_at;type:bigint;autoCreateTime:milli" json:"-"`
	UpdatedAt      int64  `gorm:"column:updated_at;type:bigint;autoUpdateTime:milli" json:"-"`
}

// TableName 返回表名
func (Milestone) TableName() string {
	return "pharovest_project_milestones"
}

// ProjectSnapshot 链下项目快照, 对账只读
type ProjectSnapshot struct {
	ID              string
	Title           string
	AmountRaised    string
	MinimumDonation string
	FundingGoal     string
	FundingStatus   FundingStatus
	BlockchainHash  string
	Milestones      []MilestoneSnapshot
}

// MilestoneSnapshot 里程碑快照, 链上链下共用
type MilestoneSnapshot struct {
	Index          int    `json:"index"`
	Title          string `json:"title"`
	AmountRequired string `json:"amountRequired"` // 链下原文, 链上为 wei
	Recipient      string `json:"recipient,omitempty"`
	Completed      bool   `json:"completed"`
}

// Snapshot 生成快照
func (p *Project) Snapshot() *ProjectSnapshot {
	s := &ProjectSnapshot{
		ID:              p.ID,
		Title:           p.Title,
		AmountRaised:    p.AmountRaised,
		MinimumDonation: p.MinimumDonation,
		FundingGoal:     p.FundingGoal,
		FundingStatus:   p.FundingStatus,
		BlockchainHash:  p.BlockchainHash,
		Milestones:      make([]MilestoneSnapshot, 0, len(p.Milestones)),
	}
	for _, m := range p.Milestones {
		s.Milestones = append(s.Milestones, MilestoneSnapshot{
			Index:          m.Position,
			Title:          m.Title,
			AmountRequired: m.AmountRequired,
			Completed:      m.Completed,
		})
	}
	return s
}

// ProjectUpdate 对账回写的差异
type ProjectUpdate struct {
	AmountRaised        *string
	FundingStatus       *FundingStatus
	CompletedMilestones map[int]bool // position -> completed
}

// IsEmpty 无差异
func (u *ProjectUpdate) IsEmpty() bool {
	return u.AmountRaised == nil && u.FundingStatus == nil && len(u.CompletedMilestones) == 0
}

// CreateProjectRequest 新建链下项目, id 为空时自动分配
type CreateProjectRequest struct {
	ID              string             `json:"id"`
	Title           string             `json:"title"`
	Description     string             `json:"description"`
	Creator         string             `json:"creator"`
	Category        string             `json:"category"`
	Location        string             `json:"location"`
	MinimumDonation string             `json:"minimumDonation"`
	FundingGoal     string             `json:"fundingGoal"`
	Milestones      []MilestoneRequest `json:"milestones"`
}

// UpdateBlockchainHashRequest 手动记录项目的创建交易哈希
type UpdateBlockchainHashRequest struct {
	BlockchainHash string `json:"blockchainHash"`
}

// MilestoneRequest 新建里程碑
type MilestoneRequest struct {
	Title          string `json:"title"`
	Description    string `json:"description"`
	AmountRequired string `json:"amountRequired"`
	Completed      bool   `json:"completed"`
}
