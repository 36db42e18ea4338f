package service

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/pharovest/pharovest-chain/internal/contract"
	"github.com/pharovest/pharovest-chain/internal/model"
)

// DefaultMilestoneTitle 无里程碑项目的占位里程碑
const DefaultMilestoneTitle = "Project Completion"

// CreationConfig 创建链上项目时的派生规则
type CreationConfig struct {
	DefaultTotalETH decimal.Decimal
	MinTotalETH     decimal.Decimal
	MaxTotalETH     decimal.Decimal
	// MinimumDonationDivisor minimumDonation 推导总额时的除数
	MinimumDonationDivisor decimal.Decimal
	Recipient              common.Address
}

// DefaultCreationConfig 默认派生规则
func DefaultCreationConfig() CreationConfig {
	return CreationConfig{
		DefaultTotalETH:        decimal.NewFromInt(1),
		MinTotalETH:            decimal.RequireFromString("0.5"),
		MaxTotalETH:            decimal.NewFromInt(5),
		MinimumDonationDivisor: decimal.NewFromInt(20),
	}
}

// CreationPayload createProjectWithId 的参数
type CreationPayload struct {
	TotalAmount *big.Int
	Milestones  []contract.Milestone
}

// TotalETH 按 fundingGoal -> minimumDonation/20 -> 默认值 推导项目总额
func (c CreationConfig) TotalETH(snap *model.ProjectSnapshot) decimal.Decimal {
	if goal := strings.TrimSpace(snap.FundingGoal); goal != "" {
		if v, err := model.ParseETH(goal); err == nil && v.IsPositive() {
			return v
		}
	}

	if donation := strings.TrimSpace(snap.MinimumDonation); donation != "" && c.MinimumDonationDivisor.IsPositive() {
		if v, err := model.ParseUSD(donation); err == nil && v.IsPositive() {
			total := v.Div(c.MinimumDonationDivisor)
			if c.MinTotalETH.IsPositive() && total.LessThan(c.MinTotalETH) {
				total = c.MinTotalETH
			}
			if c.MaxTotalETH.IsPositive() && total.GreaterThan(c.MaxTotalETH) {
				total = c.MaxTotalETH
			}
			return total
		}
	}

	return c.DefaultTotalETH
}

// BuildPayload 生成创建参数, 里程碑金额均分且最后一个吸收余数, 合计严格等于总额
func (c CreationConfig) BuildPayload(snap *model.ProjectSnapshot, fallbackRecipient common.Address) *CreationPayload {
	total := model.ETHToWei(c.TotalETH(snap))
	recipient := c.Recipient
	if recipient == (common.Address{}) {
		recipient = fallbackRecipient
	}

	if len(snap.Milestones) == 0 {
		return &CreationPayload{
			TotalAmount: total,
			Milestones: []contract.Milestone{{
				Title:          DefaultMilestoneTitle,
				AmountRequired: new(big.Int).Set(total),
				Recipient:      recipient,
			}},
		}
	}

	n := big.NewInt(int64(len(snap.Milestones)))
	share := new(big.Int).Div(total, n)
	remainder := new(big.Int).Sub(total, new(big.Int).Mul(share, n))

	milestones := make([]contract.Milestone, 0, len(snap.Milestones))
	for i, m := range snap.Milestones {
		amount := new(big.Int).Set(share)
		if i == len(snap.Milestones)-1 {
			amount.Add(amount, remainder)
		}
		milestones = append(milestones, contract.Milestone{
			Title:          m.Title,
			AmountRequired: amount,
			Recipient:      recipient,
			IsCompleted:    m.Completed,
		})
	}

	return &CreationPayload{TotalAmount: total, Milestones: milestones}
}
