package service

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharovest/pharovest-chain/internal/model"
)

func TestCreationConfig_TotalETH(t *testing.T) {
	c := DefaultCreationConfig()

	tests := []struct {
		name string
		snap *model.ProjectSnapshot
		want string
	}{
		{"funding goal wins", &model.ProjectSnapshot{FundingGoal: "2.5", MinimumDonation: "$50"}, "2.5"},
		{"invalid goal falls through", &model.ProjectSnapshot{FundingGoal: "abc", MinimumDonation: "$40"}, "2"},
		{"zero goal falls through", &model.ProjectSnapshot{FundingGoal: "0"}, "1"},
		{"donation clamped to min", &model.ProjectSnapshot{MinimumDonation: "$5"}, "0.5"},
		{"donation clamped to max", &model.ProjectSnapshot{MinimumDonation: "$1,000"}, "5"},
		{"default", &model.ProjectSnapshot{}, "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.TotalETH(tt.snap)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s", got)
		})
	}
}

func TestCreationConfig_BuildPayload_SplitsEvenly(t *testing.T) {
	c := DefaultCreationConfig()
	snap := &model.ProjectSnapshot{
		FundingGoal: "1",
		Milestones: []model.MilestoneSnapshot{
			{Index: 0, Title: "a"},
			{Index: 1, Title: "b", Completed: true},
			{Index: 2, Title: "c"},
		},
	}

	payload := c.BuildPayload(snap, testSigner)
	require.Len(t, payload.Milestones, 3)

	sum := new(big.Int)
	for _, m := range payload.Milestones {
		sum.Add(sum, m.AmountRequired)
		assert.Equal(t, testSigner, m.Recipient)
	}
	assert.Equal(t, payload.TotalAmount, sum)
	assert.Equal(t, payload.Milestones[0].AmountRequired, payload.Milestones[1].AmountRequired)
	assert.Equal(t, 1, payload.Milestones[2].AmountRequired.Cmp(payload.Milestones[0].AmountRequired))
	assert.True(t, payload.Milestones[1].IsCompleted)
	assert.Equal(t, "b", payload.Milestones[1].Title)
}

func TestCreationConfig_BuildPayload_DefaultMilestone(t *testing.T) {
	c := DefaultCreationConfig()
	c.Recipient = common.HexToAddress("0x00000000000000000000000000000000000000b2")

	payload := c.BuildPayload(&model.ProjectSnapshot{}, testSigner)
	require.Len(t, payload.Milestones, 1)
	assert.Equal(t, DefaultMilestoneTitle, payload.Milestones[0].Title)
	assert.Equal(t, eth(1, 0), payload.TotalAmount)
	assert.Equal(t, payload.TotalAmount, payload.Milestones[0].AmountRequired)
	assert.Equal(t, c.Recipient, payload.Milestones[0].Recipient)
}
