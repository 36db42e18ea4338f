package contract

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/pharovest/pharovest-chain/pkg/errors"
)

type revertError struct{}

func (revertError) Error() string  { return "execution reverted: Project does not exist" }
func (revertError) ErrorCode() int { return 3 }

// fakeCaller answers eth_call by method selector
type fakeCaller struct {
	responses map[string][]byte
	errs      map[string]error
	calls     []ethereum.CallMsg
	contract  *PharovestContract
}

func (f *fakeCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.calls = append(f.calls, msg)
	method, err := f.contract.abi.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	if err := f.errs[method.Name]; err != nil {
		return nil, err
	}
	return f.responses[method.Name], nil
}

func newTestContract(t *testing.T) (*PharovestContract, *fakeCaller) {
	t.Helper()
	caller := &fakeCaller{responses: map[string][]byte{}, errs: map[string]error{}}
	c, err := NewPharovestContract(common.HexToAddress("0x3E754f56fd92db9049febb6521a8C8DB8718Aa3C"), caller)
	require.NoError(t, err)
	caller.contract = c
	return c, caller
}

func packOutputs(t *testing.T, c *PharovestContract, method string, values ...interface{}) []byte {
	t.Helper()
	out, err := c.ABI().Methods[method].Outputs.Pack(values...)
	require.NoError(t, err)
	return out
}

func TestPharovestContract_GetProject(t *testing.T) {
	c, caller := newTestContract(t)
	caller.responses["getProject"] = packOutputs(t, c, "getProject",
		big.NewInt(1e18), big.NewInt(5e16), true, big.NewInt(3))

	info, err := c.GetProject(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1e18), info.TotalAmount)
	assert.Equal(t, big.NewInt(5e16), info.AmountRaised)
	assert.True(t, info.IsActive)
	assert.Equal(t, int64(3), info.MilestoneCount.Int64())

	require.Len(t, caller.calls, 1)
	assert.Equal(t, c.Address(), *caller.calls[0].To)
}

func TestPharovestContract_GetProjectNotFound(t *testing.T) {
	t.Run("revert", func(t *testing.T) {
		c, caller := newTestContract(t)
		caller.errs["getProject"] = revertError{}

		_, err := c.GetProject(context.Background(), 7)
		assert.True(t, apperrors.Is(err, apperrors.ErrProjectNotFound))
	})

	t.Run("zero storage", func(t *testing.T) {
		c, caller := newTestContract(t)
		caller.responses["getProject"] = packOutputs(t, c, "getProject",
			big.NewInt(0), big.NewInt(0), false, big.NewInt(0))

		_, err := c.GetProject(context.Background(), 7)
		assert.True(t, apperrors.Is(err, apperrors.ErrProjectNotFound))
	})

	t.Run("network error is not not-found", func(t *testing.T) {
		c, caller := newTestContract(t)
		caller.errs["getProject"] = context.DeadlineExceeded

		_, err := c.GetProject(context.Background(), 7)
		require.Error(t, err)
		assert.False(t, apperrors.IsNotFound(err))
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})

	t.Run("empty result", func(t *testing.T) {
		c, _ := newTestContract(t)
		_, err := c.GetProject(context.Background(), 7)
		assert.ErrorIs(t, err, ErrContractNotDeployed)
	})
}

func TestPharovestContract_GetMilestone(t *testing.T) {
	c, caller := newTestContract(t)
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	caller.responses["getMilestone"] = packOutputs(t, c, "getMilestone",
		"Prototype", big.NewInt(3e17), recipient, true)

	m, err := c.GetMilestone(context.Background(), 7, 1)
	require.NoError(t, err)
	assert.Equal(t, "Prototype", m.Title)
	assert.Equal(t, big.NewInt(3e17), m.AmountRequired)
	assert.Equal(t, recipient, m.Recipient)
	assert.True(t, m.IsCompleted)
}

func TestPharovestContract_ProjectCountAndProgress(t *testing.T) {
	c, caller := newTestContract(t)
	caller.responses["projectCount"] = packOutputs(t, c, "projectCount", big.NewInt(12))
	caller.responses["getProjectProgress"] = packOutputs(t, c, "getProjectProgress", big.NewInt(40))

	count, err := c.ProjectCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(12), count)

	progress, err := c.GetProjectProgress(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), progress)
}

func TestPharovestContract_PackCreateProjectWithID(t *testing.T) {
	c, _ := newTestContract(t)
	milestones := []Milestone{
		{Title: "Milestone 1", AmountRequired: big.NewInt(5e17), Recipient: common.HexToAddress("0x01")},
		{Title: "Milestone 2", AmountRequired: big.NewInt(5e17), Recipient: common.HexToAddress("0x01")},
	}

	data, err := c.PackCreateProjectWithID(7, big.NewInt(1e18), milestones)
	require.NoError(t, err)

	method, err := c.abi.MethodById(data[:4])
	require.NoError(t, err)
	assert.Equal(t, "createProjectWithId", method.Name)

	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Len(t, args, 3)
	assert.Equal(t, big.NewInt(7), args[0])
	assert.Equal(t, big.NewInt(1e18), args[1])

	_, err = c.PackCreateProjectWithID(7, big.NewInt(0), milestones)
	assert.ErrorIs(t, err, ErrZeroTotalAmount)
	_, err = c.PackCreateProjectWithID(7, big.NewInt(1), nil)
	assert.ErrorIs(t, err, ErrEmptyMilestones)
}

func TestPharovestContract_PackContribute(t *testing.T) {
	c, _ := newTestContract(t)
	data, err := c.PackContribute(9)
	require.NoError(t, err)

	method, err := c.abi.MethodById(data[:4])
	require.NoError(t, err)
	assert.Equal(t, "contribute", method.Name)
}
