// Package contract provides the ABI binding for the Pharovest crowdfunding contract
// and gas estimation for its write calls.
package contract

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/pharovest/pharovest-chain/internal/blockchain"
	apperrors "github.com/pharovest/pharovest-chain/pkg/errors"
)

// Pharovest contract errors
var (
	ErrContractNotDeployed = errors.New("pharovest contract not deployed")
	ErrEmptyMilestones     = errors.New("at least one milestone is required")
	ErrZeroTotalAmount     = errors.New("total amount must be positive")
)

// PharovestABI is the ABI of the Pharovest contract.
// This matches the Solidity contract interface:
//
//	function projectCount() external view returns (uint256);
//	function getProject(uint256 projectId) external view returns (uint256, uint256, bool, uint256);
//	function getMilestone(uint256 projectId, uint256 index) external view returns (string, uint256, address, bool);
//	function createProjectWithId(uint256 projectId, uint256 totalAmount, Milestone[] memory milestones) external;
//	function contribute(uint256 projectId) external payable;
const PharovestABI = `[
	{
		"type": "function",
		"name": "projectCount",
		"inputs": [],
		"outputs": [
			{"name": "", "type": "uint256"}
		],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "getProject",
		"inputs": [
			{"name": "projectId", "type": "uint256"}
		],
		"outputs": [
			{"name": "totalAmount", "type": "uint256"},
			{"name": "amountRaised", "type": "uint256"},
			{"name": "isActive", "type": "bool"},
			{"name": "milestoneCount", "type": "uint256"}
		],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "getMilestone",
		"inputs": [
			{"name": "projectId", "type": "uint256"},
			{"name": "milestoneIndex", "type": "uint256"}
		],
		"outputs": [
			{"name": "title", "type": "string"},
			{"name": "amountRequired", "type": "uint256"},
			{"name": "recipient", "type": "address"},
			{"name": "isCompleted", "type": "bool"}
		],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "getProjectProgress",
		"inputs": [
			{"name": "projectId", "type": "uint256"}
		],
		"outputs": [
			{"name": "", "type": "uint256"}
		],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "createProject",
		"inputs": [
			{"name": "totalAmount", "type": "uint256"},
			{
				"name": "milestones",
				"type": "tuple[]",
				"components": [
					{"name": "title", "type": "string"},
					{"name": "amountRequired", "type": "uint256"},
					{"name": "recipient", "type": "address"},
					{"name": "isCompleted", "type": "bool"}
				]
			}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "createProjectWithId",
		"inputs": [
			{"name": "projectId", "type": "uint256"},
			{"name": "totalAmount", "type": "uint256"},
			{
				"name": "milestones",
				"type": "tuple[]",
				"components": [
					{"name": "title", "type": "string"},
					{"name": "amountRequired", "type": "uint256"},
					{"name": "recipient", "type": "address"},
					{"name": "isCompleted", "type": "bool"}
				]
			}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "contribute",
		"inputs": [
			{"name": "projectId", "type": "uint256"}
		],
		"outputs": [],
		"stateMutability": "payable"
	}
]`

// Milestone is the tuple passed to createProject / createProjectWithId.
type Milestone struct {
	Title          string         `json:"title"`
	AmountRequired *big.Int       `json:"amountRequired"`
	Recipient      common.Address `json:"recipient"`
	IsCompleted    bool           `json:"isCompleted"`
}

// ProjectInfo is the result of getProject.
type ProjectInfo struct {
	TotalAmount    *big.Int `json:"totalAmount"`
	AmountRaised   *big.Int `json:"amountRaised"`
	IsActive       bool     `json:"isActive"`
	MilestoneCount *big.Int `json:"milestoneCount"`
}

// MilestoneInfo is the result of getMilestone.
type MilestoneInfo struct {
	Title          string         `json:"title"`
	AmountRequired *big.Int       `json:"amountRequired"`
	Recipient      common.Address `json:"recipient"`
	IsCompleted    bool           `json:"isCompleted"`
}

// ContractCaller is the read-only subset of the chain client used by the binding.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// PharovestContract provides methods to interact with the Pharovest smart contract.
type PharovestContract struct {
	address common.Address
	abi     abi.ABI
	caller  ContractCaller
}

// NewPharovestContract creates a new Pharovest contract instance.
func NewPharovestContract(address common.Address, caller ContractCaller) (*PharovestContract, error) {
	parsed, err := abi.JSON(strings.NewReader(PharovestABI))
	if err != nil {
		return nil, err
	}

	return &PharovestContract{
		address: address,
		abi:     parsed,
		caller:  caller,
	}, nil
}

// Address returns the contract address.
func (c *PharovestContract) Address() common.Address {
	return c.address
}

// ABI returns the contract ABI.
func (c *PharovestContract) ABI() abi.ABI {
	return c.abi
}

// ProjectCount returns the contract's internal project counter.
func (c *PharovestContract) ProjectCount(ctx context.Context) (uint64, error) {
	out, err := c.call(ctx, "projectCount")
	if err != nil {
		return 0, err
	}
	count, err := firstUint(out)
	if err != nil {
		return 0, err
	}
	return count.Uint64(), nil
}

// GetProject queries a project. A revert, or the zero-valued storage slot of a
// project that was never created, is reported as ErrProjectNotFound.
func (c *PharovestContract) GetProject(ctx context.Context, projectID uint64) (*ProjectInfo, error) {
	data, err := c.abi.Pack("getProject", new(big.Int).SetUint64(projectID))
	if err != nil {
		return nil, err
	}

	result, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		if blockchain.IsRevert(err) {
			return nil, apperrors.Wrap(apperrors.ErrProjectNotFound, err)
		}
		return nil, err
	}
	if len(result) == 0 {
		return nil, ErrContractNotDeployed
	}

	var info ProjectInfo
	if err := c.abi.UnpackIntoInterface(&info, "getProject", result); err != nil {
		return nil, err
	}
	if info.TotalAmount == nil || info.TotalAmount.Sign() == 0 {
		return nil, apperrors.ErrProjectNotFound.WithMessagef("project %d not found on chain", projectID)
	}

	return &info, nil
}

// GetMilestone queries a single milestone of a project.
func (c *PharovestContract) GetMilestone(ctx context.Context, projectID uint64, index int) (*MilestoneInfo, error) {
	data, err := c.abi.Pack("getMilestone", new(big.Int).SetUint64(projectID), big.NewInt(int64(index)))
	if err != nil {
		return nil, err
	}

	result, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		if blockchain.IsRevert(err) {
			return nil, apperrors.Wrap(apperrors.ErrNotFound, err).WithMessagef("milestone %d of project %d not found", index, projectID)
		}
		return nil, err
	}
	if len(result) == 0 {
		return nil, ErrContractNotDeployed
	}

	var info MilestoneInfo
	if err := c.abi.UnpackIntoInterface(&info, "getMilestone", result); err != nil {
		return nil, err
	}

	return &info, nil
}

// GetProjectProgress returns the funding progress percentage of a project.
func (c *PharovestContract) GetProjectProgress(ctx context.Context, projectID uint64) (uint64, error) {
	out, err := c.call(ctx, "getProjectProgress", new(big.Int).SetUint64(projectID))
	if err != nil {
		if blockchain.IsRevert(err) {
			return 0, apperrors.Wrap(apperrors.ErrProjectNotFound, err)
		}
		return 0, err
	}
	progress, err := firstUint(out)
	if err != nil {
		return 0, err
	}
	return progress.Uint64(), nil
}

// PackCreateProjectWithID packs the createProjectWithId call data.
func (c *PharovestContract) PackCreateProjectWithID(projectID uint64, totalAmount *big.Int, milestones []Milestone) ([]byte, error) {
	if err := validateCreate(totalAmount, milestones); err != nil {
		return nil, err
	}
	return c.abi.Pack("createProjectWithId", new(big.Int).SetUint64(projectID), totalAmount, milestones)
}

// PackCreateProject packs the createProject call data.
// The contract assigns the id from its own counter.
func (c *PharovestContract) PackCreateProject(totalAmount *big.Int, milestones []Milestone) ([]byte, error) {
	if err := validateCreate(totalAmount, milestones); err != nil {
		return nil, err
	}
	return c.abi.Pack("createProject", totalAmount, milestones)
}

// PackContribute packs the contribute call data. The contribution travels as tx value.
func (c *PharovestContract) PackContribute(projectID uint64) ([]byte, error) {
	return c.abi.Pack("contribute", new(big.Int).SetUint64(projectID))
}

func (c *PharovestContract) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, err
	}

	result, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, ErrContractNotDeployed
	}

	return c.abi.Unpack(method, result)
}

func firstUint(out []interface{}) (*big.Int, error) {
	if len(out) == 0 {
		return nil, errors.New("empty contract output")
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.New("unexpected contract output type")
	}
	return v, nil
}

func validateCreate(totalAmount *big.Int, milestones []Milestone) error {
	if totalAmount == nil || totalAmount.Sign() <= 0 {
		return ErrZeroTotalAmount
	}
	if len(milestones) == 0 {
		return ErrEmptyMilestones
	}
	return nil
}
