package service

import (
	"context"
	"math/big"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pharovest/pharovest-chain/internal/idmap"
	"github.com/pharovest/pharovest-chain/internal/model"
	apperrors "github.com/pharovest/pharovest-chain/pkg/errors"
	"github.com/pharovest/pharovest-chain/pkg/logger"
)

// ContributePacker 编码 contribute
type ContributePacker interface {
	PackContribute(projectID uint64) ([]byte, error)
}

// ContributeService 通过签名队列向链上项目捐款并记录到链下
type ContributeService struct {
	submitter Submitter
	packer    ContributePacker
	txs       *TransactionService
	network   model.Network
}

// NewContributeService 创建捐款服务
func NewContributeService(submitter Submitter, packer ContributePacker, txs *TransactionService, network model.Network) *ContributeService {
	if network == "" {
		network = model.NetworkPharosDevnet
	}
	return &ContributeService{
		submitter: submitter,
		packer:    packer,
		txs:       txs,
		network:   network,
	}
}

// Contribute 发送 payable contribute(id), 确认后记录捐款
func (s *ContributeService) Contribute(ctx context.Context, projectID string, amountETH decimal.Decimal) (*model.Transaction, error) {
	if !amountETH.IsPositive() {
		return nil, apperrors.ErrInvalidRequest.WithMessagef("contribution must be positive")
	}
	onChainID, err := idmap.Map(projectID)
	if err != nil {
		return nil, err
	}
	data, err := s.packer.PackContribute(onChainID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, err)
	}

	result, err := s.submitter.Submit(ctx, &TxRequest{
		Kind:      model.TxKindContribute,
		ProjectID: onChainID,
		Data:      data,
		Value:     model.ETHToWei(amountETH),
	})
	if err != nil {
		return nil, err
	}

	fees := decimal.Zero
	if result.GasPrice != nil {
		wei := new(big.Int).Mul(result.GasPrice, new(big.Int).SetUint64(result.GasUsed))
		fees = model.WeiToETH(wei)
	}

	logger.WithContext(ctx).Info("contribution confirmed on chain",
		zap.String("project_id", projectID),
		zap.String("tx_hash", result.TxHash),
		zap.String("amount", amountETH.String()))

	return s.txs.Record(ctx, &model.ContributionRequest{
		ProjectID:       projectID,
		Contributor:     result.Signer,
		Amount:          amountETH,
		TransactionHash: result.TxHash,
		Network:         s.network,
		Status:          model.TransactionStatusConfirmed,
		GasFees:         fees,
	})
}
