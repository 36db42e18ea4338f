package service

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pharovest/pharovest-chain/internal/idmap"
	"github.com/pharovest/pharovest-chain/internal/model"
	"github.com/pharovest/pharovest-chain/internal/repository"
	"github.com/pharovest/pharovest-chain/internal/retry"
	apperrors "github.com/pharovest/pharovest-chain/pkg/errors"
	"github.com/pharovest/pharovest-chain/pkg/logger"
)

var decimalZero = decimal.Zero

// TransactionService 捐款记录
type TransactionService struct {
	db       *repository.Repository
	projects repository.ProjectRepository
	txs      repository.TransactionRepository
	rate     decimal.Decimal
	policy   retry.Policy
}

// NewTransactionService 创建捐款服务, rate 为 ETH/USD 汇率
func NewTransactionService(
	db *repository.Repository,
	projects repository.ProjectRepository,
	txs repository.TransactionRepository,
	rate decimal.Decimal,
	policy retry.Policy,
) *TransactionService {
	return &TransactionService{
		db:       db,
		projects: projects,
		txs:      txs,
		rate:     rate,
		policy:   policy,
	}
}

// Record 记录一笔捐款, 在同一事务中累加项目 amountRaised 与 contributors
func (s *TransactionService) Record(ctx context.Context, req *model.ContributionRequest) (*model.Transaction, error) {
	projectID, err := idmap.Canonical(req.ProjectID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Contributor) == "" {
		return nil, apperrors.ErrInvalidRequest.WithMessagef("contributor is required")
	}
	if strings.TrimSpace(req.TransactionHash) == "" {
		return nil, apperrors.ErrInvalidRequest.WithMessagef("transaction hash is required")
	}
	if !req.Amount.IsPositive() {
		return nil, apperrors.ErrInvalidRequest.WithMessagef("amount must be positive")
	}
	if !req.Network.IsValid() {
		return nil, apperrors.ErrInvalidRequest.WithMessagef("unsupported network %q", req.Network)
	}
	status := req.Status
	if status == "" {
		status = model.TransactionStatusConfirmed
	}
	if !status.IsValid() {
		return nil, apperrors.ErrInvalidRequest.WithMessagef("invalid status %q", req.Status)
	}

	usd := req.USDValue
	if usd.IsZero() {
		usd = model.ETHToUSD(req.Amount, s.rate)
	}

	tx := &model.Transaction{
		ProjectID:       projectID,
		Contributor:     req.Contributor,
		Amount:          req.Amount,
		USDValue:        usd,
		TransactionHash: req.TransactionHash,
		Network:         req.Network,
		Status:          status,
		GasFees:         req.GasFees,
	}

	err = s.db.TransactionWithRetry(ctx, s.policy, func(ctx context.Context) error {
		project, err := s.projects.GetByID(ctx, projectID, &repository.QueryOptions{ForUpdate: true})
		if err != nil {
			return err
		}
		raised, err := model.ParseUSD(project.AmountRaised)
		if err != nil {
			raised = decimal.Zero
		}
		total := model.FormatUSD(raised.Add(usd))
		if err := s.projects.UpdateFunding(ctx, projectID, total, project.Contributors+1); err != nil {
			return err
		}
		return s.txs.Create(ctx, tx)
	})
	switch {
	case errors.Is(err, repository.ErrProjectNotFound):
		return nil, apperrors.ErrProjectNotFound.WithDetail("id", projectID)
	case errors.Is(err, repository.ErrTransactionExists):
		return nil, apperrors.ErrConflict.WithMessagef("transaction %s already recorded", req.TransactionHash)
	case err != nil:
		return nil, apperrors.Wrap(apperrors.ErrPersistence, err)
	}

	logger.WithContext(ctx).Info("contribution recorded",
		zap.String("project_id", projectID),
		zap.String("tx_hash", tx.TransactionHash),
		zap.String("amount", tx.Amount.String()),
		zap.String("usd_value", tx.USDValue.StringFixed(2)))
	return tx, nil
}

// List 按创建时间倒序查询
func (s *TransactionService) List(ctx context.Context, filter *model.TransactionFilter, page *repository.Pagination) ([]*model.Transaction, error) {
	if filter != nil && filter.ProjectID != "" {
		id, err := idmap.Canonical(filter.ProjectID)
		if err != nil {
			return nil, err
		}
		filter.ProjectID = id
	}
	txs, err := s.txs.List(ctx, filter, page)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, err)
	}
	return txs, nil
}
