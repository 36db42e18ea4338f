package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/pharovest/pharovest-chain/internal/model"
	"github.com/pharovest/pharovest-chain/internal/repository"
)

// TransactionService 捐款记录服务
type TransactionService interface {
	Record(ctx context.Context, req *model.ContributionRequest) (*model.Transaction, error)
	List(ctx context.Context, filter *model.TransactionFilter, page *repository.Pagination) ([]*model.Transaction, error)
}

// TransactionHandler 捐款记录处理器
type TransactionHandler struct {
	svc TransactionService
}

// NewTransactionHandler 创建捐款记录处理器
func NewTransactionHandler(svc TransactionService) *TransactionHandler {
	return &TransactionHandler{svc: svc}
}

// Record 记录一笔捐款
// @Router /api/v1/transactions [post]
func (h *TransactionHandler) Record(c *gin.Context) {
	var req model.ContributionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "invalid request body")
		return
	}

	tx, err := h.svc.Record(c.Request.Context(), &req)
	if err != nil {
		Fail(c, err)
		return
	}
	Created(c, tx)
}

// List 查询捐款记录
// @Router /api/v1/transactions [get]
func (h *TransactionHandler) List(c *gin.Context) {
	var page repository.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		BadRequest(c, "invalid pagination")
		return
	}

	filter := &model.TransactionFilter{
		ProjectID:   c.Query("projectId"),
		Contributor: c.Query("contributor"),
	}

	txs, err := h.svc.List(c.Request.Context(), filter, &page)
	if err != nil {
		Fail(c, err)
		return
	}

	SuccessPaged(c, txs, page.Page, page.PageSize, page.Total)
}
