package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/pharovest/pharovest-chain/internal/model"
	"github.com/pharovest/pharovest-chain/internal/repository"
	"github.com/pharovest/pharovest-chain/internal/service"
	apperrors "github.com/pharovest/pharovest-chain/pkg/errors"
)

// RunTrigger 后台触发对账批次
type RunTrigger interface {
	TriggerAsync(opts service.RunOptions) (string, error)
}

// ReconcileHandler 对账处理器
type ReconcileHandler struct {
	trigger  RunTrigger
	runs     repository.ReconciliationRepository
	mappings repository.MappingRepository
}

// NewReconcileHandler 创建对账处理器
func NewReconcileHandler(trigger RunTrigger, runs repository.ReconciliationRepository, mappings repository.MappingRepository) *ReconcileHandler {
	return &ReconcileHandler{
		trigger:  trigger,
		runs:     runs,
		mappings: mappings,
	}
}

// TriggerRequest 触发请求
type TriggerRequest struct {
	Resume bool `json:"resume"`
}

// TriggerResponse 触发响应
type TriggerResponse struct {
	RunID string `json:"runId"`
}

// RunDetail 批次详情
type RunDetail struct {
	Run     *model.ReconciliationRun      `json:"run"`
	Records []*model.ReconciliationRecord `json:"records"`
}

// Trigger 触发一次对账
// @Router /api/v1/reconciliations [post]
func (h *ReconcileHandler) Trigger(c *gin.Context) {
	var req TriggerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			BadRequest(c, "invalid request body")
			return
		}
	}

	runID, err := h.trigger.TriggerAsync(service.RunOptions{
		Trigger: model.RunTriggerManual,
		Resume:  req.Resume,
	})
	if err != nil {
		Fail(c, err)
		return
	}

	Accepted(c, &TriggerResponse{RunID: runID})
}

// ListRuns 批次列表
// @Router /api/v1/reconciliations [get]
func (h *ReconcileHandler) ListRuns(c *gin.Context) {
	var page repository.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		BadRequest(c, "invalid pagination")
		return
	}

	runs, err := h.runs.ListRuns(c.Request.Context(), &page)
	if err != nil {
		Fail(c, apperrors.Wrap(apperrors.ErrPersistence, err))
		return
	}

	SuccessPaged(c, runs, page.Page, page.PageSize, page.Total)
}

// GetRun 批次汇总和对账记录
// @Router /api/v1/reconciliations/{runId} [get]
func (h *ReconcileHandler) GetRun(c *gin.Context) {
	ctx := c.Request.Context()
	runID := c.Param("runId")

	run, err := h.runs.GetRun(ctx, runID)
	if errors.Is(err, repository.ErrRunNotFound) {
		Fail(c, apperrors.ErrNotFound.WithMessagef("reconciliation run %s not found", runID))
		return
	}
	if err != nil {
		Fail(c, apperrors.Wrap(apperrors.ErrPersistence, err))
		return
	}

	records, err := h.runs.ListRecords(ctx, runID)
	if err != nil {
		Fail(c, apperrors.Wrap(apperrors.ErrPersistence, err))
		return
	}

	Success(c, &RunDetail{Run: run, Records: records})
}

// ListMappings id 映射列表
// @Router /api/v1/mappings [get]
func (h *ReconcileHandler) ListMappings(c *gin.Context) {
	var page repository.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		BadRequest(c, "invalid pagination")
		return
	}

	mappings, err := h.mappings.List(c.Request.Context(), &page)
	if err != nil {
		Fail(c, apperrors.Wrap(apperrors.ErrPersistence, err))
		return
	}

	SuccessPaged(c, mappings, page.Page, page.PageSize, page.Total)
}
