package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/pharovest/pharovest-chain/internal/model"
	"github.com/pharovest/pharovest-chain/internal/repository"
	"github.com/pharovest/pharovest-chain/internal/service"
)

// ProjectService 项目服务
type ProjectService interface {
	List(ctx context.Context, page *repository.Pagination) ([]*model.Project, error)
	Get(ctx context.Context, id string) (*model.Project, error)
	Create(ctx context.Context, req *model.CreateProjectRequest) (*model.Project, error)
	ChainSnapshot(ctx context.Context, id string) (*service.ChainProject, error)
	SetBlockchainHash(ctx context.Context, id, txHash string) (*model.Project, error)
}

// ProjectHandler 项目处理器
type ProjectHandler struct {
	svc ProjectService
}

// NewProjectHandler 创建项目处理器
func NewProjectHandler(svc ProjectService) *ProjectHandler {
	return &ProjectHandler{svc: svc}
}

// List 获取项目列表
// @Router /api/v1/projects [get]
func (h *ProjectHandler) List(c *gin.Context) {
	var page repository.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		BadRequest(c, "invalid pagination")
		return
	}

	projects, err := h.svc.List(c.Request.Context(), &page)
	if err != nil {
		Fail(c, err)
		return
	}

	SuccessPaged(c, projects, page.Page, page.PageSize, page.Total)
}

// Get 获取项目详情
// @Router /api/v1/projects/{id} [get]
func (h *ProjectHandler) Get(c *gin.Context) {
	project, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, project)
}

// Create 创建项目, id 缺省时自动分配
// @Router /api/v1/projects [post]
func (h *ProjectHandler) Create(c *gin.Context) {
	var req model.CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "invalid request body")
		return
	}

	project, err := h.svc.Create(c.Request.Context(), &req)
	if err != nil {
		Fail(c, err)
		return
	}
	Created(c, project)
}

// ChainSnapshot 读取项目链上实时数据
// @Router /api/v1/projects/{id}/chain [get]
func (h *ProjectHandler) ChainSnapshot(c *gin.Context) {
	snapshot, err := h.svc.ChainSnapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, snapshot)
}

// UpdateBlockchainHash 记录项目的创建交易哈希
// @Router /api/v1/projects/{id}/blockchain-hash [post]
func (h *ProjectHandler) UpdateBlockchainHash(c *gin.Context) {
	var req model.UpdateBlockchainHashRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "invalid request body")
		return
	}

	project, err := h.svc.SetBlockchainHash(c.Request.Context(), c.Param("id"), req.BlockchainHash)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, project)
}
