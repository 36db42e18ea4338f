package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pharovest/pharovest-chain/internal/middleware"
)

// Handlers 路由依赖的处理器
type Handlers struct {
	Projects     *ProjectHandler
	Transactions *TransactionHandler
	Reconcile    *ReconcileHandler
	Health       *HealthHandler
}

// NewRouter 创建 HTTP 路由
func NewRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Logger(), middleware.Metrics())

	if h.Health != nil {
		r.GET("/health", h.Health.Health)
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	if h.Projects != nil {
		projects := v1.Group("/projects")
		projects.GET("", h.Projects.List)
		projects.POST("", h.Projects.Create)
		projects.GET("/:id", h.Projects.Get)
		projects.GET("/:id/chain", h.Projects.ChainSnapshot)
		projects.POST("/:id/blockchain-hash", h.Projects.UpdateBlockchainHash)
	}
	if h.Transactions != nil {
		v1.GET("/transactions", h.Transactions.List)
		v1.POST("/transactions", h.Transactions.Record)
	}
	if h.Reconcile != nil {
		v1.POST("/reconciliations", h.Reconcile.Trigger)
		v1.GET("/reconciliations", h.Reconcile.ListRuns)
		v1.GET("/reconciliations/:runId", h.Reconcile.GetRun)
		v1.GET("/mappings", h.Reconcile.ListMappings)
	}

	return r
}
