package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/pharovest/pharovest-chain/pkg/logger"
)

// HealthCheck 单项依赖检查
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
	// Critical 失败时服务整体不可用
	Critical bool
}

// HealthStatus 健康检查结果
type HealthStatus struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// HealthHandler HTTP /health 与 gRPC 健康服务
type HealthHandler struct {
	service string
	checks  []HealthCheck
	grpc    *health.Server
	timeout time.Duration

	mu      sync.RWMutex
	serving bool
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(service string, grpcHealth *health.Server, checks ...HealthCheck) *HealthHandler {
	return &HealthHandler{
		service: service,
		checks:  checks,
		grpc:    grpcHealth,
		timeout: 3 * time.Second,
	}
}

// Refresh 执行全部检查并同步 gRPC 服务状态
func (h *HealthHandler) Refresh(ctx context.Context) *HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	result := &HealthStatus{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	serving := true
	for _, check := range h.checks {
		if err := check.Check(ctx); err != nil {
			result.Checks[check.Name] = err.Error()
			if check.Critical {
				serving = false
			}
			continue
		}
		result.Checks[check.Name] = "ok"
	}
	if !serving {
		result.Status = "unavailable"
	}

	h.mu.Lock()
	changed := h.serving != serving
	h.serving = serving
	h.mu.Unlock()

	if h.grpc != nil {
		status := healthpb.HealthCheckResponse_SERVING
		if !serving {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		h.grpc.SetServingStatus("", status)
		h.grpc.SetServingStatus(h.service, status)
	}
	if changed {
		logger.Info("health status changed",
			zap.Bool("serving", serving),
			zap.Any("checks", result.Checks))
	}

	return result
}

// Watch 周期刷新, ctx 取消后退出
func (h *HealthHandler) Watch(ctx context.Context, interval time.Duration) {
	h.Refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Refresh(ctx)
		}
	}
}

// Health HTTP 健康检查
// @Router /health [get]
func (h *HealthHandler) Health(c *gin.Context) {
	result := h.Refresh(c.Request.Context())
	if result.Status != "ok" {
		c.JSON(http.StatusServiceUnavailable, Response{
			Code:    http.StatusServiceUnavailable,
			Message: "service unavailable",
			Data:    result,
		})
		return
	}
	Success(c, result)
}
