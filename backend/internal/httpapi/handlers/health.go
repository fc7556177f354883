package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type AppInfo struct {
	Name        string
	Version     string
	Environment string
}

// Check 返回 nil 表示依赖可用
type Check func(ctx context.Context) error

type Health struct {
	info   AppInfo
	checks map[string]Check
}

// NewHealth 的 checks 以名字为键，例如 database / redis / git_service；
// 没有配置的依赖不要放进来，响应里会显示 not_configured。
func NewHealth(info AppInfo, checks map[string]Check) *Health {
	return &Health{info: info, checks: checks}
}

func (h *Health) Register(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/health", h.Liveness)
	r.GET("/api/health", h.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func (h *Health) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "Markdown Document Sync API",
		"version": h.info.Version,
		"status":  "running",
	})
}

// Liveness 只说明进程活着
func (h *Health) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"application": h.info.Name,
		"version":     h.info.Version,
		"environment": h.info.Environment,
		"timestamp":   now(),
	})
}

// Readiness 逐项检查依赖，任一失败返回 503
func (h *Health) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status, code := "healthy", http.StatusOK
	results := gin.H{}
	for _, name := range []string{"database", "redis", "git_service"} {
		if _, ok := h.checks[name]; !ok {
			results[name] = "not_configured"
		}
	}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			results[name] = "unhealthy: " + err.Error()
			status, code = "unhealthy", http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	c.JSON(code, gin.H{
		"status":      status,
		"checks":      results,
		"version":     h.info.Version,
		"environment": h.info.Environment,
		"timestamp":   now(),
	})
}
