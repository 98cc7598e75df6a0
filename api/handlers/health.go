package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/churnsight/internal/cache"
	"github.com/BaSui01/churnsight/rag"
	"github.com/BaSui01/churnsight/types"
)

// =============================================================================
// 📦 健康检查结构
// =============================================================================

// HealthCheck 健康检查接口
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthStatus 健康状态响应
type HealthStatus struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// =============================================================================
// 🎯 健康检查处理器
// =============================================================================

// HealthHandler 健康检查处理器
type HealthHandler struct {
	mu        sync.RWMutex
	checks    map[string]HealthCheck
	version   string
	startTime time.Time
	logger    *zap.Logger
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(version string, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		checks:    make(map[string]HealthCheck),
		version:   version,
		startTime: time.Now(),
		logger:    logger,
	}
}

// RegisterCheck 注册健康检查项
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[check.Name()] = check
}

// HandleHealthz 处理 GET /healthz（存活探针，不执行依赖检查）
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleHealth 处理 GET /health（完整健康检查）
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := HealthStatus{
		Status:    "healthy",
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Timestamp: time.Now(),
		Checks:    make(map[string]string),
	}

	h.mu.RLock()
	checks := make([]HealthCheck, 0, len(h.checks))
	for _, c := range h.checks {
		checks = append(checks, c)
	}
	h.mu.RUnlock()

	httpStatus := http.StatusOK
	for _, check := range checks {
		if err := check.Check(ctx); err != nil {
			status.Status = "degraded"
			status.Checks[check.Name()] = err.Error()
			httpStatus = http.StatusServiceUnavailable
			h.logger.Warn("health check failed",
				zap.String("check", check.Name()),
				zap.Error(err),
			)
			continue
		}
		status.Checks[check.Name()] = "ok"
	}

	WriteJSON(w, httpStatus, status)
}

// HandleReady 处理 GET /ready（就绪探针，与 /health 同样执行全部检查）
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	h.HandleHealth(w, r)
}

// HandleVersion 处理 GET /version
func (h *HealthHandler) HandleVersion(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": h.version,
		"uptime":  time.Since(h.startTime).Round(time.Second).String(),
	})
}

// =============================================================================
// 🔍 内置检查项
// =============================================================================

// IndexHealthCheck 索引就绪检查
type IndexHealthCheck struct {
	index *rag.ChunkIndex
}

// NewIndexHealthCheck 创建索引就绪检查
func NewIndexHealthCheck(index *rag.ChunkIndex) *IndexHealthCheck {
	return &IndexHealthCheck{index: index}
}

func (c *IndexHealthCheck) Name() string { return "index" }

func (c *IndexHealthCheck) Check(ctx context.Context) error {
	if c.index == nil || !c.index.Ready() {
		return types.NewError(types.ErrIndexNotReady, "chunk index has not been built")
	}
	return nil
}

// RedisHealthCheck 答案缓存连通性检查
type RedisHealthCheck struct {
	answers *cache.AnswerCache
}

// NewRedisHealthCheck 创建 Redis 检查
func NewRedisHealthCheck(answers *cache.AnswerCache) *RedisHealthCheck {
	return &RedisHealthCheck{answers: answers}
}

func (c *RedisHealthCheck) Name() string { return "redis" }

func (c *RedisHealthCheck) Check(ctx context.Context) error {
	if c.answers == nil {
		return nil
	}
	return c.answers.Ping(ctx)
}

// =============================================================================
// 📊 统计信息处理器
// =============================================================================

// StatsResponse 索引与图谱统计
type StatsResponse struct {
	Index rag.IndexStats `json:"index"`
	Graph rag.GraphStats `json:"graph"`
}

// StatsHandler 统计信息处理器
type StatsHandler struct {
	index  *rag.ChunkIndex
	graph  *rag.ChurnGraph
	logger *zap.Logger
}

// NewStatsHandler 创建统计信息处理器
func NewStatsHandler(index *rag.ChunkIndex, graph *rag.ChurnGraph, logger *zap.Logger) *StatsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsHandler{index: index, graph: graph, logger: logger}
}

// HandleStats 处理 GET /v1/stats
func (h *StatsHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, h.logger) {
		return
	}
	if h.index == nil || !h.index.Ready() {
		WriteError(w, types.NewError(types.ErrIndexNotReady, "chunk index has not been built"), h.logger)
		return
	}

	resp := StatsResponse{Index: h.index.Stats()}
	if h.graph != nil {
		resp.Graph = h.graph.Stats()
	}
	WriteSuccess(w, resp)
}
