package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/churnsight/agent"
	"github.com/BaSui01/churnsight/internal/cache"
	"github.com/BaSui01/churnsight/internal/metrics"
	"github.com/BaSui01/churnsight/types"
)

// =============================================================================
// 📦 请求/响应结构
// =============================================================================

// QueryRequest 问答请求
type QueryRequest struct {
	Question string `json:"question"`
	Mode     string `json:"mode,omitempty"`
}

const maxQuestionLength = 2000

// =============================================================================
// 🎯 问答处理器
// =============================================================================

// QueryHandler 处理流失分析问答请求
type QueryHandler struct {
	pipeline  *agent.Pipeline
	single    *agent.SingleAgent
	answers   *cache.AnswerCache
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewQueryHandler 创建问答处理器。answers 和 collector 可为 nil。
func NewQueryHandler(pipeline *agent.Pipeline, single *agent.SingleAgent, answers *cache.AnswerCache, collector *metrics.Collector, logger *zap.Logger) *QueryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryHandler{
		pipeline:  pipeline,
		single:    single,
		answers:   answers,
		collector: collector,
		logger:    logger,
	}
}

// HandleQuery 处理 POST /v1/query
func (h *QueryHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost, h.logger) {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req QueryRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	query, apiErr := h.buildQuery(req)
	if apiErr != nil {
		WriteError(w, apiErr, h.logger)
		return
	}

	// 缓存命中直接返回
	if cached := h.lookupCache(r.Context(), query); cached != nil {
		WriteSuccess(w, cached)
		return
	}

	start := time.Now()
	resp, err := h.dispatch(r.Context(), query)
	if err != nil {
		h.recordQuery(query.Mode, "error", time.Since(start))
		WriteAnyError(w, err, h.logger)
		return
	}

	h.recordQuery(query.Mode, "success", time.Since(start))
	h.recordResponse(resp)
	h.storeCache(r.Context(), query, resp)

	WriteSuccess(w, resp)
}

func (h *QueryHandler) buildQuery(req QueryRequest) (types.AgentQuery, *types.Error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return types.AgentQuery{}, types.NewError(types.ErrInvalidRequest, "question is required")
	}
	if len(question) > maxQuestionLength {
		return types.AgentQuery{}, types.NewError(types.ErrInvalidRequest, "question exceeds maximum length")
	}

	mode := types.Mode(req.Mode)
	if mode == "" {
		mode = types.ModeMultiAgent
	}
	switch mode {
	case types.ModeSingleStrategy, types.ModeSingleAgent, types.ModeMultiAgent:
	default:
		return types.AgentQuery{}, types.NewError(types.ErrInvalidRequest,
			"mode must be one of: single_strategy, single_agent, multi_agent")
	}

	return types.AgentQuery{Question: question, Mode: mode}, nil
}

func (h *QueryHandler) dispatch(ctx context.Context, query types.AgentQuery) (*types.Response, error) {
	if query.Mode == types.ModeMultiAgent {
		return h.pipeline.Run(ctx, query)
	}
	return h.single.Answer(ctx, query)
}

func (h *QueryHandler) lookupCache(ctx context.Context, query types.AgentQuery) *types.Response {
	if h.answers == nil {
		return nil
	}
	resp, err := h.answers.GetResponse(ctx, query.Question, query.Mode)
	if err != nil {
		if !cache.IsCacheMiss(err) {
			h.logger.Warn("answer cache lookup failed", zap.Error(err))
		}
		if h.collector != nil {
			h.collector.RecordCacheMiss("answer")
		}
		return nil
	}
	if h.collector != nil {
		h.collector.RecordCacheHit("answer")
	}
	h.logger.Debug("answer cache hit",
		zap.String("mode", string(query.Mode)),
		zap.String("request_id", resp.RequestID),
	)
	return resp
}

func (h *QueryHandler) storeCache(ctx context.Context, query types.AgentQuery, resp *types.Response) {
	if h.answers == nil || resp == nil {
		return
	}
	// 无依据的回答不缓存，索引重建后应重新回答
	if resp.Confidence == 0 {
		return
	}
	if err := h.answers.SetResponse(ctx, query.Question, query.Mode, resp, 0); err != nil {
		h.logger.Warn("answer cache store failed", zap.Error(err))
	}
}

func (h *QueryHandler) recordQuery(mode types.Mode, status string, duration time.Duration) {
	if h.collector == nil {
		return
	}
	h.collector.RecordQuery(string(mode), "all", status, duration)
}

func (h *QueryHandler) recordResponse(resp *types.Response) {
	if h.collector == nil || resp == nil {
		return
	}
	h.collector.RecordResponse(resp.Confidence, len(resp.Citations))
	for _, event := range resp.StageTrace {
		h.collector.RecordStage(event.Stage, event.Duration)
	}
}
