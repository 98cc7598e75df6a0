package handlers

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/churnsight/agent"
	"github.com/BaSui01/churnsight/internal/metrics"
	"github.com/BaSui01/churnsight/rag"
	"github.com/BaSui01/churnsight/types"
)

// =============================================================================
// 📦 请求/响应结构
// =============================================================================

// RetrieveRequest 直接检索请求
type RetrieveRequest struct {
	Query    string              `json:"query"`
	Strategy string              `json:"strategy,omitempty"`
	K        int                 `json:"k,omitempty"`
	Filter   *rag.MetadataFilter `json:"filter,omitempty"`
}

const (
	defaultRetrieveK = 5
	maxRetrieveK     = 50
)

// =============================================================================
// 🎯 检索处理器
// =============================================================================

// RetrieveHandler 暴露检索层，用于调试与评估各策略的召回质量
type RetrieveHandler struct {
	retrievers agent.RetrieverFactory
	collector  *metrics.Collector
	logger     *zap.Logger
}

// NewRetrieveHandler 创建检索处理器。collector 可为 nil。
func NewRetrieveHandler(retrievers agent.RetrieverFactory, collector *metrics.Collector, logger *zap.Logger) *RetrieveHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetrieveHandler{
		retrievers: retrievers,
		collector:  collector,
		logger:     logger,
	}
}

// HandleRetrieve 处理 POST /v1/retrieve
func (h *RetrieveHandler) HandleRetrieve(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost, h.logger) {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req RetrieveRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	query := strings.TrimSpace(req.Query)
	if query == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "query is required"), h.logger)
		return
	}

	strategyName := req.Strategy
	if strategyName == "" {
		strategyName = string(rag.StrategyNaive)
	}
	strategy, err := rag.ParseStrategy(strategyName)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	k := req.K
	if k <= 0 {
		k = defaultRetrieveK
	}
	if k > maxRetrieveK {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "k exceeds maximum of 50"), h.logger)
		return
	}

	// 元数据过滤只在 naive 策略的单次向量查询上生效，
	// 多查询与重排策略会丢失过滤语义
	hasFilter := req.Filter != nil && !req.Filter.IsZero()
	if hasFilter && strategy != rag.StrategyNaive {
		WriteError(w, types.NewError(types.ErrInvalidRequest,
			"metadata filter requires the naive strategy"), h.logger)
		return
	}

	retriever, err := h.retrievers(strategy)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	start := time.Now()
	result, err := h.retrieve(r, retriever, query, k, req.Filter, hasFilter)
	if err != nil {
		h.recordRetrieval(strategy, "error", 0, time.Since(start))
		WriteAnyError(w, err, h.logger)
		return
	}

	h.recordRetrieval(strategy, "success", len(result.Chunks), time.Since(start))
	h.logger.Debug("retrieval completed",
		zap.String("strategy", string(strategy)),
		zap.Int("k", k),
		zap.Int("hits", len(result.Chunks)),
	)

	WriteSuccess(w, result)
}

func (h *RetrieveHandler) retrieve(r *http.Request, retriever rag.Retriever, query string, k int, filter *rag.MetadataFilter, hasFilter bool) (*rag.RetrievalResult, error) {
	if hasFilter {
		naive, ok := retriever.(*rag.NaiveRetriever)
		if !ok {
			return nil, types.NewError(types.ErrInvalidRequest,
				"metadata filter requires the naive strategy")
		}
		return naive.RetrieveFiltered(r.Context(), query, k, filter)
	}
	return retriever.Retrieve(r.Context(), query, k)
}

func (h *RetrieveHandler) recordRetrieval(strategy rag.Strategy, status string, hits int, duration time.Duration) {
	if h.collector == nil {
		return
	}
	h.collector.RecordRetrieval(string(strategy), status, hits, duration)
}
