// ====== 检索策略契约 ======
// 五种检索策略共享同一个 Retriever 接口：输入查询与 k，输出按分数
// 降序排列的去重结果。空结果是合法状态而不是错误。

package rag

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/churnsight/llm/embedding"
	"github.com/BaSui01/churnsight/llm/rerank"
	"github.com/BaSui01/churnsight/types"
)

// Strategy 检索策略标识
type Strategy string

const (
	StrategyNaive          Strategy = "naive"
	StrategyMultiQuery     Strategy = "multi_query"
	StrategyParentDocument Strategy = "parent_document"
	StrategyCompression    Strategy = "contextual_compression"
	StrategyReranking      Strategy = "reranking"
)

// ParseStrategy 解析策略名，未知名称返回 INVALID_REQUEST
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(name) {
	case StrategyNaive, StrategyMultiQuery, StrategyParentDocument,
		StrategyCompression, StrategyReranking:
		return Strategy(name), nil
	default:
		return "", types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("unknown retrieval strategy: %q", name)).
			WithHTTPStatus(400)
	}
}

// RetrievedChunk 检索结果中的一条：携带来源定位信息与相似度分数
type RetrievedChunk struct {
	ChunkID    string         `json:"chunk_id"`
	ParentID   string         `json:"parent_id,omitempty"`
	DocumentID string         `json:"document_id"`
	Content    string         `json:"content"`
	Score      float64        `json:"score"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// RetrievalResult 一次检索的完整输出
type RetrievalResult struct {
	Strategy Strategy         `json:"strategy"`
	Query    string           `json:"query"`
	Expanded []string         `json:"expanded_queries,omitempty"`
	Chunks   []RetrievedChunk `json:"chunks"`
	Duration time.Duration    `json:"duration"`
}

// Empty 表示检索没有命中任何内容。这是有效状态：上层用它降低置信度，
// 而不是当作失败处理。
func (r *RetrievalResult) Empty() bool {
	return len(r.Chunks) == 0
}

// Retriever 检索策略的统一契约
type Retriever interface {
	// Retrieve 返回至多 k 条按分数降序排列、按 chunk_id 去重的结果.
	Retrieve(ctx context.Context, query string, k int) (*RetrievalResult, error)

	// Strategy 返回本检索器实现的策略标识.
	Strategy() Strategy
}

// QueryLLM 查询改写与压缩所需的最小 LLM 能力
type QueryLLM interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// RetrieverDeps 构造检索器所需的依赖集合。index 与 embedder 必选；
// queryLLM 与 reranker 只有对应策略需要。
type RetrieverDeps struct {
	Index    *ChunkIndex
	Embedder embedding.Provider
	QueryLLM QueryLLM
	Reranker rerank.Provider
	Config   RetrievalConfig
	Logger   *zap.Logger
}

// RetrievalConfig 检索参数
type RetrievalConfig struct {
	MultiQueryCount  int // 改写生成的查询数（不含原始查询）
	RerankCandidates int // 重排序策略的初筛候选数
}

// DefaultRetrievalConfig 返回默认检索参数
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		MultiQueryCount:  3,
		RerankCandidates: 15,
	}
}

// NewRetriever 按策略构造检索器，缺少该策略必需的依赖时返回错误
func NewRetriever(strategy Strategy, deps RetrieverDeps) (Retriever, error) {
	if deps.Index == nil || deps.Embedder == nil {
		return nil, types.NewError(types.ErrInvalidRequest,
			"retriever requires an index and an embedding provider")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Config.MultiQueryCount <= 0 {
		deps.Config.MultiQueryCount = DefaultRetrievalConfig().MultiQueryCount
	}
	if deps.Config.RerankCandidates <= 0 {
		deps.Config.RerankCandidates = DefaultRetrievalConfig().RerankCandidates
	}

	switch strategy {
	case StrategyNaive:
		return NewNaiveRetriever(deps.Index, deps.Embedder, deps.Logger), nil
	case StrategyMultiQuery:
		if deps.QueryLLM == nil {
			return nil, types.NewError(types.ErrInvalidRequest,
				"multi_query strategy requires a query rewriting LLM")
		}
		return NewMultiQueryRetriever(deps.Index, deps.Embedder, deps.QueryLLM,
			deps.Config.MultiQueryCount, deps.Logger), nil
	case StrategyParentDocument:
		return NewParentDocumentRetriever(deps.Index, deps.Embedder, deps.Logger), nil
	case StrategyCompression:
		if deps.QueryLLM == nil {
			return nil, types.NewError(types.ErrInvalidRequest,
				"contextual_compression strategy requires an extraction LLM")
		}
		return NewCompressionRetriever(deps.Index, deps.Embedder, deps.QueryLLM, deps.Logger), nil
	case StrategyReranking:
		if deps.Reranker == nil {
			return nil, types.NewError(types.ErrInvalidRequest,
				"reranking strategy requires a rerank provider")
		}
		return NewRerankingRetriever(deps.Index, deps.Embedder, deps.Reranker,
			deps.Config.RerankCandidates, deps.Logger), nil
	default:
		return nil, types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("unknown retrieval strategy: %q", strategy))
	}
}

// ====== naive 策略 ======

// NaiveRetriever 单查询向量检索：嵌入查询后直接取 top-k 子块
type NaiveRetriever struct {
	index    *ChunkIndex
	embedder embedding.Provider
	logger   *zap.Logger
}

// NewNaiveRetriever 创建 naive 检索器
func NewNaiveRetriever(index *ChunkIndex, embedder embedding.Provider, logger *zap.Logger) *NaiveRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NaiveRetriever{
		index:    index,
		embedder: embedder,
		logger:   logger.With(zap.String("component", "retriever"), zap.String("strategy", string(StrategyNaive))),
	}
}

func (r *NaiveRetriever) Strategy() Strategy { return StrategyNaive }

func (r *NaiveRetriever) Retrieve(ctx context.Context, query string, k int) (*RetrievalResult, error) {
	return r.RetrieveFiltered(ctx, query, k, nil)
}

// RetrieveFiltered 带元数据过滤的检索。filter 为 nil 时等价于 Retrieve。
func (r *NaiveRetriever) RetrieveFiltered(ctx context.Context, query string, k int, filter *MetadataFilter) (*RetrievalResult, error) {
	start := time.Now()
	if k <= 0 {
		return nil, invalidK()
	}

	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	scored, err := r.index.SearchChildren(ctx, vec, k, filter)
	if err != nil {
		return nil, err
	}

	result := &RetrievalResult{
		Strategy: StrategyNaive,
		Query:    query,
		Chunks:   scoredToChunks(scored),
		Duration: time.Since(start),
	}
	r.logger.Debug("retrieval complete",
		zap.Int("k", k),
		zap.Int("hits", len(result.Chunks)))
	return result, nil
}

func invalidK() error {
	return types.NewError(types.ErrInvalidRequest, "k must be positive").WithHTTPStatus(400)
}

func scoredToChunks(scored []ScoredChild) []RetrievedChunk {
	chunks := make([]RetrievedChunk, 0, len(scored))
	for _, s := range scored {
		chunks = append(chunks, RetrievedChunk{
			ChunkID:    s.Chunk.ID,
			ParentID:   s.Chunk.ParentID,
			DocumentID: s.Chunk.DocumentID,
			Content:    s.Chunk.Content,
			Score:      s.Score,
			Metadata:   s.Chunk.Metadata,
		})
	}
	return chunks
}
