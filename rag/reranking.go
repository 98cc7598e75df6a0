// ====== reranking 策略 ======
// 先向量初筛更多候选，再交给交叉编码器重排序取 top-k。
// 重排序只改变顺序与分数，候选集合不变。

package rag

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/churnsight/llm/embedding"
	"github.com/BaSui01/churnsight/llm/rerank"
)

// RerankingRetriever 重排序检索器
type RerankingRetriever struct {
	index      *ChunkIndex
	embedder   embedding.Provider
	reranker   rerank.Provider
	candidates int
	logger     *zap.Logger
}

// NewRerankingRetriever 创建 reranking 检索器。candidates 是初筛候选数。
func NewRerankingRetriever(index *ChunkIndex, embedder embedding.Provider, reranker rerank.Provider, candidates int, logger *zap.Logger) *RerankingRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	if candidates <= 0 {
		candidates = 15
	}
	return &RerankingRetriever{
		index:      index,
		embedder:   embedder,
		reranker:   reranker,
		candidates: candidates,
		logger:     logger.With(zap.String("component", "retriever"), zap.String("strategy", string(StrategyReranking))),
	}
}

func (r *RerankingRetriever) Strategy() Strategy { return StrategyReranking }

func (r *RerankingRetriever) Retrieve(ctx context.Context, query string, k int) (*RetrievalResult, error) {
	start := time.Now()
	if k <= 0 {
		return nil, invalidK()
	}

	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	candidates := r.candidates
	if candidates < k {
		candidates = k
	}
	scored, err := r.index.SearchChildren(ctx, vec, candidates, nil)
	if err != nil {
		return nil, err
	}
	if len(scored) == 0 {
		return &RetrievalResult{
			Strategy: StrategyReranking,
			Query:    query,
			Chunks:   []RetrievedChunk{},
			Duration: time.Since(start),
		}, nil
	}

	docs := make([]rerank.Document, len(scored))
	for i, s := range scored {
		docs[i] = rerank.Document{ID: s.Chunk.ID, Text: s.Chunk.Content}
	}
	resp, err := r.reranker.Rerank(ctx, &rerank.RerankRequest{
		Query:     query,
		Documents: docs,
		TopN:      k,
	})
	if err != nil {
		return nil, err
	}

	chunks := make([]RetrievedChunk, 0, k)
	for _, res := range resp.Results {
		if res.Index < 0 || res.Index >= len(scored) {
			r.logger.Warn("rerank result index out of range", zap.Int("index", res.Index))
			continue
		}
		src := scored[res.Index]
		chunks = append(chunks, RetrievedChunk{
			ChunkID:    src.Chunk.ID,
			ParentID:   src.Chunk.ParentID,
			DocumentID: src.Chunk.DocumentID,
			Content:    src.Chunk.Content,
			Score:      res.RelevanceScore,
			Metadata:   src.Chunk.Metadata,
		})
		if len(chunks) >= k {
			break
		}
	}

	r.logger.Debug("reranking retrieval complete",
		zap.Int("candidates", len(scored)),
		zap.Int("returned", len(chunks)))

	return &RetrievalResult{
		Strategy: StrategyReranking,
		Query:    query,
		Chunks:   chunks,
		Duration: time.Since(start),
	}, nil
}
