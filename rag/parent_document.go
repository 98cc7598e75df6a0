// ====== parent_document 策略 ======
// 用小粒度子块做相似度匹配，返回其所属的大粒度父块作为上下文。
// 多个子块命中同一父块时去重，父块分数取命中子块的最高分。

package rag

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/churnsight/llm/embedding"
)

// ParentDocumentRetriever 父文档检索器
type ParentDocumentRetriever struct {
	index    *ChunkIndex
	embedder embedding.Provider
	logger   *zap.Logger
}

// NewParentDocumentRetriever 创建 parent_document 检索器
func NewParentDocumentRetriever(index *ChunkIndex, embedder embedding.Provider, logger *zap.Logger) *ParentDocumentRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ParentDocumentRetriever{
		index:    index,
		embedder: embedder,
		logger:   logger.With(zap.String("component", "retriever"), zap.String("strategy", string(StrategyParentDocument))),
	}
}

func (r *ParentDocumentRetriever) Strategy() Strategy { return StrategyParentDocument }

func (r *ParentDocumentRetriever) Retrieve(ctx context.Context, query string, k int) (*RetrievalResult, error) {
	start := time.Now()
	if k <= 0 {
		return nil, invalidK()
	}

	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	// 多取一些子块，去重后仍可能凑满 k 个父块
	scored, err := r.index.SearchChildren(ctx, vec, k*3, nil)
	if err != nil {
		return nil, err
	}

	best := make(map[string]RetrievedChunk)
	var order []string
	for _, s := range scored {
		parent, err := r.index.Parent(s.Chunk.ID)
		if err != nil {
			r.logger.Warn("child has no resolvable parent, skipping",
				zap.String("chunk_id", s.Chunk.ID),
				zap.Error(err))
			continue
		}
		if existing, ok := best[parent.ID]; ok {
			if s.Score > existing.Score {
				existing.Score = s.Score
				best[parent.ID] = existing
			}
			continue
		}
		best[parent.ID] = RetrievedChunk{
			ChunkID:    parent.ID,
			DocumentID: parent.DocumentID,
			Content:    parent.Content,
			Score:      s.Score,
			Metadata:   parent.Metadata,
		}
		order = append(order, parent.ID)
	}

	parents := make([]RetrievedChunk, 0, len(order))
	for _, id := range order {
		parents = append(parents, best[id])
	}
	sort.SliceStable(parents, func(a, b int) bool { return parents[a].Score > parents[b].Score })
	if len(parents) > k {
		parents = parents[:k]
	}

	r.logger.Debug("parent-document retrieval complete",
		zap.Int("children", len(scored)),
		zap.Int("parents", len(parents)))

	return &RetrievalResult{
		Strategy: StrategyParentDocument,
		Query:    query,
		Chunks:   parents,
		Duration: time.Since(start),
	}, nil
}
