// ====== multi_query 策略 ======
// 用 LLM 把原始查询改写成多个表述，各自检索后按 chunk_id 去重合并，
// 同一块保留最高分。改写失败时退化为仅用原始查询。

package rag

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/churnsight/llm/embedding"
)

var numberedLinePattern = regexp.MustCompile(`^\d+[\.\)]\s*`)

// MultiQueryRetriever 多查询改写检索器
type MultiQueryRetriever struct {
	index      *ChunkIndex
	embedder   embedding.Provider
	queryLLM   QueryLLM
	expansions int
	logger     *zap.Logger
}

// NewMultiQueryRetriever 创建 multi_query 检索器。expansions 是改写数量，
// 不含原始查询。
func NewMultiQueryRetriever(index *ChunkIndex, embedder embedding.Provider, queryLLM QueryLLM, expansions int, logger *zap.Logger) *MultiQueryRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	if expansions <= 0 {
		expansions = 3
	}
	return &MultiQueryRetriever{
		index:      index,
		embedder:   embedder,
		queryLLM:   queryLLM,
		expansions: expansions,
		logger:     logger.With(zap.String("component", "retriever"), zap.String("strategy", string(StrategyMultiQuery))),
	}
}

func (r *MultiQueryRetriever) Strategy() Strategy { return StrategyMultiQuery }

func (r *MultiQueryRetriever) Retrieve(ctx context.Context, query string, k int) (*RetrievalResult, error) {
	start := time.Now()
	if k <= 0 {
		return nil, invalidK()
	}

	queries := r.expand(ctx, query)

	type queryHits struct {
		order int
		hits  []ScoredChild
	}

	var (
		mu      sync.Mutex
		results []queryHits
	)
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			vec, err := r.embedder.EmbedQuery(gctx, q)
			if err != nil {
				return err
			}
			hits, err := r.index.SearchChildren(gctx, vec, k, nil)
			if err != nil {
				return err
			}
			mu.Lock()
			results = append(results, queryHits{order: i, hits: hits})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// 按查询顺序合并，保证同分块的首见顺序稳定
	sort.Slice(results, func(a, b int) bool { return results[a].order < results[b].order })

	best := make(map[string]RetrievedChunk)
	var order []string
	for _, qh := range results {
		for _, s := range qh.hits {
			if existing, ok := best[s.Chunk.ID]; ok {
				if s.Score > existing.Score {
					existing.Score = s.Score
					best[s.Chunk.ID] = existing
				}
				continue
			}
			best[s.Chunk.ID] = RetrievedChunk{
				ChunkID:    s.Chunk.ID,
				ParentID:   s.Chunk.ParentID,
				DocumentID: s.Chunk.DocumentID,
				Content:    s.Chunk.Content,
				Score:      s.Score,
				Metadata:   s.Chunk.Metadata,
			}
			order = append(order, s.Chunk.ID)
		}
	}

	// 返回完整去重并集，不按 k 截断：该策略偏召回，
	// k 只控制每条改写查询的单次检索宽度
	merged := make([]RetrievedChunk, 0, len(order))
	for _, id := range order {
		merged = append(merged, best[id])
	}
	sort.SliceStable(merged, func(a, b int) bool { return merged[a].Score > merged[b].Score })

	r.logger.Debug("multi-query retrieval complete",
		zap.Int("queries", len(queries)),
		zap.Int("merged", len(merged)))

	return &RetrievalResult{
		Strategy: StrategyMultiQuery,
		Query:    query,
		Expanded: queries[1:],
		Chunks:   merged,
		Duration: time.Since(start),
	}, nil
}

// expand 生成改写查询。第一个元素始终是原始查询。
func (r *MultiQueryRetriever) expand(ctx context.Context, query string) []string {
	prompt := fmt.Sprintf(`Generate %d alternative search queries for the following query.
Each alternative should capture different aspects or phrasings of the same information need.
Return only the queries, one per line.

Original query: %s

Alternative queries:`, r.expansions, query)

	response, err := r.queryLLM.Complete(ctx, prompt)
	if err != nil {
		r.logger.Warn("query expansion failed, falling back to original query", zap.Error(err))
		return []string{query}
	}

	queries := []string{query}
	for _, line := range strings.Split(strings.TrimSpace(response), "\n") {
		line = strings.TrimSpace(line)
		line = numberedLinePattern.ReplaceAllString(line, "")
		if line != "" && line != query {
			queries = append(queries, line)
		}
		if len(queries) >= r.expansions+1 {
			break
		}
	}
	return queries
}
