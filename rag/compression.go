// ====== contextual_compression 策略 ======
// 先超额召回，再让 LLM 从每个块中抽取与查询直接相关的句子。
// 抽取结果为空的块被丢弃，所以压缩后结果可能比 k 少，甚至为空。

package rag

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/churnsight/llm/embedding"
)

// 模型用这个标记表示块里没有相关内容
const notRelevantMarker = "NOT_RELEVANT"

// CompressionRetriever 上下文压缩检索器
type CompressionRetriever struct {
	index    *ChunkIndex
	embedder embedding.Provider
	queryLLM QueryLLM
	logger   *zap.Logger
}

// NewCompressionRetriever 创建 contextual_compression 检索器
func NewCompressionRetriever(index *ChunkIndex, embedder embedding.Provider, queryLLM QueryLLM, logger *zap.Logger) *CompressionRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CompressionRetriever{
		index:    index,
		embedder: embedder,
		queryLLM: queryLLM,
		logger:   logger.With(zap.String("component", "retriever"), zap.String("strategy", string(StrategyCompression))),
	}
}

func (r *CompressionRetriever) Strategy() Strategy { return StrategyCompression }

func (r *CompressionRetriever) Retrieve(ctx context.Context, query string, k int) (*RetrievalResult, error) {
	start := time.Now()
	if k <= 0 {
		return nil, invalidK()
	}

	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	candidates := 2 * k
	if candidates < 10 {
		candidates = 10
	}
	scored, err := r.index.SearchChildren(ctx, vec, candidates, nil)
	if err != nil {
		return nil, err
	}

	compressed := make([]string, len(scored))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, s := range scored {
		i, s := i, s
		g.Go(func() error {
			extract, err := r.compress(gctx, query, s.Chunk.Content)
			if err != nil {
				return err
			}
			mu.Lock()
			compressed[i] = extract
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	chunks := make([]RetrievedChunk, 0, k)
	dropped := 0
	for i, s := range scored {
		if compressed[i] == "" {
			dropped++
			continue
		}
		chunks = append(chunks, RetrievedChunk{
			ChunkID:    s.Chunk.ID,
			ParentID:   s.Chunk.ParentID,
			DocumentID: s.Chunk.DocumentID,
			Content:    compressed[i],
			Score:      s.Score,
			Metadata:   s.Chunk.Metadata,
		})
		if len(chunks) >= k {
			break
		}
	}

	r.logger.Debug("compression retrieval complete",
		zap.Int("candidates", len(scored)),
		zap.Int("dropped", dropped),
		zap.Int("kept", len(chunks)))

	return &RetrievalResult{
		Strategy: StrategyCompression,
		Query:    query,
		Chunks:   chunks,
		Duration: time.Since(start),
	}, nil
}

// compress 抽取块中与查询相关的内容，不相关时返回空串
func (r *CompressionRetriever) compress(ctx context.Context, query, content string) (string, error) {
	prompt := fmt.Sprintf(`Extract only the sentences from the context that are directly relevant to answering the query.
Do not paraphrase or add anything. If nothing in the context is relevant, respond with exactly %s.

Query: %s

Context:
%s

Relevant sentences:`, notRelevantMarker, query, content)

	response, err := r.queryLLM.Complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	response = strings.TrimSpace(response)
	if response == "" || strings.EqualFold(response, notRelevantMarker) {
		return "", nil
	}
	return response, nil
}
