package rag

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/churnsight/llm/embedding"
	"github.com/BaSui01/churnsight/llm/rerank"
	"github.com/BaSui01/churnsight/types"
)

// stubEmbedder 确定性的嵌入桩：按关键词出现次数生成向量，
// 含相同关键词的文本彼此相似
type stubEmbedder struct {
	embedCalls atomic.Int64
	lastDocs   []string
}

var stubAxes = []string{"pricing", "support", "competitor", "onboarding"}

func stubVector(text string) []float64 {
	lower := strings.ToLower(text)
	vec := make([]float64, len(stubAxes)+1)
	vec[len(stubAxes)] = 0.1 // 保证非零
	for i, axis := range stubAxes {
		vec[i] = float64(strings.Count(lower, axis))
	}
	return vec
}

func (s *stubEmbedder) Embed(ctx context.Context, req *embedding.EmbeddingRequest) (*embedding.EmbeddingResponse, error) {
	data := make([]embedding.EmbeddingData, len(req.Input))
	for i, text := range req.Input {
		data[i] = embedding.EmbeddingData{Index: i, Embedding: stubVector(text)}
	}
	return &embedding.EmbeddingResponse{Provider: "stub", Embeddings: data}, nil
}

func (s *stubEmbedder) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	return stubVector(query), nil
}

func (s *stubEmbedder) EmbedDocuments(ctx context.Context, documents []string) ([][]float64, error) {
	s.embedCalls.Add(1)
	s.lastDocs = append([]string(nil), documents...)
	vectors := make([][]float64, len(documents))
	for i, doc := range documents {
		vectors[i] = stubVector(doc)
	}
	return vectors, nil
}

func (s *stubEmbedder) Name() string      { return "stub" }
func (s *stubEmbedder) Dimensions() int   { return len(stubAxes) + 1 }
func (s *stubEmbedder) MaxBatchSize() int { return 64 }

// stubQueryLLM 固定返回预设补全
type stubQueryLLM struct {
	response string
	err      error

	mu      sync.Mutex
	prompts []string
}

func (s *stubQueryLLM) Complete(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}

// stubReranker 按文本长度降序打分，长文本视为更相关
type stubReranker struct {
	calls int
}

func (s *stubReranker) Rerank(ctx context.Context, req *rerank.RerankRequest) (*rerank.RerankResponse, error) {
	s.calls++
	results := make([]rerank.RerankResult, len(req.Documents))
	for i, doc := range req.Documents {
		results[i] = rerank.RerankResult{
			Index:          i,
			RelevanceScore: float64(len(doc.Text)) / 1000.0,
			Document:       doc,
		}
	}
	// 分数降序
	for i := 0; i < len(results); i++ {
		for j := i + 1; j < len(results); j++ {
			if results[j].RelevanceScore > results[i].RelevanceScore {
				results[i], results[j] = results[j], results[i]
			}
		}
	}
	if req.TopN > 0 && len(results) > req.TopN {
		results = results[:req.TopN]
	}
	return &rerank.RerankResponse{
		Provider:  "stub",
		Results:   results,
		CreatedAt: time.Now(),
	}, nil
}

func (s *stubReranker) RerankSimple(ctx context.Context, query string, documents []string, topN int) ([]rerank.RerankResult, error) {
	docs := make([]rerank.Document, len(documents))
	for i, d := range documents {
		docs[i] = rerank.Document{Text: d}
	}
	resp, err := s.Rerank(ctx, &rerank.RerankRequest{Query: query, Documents: docs, TopN: topN})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (s *stubReranker) Name() string      { return "stub" }
func (s *stubReranker) MaxDocuments() int { return 100 }

// testChurnDocs 构造覆盖不同流失原因的测试文档集
func testChurnDocs() []types.Document {
	records := []types.ChurnRecord{
		{
			CaseID:      "case-001",
			AccountName: "Acme Corp",
			Segment:     "Enterprise",
			ChurnReason: "Pricing",
			ARRLost:     120000,
			Narrative:   "Acme cited pricing pressure repeatedly. The renewal quote exceeded budget and pricing concessions came too late.",
		},
		{
			CaseID:        "case-002",
			AccountName:   "Globex Inc",
			Segment:       "Mid-Market",
			ChurnReason:   "Support Quality",
			ARRLost:       45000,
			CompetitorWon: "RivalSoft",
			Narrative:     "Globex escalated multiple support tickets without resolution. Support response times degraded over two quarters.",
		},
		{
			CaseID:        "case-003",
			AccountName:   "Initech LLC",
			Segment:       "Enterprise",
			ChurnReason:   "Competitor",
			ARRLost:       200000,
			CompetitorWon: "RivalSoft",
			Narrative:     "Initech was approached by a competitor with aggressive bundling. The competitor offer undercut our renewal.",
		},
	}
	docs := make([]types.Document, len(records))
	for i, r := range records {
		docs[i] = r.ToDocument()
	}
	return docs
}

// buildTestIndex 用小分块参数构建测试索引
func buildTestIndex(ctx context.Context, emb embedding.Provider) (*ChunkIndex, error) {
	cfg := IndexConfig{
		Parent: ChunkingConfig{ChunkSize: 60, ChunkOverlap: 0, MinChunkSize: 5},
		Child:  ChunkingConfig{ChunkSize: 20, ChunkOverlap: 0, MinChunkSize: 3},
	}
	index := NewChunkIndex(cfg, &SimpleTokenizer{}, emb, nil, zap.NewNop())
	if err := index.Build(ctx, testChurnDocs()); err != nil {
		return nil, err
	}
	return index, nil
}
