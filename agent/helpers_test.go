package agent

import (
	"context"
	"strings"
	"sync"

	"github.com/BaSui01/churnsight/llm"
	"github.com/BaSui01/churnsight/rag"
	"github.com/BaSui01/churnsight/types"
	"go.uber.org/zap"
)

// scriptedProvider 按提示词关键字返回预置回复的 LLM 桩。
// 没有匹配脚本时返回 fallback。
type scriptedProvider struct {
	mu       sync.Mutex
	scripts  map[string]string // 提示词包含 key 时返回 value
	fallback string
	err      error
	calls    []string
}

func (p *scriptedProvider) Completion(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	prompt := ""
	for _, m := range req.Messages {
		prompt += m.Content + "\n"
	}
	p.mu.Lock()
	p.calls = append(p.calls, prompt)
	p.mu.Unlock()

	if p.err != nil {
		return nil, p.err
	}
	reply := p.fallback
	for key, value := range p.scripts {
		if strings.Contains(prompt, key) {
			reply = value
			break
		}
	}
	return &llm.ChatResponse{
		Choices: []llm.ChatChoice{{Message: llm.Message{Role: llm.RoleAssistant, Content: reply}}},
	}, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// stubRetriever 返回固定结果的检索器桩
type stubRetriever struct {
	strategy rag.Strategy
	chunks   []rag.RetrievedChunk
	err      error
	calls    int
}

func (r *stubRetriever) Strategy() rag.Strategy { return r.strategy }

func (r *stubRetriever) Retrieve(_ context.Context, query string, k int) (*rag.RetrievalResult, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	chunks := r.chunks
	if len(chunks) > k {
		chunks = chunks[:k]
	}
	return &rag.RetrievalResult{Strategy: r.strategy, Query: query, Chunks: chunks}, nil
}

// stubWebSearch 网页检索桩
type stubWebSearch struct {
	results []rag.WebSearchResult
	err     error
	queries []string
}

func (w *stubWebSearch) Name() string { return "stub-web" }

func (w *stubWebSearch) Search(_ context.Context, query string, maxResults int) ([]rag.WebSearchResult, error) {
	w.queries = append(w.queries, query)
	if w.err != nil {
		return nil, w.err
	}
	results := w.results
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}

func testEvidence() []rag.RetrievedChunk {
	return []rag.RetrievedChunk{
		{
			ChunkID:    "c_acme01",
			ParentID:   "p_acme01",
			DocumentID: "UC-001",
			Content:    "Acme Corp churned over pricing disputes losing $120000 in annual revenue after renewal negotiations stalled.",
			Score:      0.91,
			Metadata: map[string]any{
				types.MetaAccountName: "Acme Corp",
				types.MetaSegment:     "Enterprise",
				types.MetaChurnReason: "Pricing",
			},
		},
		{
			ChunkID:    "c_globex01",
			ParentID:   "p_globex01",
			DocumentID: "UC-002",
			Content:    "Globex reported slow support response times and switched to RivalSoft, taking $45000 of ARR.",
			Score:      0.84,
			Metadata: map[string]any{
				types.MetaAccountName: "Globex",
				types.MetaSegment:     "Mid-Market",
				types.MetaChurnReason: "Support Quality",
			},
		},
	}
}

func testGraph() *rag.ChurnGraph {
	g := rag.NewChurnGraph(zap.NewNop())
	g.BuildFromRecords([]types.ChurnRecord{
		{CaseID: "UC-001", AccountName: "Acme Corp", Segment: "Enterprise", ChurnReason: "Pricing", ARRLost: 120000, TenureMonths: 24},
		{CaseID: "UC-002", AccountName: "Globex", Segment: "Mid-Market", ChurnReason: "Support Quality", ARRLost: 45000, CompetitorWon: "RivalSoft"},
		{CaseID: "UC-003", AccountName: "Initech", Segment: "Enterprise", ChurnReason: "Pricing", ARRLost: 200000, TenureMonths: 36},
	})
	return g
}

// draftWithFacts 含可核对事实的草稿文本
func draftWithFacts() string {
	return "## Overview\nEnterprise churn concentrates on pricing disputes.\n\n" +
		"## Key Findings\nAcme Corp churned over pricing disputes losing $120000 in annual revenue. " +
		"Globex reported slow support response and switched to RivalSoft with $45000 ARR lost.\n\n" +
		"## Recommendations\nWe recommend proactive renewal outreach.\n\n## Conclusion\nPricing drives the losses."
}
