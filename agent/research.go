// ====== 研究阶段 ======
// 三路并发取证：多查询 RAG（必需）、外部网页检索、知识图谱细分洞察。
// 网页与图谱失败只降级为警告，RAG 失败导致整个阶段失败。
// 产出确定性的、按来源分段拼接的背景上下文。

package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/churnsight/rag"
	"github.com/BaSui01/churnsight/types"
)

const (
	researchK          = 10 // 研究阶段 RAG 取证条数
	webResultsPerQuery = 2
	segmentTopN        = 5 // 细分洞察里原因与竞品各取前几项
)

// ResearchOutput 研究阶段产物
type ResearchOutput struct {
	BackgroundContext string                `json:"background_context"`
	Evidence          []rag.RetrievedChunk  `json:"evidence"`
	WebResults        []rag.WebSearchResult `json:"web_results,omitempty"`
	SegmentInsights   []string              `json:"segment_insights,omitempty"`
	Warnings          []string              `json:"warnings,omitempty"`
}

// ResearchTeam 研究阶段执行器。web 与 graph 可为 nil，对应通道直接跳过。
type ResearchTeam struct {
	retriever rag.Retriever
	web       rag.WebSearchProvider
	graph     *rag.ChurnGraph
	logger    *zap.Logger
}

func NewResearchTeam(retriever rag.Retriever, web rag.WebSearchProvider, graph *rag.ChurnGraph, logger *zap.Logger) *ResearchTeam {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResearchTeam{
		retriever: retriever,
		web:       web,
		graph:     graph,
		logger:    logger.With(zap.String("component", "research")),
	}
}

// webAugmentations 外部检索的查询改写模板
var webAugmentations = []string{
	"SaaS customer churn %s",
	"customer retention best practices %s",
	"churn analysis industry trends %s",
}

// wantsWebSearch 只有竞争情报与留存策略类问题需要外部视角
func wantsWebSearch(intent Intent) bool {
	return intent == IntentCompetitiveIntel || intent == IntentRetentionStrategy
}

// Run 并发执行三路取证并合并为背景上下文。
// 内部 RAG 失败返回错误；网页与图谱失败记入 Warnings。
func (t *ResearchTeam) Run(ctx context.Context, classified ClassifiedQuery) (*ResearchOutput, error) {
	out := &ResearchOutput{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		result, err := t.retriever.Retrieve(gctx, classified.Question, researchK)
		if err != nil {
			return types.NewError(types.ErrStageFailed, "research retrieval failed").
				WithCause(err).WithStage(string(StageResearch))
		}
		mu.Lock()
		out.Evidence = result.Chunks
		mu.Unlock()
		return nil
	})

	if t.web != nil && wantsWebSearch(classified.Intent) {
		g.Go(func() error {
			results, warn := t.searchWeb(gctx, classified.Question)
			mu.Lock()
			out.WebResults = results
			if warn != "" {
				out.Warnings = append(out.Warnings, warn)
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	// 图谱洞察依赖检索到的细分，放在取证之后
	if t.graph != nil {
		insights, warn := t.segmentInsights(out.Evidence)
		out.SegmentInsights = insights
		if warn != "" {
			out.Warnings = append(out.Warnings, warn)
		}
	}

	out.BackgroundContext = buildBackgroundContext(out)

	t.logger.Info("research stage complete",
		zap.Int("evidence", len(out.Evidence)),
		zap.Int("web_results", len(out.WebResults)),
		zap.Int("segment_insights", len(out.SegmentInsights)),
		zap.Int("warnings", len(out.Warnings)))
	return out, nil
}

// searchWeb 跑三条改写查询，每条取前两个结果，任何失败都不致命
func (t *ResearchTeam) searchWeb(ctx context.Context, question string) ([]rag.WebSearchResult, string) {
	var all []rag.WebSearchResult
	var failed int
	seen := map[string]bool{}

	for _, tmpl := range webAugmentations {
		query := fmt.Sprintf(tmpl, question)
		results, err := t.web.Search(ctx, query, webResultsPerQuery)
		if err != nil {
			failed++
			t.logger.Warn("web search failed",
				zap.String("query", query), zap.Error(err))
			continue
		}
		for _, r := range results {
			if r.URL != "" && seen[r.URL] {
				continue
			}
			seen[r.URL] = true
			all = append(all, r)
		}
	}

	if failed == len(webAugmentations) {
		return nil, "web search unavailable, answer relies on internal data only"
	}
	if failed > 0 {
		return all, fmt.Sprintf("%d of %d web searches failed", failed, len(webAugmentations))
	}
	return all, ""
}

// segmentInsights 对证据中出现的细分生成图谱摘要，按细分名排序保证确定性
func (t *ResearchTeam) segmentInsights(evidence []rag.RetrievedChunk) ([]string, string) {
	segments := map[string]bool{}
	for _, chunk := range evidence {
		if seg, ok := chunk.Metadata[types.MetaSegment].(string); ok && seg != "" {
			segments[seg] = true
		}
	}
	if len(segments) == 0 {
		return nil, ""
	}

	names := make([]string, 0, len(segments))
	for seg := range segments {
		names = append(names, seg)
	}
	sort.Strings(names)

	var insights []string
	for _, seg := range names {
		desc := t.graph.DescribeSegment(seg, segmentTopN)
		if desc != "" {
			insights = append(insights, desc)
		}
	}
	if len(insights) == 0 {
		return nil, "knowledge graph returned no segment insights"
	}
	return insights, ""
}

// buildBackgroundContext 把三路来源拼接为带标记的纯文本上下文。
// 同样的输入永远产出同样的文本。
func buildBackgroundContext(out *ResearchOutput) string {
	var b strings.Builder

	if len(out.Evidence) > 0 {
		b.WriteString("=== INTERNAL CHURN CASES ===\n")
		for _, chunk := range out.Evidence {
			account, _ := chunk.Metadata[types.MetaAccountName].(string)
			segment, _ := chunk.Metadata[types.MetaSegment].(string)
			if account == "" {
				account = chunk.DocumentID
			}
			fmt.Fprintf(&b, "\n[%s - %s]\n%s\n", account, segment, chunk.Content)
		}
	}

	if len(out.SegmentInsights) > 0 {
		b.WriteString("\n=== SEGMENT INSIGHTS ===\n")
		for _, insight := range out.SegmentInsights {
			b.WriteString("\n" + insight + "\n")
		}
	}

	if len(out.WebResults) > 0 {
		b.WriteString("\n=== EXTERNAL SOURCES ===\n")
		for _, r := range out.WebResults {
			fmt.Fprintf(&b, "\n[%s](%s)\n%s\n", r.Title, r.URL, r.Content)
		}
	}

	return strings.TrimSpace(b.String())
}
