// ====== 流失知识图 ======
// 从流失记录构建内存知识图：客户、细分、流失原因、竞争对手四类节点，
// 用于回答向量检索不擅长的聚合类问题（某细分的主要流失原因、
// 流向哪些竞争对手等）。

package rag

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/churnsight/types"
)

// 节点类型
const (
	NodeCustomer   = "Customer"
	NodeSegment    = "Segment"
	NodeReason     = "ChurnReason"
	NodeCompetitor = "Competitor"
)

// 关系类型
const (
	RelBelongsTo    = "BELONGS_TO"     // Customer -> Segment
	RelChurnedDueTo = "CHURNED_DUE_TO" // Customer -> ChurnReason
	RelSwitchedTo   = "SWITCHED_TO"    // Customer -> Competitor
)

// GraphNode 知识图节点
type GraphNode struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Label      string         `json:"label"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// GraphEdge 节点间的有向关系
type GraphEdge struct {
	ID       string `json:"id"`
	Source   string `json:"source"`
	Target   string `json:"target"`
	Relation string `json:"relation"`
}

// GraphStats 图规模统计
type GraphStats struct {
	Nodes       int            `json:"nodes"`
	Edges       int            `json:"edges"`
	NodesByType map[string]int `json:"nodes_by_type"`
}

// SegmentPattern 某细分的流失模式聚合
type SegmentPattern struct {
	Segment        string         `json:"segment"`
	CustomerCount  int            `json:"customer_count"`
	TopReasons     []PatternCount `json:"top_reasons"`
	TopCompetitors []PatternCount `json:"top_competitors"`
	AvgTenure      float64        `json:"avg_tenure_months"`
	AvgARRLost     float64        `json:"avg_arr_lost"`
	TotalARRLost   float64        `json:"total_arr_lost"`
}

// PatternCount 带计数的聚合项
type PatternCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// ChurnGraph 流失知识图，构建后只读，查询并发安全
type ChurnGraph struct {
	nodes    map[string]*GraphNode
	edges    map[string]*GraphEdge
	outEdges map[string][]string
	inEdges  map[string][]string
	logger   *zap.Logger
	mu       sync.RWMutex
}

// NewChurnGraph 创建空图
func NewChurnGraph(logger *zap.Logger) *ChurnGraph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChurnGraph{
		nodes:    make(map[string]*GraphNode),
		edges:    make(map[string]*GraphEdge),
		outEdges: make(map[string][]string),
		inEdges:  make(map[string][]string),
		logger:   logger.With(zap.String("component", "churn_graph")),
	}
}

func segmentNodeID(segment string) string       { return "SEGMENT:" + segment }
func reasonNodeID(reason string) string         { return "REASON:" + reason }
func competitorNodeID(competitor string) string { return "COMPETITOR:" + competitor }

// BuildFromRecords 从流失记录抽取实体与关系
func (g *ChurnGraph) BuildFromRecords(records []types.ChurnRecord) {
	for _, rec := range records {
		if rec.AccountName == "" {
			continue
		}
		g.addNode(&GraphNode{
			ID:    rec.AccountName,
			Type:  NodeCustomer,
			Label: rec.AccountName,
			Properties: map[string]any{
				types.MetaCaseID:      rec.CaseID,
				types.MetaSegment:     rec.Segment,
				types.MetaARRLost:     rec.ARRLost,
				"tenure_months":       rec.TenureMonths,
				types.MetaChurnReason: rec.ChurnReason,
			},
		})

		if rec.Segment != "" {
			g.addNode(&GraphNode{ID: segmentNodeID(rec.Segment), Type: NodeSegment, Label: rec.Segment})
			g.addEdge(rec.AccountName, segmentNodeID(rec.Segment), RelBelongsTo)
		}
		if rec.ChurnReason != "" {
			g.addNode(&GraphNode{ID: reasonNodeID(rec.ChurnReason), Type: NodeReason, Label: rec.ChurnReason})
			g.addEdge(rec.AccountName, reasonNodeID(rec.ChurnReason), RelChurnedDueTo)
		}
		if rec.CompetitorWon != "" && !strings.EqualFold(rec.CompetitorWon, "none mentioned") {
			g.addNode(&GraphNode{ID: competitorNodeID(rec.CompetitorWon), Type: NodeCompetitor, Label: rec.CompetitorWon})
			g.addEdge(rec.AccountName, competitorNodeID(rec.CompetitorWon), RelSwitchedTo)
		}
	}

	stats := g.Stats()
	g.logger.Info("knowledge graph built",
		zap.Int("records", len(records)),
		zap.Int("nodes", stats.Nodes),
		zap.Int("edges", stats.Edges))
}

func (g *ChurnGraph) addNode(node *GraphNode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	// 节点以首次写入为准，重复添加幂等
	if _, ok := g.nodes[node.ID]; ok {
		return
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now()
	}
	g.nodes[node.ID] = node
}

func (g *ChurnGraph) addEdge(source, target, relation string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := fmt.Sprintf("%s|%s|%s", source, relation, target)
	if _, ok := g.edges[id]; ok {
		return
	}
	edge := &GraphEdge{ID: id, Source: source, Target: target, Relation: relation}
	g.edges[id] = edge
	g.outEdges[source] = append(g.outEdges[source], id)
	g.inEdges[target] = append(g.inEdges[target], id)
}

// Node 按 ID 取节点
func (g *ChurnGraph) Node(id string) (*GraphNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// NodesByType 返回指定类型的全部节点，按 ID 排序
func (g *ChurnGraph) NodesByType(nodeType string) []*GraphNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var results []*GraphNode
	for _, n := range g.nodes {
		if n.Type == nodeType {
			results = append(results, n)
		}
	}
	sort.Slice(results, func(a, b int) bool { return results[a].ID < results[b].ID })
	return results
}

// CustomersBySegment 返回某细分内的全部客户名，按名称排序
func (g *ChurnGraph) CustomersBySegment(segment string) []string {
	return g.sourcesOf(segmentNodeID(segment), RelBelongsTo)
}

// CustomersByReason 返回因某原因流失的全部客户名
func (g *ChurnGraph) CustomersByReason(reason string) []string {
	return g.sourcesOf(reasonNodeID(reason), RelChurnedDueTo)
}

// CustomersByCompetitor 返回流向某竞争对手的全部客户名
func (g *ChurnGraph) CustomersByCompetitor(competitor string) []string {
	return g.sourcesOf(competitorNodeID(competitor), RelSwitchedTo)
}

// sourcesOf 沿入边反查关系源节点
func (g *ChurnGraph) sourcesOf(targetID, relation string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var sources []string
	for _, edgeID := range g.inEdges[targetID] {
		edge := g.edges[edgeID]
		if edge.Relation == relation {
			sources = append(sources, edge.Source)
		}
	}
	sort.Strings(sources)
	return sources
}

// targetsOf 沿出边查关系目标节点
func (g *ChurnGraph) targetsOf(sourceID, relation string) []string {
	var targets []string
	for _, edgeID := range g.outEdges[sourceID] {
		edge := g.edges[edgeID]
		if edge.Relation == relation {
			targets = append(targets, edge.Target)
		}
	}
	return targets
}

// SegmentPatterns 聚合某细分的流失模式。细分不存在时返回零值。
func (g *ChurnGraph) SegmentPatterns(segment string, topN int) SegmentPattern {
	if topN <= 0 {
		topN = 5
	}
	customers := g.CustomersBySegment(segment)
	pattern := SegmentPattern{Segment: segment, CustomerCount: len(customers)}
	if len(customers) == 0 {
		return pattern
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	reasonCounts := make(map[string]int)
	competitorCounts := make(map[string]int)
	var tenureSum float64
	var tenureN int

	for _, customer := range customers {
		node, ok := g.nodes[customer]
		if !ok {
			continue
		}
		if arr, ok := node.Properties[types.MetaARRLost].(float64); ok {
			pattern.TotalARRLost += arr
		}
		if tenure, ok := node.Properties["tenure_months"].(int); ok && tenure > 0 {
			tenureSum += float64(tenure)
			tenureN++
		}
		for _, target := range g.targetsOf(customer, RelChurnedDueTo) {
			reasonCounts[strings.TrimPrefix(target, "REASON:")]++
		}
		for _, target := range g.targetsOf(customer, RelSwitchedTo) {
			competitorCounts[strings.TrimPrefix(target, "COMPETITOR:")]++
		}
	}

	pattern.AvgARRLost = pattern.TotalARRLost / float64(len(customers))
	if tenureN > 0 {
		pattern.AvgTenure = tenureSum / float64(tenureN)
	}
	pattern.TopReasons = topCounts(reasonCounts, topN)
	pattern.TopCompetitors = topCounts(competitorCounts, topN)
	return pattern
}

// topCounts 按计数降序、名称升序取前 n 项
func topCounts(counts map[string]int, n int) []PatternCount {
	items := make([]PatternCount, 0, len(counts))
	for name, count := range counts {
		items = append(items, PatternCount{Name: name, Count: count})
	}
	sort.Slice(items, func(a, b int) bool {
		if items[a].Count != items[b].Count {
			return items[a].Count > items[b].Count
		}
		return items[a].Name < items[b].Name
	})
	if len(items) > n {
		items = items[:n]
	}
	return items
}

// Stats 返回图规模统计
func (g *ChurnGraph) Stats() GraphStats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	byType := make(map[string]int)
	for _, n := range g.nodes {
		byType[n.Type]++
	}
	return GraphStats{
		Nodes:       len(g.nodes),
		Edges:       len(g.edges),
		NodesByType: byType,
	}
}

// DescribeSegment 把细分模式渲染成研究阶段可引用的文字摘要
func (g *ChurnGraph) DescribeSegment(segment string, topN int) string {
	pattern := g.SegmentPatterns(segment, topN)
	if pattern.CustomerCount == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Segment %q: %d churned customers, total ARR lost $%.0f (avg $%.0f).\n",
		pattern.Segment, pattern.CustomerCount, pattern.TotalARRLost, pattern.AvgARRLost)
	if pattern.AvgTenure > 0 {
		fmt.Fprintf(&b, "Average tenure at churn: %.1f months.\n", pattern.AvgTenure)
	}
	if len(pattern.TopReasons) > 0 {
		b.WriteString("Top churn reasons: ")
		b.WriteString(joinPatternCounts(pattern.TopReasons))
		b.WriteString(".\n")
	}
	if len(pattern.TopCompetitors) > 0 {
		b.WriteString("Top competitors won: ")
		b.WriteString(joinPatternCounts(pattern.TopCompetitors))
		b.WriteString(".\n")
	}
	return b.String()
}

func joinPatternCounts(items []PatternCount) string {
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = fmt.Sprintf("%s (%d)", item.Name, item.Count)
	}
	return strings.Join(parts, ", ")
}
