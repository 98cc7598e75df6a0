package rag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/churnsight/types"
)

func testRecords() []types.ChurnRecord {
	return []types.ChurnRecord{
		{CaseID: "c1", AccountName: "Acme Corp", Segment: "Enterprise", ChurnReason: "Pricing", ARRLost: 120000, TenureMonths: 36},
		{CaseID: "c2", AccountName: "Globex Inc", Segment: "Enterprise", ChurnReason: "Pricing", ARRLost: 80000, TenureMonths: 24, CompetitorWon: "RivalSoft"},
		{CaseID: "c3", AccountName: "Initech LLC", Segment: "Enterprise", ChurnReason: "Support Quality", ARRLost: 200000, TenureMonths: 12, CompetitorWon: "RivalSoft"},
		{CaseID: "c4", AccountName: "Umbrella Co", Segment: "SMB", ChurnReason: "Onboarding", ARRLost: 9000, TenureMonths: 3},
		{CaseID: "c5", AccountName: "Stark Industries", Segment: "Enterprise", ChurnReason: "Pricing", ARRLost: 150000, CompetitorWon: "CheapCloud"},
	}
}

func TestChurnGraph_BuildFromRecords(t *testing.T) {
	g := NewChurnGraph(zap.NewNop())
	g.BuildFromRecords(testRecords())

	stats := g.Stats()
	assert.Equal(t, 5, stats.NodesByType[NodeCustomer])
	assert.Equal(t, 2, stats.NodesByType[NodeSegment])
	assert.Equal(t, 3, stats.NodesByType[NodeReason])
	assert.Equal(t, 2, stats.NodesByType[NodeCompetitor])
	assert.Positive(t, stats.Edges)
}

func TestChurnGraph_CustomerQueries(t *testing.T) {
	g := NewChurnGraph(zap.NewNop())
	g.BuildFromRecords(testRecords())

	assert.Equal(t, []string{"Acme Corp", "Globex Inc", "Stark Industries"}, g.CustomersByReason("Pricing"))
	assert.Equal(t, []string{"Globex Inc", "Initech LLC"}, g.CustomersByCompetitor("RivalSoft"))
	assert.Equal(t, []string{"Umbrella Co"}, g.CustomersBySegment("SMB"))
	assert.Empty(t, g.CustomersBySegment("Nonexistent"))
}

func TestChurnGraph_SegmentPatterns(t *testing.T) {
	g := NewChurnGraph(zap.NewNop())
	g.BuildFromRecords(testRecords())

	pattern := g.SegmentPatterns("Enterprise", 5)
	assert.Equal(t, "Enterprise", pattern.Segment)
	assert.Equal(t, 4, pattern.CustomerCount)
	assert.InDelta(t, 550000, pattern.TotalARRLost, 0.1)
	assert.InDelta(t, 137500, pattern.AvgARRLost, 0.1)
	assert.InDelta(t, 24, pattern.AvgTenure, 0.1, "仅统计有 tenure 的客户")

	require.NotEmpty(t, pattern.TopReasons)
	assert.Equal(t, PatternCount{Name: "Pricing", Count: 3}, pattern.TopReasons[0])

	require.NotEmpty(t, pattern.TopCompetitors)
	assert.Equal(t, PatternCount{Name: "RivalSoft", Count: 2}, pattern.TopCompetitors[0])
}

func TestChurnGraph_SegmentPatterns_UnknownSegment(t *testing.T) {
	g := NewChurnGraph(zap.NewNop())
	g.BuildFromRecords(testRecords())

	pattern := g.SegmentPatterns("Nonexistent", 5)
	assert.Zero(t, pattern.CustomerCount)
	assert.Zero(t, pattern.TotalARRLost)
	assert.Empty(t, pattern.TopReasons)
}

func TestChurnGraph_DescribeSegment(t *testing.T) {
	g := NewChurnGraph(zap.NewNop())
	g.BuildFromRecords(testRecords())

	text := g.DescribeSegment("Enterprise", 3)
	assert.Contains(t, text, "4 churned customers")
	assert.Contains(t, text, "Pricing (3)")
	assert.Contains(t, text, "RivalSoft (2)")

	assert.Empty(t, g.DescribeSegment("Nonexistent", 3))
}

func TestChurnGraph_IgnoresNoneMentionedCompetitor(t *testing.T) {
	g := NewChurnGraph(zap.NewNop())
	g.BuildFromRecords([]types.ChurnRecord{
		{CaseID: "c9", AccountName: "Wayne Corp", Segment: "SMB", ChurnReason: "Pricing", CompetitorWon: "None mentioned"},
	})

	assert.Zero(t, g.Stats().NodesByType[NodeCompetitor])
}

func TestChurnGraph_NodeLookup(t *testing.T) {
	g := NewChurnGraph(zap.NewNop())
	g.BuildFromRecords(testRecords())

	node, ok := g.Node("Acme Corp")
	require.True(t, ok)
	assert.Equal(t, NodeCustomer, node.Type)
	assert.Equal(t, "Enterprise", node.Properties[types.MetaSegment])

	_, ok = g.Node("missing")
	assert.False(t, ok)

	segments := g.NodesByType(NodeSegment)
	require.Len(t, segments, 2)
	assert.Equal(t, "SEGMENT:Enterprise", segments[0].ID)
}
