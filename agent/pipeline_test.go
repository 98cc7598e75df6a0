package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/churnsight/llm"
	"github.com/BaSui01/churnsight/rag"
	"github.com/BaSui01/churnsight/types"
)

func pipelineProvider() *scriptedProvider {
	p := writingProvider()
	p.scripts["Classify this customer churn query"] = "pattern_analysis"
	p.fallback = "pattern_analysis"
	return p
}

func newTestPipeline(researchRetriever, writingRetriever rag.Retriever, provider llm.Provider, opts ...PipelineOption) *Pipeline {
	classifier := NewClassifier(provider, zap.NewNop())
	research := NewResearchTeam(researchRetriever, nil, testGraph(), zap.NewNop())
	writing := NewWritingTeam(writingRetriever, provider, zap.NewNop())
	return NewPipeline(classifier, research, writing, zap.NewNop(), opts...)
}

func TestPipeline_EndToEnd(t *testing.T) {
	p := newTestPipeline(
		&stubRetriever{strategy: rag.StrategyMultiQuery, chunks: testEvidence()},
		&stubRetriever{strategy: rag.StrategyReranking, chunks: testEvidence()},
		pipelineProvider(),
	)

	resp, err := p.Run(context.Background(), types.AgentQuery{
		Question: "Why are Enterprise customers churning?",
		Mode:     types.ModeMultiAgent,
	})
	require.NoError(t, err)

	assert.Contains(t, resp.Answer, "We understand that")
	assert.NotEmpty(t, resp.Citations)
	assert.Greater(t, resp.Confidence, 0.0)
	assert.NotEmpty(t, resp.RequestID)

	require.Len(t, resp.StageTrace, 4)
	stages := []string{"classify", "research", "writing", "synthesize"}
	for i, event := range resp.StageTrace {
		assert.Equal(t, stages[i], event.Stage)
		assert.Empty(t, event.FailedWith)
		assert.Positive(t, event.Duration, "每个阶段事件都覆盖其实际工作")
	}

	// synthesize 事件在综合执行之后才收口，耗时归属该阶段
	synth := resp.StageTrace[3]
	assert.False(t, synth.StartedAt.IsZero())
	assert.GreaterOrEqual(t, resp.Confidence, 0.0)
}

func TestPipeline_ResearchFailureStopsPipeline(t *testing.T) {
	p := newTestPipeline(
		&stubRetriever{strategy: rag.StrategyMultiQuery, err: types.NewError(types.ErrUpstreamRetrieval, "vector store down")},
		&stubRetriever{strategy: rag.StrategyReranking, chunks: testEvidence()},
		pipelineProvider(),
	)

	resp, err := p.Run(context.Background(), types.AgentQuery{Question: "q", Mode: types.ModeMultiAgent})
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, types.ErrStageFailed, types.GetErrorCode(err))
}

func TestPipeline_DeadlineMapsTo504(t *testing.T) {
	slow := &slowRetriever{delay: 200 * time.Millisecond, chunks: testEvidence()}
	p := newTestPipeline(
		slow,
		&stubRetriever{strategy: rag.StrategyReranking, chunks: testEvidence()},
		pipelineProvider(),
		WithTimeout(20*time.Millisecond),
	)

	_, err := p.Run(context.Background(), types.AgentQuery{Question: "q", Mode: types.ModeMultiAgent})
	require.Error(t, err)
	assert.Equal(t, types.ErrDeadlineExceeded, types.GetErrorCode(err))

	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, 504, typed.HTTPStatus)
}

func TestPipeline_AmbiguousQuestionCarriesWarning(t *testing.T) {
	provider := pipelineProvider()
	provider.scripts["Classify this customer churn query"] = "pattern_analysis (ambiguous)"
	p := newTestPipeline(
		&stubRetriever{strategy: rag.StrategyMultiQuery, chunks: testEvidence()},
		&stubRetriever{strategy: rag.StrategyReranking, chunks: testEvidence()},
		provider,
	)

	resp, err := p.Run(context.Background(), types.AgentQuery{Question: "Tell me things", Mode: types.ModeMultiAgent})
	require.NoError(t, err)

	require.NotEmpty(t, resp.Warnings)
	assert.Contains(t, resp.Warnings[0], "ambiguous")
	assert.Less(t, resp.Confidence, 1.0)
}

// slowRetriever 在返回前等待，用于触发查询级截止时间
type slowRetriever struct {
	delay  time.Duration
	chunks []rag.RetrievedChunk
}

func (r *slowRetriever) Strategy() rag.Strategy { return rag.StrategyMultiQuery }

func (r *slowRetriever) Retrieve(ctx context.Context, query string, k int) (*rag.RetrievalResult, error) {
	select {
	case <-time.After(r.delay):
		return &rag.RetrievalResult{Strategy: rag.StrategyMultiQuery, Query: query, Chunks: r.chunks}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
