// ====== 单智能体与单策略模式 ======
// 轻量路径：单策略模式只做检索并直接呈现证据，单智能体模式在检索
// 之上加一次 LLM 作答。两者共用 30 秒截止时间，不经过多阶段流水线。

package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/churnsight/llm"
	"github.com/BaSui01/churnsight/rag"
	"github.com/BaSui01/churnsight/types"
)

// RetrieverFactory 按策略构造检索器
type RetrieverFactory func(rag.Strategy) (rag.Retriever, error)

const singleK = 5

// SingleAgent 轻量问答执行器
type SingleAgent struct {
	classifier *Classifier
	retrievers RetrieverFactory
	provider   llm.Provider
	timeout    time.Duration
	logger     *zap.Logger
}

// SingleOption 构造选项
type SingleOption func(*SingleAgent)

// WithSingleTimeout 覆盖默认的单模式截止时间
func WithSingleTimeout(d time.Duration) SingleOption {
	return func(a *SingleAgent) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func NewSingleAgent(classifier *Classifier, retrievers RetrieverFactory, provider llm.Provider, logger *zap.Logger, opts ...SingleOption) *SingleAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &SingleAgent{
		classifier: classifier,
		retrievers: retrievers,
		provider:   provider,
		timeout:    DefaultSingleTimeout,
		logger:     logger.With(zap.String("component", "single_agent")),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Answer 按模式执行：single_strategy 只检索，single_agent 检索加一次作答
func (a *SingleAgent) Answer(ctx context.Context, query types.AgentQuery) (*types.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	state := NewPipelineState(uuid.NewString(), query)
	state.Classified = a.classifier.Classify(ctx, query.Question)
	if state.Classified.IsAmbiguous {
		state.Warn("question is ambiguous, answering the most likely interpretation")
	}
	if err := state.Advance(StageResearch); err != nil {
		return nil, err
	}

	strategy := DefaultStrategyFor(state.Classified.Intent, state.Classified.IsAmbiguous)
	retriever, err := a.retrievers(strategy)
	if err != nil {
		state.Fail(err)
		return nil, err
	}
	result, err := retriever.Retrieve(ctx, query.Question, singleK)
	if err != nil {
		state.Fail(err)
		return nil, a.mapDeadline(err)
	}
	state.Research = &ResearchOutput{Evidence: result.Chunks}

	resp := &types.Response{RequestID: state.RequestID}

	switch {
	case result.Empty():
		resp.Answer = noDataAnswer
		resp.Confidence = 0.0

	case query.Mode == types.ModeSingleStrategy:
		resp.Answer = renderEvidence(result)
		resp.Confidence = evidenceOnlyConfidence(state.Classified.IsAmbiguous)

	default:
		answer, err := a.complete(ctx, state.Classified, result)
		if err != nil {
			state.Fail(err)
			return nil, a.mapDeadline(err)
		}
		match := MatchCitations(answer, result.Chunks, nil)
		if sources := RenderCitations(match.Citations); sources != "" {
			answer = answer + "\n\n" + sources
		}
		resp.Answer = answer
		resp.Citations = match.Citations
		resp.Confidence = singleConfidence(match, state.Classified.IsAmbiguous)
		for _, claim := range match.Unmatched {
			state.Warn(fmt.Sprintf("unsupported claim: %s", excerpt(claim)))
		}
	}

	if err := state.Advance(StageWriting); err != nil {
		return nil, err
	}
	if err := state.Advance(StageSynthesize); err != nil {
		return nil, err
	}
	if err := state.Advance(StageDone); err != nil {
		return nil, err
	}
	resp.StageTrace = state.Trace
	resp.Warnings = state.Warnings

	a.logger.Info("single-mode query complete",
		zap.String("request_id", state.RequestID),
		zap.String("mode", string(query.Mode)),
		zap.String("strategy", string(strategy)),
		zap.Float64("confidence", resp.Confidence))
	return resp, nil
}

func (a *SingleAgent) complete(ctx context.Context, classified ClassifiedQuery, result *rag.RetrievalResult) (string, error) {
	var b strings.Builder
	b.WriteString("Context from churned customer records:\n")
	for i, chunk := range result.Chunks {
		fmt.Fprintf(&b, "\nUSE CASE %d:\n%s\n", i+1, chunk.Content)
	}
	fmt.Fprintf(&b, "\nQuestion: %s\n\nAnswer the question using only the context above. "+
		"Reference specific accounts and figures.", classified.Question)

	return llm.Complete(ctx, a.provider, draftSystemPrompt, b.String())
}

func (a *SingleAgent) mapDeadline(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrDeadlineExceeded, "query deadline exceeded").
			WithCause(err).WithHTTPStatus(504)
	}
	return err
}

// renderEvidence 把检索结果直接呈现为答案文本
func renderEvidence(result *rag.RetrievalResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Top %d matching churn cases (%s retrieval):\n", len(result.Chunks), result.Strategy)
	for i, chunk := range result.Chunks {
		fmt.Fprintf(&b, "\n%d. [score %.3f] %s\n", i+1, chunk.Score, excerpt(chunk.Content))
	}
	return strings.TrimSpace(b.String())
}

// 纯检索没有断言可核对，给保守的固定分
func evidenceOnlyConfidence(ambiguous bool) float64 {
	if ambiguous {
		return 0.6
	}
	return 0.7
}

func singleConfidence(match CitationMatch, ambiguous bool) float64 {
	score := match.MatchedFraction()
	if ambiguous {
		score -= 0.1
	}
	if score < 0 {
		return 0
	}
	return score
}
