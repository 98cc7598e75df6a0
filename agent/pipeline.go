// ====== 多智能体流水线 ======
// 一次查询的完整协调：分类 → 研究 → 写作 → 综合。
// 查询级截止时间向所有下游调用传播，超时映射为 DEADLINE_EXCEEDED。

package agent

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/churnsight/types"
)

const (
	// DefaultPipelineTimeout 多智能体模式的查询级截止时间
	DefaultPipelineTimeout = 120 * time.Second
	// DefaultSingleTimeout 单策略与单智能体模式的截止时间
	DefaultSingleTimeout = 30 * time.Second
)

// Pipeline 多智能体查询协调器。各阶段组件一次装配，按查询复用。
type Pipeline struct {
	classifier *Classifier
	research   *ResearchTeam
	writing    *WritingTeam
	timeout    time.Duration
	logger     *zap.Logger
}

// PipelineOption 构造选项
type PipelineOption func(*Pipeline)

// WithTimeout 覆盖默认的查询级截止时间
func WithTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func NewPipeline(classifier *Classifier, research *ResearchTeam, writing *WritingTeam, logger *zap.Logger, opts ...PipelineOption) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		classifier: classifier,
		research:   research,
		writing:    writing,
		timeout:    DefaultPipelineTimeout,
		logger:     logger.With(zap.String("component", "pipeline")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run 执行一次多智能体查询。致命错误返回时 Trace 已记录失败阶段。
func (p *Pipeline) Run(ctx context.Context, query types.AgentQuery) (*types.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	state := NewPipelineState(uuid.NewString(), query)
	logger := p.logger.With(
		zap.String("request_id", state.RequestID),
		zap.String("mode", string(query.Mode)))
	logger.Info("pipeline started", zap.String("question", query.Question))

	// 分类从不失败
	state.Classified = p.classifier.Classify(ctx, query.Question)
	if state.Classified.IsAmbiguous {
		state.Warn("question is ambiguous, answering the most likely interpretation")
	}
	if err := state.Advance(StageResearch); err != nil {
		return nil, err
	}

	research, err := p.research.Run(ctx, state.Classified)
	if err != nil {
		return p.fail(state, logger, err)
	}
	state.Research = research
	for _, w := range research.Warnings {
		state.Warn(w)
	}
	if err := state.Advance(StageWriting); err != nil {
		return nil, err
	}

	writing, err := p.writing.Run(ctx, state.Classified, research)
	if err != nil {
		return p.fail(state, logger, err)
	}
	state.Writing = writing
	for _, w := range writing.Warnings {
		state.Warn(w)
	}
	if err := state.Advance(StageSynthesize); err != nil {
		return nil, err
	}

	// 综合在 synthesize 阶段内执行，其耗时记入该阶段事件
	resp := Synthesize(state)
	if err := state.Advance(StageDone); err != nil {
		return nil, err
	}
	resp.StageTrace = state.Trace
	resp.Warnings = state.Warnings

	logger.Info("pipeline complete",
		zap.String("intent", string(state.Classified.Intent)),
		zap.Float64("confidence", resp.Confidence),
		zap.Int("citations", len(resp.Citations)),
		zap.Int("warnings", len(resp.Warnings)))
	return resp, nil
}

// fail 进入失败终态并把截止时间超时映射为专门的错误码
func (p *Pipeline) fail(state *PipelineState, logger *zap.Logger, cause error) (*types.Response, error) {
	failedStage := state.Current
	state.Fail(cause)

	if errors.Is(cause, context.DeadlineExceeded) {
		cause = types.NewError(types.ErrDeadlineExceeded, "query deadline exceeded").
			WithCause(cause).
			WithStage(string(failedStage)).
			WithHTTPStatus(504)
	}
	logger.Error("pipeline failed",
		zap.String("stage", string(failedStage)),
		zap.Error(cause))
	return nil, cause
}
