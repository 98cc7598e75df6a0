// ====== 流水线状态机 ======
// 多智能体流水线的阶段推进：Classify → Research → Writing → Synthesize → Done。
// 任意阶段可失败进入 Failed 终态，非法跳转直接报错。

package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/churnsight/types"
)

// Stage 流水线阶段
type Stage string

const (
	StageClassify   Stage = "classify"
	StageResearch   Stage = "research"
	StageWriting    Stage = "writing"
	StageSynthesize Stage = "synthesize"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
)

var validTransitions = map[Stage][]Stage{
	StageClassify:   {StageResearch, StageFailed},
	StageResearch:   {StageWriting, StageFailed},
	StageWriting:    {StageSynthesize, StageFailed},
	StageSynthesize: {StageDone, StageFailed},
	StageDone:       {},
	StageFailed:     {},
}

// PipelineState 单次查询的流水线执行状态。
// 累积各阶段产物与事件轨迹，不做并发保护，单查询单协程持有。
type PipelineState struct {
	RequestID string
	Query     types.AgentQuery

	Current Stage
	Trace   []types.StageEvent

	Classified ClassifiedQuery
	Research   *ResearchOutput
	Writing    *WritingOutput

	Warnings []string

	stageStart time.Time
	warnMark   int // 本阶段开始时的警告数量
}

// NewPipelineState 初始状态停在 Classify
func NewPipelineState(requestID string, query types.AgentQuery) *PipelineState {
	return &PipelineState{
		RequestID:  requestID,
		Query:      query,
		Current:    StageClassify,
		stageStart: time.Now(),
	}
}

// Advance 推进到下一阶段，记录当前阶段的事件。
// 非法跳转返回 ErrInvalidTransition。
func (s *PipelineState) Advance(next Stage) error {
	if !s.canTransition(next) {
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("cannot advance pipeline from %q to %q", s.Current, next))
	}
	s.record("")
	s.Current = next
	s.stageStart = time.Now()
	s.warnMark = len(s.Warnings)
	return nil
}

// Fail 进入失败终态，当前阶段的事件带失败原因
func (s *PipelineState) Fail(cause error) {
	if s.Terminal() {
		return
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	s.record(reason)
	s.Current = StageFailed
	s.stageStart = time.Now()
	s.warnMark = len(s.Warnings)
}

// Warn 追加阶段级警告，同时进入最终响应的 warnings
func (s *PipelineState) Warn(message string) {
	s.Warnings = append(s.Warnings, message)
}

// Terminal 是否处于终态
func (s *PipelineState) Terminal() bool {
	return s.Current == StageDone || s.Current == StageFailed
}

func (s *PipelineState) canTransition(next Stage) bool {
	for _, allowed := range validTransitions[s.Current] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s *PipelineState) record(failedWith string) {
	event := types.StageEvent{
		Stage:      string(s.Current),
		StartedAt:  s.stageStart,
		Duration:   time.Since(s.stageStart),
		FailedWith: failedWith,
	}
	// 只把本阶段新增的警告挂到事件上
	if staged := s.Warnings[s.warnMark:]; len(staged) > 0 {
		event.Warning = strings.Join(staged, "; ")
	}
	s.Trace = append(s.Trace, event)
}
