// ====== 综合阶段 ======
// 组装最终响应并给出确定性的置信度，不调用 LLM。
// 同样的阶段产物永远给出同样的分数。

package agent

import (
	"github.com/BaSui01/churnsight/types"
)

const noDataAnswer = "The requested information is not available in the churn dataset. " +
	"No supporting evidence was retrieved for this question."

// Synthesize 从各阶段产物组装最终响应。
// 置信度规则，只减不增：
//   - 基准为事实性断言的引用命中率
//   - 写作阶段无证据时减半
//   - 每条上游部分失败警告扣 0.1
//   - 问题被判为模糊时扣 0.1
//   - 截断到 [0, 1]
//
// 完全没有证据时答案替换为缺数据说明，置信度归零。
func Synthesize(state *PipelineState) *types.Response {
	research := state.Research
	writing := state.Writing

	resp := &types.Response{
		RequestID:  state.RequestID,
		StageTrace: state.Trace,
		Warnings:   state.Warnings,
	}

	noEvidence := (research == nil || len(research.Evidence) == 0) &&
		(writing == nil || len(writing.Evidence) == 0)
	if writing == nil || noEvidence {
		resp.Answer = noDataAnswer
		resp.Confidence = 0.0
		return resp
	}

	resp.Answer = writing.Answer
	resp.Citations = writing.Citations
	resp.Confidence = scoreConfidence(writing, state.Warnings, state.Classified.IsAmbiguous)
	return resp
}

func scoreConfidence(writing *WritingOutput, warnings []string, ambiguous bool) float64 {
	score := writing.Match.MatchedFraction()
	if len(writing.Evidence) == 0 {
		score *= 0.5
	}
	score -= 0.1 * float64(len(warnings))
	if ambiguous {
		score -= 0.1
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
