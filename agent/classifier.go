// ====== 查询分类器 ======
// 把自然语言问题归入封闭的意图集合，意图决定各阶段的默认检索策略。
// LLM 分类失败或输出不在集合内时退化为规则分类，永不报错。

package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/churnsight/llm"
	"github.com/BaSui01/churnsight/rag"
)

// Intent 查询意图
type Intent string

const (
	IntentRiskAssessment    Intent = "risk_assessment"    // 特定客户的流失风险
	IntentPatternAnalysis   Intent = "pattern_analysis"   // 流失模式与趋势
	IntentRetentionStrategy Intent = "retention_strategy" // 留存策略建议
	IntentCompetitiveIntel  Intent = "competitive_intel"  // 竞争对手分析
	IntentGeneralInquiry    Intent = "general_inquiry"    // 一般性问题
)

var validIntents = map[Intent]bool{
	IntentRiskAssessment:    true,
	IntentPatternAnalysis:   true,
	IntentRetentionStrategy: true,
	IntentCompetitiveIntel:  true,
	IntentGeneralInquiry:    true,
}

// ClassifiedQuery 分类结果。模糊问题返回最可能的意图并置 IsAmbiguous，
// 分类本身从不失败。
type ClassifiedQuery struct {
	Question    string `json:"question"`
	Intent      Intent `json:"intent"`
	IsAmbiguous bool   `json:"is_ambiguous"`
}

// DefaultStrategyFor 返回意图对应的默认检索策略。
// 模糊意图偏向召回，使用多查询改写。
func DefaultStrategyFor(intent Intent, ambiguous bool) rag.Strategy {
	if ambiguous {
		return rag.StrategyMultiQuery
	}
	switch intent {
	case IntentRiskAssessment:
		return rag.StrategyReranking
	case IntentPatternAnalysis:
		return rag.StrategyParentDocument
	case IntentCompetitiveIntel, IntentRetentionStrategy:
		return rag.StrategyMultiQuery
	default:
		return rag.StrategyNaive
	}
}

// Classifier 基于 LLM 的意图分类器，带规则回退
type Classifier struct {
	provider llm.Provider
	logger   *zap.Logger
}

// NewClassifier 创建分类器。provider 为 nil 时只用规则分类。
func NewClassifier(provider llm.Provider, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{
		provider: provider,
		logger:   logger.With(zap.String("component", "classifier")),
	}
}

const classifyPrompt = `Classify this customer churn query:

Question: %s

Classify into ONE category:
1. risk_assessment - Predicting churn risk for specific customers
2. pattern_analysis - Analyzing churn patterns, trends, or segments
3. retention_strategy - Generating retention strategies
4. competitive_intel - Competitor analysis
5. general_inquiry - General questions

If the question mixes several categories or is too vague to classify
confidently, append " (ambiguous)" after the category name.

Return ONLY the category name.`

// Classify 给问题打意图标签。LLM 不可用或输出无效时回退规则分类。
func (c *Classifier) Classify(ctx context.Context, question string) ClassifiedQuery {
	result := ClassifiedQuery{Question: question}

	if c.provider != nil {
		response, err := llm.Complete(ctx, c.provider, "", fmt.Sprintf(classifyPrompt, question))
		if err == nil {
			label := strings.ToLower(strings.TrimSpace(response))
			if strings.HasSuffix(label, "(ambiguous)") {
				result.IsAmbiguous = true
				label = strings.TrimSpace(strings.TrimSuffix(label, "(ambiguous)"))
			}
			label = strings.Trim(label, " .\"'")
			if validIntents[Intent(label)] {
				result.Intent = Intent(label)
				c.logger.Debug("query classified",
					zap.String("intent", label),
					zap.Bool("ambiguous", result.IsAmbiguous))
				return result
			}
			c.logger.Warn("classifier returned unknown label, falling back to rules",
				zap.String("label", truncate(label, 64)))
		} else {
			c.logger.Warn("llm classification failed, falling back to rules", zap.Error(err))
		}
	}

	result.Intent, result.IsAmbiguous = classifyByRules(question)
	return result
}

// classifyByRules 关键词规则分类，LLM 不可用时的兜底。
// 固定顺序遍历保证同样的问题永远得到同样的标签。
func classifyByRules(question string) (Intent, bool) {
	lower := strings.ToLower(question)

	best := IntentGeneralInquiry
	bestScore := 0
	matched := 0
	for _, rule := range intentRules {
		score := 0
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > 0 {
			matched++
		}
		if score > bestScore {
			best = rule.intent
			bestScore = score
		}
	}

	// 命中多个意图的问题视为模糊
	return best, matched > 1
}

var intentRules = []struct {
	intent   Intent
	keywords []string
}{
	{IntentRiskAssessment, []string{"risk", "likely to churn", "at risk", "predict", "warning sign"}},
	{IntentPatternAnalysis, []string{"pattern", "trend", "segment", "why do", "common reason", "how many", "analysis"}},
	{IntentRetentionStrategy, []string{"retain", "retention", "prevent", "keep", "save", "recommend", "strategy"}},
	{IntentCompetitiveIntel, []string{"competitor", "competitive", "lost to", "switched", "rival", "versus"}},
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
