// ====== 写作阶段 ======
// 五步流水：取证 → 起草 → 编辑 → 引用 → 共情与风格。
// 取证与起草失败即失败；编辑、共情、风格失败保留上一版答案并记警告。
// 每次 LLM 改写后都重跑引用匹配，命中率下降只记警告，不回滚答案。

package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/churnsight/llm"
	"github.com/BaSui01/churnsight/rag"
	"github.com/BaSui01/churnsight/types"
)

const writingK = 5 // 写作阶段取证条数，重排序前候选 15 条

// WritingOutput 写作阶段产物
type WritingOutput struct {
	Answer     string               `json:"answer"`
	Evidence   []rag.RetrievedChunk `json:"evidence"`
	Citations  []types.Citation     `json:"citations"`
	Match      CitationMatch        `json:"-"`
	StyleNotes []string             `json:"style_notes,omitempty"`
	Warnings   []string             `json:"warnings,omitempty"`
}

// WritingTeam 写作阶段执行器
type WritingTeam struct {
	retriever rag.Retriever
	provider  llm.Provider
	logger    *zap.Logger
}

func NewWritingTeam(retriever rag.Retriever, provider llm.Provider, logger *zap.Logger) *WritingTeam {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WritingTeam{
		retriever: retriever,
		provider:  provider,
		logger:    logger.With(zap.String("component", "writing")),
	}
}

// Run 顺序执行五个写作步骤
func (t *WritingTeam) Run(ctx context.Context, classified ClassifiedQuery, research *ResearchOutput) (*WritingOutput, error) {
	out := &WritingOutput{}

	// 步骤一：写作取证
	result, err := t.retriever.Retrieve(ctx, classified.Question, writingK)
	if err != nil {
		return nil, types.NewError(types.ErrStageFailed, "writing retrieval failed").
			WithCause(err).WithStage(string(StageWriting))
	}
	out.Evidence = result.Chunks

	// 步骤二：起草
	draft, err := t.draft(ctx, classified, research, out.Evidence)
	if err != nil {
		return nil, types.NewError(types.ErrStageFailed, "draft generation failed").
			WithCause(err).WithStage(string(StageWriting))
	}
	out.Answer = draft

	// 步骤三：编辑，失败保留草稿
	if edited, err := t.edit(ctx, classified.Question, out.Answer); err != nil {
		out.Warnings = append(out.Warnings, "edit step failed, keeping draft")
		t.logger.Warn("edit step failed", zap.Error(err))
	} else {
		out.Answer = edited
	}

	// 步骤四：引用匹配并挂上 Sources 段
	out.Match = MatchCitations(out.Answer, t.allEvidence(research, out), research.WebResults)
	out.Citations = out.Match.Citations
	if sources := RenderCitations(out.Citations); sources != "" {
		out.Answer = out.Answer + "\n\n" + sources
	}
	for _, claim := range out.Match.Unmatched {
		out.Warnings = append(out.Warnings,
			fmt.Sprintf("unsupported claim: %s", excerpt(claim)))
	}

	// 步骤五：共情与风格两遍改写，每遍之后重跑引用匹配
	t.rewrite(ctx, "empathy", empathyPrompt, classified.Question, research, out)
	t.rewrite(ctx, "style", stylePrompt, classified.Question, research, out)
	out.StyleNotes = append(out.StyleNotes, checkStyle(out.Answer)...)

	t.logger.Info("writing stage complete",
		zap.Int("evidence", len(out.Evidence)),
		zap.Int("citations", len(out.Citations)),
		zap.Int("matched_claims", out.Match.MatchedClaims),
		zap.Int("total_claims", out.Match.TotalClaims),
		zap.Strings("style_notes", out.StyleNotes))
	return out, nil
}

const draftSystemPrompt = `You are a customer success analyst writing churn analysis reports.
Ground every statement in the provided use cases and background research.
Never invent accounts, numbers, or competitors that are not in the context.`

func (t *WritingTeam) draft(ctx context.Context, classified ClassifiedQuery, research *ResearchOutput, evidence []rag.RetrievedChunk) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\nIntent: %s\n\n", classified.Question, classified.Intent)

	if research.BackgroundContext != "" {
		b.WriteString("Background research:\n")
		b.WriteString(research.BackgroundContext)
		b.WriteString("\n\n")
	}

	b.WriteString("Supporting use cases:\n")
	for i, chunk := range evidence {
		fmt.Fprintf(&b, "\nUSE CASE %d:\n%s\n", i+1, chunk.Content)
	}

	b.WriteString(`
Write a churn analysis answering the question. Structure it as:
## Overview
## Key Findings
## Recommendations
## Conclusion

Reference specific accounts, ARR figures, and churn reasons from the use cases.`)

	return llm.Complete(ctx, t.provider, draftSystemPrompt, b.String())
}

func (t *WritingTeam) edit(ctx context.Context, question, draft string) (string, error) {
	prompt := fmt.Sprintf(`Edit this churn analysis draft for clarity and flow.
Keep every factual statement, account name, and number exactly as written.
Do not add new facts. Keep the section structure.

Question: %s

Draft:
%s

Edited version:`, question, draft)

	edited, err := llm.Complete(ctx, t.provider, "", prompt)
	if err != nil {
		return "", err
	}
	edited = strings.TrimSpace(edited)
	if edited == "" {
		return "", types.NewError(types.ErrUpstreamError, "editor returned empty response")
	}
	return edited, nil
}

const empathyPrompt = `Rewrite the opening of this churn analysis so it acknowledges the
reader's concern before presenting findings. Start with a phrase like
"We understand that...". Do not change any facts, numbers, section
headings, or the Sources section.

Question: %s

Analysis:
%s

Rewritten analysis:`

const stylePrompt = `Adjust this churn analysis to house style: direct sentences, active
voice, dollar amounts with $ signs, section headings kept as-is. Do not
change any facts, numbers, or the Sources section.

Question: %s

Analysis:
%s

Adjusted analysis:`

// rewrite 一遍语气改写。改写后重跑引用匹配，命中率下降记入 StyleNotes，
// 不回滚答案。失败保留上一版并记警告。
func (t *WritingTeam) rewrite(ctx context.Context, step, promptTmpl, question string, research *ResearchOutput, out *WritingOutput) {
	prompt := fmt.Sprintf(promptTmpl, question, out.Answer)

	rewritten, err := llm.Complete(ctx, t.provider, "", prompt)
	rewritten = strings.TrimSpace(rewritten)
	if err != nil || rewritten == "" {
		out.Warnings = append(out.Warnings,
			fmt.Sprintf("%s step failed, keeping previous version", step))
		t.logger.Warn("rewrite step failed", zap.String("step", step), zap.Error(err))
		return
	}

	// Sources 段不参与断言匹配，匹配后按新引用重建
	body := stripSources(rewritten)
	recheck := MatchCitations(body, t.allEvidence(research, out), research.WebResults)
	if recheck.MatchedClaims < out.Match.MatchedClaims {
		out.StyleNotes = append(out.StyleNotes,
			fmt.Sprintf("%s rewrite weakened citation coverage (%d -> %d matched claims)",
				step, out.Match.MatchedClaims, recheck.MatchedClaims))
	}
	out.Answer = body
	if sources := RenderCitations(recheck.Citations); sources != "" {
		out.Answer = body + "\n\n" + sources
	}
	out.Match = recheck
	out.Citations = recheck.Citations
}

func stripSources(answer string) string {
	if idx := strings.LastIndex(answer, "\n\nSources:\n"); idx >= 0 {
		return strings.TrimSpace(answer[:idx])
	}
	return strings.TrimSpace(answer)
}

// allEvidence 研究与写作两路证据合并，写作证据在前优先命中
func (t *WritingTeam) allEvidence(research *ResearchOutput, out *WritingOutput) []rag.RetrievedChunk {
	merged := make([]rag.RetrievedChunk, 0, len(out.Evidence)+len(research.Evidence))
	seen := map[string]bool{}
	for _, chunk := range out.Evidence {
		seen[chunk.ChunkID] = true
		merged = append(merged, chunk)
	}
	for _, chunk := range research.Evidence {
		if !seen[chunk.ChunkID] {
			merged = append(merged, chunk)
		}
	}
	return merged
}

var (
	churnTermPattern = regexp.MustCompile(`(?i)churn|retention|attrition`)
	actionPattern    = regexp.MustCompile(`(?i)recommend|suggest|strategy|should`)
	dataPattern      = regexp.MustCompile(`\$|%|\d`)
	wordCountPattern = regexp.MustCompile(`\S+`)
)

// checkStyle 确定性风格检查，产出说明而不改写
func checkStyle(answer string) []string {
	var notes []string
	if !churnTermPattern.MatchString(answer) {
		notes = append(notes, "answer never uses churn terminology")
	}
	if !actionPattern.MatchString(answer) {
		notes = append(notes, "answer gives no actionable recommendation")
	}
	if !dataPattern.MatchString(answer) {
		notes = append(notes, "answer cites no quantitative data")
	}
	if len(wordCountPattern.FindAllString(answer, -1)) < 200 {
		notes = append(notes, "answer is shorter than a full analysis")
	}
	return notes
}
