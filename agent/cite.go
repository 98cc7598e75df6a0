// ====== 引用匹配 ======
// 确定性的引用对齐：把答案里的事实性句子匹配回检索证据与外部来源。
// 不调用 LLM，同样的答案与证据永远给出同样的引用。

package agent

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/BaSui01/churnsight/rag"
	"github.com/BaSui01/churnsight/types"
)

// CitationMatch 一次引用匹配的结果
type CitationMatch struct {
	Citations []types.Citation
	// 事实性断言的命中情况，置信度计算的输入
	MatchedClaims int
	TotalClaims   int
	Unmatched     []string
}

// MatchedFraction 命中断言占比。没有事实性断言时记满分。
func (m CitationMatch) MatchedFraction() float64 {
	if m.TotalClaims == 0 {
		return 1.0
	}
	return float64(m.MatchedClaims) / float64(m.TotalClaims)
}

var (
	sentenceSplitPattern = regexp.MustCompile(`[.!?]\s+|[.!?]$`)
	factualPattern       = regexp.MustCompile(`\d|\$|%`)
	wordPattern          = regexp.MustCompile(`[a-zA-Z]{4,}`)
)

var citationStopwords = map[string]bool{
	"this": true, "that": true, "with": true, "from": true, "have": true,
	"were": true, "their": true, "which": true, "would": true, "should": true,
	"could": true, "these": true, "those": true, "about": true, "there": true,
	"customer": true, "customers": true, "churn": true, "churned": true,
}

// MatchCitations 把答案中的事实性句子对齐到证据来源。
// 内部佳例记为 UC 引用，外部网页记为 EXT 引用，编号按来源首次命中顺序分配。
func MatchCitations(answer string, evidence []rag.RetrievedChunk, web []rag.WebSearchResult) CitationMatch {
	match := CitationMatch{}
	claims := factualClaims(answer)
	match.TotalClaims = len(claims)

	// 来源去重：同一来源多次命中共用一个引用编号
	ucByChunk := map[string]int{}  // chunk ID -> Citations 下标
	extByURL := map[string]int{}
	ucSeq, extSeq := 0, 0

	for _, claim := range claims {
		claimTerms := significantTerms(claim)

		bestIdx, bestScore := -1, 0
		for i, chunk := range evidence {
			if score := overlapScore(claimTerms, chunk.Content); score > bestScore {
				bestIdx, bestScore = i, score
			}
		}
		bestWebIdx, bestWebScore := -1, 0
		for i, r := range web {
			if score := overlapScore(claimTerms, r.Title+" "+r.Content); score > bestWebScore {
				bestWebIdx, bestWebScore = i, score
			}
		}

		const minOverlap = 2
		switch {
		case bestScore >= minOverlap && bestScore >= bestWebScore:
			chunk := evidence[bestIdx]
			if _, ok := ucByChunk[chunk.ChunkID]; !ok {
				ucSeq++
				ucByChunk[chunk.ChunkID] = len(match.Citations)
				match.Citations = append(match.Citations, types.Citation{
					ID:       fmt.Sprintf("UC%d", ucSeq),
					Type:     types.CitationUseCase,
					SourceID: chunk.DocumentID,
					Excerpt:  excerpt(chunk.Content),
					Locator:  fmt.Sprintf("doc:%s#%s", chunk.DocumentID, chunk.ChunkID),
				})
			}
			match.MatchedClaims++
		case bestWebScore >= minOverlap:
			r := web[bestWebIdx]
			if _, ok := extByURL[r.URL]; !ok {
				extSeq++
				extByURL[r.URL] = len(match.Citations)
				match.Citations = append(match.Citations, types.Citation{
					ID:       fmt.Sprintf("EXT%d", extSeq),
					Type:     types.CitationExternal,
					SourceID: r.URL,
					Excerpt:  excerpt(r.Content),
					Locator:  r.URL,
				})
			}
			match.MatchedClaims++
		default:
			match.Unmatched = append(match.Unmatched, claim)
		}
	}

	return match
}

// RenderCitations 把引用列表渲染为答案尾部的 Sources 段
func RenderCitations(citations []types.Citation) string {
	if len(citations) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Sources:\n")
	for _, c := range citations {
		fmt.Fprintf(&b, "[%s] %s\n", c.ID, c.Locator)
	}
	return strings.TrimRight(b.String(), "\n")
}

// factualClaims 抽取含数字、金额或百分比的句子
func factualClaims(answer string) []string {
	var claims []string
	for _, sentence := range sentenceSplitPattern.Split(answer, -1) {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		if factualPattern.MatchString(sentence) {
			claims = append(claims, sentence)
		}
	}
	return claims
}

func significantTerms(text string) map[string]bool {
	terms := map[string]bool{}
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if !citationStopwords[w] {
			terms[w] = true
		}
	}
	return terms
}

// overlapScore 断言词项与来源文本的重叠数
func overlapScore(claimTerms map[string]bool, source string) int {
	lower := strings.ToLower(source)
	score := 0
	for term := range claimTerms {
		if strings.Contains(lower, term) {
			score++
		}
	}
	return score
}

func excerpt(content string) string {
	content = strings.TrimSpace(content)
	if len(content) <= 160 {
		return content
	}
	cut := content[:160]
	if idx := strings.LastIndex(cut, " "); idx > 100 {
		cut = cut[:idx]
	}
	return cut + "..."
}
