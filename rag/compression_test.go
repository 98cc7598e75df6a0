package rag

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// extractingLLM 对含关键词的上下文返回摘录，其余返回 NOT_RELEVANT
type extractingLLM struct {
	keyword string
	mu      sync.Mutex
	calls   int
}

func (e *extractingLLM) Complete(ctx context.Context, prompt string) (string, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if strings.Contains(strings.ToLower(prompt), e.keyword) {
		return "Extracted: the account churned over " + e.keyword + ".", nil
	}
	return "NOT_RELEVANT", nil
}

func TestCompressionRetriever_ExtractsRelevantContent(t *testing.T) {
	index, err := buildTestIndex(context.Background(), &stubEmbedder{})
	require.NoError(t, err)

	llm := &extractingLLM{keyword: "pricing"}
	r := NewCompressionRetriever(index, &stubEmbedder{}, llm, zap.NewNop())

	result, err := r.Retrieve(context.Background(), "pricing driven churn", 3)
	require.NoError(t, err)

	assert.Equal(t, StrategyCompression, result.Strategy)
	require.False(t, result.Empty())
	assert.Positive(t, llm.calls)
	for _, c := range result.Chunks {
		assert.Contains(t, c.Content, "Extracted:", "返回的是压缩后的内容")
	}
}

func TestCompressionRetriever_AllIrrelevantYieldsEmpty(t *testing.T) {
	index, err := buildTestIndex(context.Background(), &stubEmbedder{})
	require.NoError(t, err)

	llm := &stubQueryLLM{response: "NOT_RELEVANT"}
	r := NewCompressionRetriever(index, &stubEmbedder{}, llm, zap.NewNop())

	result, err := r.Retrieve(context.Background(), "completely unrelated topic", 3)
	require.NoError(t, err, "全部不相关时返回空结果而不是错误")
	assert.True(t, result.Empty())
}
