package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/churnsight/agent"
	"github.com/BaSui01/churnsight/internal/cache"
	"github.com/BaSui01/churnsight/llm"
	"github.com/BaSui01/churnsight/rag"
	"github.com/BaSui01/churnsight/types"
)

// =============================================================================
// 🧪 模拟依赖
// =============================================================================

type fixedProvider struct {
	text string
}

func (p *fixedProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{
		Model: "mock",
		Choices: []llm.ChatChoice{
			{Index: 0, FinishReason: "stop", Message: llm.Message{Role: llm.RoleAssistant, Content: p.text}},
		},
	}, nil
}

func (p *fixedProvider) Name() string { return "mock" }

type fixedRetriever struct {
	strategy rag.Strategy
	chunks   []rag.RetrievedChunk
}

func (r *fixedRetriever) Retrieve(ctx context.Context, query string, k int) (*rag.RetrievalResult, error) {
	chunks := r.chunks
	if len(chunks) > k {
		chunks = chunks[:k]
	}
	return &rag.RetrievalResult{Strategy: r.strategy, Query: query, Chunks: chunks}, nil
}

func (r *fixedRetriever) Strategy() rag.Strategy { return r.strategy }

func sampleChunks() []rag.RetrievedChunk {
	return []rag.RetrievedChunk{
		{
			ChunkID:    "c_acme01",
			ParentID:   "p_acme01",
			DocumentID: "UC-001",
			Content:    "Acme Corp churned after a pricing dispute.",
			Score:      0.92,
			Metadata: map[string]any{
				types.MetaAccountName: "Acme Corp",
				types.MetaSegment:     "Enterprise",
			},
		},
	}
}

func newQueryTestHandler(t *testing.T, answers *cache.AnswerCache) *QueryHandler {
	t.Helper()
	logger := zap.NewNop()
	provider := &fixedProvider{text: "Customers leave when onboarding stalls and support quality slips."}
	retriever := &fixedRetriever{strategy: rag.StrategyNaive, chunks: sampleChunks()}

	classifier := agent.NewClassifier(provider, logger)
	research := agent.NewResearchTeam(retriever, nil, nil, logger)
	writing := agent.NewWritingTeam(retriever, provider, logger)
	pipeline := agent.NewPipeline(classifier, research, writing, logger)

	factory := func(s rag.Strategy) (rag.Retriever, error) {
		return &fixedRetriever{strategy: s, chunks: sampleChunks()}, nil
	}
	single := agent.NewSingleAgent(classifier, factory, provider, logger)

	return NewQueryHandler(pipeline, single, answers, nil, logger)
}

func postQuery(t *testing.T, handler *QueryHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/query", bytes.NewReader([]byte(body)))
	r.Header.Set("Content-Type", "application/json")
	handler.HandleQuery(w, r)
	return w
}

func decodeQueryResponse(t *testing.T, w *httptest.ResponseRecorder) *types.Response {
	t.Helper()
	var envelope Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&envelope))
	require.True(t, envelope.Success)

	dataBytes, err := json.Marshal(envelope.Data)
	require.NoError(t, err)

	var resp types.Response
	require.NoError(t, json.Unmarshal(dataBytes, &resp))
	return &resp
}

// =============================================================================
// 🧪 QueryHandler 测试
// =============================================================================

func TestQueryHandler_Validation(t *testing.T) {
	handler := newQueryTestHandler(t, nil)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"missing question", `{"mode":"multi_agent"}`, http.StatusBadRequest},
		{"blank question", `{"question":"   "}`, http.StatusBadRequest},
		{"unknown mode", `{"question":"why churn","mode":"turbo"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postQuery(t, handler, tt.body)
			assert.Equal(t, tt.status, w.Code)

			var envelope Response
			require.NoError(t, json.NewDecoder(w.Body).Decode(&envelope))
			assert.False(t, envelope.Success)
			require.NotNil(t, envelope.Error)
			assert.Equal(t, "INVALID_REQUEST", envelope.Error.Code)
		})
	}
}

func TestQueryHandler_MethodAndContentType(t *testing.T) {
	handler := newQueryTestHandler(t, nil)

	t.Run("GET not allowed", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/v1/query", nil)
		handler.HandleQuery(w, r)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})

	t.Run("wrong content type", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/v1/query",
			bytes.NewReader([]byte(`{"question":"why churn"}`)))
		r.Header.Set("Content-Type", "text/plain")
		handler.HandleQuery(w, r)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestQueryHandler_MultiAgent(t *testing.T) {
	handler := newQueryTestHandler(t, nil)

	w := postQuery(t, handler, `{"question":"Tell me about our customers","mode":"multi_agent"}`)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeQueryResponse(t, w)
	assert.Contains(t, resp.Answer, "onboarding")
	assert.NotEmpty(t, resp.RequestID)
	assert.Greater(t, resp.Confidence, 0.0)

	stages := make([]string, 0, len(resp.StageTrace))
	for _, event := range resp.StageTrace {
		stages = append(stages, event.Stage)
	}
	assert.Equal(t, []string{"classify", "research", "writing", "synthesize"}, stages)
}

func TestQueryHandler_SingleAgent(t *testing.T) {
	handler := newQueryTestHandler(t, nil)

	w := postQuery(t, handler, `{"question":"Tell me about our customers","mode":"single_agent"}`)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeQueryResponse(t, w)
	assert.NotEmpty(t, resp.Answer)
	assert.Greater(t, resp.Confidence, 0.0)
}

func TestQueryHandler_DefaultsToMultiAgent(t *testing.T) {
	handler := newQueryTestHandler(t, nil)

	w := postQuery(t, handler, `{"question":"Tell me about our customers"}`)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeQueryResponse(t, w)
	assert.Len(t, resp.StageTrace, 4)
}

func TestQueryHandler_CacheHit(t *testing.T) {
	mr := miniredis.RunT(t)

	answers, err := cache.NewAnswerCache(cache.Config{
		Addr:       mr.Addr(),
		DefaultTTL: time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)
	defer answers.Close()

	handler := newQueryTestHandler(t, answers)

	first := postQuery(t, handler, `{"question":"Tell me about our customers","mode":"multi_agent"}`)
	require.Equal(t, http.StatusOK, first.Code)
	firstResp := decodeQueryResponse(t, first)

	second := postQuery(t, handler, `{"question":"  tell me about OUR customers ","mode":"multi_agent"}`)
	require.Equal(t, http.StatusOK, second.Code)
	secondResp := decodeQueryResponse(t, second)

	// 归一化后的同一问题命中缓存，返回同一个 request_id
	assert.Equal(t, firstResp.RequestID, secondResp.RequestID)
	assert.Equal(t, firstResp.Answer, secondResp.Answer)
}
