package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/churnsight/types"
)

func TestCohereProvider_Rerank(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/rerank", r.URL.Path)
		assert.Equal(t, "Bearer co-test", r.Header.Get("Authorization"))

		var body cohereRerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "rerank-english-v3.0", body.Model)
		assert.Len(t, body.Documents, 3)
		assert.Equal(t, 2, body.TopN)

		// 上游返回按相关性降序的结果
		json.NewEncoder(w).Encode(map[string]any{
			"id": "rr-1",
			"results": []map[string]any{
				{"index": 2, "relevance_score": 0.97},
				{"index": 0, "relevance_score": 0.42},
			},
			"meta": map[string]any{"billed_units": map[string]any{"search_units": 1}},
		})
	}))
	t.Cleanup(srv.Close)

	p := NewCohereProvider(CohereConfig{APIKey: "co-test", BaseURL: srv.URL})
	resp, err := p.Rerank(context.Background(), &RerankRequest{
		Query: "pricing pressure churn",
		Documents: []Document{
			{ID: "c1", Text: "onboarding issues"},
			{ID: "c2", Text: "support latency"},
			{ID: "c3", Text: "lost to cheaper competitor"},
		},
		TopN: 2,
	})

	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, 2, resp.Results[0].Index)
	assert.Equal(t, "c3", resp.Results[0].Document.ID)
	assert.Equal(t, 0.97, resp.Results[0].RelevanceScore)
	assert.Equal(t, 1, resp.Usage.SearchUnits)
}

func TestCohereProvider_EmptyDocuments(t *testing.T) {
	p := NewCohereProvider(CohereConfig{APIKey: "co-test"})
	resp, err := p.Rerank(context.Background(), &RerankRequest{Query: "q"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestCohereProvider_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	p := NewCohereProvider(CohereConfig{APIKey: "co-test", BaseURL: srv.URL})
	_, err := p.RerankSimple(context.Background(), "q", []string{"doc"}, 1)
	require.Error(t, err)
	assert.Equal(t, types.ErrUpstreamError, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}
