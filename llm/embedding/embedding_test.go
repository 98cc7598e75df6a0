package embedding

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

func embedServer(t *testing.T, dims int, fn func(r *http.Request, inputs []string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if fn != nil {
			fn(r, body.Input)
		}

		data := make([]map[string]any, len(body.Input))
		for i := range body.Input {
			vec := make([]float64, dims)
			vec[0] = float64(i + 1)
			data[i] = map[string]any{"index": i, "embedding": vec}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  body.Model,
			"usage":  map[string]any{"prompt_tokens": 8, "total_tokens": 8},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIProvider_EmbedQuery(t *testing.T) {
	srv := embedServer(t, 4, func(r *http.Request, inputs []string) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-embed", r.Header.Get("Authorization"))
		assert.Equal(t, []string{"why did Acme churn"}, inputs)
	})

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-embed", BaseURL: srv.URL, Dimensions: 4})
	vec, err := p.EmbedQuery(context.Background(), "why did Acme churn")
	require.NoError(t, err)
	assert.Len(t, vec, 4)
	assert.Equal(t, float64(1), vec[0])
}

func TestOpenAIProvider_EmbedDocumentsBatches(t *testing.T) {
	var batches [][]string
	srv := embedServer(t, 4, func(r *http.Request, inputs []string) {
		batches = append(batches, inputs)
	})

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-embed", BaseURL: srv.URL, Dimensions: 4, MaxBatch: 2})
	docs := []string{"a", "b", "c", "d", "e"}
	vecs, err := p.EmbedDocuments(context.Background(), docs)
	require.NoError(t, err)

	assert.Len(t, vecs, 5)
	// MaxBatch=2 时 5 个文档应分为 3 批
	require.Len(t, batches, 3)
	assert.Equal(t, []string{"a", "b"}, batches[0])
	assert.Equal(t, []string{"e"}, batches[2])
}

func TestOpenAIProvider_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`rate limited`))
	}))
	t.Cleanup(srv.Close)

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-embed", BaseURL: srv.URL})
	_, err := p.EmbedQuery(context.Background(), "q")
	require.Error(t, err)
	assert.Equal(t, types.ErrRateLimited, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}

func TestOpenAIProvider_Defaults(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{APIKey: "sk"})
	assert.Equal(t, "openai-embedding", p.Name())
	assert.Equal(t, 1536, p.Dimensions())
	assert.Equal(t, 64, p.MaxBatchSize())
}
