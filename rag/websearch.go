// ====== 网络搜索 ======
// 研究阶段用外部搜索补充本地检索：行业流失率基准、留存最佳实践等。
// 接口与具体供应商解耦，默认实现走 Tavily 的 REST API。

package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/churnsight/types"
)

// WebSearchResult 一条网络搜索结果
type WebSearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

// WebSearchProvider 网络搜索接口。实现可以包装 Tavily、SerpAPI 等。
type WebSearchProvider interface {
	// Search 执行搜索并返回至多 maxResults 条结果.
	Search(ctx context.Context, query string, maxResults int) ([]WebSearchResult, error)

	// Name 返回提供者名称.
	Name() string
}

// TavilyConfig Tavily 客户端配置
type TavilyConfig struct {
	APIKey      string        `json:"api_key"`
	BaseURL     string        `json:"base_url,omitempty"`
	SearchDepth string        `json:"search_depth,omitempty"` // basic（默认）或 advanced
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// TavilyClient 基于 Tavily REST API 的 WebSearchProvider 实现
type TavilyClient struct {
	cfg    TavilyConfig
	client *http.Client
	logger *zap.Logger
}

// NewTavilyClient 创建 Tavily 搜索客户端
func NewTavilyClient(cfg TavilyConfig, logger *zap.Logger) (*TavilyClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, types.NewError(types.ErrAuthentication, "tavily api key is required").
			WithProvider("tavily")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.tavily.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.SearchDepth == "" {
		cfg.SearchDepth = "basic"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TavilyClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "websearch"), zap.String("provider", "tavily")),
	}, nil
}

func (c *TavilyClient) Name() string { return "tavily" }

type tavilySearchRequest struct {
	Query       string `json:"query"`
	SearchDepth string `json:"search_depth"`
	MaxResults  int    `json:"max_results"`
}

type tavilySearchResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Search 调用 POST /search
func (c *TavilyClient) Search(ctx context.Context, query string, maxResults int) ([]WebSearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "search query is required")
	}
	if maxResults <= 0 {
		maxResults = 3
	}

	body, err := json.Marshal(tavilySearchRequest{
		Query:       query,
		SearchDepth: c.cfg.SearchDepth,
		MaxResults:  maxResults,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "tavily request failed").
			WithCause(err).WithProvider("tavily").WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, tavilyStatusError(resp.StatusCode, string(raw))
	}

	var parsed tavilySearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "tavily response decode failed").
			WithCause(err).WithProvider("tavily")
	}

	results := make([]WebSearchResult, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		if r.URL == "" && r.Content == "" {
			continue
		}
		results = append(results, WebSearchResult{
			Title:   r.Title,
			URL:     r.URL,
			Content: r.Content,
			Score:   r.Score,
		})
	}

	c.logger.Debug("web search complete",
		zap.String("query", truncate(query, 80)),
		zap.Int("results", len(results)))
	return results, nil
}

func tavilyStatusError(status int, body string) error {
	msg := fmt.Sprintf("tavily returned status %d: %s", status, truncate(body, 256))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.NewError(types.ErrAuthentication, msg).WithProvider("tavily").WithHTTPStatus(status)
	case status == http.StatusTooManyRequests:
		return types.NewError(types.ErrRateLimited, msg).WithProvider("tavily").WithHTTPStatus(status).WithRetryable(true)
	case status >= 500:
		return types.NewError(types.ErrUpstreamError, msg).WithProvider("tavily").WithHTTPStatus(502).WithRetryable(true)
	default:
		return types.NewError(types.ErrInvalidRequest, msg).WithProvider("tavily").WithHTTPStatus(status)
	}
}
