package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/churnsight/llm/retry"
	"github.com/BaSui01/churnsight/types"
)

// OpenAIConfig OpenAI 兼容客户端配置
type OpenAIConfig struct {
	// APIKey 认证密钥
	APIKey string
	// BaseURL API 基础地址，默认 https://api.openai.com/v1
	BaseURL string
	// Model 默认模型，请求未指定时使用
	Model string
	// Temperature 默认温度
	Temperature float32
	// MaxTokens 默认最大生成长度
	MaxTokens int
	// Timeout HTTP 超时，默认 60s
	Timeout time.Duration
	// MaxRetries 最大重试次数，默认 3
	MaxRetries int
	// RateLimitRPS 每秒请求数限制，<=0 表示不限流
	RateLimitRPS float64
}

// OpenAIProvider 是 OpenAI Chat Completions 兼容客户端。
// DeepSeek、Qwen 等兼容端点只需替换 BaseURL。
type OpenAIProvider struct {
	cfg     OpenAIConfig
	client  *http.Client
	limiter *rate.Limiter
	retryer retry.Retryer
	logger  *zap.Logger
}

// NewOpenAIProvider 创建 OpenAI 兼容客户端
func NewOpenAIProvider(cfg OpenAIConfig, logger *zap.Logger) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "llm"), zap.String("provider", "openai"))

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), 1)
	}

	policy := retry.DefaultRetryPolicy()
	policy.MaxRetries = cfg.MaxRetries
	policy.RetryIf = retry.RetryableOnly()

	return &OpenAIProvider{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		retryer: retry.NewBackoffRetryer(policy, logger),
		logger:  logger,
	}
}

// Name 实现 Provider.Name
func (p *OpenAIProvider) Name() string { return "openai" }

type openAIChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float32   `json:"temperature"`
	Stop        []string  `json:"stop,omitempty"`
}

type openAIChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int     `json:"index"`
		FinishReason string  `json:"finish_reason"`
		Message      Message `json:"message"`
	} `json:"choices"`
	Usage ChatUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Completion 实现 Provider.Completion
func (p *OpenAIProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "chat request has no messages")
	}

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.cfg.MaxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.cfg.Temperature
	}

	body := openAIChatRequest{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Stop:        req.Stop,
	}

	// 请求级超时覆盖客户端默认值，重试在截止时间内进行
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := retry.DoWithResultTyped[*ChatResponse](p.retryer, ctx, func() (*ChatResponse, error) {
		return p.doCompletion(ctx, &body)
	})
	if err != nil {
		return nil, err
	}

	p.logger.Debug("completion done",
		zap.String("model", model),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
		zap.Duration("duration", time.Since(start)),
	)
	return resp, nil
}

func (p *OpenAIProvider) doCompletion(ctx context.Context, body *openAIChatRequest) (*ChatResponse, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, types.NewError(types.ErrDeadlineExceeded, "rate limiter wait canceled").WithCause(err)
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "marshal chat request").WithCause(err)
	}

	url := p.cfg.BaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "build chat request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, upstreamError("openai", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, upstreamError("openai", err)
	}

	if httpResp.StatusCode >= 400 {
		return nil, statusError("openai", httpResp.StatusCode, data)
	}

	var parsed openAIChatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "decode chat response").
			WithProvider("openai").WithCause(err)
	}
	if parsed.Error != nil {
		return nil, types.NewError(types.ErrUpstreamError, parsed.Error.Message).WithProvider("openai")
	}

	out := &ChatResponse{
		ID:        parsed.ID,
		Provider:  "openai",
		Model:     parsed.Model,
		Usage:     parsed.Usage,
		CreatedAt: time.Now(),
	}
	for _, c := range parsed.Choices {
		out.Choices = append(out.Choices, ChatChoice{
			Index:        c.Index,
			FinishReason: c.FinishReason,
			Message:      c.Message,
		})
	}
	return out, nil
}

// upstreamError 将网络层错误映射为可重试的上游错误
func upstreamError(provider string, err error) *types.Error {
	return types.NewError(types.ErrUpstreamError, "upstream request failed").
		WithProvider(provider).
		WithRetryable(true).
		WithCause(err)
}

// statusError 将 HTTP 状态码映射为错误码与可重试标记
func statusError(provider string, status int, body []byte) *types.Error {
	msg := fmt.Sprintf("upstream returned status %d: %s", status, truncate(string(body), 256))

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.NewError(types.ErrAuthentication, msg).WithProvider(provider).WithHTTPStatus(status)
	case status == http.StatusTooManyRequests:
		return types.NewError(types.ErrRateLimited, msg).WithProvider(provider).WithHTTPStatus(status).WithRetryable(true)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return types.NewError(types.ErrUpstreamTimeout, msg).WithProvider(provider).WithHTTPStatus(status).WithRetryable(true)
	case status >= 500:
		return types.NewError(types.ErrUpstreamError, msg).WithProvider(provider).WithHTTPStatus(status).WithRetryable(true)
	default:
		return types.NewError(types.ErrInvalidRequest, msg).WithProvider(provider).WithHTTPStatus(status)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
