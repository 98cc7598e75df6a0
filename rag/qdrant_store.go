// ====== Qdrant 向量库后端 ======
// 通过 REST API 实现 VectorStore。Qdrant 的点 ID 必须是 UUID，
// 这里从块 ID 派生稳定 UUID，并把原始块 ID 存进 payload 以便还原。

package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/churnsight/types"
)

const qdrantPointIDField = "point_source_id"

// QdrantConfig Qdrant 后端配置
type QdrantConfig struct {
	Host       string        `json:"host"`
	Port       int           `json:"port"`
	BaseURL    string        `json:"base_url,omitempty"`
	APIKey     string        `json:"api_key,omitempty"`
	Collection string        `json:"collection"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	VectorSize int           `json:"vector_size,omitempty"` // 0 表示用首批向量的维度
	Distance   string        `json:"distance,omitempty"`    // Cosine（默认）、Dot、Euclid
}

// QdrantStore 基于 Qdrant REST API 的 VectorStore 实现
type QdrantStore struct {
	cfg     QdrantConfig
	baseURL string
	client  *http.Client
	logger  *zap.Logger

	ensureOnce sync.Once
	ensureErr  error
}

// NewQdrantStore 创建 Qdrant 后端
func NewQdrantStore(cfg QdrantConfig, logger *zap.Logger) *QdrantStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Distance == "" {
		cfg.Distance = "Cosine"
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	}
	return &QdrantStore{
		cfg:     cfg,
		baseURL: baseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With(zap.String("component", "qdrant_store")),
	}
}

var qdrantNamespace = uuid.MustParse("8a1f6c02-93d7-4b5e-9a41-2c7f0e5b6d83")

// qdrantPointID 从块 ID 派生稳定 UUID
func qdrantPointID(id string) string {
	return uuid.NewSHA1(qdrantNamespace, []byte(id)).String()
}

// ensureCollection 幂等地创建集合，已存在（409）视为成功
func (s *QdrantStore) ensureCollection(ctx context.Context, vectorSize int) error {
	if strings.TrimSpace(s.cfg.Collection) == "" {
		return types.NewError(types.ErrInvalidRequest, "qdrant collection is required")
	}
	if vectorSize <= 0 {
		return types.NewError(types.ErrInvalidRequest, "qdrant vector size must be > 0")
	}

	s.ensureOnce.Do(func() {
		body := map[string]any{
			"vectors": map[string]any{
				"size":     vectorSize,
				"distance": s.cfg.Distance,
			},
		}
		reqBody, _ := json.Marshal(body)
		endpoint := fmt.Sprintf("%s/collections/%s", s.baseURL, url.PathEscape(s.cfg.Collection))
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(reqBody))
		if err != nil {
			s.ensureErr = err
			return
		}
		s.applyHeaders(req)

		resp, err := s.client.Do(req)
		if err != nil {
			s.ensureErr = types.NewError(types.ErrUpstreamError, "qdrant create collection failed").
				WithCause(err).WithProvider("qdrant").WithRetryable(true)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusConflict {
			s.ensureErr = nil
			return
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(resp.Body)
			s.ensureErr = types.NewError(types.ErrUpstreamError,
				fmt.Sprintf("qdrant create collection failed: status=%d body=%s", resp.StatusCode, truncate(string(raw), 256))).
				WithProvider("qdrant").WithHTTPStatus(502)
			return
		}
		s.ensureErr = nil
	})
	return s.ensureErr
}

func (s *QdrantStore) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(s.cfg.APIKey) != "" {
		req.Header.Set("api-key", s.cfg.APIKey)
	}
}

func (s *QdrantStore) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return err
	}
	s.applyHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return types.NewError(types.ErrUpstreamError, "qdrant request failed").
			WithCause(err).WithProvider("qdrant").WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		e := types.NewError(types.ErrUpstreamError,
			fmt.Sprintf("qdrant request failed: method=%s path=%s status=%d body=%s",
				method, path, resp.StatusCode, truncate(string(raw), 256))).
			WithProvider("qdrant").WithHTTPStatus(502)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			e = e.WithRetryable(true)
		}
		return e
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Upsert 写入向量点，首次写入时按需创建集合
func (s *QdrantStore) Upsert(ctx context.Context, points []VectorPoint) error {
	if len(points) == 0 {
		return nil
	}

	vectorSize := s.cfg.VectorSize
	for i, p := range points {
		if p.ID == "" {
			return types.NewError(types.ErrIndexBuild, fmt.Sprintf("point[%d] has empty id", i))
		}
		if len(p.Vector) == 0 {
			return types.NewError(types.ErrIndexBuild, fmt.Sprintf("point[%d] has no vector", i))
		}
		if vectorSize == 0 {
			vectorSize = len(p.Vector)
		}
		if len(p.Vector) != vectorSize {
			return types.NewError(types.ErrIndexBuild,
				fmt.Sprintf("point[%d] vector dimension mismatch: got=%d want=%d", i, len(p.Vector), vectorSize))
		}
	}

	if err := s.ensureCollection(ctx, vectorSize); err != nil {
		return err
	}

	type qdrantPoint struct {
		ID      string         `json:"id"`
		Vector  []float64      `json:"vector"`
		Payload map[string]any `json:"payload,omitempty"`
	}
	qpoints := make([]qdrantPoint, 0, len(points))
	for _, p := range points {
		payload := make(map[string]any, len(p.Payload)+1)
		for k, v := range p.Payload {
			payload[k] = v
		}
		payload[qdrantPointIDField] = p.ID
		qpoints = append(qpoints, qdrantPoint{
			ID:      qdrantPointID(p.ID),
			Vector:  p.Vector,
			Payload: payload,
		})
	}

	req := struct {
		Points []qdrantPoint `json:"points"`
	}{Points: qpoints}

	path := fmt.Sprintf("/collections/%s/points?wait=true", url.PathEscape(s.cfg.Collection))
	var resp any
	if err := s.doJSON(ctx, http.MethodPut, path, req, &resp); err != nil {
		return err
	}
	s.logger.Debug("qdrant upsert completed", zap.Int("count", len(points)))
	return nil
}

// Search 按相似度搜索，filter 转换为 Qdrant must 条件
func (s *QdrantStore) Search(ctx context.Context, queryVector []float64, topK int, filter *MetadataFilter) ([]VectorMatch, error) {
	if topK <= 0 {
		return []VectorMatch{}, nil
	}
	if len(queryVector) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "query vector is required")
	}

	req := map[string]any{
		"vector":       queryVector,
		"limit":        topK,
		"with_payload": true,
		"with_vector":  false,
	}
	if qf := qdrantFilter(filter); qf != nil {
		req["filter"] = qf
	}

	type qdrantHit struct {
		ID      any            `json:"id"`
		Score   float64        `json:"score"`
		Payload map[string]any `json:"payload"`
	}
	var resp struct {
		Result []qdrantHit `json:"result"`
	}

	path := fmt.Sprintf("/collections/%s/points/search", url.PathEscape(s.cfg.Collection))
	if err := s.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}

	matches := make([]VectorMatch, 0, len(resp.Result))
	for _, hit := range resp.Result {
		id, _ := hit.Payload[qdrantPointIDField].(string)
		if id == "" {
			id = fmt.Sprint(hit.ID)
		}
		delete(hit.Payload, qdrantPointIDField)
		matches = append(matches, VectorMatch{
			ID:      id,
			Score:   hit.Score,
			Payload: hit.Payload,
		})
	}
	return matches, nil
}

// qdrantFilter 把元数据过滤条件转成 Qdrant 的 must 子句
func qdrantFilter(f *MetadataFilter) map[string]any {
	if f == nil || f.IsZero() {
		return nil
	}
	var must []map[string]any
	if f.Segment != "" {
		must = append(must, map[string]any{
			"key":   types.MetaSegment,
			"match": map[string]any{"value": f.Segment},
		})
	}
	if f.ChurnReason != "" {
		must = append(must, map[string]any{
			"key":   types.MetaChurnReason,
			"match": map[string]any{"value": f.ChurnReason},
		})
	}
	if f.MinARR > 0 || f.MaxARR > 0 {
		rng := map[string]any{}
		if f.MinARR > 0 {
			rng["gte"] = f.MinARR
		}
		if f.MaxARR > 0 {
			rng["lte"] = f.MaxARR
		}
		must = append(must, map[string]any{
			"key":   types.MetaARRLost,
			"range": rng,
		})
	}
	return map[string]any{"must": must}
}

// Delete 按原始块 ID 删除
func (s *QdrantStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	points := make([]string, 0, len(ids))
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			continue
		}
		points = append(points, qdrantPointID(id))
	}

	req := struct {
		Points []string `json:"points"`
	}{Points: points}

	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", url.PathEscape(s.cfg.Collection))
	var resp any
	return s.doJSON(ctx, http.MethodPost, path, req, &resp)
}

// Count 返回集合中的点数
func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	req := struct {
		Exact bool `json:"exact"`
	}{Exact: true}

	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/count", url.PathEscape(s.cfg.Collection))
	if err := s.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

// Clear 删除并重建集合
func (s *QdrantStore) Clear(ctx context.Context) error {
	path := fmt.Sprintf("/collections/%s", url.PathEscape(s.cfg.Collection))
	if err := s.doJSON(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return err
	}
	// 下次 Upsert 重新创建集合
	s.ensureOnce = sync.Once{}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
