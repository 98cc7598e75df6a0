package rag

import (
	"context"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/churnsight/types"
)

// VectorPoint 向量库中的一个点：子块向量 + 元数据载荷
type VectorPoint struct {
	ID      string         `json:"id"`
	Vector  []float64      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// VectorMatch 向量搜索命中
type VectorMatch struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"` // 余弦相似度，越大越相关
	Payload map[string]any `json:"payload,omitempty"`
}

// MetadataFilter 元数据过滤条件，零值字段不参与过滤
type MetadataFilter struct {
	Segment     string  `json:"segment,omitempty"`
	ChurnReason string  `json:"churn_reason,omitempty"`
	MinARR      float64 `json:"min_arr,omitempty"`
	MaxARR      float64 `json:"max_arr,omitempty"`
}

// IsZero 报告过滤器是否为空
func (f *MetadataFilter) IsZero() bool {
	return f == nil || (f.Segment == "" && f.ChurnReason == "" && f.MinARR == 0 && f.MaxARR == 0)
}

// Matches 报告载荷是否满足过滤条件
func (f *MetadataFilter) Matches(payload map[string]any) bool {
	if f.IsZero() {
		return true
	}
	if f.Segment != "" {
		if s, _ := payload[types.MetaSegment].(string); s != f.Segment {
			return false
		}
	}
	if f.ChurnReason != "" {
		if s, _ := payload[types.MetaChurnReason].(string); s != f.ChurnReason {
			return false
		}
	}
	if f.MinARR > 0 || f.MaxARR > 0 {
		arr, ok := payloadARR(payload)
		if !ok {
			return false
		}
		if f.MinARR > 0 && arr < f.MinARR {
			return false
		}
		if f.MaxARR > 0 && arr > f.MaxARR {
			return false
		}
	}
	return true
}

func payloadARR(payload map[string]any) (float64, bool) {
	switch v := payload[types.MetaARRLost].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// VectorStore 向量数据库接口
type VectorStore interface {
	// Upsert 插入或更新向量点
	Upsert(ctx context.Context, points []VectorPoint) error

	// Search 按余弦相似度搜索 topK 个点，filter 可为 nil
	Search(ctx context.Context, queryVector []float64, topK int, filter *MetadataFilter) ([]VectorMatch, error)

	// Delete 按 ID 删除
	Delete(ctx context.Context, ids []string) error

	// Count 返回点数量
	Count(ctx context.Context) (int, error)

	// Clear 清空全部数据
	Clear(ctx context.Context) error
}

// ====== 内存向量存储（用于测试和小规模应用）======

// InMemoryVectorStore 内存向量存储
type InMemoryVectorStore struct {
	mu     sync.RWMutex
	points map[string]VectorPoint
	logger *zap.Logger
}

// NewInMemoryVectorStore 创建内存向量存储
func NewInMemoryVectorStore(logger *zap.Logger) *InMemoryVectorStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryVectorStore{
		points: make(map[string]VectorPoint),
		logger: logger.With(zap.String("component", "vector_store")),
	}
}

// Upsert 插入或更新向量点
func (s *InMemoryVectorStore) Upsert(ctx context.Context, points []VectorPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range points {
		if len(p.Vector) == 0 {
			return types.NewError(types.ErrIndexBuild, "point "+p.ID+" has no vector")
		}
		s.points[p.ID] = p
	}

	s.logger.Debug("points upserted",
		zap.Int("count", len(points)),
		zap.Int("total", len(s.points)))

	return nil
}

// Search 按余弦相似度搜索
func (s *InMemoryVectorStore) Search(ctx context.Context, queryVector []float64, topK int, filter *MetadataFilter) ([]VectorMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.points) == 0 || topK <= 0 {
		return []VectorMatch{}, nil
	}

	results := make([]VectorMatch, 0, len(s.points))
	for _, p := range s.points {
		if !filter.Matches(p.Payload) {
			continue
		}
		results = append(results, VectorMatch{
			ID:      p.ID,
			Score:   cosineSimilarity(queryVector, p.Vector),
			Payload: p.Payload,
		})
	}

	// 分数降序，同分按 ID 保证确定性
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if topK > len(results) {
		topK = len(results)
	}
	return results[:topK], nil
}

// Delete 按 ID 删除
func (s *InMemoryVectorStore) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.points, id)
	}
	return nil
}

// Count 返回点数量
func (s *InMemoryVectorStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points), nil
}

// Clear 清空全部数据
func (s *InMemoryVectorStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = make(map[string]VectorPoint)
	s.logger.Debug("vector store cleared")
	return nil
}

// cosineSimilarity 余弦相似度
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0.0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0.0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
