package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/churnsight/llm/embedding"
	"github.com/BaSui01/churnsight/types"
)

// ParentChunk 父块：提供完整上下文，不参与向量检索
type ParentChunk struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	Seq        int            `json:"seq"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	TokenCount int            `json:"token_count"`
}

// ChildChunk 子块：嵌入向量库的检索单元，指向其父块
type ChildChunk struct {
	ID         string         `json:"id"`
	ParentID   string         `json:"parent_id"`
	DocumentID string         `json:"document_id"`
	Seq        int            `json:"seq"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	TokenCount int            `json:"token_count"`
}

// ScoredChild 带相似度分数的子块
type ScoredChild struct {
	Chunk ChildChunk `json:"chunk"`
	Score float64    `json:"score"`
}

// IndexStats 索引统计
type IndexStats struct {
	Documents int       `json:"documents"`
	Parents   int       `json:"parents"`
	Children  int       `json:"children"`
	Vectors   int       `json:"vectors"`
	BuiltAt   time.Time `json:"built_at"`
}

// indexSnapshot 一次构建的不可变结果，整体原子替换。
// vectors 按子块 ID 保留嵌入向量，重建时内容未变的子块直接复用。
type indexSnapshot struct {
	parents  map[string]*ParentChunk
	children map[string]*ChildChunk
	vectors  map[string][]float64
	store    VectorStore
	stats    IndexStats
}

// IndexConfig 两级分块索引配置
type IndexConfig struct {
	Parent ChunkingConfig
	Child  ChunkingConfig
}

// DefaultIndexConfig 默认两级分块配置
func DefaultIndexConfig() IndexConfig {
	return IndexConfig{
		Parent: ParentChunkingConfig(),
		Child:  ChildChunkingConfig(),
	}
}

// ChunkIndex 两级分块索引。
// 文档先切为父块，父块再切为子块；只有子块被嵌入。
// Build 在旁路构建完整快照后原子替换，读方永远看到一致的索引。
type ChunkIndex struct {
	parentChunker *DocumentChunker
	childChunker  *DocumentChunker
	embedder      embedding.Provider
	newStore      func() VectorStore
	logger        *zap.Logger

	snap atomic.Pointer[indexSnapshot]
}

// NewChunkIndex 创建两级分块索引。
// newStore 为每次构建提供一个空的向量存储，nil 时使用内存存储。
func NewChunkIndex(cfg IndexConfig, tokenizer Tokenizer, embedder embedding.Provider, newStore func() VectorStore, logger *zap.Logger) *ChunkIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "chunk_index"))
	if newStore == nil {
		newStore = func() VectorStore { return NewInMemoryVectorStore(logger) }
	}
	return &ChunkIndex{
		parentChunker: NewDocumentChunker(cfg.Parent, tokenizer, logger),
		childChunker:  NewDocumentChunker(cfg.Child, tokenizer, logger),
		embedder:      embedder,
		newStore:      newStore,
		logger:        logger,
	}
}

// chunkID 基于内容的稳定 ID：同样的内容在重建后得到同样的 ID
func chunkID(documentID, kind string, seq int, content string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", documentID, kind, seq, content)))
	return kind + "_" + hex.EncodeToString(h[:8])
}

// Build 从文档集合构建索引并原子替换当前快照。
// 空文档集合构建出空的可用快照，检索返回空结果而非错误。
// 任一步骤失败时返回 IndexBuildError，旧快照保持可用。
// 重建幂等：内容未变的子块 ID 不变，其向量从上一快照复用，不再嵌入。
func (ix *ChunkIndex) Build(ctx context.Context, docs []types.Document) error {
	start := time.Now()
	prev := ix.snap.Load()

	parents := make(map[string]*ParentChunk)
	children := make(map[string]*ChildChunk)
	var childList []*ChildChunk

	for _, doc := range docs {
		if strings.TrimSpace(doc.Content) == "" {
			return types.NewError(types.ErrIndexBuild,
				fmt.Sprintf("document %s has no content to split", doc.ID))
		}

		parentChunks := ix.parentChunker.Split(doc.Content)
		if len(parentChunks) == 0 {
			return types.NewError(types.ErrIndexBuild,
				fmt.Sprintf("document %s produced no chunks", doc.ID))
		}
		for pSeq, pc := range parentChunks {
			parent := &ParentChunk{
				ID:         chunkID(doc.ID, "p", pSeq, pc.Content),
				DocumentID: doc.ID,
				Seq:        pSeq,
				Content:    pc.Content,
				Metadata:   doc.Metadata,
				TokenCount: pc.TokenCount,
			}
			parents[parent.ID] = parent

			childChunks := ix.childChunker.Split(pc.Content)
			for cSeq, cc := range childChunks {
				child := &ChildChunk{
					ID:         chunkID(doc.ID, "c", pSeq*10000+cSeq, cc.Content),
					ParentID:   parent.ID,
					DocumentID: doc.ID,
					Seq:        cSeq,
					Content:    cc.Content,
					Metadata:   doc.Metadata,
					TokenCount: cc.TokenCount,
				}
				if _, dup := children[child.ID]; dup {
					// 重叠可能产生相同内容的子块，保留首个
					continue
				}
				children[child.ID] = child
				childList = append(childList, child)
			}
		}
	}

	// 只嵌入子块，上一快照中已有的向量按内容哈希 ID 复用
	vectors := make(map[string][]float64, len(childList))
	var toEmbed []*ChildChunk
	for _, c := range childList {
		if prev != nil {
			if vec, ok := prev.vectors[c.ID]; ok {
				vectors[c.ID] = vec
				continue
			}
		}
		toEmbed = append(toEmbed, c)
	}
	if len(toEmbed) > 0 {
		texts := make([]string, len(toEmbed))
		for i, c := range toEmbed {
			texts[i] = c.Content
		}
		embedded, err := ix.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return types.NewError(types.ErrIndexBuild, "embed child chunks").WithCause(err)
		}
		if len(embedded) != len(toEmbed) {
			return types.NewError(types.ErrIndexBuild,
				fmt.Sprintf("embedding count mismatch: %d chunks, %d vectors", len(toEmbed), len(embedded)))
		}
		for i, c := range toEmbed {
			vectors[c.ID] = embedded[i]
		}
	}

	store := ix.newStore()
	if len(childList) > 0 {
		points := make([]VectorPoint, len(childList))
		for i, c := range childList {
			payload := map[string]any{
				"chunk_id":    c.ID,
				"parent_id":   c.ParentID,
				"document_id": c.DocumentID,
			}
			for k, v := range c.Metadata {
				payload[k] = v
			}
			points[i] = VectorPoint{ID: c.ID, Vector: vectors[c.ID], Payload: payload}
		}
		if err := store.Upsert(ctx, points); err != nil {
			return types.NewError(types.ErrIndexBuild, "upsert child vectors").WithCause(err)
		}
	}

	vectorCount, _ := store.Count(ctx)
	snapshot := &indexSnapshot{
		parents:  parents,
		children: children,
		vectors:  vectors,
		store:    store,
		stats: IndexStats{
			Documents: len(docs),
			Parents:   len(parents),
			Children:  len(children),
			Vectors:   vectorCount,
			BuiltAt:   time.Now(),
		},
	}

	ix.snap.Store(snapshot)

	ix.logger.Info("index built",
		zap.Int("documents", len(docs)),
		zap.Int("parents", len(parents)),
		zap.Int("children", len(children)),
		zap.Int("embedded", len(toEmbed)),
		zap.Int("reused_vectors", len(childList)-len(toEmbed)),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// Ready 报告索引是否已构建
func (ix *ChunkIndex) Ready() bool {
	return ix.snap.Load() != nil
}

// Stats 返回当前快照统计
func (ix *ChunkIndex) Stats() IndexStats {
	snap := ix.snap.Load()
	if snap == nil {
		return IndexStats{}
	}
	return snap.stats
}

// SearchChildren 在当前快照中按向量检索子块
func (ix *ChunkIndex) SearchChildren(ctx context.Context, queryVector []float64, k int, filter *MetadataFilter) ([]ScoredChild, error) {
	snap := ix.snap.Load()
	if snap == nil {
		return nil, types.NewError(types.ErrIndexNotReady, "index has not been built")
	}

	matches, err := snap.store.Search(ctx, queryVector, k, filter)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamRetrieval, "vector search failed").
			WithRetryable(true).WithCause(err)
	}

	results := make([]ScoredChild, 0, len(matches))
	for _, m := range matches {
		child, ok := snap.children[m.ID]
		if !ok {
			// 向量库与快照不一致只可能来自外部存储的残留数据，跳过
			ix.logger.Warn("vector match not found in snapshot", zap.String("chunk_id", m.ID))
			continue
		}
		results = append(results, ScoredChild{Chunk: *child, Score: m.Score})
	}
	return results, nil
}

// Child 按 ID 查找子块
func (ix *ChunkIndex) Child(id string) (ChildChunk, bool) {
	snap := ix.snap.Load()
	if snap == nil {
		return ChildChunk{}, false
	}
	c, ok := snap.children[id]
	if !ok {
		return ChildChunk{}, false
	}
	return *c, true
}

// Parent 返回子块所属的父块，O(1) 映射
func (ix *ChunkIndex) Parent(childID string) (ParentChunk, error) {
	snap := ix.snap.Load()
	if snap == nil {
		return ParentChunk{}, types.NewError(types.ErrIndexNotReady, "index has not been built")
	}
	child, ok := snap.children[childID]
	if !ok {
		return ParentChunk{}, types.NewError(types.ErrNotFound, "child chunk "+childID+" not found")
	}
	parent, ok := snap.parents[child.ParentID]
	if !ok {
		return ParentChunk{}, types.NewError(types.ErrParentMissing,
			"parent "+child.ParentID+" missing for child "+childID)
	}
	return *parent, nil
}
