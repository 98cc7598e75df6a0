package rag

import (
	"strings"

	"go.uber.org/zap"
)

// ChunkingConfig 分块配置
type ChunkingConfig struct {
	ChunkSize    int `json:"chunk_size"`     // 块大小（tokens）
	ChunkOverlap int `json:"chunk_overlap"`  // 重叠大小（tokens）
	MinChunkSize int `json:"min_chunk_size"` // 最小块大小
}

// ParentChunkingConfig 父块默认配置
func ParentChunkingConfig() ChunkingConfig {
	return ChunkingConfig{ChunkSize: 2000, ChunkOverlap: 200, MinChunkSize: 50}
}

// ChildChunkingConfig 子块默认配置
func ChildChunkingConfig() ChunkingConfig {
	return ChunkingConfig{ChunkSize: 400, ChunkOverlap: 50, MinChunkSize: 20}
}

// TextChunk 分块结果
type TextChunk struct {
	Content    string         `json:"content"`
	StartPos   int            `json:"start_pos"`
	EndPos     int            `json:"end_pos"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	TokenCount int            `json:"token_count"`
}

// DocumentChunker 递归文档分块器
// 在段落/句子边界分割，保持语义完整性
type DocumentChunker struct {
	config    ChunkingConfig
	tokenizer Tokenizer
	logger    *zap.Logger
}

// NewDocumentChunker 创建文档分块器
func NewDocumentChunker(config ChunkingConfig, tokenizer Tokenizer, logger *zap.Logger) *DocumentChunker {
	if tokenizer == nil {
		tokenizer = &SimpleTokenizer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentChunker{
		config:    config,
		tokenizer: tokenizer,
		logger:    logger,
	}
}

// Split 将文本递归分块
func (c *DocumentChunker) Split(content string) []TextChunk {
	// 分隔符优先级：段落 > 行 > 句子 > 单词
	separators := []string{"\n\n", "\n", ". ", "。", "! ", "！", "? ", "？", " "}

	chunks := c.recursiveSplit(content, separators, 0)

	// 添加重叠
	if c.config.ChunkOverlap > 0 {
		chunks = c.addOverlap(chunks, content)
	}

	c.logger.Debug("recursive chunking completed",
		zap.Int("chunks", len(chunks)),
		zap.Int("chunk_size", c.config.ChunkSize),
		zap.Int("overlap", c.config.ChunkOverlap))

	return chunks
}

// recursiveSplit 递归分割
func (c *DocumentChunker) recursiveSplit(text string, separators []string, startPos int) []TextChunk {
	if len(separators) == 0 {
		// 最后一级：按字符分割（句子边界感知）
		return c.splitByCharacters(text, startPos)
	}

	separator := separators[0]
	parts := strings.Split(text, separator)

	chunks := []TextChunk{}
	currentChunk := ""
	currentStart := startPos

	for i, part := range parts {
		// 恢复分隔符（除了最后一个）
		if i < len(parts)-1 {
			part += separator
		}

		testChunk := currentChunk + part
		tokenCount := c.tokenizer.CountTokens(testChunk)

		if tokenCount <= c.config.ChunkSize {
			currentChunk = testChunk
		} else {
			// 当前块已满
			if currentChunk != "" {
				// 句子边界检测：确保不在句子中间分割
				finalChunk := c.adjustToSentenceBoundary(currentChunk)
				chunks = append(chunks, TextChunk{
					Content:    strings.TrimSpace(finalChunk),
					StartPos:   currentStart,
					EndPos:     currentStart + len(finalChunk),
					TokenCount: c.tokenizer.CountTokens(finalChunk),
				})
				currentStart += len(finalChunk)

				// 将剩余部分带入下一个块
				remainder := currentChunk[len(finalChunk):]
				currentChunk = remainder + part
				continue
			}

			// 单个 part 超过限制，递归使用下一级分隔符
			if c.tokenizer.CountTokens(part) > c.config.ChunkSize {
				subChunks := c.recursiveSplit(part, separators[1:], currentStart)
				chunks = append(chunks, subChunks...)
				currentStart += len(part)
				currentChunk = ""
			} else {
				currentChunk = part
			}
		}
	}

	// 添加最后一个块
	if currentChunk != "" && c.tokenizer.CountTokens(currentChunk) >= c.config.MinChunkSize {
		chunks = append(chunks, TextChunk{
			Content:    strings.TrimSpace(currentChunk),
			StartPos:   currentStart,
			EndPos:     currentStart + len(currentChunk),
			TokenCount: c.tokenizer.CountTokens(currentChunk),
		})
	}

	return chunks
}

// splitByCharacters 按字符分割（最后手段，句子边界感知）
func (c *DocumentChunker) splitByCharacters(text string, startPos int) []TextChunk {
	chunks := []TextChunk{}
	runes := []rune(text)

	// 估算每个 token 约 4 个字符
	charsPerChunk := c.config.ChunkSize * 4

	for i := 0; i < len(runes); i += charsPerChunk {
		end := i + charsPerChunk
		if end > len(runes) {
			end = len(runes)
		}

		chunkText := c.adjustToSentenceBoundary(string(runes[i:end]))
		chunks = append(chunks, TextChunk{
			Content:    chunkText,
			StartPos:   startPos + i,
			EndPos:     startPos + i + len([]rune(chunkText)),
			TokenCount: c.tokenizer.CountTokens(chunkText),
		})
	}

	return chunks
}

// adjustToSentenceBoundary 调整到句子边界（避免在句子中间分割）
func (c *DocumentChunker) adjustToSentenceBoundary(text string) string {
	if len(text) == 0 {
		return text
	}

	sentenceEnders := []rune{'.', '。', '!', '！', '?', '？', '\n'}

	// 从后往前查找最近的句子边界，只在后半部分查找
	runes := []rune(text)
	for i := len(runes) - 1; i >= len(runes)/2; i-- {
		for _, ender := range sentenceEnders {
			if runes[i] == ender {
				return string(runes[:i+1])
			}
		}
	}

	// 找不到句子边界时退而查找空格
	for i := len(runes) - 1; i >= len(runes)/2; i-- {
		if runes[i] == ' ' || runes[i] == '\t' {
			return string(runes[:i])
		}
	}

	return text
}

// addOverlap 从前一个块尾部取重叠内容拼到当前块头部
func (c *DocumentChunker) addOverlap(chunks []TextChunk, fullText string) []TextChunk {
	if len(chunks) <= 1 {
		return chunks
	}

	overlapped := make([]TextChunk, len(chunks))
	overlapChars := c.config.ChunkOverlap * 4 // 估算字符数

	for i := range chunks {
		chunk := chunks[i]

		if i > 0 {
			prevChunk := chunks[i-1]
			overlapStart := prevChunk.EndPos - overlapChars
			if overlapStart < prevChunk.StartPos {
				overlapStart = prevChunk.StartPos
			}

			if overlapStart < chunk.StartPos && chunk.StartPos <= len(fullText) {
				overlapText := fullText[overlapStart:chunk.StartPos]
				chunk.Content = overlapText + chunk.Content
				chunk.StartPos = overlapStart
			}
		}

		overlapped[i] = chunk
	}

	return overlapped
}
