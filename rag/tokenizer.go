package rag

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Tokenizer 分词器接口
type Tokenizer interface {
	CountTokens(text string) int
	Encode(text string) []int
}

// TiktokenTokenizer 基于 tiktoken 的精确分词器。
// 编码数据懒加载，出错时回退到字符估算并记录警告日志。
type TiktokenTokenizer struct {
	encoding string
	logger   *zap.Logger

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewTiktokenTokenizer 创建 tiktoken 分词器。
// encoding 指定 tiktoken 编码名（如 "cl100k_base", "o200k_base"）。
func NewTiktokenTokenizer(encoding string, logger *zap.Logger) *TiktokenTokenizer {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TiktokenTokenizer{encoding: encoding, logger: logger}
}

// init 懒初始化 tiktoken 编码（首次使用时可能下载数据）
func (t *TiktokenTokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// CountTokens 返回文本的 token 数。
// tiktoken 初始化失败时回退到 len(text)/4 估算。
func (t *TiktokenTokenizer) CountTokens(text string) int {
	if err := t.init(); err != nil {
		t.logger.Warn("tiktoken unavailable, falling back to estimate", zap.Error(err))
		return len(text) / 4
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Encode 将文本转换为 token ID 列表。
func (t *TiktokenTokenizer) Encode(text string) []int {
	if err := t.init(); err != nil {
		t.logger.Warn("tiktoken unavailable, falling back to estimate", zap.Error(err))
		result := make([]int, len(text)/4)
		for i := range result {
			result[i] = i
		}
		return result
	}
	return t.enc.Encode(text, nil, nil)
}

// SimpleTokenizer 简单分词器（用于测试）
type SimpleTokenizer struct{}

func (t *SimpleTokenizer) CountTokens(text string) int {
	// 简化估算：1 token ≈ 4 字符
	return len(text) / 4
}

func (t *SimpleTokenizer) Encode(text string) []int {
	tokens := make([]int, len(text)/4)
	for i := range tokens {
		tokens[i] = i
	}
	return tokens
}
