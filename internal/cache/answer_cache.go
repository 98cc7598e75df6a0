// Package cache provides internal cache management.
// This package is internal and should not be imported by external projects.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/churnsight/types"
)

// =============================================================================
// 💾 应答缓存
// =============================================================================

// ErrCacheMiss 缓存未命中错误
var ErrCacheMiss = fmt.Errorf("cache miss")

// IsCacheMiss 判断是否为缓存未命中错误
func IsCacheMiss(err error) bool {
	return err == ErrCacheMiss
}

// Config 缓存配置
type Config struct {
	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// 应答默认过期时间
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`

	// 最大重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size"`
}

// DefaultConfig 返回默认缓存配置
func DefaultConfig() Config {
	return Config{
		Addr:       "localhost:6379",
		DB:         0,
		DefaultTTL: 15 * time.Minute,
		MaxRetries: 3,
		PoolSize:   10,
	}
}

// AnswerCache 以 Redis 为后端的应答缓存。
// 同一问题同一模式在索引不变的窗口内直接复用完整响应。
type AnswerCache struct {
	redis  *redis.Client
	config Config
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// NewAnswerCache 创建应答缓存并验证连接
func NewAnswerCache(config Config, logger *zap.Logger) (*AnswerCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:       config.Addr,
		Password:   config.Password,
		DB:         config.DB,
		MaxRetries: config.MaxRetries,
		PoolSize:   config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	c := &AnswerCache{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "answer_cache")),
	}
	logger.Info("answer cache initialized",
		zap.String("addr", config.Addr),
		zap.Duration("ttl", config.DefaultTTL),
	)
	return c, nil
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Key 从问题与模式派生缓存键。大小写与首尾空白不参与区分。
func Key(question string, mode types.Mode) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(question)), " ")
	sum := sha256.Sum256([]byte(normalized + "|" + string(mode)))
	return "churnsight:answer:" + hex.EncodeToString(sum[:16])
}

// GetResponse 查询缓存的应答。未命中返回 ErrCacheMiss。
func (c *AnswerCache) GetResponse(ctx context.Context, question string, mode types.Mode) (*types.Response, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, fmt.Errorf("answer cache is closed")
	}

	key := Key(question, mode)
	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		c.logger.Error("cache get failed", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("cache get failed: %w", err)
	}

	var resp types.Response
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		// 损坏的条目当作未命中，等待被覆盖
		c.logger.Warn("dropping corrupt cache entry", zap.String("key", key), zap.Error(err))
		return nil, ErrCacheMiss
	}
	return &resp, nil
}

// SetResponse 写入应答。ttl 为 0 时使用配置的默认值。
func (c *AnswerCache) SetResponse(ctx context.Context, question string, mode types.Mode, resp *types.Response, ttl time.Duration) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return fmt.Errorf("answer cache is closed")
	}
	if ttl == 0 {
		ttl = c.config.DefaultTTL
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	key := Key(question, mode)
	if err := c.redis.Set(ctx, key, string(data), ttl).Err(); err != nil {
		c.logger.Error("cache set failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("cache set failed: %w", err)
	}
	return nil
}

// Invalidate 删除指定问题的缓存条目
func (c *AnswerCache) Invalidate(ctx context.Context, question string, mode types.Mode) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return fmt.Errorf("answer cache is closed")
	}
	if err := c.redis.Del(ctx, Key(question, mode)).Err(); err != nil {
		return fmt.Errorf("cache delete failed: %w", err)
	}
	return nil
}

// Flush 清空所有应答条目。索引重建后调用，旧答案随旧索引一起作废。
func (c *AnswerCache) Flush(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return fmt.Errorf("answer cache is closed")
	}

	iter := c.redis.Scan(ctx, 0, "churnsight:answer:*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache scan failed: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache flush failed: %w", err)
	}
	c.logger.Info("answer cache flushed", zap.Int("entries", len(keys)))
	return nil
}

// Ping 检查 Redis 连接
func (c *AnswerCache) Ping(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return fmt.Errorf("answer cache is closed")
	}
	return c.redis.Ping(ctx).Err()
}

// Close 关闭缓存
func (c *AnswerCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.logger.Info("closing answer cache")
	return c.redis.Close()
}
