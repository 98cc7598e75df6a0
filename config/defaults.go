// =============================================================================
// 📦 ChurnSight 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		LLM:       DefaultLLMConfig(),
		Embedding: DefaultEmbeddingConfig(),
		Rerank:    DefaultRerankConfig(),
		WebSearch: DefaultWebSearchConfig(),
		Qdrant:    DefaultQdrantConfig(),
		Redis:     DefaultRedisConfig(),
		Index:     DefaultIndexConfig(),
		Retrieval: DefaultRetrievalConfig(),
		Pipeline:  DefaultPipelineConfig(),
		Data:      DefaultDataConfig(),
		Log:       DefaultLogConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    150 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    10,
		RateLimitBurst:  20,
	}
}

// DefaultLLMConfig 返回默认 LLM 配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		BaseURL:      "https://api.openai.com/v1",
		Model:        "gpt-4o-mini",
		Temperature:  0,
		MaxTokens:    2048,
		Timeout:      60 * time.Second,
		MaxRetries:   3,
		RateLimitRPS: 5,
	}
}

// DefaultEmbeddingConfig 返回默认向量化配置
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		BaseURL:      "https://api.openai.com/v1",
		Model:        "text-embedding-3-small",
		Dimensions:   1536,
		MaxBatchSize: 64,
		Timeout:      30 * time.Second,
	}
}

// DefaultRerankConfig 返回默认重排序配置
func DefaultRerankConfig() RerankConfig {
	return RerankConfig{
		Enabled: true,
		BaseURL: "https://api.cohere.com",
		Model:   "rerank-english-v3.0",
		Timeout: 30 * time.Second,
	}
}

// DefaultWebSearchConfig 返回默认网络搜索配置
func DefaultWebSearchConfig() WebSearchConfig {
	return WebSearchConfig{
		Enabled:    true,
		BaseURL:    "https://api.tavily.com",
		MaxResults: 3,
		Timeout:    20 * time.Second,
	}
}

// DefaultQdrantConfig 返回默认 Qdrant 配置
func DefaultQdrantConfig() QdrantConfig {
	return QdrantConfig{
		Enabled:    false,
		Host:       "localhost",
		Port:       6333,
		Collection: "churn_cases",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:  false,
		Addr:     "localhost:6379",
		Password: "",
		DB:       0,
		PoolSize: 10,
		TTL:      15 * time.Minute,
	}
}

// DefaultIndexConfig 返回默认分块索引配置
func DefaultIndexConfig() IndexConfig {
	return IndexConfig{
		ParentChunkSize:   2000,
		ParentOverlap:     200,
		ChildChunkSize:    400,
		ChildOverlap:      50,
		TokenizerEncoding: "cl100k_base",
	}
}

// DefaultRetrievalConfig 返回默认检索配置
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		DefaultK:         5,
		RerankCandidates: 15,
		MultiQueryCount:  3,
		DefaultStrategy:  "naive",
	}
}

// DefaultPipelineConfig 返回默认流水线配置
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		QueryTimeout:    120 * time.Second,
		RetrieveTimeout: 30 * time.Second,
	}
}

// DefaultDataConfig 返回默认数据集配置
func DefaultDataConfig() DataConfig {
	return DataConfig{
		RecordsPath: "data/churn_cases.yaml",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: false,
	}
}
