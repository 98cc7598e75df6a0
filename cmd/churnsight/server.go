package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/churnsight/agent"
	"github.com/BaSui01/churnsight/api/handlers"
	"github.com/BaSui01/churnsight/config"
	"github.com/BaSui01/churnsight/internal/cache"
	"github.com/BaSui01/churnsight/internal/dataset"
	"github.com/BaSui01/churnsight/internal/metrics"
	"github.com/BaSui01/churnsight/internal/server"
	"github.com/BaSui01/churnsight/llm"
	"github.com/BaSui01/churnsight/llm/embedding"
	"github.com/BaSui01/churnsight/llm/rerank"
	"github.com/BaSui01/churnsight/rag"
)

// indexBuildTimeout 启动时构建索引的上限
const indexBuildTimeout = 5 * time.Minute

// =============================================================================
// 🏗️ 服务器结构
// =============================================================================

// Server 组装全部组件并管理两个 HTTP 服务（业务 + 指标）
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	collector *metrics.Collector
	answers   *cache.AnswerCache

	httpServer    *server.Manager
	metricsServer *server.Manager

	ctx    context.Context
	cancel context.CancelFunc
}

// queryLLMAdapter 把 llm.Provider 适配成检索层需要的单轮补全接口
type queryLLMAdapter struct {
	provider llm.Provider
}

func (a *queryLLMAdapter) Complete(ctx context.Context, prompt string) (string, error) {
	return llm.Complete(ctx, a.provider, "", prompt)
}

// NewServer 创建并组装服务器
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	collector := metrics.NewCollector("churnsight", logger)

	// --- LLM / 向量化 / 重排序 ---
	provider := llm.NewOpenAIProvider(llm.OpenAIConfig{
		APIKey:       cfg.LLM.APIKey,
		BaseURL:      cfg.LLM.BaseURL,
		Model:        cfg.LLM.Model,
		Temperature:  float32(cfg.LLM.Temperature),
		MaxTokens:    cfg.LLM.MaxTokens,
		Timeout:      cfg.LLM.Timeout,
		MaxRetries:   cfg.LLM.MaxRetries,
		RateLimitRPS: cfg.LLM.RateLimitRPS,
	}, logger)

	embedKey := cfg.Embedding.APIKey
	if embedKey == "" {
		embedKey = cfg.LLM.APIKey
	}
	embedder := embedding.NewOpenAIProvider(embedding.OpenAIConfig{
		APIKey:     embedKey,
		BaseURL:    cfg.Embedding.BaseURL,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		MaxBatch:   cfg.Embedding.MaxBatchSize,
		Timeout:    cfg.Embedding.Timeout,
	})

	var reranker rerank.Provider
	if cfg.Rerank.Enabled {
		reranker = rerank.NewCohereProvider(rerank.CohereConfig{
			APIKey:  cfg.Rerank.APIKey,
			BaseURL: cfg.Rerank.BaseURL,
			Model:   cfg.Rerank.Model,
			Timeout: cfg.Rerank.Timeout,
		})
	}

	// --- 索引与图谱 ---
	tokenizer := rag.NewTiktokenTokenizer(cfg.Index.TokenizerEncoding, logger)

	var newStore func() rag.VectorStore
	if cfg.Qdrant.Enabled {
		newStore = func() rag.VectorStore {
			return rag.NewQdrantStore(rag.QdrantConfig{
				Host:       cfg.Qdrant.Host,
				Port:       cfg.Qdrant.Port,
				APIKey:     cfg.Qdrant.APIKey,
				Collection: cfg.Qdrant.Collection,
			}, logger)
		}
	}

	indexCfg := rag.DefaultIndexConfig()
	indexCfg.Parent.ChunkSize = cfg.Index.ParentChunkSize
	indexCfg.Parent.ChunkOverlap = cfg.Index.ParentOverlap
	indexCfg.Child.ChunkSize = cfg.Index.ChildChunkSize
	indexCfg.Child.ChunkOverlap = cfg.Index.ChildOverlap

	index := rag.NewChunkIndex(indexCfg, tokenizer, embedder, newStore, logger)
	graph := rag.NewChurnGraph(logger)

	if err := buildIndex(cfg, index, graph, collector, logger); err != nil {
		// 索引构建失败不阻止启动，健康检查会暴露未就绪状态
		logger.Warn("index build failed, serving without churn index", zap.Error(err))
	}

	// --- 检索器工厂 ---
	queryLLM := &queryLLMAdapter{provider: provider}
	factory := func(strategy rag.Strategy) (rag.Retriever, error) {
		if strategy == rag.StrategyReranking && reranker == nil {
			logger.Warn("reranking requested but rerank provider disabled, using naive retrieval")
			strategy = rag.StrategyNaive
		}
		return rag.NewRetriever(strategy, rag.RetrieverDeps{
			Index:    index,
			Embedder: embedder,
			QueryLLM: queryLLM,
			Reranker: reranker,
			Config: rag.RetrievalConfig{
				MultiQueryCount:  cfg.Retrieval.MultiQueryCount,
				RerankCandidates: cfg.Retrieval.RerankCandidates,
			},
			Logger: logger,
		})
	}

	researchRetriever, err := factory(rag.StrategyMultiQuery)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create research retriever: %w", err)
	}
	writingStrategy := rag.StrategyReranking
	if reranker == nil {
		writingStrategy = rag.StrategyNaive
	}
	writingRetriever, err := factory(writingStrategy)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create writing retriever: %w", err)
	}

	// --- 网络搜索 ---
	var web rag.WebSearchProvider
	if cfg.WebSearch.Enabled && cfg.WebSearch.APIKey != "" {
		tavily, err := rag.NewTavilyClient(rag.TavilyConfig{
			APIKey:  cfg.WebSearch.APIKey,
			BaseURL: cfg.WebSearch.BaseURL,
			Timeout: cfg.WebSearch.Timeout,
		}, logger)
		if err != nil {
			logger.Warn("web search disabled", zap.Error(err))
		} else {
			web = tavily
		}
	}

	// --- 智能体流水线 ---
	classifier := agent.NewClassifier(provider, logger)
	research := agent.NewResearchTeam(researchRetriever, web, graph, logger)
	writing := agent.NewWritingTeam(writingRetriever, provider, logger)
	pipeline := agent.NewPipeline(classifier, research, writing, logger,
		agent.WithTimeout(cfg.Pipeline.QueryTimeout))
	single := agent.NewSingleAgent(classifier, factory, provider, logger,
		agent.WithSingleTimeout(cfg.Pipeline.RetrieveTimeout))

	// --- 应答缓存 ---
	var answers *cache.AnswerCache
	if cfg.Redis.Enabled {
		answers, err = cache.NewAnswerCache(cache.Config{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			DefaultTTL: cfg.Redis.TTL,
		}, logger)
		if err != nil {
			logger.Warn("answer cache unavailable, serving without cache", zap.Error(err))
			answers = nil
		}
	}

	// --- HTTP 处理器与路由 ---
	queryHandler := handlers.NewQueryHandler(pipeline, single, answers, collector, logger)
	retrieveHandler := handlers.NewRetrieveHandler(factory, collector, logger)
	statsHandler := handlers.NewStatsHandler(index, graph, logger)

	healthHandler := handlers.NewHealthHandler(Version, logger)
	healthHandler.RegisterCheck(handlers.NewIndexHealthCheck(index))
	if answers != nil {
		healthHandler.RegisterCheck(handlers.NewRedisHealthCheck(answers))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/query", queryHandler.HandleQuery)
	mux.HandleFunc("/v1/retrieve", retrieveHandler.HandleRetrieve)
	mux.HandleFunc("/v1/stats", statsHandler.HandleStats)
	mux.HandleFunc("/health", healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", healthHandler.HandleReady)
	mux.HandleFunc("/version", healthHandler.HandleVersion)

	middlewares := []Middleware{
		Recovery(logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(logger),
		MetricsMiddleware(collector),
		CORS(cfg.Server.AllowedOrigins),
	}
	if cfg.Server.RateLimitRPS > 0 {
		middlewares = append(middlewares,
			RateLimiter(ctx, cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, logger))
	}
	if len(cfg.Server.APIKeys) > 0 {
		skipPaths := []string{"/health", "/healthz", "/ready", "/version"}
		middlewares = append(middlewares, APIKeyAuth(cfg.Server.APIKeys, skipPaths, logger))
	}

	handler := Chain(mux, middlewares...)

	httpServer := server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := server.NewManager(metricsMux, server.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	return &Server{
		cfg:           cfg,
		logger:        logger,
		collector:     collector,
		answers:       answers,
		httpServer:    httpServer,
		metricsServer: metricsServer,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// buildIndex 加载流失案例并构建索引与图谱
func buildIndex(cfg *config.Config, index *rag.ChunkIndex, graph *rag.ChurnGraph, collector *metrics.Collector, logger *zap.Logger) error {
	records, err := dataset.LoadRecords(cfg.Data.RecordsPath, logger)
	if err != nil {
		collector.RecordIndexBuild("error", 0, 0)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), indexBuildTimeout)
	defer cancel()

	if err := index.Build(ctx, dataset.ToDocuments(records)); err != nil {
		collector.RecordIndexBuild("error", 0, 0)
		return err
	}
	graph.BuildFromRecords(records)

	stats := index.Stats()
	collector.RecordIndexBuild("success", stats.Documents, stats.Children)
	logger.Info("churn index ready",
		zap.Int("documents", stats.Documents),
		zap.Int("parents", stats.Parents),
		zap.Int("children", stats.Children),
	)
	return nil
}

// =============================================================================
// 🎯 生命周期
// =============================================================================

// Start 启动业务与指标两个 HTTP 服务
func (s *Server) Start() error {
	if err := s.httpServer.Start(); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}
	if err := s.metricsServer.Start(); err != nil {
		s.httpServer.Shutdown(context.Background())
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.logger.Info("ChurnSight serving",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

// WaitForShutdown 阻塞直到收到关闭信号，随后关闭全部组件
func (s *Server) WaitForShutdown() {
	s.httpServer.WaitForShutdown()
	s.Shutdown()
}

// Shutdown 关闭指标服务、缓存连接与后台任务
func (s *Server) Shutdown() {
	if err := s.metricsServer.Shutdown(context.Background()); err != nil {
		s.logger.Error("metrics server shutdown failed", zap.Error(err))
	}
	if s.answers != nil {
		if err := s.answers.Close(); err != nil {
			s.logger.Error("answer cache close failed", zap.Error(err))
		}
	}
	s.cancel()
}
