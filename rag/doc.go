/*
# 概述

Package rag 提供流失分析问答的检索层。

该包覆盖检索管线的全部阶段：两级分块（父块提供上下文、子块用于嵌入
检索）、向量存储、五种检索策略、网络搜索和流失知识图。

# 核心接口/类型

  - ChunkIndex — 两级块索引，只嵌入子块，构建结果原子替换
  - VectorStore — 向量库统一接口（内存 / Qdrant 两种实现）
  - Retriever — 检索策略统一契约（naive / multi_query / parent_document /
    contextual_compression / reranking）
  - WebSearchProvider — 网络搜索接口（Tavily 实现）
  - ChurnGraph — 客户、细分、原因、竞争对手的知识图

# 快速开始

	index := rag.NewChunkIndex(rag.DefaultIndexConfig(), tokenizer, embedder,
		func() rag.VectorStore { return rag.NewInMemoryVectorStore(logger) }, logger)
	if err := index.Build(ctx, docs); err != nil {
		return err
	}

	retriever, err := rag.NewRetriever(rag.StrategyNaive, rag.RetrieverDeps{
		Index:    index,
		Embedder: embedder,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	result, err := retriever.Retrieve(ctx, "why do enterprise accounts churn", 5)

检索结果按分数降序、按块 ID 去重。空结果是合法状态，表示索引中
没有相关内容。
*/
package rag
