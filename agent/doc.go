// Package agent 实现流失分析问答的多智能体流水线。
//
// # 概述
//
// 一次查询依次经过四个阶段：
//
//   - 分类：LLM 把问题归入封闭意图集合，失败时退化为规则分类
//   - 研究：多查询 RAG、外部网页检索与知识图谱洞察并发取证
//   - 写作：取证 → 起草 → 编辑 → 引用 → 共情与风格五步顺序执行
//   - 综合：组装响应并给出确定性的置信度分数
//
// 阶段推进由显式状态机约束，任意阶段可失败进入终态。每条事实性
// 断言通过确定性匹配对齐到检索证据，不允许无中生有的引用。
//
// # 快速开始
//
//	classifier := agent.NewClassifier(provider, logger)
//	research := agent.NewResearchTeam(multiQuery, tavily, graph, logger)
//	writing := agent.NewWritingTeam(reranking, provider, logger)
//	pipeline := agent.NewPipeline(classifier, research, writing, logger)
//
//	resp, err := pipeline.Run(ctx, types.AgentQuery{
//		Question: "Why are Enterprise customers churning?",
//		Mode:     types.ModeMultiAgent,
//	})
package agent
