// Package handlers 提供 HTTP API 处理器。
//
// 端点一览：
//   - POST /v1/query     流失分析问答（single_strategy / single_agent / multi_agent）
//   - POST /v1/retrieve  直接检索调试接口，按策略返回原始证据
//   - GET  /v1/stats     索引与图谱统计
//   - GET  /health       完整健康检查（索引就绪 + Redis 连通性）
//   - GET  /healthz      存活探针
//   - GET  /ready        就绪探针
//   - GET  /version      版本信息
package handlers
