/*
Package main 提供 ChurnSight 服务端程序入口。

# 概述

cmd/churnsight 是流失分析问答服务的可执行入口。启动时加载流失案例
数据集、构建两级分块索引与流失图谱，然后对外暴露问答、检索与统计
HTTP API。程序支持 YAML 配置文件加载、结构化日志（zap）与
Prometheus 指标采集。

# 主要能力

  - 子命令：serve（启动服务）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    MetricsMiddleware、CORS、RateLimiter（基于 IP）、APIKeyAuth
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 关闭 HTTP → 关闭 Metrics → 释放缓存连接
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
