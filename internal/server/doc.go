/*
包 server 提供 HTTP 服务器生命周期管理，支持非阻塞启动、
优雅关闭与系统信号监听。

Manager 封装 net/http.Server，统一管理监听、服务、关闭与错误
传播流程。WaitForShutdown 监听 SIGINT/SIGTERM，收到信号后自动
触发优雅关闭；Errors() 返回异步错误通道供调用方监控服务异常。
*/
package server
