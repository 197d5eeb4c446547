// Package api 提供守护进程的 HTTP 状态接口：插件列表、加载日志、
// Prometheus 指标以及 WebSocket 属性流。
package api
