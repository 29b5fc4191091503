// Package api 暴露 Agent 注册、聊天会话、实时事件流以及健康检查的 HTTP 接口。
package api
