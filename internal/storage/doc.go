// Package storage 定义 Agent 记录模型、仓库接口以及进程内实现。
// 具体的 SQL 后端位于 sqlstore、mysql 与 sqlite 子包。
package storage
