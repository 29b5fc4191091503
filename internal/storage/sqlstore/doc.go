// Package sqlstore 实现基于 database/sql 的 Agent 仓库与嵌入式迁移执行器，
// 供 MySQL 与 SQLite 驱动共用。
package sqlstore
