// Package mysql 打开 MySQL 连接、执行嵌入式迁移，并返回 Agent 仓库。
package mysql
