package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ABIAgent-Chain/internal/storage"
)

const agentColumns = `id, developer_id, agent_name, prompt, contract_address, abi, code_snippet, created_at`

// Repository 是 storage.AgentRepository 的 SQL 实现。
type Repository struct {
	db *sql.DB
}

var _ storage.AgentRepository = (*Repository)(nil)

// New 包装一个已经完成迁移的连接。
func New(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// DB 暴露底层连接，供健康检查使用。
func (r *Repository) DB() *sql.DB { return r.db }

func (r *Repository) Create(ctx context.Context, agent *storage.Agent) error {
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx, `INSERT INTO agents
    (developer_id, agent_name, prompt, contract_address, abi, code_snippet, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?)`,
		agent.DeveloperID, agent.Name, agent.Prompt, agent.ContractAddress, agent.ABI, agent.CodeSnippet, agent.CreatedAt.UnixMilli())
	if err != nil {
		return storage.Failure(err, "插入 agent 失败")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storage.Failure(err, "读取 agent 主键失败")
	}
	agent.ID = id
	return nil
}

func (r *Repository) UpdateCodeSnippet(ctx context.Context, id int64, snippet string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE agents SET code_snippet = ? WHERE id = ?`, snippet, id)
	if err != nil {
		return storage.Failure(err, "更新代码片段失败")
	}
	return requireAffected(res, id)
}

func (r *Repository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return storage.Failure(err, "删除 agent 失败")
	}
	return requireAffected(res, id)
}

func (r *Repository) Get(ctx context.Context, id int64) (*storage.Agent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+agentColumns+`
    FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NotFound(id)
	}
	if err != nil {
		return nil, storage.Failure(err, "查询 agent 失败")
	}
	return agent, nil
}

func (r *Repository) ListByDeveloper(ctx context.Context, developerID string) ([]storage.Agent, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+agentColumns+`
    FROM agents WHERE developer_id = ? ORDER BY id ASC`, developerID)
	if err != nil {
		return nil, storage.Failure(err, "查询 agent 列表失败")
	}
	defer rows.Close()

	out := make([]storage.Agent, 0)
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, storage.Failure(err, "解析 agent 失败")
		}
		out = append(out, *agent)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Failure(err, "遍历 agent 列表失败")
	}
	return out, nil
}

func (r *Repository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&n); err != nil {
		return 0, storage.Failure(err, "统计 agent 失败")
	}
	return n, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(s scanner) (*storage.Agent, error) {
	var (
		agent     storage.Agent
		createdAt int64
	)
	if err := s.Scan(&agent.ID, &agent.DeveloperID, &agent.Name, &agent.Prompt,
		&agent.ContractAddress, &agent.ABI, &agent.CodeSnippet, &createdAt); err != nil {
		return nil, err
	}
	agent.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &agent, nil
}

func requireAffected(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storage.Failure(err, "读取影响行数失败")
	}
	if n == 0 {
		return storage.NotFound(id)
	}
	return nil
}
