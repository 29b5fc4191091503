package storage

import (
	"context"
	"fmt"
	"time"

	xerrors "ABIAgent-Chain/internal/errors"
)

// Agent 是一次注册的持久化结构。CodeSnippet 只在 ID 生成后回填。
type Agent struct {
	ID              int64     `json:"id"`
	DeveloperID     string    `json:"developerId"`
	Name            string    `json:"agentName"`
	Prompt          string    `json:"prompt"`
	ContractAddress string    `json:"contractAddress"`
	ABI             string    `json:"abi"`
	CodeSnippet     string    `json:"codeSnippet"`
	CreatedAt       time.Time `json:"createdAt"`
}

// AgentRepository 抽象 Agent 的持久化接口。
type AgentRepository interface {
	// Create 插入记录并回写生成的 ID。
	Create(ctx context.Context, agent *Agent) error
	// UpdateCodeSnippet 是创建后唯一允许的修改。
	UpdateCodeSnippet(ctx context.Context, id int64, snippet string) error
	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*Agent, error)
	ListByDeveloper(ctx context.Context, developerID string) ([]Agent, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}

// NotFound 构造统一的未找到错误。
func NotFound(id int64) error {
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("agent %d not found", id),
		xerrors.WithMetadata("agent_id", fmt.Sprintf("%d", id)))
}

// Failure 把驱动错误包装为 STORAGE_FAILURE。
func Failure(err error, op string) error {
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, op)
}
