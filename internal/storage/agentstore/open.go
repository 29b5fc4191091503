// Package agentstore selects the agent repository backend from configuration.
package agentstore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"ABIAgent-Chain/internal/config"
	"ABIAgent-Chain/internal/storage"
	"ABIAgent-Chain/internal/storage/mysql"
	"ABIAgent-Chain/internal/storage/sqlite"
)

// Open returns the repository for cfg.Driver. An empty sqlite DSN falls back
// to agents.db under dataDir.
func Open(ctx context.Context, cfg config.AgentStoreConfig, dataDir string) (storage.AgentRepository, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return storage.NewMemoryAgentRepository(), nil
	case "mysql":
		return mysql.Open(ctx, mysql.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTimeSeconds) * time.Second,
		})
	case "sqlite":
		path := strings.TrimSpace(cfg.DSN)
		if path == "" {
			if dataDir == "" {
				dataDir = "."
			}
			path = filepath.Join(dataDir, "agents.db")
		}
		return sqlite.Open(ctx, path)
	default:
		return nil, fmt.Errorf("unsupported agent store driver %q", cfg.Driver)
	}
}
