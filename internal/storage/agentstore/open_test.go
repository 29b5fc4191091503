package agentstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"ABIAgent-Chain/internal/config"
	"ABIAgent-Chain/internal/storage"
)

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()

	repo, err := Open(ctx, config.AgentStoreConfig{}, "")
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := repo.(*storage.MemoryAgentRepository); !ok {
		t.Fatalf("expected memory repository, got %T", repo)
	}

	dir := t.TempDir()
	repo, err = Open(ctx, config.AgentStoreConfig{Driver: "SQLite"}, dir)
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	defer repo.Close()
	if _, err := os.Stat(filepath.Join(dir, "agents.db")); err != nil {
		t.Fatalf("expected database under data dir: %v", err)
	}

	if _, err := Open(ctx, config.AgentStoreConfig{Driver: "mongo"}, dir); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if _, err := Open(ctx, config.AgentStoreConfig{Driver: "mysql"}, dir); err == nil {
		t.Fatalf("expected error for mysql without DSN")
	}
}
