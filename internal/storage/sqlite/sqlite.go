// Package sqlite opens a pure-Go SQLite agent store for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ABIAgent-Chain/deploy/migrations"
	"ABIAgent-Chain/internal/storage/sqlstore"

	_ "modernc.org/sqlite"
)

// Open creates the database file if needed, applies migrations and returns
// the repository. A single connection serialises writers.
func Open(ctx context.Context, path string) (*sqlstore.Repository, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := sqlstore.Migrate(ctx, db, migrations.SQLite()); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return sqlstore.New(db), nil
}
