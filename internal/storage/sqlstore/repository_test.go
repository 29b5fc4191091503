package sqlstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	xerrors "ABIAgent-Chain/internal/errors"
	"ABIAgent-Chain/internal/storage"
)

const (
	insertAgentSQL = `INSERT INTO agents
    (developer_id, agent_name, prompt, contract_address, abi, code_snippet, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?)`
	selectAgentSQL = `SELECT id, developer_id, agent_name, prompt, contract_address, abi, code_snippet, created_at
    FROM agents WHERE id = ?`
	listAgentsSQL = `SELECT id, developer_id, agent_name, prompt, contract_address, abi, code_snippet, created_at
    FROM agents WHERE developer_id = ? ORDER BY id ASC`
	updateSnippetSQL = `UPDATE agents SET code_snippet = ? WHERE id = ?`
	deleteAgentSQL   = `DELETE FROM agents WHERE id = ?`
)

var agentColumnNames = []string{"id", "developer_id", "agent_name", "prompt", "contract_address", "abi", "code_snippet", "created_at"}

func TestRepositoryCreateAndSnippet(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(insertAgentSQL, mockResult{lastInsertID: 42, rowsAffected: 1}),
		execOp(updateSnippetSQL, mockResult{rowsAffected: 1}),
		execOp(updateSnippetSQL, mockResult{rowsAffected: 0}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := New(db)
	agent := &storage.Agent{DeveloperID: "d1", Name: "Bot", Prompt: "p", ContractAddress: "0xabc", ABI: "[]"}
	if err := repo.Create(context.Background(), agent); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if agent.ID != 42 || agent.CreatedAt.IsZero() {
		t.Fatalf("unexpected agent after create: %+v", agent)
	}
	if err := repo.UpdateCodeSnippet(context.Background(), 42, "<script/>"); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := repo.UpdateCodeSnippet(context.Background(), 43, "<script/>"); !xerrors.Is(err, xerrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestRepositoryGetListDelete(t *testing.T) {
	t.Parallel()

	created := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	row := []driver.Value{int64(7), "d1", "Bot", "p", "0xabc", "[]", "<script/>", created.UnixMilli()}

	db, drv := newMockDB(t, []mockOperation{
		queryOp(selectAgentSQL, mockRowsData{columns: agentColumnNames, values: [][]driver.Value{row}}),
		queryOp(selectAgentSQL, mockRowsData{columns: agentColumnNames}),
		queryOp(listAgentsSQL, mockRowsData{columns: agentColumnNames, values: [][]driver.Value{row, row}}),
		execOp(deleteAgentSQL, mockResult{rowsAffected: 1}),
		queryOp(`SELECT COUNT(*) FROM agents`, mockRowsData{columns: []string{"count"}, values: [][]driver.Value{{int64(0)}}}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := New(db)
	ctx := context.Background()

	agent, err := repo.Get(ctx, 7)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if agent.ID != 7 || agent.Name != "Bot" || !agent.CreatedAt.Equal(created) {
		t.Fatalf("unexpected agent: %+v", agent)
	}
	if _, err := repo.Get(ctx, 8); !xerrors.Is(err, xerrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}

	list, err := repo.ListByDeveloper(ctx, "d1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("unexpected list: %+v", list)
	}

	if err := repo.Delete(ctx, 7); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if n, err := repo.Count(ctx); err != nil || n != 0 {
		t.Fatalf("count = %d, %v", n, err)
	}
}

func TestRepositoryDriverErrorsAreStorageFailures(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execErrOp(insertAgentSQL, errors.New("connection reset")),
		execErrOp(deleteAgentSQL, errors.New("connection reset")),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := New(db)
	if err := repo.Create(context.Background(), &storage.Agent{}); !xerrors.Is(err, xerrors.CodeStorageFailure) {
		t.Fatalf("expected STORAGE_FAILURE, got %v", err)
	}
	if err := repo.Delete(context.Background(), 1); !xerrors.Is(err, xerrors.CodeStorageFailure) {
		t.Fatalf("expected STORAGE_FAILURE, got %v", err)
	}
}

func TestMigrateAppliesPendingFiles(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"0001_create_agents.sql": {Data: []byte("CREATE TABLE agents (id INTEGER);\nCREATE INDEX idx ON agents (id);")},
		"0002_extra.sql":         {Data: []byte("ALTER TABLE agents ADD COLUMN x TEXT;")},
		"README.md":              {Data: []byte("ignored")},
	}

	db, drv := newMockDB(t, []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}, values: [][]driver.Value{{"0001"}}}),
		beginOp(),
		execOp(`ALTER TABLE agents ADD COLUMN x TEXT`, mockResult{}),
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := Migrate(context.Background(), db, fsys); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
}

func TestMigrateRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{"0001_a.sql": {Data: []byte("BROKEN")}}
	db, drv := newMockDB(t, []mockOperation{
		execOp("", mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		execErrOp(`BROKEN`, errors.New("syntax error")),
		rollbackOp(),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := Migrate(context.Background(), db, fsys); err == nil {
		t.Fatalf("expected migration failure")
	}
}
