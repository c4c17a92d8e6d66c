package storage

import (
	"database/sql"
	"fmt"
)

// MigrationVersion tracks the current database schema version.
const MigrationVersion = 1

// migrate brings the schema up to MigrationVersion. Applied versions are
// recorded in the migrations table.
func (s *Store) migrate() error {
	migrationsTable := `
	CREATE TABLE IF NOT EXISTS migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL
	);`

	if _, err := s.db.Exec(migrationsTable); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to check migration version: %w", err)
	}

	if currentVersion < 1 {
		if err := s.applyMigration1(); err != nil {
			return fmt.Errorf("failed to apply migration 1: %w", err)
		}
	}

	return nil
}

// applyMigration1 creates folders, workflows, workflow_runs and node_runs.
func (s *Store) applyMigration1() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	tables := []struct {
		name string
		ddl  string
	}{
		{"folders", `
		CREATE TABLE folders (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			parent_id TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`},
		{"workflows", `
		CREATE TABLE workflows (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			folder_id TEXT,
			nodes TEXT NOT NULL,
			edges TEXT NOT NULL,
			thumbnail TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`},
		{"workflow_runs", `
		CREATE TABLE workflow_runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			run_scope TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			duration BIGINT,
			node_count INTEGER NOT NULL,
			FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
		);`},
		{"node_runs", `
		CREATE TABLE node_runs (
			id TEXT PRIMARY KEY,
			workflow_run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			node_name TEXT NOT NULL,
			node_type TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			duration BIGINT,
			input_data TEXT,
			output_data TEXT,
			error TEXT,
			FOREIGN KEY (workflow_run_id) REFERENCES workflow_runs(id) ON DELETE CASCADE
		);`},
	}

	for _, table := range tables {
		if _, err := tx.Exec(table.ddl); err != nil {
			return fmt.Errorf("failed to create %s table: %w", table.name, err)
		}
	}

	indexes := []string{
		"CREATE INDEX idx_folders_user_parent ON folders(user_id, parent_id);",
		"CREATE INDEX idx_workflows_user_folder ON workflows(user_id, folder_id, updated_at DESC);",
		"CREATE INDEX idx_workflow_runs_workflow_id ON workflow_runs(workflow_id, started_at DESC);",
		"CREATE INDEX idx_node_runs_run_id ON node_runs(workflow_run_id, started_at);",
	}

	for _, idx := range indexes {
		if _, err := tx.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := s.recordMigration(tx, 1); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	return nil
}

func (s *Store) recordMigration(tx *sql.Tx, version int) error {
	_, err := tx.Exec(s.rebind("INSERT INTO migrations (version, applied_at) VALUES (?, ?)"), version, s.now())
	if err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return nil
}
