// Package store opens the shared SQLite database and bootstraps the
// tables used by audit, memory, traces and the RAG index.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the shared connection pool.
type DB struct {
	*sql.DB
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS memory_items (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		memory_type TEXT NOT NULL,
		project_id TEXT,
		importance REAL DEFAULT 0.5,
		tags TEXT,
		source TEXT,
		created_at REAL,
		updated_at REAL,
		metadata TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_project ON memory_items(project_id, memory_type)`,
	`CREATE TABLE IF NOT EXISTS ai_traces (
		span_id TEXT PRIMARY KEY,
		trace_id TEXT NOT NULL,
		parent_id TEXT,
		span_type TEXT NOT NULL,
		name TEXT NOT NULL,
		model_id TEXT,
		project_id TEXT,
		start_time REAL,
		end_time REAL,
		prompt_tokens INTEGER DEFAULT 0,
		completion_tokens INTEGER DEFAULT 0,
		estimated_cost_cents REAL DEFAULT 0,
		status TEXT DEFAULT 'ok',
		error_message TEXT,
		metadata TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_traces_trace ON ai_traces(trace_id)`,
	`CREATE INDEX IF NOT EXISTS idx_traces_start ON ai_traces(start_time)`,
	`CREATE TABLE IF NOT EXISTS mcp_audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		server_slug TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		arguments TEXT,
		result_preview TEXT,
		duration_ms INTEGER DEFAULT 0,
		success INTEGER DEFAULT 1,
		project_id TEXT,
		error_message TEXT,
		created_at REAL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_server ON mcp_audit_log(server_slug, created_at)`,
	`CREATE TABLE IF NOT EXISTS rag_index (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		embedding TEXT NOT NULL,
		source TEXT NOT NULL,
		chunk_type TEXT,
		start_line INTEGER,
		end_line INTEGER,
		updated_at REAL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rag_source ON rag_index(source)`,
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite writes serialize; one writer connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	return &DB{DB: db}, nil
}

// OpenInMemory opens a throwaway database for tests.
func OpenInMemory() (*DB, error) {
	return Open(":memory:")
}
