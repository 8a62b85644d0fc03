package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenInMemory_SchemaApplied(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	for _, table := range []string{"memory_items", "ai_traces", "mcp_audit_log", "rag_index"} {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		assert.NoError(t, err, table)
		assert.Equal(t, table, name)
	}
}

func TestOpen_CreatesParentDir(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir + "/nested/studio.db")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, err = db.Exec("INSERT INTO memory_items (id, content, memory_type) VALUES ('a', 'b', 'fact')")
	assert.NoError(t, err)
}
