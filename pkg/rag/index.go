package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/atelier-ai/studio/pkg/store"
	"github.com/atelier-ai/studio/pkg/vector"
)

const indexCollection = "workspace"

// Entry is one indexed chunk.
type Entry struct {
	ID        string
	Content   string
	Embedding []float32
	Source    string
	ChunkType string
	StartLine int
	EndLine   int
	UpdatedAt float64
}

// ScoredEntry pairs an entry with its similarity score.
type ScoredEntry struct {
	Entry *Entry
	Score float64
}

// Index keeps the chunk catalog in memory for keyword search and
// persistence, and mirrors embeddings into the vector provider for
// similarity search.
type Index struct {
	provider vector.Provider

	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
	dirty   bool
}

func NewIndex(provider vector.Provider) *Index {
	return &Index{
		provider: provider,
		entries:  make(map[string]*Entry),
	}
}

// Size is the number of indexed chunks.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Entries returns a snapshot in insertion order.
func (idx *Index) Entries() []*Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]*Entry, 0, len(idx.entries))
	for _, id := range idx.order {
		out = append(out, idx.entries[id])
	}
	return out
}

// Upsert adds or replaces one entry.
func (idx *Index) Upsert(ctx context.Context, entry *Entry) error {
	entry.UpdatedAt = float64(time.Now().UnixMilli()) / 1000

	if err := idx.provider.Upsert(ctx, indexCollection, entry.ID, entry.Embedding, map[string]any{
		"content":    entry.Content,
		"source":     entry.Source,
		"chunk_type": entry.ChunkType,
	}); err != nil {
		return err
	}

	idx.mu.Lock()
	if _, exists := idx.entries[entry.ID]; !exists {
		idx.order = append(idx.order, entry.ID)
	}
	idx.entries[entry.ID] = entry
	idx.dirty = true
	idx.mu.Unlock()
	return nil
}

// Remove deletes one entry.
func (idx *Index) Remove(ctx context.Context, id string) error {
	idx.mu.Lock()
	if _, exists := idx.entries[id]; exists {
		delete(idx.entries, id)
		for i, existing := range idx.order {
			if existing == id {
				idx.order = append(idx.order[:i], idx.order[i+1:]...)
				break
			}
		}
		idx.dirty = true
	}
	idx.mu.Unlock()
	return idx.provider.Delete(ctx, indexCollection, id)
}

// RemoveBySource drops every entry of one source file.
func (idx *Index) RemoveBySource(ctx context.Context, source string) error {
	idx.mu.RLock()
	var ids []string
	for id, entry := range idx.entries {
		if entry.Source == source {
			ids = append(ids, id)
		}
	}
	idx.mu.RUnlock()

	for _, id := range ids {
		if err := idx.Remove(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Clear empties the index.
func (idx *Index) Clear(ctx context.Context) error {
	idx.mu.Lock()
	idx.entries = make(map[string]*Entry)
	idx.order = nil
	idx.dirty = true
	idx.mu.Unlock()
	return idx.provider.DeleteCollection(ctx, indexCollection)
}

// Search runs similarity search, optionally restricted to sources
// under a path prefix. With a filter the whole collection is scored so
// the prefix cut does not starve the result set.
func (idx *Index) Search(ctx context.Context, queryEmbedding []float32, topK int, sourceFilter string) ([]ScoredEntry, error) {
	if idx.Size() == 0 {
		return nil, nil
	}

	limit := topK
	if sourceFilter != "" {
		limit = idx.Size()
	}

	hits, err := idx.provider.Search(ctx, indexCollection, queryEmbedding, limit)
	if err != nil {
		return nil, err
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var results []ScoredEntry
	for _, hit := range hits {
		entry, ok := idx.entries[hit.ID]
		if !ok || hit.Score <= 0 {
			continue
		}
		if sourceFilter != "" && !strings.HasPrefix(entry.Source, sourceFilter) {
			continue
		}
		results = append(results, ScoredEntry{Entry: entry, Score: float64(hit.Score)})
		if len(results) == topK {
			break
		}
	}
	return results, nil
}

// SaveToDB persists the catalog with a full replace; no-op while
// clean.
func (idx *Index) SaveToDB(ctx context.Context, db *store.DB) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if !idx.dirty {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rag_index`); err != nil {
		return err
	}
	for _, id := range idx.order {
		entry := idx.entries[id]
		embedding, _ := json.Marshal(entry.Embedding)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO rag_index (id, content, embedding, source, chunk_type, start_line, end_line, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.Content, string(embedding), entry.Source,
			entry.ChunkType, entry.StartLine, entry.EndLine, entry.UpdatedAt)
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	idx.dirty = false
	slog.Info("RAG index saved", "entries", len(idx.entries))
	return nil
}

// LoadFromDB restores the catalog and refills the vector provider.
func (idx *Index) LoadFromDB(ctx context.Context, db *store.DB) error {
	rows, err := db.QueryContext(ctx,
		`SELECT id, content, embedding, source, chunk_type, start_line, end_line, updated_at FROM rag_index`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	var loaded []*Entry
	for rows.Next() {
		var (
			entry     Entry
			embedding string
		)
		if err := rows.Scan(&entry.ID, &entry.Content, &embedding, &entry.Source,
			&entry.ChunkType, &entry.StartLine, &entry.EndLine, &entry.UpdatedAt); err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(embedding), &entry.Embedding); err != nil {
			return fmt.Errorf("decode embedding %s: %w", entry.ID, err)
		}
		loaded = append(loaded, &entry)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	idx.mu.Lock()
	idx.entries = make(map[string]*Entry, len(loaded))
	idx.order = make([]string, 0, len(loaded))
	for _, entry := range loaded {
		idx.entries[entry.ID] = entry
		idx.order = append(idx.order, entry.ID)
	}
	idx.dirty = false
	idx.mu.Unlock()

	for _, entry := range loaded {
		if err := idx.provider.Upsert(ctx, indexCollection, entry.ID, entry.Embedding, map[string]any{
			"content":    entry.Content,
			"source":     entry.Source,
			"chunk_type": entry.ChunkType,
		}); err != nil {
			return err
		}
	}

	slog.Info("RAG index loaded", "entries", len(loaded))
	return nil
}
