// Package memory is the long-term memory layer: facts the user stated,
// decisions that were made and preferences they expressed, persisted in
// sqlite and recalled by keyword search.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/atelier-ai/studio/pkg/store"
)

// Type classifies one memory item.
type Type string

const (
	TypeFact       Type = "fact"
	TypeDecision   Type = "decision"
	TypePreference Type = "preference"
	TypeContext    Type = "context" // conversation summaries
)

// Item is one remembered piece of information. ProjectID "" means the
// item is global.
type Item struct {
	ID         string
	Content    string
	Type       Type
	ProjectID  string
	Importance float64 // 0~1
	Tags       []string
	Source     string // conversation / llm_extraction / rule_extraction / manual
	CreatedAt  float64
	UpdatedAt  float64
	Metadata   map[string]any
}

// NewItemID returns a 16-char hex id.
func NewItemID() string {
	u := uuid.New()
	return fmt.Sprintf("%x", u[:8])
}

// Store reads and writes memory items.
type Store struct {
	db *store.DB
}

func NewStore(db *store.DB) *Store {
	return &Store{db: db}
}

func epochSeconds() float64 {
	return float64(time.Now().UnixMilli()) / 1000
}

// Add upserts one item and returns its id.
func (s *Store) Add(ctx context.Context, item *Item) (string, error) {
	if item.ID == "" {
		item.ID = NewItemID()
	}
	now := epochSeconds()
	if item.CreatedAt == 0 {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	tags, _ := json.Marshal(item.Tags)
	metadata, _ := json.Marshal(item.Metadata)
	if item.Tags == nil {
		tags = []byte("[]")
	}
	if item.Metadata == nil {
		metadata = []byte("{}")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO memory_items
		 (id, content, memory_type, project_id, importance, tags, source, created_at, updated_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Content, string(item.Type), nullable(item.ProjectID),
		item.Importance, string(tags), item.Source,
		item.CreatedAt, item.UpdatedAt, string(metadata),
	)
	if err != nil {
		return "", fmt.Errorf("add memory: %w", err)
	}
	return item.ID, nil
}

// Get returns one item by id, or nil when absent.
func (s *Store) Get(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, content, memory_type, project_id, importance, tags, source, created_at, updated_at, metadata
		 FROM memory_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return item, err
}

// Search runs keyword recall: the query is lowercased and split, up to
// five keywords are matched with LIKE over the content, and results
// come back most important first. A project id also pulls in global
// items.
func (s *Store) Search(ctx context.Context, query, projectID string, memoryType Type, topK int) ([]*Item, error) {
	if topK <= 0 {
		topK = 10
	}

	sqlText := `SELECT id, content, memory_type, project_id, importance, tags, source, created_at, updated_at, metadata
	 FROM memory_items WHERE 1=1`
	var args []any

	if projectID != "" {
		sqlText += " AND (project_id = ? OR project_id IS NULL)"
		args = append(args, projectID)
	}
	if memoryType != "" {
		sqlText += " AND memory_type = ?"
		args = append(args, string(memoryType))
	}

	var keywords []string
	for _, word := range strings.Fields(strings.ToLower(query)) {
		if utf8.RuneCountInString(word) > 1 {
			keywords = append(keywords, word)
		}
	}
	if len(keywords) > 5 {
		keywords = keywords[:5]
	}
	if len(keywords) > 0 {
		conditions := make([]string, 0, len(keywords))
		for _, kw := range keywords {
			conditions = append(conditions, "LOWER(content) LIKE ?")
			args = append(args, "%"+kw+"%")
		}
		sqlText += " AND (" + strings.Join(conditions, " OR ") + ")"
	}

	sqlText += " ORDER BY importance DESC, updated_at DESC LIMIT ?"
	args = append(args, topK)

	return s.queryItems(ctx, sqlText, args...)
}

// ListRecent returns the latest items, newest first.
func (s *Store) ListRecent(ctx context.Context, projectID string, memoryType Type, limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = 20
	}

	sqlText := `SELECT id, content, memory_type, project_id, importance, tags, source, created_at, updated_at, metadata
	 FROM memory_items WHERE 1=1`
	var args []any

	if projectID != "" {
		sqlText += " AND (project_id = ? OR project_id IS NULL)"
		args = append(args, projectID)
	}
	if memoryType != "" {
		sqlText += " AND memory_type = ?"
		args = append(args, string(memoryType))
	}
	sqlText += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, limit)

	return s.queryItems(ctx, sqlText, args...)
}

// Remove deletes one item; false when it did not exist.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM memory_items WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// UpdateImportance adjusts one item's weight.
func (s *Store) UpdateImportance(ctx context.Context, id string, importance float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE memory_items SET importance = ?, updated_at = ? WHERE id = ?`,
		importance, epochSeconds(), id)
	return err
}

func (s *Store) queryItems(ctx context.Context, sqlText string, args ...any) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanItem(row scannable) (*Item, error) {
	var (
		item      Item
		memType   string
		projectID sql.NullString
		tags      sql.NullString
		metadata  sql.NullString
	)
	err := row.Scan(&item.ID, &item.Content, &memType, &projectID,
		&item.Importance, &tags, &item.Source,
		&item.CreatedAt, &item.UpdatedAt, &metadata)
	if err != nil {
		return nil, err
	}
	item.Type = Type(memType)
	item.ProjectID = projectID.String
	if tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &item.Tags)
	}
	if metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &item.Metadata)
	}
	return &item, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
