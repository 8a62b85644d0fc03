package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/studio/pkg/llms"
	"github.com/atelier-ai/studio/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestStoreAddGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := &Item{
		Content:    "项目使用 PostgreSQL 数据库",
		Type:       TypeFact,
		ProjectID:  "proj-1",
		Importance: 0.7,
		Tags:       []string{"tech_stack"},
		Source:     "manual",
		Metadata:   map[string]any{"origin": "test"},
	}
	id, err := s.Add(ctx, item)
	require.NoError(t, err)
	assert.Len(t, id, 16)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "项目使用 PostgreSQL 数据库", got.Content)
	assert.Equal(t, TypeFact, got.Type)
	assert.Equal(t, "proj-1", got.ProjectID)
	assert.Equal(t, 0.7, got.Importance)
	assert.Equal(t, []string{"tech_stack"}, got.Tags)
	assert.Equal(t, "test", got.Metadata["origin"])
	assert.Greater(t, got.UpdatedAt, 0.0)

	missing, err := s.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStoreSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	add := func(content, projectID string, memType Type, importance float64) {
		_, err := s.Add(ctx, &Item{Content: content, Type: memType, ProjectID: projectID, Importance: importance})
		require.NoError(t, err)
	}
	add("we use Django for the backend", "proj-1", TypeFact, 0.5)
	add("Django admin is disabled", "proj-2", TypeFact, 0.9)
	add("prefer pytest over unittest", "", TypePreference, 0.4)
	add("migrated to Django 5", "", TypeDecision, 0.8)

	// project scope pulls in globals, keyword matches case-insensitively
	items, err := s.Search(ctx, "Django backend", "proj-1", "", 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	// importance wins over recency
	assert.Equal(t, "migrated to Django 5", items[0].Content)
	assert.Equal(t, "we use Django for the backend", items[1].Content)

	// type filter
	items, err = s.Search(ctx, "django", "proj-1", TypeDecision, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, TypeDecision, items[0].Type)

	// single-char words are not keywords; no keyword means match-all
	items, err = s.Search(ctx, "a b", "", "", 10)
	require.NoError(t, err)
	assert.Len(t, items, 4)

	// no match
	items, err = s.Search(ctx, "kubernetes", "proj-1", "", 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestStoreListRecentAndRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Add(ctx, &Item{Content: "older", Type: TypeFact})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = s.Add(ctx, &Item{Content: "newer", Type: TypeFact})
	require.NoError(t, err)

	items, err := s.ListRecent(ctx, "", "", 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "newer", items[0].Content)

	items, err = s.ListRecent(ctx, "", "", 1)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	removed, err := s.Remove(ctx, first)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.Remove(ctx, first)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestStoreUpdateImportance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Add(ctx, &Item{Content: "tune me", Type: TypeFact, Importance: 0.2})
	require.NoError(t, err)
	require.NoError(t, s.UpdateImportance(ctx, id, 0.95))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0.95, got.Importance)
}

func TestParseLLMOutput(t *testing.T) {
	items := parseLLMOutput(`[FACT] 项目使用 Go 1.24 开发
[DECISION] 选定 PostgreSQL 作为主库
[PREFERENCE] 喜欢表驱动测试
[FACT] 短
[UNKNOWN] 未知类型应被跳过
不带标记的行`, "proj-1")

	require.Len(t, items, 3)
	assert.Equal(t, TypeFact, items[0].Type)
	assert.Equal(t, "项目使用 Go 1.24 开发", items[0].Content)
	assert.Equal(t, TypeDecision, items[1].Type)
	assert.Equal(t, TypePreference, items[2].Type)
	for _, item := range items {
		assert.Equal(t, 0.6, item.Importance)
		assert.Equal(t, "llm_extraction", item.Source)
		assert.Equal(t, "proj-1", item.ProjectID)
	}

	assert.Empty(t, parseLLMOutput("无", ""))
	assert.Empty(t, parseLLMOutput("  无明确信息", ""))
	assert.Empty(t, parseLLMOutput("", ""))
}

func TestRuleExtract(t *testing.T) {
	items := ruleExtract([]string{
		"我们使用 Django 框架",
		"决定使用 PostgreSQL。",
		"我喜欢用 pytest。",
		"不要用 tabs。",
	}, "proj-1")

	byType := map[Type][]*Item{}
	for _, item := range items {
		byType[item.Type] = append(byType[item.Type], item)
	}

	require.NotEmpty(t, byType[TypeFact])
	assert.Equal(t, "Django", byType[TypeFact][0].Content)
	assert.Equal(t, 0.5, byType[TypeFact][0].Importance)
	assert.Equal(t, []string{"tech_stack"}, byType[TypeFact][0].Tags)

	require.NotEmpty(t, byType[TypeDecision])
	assert.Equal(t, "PostgreSQL", byType[TypeDecision][0].Content)
	assert.Equal(t, 0.6, byType[TypeDecision][0].Importance)

	require.Len(t, byType[TypePreference], 2)
	assert.Equal(t, "pytest", byType[TypePreference][0].Content)
	assert.Equal(t, "tabs", byType[TypePreference][1].Content)
	assert.Equal(t, []string{"avoidance"}, byType[TypePreference][1].Tags)
}

func TestDeduplicate(t *testing.T) {
	items := deduplicate([]*Item{
		{Content: "Use PostgreSQL"},
		{Content: "use postgresql"},
		{Content: "Use MySQL"},
	})
	require.Len(t, items, 2)
	assert.Equal(t, "Use PostgreSQL", items[0].Content)
	assert.Equal(t, "Use MySQL", items[1].Content)
}

type scriptedStreamer struct {
	events []llms.ProviderEvent
}

func (s *scriptedStreamer) Stream(context.Context, llms.StreamOptions) <-chan llms.ProviderEvent {
	ch := make(chan llms.ProviderEvent, len(s.events))
	for _, event := range s.events {
		ch <- event
	}
	close(ch)
	return ch
}

func TestExtractorLLMPath(t *testing.T) {
	s := newTestStore(t)
	streamer := &scriptedStreamer{events: []llms.ProviderEvent{
		{Type: llms.EventContentDelta, Text: "[FACT] 项目使用 Go 1.24 开发\n"},
		{Type: llms.EventContentDelta, Text: "[PREFERENCE] 喜欢表驱动测试"},
	}}

	extractor := NewExtractor(streamer, s)
	items := extractor.ExtractFromMessages(context.Background(), []llms.Message{
		{Role: "user", Content: "我们用 Go 1.24"},
		{Role: "assistant", Content: "好的"},
	}, "proj-1", true)

	require.Len(t, items, 2)

	stored, err := s.ListRecent(context.Background(), "proj-1", "", 10)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestExtractorFallsBackToRules(t *testing.T) {
	streamer := &scriptedStreamer{events: []llms.ProviderEvent{
		{Type: llms.EventError, Error: "服务错误 (500)"},
	}}

	extractor := NewExtractor(streamer, nil)
	items := extractor.ExtractFromMessages(context.Background(), []llms.Message{
		{Role: "user", Content: "我们使用 Django 框架"},
	}, "", false)

	require.NotEmpty(t, items)
	assert.Equal(t, "rule_extraction", items[0].Source)
	assert.Equal(t, "Django", items[0].Content)
}

func TestExtractorNoUserMessages(t *testing.T) {
	extractor := NewExtractor(nil, nil)
	items := extractor.ExtractFromMessages(context.Background(), []llms.Message{
		{Role: "assistant", Content: "hello"},
	}, "", false)
	assert.Empty(t, items)
}
