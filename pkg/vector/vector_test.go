package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/studio/pkg/config"
)

func newMemProvider(t *testing.T) *ChromemProvider {
	t.Helper()
	p, err := NewChromem("")
	require.NoError(t, err)
	return p
}

func TestChromemUpsertAndSearch(t *testing.T) {
	p := newMemProvider(t)
	ctx := context.Background()

	require.NoError(t, p.Upsert(ctx, "code", "a", []float32{1, 0, 0},
		map[string]any{"content": "func main()", "source": "main.go"}))
	require.NoError(t, p.Upsert(ctx, "code", "b", []float32{0, 1, 0},
		map[string]any{"content": "type Server struct", "source": "server.go"}))
	require.NoError(t, p.Upsert(ctx, "code", "c", []float32{0.9, 0.1, 0},
		map[string]any{"content": "func run()", "source": "main.go"}))

	results, err := p.Search(ctx, "code", []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "func main()", results[0].Content)
	assert.Equal(t, "main.go", results[0].Metadata["source"])
	assert.Equal(t, "c", results[1].ID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestChromemSearchClampsTopK(t *testing.T) {
	p := newMemProvider(t)
	ctx := context.Background()

	// empty collection yields no results instead of an error
	results, err := p.Search(ctx, "code", []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)

	require.NoError(t, p.Upsert(ctx, "code", "only", []float32{1, 0}, map[string]any{"content": "x"}))
	results, err = p.Search(ctx, "code", []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestChromemSearchWithFilter(t *testing.T) {
	p := newMemProvider(t)
	ctx := context.Background()

	require.NoError(t, p.Upsert(ctx, "code", "a", []float32{1, 0},
		map[string]any{"content": "alpha", "source": "a.go"}))
	require.NoError(t, p.Upsert(ctx, "code", "b", []float32{1, 0},
		map[string]any{"content": "beta", "source": "b.go"}))

	results, err := p.SearchWithFilter(ctx, "code", []float32{1, 0}, 10, map[string]any{"source": "b.go"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)
}

func TestChromemDelete(t *testing.T) {
	p := newMemProvider(t)
	ctx := context.Background()

	require.NoError(t, p.Upsert(ctx, "code", "a", []float32{1, 0},
		map[string]any{"content": "alpha", "source": "a.go"}))
	require.NoError(t, p.Upsert(ctx, "code", "b", []float32{0, 1},
		map[string]any{"content": "beta", "source": "b.go"}))

	require.NoError(t, p.Delete(ctx, "code", "a"))
	results, err := p.Search(ctx, "code", []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)

	require.NoError(t, p.DeleteByFilter(ctx, "code", map[string]any{"source": "b.go"}))
	results, err = p.Search(ctx, "code", []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemDeleteCollection(t *testing.T) {
	p := newMemProvider(t)
	ctx := context.Background()

	require.NoError(t, p.Upsert(ctx, "code", "a", []float32{1, 0}, map[string]any{"content": "alpha"}))
	require.NoError(t, p.DeleteCollection(ctx, "code"))

	results, err := p.Search(ctx, "code", []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestNewSelectsBackend(t *testing.T) {
	cfg := &config.RAGConfig{}
	cfg.SetDefaults()

	p, err := New(cfg, t.TempDir())
	require.NoError(t, err)
	defer func() { _ = p.Close() }()
	_, ok := p.(*ChromemProvider)
	assert.True(t, ok)

	cfg.Backend = "weaviate"
	_, err = New(cfg, t.TempDir())
	require.Error(t, err)
}
