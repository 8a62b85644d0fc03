package vector

import (
	"context"
	"fmt"
	"sync"

	"github.com/philippgille/chromem-go"
)

// ChromemProvider is the embedded backend: pure Go, persisted as gob
// files, no external service.
type ChromemProvider struct {
	db *chromem.DB

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

// NewChromem opens (or creates) a persistent store at path. An empty
// path keeps everything in memory, which the tests use.
func NewChromem(path string) (*ChromemProvider, error) {
	var (
		db  *chromem.DB
		err error
	)
	if path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open chromem store: %w", err)
		}
	}
	return &ChromemProvider{
		db:          db,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

// noEmbed guards against documents arriving without a precomputed
// embedding; every caller in this codebase embeds before upserting.
func noEmbed(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("embedding must be precomputed")
}

func (p *ChromemProvider) collection(name string) (*chromem.Collection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if col, ok := p.collections[name]; ok {
		return col, nil
	}
	col, err := p.db.GetOrCreateCollection(name, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("get collection %s: %w", name, err)
	}
	p.collections[name] = col
	return col, nil
}

func (p *ChromemProvider) Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error {
	col, err := p.collection(collection)
	if err != nil {
		return err
	}

	content := ""
	meta := make(map[string]string, len(metadata))
	for key, value := range metadata {
		text := fmt.Sprint(value)
		if key == "content" {
			content = text
		}
		meta[key] = text
	}

	doc := chromem.Document{
		ID:        id,
		Metadata:  meta,
		Embedding: vector,
		Content:   content,
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("upsert %s: %w", id, err)
	}
	return nil
}

func (p *ChromemProvider) Search(ctx context.Context, collection string, queryVector []float32, topK int) ([]SearchResult, error) {
	return p.SearchWithFilter(ctx, collection, queryVector, topK, nil)
}

func (p *ChromemProvider) SearchWithFilter(ctx context.Context, collection string, queryVector []float32, topK int, filter map[string]any) ([]SearchResult, error) {
	col, err := p.collection(collection)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults above the document count
	if count := col.Count(); topK > count {
		topK = count
	}
	if topK <= 0 {
		return nil, nil
	}

	var where map[string]string
	if len(filter) > 0 {
		where = make(map[string]string, len(filter))
		for key, value := range filter {
			where[key] = fmt.Sprint(value)
		}
	}

	hits, err := col.QueryEmbedding(ctx, queryVector, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}

	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		metadata := make(map[string]any, len(hit.Metadata))
		for key, value := range hit.Metadata {
			metadata[key] = value
		}
		results = append(results, SearchResult{
			ID:       hit.ID,
			Content:  hit.Content,
			Vector:   hit.Embedding,
			Metadata: metadata,
			Score:    hit.Similarity,
		})
	}
	return results, nil
}

func (p *ChromemProvider) Delete(ctx context.Context, collection, id string) error {
	col, err := p.collection(collection)
	if err != nil {
		return err
	}
	return col.Delete(ctx, nil, nil, id)
}

func (p *ChromemProvider) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	col, err := p.collection(collection)
	if err != nil {
		return err
	}
	where := make(map[string]string, len(filter))
	for key, value := range filter {
		where[key] = fmt.Sprint(value)
	}
	return col.Delete(ctx, where, nil)
}

func (p *ChromemProvider) DeleteCollection(_ context.Context, collection string) error {
	p.mu.Lock()
	delete(p.collections, collection)
	p.mu.Unlock()
	return p.db.DeleteCollection(collection)
}

func (p *ChromemProvider) Close() error {
	return nil
}
