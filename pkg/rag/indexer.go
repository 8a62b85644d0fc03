package rag

import (
	"context"
	"crypto/md5"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/atelier-ai/studio/pkg/store"
)

var codeExtensions = map[string]bool{
	".py": true, ".js": true, ".ts": true, ".jsx": true, ".tsx": true,
	".vue": true, ".go": true, ".java": true, ".kt": true, ".scala": true,
	".rs": true, ".c": true, ".cpp": true, ".h": true, ".rb": true,
	".php": true, ".swift": true, ".sh": true, ".bash": true, ".zsh": true,
	".sql": true, ".r": true, ".lua": true, ".dart": true,
}

var textExtensions = map[string]bool{
	".md": true, ".txt": true, ".rst": true, ".adoc": true, ".csv": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true, ".ini": true,
	".cfg": true, ".xml": true, ".html": true, ".css": true, ".scss": true,
}

var indexSkipDirs = map[string]bool{
	"node_modules": true, ".git": true, ".svn": true, "__pycache__": true,
	".mypy_cache": true, ".pytest_cache": true, "dist": true, "build": true,
	".next": true, ".nuxt": true, "venv": true, ".venv": true, "env": true,
	".tox": true, "htmlcov": true, ".idea": true, ".vscode": true, "vendor": true,
}

const (
	maxIndexFileSize = 512 * 1024
	indexBatchSize   = 20
	watchDebounce    = 2 * time.Second
)

// IndexStats summarizes one indexing pass.
type IndexStats struct {
	Scanned int
	Indexed int
	Skipped int
	Errors  int
}

// Indexer scans the workspace, chunks and embeds changed files and
// feeds the index. Incremental by file modification time.
type Indexer struct {
	workspace   string
	index       *Index
	embedder    *Embedder
	codeChunker *CodeChunker
	textChunker *TextChunker
	db          *store.DB

	mu           sync.Mutex
	indexedFiles map[string]time.Time
	running      bool
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewIndexer builds an indexer. db may be nil to skip persistence
// after each pass.
func NewIndexer(workspace string, index *Index, embedder *Embedder, maxChunkTokens, overlapLines int, db *store.DB) *Indexer {
	return &Indexer{
		workspace:    workspace,
		index:        index,
		embedder:     embedder,
		codeChunker:  NewCodeChunker(maxChunkTokens, overlapLines),
		textChunker:  NewTextChunker(maxChunkTokens),
		db:           db,
		indexedFiles: make(map[string]time.Time),
	}
}

// Running reports whether the background loop is active.
func (ix *Indexer) Running() bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.running
}

// IndexedCount is the number of files currently tracked.
func (ix *Indexer) IndexedCount() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.indexedFiles)
}

// Start launches the background loop: one pass per interval, plus
// debounced passes on filesystem events when watch is enabled.
func (ix *Indexer) Start(ctx context.Context, interval time.Duration, watch bool) error {
	ix.mu.Lock()
	if ix.running {
		ix.mu.Unlock()
		return nil
	}
	ix.running = true
	ctx, ix.cancel = context.WithCancel(ctx)
	ix.done = make(chan struct{})
	ix.mu.Unlock()

	var watcher *fsnotify.Watcher
	if watch {
		var err error
		watcher, err = fsnotify.NewWatcher()
		if err != nil {
			slog.Warn("filesystem watch unavailable", "error", err)
		} else if err := ix.addWatches(watcher); err != nil {
			slog.Warn("filesystem watch setup failed", "error", err)
		}
	}

	go ix.loop(ctx, interval, watcher)
	slog.Info("background indexer started", "interval", interval, "watch", watcher != nil)
	return nil
}

// Stop halts the loop and waits for it to exit.
func (ix *Indexer) Stop() {
	ix.mu.Lock()
	if !ix.running {
		ix.mu.Unlock()
		return
	}
	ix.running = false
	cancel := ix.cancel
	done := ix.done
	ix.mu.Unlock()

	cancel()
	<-done
	slog.Info("background indexer stopped")
}

func (ix *Indexer) loop(ctx context.Context, interval time.Duration, watcher *fsnotify.Watcher) {
	defer close(ix.done)
	if watcher != nil {
		defer func() { _ = watcher.Close() }()
	}

	if _, err := ix.IndexOnce(ctx); err != nil {
		slog.Error("index pass failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if watcher != nil {
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ix.IndexOnce(ctx); err != nil {
				slog.Error("index pass failed", "error", err)
			}
		case event := <-events:
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = watcher.Add(event.Name)
					}
				}
				debounce.Reset(watchDebounce)
			}
		case <-debounce.C:
			if _, err := ix.IndexOnce(ctx); err != nil {
				slog.Error("index pass failed", "error", err)
			}
		case err := <-watchErrs:
			if err != nil {
				slog.Warn("filesystem watch error", "error", err)
			}
		}
	}
}

func (ix *Indexer) addWatches(watcher *fsnotify.Watcher) error {
	return filepath.WalkDir(ix.workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != ix.workspace && (indexSkipDirs[name] || strings.HasPrefix(name, ".")) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

// IndexOnce runs one incremental pass over the workspace.
func (ix *Indexer) IndexOnce(ctx context.Context) (IndexStats, error) {
	started := time.Now()
	stats := IndexStats{}

	files := ix.scanFiles()
	stats.Scanned = len(files)

	type pending struct {
		path  string
		mtime time.Time
	}
	var toIndex []pending
	ix.mu.Lock()
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			stats.Skipped++
			continue
		}
		if last, ok := ix.indexedFiles[path]; ok && !info.ModTime().After(last) {
			stats.Skipped++
			continue
		}
		toIndex = append(toIndex, pending{path, info.ModTime()})
	}
	ix.mu.Unlock()

	for i := 0; i < len(toIndex); i += indexBatchSize {
		end := i + indexBatchSize
		if end > len(toIndex) {
			end = len(toIndex)
		}
		for _, item := range toIndex[i:end] {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			if err := ix.indexFile(ctx, item.path); err != nil {
				slog.Warn("索引文件失败", "path", item.path, "error", err)
				stats.Errors++
				continue
			}
			ix.mu.Lock()
			ix.indexedFiles[item.path] = item.mtime
			ix.mu.Unlock()
			stats.Indexed++
		}
	}

	if ix.db != nil {
		if err := ix.index.SaveToDB(ctx, ix.db); err != nil {
			slog.Warn("persist index failed", "error", err)
		}
	}

	slog.Info("index pass finished",
		"scanned", stats.Scanned,
		"indexed", stats.Indexed,
		"skipped", stats.Skipped,
		"errors", stats.Errors,
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
	return stats, nil
}

func (ix *Indexer) scanFiles() []string {
	var result []string
	_ = filepath.WalkDir(ix.workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if path != ix.workspace && (indexSkipDirs[name] || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(name))
		if !codeExtensions[ext] && !textExtensions[ext] {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > maxIndexFileSize {
			return nil
		}
		result = append(result, path)
		return nil
	})
	return result
}

func (ix *Indexer) indexFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	content := string(data)
	if strings.TrimSpace(content) == "" {
		return nil
	}

	rel, err := filepath.Rel(ix.workspace, path)
	if err != nil {
		rel = path
	}

	if err := ix.index.RemoveBySource(ctx, rel); err != nil {
		return err
	}

	var chunks []Chunk
	if codeExtensions[strings.ToLower(filepath.Ext(path))] {
		chunks = ix.codeChunker.ChunkFile(content, rel)
	} else {
		chunks = ix.textChunker.ChunkText(content, rel)
	}

	var keep []Chunk
	var texts []string
	for _, chunk := range chunks {
		if strings.TrimSpace(chunk.Content) == "" {
			continue
		}
		keep = append(keep, chunk)
		texts = append(texts, chunk.Content)
	}
	if len(keep) == 0 {
		return nil
	}

	embeddings := ix.embedder.Embed(ctx, texts)
	for i, chunk := range keep {
		if err := ix.index.Upsert(ctx, &Entry{
			ID:        chunkID(chunk),
			Content:   chunk.Content,
			Embedding: embeddings[i],
			Source:    chunk.Source,
			ChunkType: chunk.ChunkType,
			StartLine: chunk.StartLine,
			EndLine:   chunk.EndLine,
		}); err != nil {
			return err
		}
	}
	return nil
}

func chunkID(chunk Chunk) string {
	prefix := chunk.Content
	if runes := []rune(prefix); len(runes) > 50 {
		prefix = string(runes[:50])
	}
	return fmt.Sprintf("%x", md5.Sum([]byte(fmt.Sprintf("%s:%d:%d:%s", chunk.Source, chunk.StartLine, chunk.EndLine, prefix))))
}
