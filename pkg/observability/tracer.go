package observability

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-ai/studio/pkg/store"
)

const (
	ringCapacity = 1000
	flushBatch   = 50
)

// Span is one timed, typed record covering an LLM call, tool execution
// or agent run.
type Span struct {
	SpanID             string         `json:"span_id"`
	TraceID            string         `json:"trace_id"`
	ParentID           string         `json:"parent_id,omitempty"`
	Type               string         `json:"type"`
	Name               string         `json:"name"`
	ModelID            string         `json:"model_id,omitempty"`
	ProjectID          string         `json:"project_id,omitempty"`
	StartTime          float64        `json:"start_time"`
	EndTime            float64        `json:"end_time"`
	PromptTokens       int            `json:"prompt_tokens"`
	CompletionTokens   int            `json:"completion_tokens"`
	EstimatedCostCents float64        `json:"estimated_cost_cents"`
	Status             string         `json:"status"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// Tracer keeps the most recent spans in a ring buffer and persists
// ended spans asynchronously in batches.
type Tracer struct {
	mu   sync.RWMutex
	ring []*Span
	next int
	full bool

	db      *store.DB
	pending chan *Span
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewTracer creates a tracer. db may be nil to disable persistence.
func NewTracer(db *store.DB) *Tracer {
	t := &Tracer{
		ring:    make([]*Span, ringCapacity),
		db:      db,
		pending: make(chan *Span, 4*flushBatch),
		done:    make(chan struct{}),
	}

	if db != nil {
		t.wg.Add(1)
		go t.writeLoop()
	}

	return t
}

func newSpanID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

func newTraceID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}

// StartSpan opens a span. traceID may be empty to start a new trace;
// parent may be nil.
func (t *Tracer) StartSpan(spanType, name, traceID string, parent *Span) *Span {
	if traceID == "" {
		if parent != nil {
			traceID = parent.TraceID
		} else {
			traceID = newTraceID()
		}
	}

	span := &Span{
		SpanID:    newSpanID(),
		TraceID:   traceID,
		Type:      spanType,
		Name:      name,
		StartTime: float64(time.Now().UnixNano()) / 1e9,
		Status:    "ok",
	}
	if parent != nil {
		span.ParentID = parent.SpanID
	}

	return span
}

// EndSpan closes a span exactly once, computes its cost, stores it in
// the ring and queues it for persistence.
func (t *Tracer) EndSpan(span *Span, status, errorMessage string) {
	if span == nil || span.EndTime != 0 {
		return
	}

	span.EndTime = float64(time.Now().UnixNano()) / 1e9
	if status != "" {
		span.Status = status
	}
	span.ErrorMessage = errorMessage
	if span.ModelID != "" {
		span.EstimatedCostCents = EstimateCostCents(span.ModelID, span.PromptTokens, span.CompletionTokens)
	}

	t.mu.Lock()
	t.ring[t.next] = span
	t.next = (t.next + 1) % ringCapacity
	if t.next == 0 {
		t.full = true
	}
	t.mu.Unlock()

	if t.db != nil {
		select {
		case t.pending <- span:
		default:
			slog.Warn("Trace buffer full, dropping span", "span_id", span.SpanID)
		}
	}
}

// RecentSpans returns up to limit spans, newest first.
func (t *Tracer) RecentSpans(limit int) []*Span {
	t.mu.RLock()
	defer t.mu.RUnlock()

	size := t.next
	if t.full {
		size = ringCapacity
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]*Span, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (t.next - i + ringCapacity) % ringCapacity
		if t.ring[idx] != nil {
			out = append(out, t.ring[idx])
		}
	}
	return out
}

// Trace returns all buffered spans of one trace, oldest first.
func (t *Tracer) Trace(traceID string) []*Span {
	all := t.RecentSpans(0)
	out := make([]*Span, 0, 8)
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].TraceID == traceID {
			out = append(out, all[i])
		}
	}
	return out
}

func (t *Tracer) writeLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	batch := make([]*Span, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := t.persist(batch); err != nil {
			slog.Warn("Failed to persist trace batch", "count", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case span := <-t.pending:
			batch = append(batch, span)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-t.done:
			for {
				select {
				case span := <-t.pending:
					batch = append(batch, span)
					if len(batch) >= flushBatch {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (t *Tracer) persist(spans []*Span) error {
	tx, err := t.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO ai_traces
		(span_id, trace_id, parent_id, span_type, name, model_id, project_id,
		 start_time, end_time, prompt_tokens, completion_tokens,
		 estimated_cost_cents, status, error_message, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, s := range spans {
		meta := ""
		if len(s.Metadata) > 0 {
			if b, err := json.Marshal(s.Metadata); err == nil {
				meta = string(b)
			}
		}
		if _, err := stmt.Exec(
			s.SpanID, s.TraceID, nullable(s.ParentID), s.Type, s.Name,
			nullable(s.ModelID), nullable(s.ProjectID),
			s.StartTime, s.EndTime, s.PromptTokens, s.CompletionTokens,
			s.EstimatedCostCents, s.Status, nullable(s.ErrorMessage), nullable(meta),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Shutdown flushes pending spans and stops the writer.
func (t *Tracer) Shutdown(ctx context.Context) {
	if t.db == nil {
		return
	}

	close(t.done)

	finished := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
	}
}
