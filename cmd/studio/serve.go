package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atelier-ai/studio/pkg/agent"
	"github.com/atelier-ai/studio/pkg/llms"
)

// ServeCmd starts the HTTP server: the SSE agent endpoint plus
// observability surfaces.
type ServeCmd struct {
	Addr    string `help:"Listen address." default:":8080"`
	NoIndex bool   `name:"no-index" help:"Skip the background workspace indexer."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := newApp(ctx, cli.Config)
	if err != nil {
		return err
	}
	defer app.Close()

	if !c.NoIndex {
		interval := time.Duration(app.cfg.RAG.IndexIntervalSeconds) * time.Second
		watch := app.cfg.RAG.Watch == nil || *app.cfg.RAG.Watch
		if err := app.indexer.Start(ctx, interval, watch); err != nil {
			slog.Warn("后台索引器启动失败", "error", err)
		}
		defer app.indexer.Stop()
	}

	srv := &http.Server{
		Addr:              c.Addr,
		Handler:           newRouter(app),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("HTTP 服务已启动", "addr", c.Addr)
	fmt.Printf("Studio server ready!\n")
	fmt.Printf("   Agent SSE:     POST http://%s/v1/agent/stream\n", listenHost(c.Addr))
	fmt.Printf("   Observability: GET  http://%s/v1/observability/dashboard\n", listenHost(c.Addr))
	fmt.Printf("   Metrics:       GET  http://%s/metrics\n", listenHost(c.Addr))

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func listenHost(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}

func newRouter(app *app) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/v1/agent/stream", app.handleAgentStream)

	r.Route("/v1/observability", func(r chi.Router) {
		r.Get("/traces", app.handleRecentTraces)
		r.Get("/traces/{traceID}", app.handleTrace)
		r.Get("/stats", app.handleStats)
		r.Get("/dashboard", app.handleDashboard)
	})

	r.Get("/v1/workspace/overview", app.handleWorkspaceOverview)
	r.Get("/v1/mcp/health", app.handleMCPHealth)

	r.Handle("/metrics", promhttp.Handler())
	return r
}

// streamRequest is the POST body of the agent SSE endpoint.
type streamRequest struct {
	Messages   []llms.Message `json:"messages"`
	Model      string         `json:"model,omitempty"`
	ProjectID  string         `json:"project_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	MaxTokens  int            `json:"max_tokens,omitempty"`
	Skills     []string       `json:"skills,omitempty"`
	RAGEnabled bool           `json:"rag_enabled,omitempty"`
}

func (a *app) handleAgentStream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	if len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "messages is required"})
		return
	}
	if req.SessionID == "" {
		req.SessionID = llms.NewRequestID()
	}

	check := a.budget.Check(req.SessionID, req.ProjectID)
	if !check.Allowed {
		writeJSON(w, http.StatusTooManyRequests, check)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	query := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			query = req.Messages[i].Content
			break
		}
	}

	input, _ := a.prepareTurn(r.Context(), req.Messages, turnOptions{
		ProjectID:  req.ProjectID,
		Query:      query,
		Model:      req.Model,
		MaxTokens:  req.MaxTokens,
		SkillIDs:   req.Skills,
		RAGEnabled: req.RAGEnabled,
	})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	start := time.Now()
	tokensUsed := 0
	for event := range a.agent.Run(r.Context(), input) {
		if event.Type == agent.EventUsage {
			if usage, ok := event.Data["usage"].(map[string]any); ok {
				if total, ok := usage["total_tokens"].(int); ok {
					tokensUsed = total
				}
			}
		}
		payload, err := json.Marshal(event.ToMap())
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return
		}
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()

	a.recordUsage(req.SessionID, req.ProjectID, tokensUsed, time.Since(start))
}

func (a *app) handleRecentTraces(w http.ResponseWriter, _ *http.Request) {
	if a.tracer == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, a.tracer.RecentSpans(100))
}

func (a *app) handleTrace(w http.ResponseWriter, r *http.Request) {
	if a.tracer == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, a.tracer.Trace(chi.URLParam(r, "traceID")))
}

func (a *app) handleStats(w http.ResponseWriter, _ *http.Request) {
	since := time.Now().Add(-time.Hour)
	writeJSON(w, http.StatusOK, map[string]any{
		"window_minutes": 60,
		"agent_runs":     a.collector.CounterTotal("agent.runs", since),
		"tokens":         a.collector.CounterTotal("agent.tokens", since),
		"duration_ms":    a.collector.Summary("agent.duration_ms", since),
	})
}

func (a *app) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.collector.Dashboard(time.Now().Add(-time.Hour)))
}

func (a *app) handleWorkspaceOverview(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("refresh") == "true"
	writeJSON(w, http.StatusOK, a.inspector.Overview(r.Context(), a.cfg.Workspace.Path, force))
}

func (a *app) handleMCPHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	writeJSON(w, http.StatusOK, map[string]any{
		"servers": a.mcpMgr.Status(),
		"health":  a.mcpMgr.HealthCheck(ctx),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("响应序列化失败", "error", err)
	}
}
