package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/atelier-ai/studio/pkg/agent"
	"github.com/atelier-ai/studio/pkg/capabilities"
	"github.com/atelier-ai/studio/pkg/config"
	sctx "github.com/atelier-ai/studio/pkg/context"
	"github.com/atelier-ai/studio/pkg/llms"
	"github.com/atelier-ai/studio/pkg/mcp"
	"github.com/atelier-ai/studio/pkg/memory"
	"github.com/atelier-ai/studio/pkg/observability"
	"github.com/atelier-ai/studio/pkg/rag"
	"github.com/atelier-ai/studio/pkg/skills"
	"github.com/atelier-ai/studio/pkg/store"
	"github.com/atelier-ai/studio/pkg/tools"
	"github.com/atelier-ai/studio/pkg/vector"
	"github.com/atelier-ai/studio/pkg/workspace"
)

// app wires the execution core from configuration: storage, LLM
// client, tool executor with MCP routing, context pipeline, retrieval
// and the agent itself.
type app struct {
	cfg  *config.Config
	db   *store.DB
	llm  *llms.Client
	caps *capabilities.Cache

	perms    map[string]bool
	executor *tools.Executor
	adapter  *mcp.Adapter
	mcpMgr   *mcp.Manager

	memStore  *memory.Store
	extractor *memory.Extractor

	index     *rag.Index
	retriever *rag.Retriever
	indexer   *rag.Indexer

	builder    *sctx.Builder
	window     *sctx.Window
	summarizer *sctx.Summarizer

	inspector *workspace.Inspector
	tracer    *observability.Tracer
	collector *observability.Collector
	budget    *observability.BudgetManager

	agent *agent.ReAct
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	db, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, db: db, caps: capabilities.Global()}

	if err := a.initObservability(ctx); err != nil {
		db.Close()
		return nil, err
	}

	a.llm = llms.NewClient(cfg, llms.NewTokenSource(cfg.Copilot))

	a.perms = tools.PermissionSet(cfg.Agent.Permissions)
	a.initMCP()

	a.executor = tools.NewExecutor(cfg.Workspace.Path)
	a.executor.Permissions = a.perms
	a.executor.External = a.adapter
	a.executor.AllowUnattendedWrites = cfg.Agent.AllowUnattendedWrites

	a.memStore = memory.NewStore(db)
	a.extractor = memory.NewExtractor(a.llm, a.memStore)

	if err := a.initRAG(ctx); err != nil {
		db.Close()
		return nil, err
	}

	composer := skills.NewComposer(skills.NewCatalog(), skills.NewEngine())
	a.builder = sctx.NewBuilder(
		sctx.NewRoleSource(sctx.Role{}, composer),
		sctx.NewWorkspaceSource(cfg.Workspace.Path),
		sctx.NewRAGSource(a.retriever),
		sctx.NewMemorySource(a.memStore),
	)
	a.window = sctx.NewWindow(a.caps)
	a.summarizer = sctx.NewSummarizer(a.llm, a.caps)

	a.inspector = workspace.NewInspector(workspace.NewRunner(&cfg.Workspace))

	a.agent = agent.NewReAct(a.llm, a.caps)
	if cfg.Agent.FabricationCheck != nil {
		a.agent.FabricationCheck = *cfg.Agent.FabricationCheck
	}

	return a, nil
}

func (a *app) initObservability(ctx context.Context) error {
	obs := a.cfg.Observability

	metricsEnabled := obs.MetricsEnabled != nil && *obs.MetricsEnabled
	metrics, err := observability.InitMetrics(ctx, observability.MetricsConfig{Enabled: metricsEnabled})
	if err != nil {
		return err
	}
	observability.SetGlobalMetrics(metrics)

	if _, err := observability.InitGlobalTracer(ctx, observability.TracerConfig{
		Enabled:     obs.OTLPEndpoint != "",
		EndpointURL: obs.OTLPEndpoint,
		ServiceName: "studio",
	}); err != nil {
		return err
	}

	if obs.TracesEnabled == nil || *obs.TracesEnabled {
		a.tracer = observability.NewTracer(a.db)
	}
	a.collector = observability.NewCollector()

	a.budget = observability.NewBudgetManager(obs.SessionBudgetTokens)
	for _, b := range obs.Budgets {
		a.budget.SetLimit(b.Scope, b.MaxTokens, b.PeriodSeconds)
	}
	return nil
}

func (a *app) initMCP() {
	registry := mcp.NewServerRegistry(a.cfg.MCPServers)
	a.mcpMgr = mcp.NewManager(registry, mcp.NewSecretResolver(nil))
	a.adapter = &mcp.Adapter{
		Registry:    registry,
		Manager:     a.mcpMgr,
		Limiter:     mcp.NewRateLimiter(0),
		Auditor:     mcp.NewAuditor(a.db),
		Fallback:    mcp.NewGitHubFallback(a.cfg.Workspace.GitHubToken, a.cfg.Workspace.GitHubRepo),
		Permissions: a.perms,
	}
}

func (a *app) initRAG(ctx context.Context) error {
	ragCfg := a.cfg.RAG

	var provider vector.Provider
	var err error
	switch ragCfg.Backend {
	case "qdrant":
		provider, err = vector.NewQdrant(ragCfg.QdrantHost, ragCfg.QdrantPort)
	default:
		provider, err = vector.NewChromem("")
	}
	if err != nil {
		return fmt.Errorf("failed to init vector backend %s: %w", ragCfg.Backend, err)
	}

	a.index = rag.NewIndex(provider)
	if err := a.index.LoadFromDB(ctx, a.db); err != nil {
		slog.Warn("RAG 索引加载失败, 使用空索引", "error", err)
	}

	embedder := rag.NewEmbedder(a.llm, ragCfg.EmbeddingModel)
	a.retriever = rag.NewRetriever(a.index, embedder)
	a.indexer = rag.NewIndexer(a.cfg.Workspace.Path, a.index, embedder,
		ragCfg.MaxChunkTokens, ragCfg.OverlapLines, a.db)
	return nil
}

// turnOptions shapes one agent turn built from a user request.
type turnOptions struct {
	ProjectID  string
	Query      string
	Model      string
	MaxTokens  int
	SkillIDs   []string
	RAGEnabled bool
}

// prepareTurn assembles the system prompt, fits the history into the
// model window and returns the ready agent input.
func (a *app) prepareTurn(ctx context.Context, history []llms.Message, opts turnOptions) (*agent.Input, []llms.Message) {
	model := opts.Model
	if model == "" {
		model = a.cfg.LLM.Model
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = a.cfg.LLM.MaxTokens
	}

	systemPrompt, _ := a.builder.Build(ctx, sctx.DefaultBudgetTokens, &sctx.BuildInput{
		ProjectID:       opts.ProjectID,
		Query:           opts.Query,
		ToolPermissions: a.cfg.Agent.Permissions,
		SkillIDs:        opts.SkillIDs,
		RAGEnabled:      opts.RAGEnabled,
		MemoryEnabled:   opts.ProjectID != "",
	})

	history, compacted := a.summarizer.SummarizeIfNeeded(ctx, history, systemPrompt, model)
	if compacted {
		slog.Info("对话历史已压缩")
	}

	toolDefs := tools.Definitions(a.perms, a.adapter)

	fitted, usage := a.window.PrepareContext(history, systemPrompt, model, "", toolDefs)
	if usage.DroppedMessages > 0 {
		slog.Info("历史消息超出窗口", "kept", usage.KeptMessages, "dropped", usage.DroppedMessages)
	}

	executor := a.executor
	toolExec := func(ctx context.Context, name string, args map[string]any) (string, error) {
		return executor.Execute(ctx, name, args), nil
	}

	return &agent.Input{
		Messages:           fitted,
		SystemPrompt:       systemPrompt,
		Model:              model,
		Temperature:        *a.cfg.LLM.Temperature,
		MaxTokens:          maxTokens,
		Tools:              toolDefs,
		Executor:           toolExec,
		RequestID:          llms.NewRequestID(),
		MaxToolRounds:      a.cfg.Agent.MaxToolRounds,
		EnableReflection:   a.cfg.Agent.ReflectionInterval > 0,
		ReflectionInterval: a.cfg.Agent.ReflectionInterval,
	}, history
}

// recordUsage books tokens against the budget scopes and the local
// metric collector.
func (a *app) recordUsage(sessionID, projectID string, totalTokens int, duration time.Duration) {
	a.budget.RecordUsage(sessionID, projectID, totalTokens)
	a.collector.Increment("agent.runs", 1)
	a.collector.Increment("agent.tokens", float64(totalTokens))
	a.collector.Observe("agent.duration_ms", float64(duration.Milliseconds()))
}

func (a *app) Close() {
	if a.mcpMgr != nil {
		a.mcpMgr.DisconnectAll()
	}
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		a.tracer.Shutdown(ctx)
		cancel()
	}
	if a.llm != nil {
		a.llm.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
