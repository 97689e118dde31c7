package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/philippgille/chromem-go"
	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/mantle/pkg/auth"
	"github.com/kadirpekel/mantle/pkg/config"
	"github.com/kadirpekel/mantle/pkg/jobs"
	"github.com/kadirpekel/mantle/pkg/llms"
	"github.com/kadirpekel/mantle/pkg/locks"
	"github.com/kadirpekel/mantle/pkg/logger"
	"github.com/kadirpekel/mantle/pkg/memory"
	"github.com/kadirpekel/mantle/pkg/observability"
	"github.com/kadirpekel/mantle/pkg/rag"
	"github.com/kadirpekel/mantle/pkg/ratelimit"
	"github.com/kadirpekel/mantle/pkg/runtime"
	"github.com/kadirpekel/mantle/pkg/stream"
	"github.com/kadirpekel/mantle/pkg/store"
	"github.com/kadirpekel/mantle/pkg/tools"
)

const providerTimeout = 60 * time.Second

// AppContext bundles the wired dependencies the HTTP layer and the embedded
// worker share.
type AppContext struct {
	Settings *config.Settings
	DB       *store.DB
	Redis    *redis.Client

	Tokens  *auth.TokenService
	Limiter *ratelimit.Limiter
	Metrics *observability.Metrics
	Locks   *locks.Manager

	Workspaces *store.WorkspaceStore
	Agents     *store.AgentStore
	Threads    *store.ThreadStore
	Messages   *store.MessageStore
	Contexts   *store.ContextStore
	Documents  *store.DocumentStore
	Jobs       *store.JobStore
	Usage      *store.UsageStore

	Runtime  *runtime.Runtime
	Relay    *stream.Relay
	Queue    *jobs.Client
	Worker   *jobs.Worker
	Searcher tools.DocumentSearcher
}

// Bootstrap wires the full dependency graph from settings. The returned
// cleanup releases connections in reverse order of construction.
func Bootstrap(ctx context.Context, settings *config.Settings) (*AppContext, func(), error) {
	logger.Init(logger.ParseLevel(settings.LogLevel), logger.Format(settings.LogFormat), os.Stderr)

	db, err := store.Open(settings.Database)
	if err != nil {
		return nil, nil, err
	}

	ropts, err := redis.ParseURL(settings.RedisURL)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(ropts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		slog.Warn("redis unreachable at startup, async features degraded", "error", err)
	}
	cancel()

	tokens, err := auth.NewTokenService(settings.JWT)
	if err != nil {
		rdb.Close()
		db.Close()
		return nil, nil, err
	}

	lockMgr := locks.NewManager()
	metrics := observability.NewMetrics()
	providers := llms.NewRegistry(settings.Providers, providerTimeout)

	_, shutdownTracer, err := observability.InitTracer(ctx, settings.OTLPEndpoint)
	if err != nil {
		rdb.Close()
		db.Close()
		return nil, nil, err
	}

	app := &AppContext{
		Settings: settings,
		DB:       db,
		Redis:    rdb,
		Tokens:   tokens,
		Limiter:  ratelimit.NewLimiter(settings.RateLimit),
		Metrics:  metrics,
		Locks:    lockMgr,

		Workspaces: store.NewWorkspaceStore(db),
		Agents:     store.NewAgentStore(db),
		Threads:    store.NewThreadStore(db),
		Messages:   store.NewMessageStore(db),
		Contexts:   store.NewContextStore(db),
		Documents:  store.NewDocumentStore(db),
		Jobs:       store.NewJobStore(db),
		Usage:      store.NewUsageStore(db),
	}

	vdb := chromem.NewDB()
	var embed chromem.EmbeddingFunc
	if settings.Providers.OpenAI != "" {
		embed = chromem.NewEmbeddingFuncOpenAI(settings.Providers.OpenAI, chromem.EmbeddingModelOpenAI3Small)
	}
	docIndex, err := rag.NewDocumentIndex(vdb, "documents", embed)
	if err != nil {
		rdb.Close()
		db.Close()
		return nil, nil, err
	}
	msgIndex, err := memory.NewChromemIndex(vdb, "messages", embed)
	if err != nil {
		rdb.Close()
		db.Close()
		return nil, nil, err
	}
	app.Searcher = docIndex

	registry := tools.NewRegistry()
	dispatcher := tools.NewDispatcher(registry, tools.WithMetrics(metrics))
	for _, tool := range []tools.Tool{
		tools.NewCalculatorTool(),
		tools.NewUpdateContextTool(&lockedMerger{locks: lockMgr, contexts: app.Contexts}),
		tools.NewSearchDocumentsTool(docIndex),
	} {
		if err := registry.Register(tool); err != nil {
			rdb.Close()
			db.Close()
			return nil, nil, err
		}
	}

	app.Relay = stream.NewRelay(rdb,
		stream.WithRelayMetrics(metrics),
		stream.WithIdleTimeout(settings.StreamLeaseTTL),
	)
	app.Queue = jobs.NewClient(rdb, app.Jobs)

	app.Runtime = runtime.New(runtime.NewStores(db), providers, registry, dispatcher, lockMgr,
		runtime.WithSearcher(docIndex),
		runtime.WithMessageIndex(msgIndex),
		runtime.WithRuntimeMetrics(metrics),
		runtime.WithBudgets(settings.MaxConversationCost, settings.MaxTotalCost),
		runtime.WithSummarizer(app.Queue, jobs.TaskSummarizeThread, 0),
	)

	worker, err := buildWorker(app, providers, docIndex)
	if err != nil {
		rdb.Close()
		db.Close()
		return nil, nil, err
	}
	app.Worker = worker

	pruneInterval := settings.RateLimit.Window
	if pruneInterval <= 0 {
		pruneInterval = time.Minute
	}
	pruneDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				app.Limiter.Prune()
			case <-pruneDone:
				return
			}
		}
	}()

	cleanup := func() {
		close(pruneDone)
		lockMgr.Close()
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			slog.Warn("shutting down tracer", "error", err)
		}
		if err := rdb.Close(); err != nil {
			slog.Warn("closing redis", "error", err)
		}
		if err := db.Close(); err != nil {
			slog.Warn("closing database", "error", err)
		}
	}
	return app, cleanup, nil
}

// buildWorker registers the job processors and constructs a worker over
// per-job DB handles. The vector indexes are in-process, so the worker runs
// embedded in the serving binary rather than as a separate deployment.
func buildWorker(app *AppContext, providers *llms.Registry, docIndex *rag.DocumentIndex) (*jobs.Worker, error) {
	registry := jobs.NewRegistry()
	if err := registry.Register(jobs.TaskChatResponse, jobs.NewChatResponseProcessor(app.Runtime, app.Relay)); err != nil {
		return nil, err
	}
	if err := registry.Register(jobs.TaskIngestDocument, jobs.NewIngestDocumentProcessor(rag.NewIngestor(docIndex))); err != nil {
		return nil, err
	}
	summarizer, err := providers.Get(app.Settings.DefaultProvider, app.Settings.DefaultModel)
	if err != nil {
		slog.Warn("default provider unavailable, summarization disabled", "error", err)
	} else if err := registry.Register(jobs.TaskSummarizeThread, jobs.NewSummarizeThreadProcessor(summarizer)); err != nil {
		return nil, err
	}

	openDB := func() (*store.DB, error) { return store.Open(app.Settings.Database) }
	return jobs.NewWorker(registry, app.Redis, openDB,
		jobs.WithConcurrency(app.Settings.WorkerConcurrency),
		jobs.WithWorkerMetrics(app.Metrics),
	), nil
}

// lockedMerger serializes context merges per user so concurrent tool calls
// cannot interleave read-modify-write cycles.
type lockedMerger struct {
	locks    *locks.Manager
	contexts *store.ContextStore
}

func (m *lockedMerger) Merge(ctx context.Context, userID string, updates map[string]any) (map[string]any, error) {
	var merged map[string]any
	err := m.locks.WithLock(ctx, locks.NamespaceUserContext, userID, 0, func(lctx context.Context) error {
		var err error
		merged, err = m.contexts.Merge(lctx, userID, updates)
		return err
	})
	return merged, err
}
