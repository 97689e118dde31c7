// Package runtime drives the chat state machine: scope-checked loads,
// capability filtering, budget enforcement, context assembly, the bounded
// provider/tool loop and final persistence, all linearized by the per-thread
// lock.
package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/mantle/pkg/auth"
	"github.com/kadirpekel/mantle/pkg/costs"
	"github.com/kadirpekel/mantle/pkg/llms"
	"github.com/kadirpekel/mantle/pkg/locks"
	"github.com/kadirpekel/mantle/pkg/memory"
	"github.com/kadirpekel/mantle/pkg/observability"
	"github.com/kadirpekel/mantle/pkg/protocol"
	"github.com/kadirpekel/mantle/pkg/store"
	"github.com/kadirpekel/mantle/pkg/tools"
)

const (
	defaultMaxRounds      = 10
	defaultSummarizeAfter = 10000
	ragSnippetLimit       = 3

	maxRoundsApology = "I couldn't complete this request within the allowed number of steps. Please try again, or break the request into smaller parts."
)

// Stores bundles the per-request store handles the runtime reads and writes.
// Job processors build one over their own DB handle.
type Stores struct {
	Agents   *store.AgentStore
	Threads  *store.ThreadStore
	Messages *store.MessageStore
	Contexts *store.ContextStore
	Usage    *store.UsageStore
}

func NewStores(db *store.DB) *Stores {
	return &Stores{
		Agents:   store.NewAgentStore(db),
		Threads:  store.NewThreadStore(db),
		Messages: store.NewMessageStore(db),
		Contexts: store.NewContextStore(db),
		Usage:    store.NewUsageStore(db),
	}
}

// Enqueuer schedules background work. Satisfied by *jobs.Client.
type Enqueuer interface {
	Enqueue(ctx context.Context, u *auth.CurrentUser, task string, payload map[string]any) (*store.Job, error)
}

// ChatInput is one user turn.
type ChatInput struct {
	ThreadID    string   `json:"thread_id"`
	Content     string   `json:"message"`
	Attachments []string `json:"attachments,omitempty"`
}

// ChatResult is the assembled response for a completed turn.
type ChatResult struct {
	ThreadID      string         `json:"thread_id"`
	UserMessageID string         `json:"user_message_id"`
	MessageID     string         `json:"message_id"`
	Content       string         `json:"content"`
	Model         string         `json:"model"`
	Provider      string         `json:"provider"`
	Usage         protocol.Usage `json:"usage"`
	Cost          float64        `json:"cost"`
	Rounds        int            `json:"rounds"`
	DurationMs    int64          `json:"duration_ms"`
	ToolsUsed     []string       `json:"tools_used,omitempty"`
}

// Runtime executes chat turns against agents. One instance serves all
// threads; per-thread cost trackers are cached and seeded from the audit log.
type Runtime struct {
	stores     *Stores
	providers  *llms.Registry
	tools      *tools.Registry
	dispatcher *tools.Dispatcher
	locks      *locks.Manager

	searcher tools.DocumentSearcher
	memIndex memory.MessageIndex
	metrics  *observability.Metrics
	enqueuer Enqueuer

	maxRounds           int
	lockTimeout         time.Duration
	maxConversationCost float64
	maxTotalCost        float64
	summarizeAfter      int
	summarizeTask       string

	mu       sync.Mutex
	trackers map[string]*costs.Tracker
}

type Option func(*Runtime)

// WithSearcher enables RAG snippet injection and requires the agent to hold
// the search_documents capability.
func WithSearcher(s tools.DocumentSearcher) Option {
	return func(r *Runtime) { r.searcher = s }
}

// WithMessageIndex backs the vector memory strategy.
func WithMessageIndex(idx memory.MessageIndex) Option {
	return func(r *Runtime) { r.memIndex = idx }
}

func WithRuntimeMetrics(m *observability.Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithSummarizer enables async summarization enqueues for agents using the
// summarize strategy. afterChars is the unsummarized-content threshold.
func WithSummarizer(e Enqueuer, task string, afterChars int) Option {
	return func(r *Runtime) {
		r.enqueuer = e
		r.summarizeTask = task
		if afterChars > 0 {
			r.summarizeAfter = afterChars
		}
	}
}

// WithBudgets sets the per-conversation and lifetime spend limits used to
// seed new trackers. Zero disables the corresponding check.
func WithBudgets(conversation, total float64) Option {
	return func(r *Runtime) {
		r.maxConversationCost = conversation
		r.maxTotalCost = total
	}
}

func WithLockTimeout(timeout time.Duration) Option {
	return func(r *Runtime) { r.lockTimeout = timeout }
}

func WithMaxRounds(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.maxRounds = n
		}
	}
}

func New(stores *Stores, providers *llms.Registry, registry *tools.Registry, dispatcher *tools.Dispatcher, lockMgr *locks.Manager, opts ...Option) *Runtime {
	r := &Runtime{
		stores:         stores,
		providers:      providers,
		tools:          registry,
		dispatcher:     dispatcher,
		locks:          lockMgr,
		maxRounds:      defaultMaxRounds,
		lockTimeout:    locks.DefaultTimeout,
		summarizeAfter: defaultSummarizeAfter,
		trackers:       make(map[string]*costs.Tracker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Chat runs one synchronous turn and returns the assembled response.
func (r *Runtime) Chat(ctx context.Context, u *auth.CurrentUser, in ChatInput) (*ChatResult, error) {
	return r.run(ctx, r.stores, u, in, nil)
}

// ChatStream runs one turn, emitting content chunks through emit. When the
// agent has tool access the turn runs buffered and the final content is
// emitted as a single chunk; direct token streaming does not support tool
// rounds.
func (r *Runtime) ChatStream(ctx context.Context, u *auth.CurrentUser, in ChatInput, emit func(string) error) (*ChatResult, error) {
	return r.run(ctx, r.stores, u, in, emit)
}

// RespondExisting produces the assistant response for an already-persisted
// user message. Called by the chat_response job processor with the worker's
// per-job DB handle.
func (r *Runtime) RespondExisting(ctx context.Context, db *store.DB, u *auth.CurrentUser, threadID, userMessageID string, emit func(string) error) error {
	st := NewStores(db)

	thread, agent, err := r.loadScoped(ctx, st, u, threadID)
	if err != nil {
		return err
	}
	userMsg, err := st.Messages.Get(ctx, userMessageID)
	if err != nil {
		return err
	}
	if userMsg == nil || userMsg.ThreadID != threadID {
		return &protocol.NotFoundError{Entity: "message", ID: userMessageID}
	}

	_, err = r.turn(ctx, st, u, thread, agent, userMsg, emit)
	return err
}

func (r *Runtime) run(ctx context.Context, st *Stores, u *auth.CurrentUser, in ChatInput, emit func(string) error) (*ChatResult, error) {
	if in.Content == "" {
		return nil, &protocol.ValidationError{Field: "message", Reason: "message cannot be empty"}
	}

	thread, agent, err := r.loadScoped(ctx, st, u, in.ThreadID)
	if err != nil {
		return nil, err
	}
	return r.turn(ctx, st, u, thread, agent, &store.Message{
		ThreadID:    thread.ID,
		Role:        protocol.RoleUser,
		Content:     in.Content,
		Attachments: in.Attachments,
	}, emit)
}

// loadScoped resolves the thread and its agent under the caller's scope.
// Absent and out-of-scope are indistinguishable.
func (r *Runtime) loadScoped(ctx context.Context, st *Stores, u *auth.CurrentUser, threadID string) (*store.Thread, *store.Agent, error) {
	thread, err := st.Threads.Get(ctx, u, threadID)
	if err != nil {
		return nil, nil, err
	}
	if thread == nil {
		return nil, nil, &protocol.NotFoundError{Entity: "thread", ID: threadID}
	}
	agent, err := st.Agents.Get(ctx, u, thread.AgentID)
	if err != nil {
		return nil, nil, err
	}
	if agent == nil {
		return nil, nil, &protocol.NotFoundError{Entity: "agent", ID: thread.AgentID}
	}
	return thread, agent, nil
}

// trackerFor returns the thread's cached cost tracker, creating and seeding
// it from the audit log on first use so budgets survive restarts.
func (r *Runtime) trackerFor(ctx context.Context, st *Stores, threadID, userID string) *costs.Tracker {
	r.mu.Lock()
	tracker, ok := r.trackers[threadID]
	r.mu.Unlock()
	if ok {
		return tracker
	}

	tracker = costs.NewTracker(r.maxConversationCost, r.maxTotalCost)
	conversation, err := st.Usage.ConversationCost(ctx, threadID)
	if err != nil {
		slog.Warn("seeding conversation cost", "thread_id", threadID, "error", err)
	}
	total, err := st.Usage.TotalCost(ctx, userID)
	if err != nil {
		slog.Warn("seeding total cost", "user_id", userID, "error", err)
	}
	tracker.Seed(conversation, total)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.trackers[threadID]; ok {
		return existing
	}
	r.trackers[threadID] = tracker
	return tracker
}

// baseProvider resolves the agent's provider, cascading when a premium pair
// is configured.
func (r *Runtime) baseProvider(agent *store.Agent) (llms.Provider, error) {
	if agent.PremiumProvider != "" && agent.PremiumModel != "" {
		return r.providers.Cascade(agent.Provider, agent.Model, agent.PremiumProvider, agent.PremiumModel)
	}
	return r.providers.Get(agent.Provider, agent.Model)
}

// providerForRound applies budget degradation. The degraded model is used
// only for the call; degradation failures fall back to the base provider.
func (r *Runtime) providerForRound(agent *store.Agent, base llms.Provider, tracker *costs.Tracker) (llms.Provider, string) {
	degraded := costs.DegradedModel(agent.Model, tracker.BudgetUsed())
	if degraded == agent.Model {
		return base, agent.Model
	}
	provider, err := r.providers.Get(agent.Provider, degraded)
	if err != nil {
		slog.Warn("degraded model unavailable", "model", degraded, "error", err)
		return base, agent.Model
	}
	return provider, degraded
}
