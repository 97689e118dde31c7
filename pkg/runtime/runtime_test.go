package runtime

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/mantle/pkg/auth"
	"github.com/kadirpekel/mantle/pkg/config"
	"github.com/kadirpekel/mantle/pkg/llms"
	"github.com/kadirpekel/mantle/pkg/locks"
	"github.com/kadirpekel/mantle/pkg/protocol"
	"github.com/kadirpekel/mantle/pkg/store"
	"github.com/kadirpekel/mantle/pkg/tools"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := store.NewWithDB(sqlDB, "sqlite")
	require.NoError(t, err)
	require.NoError(t, db.InitSchema(context.Background()))
	return db
}

func newTestRuntime(t *testing.T, db *store.DB, mock llms.Provider, opts ...Option) *Runtime {
	t.Helper()
	providers := llms.NewRegistry(config.ProviderKeys{}, time.Second)
	providers.Register("mock", "m", mock)

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.NewCalculatorTool()))

	lockMgr := locks.NewManager()
	t.Cleanup(lockMgr.Close)

	return New(NewStores(db), providers, registry, tools.NewDispatcher(registry), lockMgr, opts...)
}

func newFixture(t *testing.T, db *store.DB, patch func(*store.Agent)) (*auth.CurrentUser, *store.Agent, *store.Thread) {
	t.Helper()
	ctx := context.Background()
	alice := &auth.CurrentUser{ID: "alice", Role: auth.RoleMember}

	spec := &store.Agent{Name: "helper", Provider: "mock", Model: "m", SystemPrompt: "You are helpful."}
	if patch != nil {
		patch(spec)
	}
	agent, err := store.NewAgentStore(db).Create(ctx, alice, spec)
	require.NoError(t, err)

	thread, err := store.NewThreadStore(db).Create(ctx, alice, agent, "test thread", nil)
	require.NoError(t, err)
	return alice, agent, thread
}

func TestChatSimpleTurn(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	mock := &llms.MockProvider{Responses: []*protocol.ProviderResponse{
		{Content: "hello there", Model: "m", Provider: "mock", Usage: protocol.Usage{Input: 10, Output: 5}},
	}}
	rt := newTestRuntime(t, db, mock)
	alice, _, thread := newFixture(t, db, nil)

	result, err := rt.Chat(ctx, alice, ChatInput{ThreadID: thread.ID, Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello there", result.Content)
	assert.Equal(t, 1, result.Rounds)
	assert.Equal(t, "m", result.Model)
	assert.Equal(t, protocol.Usage{Input: 10, Output: 5}, result.Usage)
	assert.NotEmpty(t, result.UserMessageID)
	assert.NotEmpty(t, result.MessageID)

	messages, err := store.NewMessageStore(db).List(ctx, alice, thread.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, protocol.RoleUser, messages[0].Role)
	assert.Equal(t, "hi", messages[0].Content)
	assert.Equal(t, protocol.RoleAssistant, messages[1].Role)
	assert.Equal(t, "chat", messages[1].Metadata["call_type"])
	assert.Equal(t, "m", messages[1].Metadata["model"])

	// The system prompt reached the provider.
	req := mock.LastRequest()
	require.NotNil(t, req)
	assert.Contains(t, req.System, "You are helpful.")

	updated, err := store.NewThreadStore(db).GetInternal(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.TurnCount)
	assert.Equal(t, 15, updated.TokenCount)

	// One audit row per provider call.
	admin := &auth.CurrentUser{ID: "root", Role: auth.RoleAdmin}
	calls, err := store.NewUsageStore(db).Calls(ctx, admin, 10)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "chat", calls[0].CallType)
	assert.Equal(t, thread.ID, calls[0].ThreadID)
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	db := newTestDB(t)
	rt := newTestRuntime(t, db, &llms.MockProvider{})
	alice, _, thread := newFixture(t, db, nil)

	_, err := rt.Chat(context.Background(), alice, ChatInput{ThreadID: thread.ID})
	var vErr *protocol.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestChatThreadScope(t *testing.T) {
	db := newTestDB(t)
	rt := newTestRuntime(t, db, &llms.MockProvider{})
	_, _, thread := newFixture(t, db, nil)

	// A stranger sees the same 404 as for a missing thread.
	bob := &auth.CurrentUser{ID: "bob", Role: auth.RoleMember}
	_, err := rt.Chat(context.Background(), bob, ChatInput{ThreadID: thread.ID, Content: "hi"})
	var nfErr *protocol.NotFoundError
	require.ErrorAs(t, err, &nfErr)
	assert.Equal(t, "thread", nfErr.Entity)

	_, err = rt.Chat(context.Background(), bob, ChatInput{ThreadID: "nope", Content: "hi"})
	require.ErrorAs(t, err, &nfErr)
}

func TestChatToolRound(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	mock := &llms.MockProvider{Responses: []*protocol.ProviderResponse{
		{
			ToolCalls: []protocol.ToolCall{{ID: "c1", Name: "calculator", Arguments: map[string]any{"expression": "2+3"}}},
			Usage:     protocol.Usage{Input: 20, Output: 10},
		},
		{Content: "the answer is 5", Usage: protocol.Usage{Input: 30, Output: 8}},
	}}
	rt := newTestRuntime(t, db, mock)
	alice, _, thread := newFixture(t, db, func(a *store.Agent) {
		a.Tools = []string{"calculator"}
	})

	result, err := rt.Chat(ctx, alice, ChatInput{ThreadID: thread.ID, Content: "what is 2+3?"})
	require.NoError(t, err)
	assert.Equal(t, "the answer is 5", result.Content)
	assert.Equal(t, 2, result.Rounds)
	assert.Equal(t, []string{"calculator"}, result.ToolsUsed)
	assert.Equal(t, protocol.Usage{Input: 50, Output: 18}, result.Usage)

	// Full audit trail: user, tool-calling assistant, tool result, final.
	messages, err := store.NewMessageStore(db).List(ctx, alice, thread.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 4)
	assert.Equal(t, protocol.RoleAssistant, messages[1].Role)
	require.Len(t, messages[1].ToolCalls, 1)
	assert.Equal(t, protocol.RoleTool, messages[2].Role)
	assert.Equal(t, "5", messages[2].Content)
	assert.Equal(t, "c1", messages[2].ToolCallID)
	assert.Equal(t, protocol.RoleAssistant, messages[3].Role)

	// The second provider round saw the tool result.
	req := mock.LastRequest()
	require.NotNil(t, req)
	last := req.Messages[len(req.Messages)-1]
	assert.Equal(t, protocol.RoleTool, last.Role)
	assert.Equal(t, "5", last.Content)
}

func TestChatMaxRoundsApology(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	// The model keeps asking for tools; the last response repeats forever.
	mock := &llms.MockProvider{Responses: []*protocol.ProviderResponse{
		{
			ToolCalls: []protocol.ToolCall{{ID: "c1", Name: "calculator", Arguments: map[string]any{"expression": "1+1"}}},
			Usage:     protocol.Usage{Input: 5, Output: 5},
		},
	}}
	rt := newTestRuntime(t, db, mock, WithMaxRounds(2))
	alice, _, thread := newFixture(t, db, func(a *store.Agent) {
		a.Tools = []string{"calculator"}
	})

	result, err := rt.Chat(ctx, alice, ChatInput{ThreadID: thread.ID, Content: "loop forever"})
	require.NoError(t, err, "max rounds is not an error")
	assert.Equal(t, 2, result.Rounds)
	assert.Contains(t, result.Content, "allowed number of steps")

	// Both tool rounds stay persisted ahead of the apology.
	messages, err := store.NewMessageStore(db).List(ctx, alice, thread.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 6)
	assert.Equal(t, result.Content, messages[5].Content)
}

func TestChatBudgetSeededFromAuditLog(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	rt := newTestRuntime(t, db, &llms.MockProvider{}, WithBudgets(1.0, 0))
	alice, agent, thread := newFixture(t, db, nil)

	// Spend recorded by an earlier process exceeds the conversation budget.
	err := store.NewUsageStore(db).Record(ctx, &store.LLMCall{
		ThreadID: thread.ID, AgentID: agent.ID, UserID: alice.ID,
		Provider: "mock", Model: "m", Cost: 5.0,
	})
	require.NoError(t, err)

	_, err = rt.Chat(ctx, alice, ChatInput{ThreadID: thread.ID, Content: "hi"})
	var bErr *protocol.BudgetExceededError
	require.ErrorAs(t, err, &bErr)
	assert.Equal(t, "conversation", bErr.Scope)

	// The rejected turn persisted nothing.
	messages, err := store.NewMessageStore(db).List(ctx, alice, thread.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestChatStreamDirect(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	mock := &llms.MockProvider{StreamText: []string{"hel", "lo"}}
	rt := newTestRuntime(t, db, mock)
	alice, _, thread := newFixture(t, db, nil)

	var chunks []string
	result, err := rt.ChatStream(ctx, alice, ChatInput{ThreadID: thread.ID, Content: "hi"},
		func(text string) error {
			chunks = append(chunks, text)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"hel", "lo"}, chunks)
	assert.Equal(t, "hello", result.Content)

	messages, err := store.NewMessageStore(db).List(ctx, alice, thread.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "hello", messages[1].Content)
	assert.Equal(t, "chat_stream", messages[1].Metadata["call_type"])
}

func TestChatStreamFallsBackWithTools(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	mock := &llms.MockProvider{Responses: []*protocol.ProviderResponse{
		{Content: "buffered answer", Usage: protocol.Usage{Input: 10, Output: 5}},
	}}
	rt := newTestRuntime(t, db, mock)
	alice, _, thread := newFixture(t, db, func(a *store.Agent) {
		a.Tools = []string{"calculator"}
	})

	var chunks []string
	result, err := rt.ChatStream(ctx, alice, ChatInput{ThreadID: thread.ID, Content: "hi"},
		func(text string) error {
			chunks = append(chunks, text)
			return nil
		})
	require.NoError(t, err)

	// Tool-capable agents run buffered and emit one chunk.
	assert.Equal(t, []string{"buffered answer"}, chunks)
	assert.Equal(t, "buffered answer", result.Content)
	assert.Equal(t, 1, result.Rounds)
}

func TestRespondExisting(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	mock := &llms.MockProvider{StreamText: []string{"async answer"}}
	rt := newTestRuntime(t, db, mock)
	alice, _, thread := newFixture(t, db, nil)

	userMsg, err := store.NewMessageStore(db).Append(ctx, &store.Message{
		ThreadID: thread.ID, Role: protocol.RoleUser, Content: "hello?",
	})
	require.NoError(t, err)

	var chunks []string
	err = rt.RespondExisting(ctx, db, alice, thread.ID, userMsg.ID, func(text string) error {
		chunks = append(chunks, text)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"async answer"}, chunks)

	// No duplicate user message; the assistant reply follows the original.
	messages, err := store.NewMessageStore(db).List(ctx, alice, thread.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "async answer", messages[1].Content)
}

func TestRespondExistingUnknownMessage(t *testing.T) {
	db := newTestDB(t)
	rt := newTestRuntime(t, db, &llms.MockProvider{})
	alice, _, thread := newFixture(t, db, nil)

	err := rt.RespondExisting(context.Background(), db, alice, thread.ID, "missing", nil)
	var nfErr *protocol.NotFoundError
	require.ErrorAs(t, err, &nfErr)
	assert.Equal(t, "message", nfErr.Entity)
}

type stubEnqueuer struct {
	task    string
	payload map[string]any
}

func (s *stubEnqueuer) Enqueue(_ context.Context, _ *auth.CurrentUser, task string, payload map[string]any) (*store.Job, error) {
	s.task = task
	s.payload = payload
	return &store.Job{ID: "job-1"}, nil
}

func TestChatEnqueuesSummarizeJob(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	enq := &stubEnqueuer{}
	rt := newTestRuntime(t, db, &llms.MockProvider{}, WithSummarizer(enq, "summarize_thread", 5))
	alice, _, thread := newFixture(t, db, func(a *store.Agent) {
		a.MemoryStrategy = "summarize"
	})

	_, err := rt.Chat(ctx, alice, ChatInput{ThreadID: thread.ID, Content: "a message long enough to cross the threshold"})
	require.NoError(t, err)

	assert.Equal(t, "summarize_thread", enq.task)
	require.NotNil(t, enq.payload)
	assert.Equal(t, thread.ID, enq.payload["thread_id"])
	assert.Equal(t, "", enq.payload["watermark"])
}

func TestFullPrompt(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	rt := newTestRuntime(t, db, &llms.MockProvider{})
	alice, agent, _ := newFixture(t, db, func(a *store.Agent) {
		a.Tools = []string{"calculator"}
		a.ContextSchema = map[string]string{"name": "the user's preferred name"}
	})

	_, err := store.NewContextStore(db).Merge(ctx, alice.ID, map[string]any{"name": "Alice"})
	require.NoError(t, err)

	prompt, err := rt.FullPrompt(ctx, alice, agent.ID)
	require.NoError(t, err)
	assert.Contains(t, prompt, "You are helpful.")
	assert.Contains(t, prompt, "- name: Alice")
	assert.Contains(t, prompt, "## Context schema")
	assert.Contains(t, prompt, "the user's preferred name")
	assert.Contains(t, prompt, "## Tools")
	assert.Contains(t, prompt, "calculator")
}

func TestFullPromptScope(t *testing.T) {
	db := newTestDB(t)
	rt := newTestRuntime(t, db, &llms.MockProvider{})
	_, agent, _ := newFixture(t, db, nil)

	bob := &auth.CurrentUser{ID: "bob", Role: auth.RoleMember}
	_, err := rt.FullPrompt(context.Background(), bob, agent.ID)
	var nfErr *protocol.NotFoundError
	require.ErrorAs(t, err, &nfErr)
}

func TestSystemPromptComposition(t *testing.T) {
	agent := &store.Agent{SystemPrompt: "Be brief."}
	userCtx := map[string]any{"name": "Alice", "goals": []any{"learn go"}}
	hits := []tools.DocumentHit{{Title: "notes.txt", Snippet: "Go is a language."}}

	prompt := SystemPrompt(agent, userCtx, hits)
	assert.Contains(t, prompt, "Be brief.")
	assert.Contains(t, prompt, "- goals: [\"learn go\"]")
	assert.Contains(t, prompt, "- name: Alice")
	assert.Contains(t, prompt, "## Relevant documents")
	assert.Contains(t, prompt, "notes.txt")

	// No context, no snippets: just the base prompt.
	assert.Equal(t, "Be brief.", SystemPrompt(agent, nil, nil))
}
