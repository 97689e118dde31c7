package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/mantle/pkg/auth"
	"github.com/kadirpekel/mantle/pkg/protocol"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := NewWithDB(sqlDB, "sqlite")
	require.NoError(t, err)
	require.NoError(t, db.InitSchema(context.Background()))
	return db
}

var (
	testAdmin = &auth.CurrentUser{ID: "admin", Role: auth.RoleAdmin}
	alice     = &auth.CurrentUser{ID: "alice", Role: auth.RoleMember}
	bob       = &auth.CurrentUser{ID: "bob", Role: auth.RoleMember}
)

func withWorkspace(u *auth.CurrentUser, workspaceIDs ...string) *auth.CurrentUser {
	return &auth.CurrentUser{ID: u.ID, Role: u.Role, WorkspaceIDs: workspaceIDs}
}

func TestRebind(t *testing.T) {
	db := &DB{dialect: "postgres"}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", db.Rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	db = &DB{dialect: "sqlite"}
	assert.Equal(t, "SELECT * FROM t WHERE a = ?", db.Rebind("SELECT * FROM t WHERE a = ?"))
}

func TestWorkspaceLifecycle(t *testing.T) {
	db := newTestDB(t)
	ws := NewWorkspaceStore(db)
	ctx := context.Background()

	created, err := ws.Create(ctx, alice, "Research", "shared notes", map[string]any{"color": "blue"})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	// Creator is the owner member.
	ids, err := ws.MembershipIDs(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{created.ID}, ids)

	// Owner sees it; an outsider does not.
	got, err := ws.Get(ctx, alice, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Research", got.Name)
	assert.Equal(t, map[string]any{"color": "blue"}, got.Metadata)

	got, err = ws.Get(ctx, bob, created.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Member with the workspace in scope sees it.
	got, err = ws.Get(ctx, withWorkspace(bob, created.ID), created.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)

	// Membership management.
	require.NoError(t, ws.AddMember(ctx, alice, created.ID, bob.ID, MemberRoleMember))
	members, err := ws.Members(ctx, alice, created.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	// A plain member cannot manage membership.
	err = ws.AddMember(ctx, withWorkspace(bob, created.ID), created.ID, "carol", MemberRoleMember)
	require.Error(t, err)

	// Soft delete hides it.
	ok, err := ws.Delete(ctx, alice, created.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err = ws.Get(ctx, alice, created.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAgentValidationAndScope(t *testing.T) {
	db := newTestDB(t)
	agents := NewAgentStore(db)
	ctx := context.Background()

	// Personal agent by default.
	a, err := agents.Create(ctx, alice, &Agent{Name: "helper", Provider: "anthropic", Model: "claude-sonnet-4"})
	require.NoError(t, err)
	assert.Equal(t, alice.ID, a.OwnerUserID)
	assert.Equal(t, 0.7, a.Temperature)
	assert.Equal(t, "last_n", a.MemoryStrategy)

	// Owner sees it, others do not.
	got, err := agents.Get(ctx, alice, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	got, err = agents.Get(ctx, bob, a.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Both personal and shared is invalid.
	_, err = agents.Create(ctx, alice, &Agent{Name: "x", Provider: "openai", Model: "gpt-4o", OwnerUserID: alice.ID, WorkspaceID: "ws-1"})
	var vErr *protocol.ValidationError
	require.ErrorAs(t, err, &vErr)

	// System agents are admin-only but visible to everyone.
	system, err := agents.Create(ctx, testAdmin, &Agent{Name: "system", Provider: "openai", Model: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.Empty(t, system.OwnerUserID)

	got, err = agents.Get(ctx, bob, system.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)

	// Workspace-shared agent requires membership.
	_, err = agents.Create(ctx, alice, &Agent{Name: "shared", Provider: "openai", Model: "gpt-4o", WorkspaceID: "ws-1"})
	require.Error(t, err)

	shared, err := agents.Create(ctx, withWorkspace(alice, "ws-1"), &Agent{Name: "shared", Provider: "openai", Model: "gpt-4o", WorkspaceID: "ws-1"})
	require.NoError(t, err)

	got, err = agents.Get(ctx, withWorkspace(bob, "ws-1"), shared.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestAgentUpdateAndClone(t *testing.T) {
	db := newTestDB(t)
	agents := NewAgentStore(db)
	ctx := context.Background()

	a, err := agents.Create(ctx, alice, &Agent{
		Name: "helper", Provider: "anthropic", Model: "claude-sonnet-4",
		Tools: []string{"calculator"}, Capabilities: []string{"search_documents"},
		MemoryParams: map[string]any{"n": float64(5)},
	})
	require.NoError(t, err)

	updated, err := agents.Update(ctx, alice, a.ID, &Agent{Model: "claude-opus-4", Temperature: 0.2})
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4", updated.Model)
	assert.Equal(t, 0.2, updated.Temperature)
	assert.Equal(t, []string{"calculator"}, updated.Tools)

	// Clone copies config into a personal agent.
	clone, err := agents.Clone(ctx, bob, a.ID, "")
	require.NoError(t, err)
	assert.Nil(t, clone, "cloning an invisible agent returns nil")

	clone, err = agents.Clone(ctx, alice, a.ID, "mine")
	require.NoError(t, err)
	require.NotNil(t, clone)
	assert.Equal(t, "mine", clone.Name)
	assert.Equal(t, alice.ID, clone.OwnerUserID)
	assert.NotEqual(t, a.ID, clone.ID)
	assert.Equal(t, map[string]any{"n": float64(5)}, clone.MemoryParams)
}

func TestThreadAndMessageFlow(t *testing.T) {
	db := newTestDB(t)
	agents := NewAgentStore(db)
	threads := NewThreadStore(db)
	messages := NewMessageStore(db)
	ctx := context.Background()

	agent, err := agents.Create(ctx, alice, &Agent{Name: "a", Provider: "anthropic", Model: "claude-sonnet-4"})
	require.NoError(t, err)

	thread, err := threads.Create(ctx, alice, agent, "first", nil)
	require.NoError(t, err)

	// Appends get increasing seq.
	m1, err := messages.Append(ctx, &Message{ThreadID: thread.ID, Role: protocol.RoleUser, Content: "hi"})
	require.NoError(t, err)
	m2, err := messages.Append(ctx, &Message{
		ThreadID: thread.ID, Role: protocol.RoleAssistant, Content: "hello",
		Metadata: map[string]any{"model": "claude-sonnet-4"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, m1.Seq)
	assert.Equal(t, 2, m2.Seq)

	list, err := messages.List(ctx, alice, thread.ID, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "hi", list[0].Content)
	assert.Equal(t, map[string]any{"model": "claude-sonnet-4"}, list[1].Metadata)

	// Out-of-scope thread lists as nil, not an error.
	list, err = messages.List(ctx, bob, thread.ID, 0)
	require.NoError(t, err)
	assert.Nil(t, list)

	// Metadata patch merges keys.
	require.NoError(t, messages.PatchMetadata(ctx, m2.ID, map[string]any{"cost": 0.01}))
	patched, err := messages.Get(ctx, m2.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.01, patched.Metadata["cost"])
	assert.Equal(t, "claude-sonnet-4", patched.Metadata["model"])

	// Counters.
	require.NoError(t, threads.BumpCounters(ctx, thread.ID, 1, 42))
	got, err := threads.Get(ctx, alice, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TurnCount)
	assert.Equal(t, 42, got.TokenCount)

	// Summary watermark.
	require.NoError(t, threads.SetSummary(ctx, thread.ID, "summary so far", m1.ID))
	got, err = threads.Get(ctx, alice, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, "summary so far", got.Summary)
	assert.Equal(t, m1.ID, got.SummarizedUntilMsgID)

	seq, err := messages.SeqOf(ctx, thread.ID, m1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, seq)

	chars, err := messages.UnsummarizedChars(ctx, thread.ID, seq)
	require.NoError(t, err)
	assert.Equal(t, len("hello"), chars)
}

func TestThreadFork(t *testing.T) {
	db := newTestDB(t)
	agents := NewAgentStore(db)
	threads := NewThreadStore(db)
	messages := NewMessageStore(db)
	ctx := context.Background()

	agent, err := agents.Create(ctx, alice, &Agent{Name: "a", Provider: "openai", Model: "gpt-4o"})
	require.NoError(t, err)
	thread, err := threads.Create(ctx, alice, agent, "orig", nil)
	require.NoError(t, err)

	m1, err := messages.Append(ctx, &Message{ThreadID: thread.ID, Role: protocol.RoleUser, Content: "one"})
	require.NoError(t, err)
	_, err = messages.Append(ctx, &Message{ThreadID: thread.ID, Role: protocol.RoleAssistant, Content: "two"})
	require.NoError(t, err)

	// Fork at m1 copies only the first message.
	fork, err := threads.Fork(ctx, alice, thread.ID, m1.ID, "")
	require.NoError(t, err)
	require.NotNil(t, fork)
	assert.Equal(t, "orig (fork)", fork.Title)

	copied, err := messages.List(ctx, alice, fork.ID, 0)
	require.NoError(t, err)
	require.Len(t, copied, 1)
	assert.Equal(t, "one", copied[0].Content)
	assert.NotEqual(t, m1.ID, copied[0].ID)

	// Full fork copies everything.
	full, err := threads.Fork(ctx, alice, thread.ID, "", "all")
	require.NoError(t, err)
	copied, err = messages.List(ctx, alice, full.ID, 0)
	require.NoError(t, err)
	assert.Len(t, copied, 2)

	// Out of scope forks as nil.
	fork, err = threads.Fork(ctx, bob, thread.ID, "", "")
	require.NoError(t, err)
	assert.Nil(t, fork)
}

func TestDocumentVisibilityAndChunks(t *testing.T) {
	db := newTestDB(t)
	docs := NewDocumentStore(db)
	ctx := context.Background()

	// Personal-to-agent document.
	personal, err := docs.Create(ctx, alice, &Document{AgentID: "agent-1", Filename: "notes.txt"})
	require.NoError(t, err)
	assert.Equal(t, DocumentPending, personal.Status)
	assert.Equal(t, alice.ID, personal.OwnerUserID)

	// Both set is rejected.
	_, err = docs.Create(ctx, alice, &Document{AgentID: "agent-1", WorkspaceID: "ws-1", Filename: "x"})
	var vErr *protocol.VisibilityError
	require.ErrorAs(t, err, &vErr)

	// System-global needs admin.
	_, err = docs.Create(ctx, alice, &Document{Filename: "global.txt"})
	require.ErrorAs(t, err, &vErr)
	global, err := docs.Create(ctx, testAdmin, &Document{Filename: "global.txt"})
	require.NoError(t, err)

	// Everyone sees system-global; only the owner sees personal.
	got, err := docs.Get(ctx, bob, global.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
	got, err = docs.Get(ctx, bob, personal.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Chunk replacement is idempotent and updates the count.
	chunks := []DocumentChunk{{Content: "alpha"}, {Content: "beta"}}
	require.NoError(t, docs.ReplaceChunks(ctx, personal.ID, chunks))
	require.NoError(t, docs.ReplaceChunks(ctx, personal.ID, chunks))

	stored, err := docs.Chunks(ctx, personal.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, 0, stored[0].ChunkIndex)
	assert.Equal(t, "beta", stored[1].Content)

	got, err = docs.Get(ctx, alice, personal.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ChunkCount)

	// Status transitions.
	require.NoError(t, docs.SetStatus(ctx, personal.ID, DocumentReady, ""))
	got, err = docs.Get(ctx, alice, personal.ID)
	require.NoError(t, err)
	assert.Equal(t, DocumentReady, got.Status)
}

func TestContextDeepMerge(t *testing.T) {
	db := newTestDB(t)
	contexts := NewContextStore(db)
	ctx := context.Background()

	merged, err := contexts.Merge(ctx, alice.ID, map[string]any{
		"name":  "Alice",
		"prefs": map[string]any{"lang": "en", "theme": "dark"},
		"tags":  []any{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Alice", merged["name"])

	// Nested merge, null delete, wholesale list replace.
	merged, err = contexts.Merge(ctx, alice.ID, map[string]any{
		"prefs": map[string]any{"theme": "light"},
		"name":  nil,
		"tags":  []any{"c"},
	})
	require.NoError(t, err)
	assert.NotContains(t, merged, "name")
	assert.Equal(t, map[string]any{"lang": "en", "theme": "light"}, merged["prefs"])
	assert.Equal(t, []any{"c"}, merged["tags"])

	// Persisted.
	loaded, err := contexts.Load(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, merged, loaded)

	ok, err := contexts.Delete(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	loaded, err = contexts.Load(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestJobStatusMachine(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobStore(db)
	ctx := context.Background()

	job := &Job{ID: "job-1", TaskName: "chat_response", UserID: alice.ID, Payload: map[string]any{"thread_id": "t1"}}
	require.NoError(t, jobs.Insert(ctx, job))

	// Scope: owner sees it, others get nil.
	got, err := jobs.Get(ctx, alice, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, JobQueued, got.Status)
	got, err = jobs.Get(ctx, bob, "job-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// queued → running bumps attempts.
	ok, err := jobs.MarkRunning(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, ok)
	got, _ = jobs.GetInternal(ctx, "job-1")
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.StartedAt)

	// Running jobs cannot be cancelled.
	ok, err = jobs.Cancel(ctx, alice, "job-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Retryable failure goes back to queued.
	require.NoError(t, jobs.MarkFailed(ctx, "job-1", "transient", false))
	got, _ = jobs.GetInternal(ctx, "job-1")
	assert.Equal(t, JobQueued, got.Status)

	// Queued jobs cancel.
	ok, err = jobs.Cancel(ctx, alice, "job-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Cancelled jobs are not runnable.
	ok, err = jobs.MarkRunning(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Success path.
	job2 := &Job{ID: "job-2", TaskName: "ingest_document", UserID: alice.ID}
	require.NoError(t, jobs.Insert(ctx, job2))
	_, err = jobs.MarkRunning(ctx, "job-2")
	require.NoError(t, err)
	require.NoError(t, jobs.MarkSucceeded(ctx, "job-2", map[string]any{"chunks": float64(3)}))
	got, _ = jobs.GetInternal(ctx, "job-2")
	assert.Equal(t, JobSucceeded, got.Status)
	assert.Equal(t, map[string]any{"chunks": float64(3)}, got.Result)
	require.NotNil(t, got.CompletedAt)
}

func TestUsageAggregates(t *testing.T) {
	db := newTestDB(t)
	usage := NewUsageStore(db)
	ctx := context.Background()

	require.NoError(t, usage.Record(ctx, &LLMCall{
		ThreadID: "t1", UserID: alice.ID, Provider: "anthropic", Model: "claude-sonnet-4",
		InputTokens: 100, OutputTokens: 50, Cost: 0.005, DurationMs: 800, CallType: "chat",
	}))
	require.NoError(t, usage.Record(ctx, &LLMCall{
		ThreadID: "t1", UserID: alice.ID, Provider: "openai", Model: "gpt-4o-mini",
		InputTokens: 10, OutputTokens: 5, Cost: 0.001, DurationMs: 200, CallType: "chat",
	}))
	require.NoError(t, usage.Record(ctx, &LLMCall{
		ThreadID: "t2", UserID: bob.ID, Provider: "openai", Model: "gpt-4o",
		InputTokens: 20, OutputTokens: 10, Cost: 0.002, DurationMs: 300, CallType: "chat_stream",
	}))

	var since time.Time
	summary, err := usage.Summary(ctx, alice, since)
	require.NoError(t, err)
	assert.EqualValues(t, 2, summary.Calls)
	assert.InDelta(t, 0.006, summary.Cost, 1e-9)

	// Admin sees everything.
	summary, err = usage.Summary(ctx, testAdmin, since)
	require.NoError(t, err)
	assert.EqualValues(t, 3, summary.Calls)

	byModel, err := usage.ByModel(ctx, alice, since)
	require.NoError(t, err)
	require.Len(t, byModel, 2)
	assert.Equal(t, "claude-sonnet-4", byModel[0].Model)

	cost, err := usage.ConversationCost(ctx, "t1")
	require.NoError(t, err)
	assert.InDelta(t, 0.006, cost, 1e-9)

	total, err := usage.TotalCost(ctx, bob.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.002, total, 1e-9)

	calls, err := usage.Calls(ctx, alice, 10)
	require.NoError(t, err)
	assert.Len(t, calls, 2)
}
