package jobs

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/philippgille/chromem-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/mantle/pkg/auth"
	"github.com/kadirpekel/mantle/pkg/llms"
	"github.com/kadirpekel/mantle/pkg/protocol"
	"github.com/kadirpekel/mantle/pkg/rag"
	"github.com/kadirpekel/mantle/pkg/store"
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

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, JobContext, *store.DB, map[string]any) (map[string]any, error) {
		return nil, nil
	}

	require.NoError(t, r.Register(TaskChatResponse, noop))
	require.NoError(t, r.Register(TaskIngestDocument, noop))
	require.Error(t, r.Register(TaskChatResponse, noop), "duplicate registration")
	require.Error(t, r.Register("", noop))

	_, ok := r.Get(TaskChatResponse)
	assert.True(t, ok)
	_, ok = r.Get("nope")
	assert.False(t, ok)

	assert.Equal(t, []string{TaskChatResponse, TaskIngestDocument}, r.Tasks())
}

func TestQueueName(t *testing.T) {
	assert.Equal(t, "jobs:chat_response", QueueName(TaskChatResponse))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	w := NewWorker(NewRegistry(), nil, nil, WithBackoff(time.Second, 10*time.Second))

	first := w.backoff(1)
	assert.InDelta(t, float64(time.Second), float64(first), 0.2*float64(time.Second))

	second := w.backoff(2)
	assert.InDelta(t, float64(2*time.Second), float64(second), 0.4*float64(time.Second))

	// 2^9 seconds would exceed the cap.
	capped := w.backoff(10)
	assert.LessOrEqual(t, capped, 12*time.Second)
	assert.GreaterOrEqual(t, capped, 8*time.Second)
}

func stubEmbedding(_ context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1}, nil
}

func TestIngestDocumentProcessor(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	docs := store.NewDocumentStore(db)

	index, err := rag.NewDocumentIndex(chromem.NewDB(), "documents", stubEmbedding)
	require.NoError(t, err)
	processor := NewIngestDocumentProcessor(rag.NewIngestor(index))

	admin := &auth.CurrentUser{ID: "root", Role: auth.RoleAdmin}
	doc, err := docs.Create(ctx, admin, &store.Document{Filename: "notes.txt"})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("some document text"), 0o600))

	result, err := processor(ctx, JobContext{JobID: "j1"}, db,
		map[string]any{"document_id": doc.ID, "path": path})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"chunks": 1}, result)

	stored, err := docs.GetInternal(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DocumentReady, stored.Status)
}

func TestIngestDocumentProcessorRejectsBadPayload(t *testing.T) {
	processor := NewIngestDocumentProcessor(nil)
	_, err := processor(context.Background(), JobContext{}, nil, map[string]any{})
	var vErr *protocol.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestSummarizeThreadProcessor(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	agents := store.NewAgentStore(db)
	threads := store.NewThreadStore(db)
	messages := store.NewMessageStore(db)

	alice := &auth.CurrentUser{ID: "alice", Role: auth.RoleMember}
	agent, err := agents.Create(ctx, alice, &store.Agent{Name: "a", Provider: "mock", Model: "m"})
	require.NoError(t, err)
	thread, err := threads.Create(ctx, alice, agent, "t", nil)
	require.NoError(t, err)

	// Six messages: the last four stay in detail, the first two summarize.
	for i := 0; i < 3; i++ {
		_, err = messages.Append(ctx, &store.Message{ThreadID: thread.ID, Role: protocol.RoleUser, Content: "question"})
		require.NoError(t, err)
		_, err = messages.Append(ctx, &store.Message{ThreadID: thread.ID, Role: protocol.RoleAssistant, Content: "answer"})
		require.NoError(t, err)
	}

	provider := &llms.MockProvider{Responses: []*protocol.ProviderResponse{{Content: "they discussed questions"}}}
	processor := NewSummarizeThreadProcessor(provider)

	result, err := processor(ctx, JobContext{UserID: "alice"}, db,
		map[string]any{"thread_id": thread.ID, "watermark": ""})
	require.NoError(t, err)
	assert.Equal(t, "summarized", result["status"])
	assert.Equal(t, 2, result["messages"])

	updated, err := threads.GetInternal(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, "they discussed questions", updated.Summary)
	assert.NotEmpty(t, updated.SummarizedUntilMsgID)

	// The summarization prompt carried the pending history.
	req := provider.LastRequest()
	require.NotNil(t, req)
	assert.Contains(t, req.Messages[0].Content, "question")

	// Stale watermark: a second identical job is a no-op.
	result, err = processor(ctx, JobContext{UserID: "alice"}, db,
		map[string]any{"thread_id": thread.ID, "watermark": ""})
	require.NoError(t, err)
	assert.Equal(t, "stale_watermark", result["status"])
}

func TestSummarizeThreadProcessorNothingPending(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	agents := store.NewAgentStore(db)
	threads := store.NewThreadStore(db)
	messages := store.NewMessageStore(db)

	alice := &auth.CurrentUser{ID: "alice", Role: auth.RoleMember}
	agent, err := agents.Create(ctx, alice, &store.Agent{Name: "a", Provider: "mock", Model: "m"})
	require.NoError(t, err)
	thread, err := threads.Create(ctx, alice, agent, "t", nil)
	require.NoError(t, err)
	_, err = messages.Append(ctx, &store.Message{ThreadID: thread.ID, Role: protocol.RoleUser, Content: "hi"})
	require.NoError(t, err)

	processor := NewSummarizeThreadProcessor(&llms.MockProvider{})
	result, err := processor(ctx, JobContext{}, db,
		map[string]any{"thread_id": thread.ID, "watermark": ""})
	require.NoError(t, err)
	assert.Equal(t, "nothing_to_summarize", result["status"])
}

func TestUserFromPayload(t *testing.T) {
	user := userFromPayload(JobContext{UserID: "u1"}, map[string]any{
		"role":          auth.RoleAdmin,
		"workspace_ids": []any{"ws-1", "ws-2"},
	})
	assert.Equal(t, "u1", user.ID)
	assert.True(t, user.IsAdmin())
	assert.Equal(t, []string{"ws-1", "ws-2"}, user.WorkspaceIDs)

	user = userFromPayload(JobContext{UserID: "u2"}, map[string]any{})
	assert.Equal(t, auth.RoleMember, user.Role)
}