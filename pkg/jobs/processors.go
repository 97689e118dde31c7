package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kadirpekel/mantle/pkg/auth"
	"github.com/kadirpekel/mantle/pkg/llms"
	"github.com/kadirpekel/mantle/pkg/memory"
	"github.com/kadirpekel/mantle/pkg/protocol"
	"github.com/kadirpekel/mantle/pkg/rag"
	"github.com/kadirpekel/mantle/pkg/store"
	"github.com/kadirpekel/mantle/pkg/stream"
)

// ChatRunner produces the assistant response for an already-persisted user
// message, emitting content chunks as they arrive. Implemented by the
// runtime; defined here so processors need no runtime import.
type ChatRunner interface {
	RespondExisting(ctx context.Context, db *store.DB, u *auth.CurrentUser, threadID, userMessageID string, emit func(string) error) error
}

// NewChatResponseProcessor runs an async chat turn, relaying chunks over the
// job's stream channel.
func NewChatResponseProcessor(runner ChatRunner, relay *stream.Relay) Processor {
	return func(ctx context.Context, jc JobContext, db *store.DB, payload map[string]any) (map[string]any, error) {
		threadID, _ := payload["thread_id"].(string)
		messageID, _ := payload["message_id"].(string)
		if threadID == "" || messageID == "" {
			return nil, &protocol.ValidationError{Field: "payload", Reason: "thread_id and message_id are required"}
		}
		user := userFromPayload(jc, payload)
		channel := stream.ChannelName(threadID, messageID)

		emit := func(text string) error {
			return relay.Publish(ctx, channel, stream.ContentFrame(text))
		}

		if err := runner.RespondExisting(ctx, db, user, threadID, messageID, emit); err != nil {
			// Terminal failure is surfaced to the subscriber too.
			if !protocol.IsRetryable(err) || jc.Attempt >= jc.MaxAttempts {
				if pubErr := relay.Publish(ctx, channel, stream.ErrorFrame(err)); pubErr != nil {
					slog.Warn("publishing error frame", "channel", channel, "error", pubErr)
				}
			}
			return nil, err
		}

		if err := relay.Publish(ctx, channel, stream.DoneFrame()); err != nil {
			slog.Warn("publishing done frame", "channel", channel, "error", err)
		}
		return map[string]any{"status": "completed", "channel": channel}, nil
	}
}

// NewIngestDocumentProcessor chunks and indexes one uploaded document.
func NewIngestDocumentProcessor(ingestor *rag.Ingestor) Processor {
	return func(ctx context.Context, jc JobContext, db *store.DB, payload map[string]any) (map[string]any, error) {
		documentID, _ := payload["document_id"].(string)
		path, _ := payload["path"].(string)
		if documentID == "" || path == "" {
			return nil, &protocol.ValidationError{Field: "payload", Reason: "document_id and path are required"}
		}

		n, err := ingestor.Ingest(ctx, store.NewDocumentStore(db), documentID, path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"chunks": n}, nil
	}
}

// summarizeKeepRecent messages stay in full detail behind the watermark.
const summarizeKeepRecent = 4

// NewSummarizeThreadProcessor condenses messages past the watermark into the
// thread's rolling summary. Idempotent: the payload carries the watermark
// observed at enqueue time, and a changed watermark means another run
// already summarized.
func NewSummarizeThreadProcessor(provider llms.Provider) Processor {
	return func(ctx context.Context, jc JobContext, db *store.DB, payload map[string]any) (map[string]any, error) {
		threadID, _ := payload["thread_id"].(string)
		if threadID == "" {
			return nil, &protocol.ValidationError{Field: "payload", Reason: "thread_id is required"}
		}
		expectedWatermark, _ := payload["watermark"].(string)

		threads := store.NewThreadStore(db)
		messages := store.NewMessageStore(db)

		thread, err := threads.GetInternal(ctx, threadID)
		if err != nil {
			return nil, err
		}
		if thread == nil {
			return nil, &protocol.NotFoundError{Entity: "thread", ID: threadID}
		}
		if thread.SummarizedUntilMsgID != expectedWatermark {
			return map[string]any{"status": "stale_watermark"}, nil
		}

		afterSeq, err := messages.SeqOf(ctx, threadID, thread.SummarizedUntilMsgID)
		if err != nil {
			return nil, err
		}
		pending, err := messages.ListAfterSeq(ctx, threadID, afterSeq)
		if err != nil {
			return nil, err
		}
		// The most recent messages stay in full detail.
		if len(pending) <= summarizeKeepRecent {
			return map[string]any{"status": "nothing_to_summarize"}, nil
		}
		pending = pending[:len(pending)-summarizeKeepRecent]

		history := make([]protocol.Message, 0, len(pending))
		for _, m := range pending {
			history = append(history, protocol.Message{Role: m.Role, Content: m.Content})
		}

		prompt := memory.BuildSummaryPrompt(thread.Summary, history)
		resp, err := provider.Complete(ctx, llms.Request{
			Messages:  []protocol.Message{{Role: protocol.RoleUser, Content: prompt}},
			MaxTokens: 1024,
		})
		if err != nil {
			return nil, fmt.Errorf("summarizing thread: %w", err)
		}

		last := pending[len(pending)-1]
		if err := threads.SetSummary(ctx, threadID, resp.Content, last.ID); err != nil {
			return nil, err
		}
		return map[string]any{
			"status":        "summarized",
			"messages":      len(pending),
			"new_watermark": last.ID,
		}, nil
	}
}

func userFromPayload(jc JobContext, payload map[string]any) *auth.CurrentUser {
	user := &auth.CurrentUser{ID: jc.UserID, Role: auth.RoleMember}
	if role, ok := payload["role"].(string); ok && role != "" {
		user.Role = role
	}
	if ids, ok := payload["workspace_ids"].([]any); ok {
		for _, id := range ids {
			if s, ok := id.(string); ok {
				user.WorkspaceIDs = append(user.WorkspaceIDs, s)
			}
		}
	}
	return user
}
