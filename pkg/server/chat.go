package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/kadirpekel/mantle/pkg/auth"
	"github.com/kadirpekel/mantle/pkg/jobs"
	"github.com/kadirpekel/mantle/pkg/locks"
	"github.com/kadirpekel/mantle/pkg/protocol"
	"github.com/kadirpekel/mantle/pkg/runtime"
	"github.com/kadirpekel/mantle/pkg/store"
	"github.com/kadirpekel/mantle/pkg/stream"
)

func asyncRequested(r *http.Request) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get("async_processing"))
	return err == nil && v
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	var in runtime.ChatInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	in.ThreadID = threadID

	if asyncRequested(r) {
		s.chatAsync(w, r, in)
		return
	}

	result, err := s.app.Runtime.Chat(r.Context(), currentUser(r), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleChatStream runs a turn over SSE. The event stream opens lazily on
// the first chunk, so errors raised before any output still map to proper
// HTTP status codes; later failures become error frames.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	var in runtime.ChatInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	in.ThreadID = threadID

	if asyncRequested(r) {
		s.chatAsync(w, r, in)
		return
	}

	var sse *stream.SSEWriter
	open := func() error {
		if sse != nil {
			return nil
		}
		var err error
		sse, err = stream.NewSSEWriter(w)
		return err
	}
	emit := func(text string) error {
		if err := open(); err != nil {
			return err
		}
		return sse.Send(stream.ContentFrame(text))
	}

	_, err := s.app.Runtime.ChatStream(r.Context(), currentUser(r), in, emit)
	if err != nil {
		if sse != nil {
			if sendErr := sse.Send(stream.ErrorFrame(err)); sendErr != nil {
				slog.Warn("sending error frame", "error", sendErr)
			}
			return
		}
		writeError(w, err)
		return
	}

	if err := open(); err != nil {
		writeError(w, err)
		return
	}
	if err := sse.Send(stream.DoneFrame()); err != nil {
		slog.Warn("sending done frame", "error", err)
	}
}

// chatAsync persists the user message, enqueues the response job and returns
// the channel a subscriber can follow. The message append happens under the
// thread lock so it cannot interleave with a running turn.
func (s *Server) chatAsync(w http.ResponseWriter, r *http.Request, in runtime.ChatInput) {
	ctx := r.Context()
	u := currentUser(r)

	if in.Content == "" {
		writeError(w, &protocol.ValidationError{Field: "message", Reason: "message cannot be empty"})
		return
	}
	thread, err := s.app.Threads.Get(ctx, u, in.ThreadID)
	if err != nil {
		writeError(w, err)
		return
	}
	if thread == nil {
		writeError(w, &protocol.NotFoundError{Entity: "thread", ID: in.ThreadID})
		return
	}

	var msg *store.Message
	err = s.app.Locks.WithLock(ctx, locks.NamespaceThread, thread.ID, 0, func(lctx context.Context) error {
		var appendErr error
		msg, appendErr = s.app.Messages.Append(lctx, &store.Message{
			ThreadID:    thread.ID,
			Role:        protocol.RoleUser,
			Content:     in.Content,
			Attachments: in.Attachments,
		})
		return appendErr
	})
	if err != nil {
		writeError(w, err)
		return
	}

	payload := map[string]any{
		"thread_id":     thread.ID,
		"message_id":    msg.ID,
		"role":          u.Role,
		"workspace_ids": u.WorkspaceIDs,
	}
	job, err := s.app.Queue.Enqueue(ctx, u, jobs.TaskChatResponse, payload)
	if err != nil {
		// The user message must not outlive the turn it was meant to start.
		if delErr := s.app.Messages.Delete(ctx, msg.ID); delErr != nil {
			slog.Error("compensating message delete failed", "message_id", msg.ID, "error", delErr)
		}
		slog.Warn("async chat enqueue failed", "thread_id", thread.ID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorBody("async processing unavailable"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":         job.ID,
		"stream_channel": stream.ChannelName(thread.ID, msg.ID),
	})
}

// handleChatSubscribe replays a pending async response over SSE.
func (s *Server) handleChatSubscribe(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	u := currentUser(r)

	thread, err := s.app.Threads.Get(r.Context(), u, threadID)
	if err != nil {
		writeError(w, err)
		return
	}
	if thread == nil {
		writeError(w, &protocol.NotFoundError{Entity: "thread", ID: threadID})
		return
	}

	sse, err := stream.NewSSEWriter(w)
	if err != nil {
		writeError(w, err)
		return
	}
	channel := stream.ChannelName(threadID, chi.URLParam(r, "messageID"))
	if err := s.app.Relay.ServeSSE(r.Context(), sse, channel); err != nil {
		slog.Warn("serving stream subscription", "channel", channel, "error", err)
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// handleChatWS speaks the frame schema over a WebSocket. Authentication is
// either a ?token= query parameter or a first frame of
// {"type":"auth","token":"..."}; the latter is acknowledged with
// {"type":"auth_success"}.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	upgrader := wsUpgrader
	upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || s.originAllowed(origin)
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	sess := stream.NewWSSession(conn)
	defer sess.Close()

	u, err := s.authenticateWS(r, sess)
	if err != nil {
		_ = sess.Send(stream.ErrorFrame(err))
		return
	}

	for {
		req, err := sess.ReadRequest()
		if err != nil {
			return
		}
		if req.Type == "auth" {
			// Already authenticated; re-auth frames are acknowledged and
			// otherwise ignored.
			_ = sess.SendJSON(map[string]string{"type": "auth_success"})
			continue
		}
		if req.Message == "" {
			_ = sess.Send(stream.ErrorFrame(&protocol.ValidationError{Field: "message", Reason: "message cannot be empty"}))
			continue
		}
		if !s.app.Limiter.Allow(u.ID) {
			_ = sess.Send(stream.ErrorFrame(&protocol.ValidationError{Field: "rate", Reason: "rate limit exceeded"}))
			continue
		}

		in := runtime.ChatInput{ThreadID: threadID, Content: req.Message}
		emit := func(text string) error {
			return sess.Send(stream.ContentFrame(text))
		}
		if _, err := s.app.Runtime.ChatStream(r.Context(), u, in, emit); err != nil {
			_ = sess.Send(stream.ErrorFrame(err))
			continue
		}
		if err := sess.Send(stream.DoneFrame()); err != nil {
			return
		}
	}
}

// authenticateWS resolves the caller from the query token or, when absent,
// from an auth frame sent after the upgrade.
func (s *Server) authenticateWS(r *http.Request, sess *stream.WSSession) (*auth.CurrentUser, error) {
	token := r.URL.Query().Get("token")
	fromFrame := false
	if token == "" {
		req, err := sess.ReadRequest()
		if err != nil {
			return nil, err
		}
		if req.Token == "" {
			return nil, &protocol.ValidationError{Field: "token", Reason: "authentication required"}
		}
		token = req.Token
		fromFrame = true
	}

	claims, err := s.app.Tokens.Verify(token)
	if err != nil {
		return nil, &protocol.ValidationError{Field: "token", Reason: "invalid token"}
	}
	if fromFrame {
		if err := sess.SendJSON(map[string]string{"type": "auth_success"}); err != nil {
			return nil, err
		}
	}
	return claims.User(), nil
}
