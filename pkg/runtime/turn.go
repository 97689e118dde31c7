package runtime

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

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

// loopResult accumulates the outcome of the completion loop or the direct
// stream for the turn's final persist.
type loopResult struct {
	resp      *protocol.ProviderResponse
	model     string
	provider  string
	rounds    int
	usage     protocol.Usage
	cost      float64
	toolsUsed []string
}

// turn executes one chat turn. When userMsg carries no ID it is persisted
// first; otherwise it is an already-saved message (async path). Steps after
// the budget precheck run under the thread lock.
func (r *Runtime) turn(ctx context.Context, st *Stores, u *auth.CurrentUser, thread *store.Thread, agent *store.Agent, userMsg *store.Message, emit func(string) error) (*ChatResult, error) {
	started := time.Now()

	caps := tools.NewCapabilitySet(agent.Capabilities)
	defs := tools.FilterDefinitions(r.tools, agent.Tools, caps)

	tracker := r.trackerFor(ctx, st, thread.ID, u.ID)
	if err := tracker.CheckBudget(); err != nil {
		return nil, err
	}

	userCtx, err := st.Contexts.Load(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	base, err := r.baseProvider(agent)
	if err != nil {
		return nil, err
	}

	tracer := observability.GetTracer("mantle.runtime")
	ctx, span := tracer.Start(ctx, observability.SpanChat, trace.WithAttributes(
		attribute.String(observability.AttrThreadID, thread.ID),
		attribute.String(observability.AttrAgentID, agent.ID),
	))
	defer span.End()

	lockStart := time.Now()
	lockCtx, err := r.locks.Acquire(ctx, locks.NamespaceThread, thread.ID, r.lockTimeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "thread lock")
		return nil, err
	}
	defer r.locks.Release(lockCtx, locks.NamespaceThread, thread.ID)
	if r.metrics != nil {
		r.metrics.LockWaitSeconds.WithLabelValues(locks.NamespaceThread).Observe(time.Since(lockStart).Seconds())
	}

	// Tools resolve the caller from the context for their own scope checks.
	lockCtx = auth.ContextWithUser(lockCtx, u)

	if userMsg.ID == "" {
		if _, err := st.Messages.Append(lockCtx, userMsg); err != nil {
			return nil, err
		}
	}
	r.indexMessage(lockCtx, thread.ID, userMsg)

	req, err := r.buildRequest(lockCtx, st, u, thread, agent, caps, defs, base, userCtx, userMsg.Content)
	if err != nil {
		return nil, err
	}

	var lr *loopResult
	callType := "chat"
	if emit != nil && len(defs) == 0 {
		callType = "chat_stream"
		lr, err = r.streamOnce(lockCtx, st, u, thread, agent, base, tracker, req, emit)
	} else {
		lr, err = r.completeLoop(lockCtx, st, u, thread, agent, caps, base, tracker, req)
		if err == nil && emit != nil && lr.resp.Content != "" {
			// Tool-capable agents fall back to a buffered turn emitted as
			// one chunk.
			err = emit(lr.resp.Content)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	final := &store.Message{
		ThreadID: thread.ID,
		Role:     protocol.RoleAssistant,
		Content:  lr.resp.Content,
		Metadata: map[string]any{
			"usage":           map[string]any{"input": lr.usage.Input, "output": lr.usage.Output},
			"cost":            lr.cost,
			"duration_ms":     time.Since(started).Milliseconds(),
			"model":           lr.model,
			"provider":        lr.provider,
			"tools_used":      lr.toolsUsed,
			"call_type":       callType,
			"temperature":     agent.Temperature,
			"memory_strategy": agent.MemoryStrategy,
			"memory_n":        memoryN(agent.MemoryParams),
		},
	}
	if _, err := st.Messages.Append(lockCtx, final); err != nil {
		return nil, err
	}
	r.indexMessage(lockCtx, thread.ID, final)

	if err := st.Threads.BumpCounters(lockCtx, thread.ID, 1, lr.usage.Input+lr.usage.Output); err != nil {
		slog.Warn("bumping thread counters", "thread_id", thread.ID, "error", err)
	}
	if r.metrics != nil {
		r.metrics.ChatRounds.Observe(float64(lr.rounds))
	}
	span.SetStatus(codes.Ok, "")

	r.maybeSummarize(lockCtx, st, u, thread, agent)

	return &ChatResult{
		ThreadID:      thread.ID,
		UserMessageID: userMsg.ID,
		MessageID:     final.ID,
		Content:       final.Content,
		Model:         lr.model,
		Provider:      lr.provider,
		Usage:         lr.usage,
		Cost:          lr.cost,
		Rounds:        lr.rounds,
		DurationMs:    time.Since(started).Milliseconds(),
		ToolsUsed:     lr.toolsUsed,
	}, nil
}

// buildRequest assembles the provider request: RAG snippets, the composed
// system prompt and the memory strategy's view of history.
func (r *Runtime) buildRequest(ctx context.Context, st *Stores, u *auth.CurrentUser, thread *store.Thread, agent *store.Agent, caps tools.CapabilitySet, defs []llms.ToolDefinition, provider llms.Provider, userCtx map[string]any, query string) (llms.Request, error) {
	var hits []tools.DocumentHit
	if r.searcher != nil && caps.Has(tools.CapabilitySearchDocuments) {
		found, err := r.searcher.Search(ctx, u, query, ragSnippetLimit)
		if err != nil {
			slog.Warn("document search failed", "thread_id", thread.ID, "error", err)
		} else {
			hits = found
		}
	}
	system := SystemPrompt(agent, userCtx, hits)

	// Summarized prefixes are represented by the rolling summary, not
	// replayed verbatim.
	afterSeq := 0
	if agent.MemoryStrategy == memory.StrategySummarize && thread.SummarizedUntilMsgID != "" {
		seq, err := st.Messages.SeqOf(ctx, thread.ID, thread.SummarizedUntilMsgID)
		if err != nil {
			return llms.Request{}, err
		}
		if seq > 0 {
			afterSeq = seq
		}
	}
	rows, err := st.Messages.ListAfterSeq(ctx, thread.ID, afterSeq)
	if err != nil {
		return llms.Request{}, err
	}
	history := make([]protocol.Message, 0, len(rows))
	for _, m := range rows {
		history = append(history, protocol.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}

	strategy, err := memory.New(agent.MemoryStrategy, agent.MemoryParams, memory.Deps{Index: r.memIndex})
	if err != nil {
		return llms.Request{}, err
	}
	if vector, ok := strategy.(*memory.VectorStrategy); ok {
		strategy = vector.WithThread(thread.ID)
	}

	msgs, err := strategy.Build(ctx, memory.BuildInput{
		Messages:     history,
		SystemPrompt: system,
		Summary:      thread.Summary,
		MaxTokens:    provider.MaxContextTokens(),
		Counter:      provider.CountTokens,
	})
	if err != nil {
		return llms.Request{}, err
	}

	req := llms.Request{
		Messages:    msgs,
		System:      system,
		Temperature: agent.Temperature,
		MaxTokens:   agent.MaxTokens,
		Tools:       defs,
	}
	// A strategy that emits a leading system message owns the system slot.
	if len(msgs) > 0 && msgs[0].Role == protocol.RoleSystem {
		req.System = msgs[0].Content
		req.Messages = msgs[1:]
	}
	return req, nil
}

// completeLoop is the bounded provider/tool loop. Intermediate assistant and
// tool messages persist as they happen so the audit trail survives failures.
func (r *Runtime) completeLoop(ctx context.Context, st *Stores, u *auth.CurrentUser, thread *store.Thread, agent *store.Agent, caps tools.CapabilitySet, base llms.Provider, tracker *costs.Tracker, req llms.Request) (*loopResult, error) {
	out := &loopResult{}
	seen := make(map[string]bool)

	for out.rounds < r.maxRounds {
		out.rounds++
		provider, model := r.providerForRound(agent, base, tracker)

		start := time.Now()
		resp, err := provider.Complete(ctx, req)
		elapsed := time.Since(start)
		if err != nil {
			if r.metrics != nil {
				r.metrics.LLMErrors.WithLabelValues(provider.Name()).Inc()
			}
			return nil, err
		}
		if resp.Model == "" {
			resp.Model = model
		}
		if resp.Provider == "" {
			resp.Provider = provider.Name()
		}

		delta := tracker.AddUsage(resp.Model, resp.Usage.Input, resp.Usage.Output, resp.Usage.Cost)
		out.usage = out.usage.Add(resp.Usage)
		out.cost += delta
		out.model = resp.Model
		out.provider = resp.Provider
		r.audit(ctx, st, u, thread, agent, resp, delta, elapsed, "chat")
		if r.metrics != nil {
			r.metrics.ObserveLLM(resp.Provider, resp.Model, resp.Usage.Input, resp.Usage.Output)
		}

		if !resp.HasToolCalls() {
			out.resp = resp
			return out, nil
		}
		// The budget tripped mid-turn; stop before spending another round.
		if err := tracker.CheckBudget(); err != nil {
			return nil, err
		}

		assistant := &store.Message{
			ThreadID:  thread.ID,
			Role:      protocol.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
			Metadata:  map[string]any{"call_type": "tool_round", "model": resp.Model},
		}
		if _, err := st.Messages.Append(ctx, assistant); err != nil {
			return nil, err
		}

		results := r.dispatcher.Dispatch(ctx, caps, resp.ToolCalls)
		req.Messages = append(req.Messages, protocol.Message{
			Role:      protocol.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for i, res := range results {
			name := resp.ToolCalls[i].Name
			if !seen[name] {
				seen[name] = true
				out.toolsUsed = append(out.toolsUsed, name)
			}
			msg := &store.Message{
				ThreadID:   thread.ID,
				Role:       protocol.RoleTool,
				Content:    res.Content(),
				ToolCallID: res.ToolCallID(),
			}
			if res.IsError() {
				msg.Metadata = map[string]any{"error_kind": res.ErrKind()}
			}
			if _, err := st.Messages.Append(ctx, msg); err != nil {
				return nil, err
			}
			req.Messages = append(req.Messages, protocol.Message{
				Role:       protocol.RoleTool,
				Content:    res.Content(),
				ToolCallID: res.ToolCallID(),
			})
		}
	}

	// Round budget exhausted. The tool trail above stays persisted; the turn
	// completes with an apology instead of an error.
	out.resp = &protocol.ProviderResponse{
		Content:      maxRoundsApology,
		Model:        out.model,
		Provider:     out.provider,
		FinishReason: protocol.FinishLength,
	}
	return out, nil
}

// streamOnce is the direct streaming path for agents without effective
// tools. Providers do not report usage on streams, so both sides are
// estimated with the provider's counter.
func (r *Runtime) streamOnce(ctx context.Context, st *Stores, u *auth.CurrentUser, thread *store.Thread, agent *store.Agent, base llms.Provider, tracker *costs.Tracker, req llms.Request, emit func(string) error) (*loopResult, error) {
	provider, model := r.providerForRound(agent, base, tracker)

	start := time.Now()
	ch, err := provider.Stream(ctx, req)
	if err != nil {
		if r.metrics != nil {
			r.metrics.LLMErrors.WithLabelValues(provider.Name()).Inc()
		}
		return nil, err
	}

	var b strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			if r.metrics != nil {
				r.metrics.LLMErrors.WithLabelValues(provider.Name()).Inc()
			}
			return nil, chunk.Err
		}
		if chunk.Done {
			break
		}
		if chunk.Text == "" {
			continue
		}
		b.WriteString(chunk.Text)
		if err := emit(chunk.Text); err != nil {
			return nil, err
		}
	}
	elapsed := time.Since(start)
	content := b.String()

	input := provider.CountTokens(append(
		[]protocol.Message{{Role: protocol.RoleSystem, Content: req.System}}, req.Messages...))
	output := provider.CountTokens([]protocol.Message{{Role: protocol.RoleAssistant, Content: content}})

	resp := &protocol.ProviderResponse{
		Content:      content,
		Model:        model,
		Provider:     provider.Name(),
		Usage:        protocol.Usage{Input: input, Output: output},
		FinishReason: protocol.FinishStop,
	}
	delta := tracker.AddUsage(model, input, output, 0)
	r.audit(ctx, st, u, thread, agent, resp, delta, elapsed, "chat_stream")
	if r.metrics != nil {
		r.metrics.ObserveLLM(resp.Provider, resp.Model, input, output)
	}

	return &loopResult{
		resp:     resp,
		model:    model,
		provider: provider.Name(),
		rounds:   1,
		usage:    resp.Usage,
		cost:     delta,
	}, nil
}

// audit writes the llm_calls row. Audit failures never fail the chat path.
func (r *Runtime) audit(ctx context.Context, st *Stores, u *auth.CurrentUser, thread *store.Thread, agent *store.Agent, resp *protocol.ProviderResponse, cost float64, elapsed time.Duration, callType string) {
	err := st.Usage.Record(ctx, &store.LLMCall{
		ThreadID:     thread.ID,
		AgentID:      agent.ID,
		UserID:       u.ID,
		Provider:     resp.Provider,
		Model:        resp.Model,
		InputTokens:  resp.Usage.Input,
		OutputTokens: resp.Usage.Output,
		Cost:         cost,
		DurationMs:   elapsed.Milliseconds(),
		CallType:     callType,
	})
	if err != nil {
		slog.Warn("recording llm call", "thread_id", thread.ID, "error", err)
	}
}

// maybeSummarize enqueues a summarize job once enough unsummarized content
// accumulates. The payload carries the watermark observed now; the processor
// uses it for idempotency.
func (r *Runtime) maybeSummarize(ctx context.Context, st *Stores, u *auth.CurrentUser, thread *store.Thread, agent *store.Agent) {
	if r.enqueuer == nil || r.summarizeTask == "" || agent.MemoryStrategy != memory.StrategySummarize {
		return
	}

	afterSeq, err := st.Messages.SeqOf(ctx, thread.ID, thread.SummarizedUntilMsgID)
	if err != nil {
		slog.Warn("resolving summary watermark", "thread_id", thread.ID, "error", err)
		return
	}
	if afterSeq < 0 {
		afterSeq = 0
	}
	chars, err := st.Messages.UnsummarizedChars(ctx, thread.ID, afterSeq)
	if err != nil {
		slog.Warn("counting unsummarized content", "thread_id", thread.ID, "error", err)
		return
	}
	if chars < r.summarizeAfter {
		return
	}

	payload := map[string]any{
		"thread_id": thread.ID,
		"watermark": thread.SummarizedUntilMsgID,
	}
	if _, err := r.enqueuer.Enqueue(ctx, u, r.summarizeTask, payload); err != nil {
		slog.Warn("enqueueing summarize job", "thread_id", thread.ID, "error", err)
	}
}

// indexMessage adds a persisted message to the vector index when one is
// configured. Index failures degrade retrieval, not the turn.
func (r *Runtime) indexMessage(ctx context.Context, threadID string, m *store.Message) {
	if r.memIndex == nil || m.Content == "" {
		return
	}
	if err := r.memIndex.Add(ctx, threadID, m.Seq, protocol.Message{Role: m.Role, Content: m.Content}); err != nil {
		slog.Warn("indexing message", "thread_id", threadID, "error", err)
	}
}

func memoryN(params map[string]any) int {
	switch v := params["n"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
