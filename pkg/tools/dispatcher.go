package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/mantle/pkg/observability"
	"github.com/kadirpekel/mantle/pkg/protocol"
)

const defaultToolTimeout = 30 * time.Second

// Dispatcher executes one round of tool calls in parallel. Every call gets a
// result; failures are captured per-tool and never cancel siblings.
type Dispatcher struct {
	registry *Registry
	metrics  *observability.Metrics
	timeout  time.Duration
}

type DispatcherOption func(*Dispatcher)

func WithToolTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = timeout }
}

func WithMetrics(m *observability.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{registry: registry, timeout: defaultToolTimeout}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch fans out the calls and returns results in call order, each
// echoing its tool_call_id.
func (d *Dispatcher) Dispatch(ctx context.Context, caps CapabilitySet, calls []protocol.ToolCall) []protocol.ToolResult {
	results := make([]protocol.ToolResult, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call protocol.ToolCall) {
			defer wg.Done()
			results[i] = d.execute(ctx, caps, call)
		}(i, call)
	}
	wg.Wait()

	return results
}

func (d *Dispatcher) execute(ctx context.Context, caps CapabilitySet, call protocol.ToolCall) (result protocol.ToolResult) {
	start := time.Now()

	tracer := observability.GetTracer("mantle.tools")
	ctx, span := tracer.Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(attribute.String(observability.AttrToolName, call.Name)),
	)
	defer span.End()

	defer func() {
		elapsed := time.Since(start)
		if d.metrics != nil {
			d.metrics.ToolDuration.WithLabelValues(call.Name).Observe(elapsed.Seconds())
			if result.IsError() {
				d.metrics.ToolErrors.WithLabelValues(call.Name).Inc()
			}
		}
		span.SetAttributes(attribute.Bool("tool.error", result.IsError()))
	}()

	// A panicking tool becomes an error result like any other failure.
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Tool panicked", "tool", call.Name, "panic", r)
			span.SetStatus(codes.Error, "panic")
			result = protocol.ErrToolResult(call.ID, protocol.ToolErrExecution, fmt.Sprintf("tool %s panicked: %v", call.Name, r))
		}
	}()

	tool, ok := d.registry.Get(call.Name)
	if !ok {
		span.SetStatus(codes.Error, "tool not found")
		return protocol.ErrToolResult(call.ID, protocol.ToolErrNotFound, fmt.Sprintf("Tool not found: %s", call.Name))
	}

	// Capability check runs before any side effect.
	if err := Require(caps, call.Name); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "capability denied")
		return protocol.ErrToolResult(call.ID, protocol.ToolErrCapability, err.Error())
	}

	execCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	output, err := tool.Execute(execCtx, call.Arguments)
	if err != nil {
		kind := protocol.ToolErrExecution
		if execCtx.Err() == context.DeadlineExceeded {
			kind = protocol.ToolErrTimeout
		}
		slog.Warn("Tool execution failed", "tool", call.Name, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return protocol.ErrToolResult(call.ID, kind, err.Error())
	}

	span.SetStatus(codes.Ok, "success")
	return protocol.OkToolResult(call.ID, output)
}
