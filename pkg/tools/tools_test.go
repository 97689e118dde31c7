package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/mantle/pkg/protocol"
)

type fakeTool struct {
	name    string
	execute func(ctx context.Context, args map[string]any) (any, error)
}

func (f *fakeTool) Name() string                { return f.name }
func (f *fakeTool) Description() string         { return "test tool" }
func (f *fakeTool) Parameters() map[string]any  { return map[string]any{"type": "object"} }
func (f *fakeTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	return f.execute(ctx, args)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	tool := &fakeTool{name: "echo", execute: func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }}

	require.NoError(t, r.Register(tool))
	require.Error(t, r.Register(tool))

	got, ok := r.Get("echo")
	require.True(t, ok)
	assert.Equal(t, "echo", got.Name())
}

func TestDispatchUnknownTool(t *testing.T) {
	d := NewDispatcher(NewRegistry())

	results := d.Dispatch(context.Background(), nil, []protocol.ToolCall{
		{ID: "call-1", Name: "missing"},
	})

	require.Len(t, results, 1)
	assert.Equal(t, "call-1", results[0].ToolCallID())
	assert.True(t, results[0].IsError())
	assert.Equal(t, protocol.ToolErrNotFound, results[0].ErrKind())
	assert.Contains(t, results[0].Content(), "Tool not found")
}

func TestDispatchCapabilityGate(t *testing.T) {
	r := NewRegistry()
	executed := false
	require.NoError(t, r.Register(&fakeTool{
		name: ToolUpdateContext,
		execute: func(ctx context.Context, args map[string]any) (any, error) {
			executed = true
			return "ok", nil
		},
	}))
	d := NewDispatcher(r)

	// Agent without manage_context: rejected before any side effect.
	results := d.Dispatch(context.Background(), NewCapabilitySet(nil), []protocol.ToolCall{
		{ID: "call-1", Name: ToolUpdateContext},
	})
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError())
	assert.Equal(t, protocol.ToolErrCapability, results[0].ErrKind())
	assert.False(t, executed)

	// With the capability the call goes through.
	results = d.Dispatch(context.Background(), NewCapabilitySet([]string{CapabilityManageContext}), []protocol.ToolCall{
		{ID: "call-2", Name: ToolUpdateContext},
	})
	require.Len(t, results, 1)
	assert.False(t, results[0].IsError())
	assert.True(t, executed)
}

func TestDispatchIsolatesFailures(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeTool{
		name: "ok",
		execute: func(ctx context.Context, args map[string]any) (any, error) {
			return "fine", nil
		},
	}))
	require.NoError(t, r.Register(&fakeTool{
		name: "fails",
		execute: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("boom")
		},
	}))
	require.NoError(t, r.Register(&fakeTool{
		name: "panics",
		execute: func(ctx context.Context, args map[string]any) (any, error) {
			panic("unexpected")
		},
	}))
	d := NewDispatcher(r)

	results := d.Dispatch(context.Background(), nil, []protocol.ToolCall{
		{ID: "a", Name: "ok"},
		{ID: "b", Name: "fails"},
		{ID: "c", Name: "panics"},
	})

	require.Len(t, results, 3)

	assert.Equal(t, "a", results[0].ToolCallID())
	assert.False(t, results[0].IsError())
	assert.Equal(t, "fine", results[0].Content())

	assert.Equal(t, "b", results[1].ToolCallID())
	assert.True(t, results[1].IsError())
	assert.Contains(t, results[1].Content(), "boom")

	assert.Equal(t, "c", results[2].ToolCallID())
	assert.True(t, results[2].IsError())
	assert.Contains(t, results[2].Content(), "panicked")
}

func TestDispatchSerializesStructuredOutput(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeTool{
		name: "structured",
		execute: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"answer": 42}, nil
		},
	}))
	d := NewDispatcher(r)

	results := d.Dispatch(context.Background(), nil, []protocol.ToolCall{{ID: "x", Name: "structured"}})
	require.Len(t, results, 1)
	assert.JSONEq(t, `{"answer":42}`, results[0].Content())
}

func TestDispatchTimeout(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeTool{
		name: "slow",
		execute: func(ctx context.Context, args map[string]any) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return "done", nil
			}
		},
	}))
	d := NewDispatcher(r, WithToolTimeout(10*time.Millisecond))

	results := d.Dispatch(context.Background(), nil, []protocol.ToolCall{{ID: "s", Name: "slow"}})
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError())
	assert.Equal(t, protocol.ToolErrTimeout, results[0].ErrKind())
}

func TestFilterDefinitionsDropsGatedTools(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeTool{name: ToolCalculator, execute: nil}))
	require.NoError(t, r.Register(&fakeTool{name: ToolSearchDocuments, execute: nil}))

	defs := FilterDefinitions(r, []string{ToolCalculator, ToolSearchDocuments, "unregistered"}, NewCapabilitySet(nil))
	require.Len(t, defs, 1)
	assert.Equal(t, ToolCalculator, defs[0].Name)

	defs = FilterDefinitions(r, []string{ToolCalculator, ToolSearchDocuments}, NewCapabilitySet([]string{CapabilitySearchDocuments}))
	assert.Len(t, defs, 2)
}

func TestSchemaForProducesObjectSchema(t *testing.T) {
	schema := SchemaFor[calculatorArgs]()
	assert.Equal(t, "object", schema["type"])

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "expression")
}
