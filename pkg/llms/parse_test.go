package llms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInlineToolCallsStandard(t *testing.T) {
	content := `Let me check. <function=get_weather>{"city": "Tokyo"}</function>`

	cleaned, calls := ParseInlineToolCalls(content)
	require.Len(t, calls, 1)
	assert.Equal(t, "get_weather", calls[0].Name)
	assert.Equal(t, "Tokyo", calls[0].Arguments["city"])
	assert.NotEmpty(t, calls[0].ID)
	assert.Equal(t, "Let me check.", cleaned)
}

func TestParseInlineToolCallsUnclosed(t *testing.T) {
	content := `<function=search>{"query": "golang"}`

	_, calls := ParseInlineToolCalls(content)
	require.Len(t, calls, 1)
	assert.Equal(t, "search", calls[0].Name)
	assert.Equal(t, "golang", calls[0].Arguments["query"])
}

func TestParseInlineToolCallsParenthesized(t *testing.T) {
	content := `<function=calculator>({"expression": "2+2"})</function>`

	_, calls := ParseInlineToolCalls(content)
	require.Len(t, calls, 1)
	assert.Equal(t, "2+2", calls[0].Arguments["expression"])
}

func TestParseInlineToolCallsEscapeQuoted(t *testing.T) {
	content := `<function=lookup>{\"key\": \"value\"}</function>`

	_, calls := ParseInlineToolCalls(content)
	require.Len(t, calls, 1)
	assert.Equal(t, "value", calls[0].Arguments["key"])
}

func TestParseInlineToolCallsNoMarker(t *testing.T) {
	content := "Just a normal reply."
	cleaned, calls := ParseInlineToolCalls(content)
	assert.Empty(t, calls)
	assert.Equal(t, content, cleaned)
}

func TestDecodeArguments(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]any
	}{
		{"plain object", `{"a": 1}`, map[string]any{"a": float64(1)}},
		{"null", "null", map[string]any{}},
		{"empty", "", map[string]any{}},
		{"double encoded", `"{\"a\": \"b\"}"`, map[string]any{"a": "b"}},
		{"garbage", "not json at all", map[string]any{}},
		{"json null literal", `null`, map[string]any{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeArguments(tt.raw))
		})
	}
}
