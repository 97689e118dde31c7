package llms

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/kadirpekel/mantle/pkg/protocol"
)

// Certain open-source models emit tool calls as text instead of using the
// native tool-call channel:
//
//	<function=get_weather>{"city": "Tokyo"}</function>
//
// with variants observed in the wild: arguments wrapped in parentheses, a
// missing closing tag, and escape-quoted JSON. ParseInlineToolCalls extracts
// these into canonical calls and returns the content with the call text
// removed.
var inlineFunctionRe = regexp.MustCompile(
	`(?s)<function=([a-zA-Z0-9_.\-]+)\s*>?\s*(.*?)\s*(?:</function>|\z)`,
)

// ParseInlineToolCalls scans assistant text for in-content function calls.
// Returns the cleaned text and any parsed calls. Content without the marker
// is returned untouched.
func ParseInlineToolCalls(content string) (string, []protocol.ToolCall) {
	if !strings.Contains(content, "<function=") {
		return content, nil
	}

	var calls []protocol.ToolCall
	cleaned := inlineFunctionRe.ReplaceAllStringFunc(content, func(match string) string {
		groups := inlineFunctionRe.FindStringSubmatch(match)
		if len(groups) != 3 {
			return match
		}
		calls = append(calls, protocol.ToolCall{
			ID:        "call_" + uuid.NewString(),
			Name:      groups[1],
			Arguments: DecodeArguments(groups[2]),
		})
		return ""
	})

	return strings.TrimSpace(cleaned), calls
}

// DecodeArguments turns a raw argument string into a map, tolerating the
// dialects providers actually produce: null or empty strings, arguments
// wrapped in parentheses, double-JSON-encoded strings, and escape-quoted
// JSON. Unparseable input yields an empty map rather than an error; the tool
// layer reports missing required parameters.
func DecodeArguments(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return map[string]any{}
	}

	// Parenthesized variant: <function=name>({...})</function>
	if strings.HasPrefix(raw, "(") && strings.HasSuffix(raw, ")") {
		raw = strings.TrimSpace(raw[1 : len(raw)-1])
	}

	if args, ok := tryUnmarshalMap(raw); ok {
		return args
	}

	// Double-encoded: the argument string is itself a JSON string.
	var nested string
	if err := json.Unmarshal([]byte(raw), &nested); err == nil {
		if args, ok := tryUnmarshalMap(nested); ok {
			return args
		}
	}

	// Escape-quoted without outer quotes: {\"city\": \"Tokyo\"}
	if strings.Contains(raw, `\"`) {
		unescaped := strings.ReplaceAll(raw, `\"`, `"`)
		if args, ok := tryUnmarshalMap(unescaped); ok {
			return args
		}
	}

	return map[string]any{}
}

func tryUnmarshalMap(raw string) (map[string]any, bool) {
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, false
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, true
}
