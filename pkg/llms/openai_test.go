package llms

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/mantle/pkg/httpclient"
	"github.com/kadirpekel/mantle/pkg/protocol"
)

func openaiTestServer(t *testing.T, status int, body string, capture *openaiRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(capture))
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func TestOpenAIComplete(t *testing.T) {
	var captured openaiRequest
	srv := openaiTestServer(t, http.StatusOK, `{
		"model": "gpt-4o-mini",
		"choices": [{"message": {"role": "assistant", "content": "hi"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 3}
	}`, &captured)
	defer srv.Close()

	p, err := newOpenAICompatible("openai", "key", "gpt-4o-mini", srv.URL, "", time.Second, false)
	require.NoError(t, err)

	resp, err := p.Complete(context.Background(), Request{
		System:   "be brief",
		Messages: []protocol.Message{{Role: protocol.RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "hi", resp.Content)
	assert.Equal(t, 12, resp.Usage.Input)
	assert.Equal(t, 3, resp.Usage.Output)
	assert.Equal(t, protocol.FinishStop, resp.FinishReason)

	// System rides as the first message in the OpenAI dialect.
	require.NotEmpty(t, captured.Messages)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "be brief", captured.Messages[0].Content)
}

func TestOpenAICompleteParsesToolCalls(t *testing.T) {
	srv := openaiTestServer(t, http.StatusOK, `{
		"choices": [{"message": {"role": "assistant", "content": "",
			"tool_calls": [{"id": "call_1", "type": "function",
				"function": {"name": "calculator", "arguments": "{\"expression\": \"2+2\"}"}}]},
			"finish_reason": "tool_calls"}],
		"usage": {"prompt_tokens": 20, "completion_tokens": 10}
	}`, nil)
	defer srv.Close()

	p, err := newOpenAICompatible("openai", "key", "gpt-4o-mini", srv.URL, "", time.Second, false)
	require.NoError(t, err)

	resp, err := p.Complete(context.Background(), Request{
		Messages: []protocol.Message{{Role: protocol.RoleUser, Content: "2+2?"}},
	})
	require.NoError(t, err)

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "calculator", resp.ToolCalls[0].Name)
	assert.Equal(t, "2+2", resp.ToolCalls[0].Arguments["expression"])
	assert.Equal(t, protocol.FinishToolCalls, resp.FinishReason)
}

func TestOpenAICompleteInlineToolCalls(t *testing.T) {
	srv := openaiTestServer(t, http.StatusOK, `{
		"choices": [{"message": {"role": "assistant",
			"content": "<function=search>{\"query\": \"go\"}</function>"},
			"finish_reason": "stop"}],
		"usage": {"prompt_tokens": 5, "completion_tokens": 5}
	}`, nil)
	defer srv.Close()

	p, err := newOpenAICompatible("ollama", "", "llama3", srv.URL, "", time.Second, true)
	require.NoError(t, err)

	resp, err := p.Complete(context.Background(), Request{
		Messages: []protocol.Message{{Role: protocol.RoleUser, Content: "search go"}},
	})
	require.NoError(t, err)

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "search", resp.ToolCalls[0].Name)
	assert.Equal(t, protocol.FinishToolCalls, resp.FinishReason)
}

func TestOpenAICompleteRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, err := newOpenAICompatible("openai", "key", "gpt-4o-mini", srv.URL, "", time.Second, false)
	require.NoError(t, err)
	p.httpClient = httpclient.New(httpclient.WithMaxRetries(0))

	_, err = p.Complete(context.Background(), Request{})
	require.Error(t, err)

	var rateErr *protocol.ProviderRateLimitError
	assert.True(t, errors.As(err, &rateErr))
}

func TestOpenAICompleteAuthError(t *testing.T) {
	srv := openaiTestServer(t, http.StatusUnauthorized, `{"error": {"message": "bad key"}}`, nil)
	defer srv.Close()

	p, err := newOpenAICompatible("openai", "key", "gpt-4o-mini", srv.URL, "", time.Second, false)
	require.NoError(t, err)

	_, err = p.Complete(context.Background(), Request{})
	var authErr *protocol.ProviderAuthError
	assert.True(t, errors.As(err, &authErr))
}

func TestOpenAICompleteContextTooLong(t *testing.T) {
	srv := openaiTestServer(t, http.StatusBadRequest,
		`{"error": {"message": "This model's maximum context length is 128000 tokens"}}`, nil)
	defer srv.Close()

	p, err := newOpenAICompatible("openai", "key", "gpt-4o-mini", srv.URL, "", time.Second, false)
	require.NoError(t, err)

	_, err = p.Complete(context.Background(), Request{})
	var ctxErr *protocol.ContextTooLongError
	assert.True(t, errors.As(err, &ctxErr))
}

func TestOpenAIStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
				"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
				"data: [DONE]\n\n"))
	}))
	defer srv.Close()

	p, err := newOpenAICompatible("openai", "key", "gpt-4o-mini", srv.URL, "", time.Second, false)
	require.NoError(t, err)

	ch, err := p.Stream(context.Background(), Request{})
	require.NoError(t, err)

	text := ""
	done := false
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		text += chunk.Text
		done = done || chunk.Done
	}
	assert.Equal(t, "Hello", text)
	assert.True(t, done)
}
