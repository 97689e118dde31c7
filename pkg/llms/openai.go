package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/mantle/pkg/costs"
	"github.com/kadirpekel/mantle/pkg/httpclient"
	"github.com/kadirpekel/mantle/pkg/protocol"
	"github.com/kadirpekel/mantle/pkg/utils"
)

const openaiDefaultHost = "https://api.openai.com"

// OpenAIProvider adapts the OpenAI chat completions dialect. Groq and other
// compatible services reuse it with a different host and name.
type OpenAIProvider struct {
	name       string
	apiKey     string
	model      string
	host       string
	path       string
	httpClient *httpclient.Client
	counter    *utils.TokenCounter

	// parseInline enables in-content <function=...> tool-call extraction for
	// open models served over this dialect.
	parseInline bool
}

type openaiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiFunctionCall `json:"function"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       []openaiTool    `json:"tools,omitempty"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// NewOpenAIProvider builds an adapter for the OpenAI API.
func NewOpenAIProvider(apiKey, model, host string, timeout time.Duration) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required for openai")
	}
	return newOpenAICompatible("openai", apiKey, model, host, openaiDefaultHost, timeout, false)
}

// NewGroqProvider builds an adapter for Groq's OpenAI-compatible API. Open
// models served there emit in-content tool calls, so inline parsing is on.
func NewGroqProvider(apiKey, model string, timeout time.Duration) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required for groq")
	}
	p, err := newOpenAICompatible("groq", apiKey, model, "https://api.groq.com/openai", "", timeout, true)
	return p, err
}

func newOpenAICompatible(name, apiKey, model, host, defaultHost string, timeout time.Duration, parseInline bool) (*OpenAIProvider, error) {
	if host == "" {
		host = defaultHost
	}
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	counter, _ := utils.NewTokenCounter(model)

	return &OpenAIProvider{
		name:   name,
		apiKey: apiKey,
		model:  model,
		host:   host,
		path:   "/v1/chat/completions",
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
		counter:     counter,
		parseInline: parseInline,
	}, nil
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) MaxContextTokens() int {
	return costs.Lookup(p.model).ContextTokens
}

func (p *OpenAIProvider) CountTokens(messages []protocol.Message) int {
	if p.counter != nil {
		return p.counter.CountMessages(messages)
	}
	return utils.EstimateMessages(messages)
}

// Complete performs a blocking completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*protocol.ProviderResponse, error) {
	raw, err := p.post(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}

	var resp openaiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", p.name, err)
	}
	if resp.Error != nil {
		return nil, &protocol.ProviderError{Provider: p.name, Message: resp.Error.Message}
	}
	if len(resp.Choices) == 0 {
		return nil, &protocol.ProviderError{Provider: p.name, Message: "response contained no choices"}
	}

	choice := resp.Choices[0]
	content := choice.Message.Content

	toolCalls := make([]protocol.ToolCall, 0, len(choice.Message.ToolCalls))
	for _, tc := range choice.Message.ToolCalls {
		toolCalls = append(toolCalls, protocol.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: DecodeArguments(tc.Function.Arguments),
		})
	}

	if p.parseInline && len(toolCalls) == 0 {
		var inline []protocol.ToolCall
		content, inline = ParseInlineToolCalls(content)
		toolCalls = append(toolCalls, inline...)
	}

	finish := choice.FinishReason
	if len(toolCalls) > 0 {
		finish = protocol.FinishToolCalls
	} else if finish == "" || finish == "stop" {
		finish = protocol.FinishStop
	} else if finish == "length" {
		finish = protocol.FinishLength
	}

	model := resp.Model
	if model == "" {
		model = p.model
	}

	return &protocol.ProviderResponse{
		Content:      content,
		Usage:        protocol.Usage{Input: resp.Usage.PromptTokens, Output: resp.Usage.CompletionTokens},
		Model:        model,
		Provider:     p.name,
		ToolCalls:    toolCalls,
		FinishReason: finish,
		Raw:          raw,
	}, nil
}

// Stream emits text deltas and closes after [DONE].
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	out := make(chan StreamChunk, 64)
	go func() {
		defer close(out)
		if err := p.streamRequest(ctx, p.buildRequest(req, true), out); err != nil {
			out <- StreamChunk{Err: err}
			return
		}
		out <- StreamChunk{Done: true}
	}()
	return out, nil
}

func (p *OpenAIProvider) buildRequest(req Request, stream bool) *openaiRequest {
	messages := dropOrphanToolCalls(req.Messages)

	converted := make([]openaiMessage, 0, len(messages)+1)
	if req.System != "" {
		// OpenAI expects system as the first message.
		converted = append(converted, openaiMessage{Role: "system", Content: req.System})
	}

	for _, msg := range messages {
		om := openaiMessage{Role: string(msg.Role), Content: msg.Content, ToolCallID: msg.ToolCallID}
		for _, tc := range msg.ToolCalls {
			args, err := json.Marshal(tc.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			om.ToolCalls = append(om.ToolCalls, openaiToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: openaiFunctionCall{Name: tc.Name, Arguments: string(args)},
			})
		}
		converted = append(converted, om)
	}

	out := &openaiRequest{
		Model:       p.model,
		Messages:    converted,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}

	for _, tool := range req.Tools {
		var ot openaiTool
		ot.Type = "function"
		ot.Function.Name = tool.Name
		ot.Function.Description = tool.Description
		ot.Function.Parameters = tool.Parameters
		out.Tools = append(out.Tools, ot)
	}
	return out
}

func (p *OpenAIProvider) post(ctx context.Context, body *openaiRequest) ([]byte, error) {
	resp, err := p.send(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(p.name, resp.StatusCode, string(raw), 0)
	}
	return raw, nil
}

func (p *OpenAIProvider) send(ctx context.Context, body *openaiRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+p.path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &protocol.ProviderUnavailableError{ProviderError: protocol.ProviderError{
			Provider: p.name,
			Message:  err.Error(),
		}}
	}
	return resp, nil
}

func (p *OpenAIProvider) streamRequest(ctx context.Context, body *openaiRequest, out chan<- StreamChunk) error {
	resp, err := p.send(ctx, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return classifyHTTPError(p.name, resp.StatusCode, string(raw), 0)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return nil
		}
		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			select {
			case out <- StreamChunk{Text: text}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return scanner.Err()
}
