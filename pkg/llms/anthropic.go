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

const (
	anthropicDefaultHost = "https://api.anthropic.com"
	anthropicVersion     = "2023-06-01"
)

// AnthropicProvider adapts the Anthropic Messages API.
type AnthropicProvider struct {
	apiKey     string
	model      string
	host       string
	httpClient *httpclient.Client
	counter    *utils.TokenCounter
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     *map[string]any `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	System      string             `json:"system,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"`
}

// NewAnthropicProvider builds an adapter for a model. The API key is
// required; host defaults to the public endpoint.
func NewAnthropicProvider(apiKey, model, host string, timeout time.Duration) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required for anthropic")
	}
	if host == "" {
		host = anthropicDefaultHost
	}
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	counter, _ := utils.NewTokenCounter(model)

	return &AnthropicProvider{
		apiKey: apiKey,
		model:  model,
		host:   host,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
		counter: counter,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) MaxContextTokens() int {
	return costs.Lookup(p.model).ContextTokens
}

func (p *AnthropicProvider) CountTokens(messages []protocol.Message) int {
	if p.counter != nil {
		return p.counter.CountMessages(messages)
	}
	return utils.EstimateMessages(messages)
}

// Complete performs a blocking completion.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*protocol.ProviderResponse, error) {
	body, err := p.buildRequest(req, false)
	if err != nil {
		return nil, err
	}

	raw, err := p.post(ctx, body)
	if err != nil {
		return nil, err
	}

	var resp anthropicResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decoding anthropic response: %w", err)
	}
	if resp.Error != nil {
		return nil, &protocol.ProviderError{Provider: p.Name(), Message: resp.Error.Message}
	}

	var text strings.Builder
	var toolCalls []protocol.ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := map[string]any{}
			if block.Input != nil {
				args = *block.Input
			}
			toolCalls = append(toolCalls, protocol.ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}

	return &protocol.ProviderResponse{
		Content:      text.String(),
		Usage:        protocol.Usage{Input: resp.Usage.InputTokens, Output: resp.Usage.OutputTokens},
		Model:        resp.Model,
		Provider:     p.Name(),
		ToolCalls:    toolCalls,
		FinishReason: normalizeAnthropicStop(resp.StopReason),
		Raw:          raw,
	}, nil
}

// Stream emits text deltas. Tool rounds are not streamed.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	body, err := p.buildRequest(req, true)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk, 64)
	go func() {
		defer close(out)
		if err := p.streamRequest(ctx, body, out); err != nil {
			out <- StreamChunk{Err: err}
			return
		}
		out <- StreamChunk{Done: true}
	}()
	return out, nil
}

func (p *AnthropicProvider) buildRequest(req Request, stream bool) (*anthropicRequest, error) {
	messages := dropOrphanToolCalls(req.Messages)

	systemParts := []string{}
	if req.System != "" {
		systemParts = append(systemParts, req.System)
	}

	converted := make([]anthropicMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case protocol.RoleSystem:
			// Anthropic carries system text in a dedicated field.
			if msg.Content != "" {
				systemParts = append(systemParts, msg.Content)
			}

		case protocol.RoleUser:
			converted = append(converted, anthropicMessage{
				Role:    "user",
				Content: []anthropicContent{{Type: "text", Text: msg.Content}},
			})

		case protocol.RoleAssistant:
			blocks := []anthropicContent{}
			if msg.Content != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Arguments
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropicContent{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: &input})
			}
			if len(blocks) == 0 {
				continue
			}
			converted = append(converted, anthropicMessage{Role: "assistant", Content: blocks})

		case protocol.RoleTool:
			// Tool results ride in user messages, paired by tool_use_id.
			converted = append(converted, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	out := &anthropicRequest{
		Model:       p.model,
		Messages:    converted,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
		System:      strings.Join(systemParts, "\n\n"),
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}
	return out, nil
}

func (p *AnthropicProvider) post(ctx context.Context, body *anthropicRequest) ([]byte, error) {
	resp, err := p.send(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading anthropic response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(p.Name(), resp.StatusCode, string(raw), 0)
	}
	return raw, nil
}

func (p *AnthropicProvider) send(ctx context.Context, body *anthropicRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &protocol.ProviderUnavailableError{ProviderError: protocol.ProviderError{
			Provider: p.Name(),
			Message:  err.Error(),
		}}
	}
	return resp, nil
}

func (p *AnthropicProvider) streamRequest(ctx context.Context, body *anthropicRequest, out chan<- StreamChunk) error {
	resp, err := p.send(ctx, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return classifyHTTPError(p.Name(), resp.StatusCode, string(raw), 0)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}
		if event.Type == "content_block_delta" && event.Delta != nil && event.Delta.Text != "" {
			select {
			case out <- StreamChunk{Text: event.Delta.Text}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if event.Type == "message_stop" {
			return nil
		}
	}
	return scanner.Err()
}

func normalizeAnthropicStop(reason string) string {
	switch reason {
	case "tool_use":
		return protocol.FinishToolCalls
	case "max_tokens":
		return protocol.FinishLength
	default:
		return protocol.FinishStop
	}
}
