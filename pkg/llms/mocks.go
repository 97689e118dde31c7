package llms

import (
	"context"
	"sync"

	"github.com/kadirpekel/mantle/pkg/protocol"
	"github.com/kadirpekel/mantle/pkg/utils"
)

// MockProvider yields scripted responses in order, then repeats the last
// one. Used throughout the runtime and cascade tests.
type MockProvider struct {
	ProviderName string
	Model        string
	ContextSize  int
	Responses    []*protocol.ProviderResponse
	StreamText   []string
	Err          error

	mu       sync.Mutex
	idx      int
	Requests []Request // every request received, for assertions
}

func (m *MockProvider) Name() string {
	if m.ProviderName == "" {
		return "mock"
	}
	return m.ProviderName
}

func (m *MockProvider) MaxContextTokens() int {
	if m.ContextSize == 0 {
		return 128000
	}
	return m.ContextSize
}

func (m *MockProvider) CountTokens(messages []protocol.Message) int {
	return utils.EstimateMessages(messages)
}

func (m *MockProvider) Complete(ctx context.Context, req Request) (*protocol.ProviderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, req)
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return &protocol.ProviderResponse{
			Content:  "ok",
			Model:    m.Model,
			Provider: m.Name(),
			Usage:    protocol.Usage{Input: 10, Output: 5},
		}, nil
	}

	resp := m.Responses[m.idx]
	if m.idx < len(m.Responses)-1 {
		m.idx++
	}
	return resp, nil
}

func (m *MockProvider) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	err := m.Err
	text := m.StreamText
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk, len(text)+1)
	go func() {
		defer close(out)
		for _, t := range text {
			select {
			case out <- StreamChunk{Text: t}:
			case <-ctx.Done():
				return
			}
		}
		out <- StreamChunk{Done: true}
	}()
	return out, nil
}

// LastRequest returns the most recent request, nil when none were made.
func (m *MockProvider) LastRequest() *Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Requests) == 0 {
		return nil
	}
	return &m.Requests[len(m.Requests)-1]
}
