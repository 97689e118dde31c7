package llms

import (
	"time"
)

// NewOllamaProvider builds an adapter for a local Ollama server exposing the
// OpenAI-compatible endpoint. No API key is required. Open models routinely
// emit in-content tool calls, so inline parsing is enabled.
func NewOllamaProvider(host, model string, timeout time.Duration) (*OpenAIProvider, error) {
	if host == "" {
		host = "http://localhost:11434"
	}
	p, err := newOpenAICompatible("ollama", "", model, host, "", timeout, true)
	if err != nil {
		return nil, err
	}
	return p, nil
}
