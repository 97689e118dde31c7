package llms

import (
	"fmt"
	"sync"
	"time"

	"github.com/kadirpekel/mantle/pkg/config"
)

// Registry builds and caches provider instances keyed by (provider, model).
// Cached instances are shared across requests, so providers must be safe for
// concurrent use.
type Registry struct {
	keys    config.ProviderKeys
	timeout time.Duration

	mu    sync.RWMutex
	cache map[string]Provider
}

// NewRegistry creates a registry from the configured provider keys.
func NewRegistry(keys config.ProviderKeys, timeout time.Duration) *Registry {
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &Registry{
		keys:    keys,
		timeout: timeout,
		cache:   make(map[string]Provider),
	}
}

// Get returns the cached provider for (provider, model), constructing it on
// first use. Missing API keys surface as configuration errors.
func (r *Registry) Get(provider, model string) (Provider, error) {
	key := provider + "/" + model

	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.cache[key]; ok {
		return cached, nil
	}

	built, err := r.build(provider, model)
	if err != nil {
		return nil, err
	}
	r.cache[key] = built
	return built, nil
}

// Cascade returns a cascading provider over a fast and premium pair.
func (r *Registry) Cascade(fastProvider, fastModel, premiumProvider, premiumModel string) (Provider, error) {
	fast, err := r.Get(fastProvider, fastModel)
	if err != nil {
		return nil, err
	}
	premium, err := r.Get(premiumProvider, premiumModel)
	if err != nil {
		return nil, err
	}
	return NewCascade(fast, premium, CascadeConfig{
		FastModel:    fastModel,
		PremiumModel: premiumModel,
	}), nil
}

// Register installs a pre-built provider, primarily for tests.
func (r *Registry) Register(provider, model string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[provider+"/"+model] = p
}

func (r *Registry) build(provider, model string) (Provider, error) {
	switch provider {
	case "anthropic":
		return NewAnthropicProvider(r.keys.Anthropic, model, "", r.timeout)
	case "openai":
		return NewOpenAIProvider(r.keys.OpenAI, model, "", r.timeout)
	case "groq":
		return NewGroqProvider(r.keys.Groq, model, r.timeout)
	case "ollama":
		return NewOllamaProvider(r.keys.Ollama, model, r.timeout)
	default:
		return nil, fmt.Errorf("unknown provider: %s", provider)
	}
}
