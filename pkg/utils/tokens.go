// Package utils provides token counting shared by memory strategies and
// provider adapters.
package utils

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kadirpekel/mantle/pkg/protocol"
)

// TokenCounter counts tokens for a specific model using tiktoken encodings.
// Unknown models fall back to cl100k_base.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewTokenCounter creates a counter for a model. Encodings are cached
// process-wide; initialization is expensive.
func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.RLock()
	cached, ok := encodingCache[model]
	cacheMu.RUnlock()
	if ok {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("getting encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessages counts tokens in a message list including per-message role
// overhead, following the OpenAI cookbook accounting.
func (tc *TokenCounter) CountMessages(messages []protocol.Message) int {
	const tokensPerMessage = 3

	total := 0
	for _, msg := range messages {
		total += tokensPerMessage
		total += len(tc.encoding.Encode(string(msg.Role), nil, nil))
		total += len(tc.encoding.Encode(msg.Content, nil, nil))
	}
	return total + 3 // reply primer
}

// EstimateTokens is the heuristic used when no accurate counter is
// available: CJK code points weigh 0.7 tokens each, the rest average 3.5
// characters per token. Never returns less than 1.
func EstimateTokens(text string) int {
	if text == "" {
		return 1
	}

	cjk := 0
	other := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}

	estimate := int(float64(cjk)*0.7 + float64(other)/3.5)
	if estimate < 1 {
		return 1
	}
	return estimate
}

// EstimateMessages applies the heuristic across a message list.
func EstimateMessages(messages []protocol.Message) int {
	total := 0
	for _, msg := range messages {
		total += EstimateTokens(msg.Content) + 3
	}
	if total < 1 {
		return 1
	}
	return total
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF: // CJK unified ideographs
		return true
	case r >= 0x3400 && r <= 0x4DBF: // extension A
		return true
	case r >= 0x3040 && r <= 0x30FF: // hiragana, katakana
		return true
	case r >= 0xAC00 && r <= 0xD7AF: // hangul syllables
		return true
	case r >= 0xF900 && r <= 0xFAFF: // compatibility ideographs
		return true
	}
	return false
}
