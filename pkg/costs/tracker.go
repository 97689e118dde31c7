package costs

import (
	"sync"
	"time"

	"github.com/kadirpekel/mantle/pkg/protocol"
)

// Tracker accumulates spend for one conversation plus process totals for
// that conversation's lifetime. Total-level counters are monotone
// non-decreasing; conversation counters reset with ResetConversation.
// Safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	conversationCost   float64
	totalCost          float64
	conversationInput  int
	conversationOutput int
	totalTokens        int
	requestCount       int

	maxConversationCost float64
	maxTotalCost        float64

	conversationStart time.Time
}

// NewTracker creates a tracker. Zero limits disable the corresponding check.
func NewTracker(maxConversationCost, maxTotalCost float64) *Tracker {
	return &Tracker{
		maxConversationCost: maxConversationCost,
		maxTotalCost:        maxTotalCost,
		conversationStart:   time.Now().UTC(),
	}
}

// AddUsage records a provider call. When cost is zero it is computed from the
// pricing table. Returns the dollar delta applied.
func (t *Tracker) AddUsage(model string, inputTokens, outputTokens int, cost float64) float64 {
	if cost == 0 {
		cost = Cost(model, inputTokens, outputTokens)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.conversationCost += cost
	t.totalCost += cost
	t.conversationInput += inputTokens
	t.conversationOutput += outputTokens
	t.totalTokens += inputTokens + outputTokens
	t.requestCount++

	return cost
}

// Seed loads persisted spend into a fresh tracker so budget checks survive
// process restarts. No-op on a tracker that already recorded usage.
func (t *Tracker) Seed(conversationCost, totalCost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.requestCount > 0 {
		return
	}
	t.conversationCost = conversationCost
	t.totalCost = totalCost
}

// CheckBudget returns a BudgetExceededError when either limit is reached.
func (t *Tracker) CheckBudget() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxConversationCost > 0 && t.conversationCost >= t.maxConversationCost {
		return &protocol.BudgetExceededError{
			Scope: "conversation",
			Limit: t.maxConversationCost,
			Spent: t.conversationCost,
		}
	}
	if t.maxTotalCost > 0 && t.totalCost >= t.maxTotalCost {
		return &protocol.BudgetExceededError{
			Scope: "total",
			Limit: t.maxTotalCost,
			Spent: t.totalCost,
		}
	}
	return nil
}

// ResetConversation zeroes conversation-scoped counters. Totals are kept.
func (t *Tracker) ResetConversation() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.conversationCost = 0
	t.conversationInput = 0
	t.conversationOutput = 0
	t.conversationStart = time.Now().UTC()
}

// ConversationCost returns the current conversation spend.
func (t *Tracker) ConversationCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conversationCost
}

// TotalCost returns the lifetime spend recorded by this tracker.
func (t *Tracker) TotalCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalCost
}

// BudgetUsed returns the fraction of the conversation budget spent, 0 when
// no limit is configured. Feeds model degradation.
func (t *Tracker) BudgetUsed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxConversationCost <= 0 {
		return 0
	}
	return t.conversationCost / t.maxConversationCost
}

// Snapshot is a point-in-time copy of the tracker state for responses and
// analytics.
type Snapshot struct {
	ConversationCost   float64   `json:"conversation_cost"`
	TotalCost          float64   `json:"total_cost"`
	ConversationInput  int       `json:"conversation_input_tokens"`
	ConversationOutput int       `json:"conversation_output_tokens"`
	TotalTokens        int       `json:"total_tokens"`
	RequestCount       int       `json:"request_count"`
	ConversationStart  time.Time `json:"conversation_start"`
}

// Stats returns a snapshot of the tracker.
func (t *Tracker) Stats() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Snapshot{
		ConversationCost:   t.conversationCost,
		TotalCost:          t.totalCost,
		ConversationInput:  t.conversationInput,
		ConversationOutput: t.conversationOutput,
		TotalTokens:        t.totalTokens,
		RequestCount:       t.requestCount,
		ConversationStart:  t.conversationStart,
	}
}
