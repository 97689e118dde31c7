package protocol

import (
	"errors"
	"fmt"
	"time"
)

// BudgetExceededError is raised when a conversation or total spend limit is
// reached. It maps to HTTP 402 and is never retried.
type BudgetExceededError struct {
	Scope string // "conversation" or "total"
	Limit float64
	Spent float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("%s budget exceeded: spent $%.4f of $%.4f", e.Scope, e.Spent, e.Limit)
}

// ProviderError is the generic LLM provider failure. More specific provider
// errors embed it so errors.As can match both levels.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s error: %s", e.Provider, e.Message)
}

// ProviderRateLimitError corresponds to HTTP 429 from a provider.
type ProviderRateLimitError struct {
	ProviderError
	RetryAfter time.Duration
}

// ProviderAuthError corresponds to HTTP 401/403 from a provider; permanent.
type ProviderAuthError struct {
	ProviderError
}

// ProviderUnavailableError covers timeouts and 5xx responses; transient.
type ProviderUnavailableError struct {
	ProviderError
}

// ContextTooLongError is returned when the assembled prompt exceeds the
// model's context window; the caller should reduce history.
type ContextTooLongError struct {
	ProviderError
}

// CapabilityError signals a tool call for a capability the agent lacks.
type CapabilityError struct {
	Tool       string
	Capability string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("tool %q requires capability %q", e.Tool, e.Capability)
}

// VisibilityError signals an invalid document ownership combination.
type VisibilityError struct {
	Reason string
}

func (e *VisibilityError) Error() string {
	return "invalid visibility: " + e.Reason
}

// NotFoundError covers both absent rows and rows out of the caller's scope;
// the two cases are indistinguishable by design.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// LockTimeoutError is returned when a named lock cannot be acquired in time.
type LockTimeoutError struct {
	Namespace string
	Key       string
	Timeout   time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s acquiring lock %s/%s", e.Timeout, e.Namespace, e.Key)
}

// ValidationError maps to HTTP 400; it carries no side effects.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// UnknownTaskError is raised by the job worker for unregistered task names.
// Terminal: the job is failed without retry.
type UnknownTaskError struct {
	Task string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("unknown task %q", e.Task)
}

// IsRetryable reports whether an error is provider-transient and eligible for
// job retry: rate limits, timeouts and 5xx. Validation, scope, budget and
// auth failures are terminal.
func IsRetryable(err error) bool {
	var rate *ProviderRateLimitError
	var unavail *ProviderUnavailableError
	return errors.As(err, &rate) || errors.As(err, &unavail)
}
