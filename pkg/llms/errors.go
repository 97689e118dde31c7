package llms

import (
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/mantle/pkg/protocol"
)

// classifyHTTPError maps a provider HTTP failure to the error taxonomy.
func classifyHTTPError(provider string, status int, body string, retryAfter time.Duration) error {
	base := protocol.ProviderError{
		Provider:   provider,
		StatusCode: status,
		Message:    truncate(body, 500),
	}

	switch {
	case status == http.StatusTooManyRequests:
		if retryAfter == 0 {
			retryAfter = time.Minute
		}
		return &protocol.ProviderRateLimitError{ProviderError: base, RetryAfter: retryAfter}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &protocol.ProviderAuthError{ProviderError: base}
	case status >= 500 || status == http.StatusRequestTimeout:
		return &protocol.ProviderUnavailableError{ProviderError: base}
	case status == http.StatusBadRequest && looksLikeContextOverflow(body):
		return &protocol.ContextTooLongError{ProviderError: base}
	default:
		return &base
	}
}

func looksLikeContextOverflow(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "context length") ||
		strings.Contains(lower, "context_length") ||
		strings.Contains(lower, "too many tokens") ||
		strings.Contains(lower, "prompt is too long") ||
		strings.Contains(lower, "maximum context")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
