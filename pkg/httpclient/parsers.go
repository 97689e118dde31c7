package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// ParseAnthropicHeaders extracts rate-limit info from Anthropic responses.
func ParseAnthropicHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{RetryAfter: parseRetryAfter(headers)}

	for _, h := range []string{
		"anthropic-ratelimit-requests-reset",
		"anthropic-ratelimit-input-tokens-reset",
		"anthropic-ratelimit-output-tokens-reset",
	} {
		if raw := headers.Get(h); raw != "" {
			if reset, err := time.Parse(time.RFC3339, raw); err == nil {
				info.ResetTime = reset.Unix()
				break
			}
		}
	}
	return info
}

// ParseOpenAIHeaders extracts rate-limit info from OpenAI-compatible
// responses. Reset headers use duration syntax ("1s", "6m0s").
func ParseOpenAIHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{RetryAfter: parseRetryAfter(headers)}

	for _, h := range []string{"x-ratelimit-reset-requests", "x-ratelimit-reset-tokens"} {
		if raw := headers.Get(h); raw != "" {
			if d, err := time.ParseDuration(raw); err == nil && d > 0 {
				info.ResetTime = time.Now().Add(d).Unix()
				break
			}
		}
	}
	return info
}

func parseRetryAfter(headers http.Header) time.Duration {
	raw := headers.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
