// Package httpclient wraps net/http with bounded retries for transient
// provider failures. Rate-limited responses honor Retry-After; server errors
// back off exponentially.
package httpclient

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"
)

// RateLimitInfo is extracted from provider rate-limit headers.
type RateLimitInfo struct {
	RetryAfter time.Duration
	ResetTime  int64
}

// HeaderParser extracts rate-limit info from a provider's response headers.
type HeaderParser func(http.Header) RateLimitInfo

// Client retries transient failures with provider-aware delays. Safe for
// concurrent use.
type Client struct {
	client       *http.Client
	maxRetries   int
	baseDelay    time.Duration
	headerParser HeaderParser
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.client = c }
}

// WithMaxRetries bounds retry attempts.
func WithMaxRetries(n int) Option {
	return func(cl *Client) { cl.maxRetries = n }
}

// WithBaseDelay sets the first backoff step.
func WithBaseDelay(d time.Duration) Option {
	return func(cl *Client) { cl.baseDelay = d }
}

// WithHeaderParser installs a provider-specific rate-limit header parser.
func WithHeaderParser(p HeaderParser) Option {
	return func(cl *Client) { cl.headerParser = p }
}

// New builds a client. Defaults: 120s timeout, 3 retries, 2s base delay.
func New(opts ...Option) *Client {
	cl := &Client{
		client:     &http.Client{Timeout: 120 * time.Second},
		maxRetries: 3,
		baseDelay:  2 * time.Second,
	}
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

// retryable reports whether a status code is worth another attempt.
func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Do executes the request, retrying transient failures. The caller owns the
// final response body. Requests must set GetBody for retries to replay the
// payload (http.NewRequest does this for common body types).
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastResp *http.Response
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("recreating request body for retry: %w", err)
			}
			req.Body = body
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			lastResp = nil
			if waitErr := c.wait(req.Context(), c.backoff(attempt)); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		if !retryable(resp.StatusCode) || attempt == c.maxRetries {
			return resp, nil
		}

		delay := c.backoff(attempt)
		if c.headerParser != nil {
			if info := c.headerParser(resp.Header); info.RetryAfter > 0 {
				delay = info.RetryAfter
			} else if info.ResetTime > 0 {
				if until := time.Until(time.Unix(info.ResetTime, 0)); until > 0 {
					delay = until
				}
			}
		}

		slog.Debug("retrying provider request",
			"status", resp.StatusCode,
			"attempt", attempt+1,
			"max", c.maxRetries,
			"delay", delay)

		resp.Body.Close()
		lastResp = resp
		lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)

		if waitErr := c.wait(req.Context(), delay); waitErr != nil {
			return nil, waitErr
		}
	}

	if lastResp != nil {
		return lastResp, nil
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

func (c *Client) backoff(attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
}

// wait sleeps cooperatively, aborting when the context is cancelled.
func (c *Client) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
