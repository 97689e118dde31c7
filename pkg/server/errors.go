package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kadirpekel/mantle/pkg/protocol"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Warn("encoding response", "error", err)
		}
	}
}

func errorBody(msg string) map[string]any {
	return map[string]any{"error": msg}
}

// writeError maps domain errors to HTTP status codes. Unclassified errors
// return a generic 500 so internals never leak to clients.
func writeError(w http.ResponseWriter, err error) {
	var (
		validation  *protocol.ValidationError
		visibility  *protocol.VisibilityError
		tooLong     *protocol.ContextTooLongError
		budget      *protocol.BudgetExceededError
		capability  *protocol.CapabilityError
		notFound    *protocol.NotFoundError
		rateLimit   *protocol.ProviderRateLimitError
		lockTimeout *protocol.LockTimeoutError
		unavailable *protocol.ProviderUnavailableError
	)

	switch {
	case errors.As(err, &validation), errors.As(err, &visibility), errors.As(err, &tooLong):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case errors.As(err, &budget):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error": err.Error(),
			"scope": budget.Scope,
			"limit": budget.Limit,
			"spent": budget.Spent,
		})
	case errors.As(err, &capability):
		writeJSON(w, http.StatusForbidden, errorBody(err.Error()))
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
	case errors.As(err, &rateLimit):
		retryAfter := 60
		if rateLimit.RetryAfter > 0 {
			retryAfter = int(rateLimit.RetryAfter.Seconds())
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, errorBody(err.Error()))
	case errors.As(err, &lockTimeout):
		writeJSON(w, http.StatusServiceUnavailable, errorBody("thread busy"))
	case errors.As(err, &unavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody(err.Error()))
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

// decodeBody parses a JSON request body into out. Unknown fields are
// tolerated; malformed JSON is a validation error.
func decodeBody(r *http.Request, out any) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return &protocol.ValidationError{Field: "body", Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return nil
}
