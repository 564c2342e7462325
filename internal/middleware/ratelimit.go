package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/folio-labs/chat-edge/internal/gatekeeper"
	"github.com/folio-labs/chat-edge/internal/model"
	"github.com/folio-labs/chat-edge/pkg/metrics"
)

// FloodGuard is a coarse per-IP ceiling on every route. It runs ahead of
// body parsing, so floods of invalid requests that never reach the chat
// tiers are still throttled.
func FloodGuard(requestLimit int, windowLength time.Duration) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(windowLength.Seconds()))
	return httprate.Limit(
		requestLimit,
		windowLength,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return "ip:" + gatekeeper.ClientIP(r), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.RecordRejection("flood")
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", retryAfter)
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"` + model.MsgTooManyRequests + `"}` + "\n"))
		}),
	)
}
