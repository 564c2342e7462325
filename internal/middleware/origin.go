package middleware

import (
	"net/http"

	"github.com/folio-labs/chat-edge/internal/model"
	"github.com/folio-labs/chat-edge/pkg/metrics"
)

// OriginGuard rejects requests whose Origin header is present but not
// allowed. It must run before CORS so rejected responses carry no CORS
// headers.
func OriginGuard(allowed func(origin string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" && !allowed(origin) {
				metrics.RecordRejection("origin")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(`{"error":"` + model.MsgForbidden + `"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
