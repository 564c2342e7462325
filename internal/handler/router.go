package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/folio-labs/chat-edge/internal/middleware"
	"github.com/folio-labs/chat-edge/pkg/logger"
)

// RouterConfig holds everything the HTTP surface needs.
type RouterConfig struct {
	Chat   *ChatHandler
	Views  *ViewsHandler
	Health *HealthHandler

	// OriginAllowed decides both the origin guard and CORS.
	OriginAllowed func(origin string) bool

	FloodGuardRequests int
	FloodGuardWindow   time.Duration
	MetricsEnabled     bool
	Logger             *logger.Logger
}

// NewRouter builds the edge router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)

	r.NotFound(NotFound)
	r.MethodNotAllowed(MethodNotAllowed)

	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)
	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		if cfg.FloodGuardRequests > 0 {
			r.Use(middleware.FloodGuard(cfg.FloodGuardRequests, cfg.FloodGuardWindow))
		}
		r.Use(middleware.OriginGuard(cfg.OriginAllowed))
		r.Use(middleware.CORS(cfg.OriginAllowed))

		r.Post("/chat", cfg.Chat.Chat)
		r.Get("/views", cfg.Views.Get)
		r.Post("/views/increment", cfg.Views.Increment)
	})

	return r
}
