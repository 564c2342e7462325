package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/folio-labs/chat-edge/internal/model"
	"github.com/folio-labs/chat-edge/internal/service"
	"github.com/folio-labs/chat-edge/pkg/logger"
)

// ViewsHandler handles the view counter endpoints.
type ViewsHandler struct {
	counter *service.ViewCounter
	logger  *logger.Logger
}

// NewViewsHandler creates a new views handler.
func NewViewsHandler(counter *service.ViewCounter, log *logger.Logger) *ViewsHandler {
	return &ViewsHandler{counter: counter, logger: logger.OrNop(log)}
}

// Get handles GET /api/views
func (h *ViewsHandler) Get(w http.ResponseWriter, r *http.Request) {
	count, err := h.counter.Get(r.Context())
	if err != nil {
		h.logger.Error("failed to read view count", zap.Error(err))
		writeError(w, http.StatusInternalServerError, model.MsgInternal)
		return
	}
	writeJSON(w, http.StatusOK, count)
}

// Increment handles POST /api/views/increment
func (h *ViewsHandler) Increment(w http.ResponseWriter, r *http.Request) {
	res, err := h.counter.Increment(r.Context(), r)
	if err != nil {
		h.logger.Error("failed to count view", zap.Error(err))
		writeError(w, http.StatusInternalServerError, model.MsgInternal)
		return
	}
	if res.RetryAfter > 0 {
		setRetryAfter(w, res.RetryAfter)
		writeJSON(w, http.StatusTooManyRequests, res.Count)
		return
	}
	writeJSON(w, http.StatusOK, res.Count)
}
