package handler

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/folio-labs/chat-edge/internal/middleware"
	"github.com/folio-labs/chat-edge/internal/model"
	"github.com/folio-labs/chat-edge/internal/service"
	"github.com/folio-labs/chat-edge/pkg/logger"
)

// ChatHandler handles the streaming chat endpoint.
type ChatHandler struct {
	chatService *service.ChatService
	logger      *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(chatSvc *service.ChatService, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		chatService: chatSvc,
		logger:      logger.OrNop(log),
	}
}

// Chat handles POST /api/chat
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	err := h.chatService.Serve(w, r, correlationID)
	if err == nil {
		return
	}

	var f *service.Failure
	if errors.As(err, &f) {
		setRetryAfter(w, f.RetryAfter)
		writeError(w, f.Status, f.Message)
		return
	}

	h.logger.Error("chat request failed",
		zap.String("correlation_id", correlationID),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, model.MsgInternal)
}
