package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/folio-labs/chat-edge/internal/model"
	"github.com/folio-labs/chat-edge/pkg/logger"
)

const publishTimeout = 2 * time.Second

// EventPublisher records chat lifecycle events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *model.ChatEvent) (uint64, error)
}

// events publishes in the background so a slow broker never delays a
// response. A nil publisher drops everything.
type events struct {
	pub EventPublisher
	log *logger.Logger
}

func (e events) emit(ctx context.Context, correlationID string, typ model.EventType, reason string, meta map[string]any) {
	if e.pub == nil {
		return
	}
	ev := &model.ChatEvent{
		ID:            uuid.Must(uuid.NewV7()).String(),
		CorrelationID: correlationID,
		Type:          typ,
		Reason:        reason,
		Metadata:      meta,
		CreatedAt:     time.Now().UTC(),
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		if _, err := e.pub.PublishEvent(ctx, ev); err != nil {
			e.log.Warn("failed to publish chat event",
				zap.String("type", string(typ)),
				zap.Error(err),
			)
		}
	}()
}
