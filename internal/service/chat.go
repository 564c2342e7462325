// Package service wires the gatekeeper, upstream caller and relay into the
// chat flow, and implements the view counter.
package service

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/folio-labs/chat-edge/internal/gatekeeper"
	"github.com/folio-labs/chat-edge/internal/model"
	"github.com/folio-labs/chat-edge/internal/relay"
	"github.com/folio-labs/chat-edge/internal/upstream"
	"github.com/folio-labs/chat-edge/pkg/logger"
)

// Opener opens upstream streams. *upstream.Caller implements it.
type Opener interface {
	Open(ctx context.Context, prompt *upstream.Prompt) (*upstream.Response, error)
}

// ChatService runs one chat request from admission to the last frame.
type ChatService struct {
	gate         *gatekeeper.Gatekeeper
	opener       Opener
	relay        *relay.Relay
	systemPrompt string
	events       events
	logger       *logger.Logger
}

// NewChatService creates a chat service. pub may be nil.
func NewChatService(
	gate *gatekeeper.Gatekeeper,
	opener Opener,
	rl *relay.Relay,
	systemPrompt string,
	pub EventPublisher,
	log *logger.Logger,
) *ChatService {
	log = logger.OrNop(log).Named("chat")
	return &ChatService{
		gate:         gate,
		opener:       opener,
		relay:        rl,
		systemPrompt: systemPrompt,
		events:       events{pub: pub, log: log},
		logger:       log,
	}
}

// Failure is a chat request that ended before streaming began.
type Failure struct {
	Status     int
	Message    string
	RetryAfter int
}

func (f *Failure) Error() string {
	return f.Message
}

// Serve admits the request, opens the upstream stream and relays it to w.
// Errors before the stream starts are returned as *Failure for the caller
// to render; once streaming has begun every outcome is written to w.
func (s *ChatService) Serve(w http.ResponseWriter, r *http.Request, correlationID string) error {
	ctx := r.Context()

	adm, err := s.gate.Admit(r)
	if err != nil {
		var rej *gatekeeper.Rejection
		if errors.As(err, &rej) {
			s.events.emit(ctx, correlationID, model.EventTypeRejected, rej.Reason, nil)
			return &Failure{Status: rej.Status, Message: rej.Message, RetryAfter: rej.RetryAfter}
		}
		return err
	}

	resp, err := s.opener.Open(ctx, upstream.BuildPrompt(s.systemPrompt, adm.Messages))
	if err != nil {
		var ue *upstream.Error
		if !errors.As(err, &ue) {
			ue = &upstream.Error{Kind: upstream.KindUnavailable, Err: err}
		}
		s.logger.Warn("upstream unavailable",
			zap.String("correlation_id", correlationID),
			zap.String("kind", string(ue.Kind)),
			zap.Int("attempts", ue.Attempts),
		)
		s.events.emit(ctx, correlationID, model.EventTypeUpstreamError, string(ue.Kind), map[string]any{
			"attempts": ue.Attempts,
		})
		return &Failure{Status: ue.HTTPStatus(), Message: ue.PublicMessage(), RetryAfter: ue.RetryAfter()}
	}

	adm.Commit(ctx)
	s.events.emit(ctx, correlationID, model.EventTypeAdmitted, "", map[string]any{
		"turns": len(adm.Messages),
	})
	if resp.Attempts > 1 {
		s.events.emit(ctx, correlationID, model.EventTypeFailover, "", map[string]any{
			"provider": resp.Provider,
			"slot":     resp.Slot,
			"attempts": resp.Attempts,
		})
	}

	res := s.relay.Run(ctx, resp, relay.NewWriter(w))
	s.events.emit(ctx, correlationID, model.EventTypeRelayed, string(res.Outcome), map[string]any{
		"deltas": res.Deltas,
	})
	return nil
}
