package gatekeeper

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/folio-labs/chat-edge/internal/model"
	"github.com/folio-labs/chat-edge/internal/policy"
)

type rawMessage struct {
	Role    model.Role      `json:"role"`
	Content json.RawMessage `json:"content"`
}

type rawRequest struct {
	Messages []rawMessage `json:"messages"`
}

// decodeMessages parses and validates the chat request body. Content must be
// a non-blank JSON string; user turns are capped at p.MaxUserChars code points.
func decodeMessages(body io.Reader, p *policy.Policy) ([]model.ChatRequestMessage, *Rejection) {
	var req rawRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return nil, badRequest(model.MsgInvalidBody, ReasonInvalidBody)
	}
	if len(req.Messages) == 0 {
		return nil, badRequest(model.MsgInvalidBody, ReasonInvalidBody)
	}
	if len(req.Messages) > p.MaxMessages {
		return nil, badRequest(model.MsgTooManyTurns, ReasonTooManyTurns)
	}

	out := make([]model.ChatRequestMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if !m.Role.Valid() {
			return nil, badRequest(model.MsgInvalidRole, ReasonRole)
		}
		var content string
		if len(m.Content) == 0 || m.Content[0] != '"' || json.Unmarshal(m.Content, &content) != nil {
			return nil, badRequest(model.MsgInvalidFormat, ReasonFormat)
		}
		if strings.TrimSpace(content) == "" {
			return nil, badRequest(model.MsgInvalidFormat, ReasonFormat)
		}
		if m.Role == model.RoleUser && utf8.RuneCountInString(content) > p.MaxUserChars {
			return nil, badRequest(model.MsgTooLong, ReasonTooLong)
		}
		out = append(out, model.ChatRequestMessage{Role: m.Role, Content: content})
	}
	return out, nil
}

func badRequest(msg, reason string) *Rejection {
	return &Rejection{Status: http.StatusBadRequest, Message: msg, Reason: reason}
}
