// Package upstream opens streaming completions against a hosted LLM,
// failing over between credentials on quota rejection.
package upstream

import (
	"context"
	"strings"

	"github.com/folio-labs/chat-edge/internal/model"
)

// Role is a prompt turn role in provider-neutral terms.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Acknowledgement is the synthetic assistant turn that follows the persona
// prompt.
const Acknowledgement = "Understood. I'll answer as described, briefly and in the first person."

// Turn is one prompt turn.
type Turn struct {
	Role Role
	Text string
}

// Prompt is a persona instruction plus the visitor's conversation.
type Prompt struct {
	System string
	Turns  []Turn
}

// BuildPrompt assembles a prompt from the persona and validated messages.
func BuildPrompt(system string, messages []model.ChatRequestMessage) *Prompt {
	p := &Prompt{System: strings.TrimSpace(system), Turns: make([]Turn, 0, len(messages))}
	for _, m := range messages {
		role := RoleUser
		if m.Role == model.RoleAssistant {
			role = RoleAssistant
		}
		p.Turns = append(p.Turns, Turn{Role: role, Text: m.Content})
	}
	return p
}

// Sequence returns the full ordered prompt: the system turn, the
// acknowledgement, then the conversation.
func (p *Prompt) Sequence() []Turn {
	seq := make([]Turn, 0, len(p.Turns)+2)
	if p.System != "" {
		seq = append(seq,
			Turn{Role: RoleSystem, Text: p.System},
			Turn{Role: RoleAssistant, Text: Acknowledgement},
		)
	}
	return append(seq, p.Turns...)
}

// Stream is an open upstream completion. Recv returns the next text delta
// and io.EOF once the provider has finished. Close may be called
// concurrently with Recv to abort it.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Provider opens a stream with one credential. A rejected call must return
// a *StatusError carrying the provider's HTTP status.
type Provider interface {
	Name() string
	Open(ctx context.Context, apiKey string, prompt *Prompt) (Stream, error)
}
