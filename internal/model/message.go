// Package model defines the wire types shared by the chat edge and its clients.
package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a role accepted on the wire.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ChatRequestMessage is one conversation turn sent to POST /api/chat.
type ChatRequestMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Messages []ChatRequestMessage `json:"messages"`
}

// ChatMessage is one entry of a client-side conversation log.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`

	// Streaming is true only for the trailing assistant message while its
	// stream is open.
	Streaming bool `json:"streaming,omitempty"`
}

// ViewCount is the response of the view counter endpoints.
type ViewCount struct {
	Views     int64 `json:"views"`
	Timestamp int64 `json:"timestamp"`
}
