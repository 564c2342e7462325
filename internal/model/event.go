package model

import (
	"time"
)

// EventType represents the type of chat lifecycle event.
type EventType string

const (
	EventTypeAdmitted      EventType = "admitted"
	EventTypeRejected      EventType = "rejected"
	EventTypeFailover      EventType = "failover"
	EventTypeUpstreamError EventType = "upstream_error"
	EventTypeRelayed       EventType = "relayed"
)

// ChatEvent is an operational record of one chat request. It never carries
// message content or credentials.
type ChatEvent struct {
	ID            string         `json:"id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Type          EventType      `json:"type"`
	Reason        string         `json:"reason,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}
