package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/folio-labs/chat-edge/internal/model"
)

const (
	// EventStreamName is the name of the chat events stream.
	EventStreamName = "CHAT_EVENTS"

	// EventSubjectPrefix is the prefix for all chat event subjects.
	EventSubjectPrefix = "chat.events"
)

// EventStream publishes chat lifecycle events to JetStream.
type EventStream struct {
	client *Client
}

// NewEventStream creates an event stream publisher.
func NewEventStream(client *Client) *EventStream {
	return &EventStream{client: client}
}

// EnsureStream ensures the events stream exists.
func (s *EventStream) EnsureStream(ctx context.Context) error {
	js := s.client.JetStream()

	_, err := js.Stream(ctx, EventStreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        EventStreamName,
		Subjects:    []string{EventSubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		MaxBytes:    1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Discard:     jetstream.DiscardOld,
		Description: "Chat edge admission, upstream and relay events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// EventSubject returns the subject for an event type.
func EventSubject(eventType model.EventType) string {
	return fmt.Sprintf("%s.%s", EventSubjectPrefix, eventType)
}

// PublishEvent publishes an event to JetStream.
func (s *EventStream) PublishEvent(ctx context.Context, event *model.ChatEvent) (uint64, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := s.client.JetStream().Publish(ctx, EventSubject(event.Type), data)
	if err != nil {
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}
	return ack.Sequence, nil
}
