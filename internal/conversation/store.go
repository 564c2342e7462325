// Package conversation holds the client-side conversation log and drives one
// streaming reply at a time.
package conversation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/folio-labs/chat-edge/internal/chatclient"
	"github.com/folio-labs/chat-edge/internal/model"
)

// WelcomeID is the id of the seed message. It is never sent upstream.
const WelcomeID = "welcome"

// DefaultWelcome is the seed message shown in a fresh conversation.
const DefaultWelcome = "Hi! I'm the AI version of the site owner. Ask me about my projects, experience, or anything else."

// FallbackText fills an assistant message whose stream produced nothing.
const FallbackText = "Sorry, something went wrong. Try again?"

// Streamer sends a conversation and reports the reply through callbacks.
// *chatclient.Transport implements it.
type Streamer interface {
	Stream(ctx context.Context, turns []model.ChatRequestMessage, cb chatclient.Callbacks)
}

// Snapshot is a copy of the store state handed to observers.
type Snapshot struct {
	Messages  []model.ChatMessage
	Streaming bool
	// Error is the message of the last failed reply, empty when none.
	Error string
}

// Option configures a Store.
type Option func(*Store)

// WithWelcome replaces the seed message text.
func WithWelcome(text string) Option {
	return func(s *Store) { s.welcome = text }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the conversation state machine. All methods are safe for
// concurrent use.
type Store struct {
	streamer Streamer
	welcome  string
	now      func() time.Time

	mu       sync.Mutex
	messages []model.ChatMessage
	errMsg   string
	// gen changes whenever the active stream is abandoned; callbacks from an
	// older generation are dropped.
	gen      uint64
	activeID string
	cancel   context.CancelFunc

	notifyMu  sync.Mutex
	observers map[int]func(Snapshot)
	nextObs   int

	wg sync.WaitGroup
}

// New creates a store seeded with the welcome message.
func New(streamer Streamer, opts ...Option) *Store {
	s := &Store{
		streamer:  streamer,
		welcome:   DefaultWelcome,
		now:       time.Now,
		observers: make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.messages = []model.ChatMessage{s.seed()}
	return s
}

func (s *Store) seed() model.ChatMessage {
	return model.ChatMessage{
		ID:        WelcomeID,
		Role:      model.RoleAssistant,
		Content:   s.welcome,
		CreatedAt: s.now(),
	}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	msgs := make([]model.ChatMessage, len(s.messages))
	copy(msgs, s.messages)
	return Snapshot{
		Messages:  msgs,
		Streaming: s.activeID != "",
		Error:     s.errMsg,
	}
}

// Subscribe registers fn to receive a snapshot after every state change.
// Calls are serialized. fn must not call SendMessage, StopStreaming or
// ClearChat.
func (s *Store) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	return func() {
		s.notifyMu.Lock()
		defer s.notifyMu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Store) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if len(s.observers) == 0 {
		return
	}
	snap := s.Snapshot()
	for _, fn := range s.observers {
		fn(snap)
	}
}

// SendMessage appends text as a user message plus an empty assistant
// placeholder and starts streaming the reply. It does nothing and returns
// false when text is blank or a reply is already streaming.
func (s *Store) SendMessage(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	s.mu.Lock()
	if s.activeID != "" {
		s.mu.Unlock()
		return false
	}

	now := s.now()
	user := model.ChatMessage{ID: newID(), Role: model.RoleUser, Content: text, CreatedAt: now}
	reply := model.ChatMessage{ID: newID(), Role: model.RoleAssistant, CreatedAt: now, Streaming: true}
	s.messages = append(s.messages, user, reply)
	s.errMsg = ""
	turns := s.historyLocked()

	ctx, cancel := context.WithCancel(context.Background())
	s.gen++
	gen := s.gen
	s.activeID = reply.ID
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	s.notify()

	go func() {
		defer s.wg.Done()
		defer cancel()
		s.streamer.Stream(ctx, turns, chatclient.Callbacks{
			OnChunk: func(delta string) { s.onChunk(gen, delta) },
			OnDone:  func() { s.finish(gen, "") },
			OnError: func(msg string) { s.finish(gen, msg) },
		})
	}()
	return true
}

// historyLocked builds the outbound turns: every message except the seed and
// assistant messages left empty.
func (s *Store) historyLocked() []model.ChatRequestMessage {
	turns := make([]model.ChatRequestMessage, 0, len(s.messages))
	for _, m := range s.messages {
		if m.ID == WelcomeID || m.Content == "" {
			continue
		}
		turns = append(turns, model.ChatRequestMessage{Role: m.Role, Content: m.Content})
	}
	return turns
}

// activeLocked returns the streaming placeholder, or nil when gen is stale.
func (s *Store) activeLocked(gen uint64) *model.ChatMessage {
	if gen != s.gen || s.activeID == "" {
		return nil
	}
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == s.activeID {
			return &s.messages[i]
		}
	}
	return nil
}

func (s *Store) onChunk(gen uint64, delta string) {
	s.mu.Lock()
	m := s.activeLocked(gen)
	if m == nil {
		s.mu.Unlock()
		return
	}
	m.Content += delta
	s.mu.Unlock()
	s.notify()
}

// finish ends the active reply. errMsg is empty for a normal completion.
func (s *Store) finish(gen uint64, errMsg string) {
	s.mu.Lock()
	m := s.activeLocked(gen)
	if m == nil {
		s.mu.Unlock()
		return
	}
	if m.Content == "" {
		m.Content = FallbackText
	}
	m.Streaming = false
	if errMsg != "" {
		s.errMsg = errMsg
	}
	s.endLocked()
	s.mu.Unlock()
	s.notify()
}

// endLocked detaches the active stream and cancels it.
func (s *Store) endLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.activeID = ""
	s.gen++
}

// StopStreaming cancels the active reply and freezes whatever content has
// arrived. It is a no-op when nothing is streaming.
func (s *Store) StopStreaming() {
	s.mu.Lock()
	m := s.activeLocked(s.gen)
	if m == nil {
		s.mu.Unlock()
		return
	}
	m.Streaming = false
	s.endLocked()
	s.mu.Unlock()
	s.notify()
}

// ClearChat cancels any active reply and resets the log to the seed message.
func (s *Store) ClearChat() {
	s.mu.Lock()
	if s.activeID != "" {
		s.endLocked()
	}
	s.messages = []model.ChatMessage{s.seed()}
	s.errMsg = ""
	s.mu.Unlock()
	s.notify()
}

// Wait blocks until every stream started by SendMessage has returned.
func (s *Store) Wait() {
	s.wg.Wait()
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}
