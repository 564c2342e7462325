package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/folio-labs/chat-edge/internal/model"
)

type sliceStream struct {
	deltas []string
	closed bool
}

func (s *sliceStream) Recv() (string, error) {
	if len(s.deltas) == 0 {
		return "", io.EOF
	}
	d := s.deltas[0]
	s.deltas = s.deltas[1:]
	return d, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

// scriptedProvider answers each key with a fixed result.
type scriptedProvider struct {
	mu       sync.Mutex
	statuses map[string]int
	calls    []string
}

func (p *scriptedProvider) Name() string { return "fake" }

func (p *scriptedProvider) Open(_ context.Context, key string, _ *Prompt) (Stream, error) {
	p.mu.Lock()
	p.calls = append(p.calls, key)
	p.mu.Unlock()

	status, ok := p.statuses[key]
	switch {
	case !ok:
		return nil, errors.New("dial tcp: connection refused")
	case status == http.StatusOK:
		return &sliceStream{deltas: []string{"from " + key}}, nil
	default:
		return nil, &StatusError{Provider: "fake", StatusCode: status}
	}
}

func TestCallerFailsOverOnQuota(t *testing.T) {
	p := &scriptedProvider{statuses: map[string]int{"primary-key": 429, "fallback-key": 200}}
	c, err := NewCaller(p, []string{"primary-key", "fallback-key"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := c.Open(context.Background(), BuildPrompt("persona", nil))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if len(p.calls) != 2 {
		t.Errorf("attempts = %d, want 2", len(p.calls))
	}
	if resp.Attempts != 2 || resp.Slot != "fallback-1" {
		t.Errorf("response = %+v", resp)
	}
	text, _ := resp.Recv()
	if text != "from fallback-key" {
		t.Errorf("stream came from %q", text)
	}
}

func TestCallerClassification(t *testing.T) {
	tests := []struct {
		name         string
		statuses     map[string]int
		keys         []string
		wantKind     Kind
		wantAttempts int
		wantHTTP     int
		wantMsg      string
	}{
		{
			name:         "all credentials exhausted",
			statuses:     map[string]int{"a": 429, "b": 429},
			keys:         []string{"a", "b"},
			wantKind:     KindRateLimited,
			wantAttempts: 2,
			wantHTTP:     http.StatusTooManyRequests,
			wantMsg:      model.MsgUpstreamBusy,
		},
		{
			name:         "single credential exhausted",
			statuses:     map[string]int{"a": 429},
			keys:         []string{"a"},
			wantKind:     KindRateLimited,
			wantAttempts: 1,
			wantHTTP:     http.StatusTooManyRequests,
			wantMsg:      model.MsgUpstreamBusy,
		},
		{
			name:         "bad request stops immediately",
			statuses:     map[string]int{"a": 400, "b": 200},
			keys:         []string{"a", "b"},
			wantKind:     KindBadRequest,
			wantAttempts: 1,
			wantHTTP:     http.StatusBadGateway,
			wantMsg:      model.MsgServiceUnavailable,
		},
		{
			name:         "outage stops immediately",
			statuses:     map[string]int{"a": 503, "b": 200},
			keys:         []string{"a", "b"},
			wantKind:     KindUnavailable,
			wantAttempts: 1,
			wantHTTP:     http.StatusBadGateway,
			wantMsg:      model.MsgServiceUnavailable,
		},
		{
			name:         "network error",
			statuses:     map[string]int{"b": 200},
			keys:         []string{"a", "b"},
			wantKind:     KindUnavailable,
			wantAttempts: 1,
			wantHTTP:     http.StatusBadGateway,
			wantMsg:      model.MsgServiceUnavailable,
		},
		{
			name:         "quota then outage",
			statuses:     map[string]int{"a": 429, "b": 500},
			keys:         []string{"a", "b"},
			wantKind:     KindUnavailable,
			wantAttempts: 2,
			wantHTTP:     http.StatusBadGateway,
			wantMsg:      model.MsgServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scriptedProvider{statuses: tt.statuses}
			c, _ := NewCaller(p, tt.keys, nil)
			_, err := c.Open(context.Background(), BuildPrompt("persona", nil))

			var ue *Error
			if !errors.As(err, &ue) {
				t.Fatalf("Open() error = %v, want *Error", err)
			}
			if ue.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", ue.Kind, tt.wantKind)
			}
			if ue.Attempts != tt.wantAttempts || len(p.calls) != tt.wantAttempts {
				t.Errorf("attempts = %d (calls %d), want %d", ue.Attempts, len(p.calls), tt.wantAttempts)
			}
			if ue.HTTPStatus() != tt.wantHTTP {
				t.Errorf("HTTPStatus() = %d, want %d", ue.HTTPStatus(), tt.wantHTTP)
			}
			if ue.PublicMessage() != tt.wantMsg {
				t.Errorf("PublicMessage() = %q", ue.PublicMessage())
			}
		})
	}
}

func TestCallerNeverRetriesACredential(t *testing.T) {
	p := &scriptedProvider{statuses: map[string]int{"a": 429, "b": 429, "c": 429}}
	c, _ := NewCaller(p, []string{"a", "b", "c"}, nil)
	c.Open(context.Background(), BuildPrompt("persona", nil))

	seen := map[string]int{}
	for _, k := range p.calls {
		seen[k]++
	}
	for k, n := range seen {
		if n != 1 {
			t.Errorf("credential %s tried %d times", k, n)
		}
	}
	if len(p.calls) != 3 {
		t.Errorf("calls = %v", p.calls)
	}
}

func TestNewCallerRequiresKeys(t *testing.T) {
	if _, err := NewCaller(&scriptedProvider{}, nil, nil); err == nil {
		t.Error("expected error without credentials")
	}
}

func TestPromptSequence(t *testing.T) {
	p := BuildPrompt("  be brief ", []model.ChatRequestMessage{
		{Role: model.RoleUser, Content: "hi"},
		{Role: model.RoleAssistant, Content: "hello"},
		{Role: model.RoleUser, Content: "who are you?"},
	})
	seq := p.Sequence()
	want := []Turn{
		{RoleSystem, "be brief"},
		{RoleAssistant, Acknowledgement},
		{RoleUser, "hi"},
		{RoleAssistant, "hello"},
		{RoleUser, "who are you?"},
	}
	if len(seq) != len(want) {
		t.Fatalf("len = %d, want %d", len(seq), len(want))
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Errorf("turn %d = %+v, want %+v", i, seq[i], want[i])
		}
	}
}

func TestSlotName(t *testing.T) {
	if SlotName(0) != "primary" || SlotName(1) != "fallback-1" || SlotName(2) != "fallback-2" {
		t.Error("unexpected slot names")
	}
}
