package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/folio-labs/chat-edge/internal/gatekeeper"
	"github.com/folio-labs/chat-edge/internal/model"
	"github.com/folio-labs/chat-edge/internal/policy"
	"github.com/folio-labs/chat-edge/internal/ratelimit"
	"github.com/folio-labs/chat-edge/internal/relay"
	"github.com/folio-labs/chat-edge/internal/upstream"
)

const browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/121.0 Safari/537.36"

// sliceStream yields its deltas and then io.EOF.
type sliceStream struct {
	deltas []string
}

func (s *sliceStream) Recv() (string, error) {
	if len(s.deltas) == 0 {
		return "", io.EOF
	}
	d := s.deltas[0]
	s.deltas = s.deltas[1:]
	return d, nil
}

func (s *sliceStream) Close() error { return nil }

type fakeOpener struct {
	resp *upstream.Response
	err  error
}

func (f *fakeOpener) Open(context.Context, *upstream.Prompt) (*upstream.Response, error) {
	return f.resp, f.err
}

type recordingPublisher struct {
	events chan *model.ChatEvent
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{events: make(chan *model.ChatEvent, 16)}
}

func (p *recordingPublisher) PublishEvent(_ context.Context, ev *model.ChatEvent) (uint64, error) {
	p.events <- ev
	return 1, nil
}

// collect gathers n events, in any order, keyed by type.
func (p *recordingPublisher) collect(t *testing.T, n int) map[model.EventType]*model.ChatEvent {
	t.Helper()
	got := make(map[model.EventType]*model.ChatEvent)
	for i := 0; i < n; i++ {
		select {
		case ev := <-p.events:
			got[ev.Type] = ev
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d events, want %d", len(got), n)
		}
	}
	return got
}

func newGate(t *testing.T) (*gatekeeper.Gatekeeper, *ratelimit.Limiter) {
	t.Helper()
	store := ratelimit.NewMemoryStore(time.Hour)
	t.Cleanup(func() { store.Close() })
	limiter := ratelimit.NewLimiter(store, nil)
	return gatekeeper.New(policy.NewHolder(policy.Default()), limiter, nil), limiter
}

func chatRequest(body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	r.Header.Set("Origin", "http://localhost:5173")
	r.Header.Set("User-Agent", browserUA)
	return r
}

func TestServeRelaysAndPublishes(t *testing.T) {
	gate, _ := newGate(t)
	pub := newRecordingPublisher()
	opener := &fakeOpener{resp: &upstream.Response{
		Stream:   &sliceStream{deltas: []string{"He", "llo!"}},
		Provider: "gemini",
		Slot:     "fallback-1",
		Attempts: 2,
	}}
	svc := NewChatService(gate, opener, relay.New(time.Second, nil), "persona", pub, nil)

	w := httptest.NewRecorder()
	if err := svc.Serve(w, chatRequest(`{"messages":[{"role":"user","content":"hi"}]}`), "corr-1"); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	want := "data: {\"text\":\"He\"}\n\ndata: {\"text\":\"llo!\"}\n\ndata: [DONE]\n\n"
	if w.Body.String() != want {
		t.Errorf("body = %q", w.Body.String())
	}

	events := pub.collect(t, 3)
	for _, typ := range []model.EventType{model.EventTypeAdmitted, model.EventTypeFailover, model.EventTypeRelayed} {
		ev, ok := events[typ]
		if !ok {
			t.Errorf("missing %s event", typ)
			continue
		}
		if ev.CorrelationID != "corr-1" || ev.ID == "" {
			t.Errorf("%s event = %+v", typ, ev)
		}
	}
	if r := events[model.EventTypeRelayed]; r != nil && r.Reason != string(relay.OutcomeCompleted) {
		t.Errorf("relayed reason = %q", r.Reason)
	}
}

func TestServeRejection(t *testing.T) {
	gate, _ := newGate(t)
	pub := newRecordingPublisher()
	svc := NewChatService(gate, &fakeOpener{err: errors.New("must not be called")}, relay.New(time.Second, nil), "persona", pub, nil)

	err := svc.Serve(httptest.NewRecorder(), chatRequest(`{"messages":[]}`), "corr-2")
	var f *Failure
	if !errors.As(err, &f) || f.Status != http.StatusBadRequest || f.Message != model.MsgInvalidBody {
		t.Fatalf("Serve() error = %v", err)
	}

	ev := pub.collect(t, 1)[model.EventTypeRejected]
	if ev == nil || ev.Reason != gatekeeper.ReasonInvalidBody {
		t.Errorf("rejected event = %+v", ev)
	}
}

func TestServeUpstreamFailure(t *testing.T) {
	gate, limiter := newGate(t)
	opener := &fakeOpener{err: &upstream.Error{Kind: upstream.KindRateLimited, Attempts: 2}}
	svc := NewChatService(gate, opener, relay.New(time.Second, nil), "persona", nil, nil)

	r := chatRequest(`{"messages":[{"role":"user","content":"hi"}]}`)
	err := svc.Serve(httptest.NewRecorder(), r, "corr-3")
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("Serve() error = %v", err)
	}
	if f.Status != http.StatusTooManyRequests || f.Message != model.MsgUpstreamBusy || f.RetryAfter != 60 {
		t.Errorf("failure = %+v", f)
	}

	// Nothing was charged.
	d := limiter.Check(context.Background(), gate.Policy().ChatTiers, ratelimit.Subject{IP: gatekeeper.ClientIP(r), UserAgent: browserUA})
	if !d.Allowed || d.Count != 0 {
		t.Errorf("decision after failure = %+v", d)
	}
}

func TestServeUnclassifiedOpenError(t *testing.T) {
	gate, _ := newGate(t)
	svc := NewChatService(gate, &fakeOpener{err: errors.New("dial tcp: refused")}, relay.New(time.Second, nil), "persona", nil, nil)

	err := svc.Serve(httptest.NewRecorder(), chatRequest(`{"messages":[{"role":"user","content":"hi"}]}`), "")
	var f *Failure
	if !errors.As(err, &f) || f.Status != http.StatusBadGateway || f.Message != model.MsgServiceUnavailable {
		t.Errorf("Serve() error = %v", err)
	}
}

func TestViewCounter(t *testing.T) {
	gate, limiter := newGate(t)
	store := ratelimit.NewMemoryStore(time.Hour)
	defer store.Close()
	vc := NewViewCounter(gate, limiter, store, nil)
	vc.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	req := func(ip, ua string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/api/views/increment", nil)
		r.RemoteAddr = ip + ":4000"
		r.Header.Set("User-Agent", ua)
		return r
	}
	ctx := context.Background()

	res, err := vc.Increment(ctx, req("198.51.100.1", browserUA))
	if err != nil || !res.Counted || res.Count.Views != 1 || res.Count.Timestamp != 1_700_000_000_000 {
		t.Fatalf("first increment = %+v, %v", res, err)
	}

	res, err = vc.Increment(ctx, req("198.51.100.1", browserUA))
	if err != nil || res.Counted || res.Count.Views != 1 || res.RetryAfter < 1 {
		t.Errorf("limited increment = %+v, %v", res, err)
	}

	res, err = vc.Increment(ctx, req("198.51.100.2", "python-requests/2.31"))
	if err != nil || res.Counted || res.RetryAfter != 0 || res.Count.Views != 1 {
		t.Errorf("bot increment = %+v, %v", res, err)
	}

	res, err = vc.Increment(ctx, req("198.51.100.3", browserUA))
	if err != nil || !res.Counted || res.Count.Views != 2 {
		t.Errorf("second visitor = %+v, %v", res, err)
	}

	c, err := vc.Get(ctx)
	if err != nil || c.Views != 2 {
		t.Errorf("Get() = %+v, %v", c, err)
	}
}
