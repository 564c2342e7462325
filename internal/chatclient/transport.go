// Package chatclient streams chat replies from the edge's POST /api/chat.
package chatclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/folio-labs/chat-edge/internal/model"
)

// DefaultIdleTimeout is how long Stream waits for the next line before
// giving up on the reply.
const DefaultIdleTimeout = 45 * time.Second

// DefaultUserAgent identifies the terminal client to the edge.
const DefaultUserAgent = "chat-edge-terminal/0.1"

// Messages passed to OnError by the transport itself.
const (
	MsgConnectionLost = "Connection lost. Please try again."
	MsgTimedOut       = "No response from the assistant. Please try again."
)

var errIdle = errors.New("chatclient: idle timeout")

// Callbacks receive the events of one stream. Exactly one of OnDone and
// OnError is called per stream, unless the stream was cancelled, in which
// case neither is. Nil callbacks are skipped.
type Callbacks struct {
	OnChunk func(text string)
	OnDone  func()
	OnError func(message string)
}

// Config configures a Transport.
type Config struct {
	// Endpoint is the full URL of the chat endpoint.
	Endpoint    string
	Origin      string
	UserAgent   string
	IdleTimeout time.Duration
	HTTPClient  *http.Client
}

// Transport issues streaming chat requests.
type Transport struct {
	endpoint    string
	origin      string
	userAgent   string
	idleTimeout time.Duration
	client      *http.Client
}

// New creates a transport.
func New(cfg Config) *Transport {
	t := &Transport{
		endpoint:    cfg.Endpoint,
		origin:      cfg.Origin,
		userAgent:   cfg.UserAgent,
		idleTimeout: cfg.IdleTimeout,
		client:      cfg.HTTPClient,
	}
	if t.userAgent == "" {
		t.userAgent = DefaultUserAgent
	}
	if t.idleTimeout <= 0 {
		t.idleTimeout = DefaultIdleTimeout
	}
	if t.client == nil {
		t.client = &http.Client{}
	}
	return t
}

// Stream sends turns and blocks until the reply ends, invoking cb as frames
// arrive. Cancelling ctx ends the stream silently.
func (t *Transport) Stream(ctx context.Context, turns []model.ChatRequestMessage, cb Callbacks) {
	var terminated bool
	fail := func(msg string) {
		if terminated || ctx.Err() != nil {
			return
		}
		terminated = true
		if cb.OnError != nil {
			cb.OnError(msg)
		}
	}
	done := func() {
		terminated = true
		if cb.OnDone != nil {
			cb.OnDone()
		}
	}

	body, err := json.Marshal(model.ChatRequest{Messages: turns})
	if err != nil {
		fail(MsgConnectionLost)
		return
	}

	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	idle := time.AfterFunc(t.idleTimeout, func() { cancel(errIdle) })
	defer idle.Stop()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		fail(MsgConnectionLost)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", t.userAgent)
	if t.origin != "" {
		req.Header.Set("Origin", t.origin)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		fail(failureMessage(reqCtx))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fail(statusMessage(resp))
		return
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			idle.Reset(t.idleTimeout)
			switch f, ok := parseLine(line); {
			case !ok:
			case f.done:
				done()
				return
			case f.Error != "":
				fail(f.Error)
				return
			case f.Text != "":
				if cb.OnChunk != nil {
					cb.OnChunk(f.Text)
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && reqCtx.Err() == nil {
				fail(MsgConnectionLost)
				return
			}
			fail(failureMessage(reqCtx))
			return
		}
	}
}

type frame struct {
	model.StreamFrame
	done bool
}

// parseLine decodes one SSE line. ok is false for anything that is not a
// well-formed data frame.
func parseLine(line string) (frame, bool) {
	line = strings.TrimRight(line, "\r\n")
	payload, found := strings.CutPrefix(line, model.DataPrefix)
	if !found {
		return frame{}, false
	}
	payload = strings.TrimSpace(payload)
	if payload == model.DoneSentinel {
		return frame{done: true}, true
	}
	var f model.StreamFrame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		return frame{}, false
	}
	return frame{StreamFrame: f}, true
}

func failureMessage(ctx context.Context) string {
	if errors.Is(context.Cause(ctx), errIdle) {
		return MsgTimedOut
	}
	return MsgConnectionLost
}

// statusMessage reads the {"error": ...} body of a failed request.
func statusMessage(resp *http.Response) string {
	var body model.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil && body.Error != "" {
		return body.Error
	}
	return fmt.Sprintf("Error: %d", resp.StatusCode)
}
