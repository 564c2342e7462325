package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"

	"github.com/folio-labs/chat-edge/internal/model"
)

func TestOpenAIStreams(t *testing.T) {
	var got openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range []string{"He", "", "llo!"} {
			fmt.Fprintf(w, `data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":%q}}]}`+"\n\n", d)
		}
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL + "/v1", Model: "m"})
	s, err := p.Open(context.Background(), "k", BuildPrompt("persona", []model.ChatRequestMessage{{Role: model.RoleUser, Content: "hi"}}))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	var out strings.Builder
	for {
		d, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		out.WriteString(d)
	}
	if out.String() != "Hello!" {
		t.Errorf("content = %q", out.String())
	}
	if len(got.Messages) != 3 || got.Messages[0].Role != openai.ChatMessageRoleSystem || got.Messages[1].Role != openai.ChatMessageRoleAssistant {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestOpenAIStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL + "/v1"})
	_, err := p.Open(context.Background(), "k", BuildPrompt("persona", nil))
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("Open() error = %v, want 429 StatusError", err)
	}
}
