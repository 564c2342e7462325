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

	"github.com/folio-labs/chat-edge/internal/model"
)

func geminiFrame(text string) string {
	return fmt.Sprintf(`data: {"candidates":[{"content":{"role":"model","parts":[{"text":%q}]}}]}`, text) + "\n\n"
}

func TestGeminiStreams(t *testing.T) {
	var got geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/test-model:streamGenerateContent" || r.URL.Query().Get("alt") != "sse" {
			t.Errorf("unexpected URL %s", r.URL)
		}
		if r.Header.Get("x-goog-api-key") != "secret" {
			t.Errorf("api key header = %q", r.Header.Get("x-goog-api-key"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, geminiFrame("He"))
		io.WriteString(w, ": keep-alive\n\n")
		io.WriteString(w, "data: {not json}\n\n")
		io.WriteString(w, `data: {"candidates":[{"content":{"parts":[]}}]}`+"\n\n")
		// Final frame without a trailing newline.
		io.WriteString(w, strings.TrimSuffix(geminiFrame("llo!"), "\n\n"))
	}))
	defer srv.Close()

	p := NewGeminiProvider(GeminiConfig{BaseURL: srv.URL, Model: "test-model", Temperature: 0.7, MaxTokens: 512})
	prompt := BuildPrompt("persona", []model.ChatRequestMessage{{Role: model.RoleUser, Content: "hi"}})
	s, err := p.Open(context.Background(), "secret", prompt)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	var deltas []string
	for {
		d, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		deltas = append(deltas, d)
	}
	if strings.Join(deltas, "|") != "He|llo!" {
		t.Errorf("deltas = %q", deltas)
	}

	roles := make([]string, len(got.Contents))
	for i, c := range got.Contents {
		roles[i] = c.Role
	}
	if strings.Join(roles, ",") != "user,model,user" {
		t.Errorf("roles = %v", roles)
	}
	if got.GenerationConfig.TopK != 40 || got.GenerationConfig.TopP != 0.9 || got.GenerationConfig.MaxOutputTokens != 512 {
		t.Errorf("generation config = %+v", got.GenerationConfig)
	}
}

func TestGeminiStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"code":429,"message":"quota exceeded for key AIza...","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer srv.Close()

	p := NewGeminiProvider(GeminiConfig{BaseURL: srv.URL})
	_, err := p.Open(context.Background(), "k", BuildPrompt("persona", nil))
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("Open() error = %v, want 429 StatusError", err)
	}
	if strings.Contains(err.Error(), "quota exceeded") {
		t.Error("error leaks the upstream body")
	}
	if Classify(err) != KindRateLimited {
		t.Errorf("Classify() = %q", Classify(err))
	}
}

func TestGeminiEmbeddedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, geminiFrame("partial"))
		io.WriteString(w, `data: {"error":{"code":500,"message":"internal","status":"INTERNAL"}}`+"\n\n")
	}))
	defer srv.Close()

	p := NewGeminiProvider(GeminiConfig{BaseURL: srv.URL})
	s, err := p.Open(context.Background(), "k", BuildPrompt("persona", nil))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if d, err := s.Recv(); err != nil || d != "partial" {
		t.Fatalf("first Recv() = %q, %v", d, err)
	}
	_, err = s.Recv()
	var se *StreamError
	if !errors.As(err, &se) || se.Code != 500 {
		t.Errorf("second Recv() error = %v, want StreamError", err)
	}
}

func TestGeminiCloseUnblocksRecv(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := NewGeminiProvider(GeminiConfig{BaseURL: srv.URL})
	s, err := p.Open(context.Background(), "k", BuildPrompt("persona", nil))
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Recv()
		done <- err
	}()
	s.Close()
	if err := <-done; err == nil {
		t.Error("Recv() after Close returned nil error")
	}
}
