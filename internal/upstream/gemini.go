package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

const (
	DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultGeminiModel   = "gemini-2.0-flash"

	maxSSELine = 1 << 20
)

// GeminiConfig configures the Gemini provider.
type GeminiConfig struct {
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	HTTPClient  *http.Client
}

// GeminiProvider streams from the Gemini generateContent API over SSE.
type GeminiProvider struct {
	endpoint string
	client   *http.Client
	gen      geminiGenerationConfig
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"topP"`
	TopK            int     `json:"topK"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiChunk struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// NewGeminiProvider creates a Gemini provider.
func NewGeminiProvider(cfg GeminiConfig) *GeminiProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGeminiBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 512
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &GeminiProvider{
		endpoint: fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse",
			strings.TrimRight(cfg.BaseURL, "/"), url.PathEscape(cfg.Model)),
		client: cfg.HTTPClient,
		gen: geminiGenerationConfig{
			Temperature:     cfg.Temperature,
			TopP:            0.9,
			TopK:            40,
			MaxOutputTokens: cfg.MaxTokens,
		},
	}
}

// Name returns the provider name.
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// Open starts a streaming generation.
func (p *GeminiProvider) Open(ctx context.Context, apiKey string, prompt *Prompt) (Stream, error) {
	body, err := json.Marshal(geminiRequest{
		Contents:         geminiContents(prompt),
		GenerationConfig: p.gen,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("x-goog-api-key", apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return nil, &StatusError{Provider: p.Name(), StatusCode: resp.StatusCode}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxSSELine)
	return &geminiStream{body: resp.Body, scanner: scanner}, nil
}

// geminiContents translates the prompt into Gemini's role vocabulary, which
// has no system role.
func geminiContents(prompt *Prompt) []geminiContent {
	seq := prompt.Sequence()
	contents := make([]geminiContent, 0, len(seq))
	for _, t := range seq {
		role := "user"
		if t.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, geminiContent{Role: role, Parts: []geminiPart{{Text: t.Text}}})
	}
	return contents
}

type geminiStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	closeOnce sync.Once
	closeErr  error
}

// Recv returns the next non-empty text delta. Lines that are not data lines
// or do not parse are skipped. A final line without a trailing newline is
// still delivered.
func (s *geminiStream) Recv() (string, error) {
	for s.scanner.Scan() {
		line := strings.TrimSuffix(s.scanner.Text(), "\r")
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			return "", io.EOF
		}

		var chunk geminiChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return "", &StreamError{Provider: "gemini", Code: chunk.Error.Code, Status: chunk.Error.Status}
		}
		if text := chunk.text(); text != "" {
			return text, nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("gemini: read stream: %w", err)
	}
	return "", io.EOF
}

func (c *geminiChunk) text() string {
	if len(c.Candidates) == 0 {
		return ""
	}
	parts := c.Candidates[0].Content.Parts
	if len(parts) == 1 {
		return parts[0].Text
	}
	var b strings.Builder
	for _, part := range parts {
		b.WriteString(part.Text)
	}
	return b.String()
}

func (s *geminiStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
