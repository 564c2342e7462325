package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// DefaultAnthropicModel is used when no model is configured.
const DefaultAnthropicModel = "claude-3-5-haiku-20241022"

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
}

// AnthropicProvider streams messages through the Anthropic SDK.
type AnthropicProvider struct {
	cfg AnthropicConfig
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	if cfg.Model == "" {
		cfg.Model = DefaultAnthropicModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 512
	}
	return &AnthropicProvider{cfg: cfg}
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Open starts a streaming message. The SDK reports HTTP failures on the
// first read, so the first event is read here to surface them as a
// *StatusError before the stream is handed out.
func (p *AnthropicProvider) Open(ctx context.Context, apiKey string, prompt *Prompt) (Stream, error) {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if p.cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(p.cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	// The persona turn goes in as a user turn so the acknowledgement can
	// follow it.
	seq := prompt.Sequence()
	messages := make([]anthropic.MessageParam, len(seq))
	for i, t := range seq {
		role := anthropic.MessageParamRoleUser
		if t.Role == RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		messages[i] = anthropic.MessageParam{
			Role: anthropic.F(role),
			Content: anthropic.F([]anthropic.ContentBlockParamUnion{
				anthropic.TextBlockParam{
					Type: anthropic.F(anthropic.TextBlockParamTypeText),
					Text: anthropic.F(t.Text),
				},
			}),
		}
	}

	stream := client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:       anthropic.F(p.cfg.Model),
		MaxTokens:   anthropic.F(int64(p.cfg.MaxTokens)),
		Temperature: anthropic.F(p.cfg.Temperature),
		Messages:    anthropic.F(messages),
	})

	s := &anthropicStream{stream: stream}
	if !stream.Next() {
		err := stream.Err()
		if err == nil {
			return s, nil
		}
		stream.Close()
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, &StatusError{Provider: p.Name(), StatusCode: apiErr.StatusCode}
		}
		return nil, fmt.Errorf("anthropic: open stream: %w", err)
	}
	s.pending = true
	return s, nil
}

type anthropicStream struct {
	stream  *ssestream.Stream[anthropic.MessageStreamEvent]
	pending bool
}

func (s *anthropicStream) Recv() (string, error) {
	for {
		if s.pending {
			s.pending = false
		} else if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				return "", fmt.Errorf("anthropic: read stream: %w", err)
			}
			return "", io.EOF
		}

		event := s.stream.Current()
		if delta, ok := event.Delta.(anthropic.ContentBlockDeltaEventDelta); ok && delta.Text != "" {
			return delta.Text, nil
		}
	}
}

func (s *anthropicStream) Close() error {
	return s.stream.Close()
}
