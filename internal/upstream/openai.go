package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAIConfig configures the OpenAI provider. BaseURL may point at any
// OpenAI-compatible endpoint.
type OpenAIConfig struct {
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
}

// OpenAIProvider streams chat completions through go-openai.
type OpenAIProvider struct {
	cfg OpenAIConfig
}

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 512
	}
	return &OpenAIProvider{cfg: cfg}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Open starts a streaming chat completion.
func (p *OpenAIProvider) Open(ctx context.Context, apiKey string, prompt *Prompt) (Stream, error) {
	clientCfg := openai.DefaultConfig(apiKey)
	if p.cfg.BaseURL != "" {
		clientCfg.BaseURL = p.cfg.BaseURL
	}
	client := openai.NewClientWithConfig(clientCfg)

	seq := prompt.Sequence()
	messages := make([]openai.ChatCompletionMessage, len(seq))
	for i, t := range seq {
		role := openai.ChatMessageRoleUser
		switch t.Role {
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		messages[i] = openai.ChatCompletionMessage{Role: role, Content: t.Text}
	}

	stream, err := client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       p.cfg.Model,
		Messages:    messages,
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: float32(p.cfg.Temperature),
		Stream:      true,
	})
	if err != nil {
		if status := openAIStatus(err); status != 0 {
			return nil, &StatusError{Provider: p.Name(), StatusCode: status}
		}
		return nil, fmt.Errorf("openai: open stream: %w", err)
	}
	return &openAIStream{stream: stream}, nil
}

func openAIStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openAIStream) Recv() (string, error) {
	for {
		response, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("openai: read stream: %w", err)
		}
		if len(response.Choices) == 0 {
			continue
		}
		if delta := response.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}
