package ai

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const groqBaseURL = "https://api.groq.com/openai/v1"

// OpenAIProvider talks to any OpenAI-compatible chat completions API.
type OpenAIProvider struct {
	name        string
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
}

// NewOpenAIProvider creates a provider for the OpenAI API
func NewOpenAIProvider(opts Options) (*OpenAIProvider, error) {
	return newChatProvider("openai", opts)
}

// NewGroqProvider creates a provider for Groq's OpenAI-compatible endpoint.
func NewGroqProvider(opts Options) (*OpenAIProvider, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = groqBaseURL
	}
	return newChatProvider("groq", opts)
}

func newChatProvider(name string, opts Options) (*OpenAIProvider, error) {
	if opts.APIKey == "" {
		return nil, missingKey(name)
	}
	if opts.Model == "" {
		opts.Model = DefaultModel(name)
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}

	return &OpenAIProvider{
		name:        name,
		client:      openai.NewClientWithConfig(cfg),
		model:       opts.Model,
		temperature: float32(opts.Temperature),
		maxTokens:   opts.MaxTokens,
	}, nil
}

func (p *OpenAIProvider) Name() string { return p.name }

// Generate sends the prompt as a system and a user message.
func (p *OpenAIProvider) Generate(ctx context.Context, prompt Prompt) (string, error) {
	var messages []openai.ChatCompletionMessage
	if prompt.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: prompt.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt.User,
	})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("%s API error: %w", p.name, err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s: %w", p.name, ErrEmptyResponse)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("%s: %w", p.name, ErrEmptyResponse)
	}
	return text, nil
}
