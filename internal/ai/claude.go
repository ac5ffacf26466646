package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultClaudeModel = string(anthropic.ModelClaudeSonnet4_20250514)

// ClaudeProvider implements Provider using Anthropic's Messages API
type ClaudeProvider struct {
	client      *anthropic.Client
	model       string
	temperature float64
	maxTokens   int64
}

// NewClaudeProvider creates a new Claude provider
func NewClaudeProvider(opts Options) (*ClaudeProvider, error) {
	if opts.APIKey == "" {
		return nil, missingKey("claude")
	}
	if opts.Model == "" {
		opts.Model = defaultClaudeModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := anthropic.NewClient(reqOpts...)

	return &ClaudeProvider{
		client:      &client,
		model:       opts.Model,
		temperature: opts.Temperature,
		maxTokens:   int64(opts.MaxTokens),
	}, nil
}

func (p *ClaudeProvider) Name() string { return "claude" }

// Generate returns the first text block of the reply.
func (p *ClaudeProvider) Generate(ctx context.Context, prompt Prompt) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(p.model),
		MaxTokens:   p.maxTokens,
		Temperature: anthropic.Float(p.temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt.User)),
		},
	}
	if prompt.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: prompt.System}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("Claude API error: %w", err)
	}

	var responseText string
	for _, block := range resp.Content {
		if block.Type == "text" {
			responseText = block.Text
			break
		}
	}

	responseText = strings.TrimSpace(responseText)
	if responseText == "" {
		return "", fmt.Errorf("claude: %w", ErrEmptyResponse)
	}
	return responseText, nil
}
