package proofread

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-3-5-haiku-latest"

type anthropicBackend struct {
	client anthropic.Client
	model  string
	hasKey bool
}

// NewAnthropicBackend proofreads with the Messages API. baseURL is empty
// outside tests.
func NewAnthropicBackend(apiKey, model, baseURL string) Backend {
	if model == "" {
		model = defaultAnthropicModel
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &anthropicBackend{
		client: anthropic.NewClient(opts...),
		model:  model,
		hasKey: strings.TrimSpace(apiKey) != "",
	}
}

func (b *anthropicBackend) Complete(ctx context.Context, req Request) (string, error) {
	if !b.hasKey {
		return "", errors.New("anthropic proofreading requires proofreading.api_key")
	}
	resp, err := b.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		MaxTokens: int64(len(req.Text)/2 + 256),
		System:    []anthropic.TextBlockParam{{Text: req.System}},
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Text))},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic proofread: %w", err)
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}
