package proofread

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

type openAIBackend struct {
	baseURL string
	model   string
	keys    KeySource
}

// NewOpenAIBackend proofreads with the chat completions API using the same
// credential the cloud transcription would use.
func NewOpenAIBackend(baseURL, model string, keys KeySource) Backend {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &openAIBackend{baseURL: strings.TrimRight(baseURL, "/"), model: model, keys: keys}
}

func (b *openAIBackend) Complete(ctx context.Context, req Request) (string, error) {
	if b.keys == nil {
		return "", errors.New("openai proofreading has no credential source")
	}
	key, err := b.keys(ctx, req.ProfileID)
	if err != nil {
		return "", fmt.Errorf("resolve proofreading credential: %w", err)
	}
	if strings.TrimSpace(key) == "" {
		return "", errors.New("openai proofreading requires a cloud credential")
	}

	cfg := openai.DefaultConfig(key)
	if b.baseURL != "" {
		cfg.BaseURL = b.baseURL
	}
	client := openai.NewClientWithConfig(cfg)
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: b.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.Text},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return "", fmt.Errorf("openai proofread: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResult
	}
	return resp.Choices[0].Message.Content, nil
}
