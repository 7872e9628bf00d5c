// Package proofread runs the optional correction pass over a transcript.
package proofread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/domain"
	"github.com/loqalabs/loqa-dictate/internal/ports"
)

const DefaultPrompt = "You proofread dictated text. Fix punctuation, capitalization, spelling and obvious " +
	"transcription mistakes. Keep the wording and language of the original. Reply with the corrected text only."

// Request is what a backend receives.
type Request struct {
	System    string
	Text      string
	ProfileID string
}

// Backend defines a pluggable correction model.
type Backend interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// KeySource resolves the cloud credential for a profile ("" when none is
// active).
type KeySource func(ctx context.Context, profileID string) (string, error)

// ErrEmptyResult is returned when a backend answers with no text.
var ErrEmptyResult = errors.New("proofreading returned no text")

// Proofreader implements ports.Proofreader on top of a Backend.
type Proofreader struct {
	backend Backend
	prompt  string
	timeout time.Duration
	logger  *slog.Logger
}

func New(backend Backend, prompt string, timeout time.Duration, logger *slog.Logger) *Proofreader {
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultPrompt
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Proofreader{
		backend: backend,
		prompt:  prompt,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "proofread")),
	}
}

func (p *Proofreader) Proofread(ctx context.Context, req ports.ProofreadRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	system := p.prompt
	if lang := strings.TrimSpace(req.Language); lang != "" && lang != domain.LanguageAuto {
		system += " The text is in language code " + lang + "."
	}
	start := time.Now()
	out, err := p.backend.Complete(ctx, Request{System: system, Text: req.Text, ProfileID: req.ProfileID})
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", ErrEmptyResult
	}
	p.logger.Debug("proofreading completed", slog.Duration("elapsed", time.Since(start)))
	return out, nil
}

// BackendFromConfig selects the backend named by cfg.Mode. The openai
// backend shares the cloud transcription endpoint and credentials.
func BackendFromConfig(cfg config.ProofreadingConfig, cloud config.CloudConfig, keys KeySource) (Backend, error) {
	switch cfg.Mode {
	case "openai", "":
		return NewOpenAIBackend(cloud.BaseURL, cfg.Model, keys), nil
	case "anthropic":
		return NewAnthropicBackend(cfg.APIKey, cfg.Model, ""), nil
	case "ollama":
		return NewOllamaBackend(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecBackend(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown proofreading mode %q", cfg.Mode)
	}
}
