package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/credential"
	"github.com/loqalabs/loqa-dictate/internal/dictation"
	"github.com/loqalabs/loqa-dictate/internal/ports"
	"github.com/loqalabs/loqa-dictate/internal/profile"
	"github.com/loqalabs/loqa-dictate/internal/proofread"
)

// Stores bundles the profile store with the backends it was built from.
type Stores struct {
	Profiles    *profile.Store
	Credentials credential.Store
	closers     []func() error
}

func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// OpenStores opens the profile metadata and credential stores named by cfg.
// The CLI and the daemon share it so both observe the same invariants.
func OpenStores(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*Stores, error) {
	switch cfg.Mode {
	case "memory":
		creds := credential.NewMemoryStore()
		return &Stores{
			Profiles:    profile.NewStore(profile.NewMemoryRepository(), creds, logger),
			Credentials: creds,
		}, nil
	case "sqlite":
		repo, err := profile.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		creds, err := credential.OpenSQLite(ctx, cfg.CredentialsPath)
		if err != nil {
			_ = repo.Close()
			return nil, err
		}
		logger.Info("stores opened", slog.String("profiles", cfg.Path), slog.String("credentials", cfg.CredentialsPath))
		return &Stores{
			Profiles:    profile.NewStore(repo, creds, logger),
			Credentials: creds,
			closers:     []func() error{repo.Close, creds.Close},
		}, nil
	default:
		return nil, fmt.Errorf("unknown store mode %q", cfg.Mode)
	}
}

func machineOptions(cfg config.Config) dictation.Options {
	return dictation.Options{
		SuccessReset:       time.Duration(cfg.Dictation.SuccessResetMS) * time.Millisecond,
		ErrorReset:         time.Duration(cfg.Dictation.ErrorResetMS) * time.Millisecond,
		MaxRetries:         cfg.Dictation.MaxRetries,
		Proofreading:       cfg.Proofreading.Enabled,
		Paste:              cfg.Dictation.PasteEnabled,
		TranslateToEnglish: cfg.Dictation.TranslateToEnglish,
		Audio:              ports.AudioConfig{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels},
	}
}

// buildProofreader returns nil when the backend cannot be constructed; the
// machine then skips proofreading even if it is enabled.
func buildProofreader(cfg config.Config, keys proofread.KeySource, logger *slog.Logger) *proofread.Proofreader {
	backend, err := proofread.BackendFromConfig(cfg.Proofreading, cfg.Cloud, keys)
	if err != nil {
		logger.Warn("proofreading unavailable", slogError(err))
		return nil
	}
	timeout := time.Duration(cfg.Proofreading.TimeoutMS) * time.Millisecond
	return proofread.New(backend, cfg.Proofreading.Prompt, timeout, logger)
}

// credentialKeys resolves the cloud credential for the OpenAI proofreading
// backend the same way transcription does: the profile's secret first, then
// the legacy key.
func credentialKeys(creds credential.Store, legacy func() string) proofread.KeySource {
	return func(ctx context.Context, profileID string) (string, error) {
		if profileID != "" {
			secret, err := creds.Retrieve(ctx, profileID)
			if err == nil && strings.TrimSpace(secret) != "" {
				return secret, nil
			}
			if err != nil && !errors.Is(err, credential.ErrNotFound) {
				if key := legacy(); key != "" {
					return key, nil
				}
				return "", err
			}
		}
		return legacy(), nil
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
