// Package router picks the transcription backend for an attempt from the
// active profile and folds both backends into one result and error type.
package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-dictate/internal/credential"
	"github.com/loqalabs/loqa-dictate/internal/domain"
	"github.com/loqalabs/loqa-dictate/internal/transcribe"
)

const instrumentationName = "github.com/loqalabs/loqa-dictate/router"

// CloudTranscriber is satisfied by cloud.Client.
type CloudTranscriber interface {
	Transcribe(ctx context.Context, audio []byte, credential string, opts transcribe.Options) (string, error)
}

// LocalTranscriber is satisfied by local.Client.
type LocalTranscriber interface {
	CheckHealth(ctx context.Context, port int) error
	Transcribe(ctx context.Context, audio []byte, port int, opts transcribe.Options) (string, error)
}

// CredentialSource looks up a profile's secret.
type CredentialSource interface {
	Retrieve(ctx context.Context, profileID string) (string, error)
}

// Request is one routing decision. Profile is nil when no profile is
// active; ProfileErr carries a profile store failure seen while resolving
// it, which is reported if no fallback credential exists.
type Request struct {
	Audio      []byte
	Profile    *domain.Profile
	ProfileErr error
	Translate  bool
}

type Result struct {
	Text      string
	Engine    domain.Engine
	ProfileID string
	Duration  time.Duration
}

type Config struct {
	// LegacyKey returns the bare API key used without a profile or when the
	// credential store cannot supply one. It is re-read per call.
	LegacyKey func() string
	// DefaultLanguage applies when no profile is active.
	DefaultLanguage string
	CloudModel      string
}

type Router struct {
	cfg    Config
	cloud  CloudTranscriber
	local  LocalTranscriber
	creds  CredentialSource
	logger *slog.Logger

	tracer   trace.Tracer
	counter  metric.Int64Counter
	duration metric.Float64Histogram
}

func New(cfg Config, cloud CloudTranscriber, local LocalTranscriber, creds CredentialSource, logger *slog.Logger) *Router {
	if cfg.LegacyKey == nil {
		cfg.LegacyKey = func() string { return "" }
	}
	r := &Router{
		cfg:    cfg,
		cloud:  cloud,
		local:  local,
		creds:  creds,
		logger: logger.With(slog.String("component", "router")),
		tracer: otel.Tracer(instrumentationName),
	}
	meter := otel.Meter(instrumentationName)
	var err error
	if r.counter, err = meter.Int64Counter("dictation.transcriptions",
		metric.WithDescription("Transcription attempts by engine and outcome")); err != nil {
		r.logger.Warn("failed to create transcription counter", slogError(err))
	}
	if r.duration, err = meter.Float64Histogram("dictation.transcription.duration_ms",
		metric.WithDescription("Transcription latency"), metric.WithUnit("ms")); err != nil {
		r.logger.Warn("failed to create duration histogram", slogError(err))
	}
	return r
}

// Transcribe returns exactly one of text or error. It never retries and
// never mutates profile or credential state.
func (r *Router) Transcribe(ctx context.Context, req Request) (Result, error) {
	engine := domain.EngineCloud
	profileID := ""
	if req.Profile != nil {
		engine = req.Profile.Engine
		profileID = req.Profile.ID
	}

	ctx, span := r.tracer.Start(ctx, "router.transcribe", trace.WithAttributes(
		attribute.String("engine", string(engine)),
		attribute.String("profile_id", profileID),
		attribute.Int("audio_bytes", len(req.Audio)),
	))
	defer span.End()

	start := time.Now()
	text, err := r.dispatch(ctx, req)
	if err == nil {
		text, err = transcribe.NormalizeText(text)
	}
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = string(transcribe.KindOf(err))
		if outcome == "" {
			outcome = "unknown"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	attrs := metric.WithAttributes(attribute.String("engine", string(engine)), attribute.String("outcome", outcome))
	if r.counter != nil {
		r.counter.Add(ctx, 1, attrs)
	}
	if r.duration != nil {
		r.duration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	}

	if err != nil {
		r.logger.Warn("transcription failed",
			slog.String("engine", string(engine)),
			slog.String("profile_id", profileID),
			slog.String("kind", outcome),
			slogError(err))
		return Result{}, err
	}
	r.logger.Info("transcription completed",
		slog.String("engine", string(engine)),
		slog.String("profile_id", profileID),
		slog.Duration("elapsed", elapsed))
	return Result{Text: text, Engine: engine, ProfileID: profileID, Duration: elapsed}, nil
}

func (r *Router) dispatch(ctx context.Context, req Request) (string, error) {
	p := req.Profile
	if p == nil {
		key := strings.TrimSpace(r.cfg.LegacyKey())
		if key == "" {
			return "", &transcribe.Error{Kind: transcribe.KindMissingCredential, Engine: domain.EngineCloud, Err: req.ProfileErr}
		}
		if req.ProfileErr != nil {
			r.logger.Error("profile store unavailable, using legacy credential", slogError(req.ProfileErr))
		}
		return r.cloud.Transcribe(ctx, req.Audio, key, transcribe.Options{
			Language:  r.cfg.DefaultLanguage,
			Model:     r.cfg.CloudModel,
			Translate: req.Translate,
		})
	}

	switch p.Engine {
	case domain.EngineCloud:
		key, err := r.resolveCredential(ctx, p.ID)
		if err != nil {
			return "", err
		}
		return r.cloud.Transcribe(ctx, req.Audio, key, transcribe.Options{
			Language:  p.Language,
			Model:     r.cfg.CloudModel,
			Translate: req.Translate,
		})
	case domain.EngineLocal:
		if err := transcribe.ValidateAudio(req.Audio, 0); err != nil {
			return "", err
		}
		if err := r.local.CheckHealth(ctx, p.Port); err != nil {
			return "", err
		}
		return r.local.Transcribe(ctx, req.Audio, p.Port, transcribe.Options{
			Language:  p.Language,
			Model:     p.Model,
			Translate: req.Translate,
		})
	default:
		return "", &transcribe.Error{Kind: transcribe.KindRequestRejected, Err: errors.New("unknown engine " + string(p.Engine))}
	}
}

// resolveCredential prefers the profile's secret and falls back to the
// legacy key. A missing item is routine; any other store failure is logged
// at error level before falling back.
func (r *Router) resolveCredential(ctx context.Context, profileID string) (string, error) {
	key, err := r.creds.Retrieve(ctx, profileID)
	if err == nil && strings.TrimSpace(key) != "" {
		return key, nil
	}
	switch {
	case err == nil, errors.Is(err, credential.ErrNotFound):
		r.logger.Info("no credential for profile, using legacy key", slog.String("profile_id", profileID))
	default:
		r.logger.Error("credential store failed, using legacy key", slog.String("profile_id", profileID), slogError(err))
	}
	legacy := strings.TrimSpace(r.cfg.LegacyKey())
	if legacy == "" {
		return "", &transcribe.Error{Kind: transcribe.KindMissingCredential, Engine: domain.EngineCloud, Err: err}
	}
	return legacy, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
