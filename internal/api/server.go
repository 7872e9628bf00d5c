// Package api serves the localhost control surface used by the menu-bar
// UI and scripts.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-dictate/internal/domain"
	"github.com/loqalabs/loqa-dictate/internal/events"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/profile"
)

// Recorder is the state machine surface exposed over HTTP.
type Recorder interface {
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) error
	Toggle(ctx context.Context) error
	RetryTranscription(ctx context.Context) error
	OpenPermissionSettings(ctx context.Context, p domain.Permission) error
	Status() domain.Status
}

// Profiles is the profile store surface exposed over HTTP.
type Profiles interface {
	List(ctx context.Context) ([]domain.Profile, error)
	Get(ctx context.Context, id string) (domain.Profile, error)
	Create(ctx context.Context, req profile.CreateRequest) (domain.Profile, error)
	Update(ctx context.Context, id string, req profile.UpdateRequest) (domain.Profile, error)
	Delete(ctx context.Context, id string) error
	SetActive(ctx context.Context, id string) error
	ClearActive(ctx context.Context) error
	Active(ctx context.Context) (domain.Profile, error)
}

// Journal reads recent activity entries.
type Journal interface {
	Recent(ctx context.Context, limit int) ([]eventstore.Entry, error)
}

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck func() bool

type Options struct {
	Recorder  Recorder
	Profiles  Profiles
	Events    *events.Broadcaster
	Journal   Journal
	Metrics   http.Handler
	Readiness map[string]ReadinessCheck
	Logger    *slog.Logger
}

type Server struct {
	recorder  Recorder
	profiles  Profiles
	events    *events.Broadcaster
	journal   Journal
	metrics   http.Handler
	readiness map[string]ReadinessCheck
	logger    *slog.Logger
}

func New(opts Options) *Server {
	return &Server{
		recorder:  opts.Recorder,
		profiles:  opts.Profiles,
		events:    opts.Events,
		journal:   opts.Journal,
		metrics:   opts.Metrics,
		readiness: opts.Readiness,
		logger:    opts.Logger.With(slog.String("component", "api")),
	}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(s.logRequests)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		if s.events != nil {
			r.Get("/events", s.streamEvents)
		}
		if s.journal != nil {
			r.Get("/journal", s.recentJournal)
		}

		r.Post("/recording/start", s.startRecording)
		r.Post("/recording/stop", s.stopRecording)
		r.Post("/recording/toggle", s.toggleRecording)
		r.Post("/transcription/retry", s.retryTranscription)

		r.Route("/profiles", func(r chi.Router) {
			r.Get("/", s.listProfiles)
			r.Post("/", s.createProfile)
			r.Get("/active", s.getActive)
			r.Put("/active", s.setActive)
			r.Delete("/active", s.clearActive)
			r.Get("/{id}", s.getProfile)
			r.Patch("/{id}", s.updateProfile)
			r.Delete("/{id}", s.deleteProfile)
		})

		r.Post("/permissions/{kind}/settings", s.openSettings)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", chimiddleware.GetReqID(r.Context())))
	})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	checks := map[string]string{}
	status := http.StatusOK
	for name, check := range s.readiness {
		if check() {
			checks[name] = "ok"
			continue
		}
		checks[name] = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	label := "ok"
	if status != http.StatusOK {
		label = "unhealthy"
	}
	writeJSON(w, status, map[string]any{"status": label, "checks": checks})
}
