package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/api"
	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/dictation"
	"github.com/loqalabs/loqa-dictate/internal/events"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/platform"
	"github.com/loqalabs/loqa-dictate/internal/ports"
	"github.com/loqalabs/loqa-dictate/internal/proofread"
	"github.com/loqalabs/loqa-dictate/internal/router"
	"github.com/loqalabs/loqa-dictate/internal/transcribe/cloud"
	"github.com/loqalabs/loqa-dictate/internal/transcribe/local"
)

// EventSource identifies the daemon on the bus.
const EventSource = "dictad"

type Runtime struct {
	cfg        config.Config
	configPath string
	logger     *slog.Logger
	// TraceOutput receives spans when no OTLP endpoint is configured.
	TraceOutput io.Writer

	mu         sync.Mutex
	live       config.Config
	machine    *dictation.Machine
	proofer    *liveProofreader
	httpServer *http.Server
	addr       net.Addr
	ready      atomic.Bool
	started    chan struct{}
	wg         sync.WaitGroup
}

func New(cfg config.Config, configPath string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:         cfg,
		configPath:  configPath,
		logger:      logger,
		live:        cfg,
		TraceOutput: os.Stdout,
		started:     make(chan struct{}),
	}
}

// Started is closed once the control API is listening.
func (r *Runtime) Started() <-chan struct{} { return r.started }

// Addr is the bound control API address; valid after Started.
func (r *Runtime) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

func (r *Runtime) legacyKey() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.TrimSpace(r.live.Cloud.APIKey)
}

// Start builds every component, serves until ctx is done and then shuts
// down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.TraceOutput, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}()

	stores, err := OpenStores(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer func() {
		if err := stores.Close(); err != nil {
			r.logger.Error("store close error", slogError(err))
		}
	}()

	cmds, err := platform.CommandsFromConfig(r.cfg.Platform)
	if err != nil {
		return err
	}
	capture, err := audio.NewExecCapture(r.cfg.Audio.Command, r.logger)
	if err != nil {
		return err
	}

	cloudClient := cloud.New(cloud.Config{
		BaseURL:       r.cfg.Cloud.BaseURL,
		Model:         r.cfg.Cloud.Model,
		Timeout:       time.Duration(r.cfg.Cloud.TimeoutMS) * time.Millisecond,
		MaxAudioBytes: r.cfg.Cloud.MaxAudioBytes,
	})
	localClient := local.New(local.Config{
		HealthTimeout:        time.Duration(r.cfg.Local.HealthTimeoutMS) * time.Millisecond,
		TranscriptionTimeout: time.Duration(r.cfg.Local.TranscriptionTimeoutMS) * time.Millisecond,
	})
	rt := router.New(router.Config{
		LegacyKey:       r.legacyKey,
		DefaultLanguage: r.cfg.Cloud.Language,
		CloudModel:      r.cfg.Cloud.Model,
	}, cloudClient, localClient, stores.Credentials, r.logger)

	keys := credentialKeys(stores.Credentials, r.legacyKey)
	r.proofer = &liveProofreader{}
	r.proofer.set(buildProofreader(r.cfg, keys, r.logger))

	journal, err := eventstore.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() {
		if err := journal.Close(); err != nil {
			r.logger.Error("journal close error", slogError(err))
		}
	}()

	broadcaster := events.NewBroadcaster(32)
	fanout := events.NewFanout(events.NewLogSink(r.logger), broadcaster, journal)

	var (
		embedded  *natsserver.EmbeddedServer
		busClient *bus.Client
	)
	if r.cfg.Bus.Enabled {
		embedded, err = natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return err
		}
		defer embedded.Shutdown()
		busCfg := r.cfg.Bus
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		busClient, err = bus.Connect(busCfg, r.cfg.RuntimeName, r.logger)
		if err != nil {
			return err
		}
		defer busClient.Close()
		publisher := events.NewBusPublisher(busClient, EventSource, r.logger)
		fanout.Add(publisher)
		stores.Profiles.Subscribe(publisher)
	}

	machine := dictation.New(ctx, dictation.Deps{
		Transcriber: rt,
		Profiles:    stores.Profiles,
		Audio:       capture,
		Permissions: platform.NewPermissions(cmds.MicrophoneProbe, cmds.AutomationProbe, cmds.Settings),
		Clipboard:   platform.NewClipboard(cmds.Clipboard),
		Paster:      platform.NewPaster(cmds.FocusProbe, cmds.Paste),
		Proofreader: r.proofer,
		Events:      fanout,
	}, machineOptions(r.cfg), r.logger)
	defer machine.Close()
	stores.Profiles.Subscribe(machine)
	r.mu.Lock()
	r.machine = machine
	r.mu.Unlock()

	readiness := map[string]api.ReadinessCheck{"runtime": r.ready.Load}
	if busClient != nil {
		listener := events.NewListener(ctx, busClient, EventSource, machine, machine.ProfilesChanged, r.logger)
		if err := listener.Start(); err != nil {
			return fmt.Errorf("start bus listener: %w", err)
		}
		defer listener.Close()
		readiness["bus"] = busClient.Healthy
		readiness["listener"] = listener.Healthy
	}

	handler := api.New(api.Options{
		Recorder:  machine,
		Profiles:  stores.Profiles,
		Events:    broadcaster,
		Journal:   journal,
		Metrics:   metricsHandler,
		Readiness: readiness,
		Logger:    r.logger,
	}).Routes()

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slogError(err))
			cancel()
		}
	}()

	if r.configPath != "" {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := config.Watch(ctx, r.configPath, r.logger, func(next config.Config) { r.applyConfig(next, keys) }); err != nil {
				r.logger.Warn("config watch stopped", slogError(err))
			}
		}()
	}

	r.mu.Lock()
	r.addr = ln.Addr()
	r.mu.Unlock()
	r.ready.Store(true)
	close(r.started)
	r.logger.Info("runtime started", slog.String("addr", ln.Addr().String()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slogError(err))
	}
	r.wg.Wait()
	return nil
}

// applyConfig pushes the live-reloadable sections into running components.
// Stores, bus and listen address need a restart.
func (r *Runtime) applyConfig(next config.Config, keys proofread.KeySource) {
	r.mu.Lock()
	r.live = next
	machine := r.machine
	r.mu.Unlock()

	r.proofer.set(buildProofreader(next, keys, r.logger))
	if machine != nil {
		machine.SetOptions(machineOptions(next))
	}
	r.logger.Info("live settings applied",
		slog.Bool("proofreading", next.Proofreading.Enabled),
		slog.Bool("paste", next.Dictation.PasteEnabled),
		slog.Bool("translate", next.Dictation.TranslateToEnglish))
}

// liveProofreader lets a config reload swap the backend under a running
// machine.
type liveProofreader struct {
	p atomic.Pointer[proofread.Proofreader]
}

var errProofreadingUnavailable = errors.New("proofreading backend unavailable")

func (l *liveProofreader) set(p *proofread.Proofreader) { l.p.Store(p) }

func (l *liveProofreader) Proofread(ctx context.Context, req ports.ProofreadRequest) (string, error) {
	p := l.p.Load()
	if p == nil {
		return "", errProofreadingUnavailable
	}
	return p.Proofread(ctx, req)
}
