package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-dictate/internal/credential"
	"github.com/loqalabs/loqa-dictate/internal/domain"
	"github.com/loqalabs/loqa-dictate/internal/transcribe"
)

var audio = func() []byte {
	b := make([]byte, 64)
	copy(b[0:4], "RIFF")
	copy(b[8:12], "WAVE")
	return b
}()

type fakeCloud struct {
	calls   int
	lastKey string
	last    transcribe.Options
	text    string
	err     error
}

func (f *fakeCloud) Transcribe(_ context.Context, _ []byte, key string, opts transcribe.Options) (string, error) {
	f.calls++
	f.lastKey = key
	f.last = opts
	return f.text, f.err
}

type fakeLocal struct {
	healthErr   error
	healthCalls int
	calls       int
	last        transcribe.Options
	text        string
	err         error
}

func (f *fakeLocal) CheckHealth(context.Context, int) error {
	f.healthCalls++
	return f.healthErr
}

func (f *fakeLocal) Transcribe(_ context.Context, _ []byte, _ int, opts transcribe.Options) (string, error) {
	f.calls++
	f.last = opts
	return f.text, f.err
}

type brokenCreds struct{}

func (brokenCreds) Retrieve(context.Context, string) (string, error) {
	return "", errors.New("keychain locked")
}

func newRouter(t *testing.T, legacy string, cloud *fakeCloud, local *fakeLocal, creds CredentialSource) *Router {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{LegacyKey: func() string { return legacy }, DefaultLanguage: "auto"}, cloud, local, creds, logger)
}

func TestCloudProfileUsesStoredCredential(t *testing.T) {
	creds := credential.NewMemoryStore()
	_ = creds.Store(context.Background(), "p1", "sk-profile")
	cloud := &fakeCloud{text: "hello world"}
	r := newRouter(t, "sk-legacy", cloud, &fakeLocal{}, creds)

	p := &domain.Profile{ID: "p1", Engine: domain.EngineCloud, Language: "en"}
	res, err := r.Transcribe(context.Background(), Request{Audio: audio, Profile: p})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "hello world" || res.Engine != domain.EngineCloud || res.ProfileID != "p1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if cloud.lastKey != "sk-profile" || cloud.last.Language != "en" {
		t.Fatalf("unexpected call key=%q opts=%+v", cloud.lastKey, cloud.last)
	}
}

func TestCloudCredentialFallsBackToLegacy(t *testing.T) {
	for name, creds := range map[string]CredentialSource{
		"missing": credential.NewMemoryStore(),
		"broken":  brokenCreds{},
	} {
		t.Run(name, func(t *testing.T) {
			cloud := &fakeCloud{text: "ok"}
			r := newRouter(t, "sk-legacy", cloud, &fakeLocal{}, creds)
			p := &domain.Profile{ID: "p1", Engine: domain.EngineCloud}
			if _, err := r.Transcribe(context.Background(), Request{Audio: audio, Profile: p}); err != nil {
				t.Fatalf("transcribe: %v", err)
			}
			if cloud.lastKey != "sk-legacy" {
				t.Fatalf("expected legacy key, got %q", cloud.lastKey)
			}
		})
	}
}

func TestCloudCredentialEmptyEverywhereFails(t *testing.T) {
	cloud := &fakeCloud{text: "ok"}
	r := newRouter(t, "", cloud, &fakeLocal{}, brokenCreds{})
	p := &domain.Profile{ID: "p1", Engine: domain.EngineCloud}
	_, err := r.Transcribe(context.Background(), Request{Audio: audio, Profile: p})
	if !errors.Is(err, transcribe.ErrMissingCredential) {
		t.Fatalf("expected missing credential, got %v", err)
	}
	if cloud.calls != 0 {
		t.Fatal("cloud client should not be called")
	}
}

func TestNoProfileUsesLegacyCloud(t *testing.T) {
	cloud := &fakeCloud{text: "hi"}
	r := newRouter(t, "sk-legacy", cloud, &fakeLocal{}, credential.NewMemoryStore())
	res, err := r.Transcribe(context.Background(), Request{Audio: audio, Translate: true})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Engine != domain.EngineCloud || cloud.lastKey != "sk-legacy" || !cloud.last.Translate {
		t.Fatalf("unexpected routing result=%+v opts=%+v", res, cloud.last)
	}

	none := newRouter(t, "", &fakeCloud{}, &fakeLocal{}, credential.NewMemoryStore())
	storeErr := errors.New("corrupt settings")
	_, err = none.Transcribe(context.Background(), Request{Audio: audio, ProfileErr: storeErr})
	if !errors.Is(err, transcribe.ErrMissingCredential) || !errors.Is(err, storeErr) {
		t.Fatalf("expected missing credential wrapping store error, got %v", err)
	}
}

func TestLocalServerDownShortCircuits(t *testing.T) {
	local := &fakeLocal{healthErr: &transcribe.Error{Kind: transcribe.KindServerNotRunning, Engine: domain.EngineLocal}}
	r := newRouter(t, "", &fakeCloud{}, local, credential.NewMemoryStore())
	p := &domain.Profile{ID: "p2", Engine: domain.EngineLocal, Port: 8080}

	_, err := r.Transcribe(context.Background(), Request{Audio: audio, Profile: p})
	if !errors.Is(err, transcribe.ErrServerNotRunning) {
		t.Fatalf("expected server not running, got %v", err)
	}
	if local.healthCalls != 1 || local.calls != 0 {
		t.Fatalf("expected one health check and no upload, got health=%d upload=%d", local.healthCalls, local.calls)
	}
	if transcribe.EngineOf(err) != domain.EngineLocal {
		t.Fatalf("error should be attributed to the local engine")
	}
}

func TestLocalProfilePassesModelAndLanguage(t *testing.T) {
	local := &fakeLocal{text: "bonjour"}
	r := newRouter(t, "", &fakeCloud{}, local, credential.NewMemoryStore())
	p := &domain.Profile{ID: "p2", Engine: domain.EngineLocal, Port: 8080, Model: "small", Language: "fr"}

	res, err := r.Transcribe(context.Background(), Request{Audio: audio, Profile: p})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "bonjour" || local.last.Model != "small" || local.last.Language != "fr" {
		t.Fatalf("unexpected result=%+v opts=%+v", res, local.last)
	}
}

func TestBlankTextBecomesNoSpeech(t *testing.T) {
	r := newRouter(t, "sk", &fakeCloud{text: "   "}, &fakeLocal{}, credential.NewMemoryStore())
	if _, err := r.Transcribe(context.Background(), Request{Audio: audio}); !errors.Is(err, transcribe.ErrNoSpeech) {
		t.Fatalf("expected no speech, got %v", err)
	}
}

func TestLocalEmptyAudioRejectedBeforeHealthCheck(t *testing.T) {
	local := &fakeLocal{}
	r := newRouter(t, "", &fakeCloud{}, local, credential.NewMemoryStore())
	p := &domain.Profile{ID: "p2", Engine: domain.EngineLocal, Port: 8080}
	if _, err := r.Transcribe(context.Background(), Request{Profile: p}); !errors.Is(err, transcribe.ErrEmptyAudio) {
		t.Fatalf("expected empty audio, got %v", err)
	}
	if local.healthCalls != 0 {
		t.Fatal("health check should not run for empty audio")
	}
}

func TestLocalOpaqueAudioReachesHealthCheck(t *testing.T) {
	local := &fakeLocal{healthErr: &transcribe.Error{Kind: transcribe.KindServerNotRunning, Engine: domain.EngineLocal}}
	r := newRouter(t, "", &fakeCloud{}, local, credential.NewMemoryStore())
	p := &domain.Profile{ID: "p2", Engine: domain.EngineLocal, Port: 8080}

	_, err := r.Transcribe(context.Background(), Request{Audio: []byte("X"), Profile: p})
	if !errors.Is(err, transcribe.ErrServerNotRunning) || transcribe.EngineOf(err) != domain.EngineLocal {
		t.Fatalf("expected local server not running, got %v", err)
	}
	if local.healthCalls != 1 {
		t.Fatalf("expected one health check, got %d", local.healthCalls)
	}
}
