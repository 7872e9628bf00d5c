package cloud

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/domain"
	"github.com/loqalabs/loqa-dictate/internal/transcribe"
)

func wavBytes() []byte {
	b := make([]byte, 64)
	copy(b[0:4], "RIFF")
	copy(b[8:12], "WAVE")
	return b
}

func TestTranscribeSendsMultipartUpload(t *testing.T) {
	var gotPath, gotAuth, gotModel, gotLang, gotFile string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		gotModel = r.FormValue("model")
		gotLang = r.FormValue("language")
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("missing file part: %v", err)
		} else {
			data, _ := io.ReadAll(f)
			gotFile = hdr.Filename
			if len(data) != 64 {
				t.Errorf("unexpected upload size %d", len(data))
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"hello world"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1"})
	text, err := c.Transcribe(context.Background(), wavBytes(), "sk-test", transcribe.Options{Language: "en"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("unexpected text %q", text)
	}
	if gotPath != "/v1/audio/transcriptions" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotModel != "whisper-1" || gotLang != "en" || gotFile != "audio.wav" {
		t.Fatalf("unexpected form model=%q language=%q file=%q", gotModel, gotLang, gotFile)
	}
}

func TestTranslateUsesTranslationEndpoint(t *testing.T) {
	var gotPath, gotLang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = r.ParseMultipartForm(1 << 20)
		gotLang = r.FormValue("language")
		_, _ = w.Write([]byte(`{"text":"good morning"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1"})
	if _, err := c.Transcribe(context.Background(), wavBytes(), "sk", transcribe.Options{Language: "de", Translate: true}); err != nil {
		t.Fatalf("translate: %v", err)
	}
	if gotPath != "/v1/audio/translations" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotLang != "" {
		t.Fatalf("translation should not send a language, got %q", gotLang)
	}
}

func TestTranscribeMapsHTTPFailures(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   transcribe.Kind
	}{
		{http.StatusUnauthorized, `{"error":{"message":"bad key","type":"invalid_request_error"}}`, transcribe.KindInvalidCredential},
		{http.StatusForbidden, `forbidden`, transcribe.KindInvalidCredential},
		{http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit"}}`, transcribe.KindRateLimited},
		{http.StatusBadGateway, `upstream`, transcribe.KindServerError},
		{http.StatusRequestEntityTooLarge, `too big`, transcribe.KindAudioTooLarge},
		{http.StatusBadRequest, `{"error":{"message":"nope","type":"invalid_request_error"}}`, transcribe.KindRequestRejected},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := New(Config{BaseURL: srv.URL + "/v1"})
			_, err := c.Transcribe(context.Background(), wavBytes(), "sk", transcribe.Options{})
			var te *transcribe.Error
			if !errors.As(err, &te) {
				t.Fatalf("expected transcribe.Error, got %v", err)
			}
			if te.Kind != tc.want || te.StatusCode != tc.status {
				t.Fatalf("expected %s/%d, got %s/%d", tc.want, tc.status, te.Kind, te.StatusCode)
			}
		})
	}
}

func TestTranscribeMalformedResponse(t *testing.T) {
	for name, body := range map[string]string{
		"truncated":       `{"text": `,
		"missing text":    `{"transcript":"hi"}`,
		"text not string": `{"text": 42}`,
		"not an object":   `["hi"]`,
		"empty":           ``,
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			c := New(Config{BaseURL: srv.URL + "/v1"})
			text, err := c.Transcribe(context.Background(), wavBytes(), "sk", transcribe.Options{})
			if !errors.Is(err, transcribe.ErrMalformedResponse) {
				t.Fatalf("expected malformed response, got text=%q err=%v", text, err)
			}
			if transcribe.EngineOf(err) != domain.EngineCloud {
				t.Fatalf("error should name the cloud engine: %v", err)
			}
		})
	}
}

func TestTranscribeAcceptsOpaqueAudio(t *testing.T) {
	calls := 0
	var gotFile string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if _, hdr, err := r.FormFile("file"); err == nil {
			gotFile = hdr.Filename
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"hello world"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1"})
	text, err := c.Transcribe(context.Background(), []byte("X"), "sk", transcribe.Options{})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "hello world" || calls != 1 || gotFile != "audio.wav" {
		t.Fatalf("text=%q calls=%d file=%q", text, calls, gotFile)
	}
}

func TestTranscribeUnsupportedMediaType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		_, _ = w.Write([]byte(`unsupported`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1"})
	_, err := c.Transcribe(context.Background(), []byte("X"), "sk", transcribe.Options{})
	if !errors.Is(err, transcribe.ErrUnsupportedAudio) {
		t.Fatalf("expected unsupported audio, got %v", err)
	}
}

func TestTranscribeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(Config{BaseURL: srv.URL + "/v1", Timeout: 50 * time.Millisecond})
	_, err := c.Transcribe(context.Background(), wavBytes(), "sk", transcribe.Options{})
	if !errors.Is(err, transcribe.ErrConnectionTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestTranscribeNetworkUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(Config{BaseURL: url + "/v1"})
	_, err := c.Transcribe(context.Background(), wavBytes(), "sk", transcribe.Options{})
	if !errors.Is(err, transcribe.ErrNetworkUnavailable) {
		t.Fatalf("expected network unavailable, got %v", err)
	}
}

func TestTranscribeValidatesBeforeNetwork(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1"})
	if _, err := c.Transcribe(context.Background(), nil, "sk", transcribe.Options{}); !errors.Is(err, transcribe.ErrEmptyAudio) {
		t.Fatalf("expected empty audio, got %v", err)
	}
	if _, err := c.Transcribe(context.Background(), wavBytes(), " ", transcribe.Options{}); !errors.Is(err, transcribe.ErrMissingCredential) {
		t.Fatalf("expected missing credential, got %v", err)
	}
	if called {
		t.Fatal("no request should reach the server")
	}
}
