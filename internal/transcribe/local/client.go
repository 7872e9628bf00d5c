// Package local talks to a transcription server on the loopback interface.
// The client builds every URL itself from a port number and its transport
// refuses to dial anything but a loopback address.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/domain"
	"github.com/loqalabs/loqa-dictate/internal/transcribe"
)

const (
	loopbackHost = "127.0.0.1"

	healthPath        = "/health"
	transcriptionPath = "/v1/audio/transcriptions"

	maxResponseBytes = 1 << 20
)

// ErrNonLoopback is returned when a connection to a non-loopback address is
// attempted.
var ErrNonLoopback = errors.New("local transcription client only connects to loopback addresses")

type Config struct {
	HealthTimeout        time.Duration
	TranscriptionTimeout time.Duration
	MaxAudioBytes        int
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 5 * time.Second
	}
	if cfg.TranscriptionTimeout <= 0 {
		cfg.TranscriptionTimeout = 60 * time.Second
	}
	if cfg.MaxAudioBytes <= 0 {
		cfg.MaxAudioBytes = transcribe.DefaultMaxAudioBytes
	}
	dialer := &net.Dialer{Timeout: cfg.HealthTimeout}
	transport := &http.Transport{
		// Environment proxies would send audio off the machine.
		Proxy: nil,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			if !IsLoopback(host) {
				return nil, ErrNonLoopback
			}
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:    4,
		IdleConnTimeout: 30 * time.Second,
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, _ []*http.Request) error {
				if !IsLoopback(req.URL.Hostname()) {
					return ErrNonLoopback
				}
				return nil
			},
		},
	}
}

// EndpointURL builds the URL for path on the loopback server at port.
func EndpointURL(port int, path string) (*url.URL, error) {
	if port < domain.MinLocalPort || port > domain.MaxLocalPort {
		return nil, fmt.Errorf("port %d out of range", port)
	}
	return &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(loopbackHost, strconv.Itoa(port)),
		Path:   path,
	}, nil
}

// IsLoopback reports whether host is localhost or a loopback IP.
func IsLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// CheckHealth returns nil when GET /health answers 200. Refused
// connections and non-200 answers are KindServerNotRunning; a hung server
// is KindConnectionTimeout.
func (c *Client) CheckHealth(ctx context.Context, port int) error {
	u, err := EndpointURL(port, healthPath)
	if err != nil {
		return &transcribe.Error{Kind: transcribe.KindServerNotRunning, Engine: domain.EngineLocal, Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return &transcribe.Error{Kind: transcribe.KindServerNotRunning, Engine: domain.EngineLocal, Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode != http.StatusOK {
		return &transcribe.Error{Kind: transcribe.KindServerNotRunning, Engine: domain.EngineLocal, StatusCode: resp.StatusCode}
	}
	return nil
}

// Transcribe posts audio as multipart form data and returns the text field
// of the JSON response.
func (c *Client) Transcribe(ctx context.Context, audio []byte, port int, opts transcribe.Options) (string, error) {
	if err := transcribe.ValidateAudio(audio, c.cfg.MaxAudioBytes); err != nil {
		return "", err
	}
	u, err := EndpointURL(port, transcriptionPath)
	if err != nil {
		return "", &transcribe.Error{Kind: transcribe.KindServerNotRunning, Engine: domain.EngineLocal, Err: err}
	}

	body, contentType, err := buildForm(audio, opts)
	if err != nil {
		return "", &transcribe.Error{Kind: transcribe.KindUnsupportedAudio, Engine: domain.EngineLocal, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.TranscriptionTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), body)
	if err != nil {
		return "", &transcribe.Error{Kind: transcribe.KindNetworkUnavailable, Engine: domain.EngineLocal, Err: err}
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", classifyTransport(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", classifyTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &transcribe.Error{
			Kind:       transcribe.KindTranscriptionFailed,
			Engine:     domain.EngineLocal,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("server said: %s", bytes.TrimSpace(raw)),
		}
	}
	return parseText(raw)
}

func buildForm(audio []byte, opts transcribe.Options) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", transcribe.Filename(audio))
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(audio); err != nil {
		return nil, "", err
	}
	if opts.Model != "" {
		_ = mw.WriteField("model", opts.Model)
	}
	if lang := transcribe.NormalizeLanguage(opts.Language); lang != "" && !opts.Translate {
		_ = mw.WriteField("language", lang)
	}
	if opts.Translate {
		_ = mw.WriteField("task", "translate")
	}
	_ = mw.WriteField("response_format", "json")
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func parseText(raw []byte) (string, error) {
	malformed := func(err error) error {
		return &transcribe.Error{Kind: transcribe.KindMalformedResponse, Engine: domain.EngineLocal, StatusCode: http.StatusOK, Err: err}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", malformed(errors.New("empty response body"))
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", malformed(err)
	}
	field, ok := fields["text"]
	if !ok {
		return "", malformed(errors.New("response has no text field"))
	}
	var text string
	if err := json.Unmarshal(field, &text); err != nil {
		return "", malformed(errors.New("text field is not a string"))
	}
	return text, nil
}

func classifyTransport(err error) error {
	e := &transcribe.Error{Engine: domain.EngineLocal, Err: err}
	var netErr net.Error
	switch {
	case errors.Is(err, ErrNonLoopback):
		e.Kind = transcribe.KindNetworkUnavailable
	case errors.Is(err, syscall.ECONNREFUSED):
		e.Kind = transcribe.KindServerNotRunning
	case errors.Is(err, context.DeadlineExceeded):
		e.Kind = transcribe.KindConnectionTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		e.Kind = transcribe.KindConnectionTimeout
	default:
		e.Kind = transcribe.KindNetworkUnavailable
	}
	return e
}
