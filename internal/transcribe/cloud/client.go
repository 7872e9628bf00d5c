// Package cloud uploads recordings to an OpenAI-compatible transcription API.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loqalabs/loqa-dictate/internal/domain"
	"github.com/loqalabs/loqa-dictate/internal/transcribe"
)

const DefaultBaseURL = "https://api.openai.com/v1"

type Config struct {
	BaseURL       string
	Model         string
	Timeout       time.Duration
	MaxAudioBytes int
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client is safe for concurrent use. A go-openai client is built per call
// because the credential differs between profiles.
type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = openai.Whisper1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxAudioBytes <= 0 {
		cfg.MaxAudioBytes = transcribe.DefaultMaxAudioBytes
	}
	httpClient := &http.Client{}
	if cfg.HTTPClient != nil {
		copied := *cfg.HTTPClient
		httpClient = &copied
	}
	next := httpClient.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	httpClient.Transport = textFieldCheck{next: next}
	return &Client{cfg: cfg, http: httpClient}
}

// maxResponseBytes bounds how much of a success body is buffered.
const maxResponseBytes = 4 << 20

// textFieldCheck fails 200 replies whose body is not an object with a
// string "text" field. go-openai would otherwise decode them into an empty
// transcript.
type textFieldCheck struct {
	next http.RoundTripper
}

func (t textFieldCheck) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		return resp, err
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	if err := checkTextField(raw); err != nil {
		return nil, &transcribe.Error{Kind: transcribe.KindMalformedResponse, Engine: domain.EngineCloud, StatusCode: http.StatusOK, Err: err}
	}
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	resp.ContentLength = int64(len(raw))
	return resp, nil
}

func checkTextField(raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return errors.New("empty response body")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	field, ok := fields["text"]
	if !ok {
		return errors.New("response has no text field")
	}
	var text string
	if err := json.Unmarshal(field, &text); err != nil {
		return errors.New("text field is not a string")
	}
	return nil
}

// Transcribe uploads audio and returns the raw transcript. With
// opts.Translate set it calls the translation endpoint and lets the API
// detect the source language.
func (c *Client) Transcribe(ctx context.Context, audio []byte, credential string, opts transcribe.Options) (string, error) {
	if err := transcribe.ValidateAudio(audio, c.cfg.MaxAudioBytes); err != nil {
		return "", err
	}
	if strings.TrimSpace(credential) == "" {
		return "", &transcribe.Error{Kind: transcribe.KindMissingCredential, Engine: domain.EngineCloud}
	}

	oc := openai.DefaultConfig(credential)
	oc.BaseURL = c.cfg.BaseURL
	oc.HTTPClient = c.http
	client := openai.NewClientWithConfig(oc)

	model := c.cfg.Model
	if opts.Model != "" {
		model = opts.Model
	}
	req := openai.AudioRequest{
		Model:    model,
		Reader:   bytes.NewReader(audio),
		FilePath: transcribe.Filename(audio),
		Format:   openai.AudioResponseFormatJSON,
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var (
		resp openai.AudioResponse
		err  error
	)
	if opts.Translate {
		resp, err = client.CreateTranslation(ctx, req)
	} else {
		req.Language = transcribe.NormalizeLanguage(opts.Language)
		resp, err = client.CreateTranscription(ctx, req)
	}
	if err != nil {
		return "", classify(err)
	}
	return resp.Text, nil
}

func classify(err error) *transcribe.Error {
	var checked *transcribe.Error
	if errors.As(err, &checked) {
		return checked
	}
	e := &transcribe.Error{Engine: domain.EngineCloud, Err: err}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status != 0 {
		e.StatusCode = status
		e.Kind = kindForStatus(status)
		return e
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var netErr net.Error
	switch {
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		e.Kind = transcribe.KindMalformedResponse
	case errors.Is(err, context.DeadlineExceeded):
		e.Kind = transcribe.KindConnectionTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		e.Kind = transcribe.KindConnectionTimeout
	default:
		e.Kind = transcribe.KindNetworkUnavailable
	}
	return e
}

func kindForStatus(status int) transcribe.Kind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return transcribe.KindInvalidCredential
	case status == http.StatusTooManyRequests:
		return transcribe.KindRateLimited
	case status == http.StatusRequestEntityTooLarge:
		return transcribe.KindAudioTooLarge
	case status == http.StatusUnsupportedMediaType:
		return transcribe.KindUnsupportedAudio
	case status >= 500:
		return transcribe.KindServerError
	default:
		return transcribe.KindRequestRejected
	}
}
