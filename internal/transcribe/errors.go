// Package transcribe defines the result and error taxonomy shared by the
// cloud and local transcription clients.
package transcribe

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-dictate/internal/domain"
)

// Kind classifies a transcription failure.
type Kind string

const (
	// Transport
	KindNetworkUnavailable Kind = "network_unavailable"
	KindConnectionTimeout  Kind = "connection_timeout"
	KindServerNotRunning   Kind = "server_not_running"

	// Protocol
	KindInvalidCredential   Kind = "invalid_credential"
	KindMissingCredential   Kind = "missing_credential"
	KindRateLimited         Kind = "rate_limited"
	KindServerError         Kind = "server_error"
	KindRequestRejected     Kind = "request_rejected"
	KindMalformedResponse   Kind = "malformed_response"
	KindTranscriptionFailed Kind = "transcription_failed"

	// Domain
	KindEmptyAudio       Kind = "empty_audio"
	KindAudioTooLarge    Kind = "audio_too_large"
	KindUnsupportedAudio Kind = "unsupported_audio"
	KindNoSpeech         Kind = "no_speech"
)

// Error is returned by every client and the router. Engine is empty when
// the failure happened before a backend was chosen.
type Error struct {
	Kind       Kind
	Engine     domain.Engine
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Engine != "" {
		msg = string(e.Engine) + ": " + msg
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind, so callers can write
// errors.Is(err, transcribe.ErrServerNotRunning).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Engine == "" || t.Engine == e.Engine)
}

// Message is the user-facing description of the failure.
func (e *Error) Message() string {
	switch e.Kind {
	case KindNetworkUnavailable:
		return "No network connection. Check your connection and try again."
	case KindConnectionTimeout:
		return "The transcription service timed out."
	case KindServerNotRunning:
		return "The local transcription server is not running. Start it and retry."
	case KindInvalidCredential:
		return "The API key was rejected. Update it in your profile."
	case KindMissingCredential:
		return "No API key is configured for this profile."
	case KindRateLimited:
		return "Rate limit reached. Wait a moment and try again."
	case KindServerError:
		return fmt.Sprintf("The transcription service failed (HTTP %d).", e.StatusCode)
	case KindRequestRejected:
		return fmt.Sprintf("The transcription request was rejected (HTTP %d).", e.StatusCode)
	case KindMalformedResponse:
		return "The transcription service returned an unreadable response."
	case KindTranscriptionFailed:
		return fmt.Sprintf("The local server could not transcribe the audio (HTTP %d).", e.StatusCode)
	case KindEmptyAudio:
		return "No audio was recorded."
	case KindAudioTooLarge:
		return "The recording is too large to transcribe."
	case KindUnsupportedAudio:
		return "The recording format is not supported."
	case KindNoSpeech:
		return "No speech was detected."
	default:
		return "Transcription failed."
	}
}

// Sentinels for errors.Is comparisons.
var (
	ErrNetworkUnavailable  = &Error{Kind: KindNetworkUnavailable}
	ErrConnectionTimeout   = &Error{Kind: KindConnectionTimeout}
	ErrServerNotRunning    = &Error{Kind: KindServerNotRunning}
	ErrInvalidCredential   = &Error{Kind: KindInvalidCredential}
	ErrMissingCredential   = &Error{Kind: KindMissingCredential}
	ErrRateLimited         = &Error{Kind: KindRateLimited}
	ErrServerError         = &Error{Kind: KindServerError}
	ErrRequestRejected     = &Error{Kind: KindRequestRejected}
	ErrMalformedResponse   = &Error{Kind: KindMalformedResponse}
	ErrTranscriptionFailed = &Error{Kind: KindTranscriptionFailed}
	ErrEmptyAudio          = &Error{Kind: KindEmptyAudio}
	ErrAudioTooLarge       = &Error{Kind: KindAudioTooLarge}
	ErrUnsupportedAudio    = &Error{Kind: KindUnsupportedAudio}
	ErrNoSpeech            = &Error{Kind: KindNoSpeech}
)

// KindOf extracts the Kind from err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// EngineOf reports which backend produced err, or "" if none did.
func EngineOf(err error) domain.Engine {
	var te *Error
	if errors.As(err, &te) {
		return te.Engine
	}
	return ""
}

// UserMessage returns a displayable message for any error.
func UserMessage(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Message()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
