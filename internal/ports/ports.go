// Package ports declares the OS-facing collaborators of the dictation
// state machine.
package ports

import (
	"context"

	"github.com/loqalabs/loqa-dictate/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate int
	Channels   int
}

// Recording is a live capture session.
type Recording interface {
	// Stop ends capture and returns the encoded audio buffer.
	Stop(ctx context.Context) ([]byte, error)
	// Abort ends capture and discards the audio.
	Abort() error
}

// AudioCapture starts microphone recordings.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (Recording, error)
}

// Permissions queries and requests OS authorization.
type Permissions interface {
	Check(ctx context.Context, p domain.Permission) (domain.PermissionStatus, error)
	// RequestMicrophone prompts once; it is a no-op when already determined.
	RequestMicrophone(ctx context.Context) (domain.PermissionStatus, error)
	OpenSettings(ctx context.Context, p domain.Permission) error
}

// Clipboard writes text into the system clipboard.
type Clipboard interface {
	CopyText(ctx context.Context, text string) error
}

// Paster synthesizes a paste into the focused application. SimulatePaste
// must only be called when the paste automation permission is granted.
type Paster interface {
	FocusedAppAcceptsText(ctx context.Context) (bool, error)
	SimulatePaste(ctx context.Context, text string) error
}

// ProofreadRequest is one correction pass over a transcript.
type ProofreadRequest struct {
	Text      string
	Language  string
	ProfileID string
}

// Proofreader runs the optional correction pass.
type Proofreader interface {
	Proofread(ctx context.Context, req ProofreadRequest) (string, error)
}

// EventSink receives state machine output. Implementations must not call
// back into the state machine.
type EventSink interface {
	StateChanged(status domain.Status)
	TranscriptDelivered(text string, copied bool, pasted bool)
	Notice(code domain.ErrorCode, detail string)
}
