package domain

import "time"

// Engine selects the transcription backend for a profile.
type Engine string

const (
	EngineCloud Engine = "cloud"
	EngineLocal Engine = "local"
)

// Valid reports whether e is a known engine.
func (e Engine) Valid() bool {
	return e == EngineCloud || e == EngineLocal
}

const (
	MinLocalPort = 1024
	MaxLocalPort = 65535

	// LanguageAuto lets the backend detect the spoken language.
	LanguageAuto = "auto"
)

// Profile is a named transcription configuration.
type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Language  string    `json:"language"`
	Engine    Engine    `json:"engine"`
	Model     string    `json:"model,omitempty"`
	Port      int       `json:"port,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StateKind enumerates recording lifecycle states.
type StateKind string

const (
	StateIdle         StateKind = "idle"
	StateRecording    StateKind = "recording"
	StateProcessing   StateKind = "processing"
	StateProofreading StateKind = "proofreading"
	StateSuccess      StateKind = "success"
	StateError        StateKind = "error"
)

// RecordingState is the value observed by UI collaborators.
type RecordingState struct {
	Kind      StateKind `json:"kind"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Cause     error     `json:"-"`
}

// Busy reports whether a recording or transcription is in progress.
func (s RecordingState) Busy() bool {
	switch s.Kind {
	case StateRecording, StateProcessing, StateProofreading:
		return true
	default:
		return false
	}
}

// Permission identifies an OS capability the recorder depends on.
type Permission string

const (
	PermissionMicrophone      Permission = "microphone"
	PermissionPasteAutomation Permission = "paste_automation"
)

// PermissionStatus is the OS-reported authorization for a Permission.
type PermissionStatus string

const (
	PermissionGranted       PermissionStatus = "granted"
	PermissionDenied        PermissionStatus = "denied"
	PermissionNotDetermined PermissionStatus = "not_determined"
	PermissionRestricted    PermissionStatus = "restricted"
)

// ErrorCode identifies user-facing failures outside the transcription taxonomy.
type ErrorCode string

const (
	ErrorCodePermission    ErrorCode = "permission"
	ErrorCodeAudioStart    ErrorCode = "audio_start"
	ErrorCodeAudioStop     ErrorCode = "audio_stop"
	ErrorCodeTranscription ErrorCode = "transcription"
	ErrorCodeProofreading  ErrorCode = "proofreading"
	ErrorCodeClipboard     ErrorCode = "clipboard"
	ErrorCodePaste         ErrorCode = "paste"
)

// Status summarizes the state machine for the control API.
type Status struct {
	State          StateKind `json:"state"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	Text           string    `json:"text,omitempty"`
	Error          string    `json:"error,omitempty"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	RetryAvailable bool      `json:"retry_available"`
	RetryAttempts  int       `json:"retry_attempts"`
	Generation     uint64    `json:"generation"`
}
