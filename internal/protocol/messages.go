package protocol

import (
	"time"

	"github.com/loqalabs/loqa-dictate/internal/domain"
)

// StateEvent is published on every recording state transition.
type StateEvent struct {
	ID        string        `json:"id"`
	Status    domain.Status `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
}

// TranscriptEvent is published after a transcript was delivered. It carries
// the character count only; the text stays in-process.
type TranscriptEvent struct {
	ID        string    `json:"id"`
	Chars     int       `json:"chars"`
	Copied    bool      `json:"copied"`
	Pasted    bool      `json:"pasted"`
	Timestamp time.Time `json:"timestamp"`
}

// NoticeEvent reports a non-fatal problem (paste skipped, proofreading
// fallback, missing permission).
type NoticeEvent struct {
	ID        string           `json:"id"`
	Code      domain.ErrorCode `json:"code"`
	Detail    string           `json:"detail,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// ProfilesChanged tells other processes to re-read the profile store.
type ProfilesChanged struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// Command actions accepted on SubjectCommand.
const (
	ActionStart  = "start"
	ActionStop   = "stop"
	ActionToggle = "toggle"
	ActionRetry  = "retry"
	// ActionStatus changes nothing and replies with the current status.
	ActionStatus = "status"
)

// Command is a request/reply message driving the recorder.
type Command struct {
	Action string `json:"action"`
}

type CommandReply struct {
	OK     bool          `json:"ok"`
	Error  string        `json:"error,omitempty"`
	Status domain.Status `json:"status"`
}

const (
	SubjectState           = "dictation.state"
	SubjectTranscript      = "dictation.transcript"
	SubjectNotice          = "dictation.notice"
	SubjectProfilesChanged = "dictation.profiles.changed"
	SubjectCommand         = "dictation.command"
)
