// Package dictation drives the recording lifecycle: capture, transcription,
// optional proofreading, delivery and the bounded retry of failed local
// transcriptions.
package dictation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-dictate/internal/domain"
	"github.com/loqalabs/loqa-dictate/internal/ports"
	"github.com/loqalabs/loqa-dictate/internal/profile"
	"github.com/loqalabs/loqa-dictate/internal/router"
	"github.com/loqalabs/loqa-dictate/internal/transcribe"
)

var (
	ErrRetryUnavailable = errors.New("no retryable transcription")
	ErrClosed           = errors.New("dictation machine closed")
)

// TransitionError is returned when an action is not valid in the current
// state. The state is left unchanged.
type TransitionError struct {
	Action string
	From   domain.StateKind
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s while %s", e.Action, e.From)
}

// PermissionError reports a hard permission that blocks recording.
type PermissionError struct {
	Permission domain.Permission
	Status     domain.PermissionStatus
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s permission %s", e.Permission, e.Status)
}

// CaptureError wraps a failure to start or finalize audio capture.
type CaptureError struct {
	Code domain.ErrorCode
	Err  error
}

func (e *CaptureError) Error() string {
	if e.Code == domain.ErrorCodeAudioStart {
		return "start audio capture: " + e.Err.Error()
	}
	return "stop audio capture: " + e.Err.Error()
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Transcriber is satisfied by router.Router.
type Transcriber interface {
	Transcribe(ctx context.Context, req router.Request) (router.Result, error)
}

// ProfileSource is satisfied by profile.Store.
type ProfileSource interface {
	Active(ctx context.Context) (domain.Profile, error)
}

type Options struct {
	SuccessReset       time.Duration
	ErrorReset         time.Duration
	MaxRetries         int
	Proofreading       bool
	Paste              bool
	TranslateToEnglish bool
	Audio              ports.AudioConfig
}

func (o Options) normalized() Options {
	if o.SuccessReset <= 0 {
		o.SuccessReset = 2 * time.Second
	}
	if o.ErrorReset <= 0 {
		o.ErrorReset = 3 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	return o
}

type Deps struct {
	Transcriber Transcriber
	Profiles    ProfileSource
	Audio       ports.AudioCapture
	Permissions ports.Permissions
	Clipboard   ports.Clipboard
	Paster      ports.Paster
	// Proofreader may be nil when proofreading is never enabled.
	Proofreader ports.Proofreader
	Events      ports.EventSink
}

// attempt is the audio retained for retry plus the profile it last ran with.
type attempt struct {
	audio     []byte
	profileID string
}

// Machine owns the RecordingState. All transitions happen under mu and are
// emitted to the event sink in order; each one bumps the generation so a
// stale auto-reset timer can tell it lost the race.
type Machine struct {
	deps   Deps
	logger *slog.Logger
	clock  func() time.Time
	after  func(time.Duration, func()) func() bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	transitions metric.Int64Counter

	// opMu serializes user actions; mu guards the fields below it.
	opMu sync.Mutex

	mu         sync.Mutex
	opts       Options
	state      domain.RecordingState
	generation uint64
	recording  ports.Recording
	lastText   string
	retry      *attempt
	attempts   int
	stopTimer  func() bool
	closed     bool
}

func New(parent context.Context, deps Deps, opts Options, logger *slog.Logger) *Machine {
	ctx, cancel := context.WithCancel(parent)
	m := &Machine{
		deps:   deps,
		logger: logger.With(slog.String("component", "dictation")),
		clock:  time.Now,
		after: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		ctx:    ctx,
		cancel: cancel,
		opts:   opts.normalized(),
		state:  domain.RecordingState{Kind: domain.StateIdle},
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-dictate/dictation").Int64Counter(
		"dictation.state_transitions", metric.WithDescription("Recording state transitions"))
	if err != nil {
		m.logger.Warn("failed to create transition counter", slogError(err))
	}
	m.transitions = counter
	return m
}

// SetOptions replaces the live options; in-flight work keeps the values it
// already read.
func (m *Machine) SetOptions(opts Options) {
	m.mu.Lock()
	m.opts = opts.normalized()
	m.mu.Unlock()
}

// State returns the current state value.
func (m *Machine) State() domain.RecordingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a snapshot for presentation.
func (m *Machine) Status() domain.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Machine) statusLocked() domain.Status {
	st := domain.Status{
		State:          m.state.Kind,
		StartedAt:      m.state.StartedAt,
		Text:           m.lastText,
		RetryAvailable: m.retryAvailableLocked(),
		RetryAttempts:  m.attempts,
		Generation:     m.generation,
	}
	if m.state.Cause != nil {
		st.Error = transcribe.UserMessage(m.state.Cause)
		st.ErrorKind = errorKind(m.state.Cause)
	}
	return st
}

func (m *Machine) retryAvailableLocked() bool {
	return m.retry != nil && m.attempts < m.opts.MaxRetries && !m.state.Busy()
}

// StartRecording begins capture. It is valid from idle and from the
// display-only success and error states.
func (m *Machine) StartRecording(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state.Busy() {
		from := m.state.Kind
		m.mu.Unlock()
		return &TransitionError{Action: "start recording", From: from}
	}
	opts := m.opts
	m.mu.Unlock()

	if err := m.requireMicrophone(ctx); err != nil {
		return err
	}
	m.checkPasteAutomation(ctx)

	rec, err := m.deps.Audio.Start(m.ctx, opts.Audio)
	if err != nil {
		m.logger.Error("audio capture failed to start", slogError(err))
		m.deps.Events.Notice(domain.ErrorCodeAudioStart, err.Error())
		m.mu.Lock()
		m.failLocked(&CaptureError{Code: domain.ErrorCodeAudioStart, Err: err})
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		_ = rec.Abort()
		return ErrClosed
	}
	m.recording = rec
	m.transitionLocked(domain.RecordingState{Kind: domain.StateRecording, StartedAt: m.clock().UTC()})
	m.logger.Info("recording started")
	return nil
}

func (m *Machine) requireMicrophone(ctx context.Context) error {
	status, err := m.deps.Permissions.Check(ctx, domain.PermissionMicrophone)
	if err != nil {
		m.logger.Warn("microphone permission check failed", slogError(err))
		status = domain.PermissionDenied
	}
	if status == domain.PermissionNotDetermined {
		status, err = m.deps.Permissions.RequestMicrophone(ctx)
		if err != nil {
			m.logger.Warn("microphone permission request failed", slogError(err))
			status = domain.PermissionDenied
		}
	}
	if status != domain.PermissionGranted {
		perr := &PermissionError{Permission: domain.PermissionMicrophone, Status: status}
		m.logger.Warn("recording blocked", slogError(perr))
		m.deps.Events.Notice(domain.ErrorCodePermission, "Microphone access is required to record.")
		return perr
	}
	return nil
}

func (m *Machine) checkPasteAutomation(ctx context.Context) {
	status, err := m.deps.Permissions.Check(ctx, domain.PermissionPasteAutomation)
	if err == nil && status == domain.PermissionGranted {
		return
	}
	m.logger.Info("paste automation unavailable, delivering to clipboard only", slog.String("status", string(status)))
	m.deps.Events.Notice(domain.ErrorCodePaste, "Paste automation is not permitted; text will be copied to the clipboard.")
}

// StopRecording finalizes the audio buffer and starts transcription in the
// background. It is valid only while recording.
func (m *Machine) StopRecording(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.state.Kind != domain.StateRecording {
		from := m.state.Kind
		m.mu.Unlock()
		return &TransitionError{Action: "stop recording", From: from}
	}
	rec := m.recording
	m.recording = nil
	m.mu.Unlock()

	audio, err := rec.Stop(ctx)
	if err != nil {
		m.logger.Error("audio capture failed to stop", slogError(err))
		m.deps.Events.Notice(domain.ErrorCodeAudioStop, err.Error())
		m.mu.Lock()
		m.failLocked(&CaptureError{Code: domain.ErrorCodeAudioStop, Err: err})
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.transitionLocked(domain.RecordingState{Kind: domain.StateProcessing})
	m.launchLocked(&attempt{audio: audio}, false)
	return nil
}

// Toggle stops an active recording or starts a new one.
func (m *Machine) Toggle(ctx context.Context) error {
	if m.State().Kind == domain.StateRecording {
		return m.StopRecording(ctx)
	}
	return m.StartRecording(ctx)
}

// RetryTranscription re-runs the retained audio against the current active
// profile. When nothing is retained or the attempt limit is reached it
// returns ErrRetryUnavailable and changes nothing.
func (m *Machine) RetryTranscription(_ context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.state.Busy() {
		return &TransitionError{Action: "retry", From: m.state.Kind}
	}
	if !m.retryAvailableLocked() {
		return ErrRetryUnavailable
	}
	m.attempts++
	m.logger.Info("retrying transcription", slog.Int("attempt", m.attempts), slog.Int("max", m.opts.MaxRetries))
	m.transitionLocked(domain.RecordingState{Kind: domain.StateProcessing})
	m.launchLocked(m.retry, true)
	return nil
}

// ProfilesChanged drops the retained attempt when the active profile is no
// longer the one it ran with. Edits to the same profile keep it so a retry
// picks up the new settings.
func (m *Machine) ProfilesChanged(ctx context.Context) {
	id := ""
	p, err := m.deps.Profiles.Active(ctx)
	switch {
	case err == nil:
		id = p.ID
	case errors.Is(err, profile.ErrNoActiveProfile):
	default:
		m.logger.Warn("could not read active profile after change", slogError(err))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retry != nil && m.retry.profileID != id {
		m.logger.Info("active profile switched, discarding retry buffer",
			slog.String("previous", m.retry.profileID), slog.String("current", id))
		m.clearRetryLocked()
	}
}

// OpenPermissionSettings opens the OS settings pane for p.
func (m *Machine) OpenPermissionSettings(ctx context.Context, p domain.Permission) error {
	return m.deps.Permissions.OpenSettings(ctx, p)
}

// Close abandons in-flight work, aborts any recording and waits for
// background goroutines.
func (m *Machine) Close() {
	m.cancel()
	m.mu.Lock()
	m.closed = true
	if m.stopTimer != nil {
		m.stopTimer()
		m.stopTimer = nil
	}
	rec := m.recording
	m.recording = nil
	m.mu.Unlock()
	if rec != nil {
		if err := rec.Abort(); err != nil {
			m.logger.Warn("abort recording on close failed", slogError(err))
		}
	}
	m.wg.Wait()
}

func (m *Machine) launchLocked(att *attempt, isRetry bool) {
	opts := m.opts
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(att, isRetry, opts)
	}()
}

func (m *Machine) run(att *attempt, isRetry bool, opts Options) {
	ctx := m.ctx
	active, profileErr := m.resolveProfile(ctx)
	profileID := ""
	if active != nil {
		profileID = active.ID
	}

	res, err := m.deps.Transcriber.Transcribe(ctx, router.Request{
		Audio:      att.audio,
		Profile:    active,
		ProfileErr: profileErr,
		Translate:  opts.TranslateToEnglish,
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.mu.Lock()
		m.handleFailureLocked(att, profileID, isRetry, err)
		m.mu.Unlock()
		return
	}

	text := res.Text
	if opts.Proofreading && m.deps.Proofreader != nil {
		text = m.proofread(ctx, text, active)
		if ctx.Err() != nil {
			return
		}
	}

	copied, pasted := m.deliver(ctx, text, opts)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.clearRetryLocked()
	m.lastText = text
	m.transitionLocked(domain.RecordingState{Kind: domain.StateSuccess})
	m.scheduleResetLocked(opts.SuccessReset)
	m.mu.Unlock()
	m.deps.Events.TranscriptDelivered(text, copied, pasted)
}

func (m *Machine) resolveProfile(ctx context.Context) (*domain.Profile, error) {
	p, err := m.deps.Profiles.Active(ctx)
	switch {
	case err == nil:
		return &p, nil
	case errors.Is(err, profile.ErrNoActiveProfile):
		return nil, nil
	default:
		m.logger.Error("active profile unreadable", slogError(err))
		return nil, err
	}
}

func (m *Machine) proofread(ctx context.Context, text string, active *domain.Profile) string {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return text
	}
	m.transitionLocked(domain.RecordingState{Kind: domain.StateProofreading})
	m.mu.Unlock()

	req := ports.ProofreadRequest{Text: text}
	if active != nil {
		req.Language = active.Language
		req.ProfileID = active.ID
	}
	corrected, err := m.deps.Proofreader.Proofread(ctx, req)
	if err != nil {
		m.logger.Warn("proofreading failed, keeping original text", slogError(err))
		m.deps.Events.Notice(domain.ErrorCodeProofreading, err.Error())
		return text
	}
	if strings.TrimSpace(corrected) == "" {
		return text
	}
	return corrected
}

// deliver copies the text and, when allowed, pastes it. Failures are
// logged and never change the outcome.
func (m *Machine) deliver(ctx context.Context, text string, opts Options) (copied, pasted bool) {
	if err := m.deps.Clipboard.CopyText(ctx, text); err != nil {
		m.logger.Warn("clipboard copy failed", slogError(err))
		m.deps.Events.Notice(domain.ErrorCodeClipboard, err.Error())
	} else {
		copied = true
	}

	if !opts.Paste || m.deps.Paster == nil {
		return copied, false
	}
	status, err := m.deps.Permissions.Check(ctx, domain.PermissionPasteAutomation)
	if err != nil || status != domain.PermissionGranted {
		return copied, false
	}
	accepts, err := m.deps.Paster.FocusedAppAcceptsText(ctx)
	if err != nil {
		m.logger.Debug("focus probe failed, skipping paste", slogError(err))
		return copied, false
	}
	if !accepts {
		m.logger.Debug("focused app does not accept text, skipping paste")
		return copied, false
	}
	if err := m.deps.Paster.SimulatePaste(ctx, text); err != nil {
		m.logger.Debug("paste failed", slogError(err))
		return copied, false
	}
	return copied, true
}

func (m *Machine) handleFailureLocked(att *attempt, profileID string, isRetry bool, err error) {
	if m.closed {
		return
	}
	if transcribe.EngineOf(err) == domain.EngineLocal {
		att.profileID = profileID
		if !isRetry {
			m.retry = att
			m.attempts = 0
		} else if m.attempts >= m.opts.MaxRetries {
			m.logger.Info("retry limit reached, discarding audio", slog.Int("attempts", m.attempts))
			m.clearRetryLocked()
		}
	} else {
		m.clearRetryLocked()
	}
	m.failLocked(err)
}

func (m *Machine) failLocked(err error) {
	if m.closed {
		return
	}
	m.transitionLocked(domain.RecordingState{Kind: domain.StateError, Cause: err})
	m.scheduleResetLocked(m.opts.ErrorReset)
}

func (m *Machine) clearRetryLocked() {
	m.retry = nil
	m.attempts = 0
}

func (m *Machine) transitionLocked(next domain.RecordingState) {
	if m.stopTimer != nil {
		m.stopTimer()
		m.stopTimer = nil
	}
	m.generation++
	m.state = next
	if next.Kind != domain.StateError && next.Kind != domain.StateSuccess && next.Kind != domain.StateIdle {
		m.lastText = ""
	}
	if m.transitions != nil {
		m.transitions.Add(m.ctx, 1, metric.WithAttributes(attribute.String("state", string(next.Kind))))
	}
	m.logger.Debug("state changed", slog.String("state", string(next.Kind)), slog.Uint64("generation", m.generation))
	m.deps.Events.StateChanged(m.statusLocked())
}

// scheduleResetLocked returns to idle after d unless another transition
// happens first.
func (m *Machine) scheduleResetLocked(d time.Duration) {
	gen := m.generation
	m.stopTimer = m.after(d, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed || m.generation != gen {
			return
		}
		m.transitionLocked(domain.RecordingState{Kind: domain.StateIdle})
	})
}

func errorKind(err error) string {
	if k := transcribe.KindOf(err); k != "" {
		return string(k)
	}
	var cerr *CaptureError
	if errors.As(err, &cerr) {
		return string(cerr.Code)
	}
	return string(domain.ErrorCodeTranscription)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
