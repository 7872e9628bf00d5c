package dictation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/domain"
	"github.com/loqalabs/loqa-dictate/internal/ports"
	"github.com/loqalabs/loqa-dictate/internal/profile"
	"github.com/loqalabs/loqa-dictate/internal/router"
)

var testAudio = func() []byte {
	b := make([]byte, 64)
	copy(b[0:4], "RIFF")
	copy(b[8:12], "WAVE")
	return b
}()

type transcribeResult struct {
	text string
	err  error
}

type fakeTranscriber struct {
	mu       sync.Mutex
	results  []transcribeResult
	fallback transcribeResult
	requests []router.Request
	block    bool
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, req router.Request) (router.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	res := f.fallback
	if len(f.results) > 0 {
		res = f.results[0]
		f.results = f.results[1:]
	}
	block := f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return router.Result{}, ctx.Err()
	}
	if res.err != nil {
		return router.Result{}, res.err
	}
	return router.Result{Text: res.text}, nil
}

func (f *fakeTranscriber) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeTranscriber) lastRequest() router.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type fakeProfiles struct {
	mu     sync.Mutex
	active *domain.Profile
	err    error
}

func (f *fakeProfiles) Active(context.Context) (domain.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Profile{}, f.err
	}
	if f.active == nil {
		return domain.Profile{}, profile.ErrNoActiveProfile
	}
	return *f.active, nil
}

func (f *fakeProfiles) set(p *domain.Profile) {
	f.mu.Lock()
	f.active = p
	f.mu.Unlock()
}

type fakeRecording struct {
	audio   []byte
	stopErr error
	aborted bool
}

func (r *fakeRecording) Stop(context.Context) ([]byte, error) {
	if r.stopErr != nil {
		return nil, r.stopErr
	}
	return r.audio, nil
}

func (r *fakeRecording) Abort() error {
	r.aborted = true
	return nil
}

type fakeAudio struct {
	mu       sync.Mutex
	starts   int
	startErr error
	stopErr  error
	last     *fakeRecording
}

func (f *fakeAudio) Start(context.Context, ports.AudioConfig) (ports.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.last = &fakeRecording{audio: testAudio, stopErr: f.stopErr}
	return f.last, nil
}

type fakePermissions struct {
	mu       sync.Mutex
	statuses map[domain.Permission]domain.PermissionStatus
	request  domain.PermissionStatus
	requests int
	opened   []domain.Permission
}

func grantedPermissions() *fakePermissions {
	return &fakePermissions{statuses: map[domain.Permission]domain.PermissionStatus{
		domain.PermissionMicrophone:      domain.PermissionGranted,
		domain.PermissionPasteAutomation: domain.PermissionGranted,
	}}
}

func (f *fakePermissions) Check(_ context.Context, p domain.Permission) (domain.PermissionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[p], nil
}

func (f *fakePermissions) RequestMicrophone(context.Context) (domain.PermissionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	f.statuses[domain.PermissionMicrophone] = f.request
	return f.request, nil
}

func (f *fakePermissions) OpenSettings(_ context.Context, p domain.Permission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, p)
	return nil
}

type fakeClipboard struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (f *fakeClipboard) CopyText(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.texts = append(f.texts, text)
	return nil
}

type fakePaster struct {
	mu      sync.Mutex
	accepts bool
	pasted  []string
}

func (f *fakePaster) FocusedAppAcceptsText(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepts, nil
}

func (f *fakePaster) SimulatePaste(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pasted = append(f.pasted, text)
	return nil
}

type fakeProofreader struct {
	text string
	err  error
}

func (f *fakeProofreader) Proofread(context.Context, ports.ProofreadRequest) (string, error) {
	return f.text, f.err
}

type delivery struct {
	text           string
	copied, pasted bool
}

type fakeEventSink struct {
	mu        sync.Mutex
	states    []domain.Status
	delivered []delivery
	notices   []domain.ErrorCode
}

func (f *fakeEventSink) StateChanged(status domain.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, status)
}

func (f *fakeEventSink) TranscriptDelivered(text string, copied, pasted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, delivery{text: text, copied: copied, pasted: pasted})
}

func (f *fakeEventSink) Notice(code domain.ErrorCode, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, code)
}

func (f *fakeEventSink) snapshotKinds() []domain.StateKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.StateKind, len(f.states))
	for i, s := range f.states {
		out[i] = s.State
	}
	return out
}

func (f *fakeEventSink) snapshotDelivered() []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery(nil), f.delivered...)
}

func (f *fakeEventSink) hasNotice(code domain.ErrorCode) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.notices {
		if c == code {
			return true
		}
	}
	return false
}

// manualTimers captures auto-reset callbacks so tests decide when they fire.
type manualTimers struct {
	mu        sync.Mutex
	callbacks []func()
	delays    []time.Duration
}

func (m *manualTimers) after(d time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, f)
	m.delays = append(m.delays, d)
	return func() bool { return true }
}

func (m *manualTimers) latest(t *testing.T) (func(), time.Duration) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.callbacks) == 0 {
		t.Fatal("no reset timer scheduled")
	}
	i := len(m.callbacks) - 1
	return m.callbacks[i], m.delays[i]
}

type harness struct {
	machine     *Machine
	transcriber *fakeTranscriber
	profiles    *fakeProfiles
	audio       *fakeAudio
	perms       *fakePermissions
	clipboard   *fakeClipboard
	paster      *fakePaster
	events      *fakeEventSink
	timers      *manualTimers
}

func newHarness(t *testing.T, opts Options, proofreader ports.Proofreader) *harness {
	t.Helper()
	h := &harness{
		transcriber: &fakeTranscriber{},
		profiles:    &fakeProfiles{},
		audio:       &fakeAudio{},
		perms:       grantedPermissions(),
		clipboard:   &fakeClipboard{},
		paster:      &fakePaster{accepts: true},
		events:      &fakeEventSink{},
		timers:      &manualTimers{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.machine = New(context.Background(), Deps{
		Transcriber: h.transcriber,
		Profiles:    h.profiles,
		Audio:       h.audio,
		Permissions: h.perms,
		Clipboard:   h.clipboard,
		Paster:      h.paster,
		Proofreader: proofreader,
		Events:      h.events,
	}, opts, logger)
	h.machine.after = h.timers.after
	t.Cleanup(h.machine.Close)
	return h
}

// record runs one start/stop cycle and waits for the attempt to finish.
func (h *harness) record(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := h.machine.StartRecording(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	before := h.machine.Status().Generation
	if err := h.machine.StopRecording(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	h.waitSettled(t, before)
}

// waitSettled waits until the machine leaves processing/proofreading after
// the generation observed before the attempt started.
func (h *harness) waitSettled(t *testing.T, after uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := h.machine.Status()
		if st.Generation > after && (st.State == domain.StateSuccess || st.State == domain.StateError) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("machine did not settle, state=%s", h.machine.Status().State)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errBoom = errors.New("boom")
