// Package events distributes state machine output to the log, in-process
// subscribers and the NATS bus.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/domain"
	"github.com/loqalabs/loqa-dictate/internal/ports"
	"github.com/rs/xid"
)

// Fanout forwards every event to each sink in registration order.
type Fanout struct {
	mu    sync.RWMutex
	sinks []ports.EventSink
}

func NewFanout(sinks ...ports.EventSink) *Fanout {
	return &Fanout{sinks: sinks}
}

func (f *Fanout) Add(sink ports.EventSink) {
	f.mu.Lock()
	f.sinks = append(f.sinks, sink)
	f.mu.Unlock()
}

func (f *Fanout) snapshot() []ports.EventSink {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]ports.EventSink(nil), f.sinks...)
}

func (f *Fanout) StateChanged(status domain.Status) {
	for _, s := range f.snapshot() {
		s.StateChanged(status)
	}
}

func (f *Fanout) TranscriptDelivered(text string, copied, pasted bool) {
	for _, s := range f.snapshot() {
		s.TranscriptDelivered(text, copied, pasted)
	}
}

func (f *Fanout) Notice(code domain.ErrorCode, detail string) {
	for _, s := range f.snapshot() {
		s.Notice(code, detail)
	}
}

// LogSink writes events to a structured logger. Transcript text is never
// logged, only its length.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With(slog.String("component", "events"))}
}

func (l *LogSink) StateChanged(status domain.Status) {
	attrs := []any{slog.String("state", string(status.State)), slog.Uint64("generation", status.Generation)}
	if status.State == domain.StateError {
		attrs = append(attrs, slog.String("error_kind", status.ErrorKind), slog.Bool("retry_available", status.RetryAvailable))
	}
	l.logger.Info("state changed", attrs...)
}

func (l *LogSink) TranscriptDelivered(text string, copied, pasted bool) {
	l.logger.Info("transcript delivered",
		slog.Int("chars", len(text)),
		slog.Bool("copied", copied),
		slog.Bool("pasted", pasted))
}

func (l *LogSink) Notice(code domain.ErrorCode, detail string) {
	l.logger.Warn("dictation notice", slog.String("code", string(code)), slog.String("detail", detail))
}

// Event is what Broadcaster subscribers receive. Exactly one of Status,
// Transcript or Notice is set.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Status     *domain.Status `json:"status,omitempty"`
	Transcript *Transcript    `json:"transcript,omitempty"`
	Notice     *Notice        `json:"notice,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

type Transcript struct {
	Text   string `json:"text"`
	Copied bool   `json:"copied"`
	Pasted bool   `json:"pasted"`
}

type Notice struct {
	Code   domain.ErrorCode `json:"code"`
	Detail string           `json:"detail,omitempty"`
}

const (
	TypeState      = "state"
	TypeTranscript = "transcript"
	TypeNotice     = "notice"
)

// Broadcaster keeps an explicit subscriber map for in-process listeners
// such as the control API event stream. Slow subscribers drop events
// rather than block the state machine.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]chan Event
	buffer int
	now    func() time.Time
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broadcaster{subs: make(map[string]chan Event), buffer: buffer, now: time.Now}
}

// Subscribe registers a listener; the returned cancel func unregisters it
// and closes the channel.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	id := xid.New().String()
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) publish(ev Event) {
	ev.ID = xid.New().String()
	ev.Timestamp = b.now().UTC()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *Broadcaster) StateChanged(status domain.Status) {
	b.publish(Event{Type: TypeState, Status: &status})
}

func (b *Broadcaster) TranscriptDelivered(text string, copied, pasted bool) {
	b.publish(Event{Type: TypeTranscript, Transcript: &Transcript{Text: text, Copied: copied, Pasted: pasted}})
}

func (b *Broadcaster) Notice(code domain.ErrorCode, detail string) {
	b.publish(Event{Type: TypeNotice, Notice: &Notice{Code: code, Detail: detail}})
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
