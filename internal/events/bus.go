package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/dictation"
	"github.com/loqalabs/loqa-dictate/internal/domain"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/nats-io/nats.go"
	"github.com/rs/xid"
)

// BusPublisher mirrors state machine events and profile changes onto NATS.
// Transcript text never leaves the process: state events drop it and
// deliveries carry only the character count.
type BusPublisher struct {
	bus    *bus.Client
	source string
	logger *slog.Logger
	now    func() time.Time
}

func NewBusPublisher(client *bus.Client, source string, logger *slog.Logger) *BusPublisher {
	return &BusPublisher{
		bus:    client,
		source: source,
		logger: logger.With(slog.String("component", "event-bus")),
		now:    time.Now,
	}
}

func (p *BusPublisher) publish(subject string, v any) {
	if err := p.bus.PublishJSON(subject, v); err != nil {
		p.logger.Warn("failed to publish event", slog.String("subject", subject), slogError(err))
	}
}

func (p *BusPublisher) StateChanged(status domain.Status) {
	status.Text = ""
	p.publish(protocol.SubjectState, protocol.StateEvent{
		ID: xid.New().String(), Status: status, Timestamp: p.now().UTC(),
	})
}

func (p *BusPublisher) TranscriptDelivered(text string, copied, pasted bool) {
	p.publish(protocol.SubjectTranscript, protocol.TranscriptEvent{
		ID: xid.New().String(), Chars: len(text), Copied: copied, Pasted: pasted, Timestamp: p.now().UTC(),
	})
}

func (p *BusPublisher) Notice(code domain.ErrorCode, detail string) {
	p.publish(protocol.SubjectNotice, protocol.NoticeEvent{
		ID: xid.New().String(), Code: code, Detail: detail, Timestamp: p.now().UTC(),
	})
}

// ProfilesChanged makes the publisher a profile.Observer.
func (p *BusPublisher) ProfilesChanged(context.Context) {
	if err := PublishProfilesChanged(p.bus, p.source); err != nil {
		p.logger.Warn("failed to publish profile change", slogError(err))
	}
}

// PublishProfilesChanged announces a profile store mutation made by source
// and flushes so short-lived callers (the CLI) do not lose it.
func PublishProfilesChanged(client *bus.Client, source string) error {
	msg := protocol.ProfilesChanged{ID: xid.New().String(), Source: source, Timestamp: time.Now().UTC()}
	if err := client.PublishJSON(protocol.SubjectProfilesChanged, msg); err != nil {
		return err
	}
	return client.Flush(2 * time.Second)
}

// Controller is the subset of the state machine reachable over the bus.
type Controller interface {
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) error
	Toggle(ctx context.Context) error
	RetryTranscription(ctx context.Context) error
	Status() domain.Status
}

// Listener serves recorder commands and relays profile changes published
// by other processes.
type Listener struct {
	bus        *bus.Client
	source     string
	controller Controller
	onProfiles func(context.Context)
	logger     *slog.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	subCommand  *nats.Subscription
	subProfiles *nats.Subscription
}

func NewListener(parent context.Context, client *bus.Client, source string, controller Controller, onProfiles func(context.Context), logger *slog.Logger) *Listener {
	ctx, cancel := context.WithCancel(parent)
	return &Listener{
		bus:        client,
		source:     source,
		controller: controller,
		onProfiles: onProfiles,
		logger:     logger.With(slog.String("component", "event-listener")),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (l *Listener) Start() error {
	sub, err := l.bus.Conn().Subscribe(protocol.SubjectCommand, l.handleCommand)
	if err != nil {
		return err
	}
	l.subCommand = sub

	subProfiles, err := l.bus.Conn().Subscribe(protocol.SubjectProfilesChanged, l.handleProfilesChanged)
	if err != nil {
		_ = l.subCommand.Drain()
		return err
	}
	l.subProfiles = subProfiles
	return nil
}

func (l *Listener) Close() {
	l.cancel()
	if l.subCommand != nil {
		_ = l.subCommand.Drain()
	}
	if l.subProfiles != nil {
		_ = l.subProfiles.Drain()
	}
	l.wg.Wait()
}

func (l *Listener) Healthy() bool {
	return l.subCommand != nil && l.subProfiles != nil
}

func (l *Listener) handleProfilesChanged(msg *nats.Msg) {
	var ev protocol.ProfilesChanged
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		l.logger.Warn("failed to decode profile change", slogError(err))
		return
	}
	if ev.Source == l.source || l.onProfiles == nil {
		return
	}
	l.wg.Add(1)
	defer l.wg.Done()
	l.onProfiles(l.ctx)
}

func (l *Listener) handleCommand(msg *nats.Msg) {
	var cmd protocol.Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		l.reply(msg, err)
		return
	}
	l.wg.Add(1)
	defer l.wg.Done()

	var err error
	switch cmd.Action {
	case protocol.ActionStart:
		err = l.controller.StartRecording(l.ctx)
	case protocol.ActionStop:
		err = l.controller.StopRecording(l.ctx)
	case protocol.ActionToggle:
		err = l.controller.Toggle(l.ctx)
	case protocol.ActionRetry:
		err = l.controller.RetryTranscription(l.ctx)
	case protocol.ActionStatus:
	default:
		err = errors.New("unknown action " + cmd.Action)
	}
	if err != nil {
		var te *dictation.TransitionError
		if errors.As(err, &te) || errors.Is(err, dictation.ErrRetryUnavailable) {
			l.logger.Debug("command rejected", slog.String("action", cmd.Action), slogError(err))
		} else {
			l.logger.Warn("command failed", slog.String("action", cmd.Action), slogError(err))
		}
	}
	l.reply(msg, err)
}

func (l *Listener) reply(msg *nats.Msg, err error) {
	if msg.Reply == "" {
		return
	}
	status := l.controller.Status()
	status.Text = ""
	resp := protocol.CommandReply{OK: err == nil, Status: status}
	if err != nil {
		resp.Error = err.Error()
	}
	data, mErr := json.Marshal(resp)
	if mErr != nil {
		l.logger.Warn("failed to encode command reply", slogError(mErr))
		return
	}
	if rErr := msg.Respond(data); rErr != nil {
		l.logger.Warn("failed to send command reply", slogError(rErr))
	}
}
