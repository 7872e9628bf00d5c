// Package audio records the microphone through an external command that
// writes raw s16le PCM to stdout.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/ports"
	"github.com/mattn/go-shellwords"
)

const (
	defaultStartGrace  = 250 * time.Millisecond
	defaultStopTimeout = 1200 * time.Millisecond
)

// ExecCapture starts one capture process per recording. The command may
// reference {sample_rate} and {channels}.
type ExecCapture struct {
	args        []string
	startGrace  time.Duration
	stopTimeout time.Duration
	logger      *slog.Logger
}

func NewExecCapture(command string, logger *slog.Logger) (*ExecCapture, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse audio command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("audio command is empty")
	}
	return &ExecCapture{
		args:        args,
		startGrace:  defaultStartGrace,
		stopTimeout: defaultStopTimeout,
		logger:      logger.With(slog.String("component", "audio")),
	}, nil
}

func expandArgs(args []string, cfg ports.AudioConfig) []string {
	r := strings.NewReplacer(
		"{sample_rate}", strconv.Itoa(cfg.SampleRate),
		"{channels}", strconv.Itoa(cfg.Channels),
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

func (c *ExecCapture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.Recording, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	args := expandArgs(c.args, cfg)

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	pcm := &lockedBuffer{}
	stderr := &lockedBuffer{}
	cmd.Stdout = pcm
	cmd.Stderr = stderr
	// Children that inherit stdout must not hold Wait open after the
	// capture process itself exits.
	cmd.WaitDelay = 500 * time.Millisecond

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start audio command: %w", err)
	}
	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("audio command exited before capture started: %w: %s", err, stderr.trimmed())
		}
		return nil, errors.New("audio command exited before capture started")
	case <-time.After(c.startGrace):
	}

	c.logger.Debug("capture started", slog.Int("sample_rate", cfg.SampleRate), slog.Int("channels", cfg.Channels))
	return &execRecording{
		cfg:         cfg,
		process:     cmd.Process,
		waitErr:     waitErr,
		pcm:         pcm,
		stderr:      stderr,
		stopTimeout: c.stopTimeout,
	}, nil
}

type execRecording struct {
	cfg         ports.AudioConfig
	process     *os.Process
	waitErr     <-chan error
	pcm         *lockedBuffer
	stderr      *lockedBuffer
	stopTimeout time.Duration

	once    sync.Once
	exitErr error
}

// Stop interrupts the capture process and returns the recording as WAV. A
// recording with no samples yields nil so callers see it as empty audio.
func (r *execRecording) Stop(ctx context.Context) ([]byte, error) {
	r.terminate(ctx, os.Interrupt)
	if r.exitErr != nil {
		return nil, r.exitErr
	}
	pcm := r.pcm.bytes()
	if len(pcm) == 0 {
		return nil, nil
	}
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	return EncodeWAV(pcm, r.cfg.SampleRate, r.cfg.Channels)
}

func (r *execRecording) Abort() error {
	r.terminate(context.Background(), os.Kill)
	return r.exitErr
}

func (r *execRecording) terminate(ctx context.Context, sig os.Signal) {
	r.once.Do(func() {
		_ = r.process.Signal(sig)
		var err error
		select {
		case err = <-r.waitErr:
		case <-time.After(r.stopTimeout):
			_ = r.process.Kill()
			err = <-r.waitErr
		case <-ctx.Done():
			_ = r.process.Kill()
			err = <-r.waitErr
		}
		r.exitErr = normalizeExitErr(err)
		if r.exitErr != nil {
			if msg := r.stderr.trimmed(); msg != "" {
				r.exitErr = fmt.Errorf("%w: %s", r.exitErr, msg)
			}
		}
	})
}

// normalizeExitErr ignores exit statuses: an interrupted recorder exits
// non-zero.
func normalizeExitErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		return nil
	}
	return err
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func (b *lockedBuffer) trimmed() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.buf.String())
}
