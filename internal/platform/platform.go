// Package platform implements the OS side effects of dictation by
// shelling out to configurable commands (pbcopy, osascript, open).
package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/domain"
	"github.com/mattn/go-shellwords"
)

const commandTimeout = 5 * time.Second

// Command is a parsed argv; a zero Command means "not configured".
type Command struct {
	Raw  string
	Argv []string
}

func ParseCommand(raw string) (Command, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Command{}, nil
	}
	argv, err := shellwords.NewParser().Parse(raw)
	if err != nil {
		return Command{}, fmt.Errorf("parse command %q: %w", raw, err)
	}
	return Command{Raw: raw, Argv: argv}, nil
}

func (c Command) Configured() bool { return len(c.Argv) > 0 }

func (c Command) run(ctx context.Context, stdin string, extra ...string) (string, error) {
	if !c.Configured() {
		return "", errors.New("command not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	args := append(append([]string{}, c.Argv[1:]...), extra...)
	cmd := exec.CommandContext(ctx, c.Argv[0], args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%s: %w: %s", c.Argv[0], err, msg)
		}
		return "", fmt.Errorf("%s: %w", c.Argv[0], err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Commands is the parsed form of config.PlatformConfig.
type Commands struct {
	Clipboard       Command
	Paste           Command
	FocusProbe      Command
	MicrophoneProbe Command
	AutomationProbe Command
	Settings        Command
}

func CommandsFromConfig(cfg config.PlatformConfig) (Commands, error) {
	var out Commands
	var err error
	parse := func(dst *Command, raw, name string) {
		if err != nil {
			return
		}
		var c Command
		if c, err = ParseCommand(raw); err != nil {
			err = fmt.Errorf("platform.%s: %w", name, err)
			return
		}
		*dst = c
	}
	parse(&out.Clipboard, cfg.ClipboardCommand, "clipboard_command")
	parse(&out.Paste, cfg.PasteCommand, "paste_command")
	parse(&out.FocusProbe, cfg.FocusProbeCommand, "focus_probe_command")
	parse(&out.MicrophoneProbe, cfg.MicrophoneProbeCommand, "microphone_probe_command")
	parse(&out.AutomationProbe, cfg.AutomationProbeCommand, "automation_probe_command")
	parse(&out.Settings, cfg.SettingsCommand, "settings_command")
	return out, err
}

// Clipboard pipes text into the clipboard command.
type Clipboard struct {
	cmd Command
}

func NewClipboard(cmd Command) *Clipboard { return &Clipboard{cmd: cmd} }

func (c *Clipboard) CopyText(ctx context.Context, text string) error {
	_, err := c.cmd.run(ctx, text)
	return err
}

// Paster runs the focus probe and paste commands. A focus probe that exits
// zero means the focused element accepts text; without a probe every app
// is assumed to.
type Paster struct {
	probe Command
	paste Command
}

func NewPaster(probe, paste Command) *Paster { return &Paster{probe: probe, paste: paste} }

func (p *Paster) FocusedAppAcceptsText(ctx context.Context) (bool, error) {
	if !p.probe.Configured() {
		return true, nil
	}
	if _, err := p.probe.run(ctx, ""); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *Paster) SimulatePaste(ctx context.Context, text string) error {
	_, err := p.paste.run(ctx, text)
	return err
}

// settingsTargets are the System Settings panes opened for each permission.
var settingsTargets = map[domain.Permission]string{
	domain.PermissionMicrophone:      "x-apple.systempreferences:com.apple.preference.security?Privacy_Microphone",
	domain.PermissionPasteAutomation: "x-apple.systempreferences:com.apple.preference.security?Privacy_Accessibility",
}

// Permissions asks probe commands for authorization status. A probe prints
// one of granted, denied, not_determined or restricted; the microphone
// probe is re-run with "request" appended to prompt the user. Unconfigured
// probes report granted.
type Permissions struct {
	microphone Command
	automation Command
	settings   Command
}

func NewPermissions(microphone, automation, settings Command) *Permissions {
	return &Permissions{microphone: microphone, automation: automation, settings: settings}
}

func (p *Permissions) probeFor(perm domain.Permission) (Command, error) {
	switch perm {
	case domain.PermissionMicrophone:
		return p.microphone, nil
	case domain.PermissionPasteAutomation:
		return p.automation, nil
	default:
		return Command{}, fmt.Errorf("unknown permission %q", perm)
	}
}

func (p *Permissions) Check(ctx context.Context, perm domain.Permission) (domain.PermissionStatus, error) {
	probe, err := p.probeFor(perm)
	if err != nil {
		return "", err
	}
	if !probe.Configured() {
		return domain.PermissionGranted, nil
	}
	out, err := probe.run(ctx, "")
	if err != nil {
		return "", err
	}
	return parseStatus(out)
}

func (p *Permissions) RequestMicrophone(ctx context.Context) (domain.PermissionStatus, error) {
	if !p.microphone.Configured() {
		return domain.PermissionGranted, nil
	}
	out, err := p.microphone.run(ctx, "", "request")
	if err != nil {
		return "", err
	}
	return parseStatus(out)
}

func (p *Permissions) OpenSettings(ctx context.Context, perm domain.Permission) error {
	target, ok := settingsTargets[perm]
	if !ok {
		return fmt.Errorf("unknown permission %q", perm)
	}
	_, err := p.settings.run(ctx, "", target)
	return err
}

func parseStatus(out string) (domain.PermissionStatus, error) {
	switch s := domain.PermissionStatus(strings.ToLower(strings.TrimSpace(out))); s {
	case domain.PermissionGranted, domain.PermissionDenied, domain.PermissionNotDetermined, domain.PermissionRestricted:
		return s, nil
	default:
		return "", fmt.Errorf("unrecognised permission status %q", out)
	}
}
