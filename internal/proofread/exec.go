package proofread

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

// execBackend pipes {"text","system"} JSON to a command and reads
// {"content"} JSON from its stdout.
type execBackend struct {
	cmd []string
}

type execResponse struct {
	Content string `json:"content"`
}

func NewExecBackend(command string) (Backend, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse proofreading command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("proofreading command empty")
	}
	return &execBackend{cmd: args}, nil
}

func (b *execBackend) Complete(ctx context.Context, req Request) (string, error) {
	input, err := json.Marshal(map[string]string{"text": req.Text, "system": req.System})
	if err != nil {
		return "", err
	}
	cmd := exec.CommandContext(ctx, b.cmd[0], b.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("proofreading command failed: %w", err)
	}
	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return "", fmt.Errorf("decode proofreading command output: %w", err)
	}
	return resp.Content, nil
}
