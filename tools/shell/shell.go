// Package shell provides an approval-gated shell_exec tool that runs
// commands in a workspace directory.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nevindra/loom"
)

const (
	maxOutput  = 4000
	maxTimeout = 300 * time.Second
)

// blocked are command fragments refused even after approval.
var blocked = []string{"rm -rf /", "sudo ", "mkfs", "> /dev/", "dd if="}

var schema = json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command to execute"},"timeout":{"type":"integer","description":"Timeout in seconds (default 30)"}},"required":["command"]}`)

type execArgs struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout"`
}

// Tool runs shell commands. It is a loom.Toolkit holding shell_exec.
type Tool struct {
	*loom.ToolRegistry
	workspacePath  string
	defaultTimeout time.Duration
}

// New creates the shell toolkit. Commands run in workspacePath; timeout
// applies when the call does not set one.
func New(workspacePath string, timeout time.Duration) *Tool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	t := &Tool{workspacePath: workspacePath, defaultTimeout: timeout}
	t.ToolRegistry = loom.NewToolRegistry(loom.Func("shell_exec",
		"Execute a shell command in the workspace directory. Returns stdout and stderr.",
		t.exec, loom.WithParameters(schema), loom.RequireApproval()))
	return t
}

func (t *Tool) exec(ctx context.Context, _ *loom.RunContext, in execArgs) (any, error) {
	if strings.TrimSpace(in.Command) == "" {
		return nil, errors.New("command is required")
	}
	lower := strings.ToLower(in.Command)
	for _, b := range blocked {
		if strings.Contains(lower, b) {
			return nil, fmt.Errorf("command blocked for safety: %q", strings.TrimSpace(b))
		}
	}

	timeout := t.defaultTimeout
	if in.Timeout > 0 {
		timeout = time.Duration(in.Timeout) * time.Second
	}
	timeout = min(timeout, maxTimeout)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", in.Command)
	cmd.Dir = t.workspacePath
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := combine(stdout.String(), stderr.String())

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, fmt.Errorf("command timed out after %s\n%s", timeout, out)
	case err != nil:
		return nil, fmt.Errorf("exit: %v\n%s", err, out)
	case out == "":
		return "(no output)", nil
	}
	return out, nil
}

func combine(stdout, stderr string) string {
	out := stdout
	if stderr != "" {
		if out != "" {
			out += "\n--- stderr ---\n"
		}
		out += stderr
	}
	if len(out) > maxOutput {
		n := maxOutput
		for n > 0 && !utf8.RuneStart(out[n]) {
			n--
		}
		out = out[:n] + "\n... (truncated)"
	}
	return out
}

var _ loom.Toolkit = (*Tool)(nil)
