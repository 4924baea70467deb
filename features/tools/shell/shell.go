// Package shell provides the native shell tool: command execution under the
// session working directory with a per-call timeout, process-group kill on
// cancellation, and tail-mode output truncation. The tool is mutating and
// never parallel safe; its approval scope keys by the command's first word so
// a session grant covers "go test ..." without covering "rm -rf ...".
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/skeinlabs/skein/runtime/tool"
)

const (
	// DefaultTimeout bounds a call that does not request its own.
	DefaultTimeout = 2 * time.Minute
	// MaxTimeout caps what a call may request.
	MaxTimeout = 10 * time.Minute

	// waitDelay is how long after the kill signal Wait is allowed to block
	// on lingering pipe readers before the harness gives up on them.
	waitDelay = 5 * time.Second
)

type (
	// Options tunes the shell tool.
	Options struct {
		// DefaultTimeout applies when a call does not pass timeout_seconds.
		// Zero means DefaultTimeout.
		DefaultTimeout time.Duration
		// MaxTimeout caps the per-call timeout. Zero means MaxTimeout.
		MaxTimeout time.Duration
	}

	shellTool struct {
		dir        string
		defTimeout time.Duration
		maxTimeout time.Duration
	}
)

// New returns the shell tool rooted at dir.
func New(dir string, opts Options) tool.Tool {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = MaxTimeout
	}
	return &shellTool{dir: dir, defTimeout: opts.DefaultTimeout, maxTimeout: opts.MaxTimeout}
}

func (t *shellTool) Name() string { return "shell" }

func (t *shellTool) Description() string {
	return "Execute a shell command in the working directory and return its combined output. " +
		"Commands run under `sh -c` with a timeout; long output keeps its tail."
}

func (t *shellTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command line to execute",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Maximum execution time in seconds",
			},
		},
		"required": []any{"command"},
	}
}

func (t *shellTool) Mutating() bool     { return true }
func (t *shellTool) ParallelSafe() bool { return false }

// ApprovalKey reduces the command line to its first word so for-session
// grants cover a program, not the whole tool.
func (t *shellTool) ApprovalKey(args json.RawMessage) string {
	in, err := t.parse(args)
	if err != nil {
		return ""
	}
	fields := strings.Fields(in.Command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// DescribeAction renders the approval prompt for a call.
func (t *shellTool) DescribeAction(args json.RawMessage) (string, string) {
	in, err := t.parse(args)
	if err != nil {
		return "run a shell command", ""
	}
	return fmt.Sprintf("run `%s`", in.Command), ""
}

// OutputBudget keeps the tail: exit status and final errors matter most in
// command output.
func (t *shellTool) OutputBudget() tool.Truncation {
	return tool.Truncation{Mode: tool.TruncateTail}
}

type shellArgs struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (t *shellTool) parse(args json.RawMessage) (shellArgs, error) {
	var in shellArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return shellArgs{}, err
	}
	if strings.TrimSpace(in.Command) == "" {
		return shellArgs{}, errors.New("command is required")
	}
	return in, nil
}

func (t *shellTool) Invoke(ctx context.Context, args json.RawMessage) (*tool.Result, error) {
	in, err := t.parse(args)
	if err != nil {
		return tool.Failf(tool.ErrorKindInvalidArgs, "shell: %v", err), nil
	}

	timeout := t.defTimeout
	if in.TimeoutSeconds > 0 {
		timeout = time.Duration(in.TimeoutSeconds) * time.Second
	}
	if timeout > t.maxTimeout {
		timeout = t.maxTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", in.Command)
	cmd.Dir = t.dir
	// The command runs in its own process group so cancellation kills the
	// whole tree, not just the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	runErr := cmd.Run()
	output := buf.String()

	switch {
	case runErr == nil:
		if output == "" {
			output = "(no output)"
		}
		return tool.Text(output), nil
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return tool.Failf(tool.ErrorKindTimeout, "command timed out after %s\n%s", timeout, output), nil
	case errors.Is(runCtx.Err(), context.Canceled):
		return tool.Fail(tool.ErrorKindInterrupted, "command interrupted"), nil
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return tool.Failf(tool.ErrorKindExecFailed, "%s\nexit status %d", output, exitErr.ExitCode()), nil
		}
		return tool.Failf(tool.ErrorKindExecFailed, "shell: %v", runErr), nil
	}
}
