package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// CommandResult is the outcome of one check command run
type CommandResult struct {
	ExitCode int
	Output   string // tail of combined stdout and stderr
	Duration time.Duration
	TimedOut bool
}

func (r CommandResult) Passed() bool { return r.ExitCode == 0 && !r.TimedOut }

// Failures returns the last non-empty lines of output, newest last
func (r CommandResult) Failures(max int) []string {
	var lines []string
	for _, l := range strings.Split(r.Output, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) > max {
		lines = lines[len(lines)-max:]
	}
	return lines
}

type Runner interface {
	Run(ctx context.Context, dir string, env map[string]string) (CommandResult, error)
}

// ShellRunner runs a command line through sh -c
type ShellRunner struct {
	Command   string
	Timeout   time.Duration
	TailBytes int
}

// Run returns an error only when the command could not be started; a
// non-zero exit is a result
func (s ShellRunner) Run(ctx context.Context, dir string, env map[string]string) (CommandResult, error) {
	if strings.TrimSpace(s.Command) == "" {
		return CommandResult{}, Permanent(errors.New("no check command configured"))
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	tail := &tailBuffer{max: s.TailBytes}
	cmd := exec.CommandContext(ctx, "sh", "-c", s.Command)
	cmd.Dir = dir
	cmd.WaitDelay = 2 * time.Second
	cmd.Stdout = tail
	cmd.Stderr = tail
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	start := time.Now()
	err := cmd.Run()
	res := CommandResult{Output: tail.String(), Duration: time.Since(start)}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("run check command: %w", err)
	}
	return res, nil
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if t.max > 0 && len(t.buf) > t.max {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-t.max:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
