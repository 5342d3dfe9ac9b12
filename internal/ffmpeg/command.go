package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Command is a synthesized encoder invocation. Stdin is closed; stdout
// and stderr are exposed as pipes for the supervisor to capture.
type Command struct {
	Program string
	Args    []string

	cmd     *exec.Cmd
	started time.Time
	mu      sync.RWMutex
}

// NewCommand creates a command for the given program and argument vector.
func NewCommand(program string, args []string) *Command {
	return &Command{Program: program, Args: args}
}

// String returns the command as a shell-like string.
func (c *Command) String() string {
	return c.Program + " " + strings.Join(c.Args, " ")
}

// StdoutPipe returns a pipe to the child's stdout. Must be called
// before Start.
func (c *Command) StdoutPipe() (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureCmd(); err != nil {
		return nil, err
	}
	return c.cmd.StdoutPipe()
}

// StderrPipe returns a pipe to the child's stderr. Must be called
// before Start.
func (c *Command) StderrPipe() (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureCmd(); err != nil {
		return nil, err
	}
	return c.cmd.StderrPipe()
}

func (c *Command) ensureCmd() error {
	if c.cmd == nil {
		c.cmd = exec.Command(c.Program, c.Args...)
		c.cmd.Stdin = nil // nil means the child reads from /dev/null
	}
	return nil
}

// Start launches the child process.
func (c *Command) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureCmd(); err != nil {
		return err
	}
	if err := c.cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", c.Program, err)
	}
	c.started = time.Now()
	return nil
}

// Wait blocks until the child exits and returns its error, if any.
func (c *Command) Wait() error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()
	if cmd == nil {
		return fmt.Errorf("command not started")
	}
	return cmd.Wait()
}

// PID returns the child's process id, or 0 before Start.
func (c *Command) PID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Signal sends a signal to the child. A no-op before Start.
func (c *Command) Signal(sig os.Signal) error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(sig)
}

// Kill forcibly terminates the child. A no-op before Start.
func (c *Command) Kill() error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// Started returns the time Start succeeded.
func (c *Command) Started() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.started
}

// ExitCode extracts the child's exit code from a Wait error.
// Returns 0 for a nil error and -1 when no code is available.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// ScanLinesWithCR is a bufio.SplitFunc splitting on both \n and \r.
// FFmpeg rewrites its progress line in place using bare carriage
// returns, so a newline-only scanner would buffer progress forever.
func ScanLinesWithCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		// Swallow a \r\n pair as one terminator.
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			return i + 2, data[:i], nil
		}
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// runOutput runs a program with a bounded timeout and returns its
// combined stdout. Used by the capability probe and the stream prober.
func runOutput(ctx context.Context, timeout time.Duration, program string, args ...string) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, program, args...)
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("running %s: %w", program, err)
	}
	return out, nil
}
