package shell

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// ExitError wraps a non-zero exit from a subprocess.
type ExitError struct {
	Code   int
	Stderr string
	Cmd    string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d: %s", e.Cmd, e.Code, e.Stderr)
}

// Runner executes commands with a shared working directory and environment.
//
// Secrets listed in Redact are replaced with "***" in any command line or
// stderr text that ends up inside a returned error.
type Runner struct {
	Dir    string
	Env    []string
	Redact []string
}

// Run executes a command and returns its stdout. Stderr is captured and
// included in the error on non-zero exit.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (string, error) {
	return r.run(ctx, nil, name, args...)
}

// RunWithStdin executes a command, piping the given string to stdin, and
// returns stdout.
func (r *Runner) RunWithStdin(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	return r.run(ctx, strings.NewReader(stdin), name, args...)
}

// RunStreaming executes a command with stdin piped in and calls onLine for
// every line written to stdout as it arrives. The full stdout is returned too.
func (r *Runner) RunStreaming(ctx context.Context, stdin string, onLine func(string), name string, args ...string) (string, error) {
	cmd := r.command(ctx, name, args...)
	cmd.Stdin = strings.NewReader(stdin)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("opening stdout of %s: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("running %s: %w", name, err)
	}

	var stdout strings.Builder
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		stdout.WriteString(line)
		stdout.WriteByte('\n')
		if onLine != nil {
			onLine(line)
		}
	}
	// Drain whatever the scanner refused so Wait never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, pipe)

	if err := cmd.Wait(); err != nil {
		return stdout.String(), r.wrapErr(err, &stderr, name, args)
	}
	return stdout.String(), nil
}

func (r *Runner) run(ctx context.Context, stdin io.Reader, name string, args ...string) (string, error) {
	cmd := r.command(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.String(), r.wrapErr(err, &stderr, name, args)
	}
	return stdout.String(), nil
}

func (r *Runner) command(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	cmd.Env = r.environ()
	return cmd
}

func (r *Runner) wrapErr(err error, stderr *bytes.Buffer, name string, args []string) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{
			Code:   exitErr.ExitCode(),
			Stderr: r.scrub(strings.TrimSpace(stderr.String())),
			Cmd:    r.scrub(name + " " + strings.Join(args, " ")),
		}
	}
	return fmt.Errorf("running %s: %s", name, r.scrub(err.Error()))
}

func (r *Runner) scrub(s string) string {
	for _, secret := range r.Redact {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, "***")
	}
	return s
}

func (r *Runner) environ() []string {
	if len(r.Env) == 0 {
		return nil // inherit parent
	}
	return append(os.Environ(), r.Env...)
}

// tailBuffer keeps only the last max bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	max       int
	buf       []byte
	truncated bool
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if t.max > 0 && len(t.buf) > t.max {
		t.buf = append([]byte(nil), t.buf[len(t.buf)-t.max:]...)
		t.truncated = true
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
