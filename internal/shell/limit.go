package shell

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// Limits bounds a script run. Zero values disable the matching ceiling.
type Limits struct {
	Timeout    time.Duration
	MemoryMB   int
	CPUSeconds int
	MaxOutput  int
}

// LimitedResult is the outcome of RunLimited. Output interleaves stdout and
// stderr and holds at most Limits.MaxOutput trailing bytes.
type LimitedResult struct {
	Output    string
	ExitCode  int
	TimedOut  bool
	Truncated bool
	Duration  time.Duration
}

// ErrTimeout is returned by RunLimited when the wall-clock limit killed the
// process group.
var ErrTimeout = errors.New("command exceeded its time limit")

// RunLimited runs script through sh with memory and CPU ceilings applied via
// ulimit. The script gets its own process group and the whole group is killed
// when the wall-clock limit expires or ctx is cancelled.
//
// The script does not inherit the process environment: it sees only
// sandboxEnv plus the runner's Env.
func (r *Runner) RunLimited(ctx context.Context, limits Limits, script string) (LimitedResult, error) {
	if limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limits.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", ulimitPrefix(limits)+script)
	cmd.Dir = r.Dir
	cmd.Env = r.sandboxEnv()
	setProcessGroup(cmd)
	cmd.WaitDelay = 5 * time.Second

	out := &tailBuffer{max: limits.MaxOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	err := cmd.Run()
	res := LimitedResult{
		Output:    r.scrub(out.String()),
		Truncated: out.truncated,
		Duration:  time.Since(start),
	}

	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		return res, ErrTimeout
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, &ExitError{Code: res.ExitCode, Stderr: lastLine(res.Output), Cmd: "sh -c " + r.scrub(script)}
		}
		return res, fmt.Errorf("running script: %w", err)
	}
	return res, nil
}

// inheritedVars are the only parent variables a limited script sees.
var inheritedVars = []string{"PATH", "LANG", "LC_ALL", "TZ", "TMPDIR"}

// sandboxEnv builds a minimal environment. HOME points at the working
// directory so tools do not read the server user's dotfiles.
func (r *Runner) sandboxEnv() []string {
	var env []string
	for _, k := range inheritedVars {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	if _, ok := os.LookupEnv("PATH"); !ok {
		env = append(env, "PATH=/usr/local/bin:/usr/bin:/bin")
	}
	home := r.Dir
	if home == "" {
		home = os.TempDir()
	}
	env = append(env, "HOME="+home)
	return append(env, r.Env...)
}

func ulimitPrefix(l Limits) string {
	prefix := ""
	if l.MemoryMB > 0 {
		prefix += fmt.Sprintf("ulimit -v %d || exit 125; ", l.MemoryMB*1024)
	}
	if l.CPUSeconds > 0 {
		prefix += fmt.Sprintf("ulimit -t %d || exit 125; ", l.CPUSeconds)
	}
	return prefix
}

func lastLine(s string) string {
	end := len(s)
	for end > 0 && (s[end-1] == '\n' || s[end-1] == '\r') {
		end--
	}
	start := end
	for start > 0 && s[start-1] != '\n' {
		start--
	}
	return s[start:end]
}
