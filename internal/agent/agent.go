// Package agent drives the external coding agent that turns an issue into a
// pull request. Callers only rely on the Invoker contract: on SUCCESS a pull
// request URL is returned.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/uesteibar/opsdeck/internal/credentials"
	"github.com/uesteibar/opsdeck/internal/gitops"
	"github.com/uesteibar/opsdeck/internal/prompts"
	"github.com/uesteibar/opsdeck/internal/runerr"
	"github.com/uesteibar/opsdeck/internal/runlog"
	"github.com/uesteibar/opsdeck/internal/scm"
	"github.com/uesteibar/opsdeck/internal/shell"
)

// Status is the outcome the agent reports.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Request is everything the agent gets to work on one issue.
type Request struct {
	IssueURL    string
	IssueTitle  string
	IssueBody   string
	RepoURL     string
	Owner       string
	Repo        string
	BaseBranch  string
	Credentials credentials.Run
}

// Result is the agent's report.
type Result struct {
	Status   Status
	PRURL    string
	PRNumber int
	Summary  string
	Files    []string
}

// Invoker runs the coding agent for one request, streaming progress to log.
type Invoker interface {
	Invoke(ctx context.Context, req Request, log runlog.LogFunc) (Result, error)
}

// Host is the subset of the source-control adapter the agent needs.
type Host interface {
	GitToken(ctx context.Context) (string, error)
	DefaultBranch(ctx context.Context, owner, repo string) (string, error)
	CreateBranch(ctx context.Context, owner, repo, fromSHA, branch string) error
	WriteCommit(ctx context.Context, owner, repo string, req scm.CommitRequest) (string, error)
	FindOpenPR(ctx context.Context, owner, repo, branch string) (*scm.PR, error)
	CreatePullRequest(ctx context.Context, owner, repo, head, base, title, body string) (scm.PR, error)
}

// HostFactory builds a host client for the resolved run credentials.
type HostFactory func(creds credentials.Run) (Host, error)

// Workspaces hands out one-shot directories.
type Workspaces interface {
	Acquire(key string) (string, error)
	Release(path string)
}

// Config tunes the CLI binding.
type Config struct {
	// Command and Args start the agent. The prompt is written to stdin.
	Command string
	Args    []string
	// Timeout bounds the agent process only.
	Timeout time.Duration
	// MaxFiles caps how many paths one fix may touch.
	MaxFiles int
	// ProtectedPaths are doublestar globs the agent must not touch.
	ProtectedPaths []string
	BranchPrefix   string
	Prompts        prompts.Renderer
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Command:        "claude",
		Args:           []string{"--print", "--dangerously-skip-permissions"},
		Timeout:        10 * time.Minute,
		MaxFiles:       20,
		ProtectedPaths: []string{".git/**", ".github/workflows/**", "**/*.pem", "**/.env", "**/.env.*"},
		BranchPrefix:   "autofix",
	}
}

// CLI is the production Invoker. It runs the agent CLI inside a fresh
// clone and publishes the resulting work tree changes as a pull request.
type CLI struct {
	cfg        Config
	hosts      HostFactory
	workspaces Workspaces
	logger     *slog.Logger
	now        func() time.Time
}

func NewCLI(cfg Config, hosts HostFactory, workspaces Workspaces, logger *slog.Logger) *CLI {
	def := DefaultConfig()
	if cfg.Command == "" {
		cfg.Command, cfg.Args = def.Command, def.Args
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = def.MaxFiles
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = def.BranchPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLI{cfg: cfg, hosts: hosts, workspaces: workspaces, logger: logger, now: time.Now}
}

var _ Invoker = (*CLI)(nil)

func (c *CLI) Invoke(ctx context.Context, req Request, log runlog.LogFunc) (Result, error) {
	if log == nil {
		log = func(runlog.Level, string) {}
	}
	if err := req.Credentials.RequireGithub(); err != nil {
		return Result{}, err
	}
	if err := req.Credentials.RequireAI(); err != nil {
		return Result{}, err
	}
	host, err := c.hosts(req.Credentials)
	if err != nil {
		return Result{}, runerr.New(runerr.KindConfiguration, fmt.Sprintf("configuring GitHub client: %v", err), err)
	}

	base := req.BaseBranch
	if base == "" {
		if base, err = host.DefaultBranch(ctx, req.Owner, req.Repo); err != nil {
			return Result{}, fmt.Errorf("resolving default branch: %w", err)
		}
	}
	token, err := host.GitToken(ctx)
	if err != nil {
		return Result{}, err
	}
	remote, err := gitops.AuthURL(req.RepoURL, token)
	if err != nil {
		return Result{}, runerr.Wrap(runerr.KindConfiguration, err)
	}

	dir, err := c.workspaces.Acquire("autofix")
	if err != nil {
		return Result{}, runerr.Wrap(runerr.KindInternal, err)
	}
	defer c.workspaces.Release(dir)

	repoDir := filepath.Join(dir, "repo")
	secrets := []string{token, req.Credentials.AIKey}
	log(runlog.LevelInfo, fmt.Sprintf("Cloning %s/%s (%s)", req.Owner, req.Repo, base))
	if err := gitops.Clone(ctx, &shell.Runner{Redact: secrets}, remote, repoDir, gitops.CloneOptions{Branch: base, Depth: 1}); err != nil {
		return Result{}, runerr.Wrap(runerr.KindTransientIO, err)
	}
	git := &shell.Runner{Dir: repoDir, Redact: secrets}
	head, err := gitops.HeadSHA(ctx, git)
	if err != nil {
		return Result{}, err
	}

	summary, err := c.runAgent(ctx, req, base, repoDir, log)
	if err != nil {
		return Result{}, err
	}

	// The agent is told not to commit; fold its commits back if it did.
	if after, err := gitops.HeadSHA(ctx, git); err == nil && after != head {
		log(runlog.LevelWarn, "Agent created commits, folding them into one change")
		if err := gitops.ResetSoft(ctx, git, head); err != nil {
			return Result{}, err
		}
	}

	changes, err := gitops.ChangedFiles(ctx, git)
	if err != nil {
		return Result{}, err
	}
	if err := c.validate(changes); err != nil {
		return Result{}, err
	}
	files, err := readChanges(repoDir, changes)
	if err != nil {
		return Result{}, runerr.Wrap(runerr.KindInternal, err)
	}
	paths := make([]string, len(changes))
	for i, ch := range changes {
		paths[i] = ch.Path
	}
	log(runlog.LevelInfo, fmt.Sprintf("Agent changed %d file(s)", len(changes)))

	branch := fmt.Sprintf("%s/issue-%s-%d", c.cfg.BranchPrefix, issueRef(req.IssueURL), c.now().Unix())
	if err := host.CreateBranch(ctx, req.Owner, req.Repo, head, branch); err != nil {
		return Result{}, fmt.Errorf("creating fix branch: %w", err)
	}
	message := fmt.Sprintf("Fix: %s\n\nFixes %s", req.IssueTitle, req.IssueURL)
	if _, err := host.WriteCommit(ctx, req.Owner, req.Repo, scm.CommitRequest{
		Branch:    branch,
		ParentSHA: head,
		Message:   message,
		Changes:   files,
	}); err != nil {
		return Result{}, fmt.Errorf("committing fix: %w", err)
	}
	log(runlog.LevelInfo, fmt.Sprintf("Pushed %s", branch))

	pr, err := c.openPR(ctx, host, req, branch, base, summary, paths)
	if err != nil {
		return Result{}, err
	}
	log(runlog.LevelInfo, fmt.Sprintf("Opened pull request %s", pr.HTMLURL))

	return Result{
		Status:   StatusSuccess,
		PRURL:    pr.HTMLURL,
		PRNumber: pr.Number,
		Summary:  summary,
		Files:    paths,
	}, nil
}

func (c *CLI) runAgent(ctx context.Context, req Request, base, repoDir string, log runlog.LogFunc) (string, error) {
	prompt, err := c.cfg.Prompts.FixIssue(prompts.FixIssueData{
		IssueURL:       req.IssueURL,
		Title:          req.IssueTitle,
		Body:           req.IssueBody,
		Owner:          req.Owner,
		Repo:           req.Repo,
		BaseBranch:     base,
		MaxFiles:       c.cfg.MaxFiles,
		ProtectedPaths: c.cfg.ProtectedPaths,
	})
	if err != nil {
		return "", runerr.Wrap(runerr.KindInternal, err)
	}

	agentCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	r := &shell.Runner{
		Dir:    repoDir,
		Env:    []string{"ANTHROPIC_API_KEY=" + req.Credentials.AIKey},
		Redact: []string{req.Credentials.AIKey},
	}
	log(runlog.LevelInfo, "Running fix agent")
	c.logger.Debug("invoking agent", "command", c.cfg.Command, "repo", req.Owner+"/"+req.Repo)
	out, err := r.RunStreaming(agentCtx, prompt, func(line string) {
		log(runlog.LevelInfo, line)
	}, c.cfg.Command, c.cfg.Args...)
	if err != nil {
		if errors.Is(agentCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return "", runerr.New(runerr.KindAgent, fmt.Sprintf("fix agent timed out after %s", c.cfg.Timeout), err)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", runerr.New(runerr.KindAgent, agentMessage(err), err)
	}
	return summarize(out), nil
}

func (c *CLI) validate(changes []gitops.Change) error {
	if len(changes) == 0 {
		return runerr.New(runerr.KindAgent, "fix agent made no changes", nil)
	}
	if len(changes) > c.cfg.MaxFiles {
		return runerr.New(runerr.KindAgent, fmt.Sprintf("fix agent changed %d files, more than the limit of %d", len(changes), c.cfg.MaxFiles), nil)
	}
	for _, ch := range changes {
		for _, pattern := range c.cfg.ProtectedPaths {
			if ok, _ := doublestar.Match(pattern, ch.Path); ok {
				return runerr.New(runerr.KindAgent, fmt.Sprintf("fix agent modified protected path %s", ch.Path), nil)
			}
		}
	}
	return nil
}

func (c *CLI) openPR(ctx context.Context, host Host, req Request, branch, base, summary string, files []string) (scm.PR, error) {
	existing, err := host.FindOpenPR(ctx, req.Owner, req.Repo, branch)
	if err != nil {
		return scm.PR{}, fmt.Errorf("checking for existing pull request: %w", err)
	}
	if existing != nil {
		return *existing, nil
	}
	body, err := c.cfg.Prompts.FixPR(prompts.FixPRData{
		Title:       req.IssueTitle,
		TrackingURL: req.IssueURL,
		Summary:     summary,
		Files:       files,
	})
	if err != nil {
		return scm.PR{}, runerr.Wrap(runerr.KindInternal, err)
	}
	pr, err := host.CreatePullRequest(ctx, req.Owner, req.Repo, branch, base, "Fix: "+req.IssueTitle, body)
	if err != nil {
		return scm.PR{}, fmt.Errorf("opening pull request: %w", err)
	}
	return pr, nil
}

func readChanges(repoDir string, changes []gitops.Change) ([]scm.FileChange, error) {
	out := make([]scm.FileChange, 0, len(changes))
	for _, ch := range changes {
		if ch.Deleted {
			out = append(out, scm.FileChange{Path: ch.Path, Deleted: true})
			continue
		}
		full := filepath.Join(repoDir, filepath.FromSlash(ch.Path))
		info, err := os.Lstat(full)
		if err != nil {
			return nil, fmt.Errorf("reading changed file %s: %w", ch.Path, err)
		}
		fc := scm.FileChange{Path: ch.Path}
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(full)
			if err != nil {
				return nil, fmt.Errorf("reading symlink %s: %w", ch.Path, err)
			}
			fc.Content, fc.Mode = []byte(target), "120000"
		default:
			data, err := os.ReadFile(full)
			if err != nil {
				return nil, fmt.Errorf("reading changed file %s: %w", ch.Path, err)
			}
			fc.Content = data
			if info.Mode()&0111 != 0 {
				fc.Mode = "100755"
			}
		}
		out = append(out, fc)
	}
	return out, nil
}

// issueRef extracts the trailing issue number from a tracking issue URL.
func issueRef(issueURL string) string {
	last := path.Base(strings.TrimRight(issueURL, "/"))
	if _, err := strconv.Atoi(last); err == nil {
		return last
	}
	return "x"
}

const maxSummary = 4000

func summarize(out string) string {
	s := strings.TrimSpace(out)
	if len(s) > maxSummary {
		start := len(s) - maxSummary
		for start < len(s) && !utf8.RuneStart(s[start]) {
			start++
		}
		s = "..." + s[start:]
	}
	return s
}

func agentMessage(err error) string {
	var exitErr *shell.ExitError
	if errors.As(err, &exitErr) {
		if line := lastLine(exitErr.Stderr); line != "" {
			return line
		}
		return fmt.Sprintf("fix agent exited with status %d", exitErr.Code)
	}
	return fmt.Sprintf("fix agent failed: %v", err)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
