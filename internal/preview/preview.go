// Package preview runs a project's build-and-check command against the tip
// of its default branch in a cached workspace, under resource ceilings.
package preview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/uesteibar/opsdeck/internal/credentials"
	"github.com/uesteibar/opsdeck/internal/db"
	"github.com/uesteibar/opsdeck/internal/gitops"
	"github.com/uesteibar/opsdeck/internal/projects"
	"github.com/uesteibar/opsdeck/internal/runerr"
	"github.com/uesteibar/opsdeck/internal/runlog"
	"github.com/uesteibar/opsdeck/internal/scm"
	"github.com/uesteibar/opsdeck/internal/shell"
	"github.com/uesteibar/opsdeck/internal/workspace"
)

// RunKind is the kind recorded on preview run records.
const RunKind = "preview"

// RepoConfigPath is where a repository may declare its preview command.
const RepoConfigPath = ".opsdeck/preview.yaml"

type Host interface {
	GitToken(ctx context.Context) (string, error)
	DefaultBranch(ctx context.Context, owner, repo string) (string, error)
}

type HostFactory func(creds credentials.Run) (Host, error)

type Store interface {
	GetProject(id string) (db.Project, error)
	CreateRun(r db.Run) (db.Run, error)
	FinishRun(id, status, prURL string, prNumber int, errMsg, errKind string) error
	LogActivity(e db.ActivityEntry) error
}

// Workspaces hands out per-project cached checkouts.
type Workspaces interface {
	AcquireCached(projectID string) (*workspace.Cached, error)
}

type Config struct {
	// DefaultCommand runs when neither the repository nor the project names
	// one.
	DefaultCommand string
	Limits         shell.Limits
}

// DefaultConfig returns conservative ceilings for untrusted build commands.
func DefaultConfig() Config {
	return Config{
		Limits: shell.Limits{
			Timeout:    5 * time.Minute,
			MemoryMB:   2048,
			CPUSeconds: 600,
			MaxOutput:  64 * 1024,
		},
	}
}

type Request struct {
	ProjectID    string
	SessionToken string
}

type Result struct {
	RunID     string        `json:"runId"`
	Command   string        `json:"command"`
	Success   bool          `json:"success"`
	ExitCode  int           `json:"exitCode"`
	Output    string        `json:"output"`
	TimedOut  bool          `json:"timedOut"`
	Truncated bool          `json:"truncated"`
	Duration  time.Duration `json:"durationNs"`
	// Stale is set when the workspace could not be refreshed and the command
	// ran against the previous checkout.
	Stale bool `json:"stale"`
}

type Service struct {
	store      Store
	workspaces Workspaces
	hosts      HostFactory
	defaults   credentials.Defaults
	cfg        Config
	logger     *slog.Logger
}

func New(store Store, workspaces Workspaces, hosts HostFactory, defaults credentials.Defaults, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, workspaces: workspaces, hosts: hosts, defaults: defaults, cfg: cfg, logger: logger}
}

// Run syncs the project's cached workspace and runs its preview command.
// A failing command is a result with Success false, not an error.
func (s *Service) Run(ctx context.Context, req Request, sink runlog.Sink) (Result, error) {
	project, err := s.store.GetProject(req.ProjectID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return Result{}, runerr.Validationf("project %s not found", req.ProjectID)
		}
		return Result{}, fmt.Errorf("loading project: %w", err)
	}
	rec, err := s.store.CreateRun(db.Run{Kind: RunKind, ProjectID: project.ID})
	if err != nil {
		return Result{}, fmt.Errorf("recording run: %w", err)
	}
	log := runlog.NewLogger(rec.ID, runlog.Multi(sink, runlog.NewStoreSink(s.store, "", s.logger)))

	res, err := s.run(ctx, project, req, log)
	res.RunID = rec.ID
	if err != nil {
		err = scm.RewriteBadCredentials(err)
		if ferr := s.store.FinishRun(rec.ID, db.RunFailed, "", 0, runerr.Message(err), string(runerr.KindOf(err))); ferr != nil {
			s.logger.Warn("finishing run record", "run_id", rec.ID, "error", ferr)
		}
		log.Fail(err)
		return res, err
	}

	status, errMsg := db.RunSuccess, ""
	if !res.Success {
		status, errMsg = db.RunFailed, fmt.Sprintf("preview command exited with code %d", res.ExitCode)
		if res.TimedOut {
			errMsg = fmt.Sprintf("preview command exceeded %s", s.cfg.Limits.Timeout)
		}
	}
	if ferr := s.store.FinishRun(rec.ID, status, "", 0, errMsg, ""); ferr != nil {
		s.logger.Warn("finishing run record", "run_id", rec.ID, "error", ferr)
	}
	if res.Success {
		log.Succeed(runlog.Result{Output: res.Output})
	} else {
		log.Fail(runerr.New(runerr.KindValidation, errMsg, nil))
	}
	return res, nil
}

func (s *Service) run(ctx context.Context, project db.Project, req Request, log *runlog.Logger) (Result, error) {
	owner, repo, repoURL, err := projects.Repository(project)
	if err != nil {
		return Result{}, err
	}
	creds := credentials.Resolve(credentials.Sources{
		Session:  req.SessionToken,
		Project:  project.GithubToken,
		Defaults: s.defaults,
	})
	if err := creds.RequireGithub(); err != nil {
		return Result{}, err
	}
	host, err := s.hosts(creds)
	if err != nil {
		return Result{}, runerr.New(runerr.KindConfiguration, fmt.Sprintf("configuring GitHub client: %v", err), err)
	}
	base := project.DefaultBranch
	if base == "" {
		if base, err = host.DefaultBranch(ctx, owner, repo); err != nil {
			return Result{}, fmt.Errorf("resolving default branch: %w", err)
		}
	}
	token, err := host.GitToken(ctx)
	if err != nil {
		return Result{}, err
	}
	remote, err := gitops.AuthURL(repoURL, token)
	if err != nil {
		return Result{}, runerr.Wrap(runerr.KindConfiguration, err)
	}

	cached, err := s.workspaces.AcquireCached(project.ID)
	if err != nil {
		return Result{}, runerr.Wrap(runerr.KindInternal, err)
	}
	defer cached.Unlock()

	secrets := []string{token}
	log.Infof("Syncing workspace for %s (%s)", project.Name, base)
	synced, err := workspace.Sync(ctx, cached, &shell.Runner{Redact: secrets}, remote, repoURL, base)
	if err != nil {
		return Result{}, runerr.Wrap(runerr.KindTransientIO, err)
	}
	if synced.Stale {
		log.Warnf("Workspace could not be refreshed, running against the previous checkout: %v", synced.StaleReason)
		s.logger.Warn("preview workspace stale", "project", project.Name, "error", synced.StaleReason)
	}

	command, err := s.command(cached.Path, project)
	if err != nil {
		return Result{}, err
	}

	log.Infof("Running %s", command)
	runner := &shell.Runner{Dir: cached.Path, Redact: secrets}
	out, err := runner.RunLimited(ctx, s.cfg.Limits, command)
	res := Result{
		Command:   command,
		ExitCode:  out.ExitCode,
		Output:    out.Output,
		TimedOut:  out.TimedOut,
		Truncated: out.Truncated,
		Duration:  out.Duration,
		Stale:     synced.Stale,
	}
	var exitErr *shell.ExitError
	switch {
	case err == nil:
		res.Success = true
	case errors.Is(err, shell.ErrTimeout):
		log.Warnf("Preview command killed after %s", s.cfg.Limits.Timeout)
	case errors.As(err, &exitErr):
		log.Warnf("Preview command exited with code %d", out.ExitCode)
	default:
		return res, runerr.Wrap(runerr.KindInternal, err)
	}
	return res, nil
}

type repoConfig struct {
	Command string `yaml:"command"`
}

// command picks the repository's declared command, then the project's, then
// the configured default.
func (s *Service) command(dir string, project db.Project) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, RepoConfigPath))
	switch {
	case err == nil:
		var rc repoConfig
		if err := yaml.Unmarshal(data, &rc); err != nil {
			return "", runerr.New(runerr.KindConfiguration, fmt.Sprintf("parsing %s: %v", RepoConfigPath, err), err)
		}
		if c := strings.TrimSpace(rc.Command); c != "" {
			return c, nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("reading %s: %w", RepoConfigPath, err)
	}
	if c := strings.TrimSpace(project.PreviewCommand); c != "" {
		return c, nil
	}
	if c := strings.TrimSpace(s.cfg.DefaultCommand); c != "" {
		return c, nil
	}
	return "", runerr.Configurationf("no preview command: add %s to the repository or set one on project %s", RepoConfigPath, project.Name)
}
