// Package rollback opens a pull request that reverts a previously merged
// change.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"time"

	"github.com/uesteibar/opsdeck/internal/credentials"
	"github.com/uesteibar/opsdeck/internal/db"
	"github.com/uesteibar/opsdeck/internal/gitops"
	"github.com/uesteibar/opsdeck/internal/notify"
	"github.com/uesteibar/opsdeck/internal/projects"
	"github.com/uesteibar/opsdeck/internal/prompts"
	"github.com/uesteibar/opsdeck/internal/runerr"
	"github.com/uesteibar/opsdeck/internal/runlog"
	"github.com/uesteibar/opsdeck/internal/scm"
	"github.com/uesteibar/opsdeck/internal/shell"
)

// RunKind is the kind recorded on rollback run records.
const RunKind = "rollback"

var shaPattern = regexp.MustCompile(`^[0-9a-fA-F]{4,40}$`)

// Host is the source-control surface a rollback needs.
type Host interface {
	GitToken(ctx context.Context) (string, error)
	DefaultBranch(ctx context.Context, owner, repo string) (string, error)
	CreatePullRequest(ctx context.Context, owner, repo, head, base, title, body string) (scm.PR, error)
}

// HostFactory builds a host client for resolved credentials.
type HostFactory func(creds credentials.Run) (Host, error)

// Workspaces hands out one-shot directories.
type Workspaces interface {
	Acquire(key string) (string, error)
	Release(path string)
}

type Config struct {
	AuthorName  string
	AuthorEmail string
	Prompts     prompts.Renderer
}

// Request reverts one commit of a repository.
type Request struct {
	RepoURL   string
	Owner     string
	Repo      string
	CommitSHA string
	PRNumber  int
	// BaseBranch is the branch the revert targets. Empty means the
	// repository's default branch.
	BaseBranch  string
	Credentials credentials.Run
}

type Result struct {
	Success  bool   `json:"success"`
	PRURL    string `json:"prUrl"`
	PRNumber int    `json:"prNumber"`
	Branch   string `json:"branch"`
	// Mainline is true when the commit was reverted as a merge commit.
	Mainline bool `json:"mainline"`
}

// Orchestrator performs rollbacks. It is safe for concurrent use; each run
// works in its own workspace.
type Orchestrator struct {
	hosts      HostFactory
	workspaces Workspaces
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

func New(hosts HostFactory, workspaces Workspaces, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.AuthorName == "" {
		cfg.AuthorName = "opsdeck"
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = "opsdeck@users.noreply.github.com"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{hosts: hosts, workspaces: workspaces, cfg: cfg, logger: logger, now: time.Now}
}

// Validate checks a request's inputs before anything is touched.
func Validate(prNumber int, sha string) error {
	if prNumber <= 0 {
		return runerr.Validationf("pull request number must be positive, got %d", prNumber)
	}
	if !shaPattern.MatchString(sha) {
		return runerr.Validationf("commit %q is not a 4 to 40 character hex SHA", sha)
	}
	return nil
}

// Run reverts req.CommitSHA on a new branch and opens a pull request for it.
// The workspace is released whatever the outcome.
func (o *Orchestrator) Run(ctx context.Context, req Request, log *runlog.Logger) (Result, error) {
	if err := Validate(req.PRNumber, req.CommitSHA); err != nil {
		return Result{}, err
	}
	if err := req.Credentials.RequireGithub(); err != nil {
		return Result{}, err
	}
	host, err := o.hosts(req.Credentials)
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

	dir, err := o.workspaces.Acquire("rollback")
	if err != nil {
		return Result{}, runerr.Wrap(runerr.KindInternal, err)
	}
	defer o.workspaces.Release(dir)

	repoDir := filepath.Join(dir, "repo")
	secrets := []string{token}
	log.Infof("Cloning %s/%s", req.Owner, req.Repo)
	if err := gitops.Clone(ctx, &shell.Runner{Redact: secrets}, remote, repoDir, gitops.CloneOptions{Branch: base}); err != nil {
		return Result{}, runerr.Wrap(runerr.KindTransientIO, err)
	}
	git := &shell.Runner{Dir: repoDir, Redact: secrets}
	if err := gitops.ConfigureIdentity(ctx, git, o.cfg.AuthorName, o.cfg.AuthorEmail); err != nil {
		return Result{}, err
	}
	if !gitops.HasCommit(ctx, git, req.CommitSHA) {
		return Result{}, runerr.Validationf("commit %s was not found in %s/%s", req.CommitSHA, req.Owner, req.Repo)
	}
	onBase, err := gitops.IsAncestor(ctx, git, req.CommitSHA, "origin/"+base)
	if err != nil {
		return Result{}, runerr.Wrap(runerr.KindInternal, err)
	}
	if !onBase {
		return Result{}, runerr.Validationf("commit %s is not on %s; only merged changes can be rolled back", req.CommitSHA, base)
	}

	branch := fmt.Sprintf("revert/pr-%d-%d", req.PRNumber, o.now().Unix())
	if err := gitops.CheckoutNewBranch(ctx, git, branch, "origin/"+base); err != nil {
		return Result{}, runerr.Wrap(runerr.KindInternal, err)
	}

	log.Infof("Reverting %s", req.CommitSHA)
	rev, err := gitops.Revert(ctx, git, req.CommitSHA)
	if err != nil {
		var revertErr *gitops.RevertError
		if errors.As(err, &revertErr) {
			return Result{}, runerr.New(runerr.KindConflict,
				fmt.Sprintf("commit %s cannot be reverted cleanly on %s; resolve the conflict manually", req.CommitSHA, base), err)
		}
		return Result{}, err
	}
	if rev.Mainline {
		log.Infof("Reverted as a merge commit against its first parent")
	} else {
		log.Infof("%s is not a merge commit, reverted as a regular commit", req.CommitSHA)
	}

	log.Infof("Pushing %s", branch)
	if err := gitops.Push(ctx, git, branch); err != nil {
		return Result{}, runerr.Wrap(runerr.KindTransientIO, err)
	}

	body, err := o.cfg.Prompts.RevertPR(prompts.RevertPRData{
		PRNumber:   req.PRNumber,
		CommitSHA:  req.CommitSHA,
		BaseBranch: base,
		Mainline:   rev.Mainline,
	})
	if err != nil {
		return Result{}, runerr.Wrap(runerr.KindInternal, err)
	}
	pr, err := host.CreatePullRequest(ctx, req.Owner, req.Repo, branch, base, fmt.Sprintf("Revert PR #%d", req.PRNumber), body)
	if err != nil {
		return Result{}, fmt.Errorf("opening revert pull request: %w", err)
	}
	log.Infof("Opened %s", pr.HTMLURL)

	return Result{Success: true, PRURL: pr.HTMLURL, PRNumber: pr.Number, Branch: branch, Mainline: rev.Mainline}, nil
}

// Store is the persistence a project rollback needs.
type Store interface {
	GetProject(id string) (db.Project, error)
	CreateRun(r db.Run) (db.Run, error)
	FinishRun(id, status, prURL string, prNumber int, errMsg, errKind string) error
	LogActivity(e db.ActivityEntry) error
}

// Reopener moves a closed issue back to open.
type Reopener interface {
	Reopen(id, detail string) (db.Issue, error)
}

// Notifier tells project members about the rollback.
type Notifier interface {
	NotifyProjectMembers(ctx context.Context, msg notify.Message) error
}

// Service runs rollbacks for stored projects and records them.
type Service struct {
	orch     *Orchestrator
	store    Store
	issues   Reopener
	notifier Notifier
	defaults credentials.Defaults
	logger   *slog.Logger
}

func NewService(orch *Orchestrator, store Store, issues Reopener, notifier Notifier, defaults credentials.Defaults, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{orch: orch, store: store, issues: issues, notifier: notifier, defaults: defaults, logger: logger}
}

// ProjectRequest asks to roll back one merged pull request of a project.
type ProjectRequest struct {
	ProjectID string
	PRNumber  int
	CommitSHA string
	// IssueID, when set, names the issue the reverted change fixed. It is
	// reopened once the revert pull request exists.
	IssueID      string
	SessionToken string
}

// ProjectResult extends Result with the run id.
type ProjectResult struct {
	Result
	RunID string `json:"runId"`
}

// Rollback reverts a project's merged pull request and records the run.
func (s *Service) Rollback(ctx context.Context, req ProjectRequest, sink runlog.Sink) (ProjectResult, error) {
	if err := Validate(req.PRNumber, req.CommitSHA); err != nil {
		return ProjectResult{}, err
	}
	project, err := s.store.GetProject(req.ProjectID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ProjectResult{}, runerr.Validationf("project %s not found", req.ProjectID)
		}
		return ProjectResult{}, fmt.Errorf("loading project: %w", err)
	}

	rec, err := s.store.CreateRun(db.Run{Kind: RunKind, IssueID: req.IssueID, ProjectID: project.ID})
	if err != nil {
		return ProjectResult{}, fmt.Errorf("recording run: %w", err)
	}
	log := runlog.NewLogger(rec.ID, runlog.Multi(sink, runlog.NewStoreSink(s.store, req.IssueID, s.logger)))

	res, err := s.run(ctx, project, req, log)
	if err != nil {
		if ferr := s.store.FinishRun(rec.ID, db.RunFailed, "", 0, runerr.Message(err), string(runerr.KindOf(err))); ferr != nil {
			s.logger.Warn("finishing run record", "run_id", rec.ID, "error", ferr)
		}
		log.Fail(err)
		s.logger.Error("rollback failed", "run_id", rec.ID, "project", project.Name, "pr", req.PRNumber, "kind", runerr.KindOf(err), "error", err)
		return ProjectResult{RunID: rec.ID}, err
	}

	if ferr := s.store.FinishRun(rec.ID, db.RunSuccess, res.PRURL, res.PRNumber, "", ""); ferr != nil {
		s.logger.Warn("finishing run record", "run_id", rec.ID, "error", ferr)
	}
	s.afterSuccess(ctx, project, req, res, log)
	log.Succeed(runlog.Result{PRURL: res.PRURL, PRNumber: res.PRNumber})
	s.logger.Info("rollback succeeded", "run_id", rec.ID, "project", project.Name, "pr_url", res.PRURL)
	return ProjectResult{Result: res, RunID: rec.ID}, nil
}

func (s *Service) run(ctx context.Context, project db.Project, req ProjectRequest, log *runlog.Logger) (Result, error) {
	owner, repo, repoURL, err := projects.Repository(project)
	if err != nil {
		return Result{}, err
	}
	creds := credentials.Resolve(credentials.Sources{
		Session:  req.SessionToken,
		Project:  project.GithubToken,
		Defaults: s.defaults,
	})
	res, err := s.orch.Run(ctx, Request{
		RepoURL:     repoURL,
		Owner:       owner,
		Repo:        repo,
		CommitSHA:   req.CommitSHA,
		PRNumber:    req.PRNumber,
		BaseBranch:  project.DefaultBranch,
		Credentials: creds,
	}, log)
	return res, scm.RewriteBadCredentials(err)
}

// afterSuccess reopens the linked issue and notifies members. Neither can
// fail the rollback.
func (s *Service) afterSuccess(ctx context.Context, project db.Project, req ProjectRequest, res Result, log *runlog.Logger) {
	if req.IssueID != "" && s.issues != nil {
		detail := fmt.Sprintf("Rolled back by %s", res.PRURL)
		if _, err := s.issues.Reopen(req.IssueID, detail); err != nil {
			s.logger.Warn("reopening rolled back issue", "issue_id", req.IssueID, "error", err)
			log.Warnf("Could not reopen issue: %s", runerr.Message(err))
		}
	}
	if s.notifier == nil {
		return
	}
	err := s.notifier.NotifyProjectMembers(context.WithoutCancel(ctx), notify.Message{
		Type:      notify.TypeRollback,
		Message:   fmt.Sprintf("Rollback of PR #%d opened in %s", req.PRNumber, project.Name),
		Link:      res.PRURL,
		ProjectID: project.ID,
	})
	if err != nil {
		s.logger.Warn("notifying rollback", "project", project.Name, "error", err)
	}
}
