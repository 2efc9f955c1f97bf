// Package autofix runs the issue-to-pull-request workflow: lock the issue,
// open a host tracking issue, let the fix agent produce a pull request, and
// record the outcome. Whatever happens, an issue never stays ai_running once
// its run is over.
package autofix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/uesteibar/opsdeck/internal/agent"
	"github.com/uesteibar/opsdeck/internal/credentials"
	"github.com/uesteibar/opsdeck/internal/db"
	"github.com/uesteibar/opsdeck/internal/explain"
	"github.com/uesteibar/opsdeck/internal/issue"
	"github.com/uesteibar/opsdeck/internal/notify"
	"github.com/uesteibar/opsdeck/internal/projects"
	"github.com/uesteibar/opsdeck/internal/prompts"
	"github.com/uesteibar/opsdeck/internal/runerr"
	"github.com/uesteibar/opsdeck/internal/runlog"
	"github.com/uesteibar/opsdeck/internal/scm"
)

// RunKind is the kind recorded on autofix run records.
const RunKind = "autofix"

// Store is the persistence the orchestrator needs besides issue status.
type Store interface {
	GetProject(id string) (db.Project, error)
	CreateRun(r db.Run) (db.Run, error)
	FinishRun(id, status, prURL string, prNumber int, errMsg, errKind string) error
	CreateTask(t db.Task) (db.Task, error)
	LogActivity(e db.ActivityEntry) error
}

// Issues applies issue lifecycle transitions.
type Issues interface {
	Lock(id, actor string) (db.Issue, error)
	Unlock(id, reason string) (bool, error)
	RecordTracking(id, externalID, url string) (db.Issue, error)
	CompleteFix(id string, res issue.FixResult) (db.Issue, error)
}

// TrackingHost creates and reads host tracking issues.
type TrackingHost interface {
	CreateIssue(ctx context.Context, owner, repo, title, body string, labels ...string) (scm.Issue, error)
	GetIssue(ctx context.Context, owner, repo string, number int) (scm.Issue, error)
}

// HostFactory builds a tracking host client for resolved credentials.
type HostFactory func(creds credentials.Run) (TrackingHost, error)

// Notifier delivers notifications.
type Notifier interface {
	NotifyProjectMembers(ctx context.Context, msg notify.Message) error
	NotifyUser(ctx context.Context, userID string, msg notify.Message) error
}

// Explainer writes the explanation stored on the issue. It never returns an
// empty string.
type Explainer interface {
	Explain(ctx context.Context, apiKey string, in explain.Input) string
}

type nopNotifier struct{}

func (nopNotifier) NotifyProjectMembers(context.Context, notify.Message) error { return nil }
func (nopNotifier) NotifyUser(context.Context, string, notify.Message) error { return nil }

// Config tunes the orchestrator.
type Config struct {
	// Timeout bounds a whole run.
	Timeout  time.Duration
	Defaults credentials.Defaults
	Prompts  prompts.Renderer
	// Labels are put on host tracking issues.
	Labels []string
}

// Orchestrator runs autofix workflows. It is safe for concurrent use.
type Orchestrator struct {
	store     Store
	issues    Issues
	hosts     HostFactory
	invoker   agent.Invoker
	explainer Explainer
	notifier  Notifier
	cfg       Config
	logger    *slog.Logger
}

// Deps groups the orchestrator's collaborators.
type Deps struct {
	Store     Store
	Issues    Issues
	Hosts     HostFactory
	Invoker   agent.Invoker
	Explainer Explainer
	Notifier  Notifier
	Logger    *slog.Logger
}

func New(d Deps, cfg Config) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Minute
	}
	if cfg.Labels == nil {
		cfg.Labels = []string{"opsdeck", "autofix"}
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	return &Orchestrator{
		store:     d.Store,
		issues:    d.Issues,
		hosts:     d.Hosts,
		invoker:   d.Invoker,
		explainer: d.Explainer,
		notifier:  d.Notifier,
		cfg:       cfg,
		logger:    logger,
	}
}

// Request starts an autofix for one issue.
type Request struct {
	IssueID string
	// ActorID is the user who asked for the fix; the review task goes to them.
	ActorID string
	// SessionToken is the actor's own GitHub token, if connected.
	SessionToken string
}

// Result is the success payload of a run.
type Result struct {
	RunID       string `json:"runId"`
	IssueID     string `json:"issueId"`
	PRURL       string `json:"prUrl"`
	PRNumber    int    `json:"prNumber"`
	Explanation string `json:"aiExplanation"`
	TrackingURL string `json:"trackingUrl,omitempty"`
}

// Run locks the issue and executes the workflow to completion.
func (o *Orchestrator) Run(ctx context.Context, req Request, sink runlog.Sink) (Result, error) {
	run, err := o.Start(req)
	if err != nil {
		return Result{}, err
	}
	return run.Execute(ctx, sink)
}

// Run is a started autofix: its issue is locked and its run record exists.
// Exactly one of Execute or Abort must follow.
type Run struct {
	ID      string
	IssueID string

	o       *Orchestrator
	req     Request
	issue   db.Issue
	project db.Project
	once    sync.Once
}

// Start validates the request and takes the issue lock. Rejections happen
// here, before any external call.
func (o *Orchestrator) Start(req Request) (*Run, error) {
	if req.IssueID == "" {
		return nil, runerr.Validationf("issue id is required")
	}
	locked, err := o.issues.Lock(req.IssueID, req.ActorID)
	if err != nil {
		return nil, err
	}

	r := &Run{IssueID: locked.ID, o: o, req: req, issue: locked}
	project, err := o.store.GetProject(locked.ProjectID)
	if err != nil {
		o.unlock(locked.ID, "project lookup failed")
		return nil, fmt.Errorf("loading project: %w", err)
	}
	r.project = project

	rec, err := o.store.CreateRun(db.Run{Kind: RunKind, IssueID: locked.ID, ProjectID: project.ID})
	if err != nil {
		o.unlock(locked.ID, "run record could not be created")
		return nil, fmt.Errorf("recording run: %w", err)
	}
	r.ID = rec.ID
	return r, nil
}

// Abort releases a started run that will not be executed.
func (r *Run) Abort(cause error) {
	r.once.Do(func() {
		if cause == nil {
			cause = errors.New("run aborted before it started")
		}
		r.o.finishFailed(r, runlog.NewLogger(r.ID, r.o.sinkFor(r, nil)), cause)
	})
}

// Execute runs the workflow. On any failure, timeout or panic the issue is
// returned to open before Execute returns.
func (r *Run) Execute(ctx context.Context, sink runlog.Sink) (res Result, err error) {
	executed := false
	r.once.Do(func() { executed = true })
	if !executed {
		return Result{}, runerr.New(runerr.KindInternal, "run was already executed or aborted", nil)
	}

	o := r.o
	log := runlog.NewLogger(r.ID, o.sinkFor(r, sink))

	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("autofix panicked", "run_id", r.ID, "issue_id", r.IssueID, "panic", p, "stack", string(debug.Stack()))
			err = runerr.New(runerr.KindInternal, fmt.Sprintf("autofix failed unexpectedly: %v", p), nil)
			res = Result{}
		}
		if err != nil {
			err = o.finishFailed(r, log, err)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	res, err = o.execute(runCtx, r, log)
	if err != nil && runCtx.Err() != nil && ctx.Err() == nil {
		err = runerr.New(runerr.KindTransientIO, fmt.Sprintf("autofix timed out after %s", o.cfg.Timeout), err)
	}
	return res, err
}

func (o *Orchestrator) execute(ctx context.Context, r *Run, log *runlog.Logger) (Result, error) {
	log.Infof("Autofix started for %q", r.issue.Title)

	creds := credentials.Resolve(credentials.Sources{
		Session:  r.req.SessionToken,
		Project:  r.project.GithubToken,
		Defaults: o.cfg.Defaults,
	})
	if err := creds.RequireGithub(); err != nil {
		return Result{}, err
	}
	if err := creds.RequireAI(); err != nil {
		return Result{}, err
	}
	log.Infof("Using GitHub credentials from %s", creds.Source)

	owner, repo, repoURL, err := projects.Repository(r.project)
	if err != nil {
		return Result{}, err
	}
	host, err := o.hosts(creds)
	if err != nil {
		return Result{}, runerr.New(runerr.KindConfiguration, fmt.Sprintf("configuring GitHub client: %v", err), err)
	}

	tracking, err := o.trackingIssue(ctx, host, r, owner, repo, log)
	if err != nil {
		return Result{}, err
	}

	log.Infof("Invoking fix agent")
	out, err := o.invoker.Invoke(ctx, agent.Request{
		IssueURL:    tracking.HTMLURL,
		IssueTitle:  r.issue.Title,
		IssueBody:   r.issue.Description,
		RepoURL:     repoURL,
		Owner:       owner,
		Repo:        repo,
		BaseBranch:  r.project.DefaultBranch,
		Credentials: creds,
	}, log.Func())
	if err != nil {
		if runerr.KindOf(err) == runerr.KindInternal {
			err = runerr.Wrap(runerr.KindAgent, err)
		}
		return Result{}, err
	}
	if out.Status != agent.StatusSuccess || out.PRURL == "" {
		return Result{}, runerr.New(runerr.KindAgent, fmt.Sprintf("fix agent finished with status %s and no pull request", statusOrUnknown(out.Status)), nil)
	}
	log.Infof("Fix agent opened %s", out.PRURL)

	explanation := o.explainer.Explain(ctx, creds.AIKey, explain.Input{
		Title:       r.issue.Title,
		Kind:        r.issue.Kind,
		Description: r.issue.Description,
		PRURL:       out.PRURL,
		PRNumber:    out.PRNumber,
		Summary:     out.Summary,
		Files:       out.Files,
	})

	updated, err := o.issues.CompleteFix(r.IssueID, issue.FixResult{
		PRURL:       out.PRURL,
		PRNumber:    out.PRNumber,
		Explanation: explanation,
	})
	if err != nil {
		return Result{}, err
	}

	o.sideEffects(context.WithoutCancel(ctx), r, updated, log)

	res := Result{
		RunID:       r.ID,
		IssueID:     r.IssueID,
		PRURL:       out.PRURL,
		PRNumber:    out.PRNumber,
		Explanation: explanation,
		TrackingURL: tracking.HTMLURL,
	}
	if err := o.store.FinishRun(r.ID, db.RunSuccess, res.PRURL, res.PRNumber, "", ""); err != nil {
		o.logger.Warn("finishing run record", "run_id", r.ID, "error", err)
	}
	log.Succeed(runlog.Result{PRURL: res.PRURL, PRNumber: res.PRNumber})
	o.logger.Info("autofix succeeded", "run_id", r.ID, "issue_id", r.IssueID, "pr_url", res.PRURL)
	return res, nil
}

// trackingIssue reuses the host issue recorded on a previous attempt while it
// is still open, and creates one otherwise.
func (o *Orchestrator) trackingIssue(ctx context.Context, host TrackingHost, r *Run, owner, repo string, log *runlog.Logger) (scm.Issue, error) {
	if n, err := strconv.Atoi(r.issue.ExternalID); err == nil && n > 0 {
		existing, err := host.GetIssue(ctx, owner, repo, n)
		switch {
		case err == nil && existing.State == "open":
			log.Infof("Reusing tracking issue %s", existing.HTMLURL)
			return existing, nil
		case err != nil && runerr.Is(err, runerr.KindAuthentication):
			return scm.Issue{}, err
		case err != nil:
			log.Warnf("Recorded tracking issue #%d is unavailable, creating a new one", n)
		}
	}

	body, err := o.cfg.Prompts.TrackingIssue(prompts.TrackingIssueData{
		IssueID:     r.issue.ID,
		Description: r.issue.Description,
		Kind:        r.issue.Kind,
		Priority:    r.issue.Priority,
	})
	if err != nil {
		return scm.Issue{}, runerr.Wrap(runerr.KindInternal, err)
	}
	created, err := host.CreateIssue(ctx, owner, repo, r.issue.Title, body, o.cfg.Labels...)
	if err != nil {
		return scm.Issue{}, fmt.Errorf("creating tracking issue: %w", err)
	}
	if _, err := o.issues.RecordTracking(r.IssueID, strconv.Itoa(created.Number), created.HTMLURL); err != nil {
		return scm.Issue{}, err
	}
	log.Infof("Created tracking issue %s", created.HTMLURL)
	return created, nil
}

// sideEffects notifies members and hands the review to the actor. Failures
// are logged and never fail the run.
func (o *Orchestrator) sideEffects(ctx context.Context, r *Run, updated db.Issue, log *runlog.Logger) {
	var g errgroup.Group

	g.Go(func() error {
		defer o.recoverSideEffect(r, "member notification")
		err := o.notifier.NotifyProjectMembers(ctx, notify.Message{
			Type:       notify.TypeAIFixReady,
			Message:    fmt.Sprintf("AI fix ready for review: %s", updated.Title),
			Link:       updated.PRURL,
			ProjectID:  updated.ProjectID,
			IsCritical: updated.Priority == "critical",
		})
		if err != nil {
			o.logger.Warn("notifying project members", "run_id", r.ID, "issue_id", r.IssueID, "error", err)
			log.Warnf("Could not notify project members: %v", err)
		}
		return nil
	})

	g.Go(func() error {
		defer o.recoverSideEffect(r, "review task")
		desc, err := o.cfg.Prompts.ReviewTask(prompts.ReviewTaskData{
			Title:       updated.Title,
			PRURL:       updated.PRURL,
			Explanation: updated.AIExplanation,
		})
		if err != nil {
			desc = updated.PRURL
		}
		task, err := o.store.CreateTask(db.Task{
			ProjectID:   updated.ProjectID,
			IssueID:     updated.ID,
			Title:       "Review AI fix: " + updated.Title,
			Description: desc,
			AssignedTo:  r.req.ActorID,
			PRURL:       updated.PRURL,
		})
		if err != nil {
			o.logger.Warn("creating review task", "run_id", r.ID, "issue_id", r.IssueID, "error", err)
			log.Warnf("Could not create review task: %v", err)
			return nil
		}
		if task.AssignedTo == "" {
			return nil
		}
		if err := o.notifier.NotifyUser(ctx, task.AssignedTo, notify.Message{
			Type:      notify.TypeTaskAssigned,
			Message:   task.Title,
			Link:      updated.PRURL,
			ProjectID: updated.ProjectID,
		}); err != nil {
			o.logger.Warn("notifying assignee", "run_id", r.ID, "user_id", task.AssignedTo, "error", err)
		}
		return nil
	})

	_ = g.Wait()
}

// recoverSideEffect keeps a panicking side effect from taking down the
// process; the fix itself is already recorded.
func (o *Orchestrator) recoverSideEffect(r *Run, what string) {
	if p := recover(); p != nil {
		o.logger.Error("side effect panicked", "side_effect", what, "run_id", r.ID, "issue_id", r.IssueID, "panic", p, "stack", string(debug.Stack()))
	}
}

// finishFailed is the run boundary: reclassify, unlock, record, log.
func (o *Orchestrator) finishFailed(r *Run, log *runlog.Logger, err error) error {
	err = scm.RewriteBadCredentials(err)

	o.unlock(r.IssueID, runerr.Message(err))

	kind := runerr.KindOf(err)
	if ferr := o.store.FinishRun(r.ID, db.RunFailed, "", 0, runerr.Message(err), string(kind)); ferr != nil {
		o.logger.Warn("finishing run record", "run_id", r.ID, "error", ferr)
	}
	log.Fail(err)
	o.logger.Error("autofix failed", "run_id", r.ID, "issue_id", r.IssueID, "kind", kind, "error", err)
	return err
}

// unlock is the last-resort safety revert. It does not depend on the run's
// context, so it still runs after a timeout or cancellation.
func (o *Orchestrator) unlock(issueID, reason string) {
	reverted, err := o.issues.Unlock(issueID, reason)
	if err != nil {
		o.logger.Error("reverting issue to open", "issue_id", issueID, "error", err)
		return
	}
	if reverted {
		o.logger.Info("issue reverted to open", "issue_id", issueID)
	}
}

func (o *Orchestrator) sinkFor(r *Run, sink runlog.Sink) runlog.Sink {
	return runlog.Multi(sink, runlog.NewStoreSink(o.store, r.IssueID, o.logger))
}

func statusOrUnknown(s agent.Status) string {
	if s == "" {
		return "unknown"
	}
	return string(s)
}

var _ Issues = (*issue.StateMachine)(nil)
