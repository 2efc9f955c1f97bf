// Package merge merges an issue's fix pull request and closes the issue.
package merge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/uesteibar/opsdeck/internal/credentials"
	"github.com/uesteibar/opsdeck/internal/db"
	"github.com/uesteibar/opsdeck/internal/issue"
	"github.com/uesteibar/opsdeck/internal/notify"
	"github.com/uesteibar/opsdeck/internal/projects"
	"github.com/uesteibar/opsdeck/internal/runerr"
	"github.com/uesteibar/opsdeck/internal/scm"
)

type Host interface {
	MergePullRequest(ctx context.Context, owner, repo string, number int, method, message string) error
}

type HostFactory func(creds credentials.Run) (Host, error)

type Issues interface {
	Get(id string) (db.Issue, error)
	MarkMerged(id string) (db.Issue, error)
}

type Projects interface {
	GetProject(id string) (db.Project, error)
}

type Notifier interface {
	NotifyProjectMembers(ctx context.Context, msg notify.Message) error
}

type Service struct {
	issues   Issues
	projects Projects
	hosts    HostFactory
	notifier Notifier
	defaults credentials.Defaults
	logger   *slog.Logger
}

func New(issues Issues, store Projects, hosts HostFactory, notifier Notifier, defaults credentials.Defaults, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{issues: issues, projects: store, hosts: hosts, notifier: notifier, defaults: defaults, logger: logger}
}

type Request struct {
	IssueID string
	// Method is merge, squash or rebase. Empty means merge.
	Method       string
	SessionToken string
}

// Merge merges the issue's pull request without retrying, then closes the
// issue. A rejected merge is a conflict error and leaves the issue as it was.
func (s *Service) Merge(ctx context.Context, req Request) (db.Issue, error) {
	switch req.Method {
	case "", scm.MergeMethodMerge, scm.MergeMethodSquash, scm.MergeMethodRebase:
	default:
		return db.Issue{}, runerr.Validationf("unknown merge method %q", req.Method)
	}

	current, err := s.issues.Get(req.IssueID)
	if err != nil {
		return db.Issue{}, err
	}
	if issue.Status(current.Status) != issue.StatusPRCreated {
		return db.Issue{}, runerr.Validationf("issue has no open fix pull request (status %s)", current.Status)
	}

	project, err := s.projects.GetProject(current.ProjectID)
	if err != nil {
		return db.Issue{}, fmt.Errorf("loading project: %w", err)
	}
	owner, repo, number, err := target(project, current)
	if err != nil {
		return db.Issue{}, err
	}

	creds := credentials.Resolve(credentials.Sources{
		Session:  req.SessionToken,
		Project:  project.GithubToken,
		Defaults: s.defaults,
	})
	if err := creds.RequireGithub(); err != nil {
		return db.Issue{}, err
	}
	host, err := s.hosts(creds)
	if err != nil {
		return db.Issue{}, runerr.New(runerr.KindConfiguration, fmt.Sprintf("configuring GitHub client: %v", err), err)
	}

	if err := host.MergePullRequest(ctx, owner, repo, number, req.Method, ""); err != nil {
		err = scm.RewriteBadCredentials(err)
		s.logger.Warn("merge rejected", "issue_id", current.ID, "pr", number, "kind", runerr.KindOf(err), "error", err)
		return db.Issue{}, err
	}

	closed, err := s.issues.MarkMerged(current.ID)
	if err != nil {
		return db.Issue{}, err
	}
	s.logger.Info("fix merged", "issue_id", closed.ID, "pr", number)

	if s.notifier != nil {
		if err := s.notifier.NotifyProjectMembers(context.WithoutCancel(ctx), notify.Message{
			Type:      notify.TypeIssueMerged,
			Message:   fmt.Sprintf("Fix merged: %s", closed.Title),
			Link:      closed.PRURL,
			ProjectID: closed.ProjectID,
		}); err != nil {
			s.logger.Warn("notifying merge", "issue_id", closed.ID, "error", err)
		}
	}
	return closed, nil
}

// target picks the pull request to merge. The PR URL wins over the project's
// repository since a fix may live in a fork.
func target(p db.Project, is db.Issue) (owner, repo string, number int, err error) {
	if is.PRURL != "" {
		if owner, repo, number, err = scm.ParsePRURL(is.PRURL); err == nil {
			return owner, repo, number, nil
		}
	}
	if is.PRNumber <= 0 {
		return "", "", 0, runerr.Validationf("issue has no pull request number")
	}
	owner, repo, _, err = projects.Repository(p)
	if err != nil {
		return "", "", 0, err
	}
	return owner, repo, is.PRNumber, nil
}
