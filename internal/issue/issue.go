// Package issue owns the lifecycle of a tracked issue. Every status change
// goes through the store's conditional update so two writers racing on the
// same issue cannot both win.
package issue

import (
	"errors"
	"fmt"
	"time"

	"github.com/uesteibar/opsdeck/internal/db"
	"github.com/uesteibar/opsdeck/internal/runerr"
)

// Status is a state in the issue lifecycle.
type Status string

const (
	StatusOpen      Status = "open"
	StatusAIRunning Status = "ai_running"
	StatusPRCreated Status = "pr_created"
	StatusClosed    Status = "closed"
)

// AssigneeAI marks an issue as handed to the fix agent.
const AssigneeAI = "ai"

var validStatuses = map[Status]bool{
	StatusOpen:      true,
	StatusAIRunning: true,
	StatusPRCreated: true,
	StatusClosed:    true,
}

// ValidStatus returns true if s is a recognized Status.
func ValidStatus(s Status) bool {
	return validStatuses[s]
}

var (
	validKinds      = map[string]bool{"bug": true, "feature": true, "improvement": true}
	validPriorities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}
)

func ValidKind(k string) bool     { return validKinds[k] }
func ValidPriority(p string) bool { return validPriorities[p] }

// ErrLocked is wrapped by the validation error returned when an autofix run
// already holds the issue.
var ErrLocked = errors.New("issue is locked by a running autofix")

// transitions lists every status change the lifecycle permits. closed→open
// only happens through Reopen after a rollback.
var transitions = map[Status][]Status{
	StatusOpen:      {StatusAIRunning, StatusClosed},
	StatusAIRunning: {StatusPRCreated, StatusOpen},
	StatusPRCreated: {StatusClosed, StatusOpen},
	StatusClosed:    {StatusOpen},
}

// CanTransition reports whether from→to is part of the lifecycle.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Store is the persistence the state machine needs.
type Store interface {
	CreateIssue(issue db.Issue) (db.Issue, error)
	GetIssue(id string) (db.Issue, error)
	TransitionIssue(t db.Transition) (db.Issue, error)
}

// StateMachine applies lifecycle transitions to persisted issues.
type StateMachine struct {
	store Store
	now   func() time.Time
}

func New(store Store) *StateMachine {
	return &StateMachine{store: store, now: time.Now}
}

// Get loads an issue, classifying a missing id as a validation failure.
func (sm *StateMachine) Get(id string) (db.Issue, error) {
	issue, err := sm.store.GetIssue(id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return db.Issue{}, runerr.New(runerr.KindValidation, fmt.Sprintf("issue %s not found", id), err)
		}
		return db.Issue{}, fmt.Errorf("loading issue: %w", err)
	}
	return issue, nil
}

// NewIssue is the input to Create.
type NewIssue struct {
	ProjectID     string
	RequirementID string
	Title         string
	Description   string
	Kind          string
	Priority      string
	Assignee      string
}

// Create validates and stores a new open issue.
func (sm *StateMachine) Create(in NewIssue) (db.Issue, error) {
	if in.ProjectID == "" {
		return db.Issue{}, runerr.Validationf("project is required")
	}
	if in.Title == "" {
		return db.Issue{}, runerr.Validationf("title is required")
	}
	if in.Kind == "" {
		in.Kind = "bug"
	}
	if in.Priority == "" {
		in.Priority = "medium"
	}
	if !ValidKind(in.Kind) {
		return db.Issue{}, runerr.Validationf("invalid issue type %q", in.Kind)
	}
	if !ValidPriority(in.Priority) {
		return db.Issue{}, runerr.Validationf("invalid priority %q", in.Priority)
	}
	issue, err := sm.store.CreateIssue(db.Issue{
		ProjectID:     in.ProjectID,
		RequirementID: in.RequirementID,
		Title:         in.Title,
		Description:   in.Description,
		Kind:          in.Kind,
		Priority:      in.Priority,
		Status:        string(StatusOpen),
		Assignee:      in.Assignee,
	})
	if err != nil {
		return db.Issue{}, fmt.Errorf("creating issue: %w", err)
	}
	return issue, nil
}

// Lock moves an open issue to ai_running. It is the only way an autofix run
// may start, and it is persisted before any external call.
func (sm *StateMachine) Lock(id, actor string) (db.Issue, error) {
	current, err := sm.Get(id)
	if err != nil {
		return db.Issue{}, err
	}
	if err := checkStartable(current); err != nil {
		return db.Issue{}, err
	}

	issue, err := sm.store.TransitionIssue(db.Transition{
		IssueID: id,
		From:    []string{string(StatusOpen)},
		To:      string(StatusAIRunning),
		Event:   "autofix_started",
		Detail:  fmt.Sprintf("Autofix started by %s", actorName(actor)),
		Mutate: func(i *db.Issue) {
			i.Assignee = AssigneeAI
		},
	})
	if err != nil {
		var conflict *db.StatusConflictError
		if errors.As(err, &conflict) {
			return db.Issue{}, startRejected(Status(conflict.Current), err)
		}
		return db.Issue{}, fmt.Errorf("locking issue: %w", err)
	}
	return issue, nil
}

func checkStartable(issue db.Issue) error {
	if Status(issue.Status) == StatusOpen {
		return nil
	}
	return startRejected(Status(issue.Status), nil)
}

func startRejected(current Status, cause error) error {
	switch current {
	case StatusAIRunning:
		if cause == nil {
			cause = ErrLocked
		} else {
			cause = fmt.Errorf("%w: %w", ErrLocked, cause)
		}
		return runerr.New(runerr.KindValidation, "an autofix is already running for this issue", cause)
	case StatusClosed:
		return runerr.New(runerr.KindValidation, "issue is closed", cause)
	case StatusPRCreated:
		return runerr.New(runerr.KindValidation, "issue already has an open fix pull request", cause)
	default:
		return runerr.New(runerr.KindValidation, fmt.Sprintf("issue cannot start an autofix from status %s", current), cause)
	}
}

// Unlock returns an ai_running issue to open. It reports false, without
// error, when the issue was no longer ai_running.
func (sm *StateMachine) Unlock(id, reason string) (bool, error) {
	_, err := sm.store.TransitionIssue(db.Transition{
		IssueID: id,
		From:    []string{string(StatusAIRunning)},
		To:      string(StatusOpen),
		Event:   "autofix_failed",
		Detail:  reason,
		Mutate: func(i *db.Issue) {
			if i.Assignee == AssigneeAI {
				i.Assignee = ""
			}
		},
	})
	if err != nil {
		var conflict *db.StatusConflictError
		if errors.As(err, &conflict) {
			return false, nil
		}
		return false, fmt.Errorf("unlocking issue: %w", err)
	}
	return true, nil
}

// RecordTracking stores the host tracking issue on a running issue so a
// retried run reuses it.
func (sm *StateMachine) RecordTracking(id, externalID, url string) (db.Issue, error) {
	issue, err := sm.store.TransitionIssue(db.Transition{
		IssueID: id,
		From:    []string{string(StatusAIRunning)},
		To:      string(StatusAIRunning),
		Event:   "tracking_issue",
		Detail:  url,
		Mutate: func(i *db.Issue) {
			i.ExternalID = externalID
			i.TrackingURL = url
		},
	})
	if err != nil {
		return db.Issue{}, fmt.Errorf("recording tracking issue: %w", err)
	}
	return issue, nil
}

// FixResult is what a successful autofix stores on the issue.
type FixResult struct {
	PRURL       string
	PRNumber    int
	Explanation string
}

// CompleteFix moves a running issue to pr_created with its PR linkage.
func (sm *StateMachine) CompleteFix(id string, res FixResult) (db.Issue, error) {
	if res.PRURL == "" {
		return db.Issue{}, runerr.New(runerr.KindAgent, "fix agent reported success without a pull request URL", nil)
	}
	issue, err := sm.store.TransitionIssue(db.Transition{
		IssueID: id,
		From:    []string{string(StatusAIRunning)},
		To:      string(StatusPRCreated),
		Event:   "pr_created",
		Detail:  res.PRURL,
		Mutate: func(i *db.Issue) {
			i.PRURL = res.PRURL
			i.PRNumber = res.PRNumber
			i.AIExplanation = res.Explanation
		},
	})
	if err != nil {
		return db.Issue{}, fmt.Errorf("completing fix: %w", err)
	}
	return issue, nil
}

// MarkMerged closes an issue whose fix PR was merged.
func (sm *StateMachine) MarkMerged(id string) (db.Issue, error) {
	mergedAt := sm.now().UTC()
	issue, err := sm.store.TransitionIssue(db.Transition{
		IssueID: id,
		From:    []string{string(StatusPRCreated)},
		To:      string(StatusClosed),
		Event:   "pr_merged",
		Mutate: func(i *db.Issue) {
			i.MergedAt = &mergedAt
		},
	})
	if err != nil {
		return db.Issue{}, classifyConflict(err, "closing merged issue")
	}
	return issue, nil
}

// Reopen moves a closed issue back to open after its change was rolled
// back, clearing the PR linkage and merge time.
func (sm *StateMachine) Reopen(id, detail string) (db.Issue, error) {
	issue, err := sm.store.TransitionIssue(db.Transition{
		IssueID: id,
		From:    []string{string(StatusClosed)},
		To:      string(StatusOpen),
		Event:   "rollback_reopened",
		Detail:  detail,
		Mutate:  clearFix,
	})
	if err != nil {
		return db.Issue{}, classifyConflict(err, "reopening issue")
	}
	return issue, nil
}

// SetStatus applies a manual status change. Running and closed issues are
// immutable here, and nobody may set ai_running by hand.
func (sm *StateMachine) SetStatus(id string, target Status, actor string) (db.Issue, error) {
	if !ValidStatus(target) {
		return db.Issue{}, runerr.Validationf("invalid status %q", target)
	}
	if target == StatusAIRunning {
		return db.Issue{}, runerr.Validationf("status ai_running can only be set by an autofix run")
	}
	current, err := sm.Get(id)
	if err != nil {
		return db.Issue{}, err
	}
	from := Status(current.Status)
	switch from {
	case StatusAIRunning:
		return db.Issue{}, runerr.New(runerr.KindValidation, "issue is locked by a running autofix", ErrLocked)
	case StatusClosed:
		return db.Issue{}, runerr.Validationf("issue is closed")
	}
	if from == target {
		return current, nil
	}
	if !CanTransition(from, target) {
		return db.Issue{}, runerr.Validationf("cannot change status from %s to %s", from, target)
	}

	t := db.Transition{
		IssueID: id,
		From:    []string{string(from)},
		To:      string(target),
		Event:   "manual_status_change",
		Detail:  fmt.Sprintf("Status changed by %s", actorName(actor)),
	}
	if from == StatusPRCreated && target == StatusOpen {
		t.Mutate = clearFix
	}
	issue, err := sm.store.TransitionIssue(t)
	if err != nil {
		return db.Issue{}, classifyConflict(err, "updating status")
	}
	return issue, nil
}

func clearFix(i *db.Issue) {
	i.PRURL = ""
	i.PRNumber = 0
	i.MergedAt = nil
}

func classifyConflict(err error, op string) error {
	var conflict *db.StatusConflictError
	if errors.As(err, &conflict) {
		return runerr.New(runerr.KindValidation, conflict.Error(), err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func actorName(actor string) string {
	if actor == "" {
		return "unknown user"
	}
	return actor
}
