package autofix

import (
	"fmt"
	"log/slog"

	"github.com/uesteibar/opsdeck/internal/db"
	"github.com/uesteibar/opsdeck/internal/issue"
	"github.com/uesteibar/opsdeck/internal/runerr"
)

// interruptedReason is recorded on everything a previous process left
// running.
const interruptedReason = "interrupted by server restart"

// RecoveryStore lists and closes the records a previous process left
// running.
type RecoveryStore interface {
	ListIssues(filter db.IssueFilter) ([]db.Issue, error)
	ListRunsByStatus(status string) ([]db.Run, error)
	FinishRun(id, status, prURL string, prNumber int, errMsg, errKind string) error
}

// Recovered counts what Recover released.
type Recovered struct {
	Issues int
	Runs   int
}

// JobKey is the dispatcher key an autofix for issueID runs under.
func JobKey(issueID string) string {
	return "autofix:" + issueID
}

// Recover releases ai_running issues and running run records whose work no
// longer exists, which happens when the process stopped mid-run. busy
// reports whether a dispatcher job still owns a key; those are left alone.
// Call it at startup, before new runs are accepted.
func Recover(store RecoveryStore, issues Issues, busy func(key string) bool, logger *slog.Logger) (Recovered, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if busy == nil {
		busy = func(string) bool { return false }
	}
	var rec Recovered

	runs, err := store.ListRunsByStatus(db.RunRunning)
	if err != nil {
		return rec, fmt.Errorf("listing running runs: %w", err)
	}
	for _, r := range runs {
		if r.Kind == RunKind && busy(JobKey(r.IssueID)) {
			continue
		}
		if err := store.FinishRun(r.ID, db.RunFailed, "", 0, interruptedReason, string(runerr.KindInternal)); err != nil {
			return rec, fmt.Errorf("failing run %s: %w", r.ID, err)
		}
		logger.Info("run failed after restart", "run_id", r.ID, "kind", r.Kind, "issue_id", r.IssueID)
		rec.Runs++
	}

	locked, err := store.ListIssues(db.IssueFilter{Statuses: []string{string(issue.StatusAIRunning)}})
	if err != nil {
		return rec, fmt.Errorf("listing running issues: %w", err)
	}
	for _, is := range locked {
		if busy(JobKey(is.ID)) {
			continue
		}
		reverted, err := issues.Unlock(is.ID, interruptedReason)
		if err != nil {
			return rec, err
		}
		if reverted {
			logger.Info("issue reverted to open after restart", "issue_id", is.ID)
			rec.Issues++
		}
	}
	return rec, nil
}
