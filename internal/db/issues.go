package db

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

const issueColumns = `id, project_id, requirement_id, title, description, kind, priority,
	status, assignee, pr_url, pr_number, external_id, tracking_url, ai_explanation,
	merged_at, created_at, updated_at`

type IssueFilter struct {
	ProjectID string
	Statuses  []string
}

// StatusConflictError is returned by TransitionIssue when the issue is not in
// any of the expected statuses.
type StatusConflictError struct {
	IssueID  string
	Current  string
	Expected []string
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("issue %s is %s, expected one of [%s]", e.IssueID, e.Current, strings.Join(e.Expected, ", "))
}

func (db *DB) CreateIssue(issue Issue) (Issue, error) {
	if issue.ID == "" {
		issue.ID = uuid.New().String()
	}
	if issue.Status == "" {
		issue.Status = "open"
	}
	now := time.Now().UTC()
	issue.CreatedAt = now
	issue.UpdatedAt = now

	_, err := db.conn.Exec(`
		INSERT INTO issues (`+issueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		issue.ID, issue.ProjectID, issue.RequirementID, issue.Title, issue.Description,
		issue.Kind, issue.Priority, issue.Status, issue.Assignee, issue.PRURL, issue.PRNumber,
		issue.ExternalID, issue.TrackingURL, issue.AIExplanation, formatOptTime(issue.MergedAt),
		formatTime(issue.CreatedAt), formatTime(issue.UpdatedAt),
	)
	if err != nil {
		return Issue{}, fmt.Errorf("creating issue: %w", err)
	}
	return issue, nil
}

func (db *DB) GetIssue(id string) (Issue, error) {
	return getIssue(db.conn, id)
}

func (tx *Tx) GetIssue(id string) (Issue, error) {
	return getIssue(tx.tx, id)
}

func getIssue(q queryer, id string) (Issue, error) {
	issue, err := scanIssue(q.QueryRow(`SELECT `+issueColumns+` FROM issues WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Issue{}, fmt.Errorf("issue not found: %s: %w", id, ErrNotFound)
		}
		return Issue{}, fmt.Errorf("getting issue: %w", err)
	}
	return issue, nil
}

func (db *DB) ListIssues(filter IssueFilter) ([]Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issues`

	var conditions []string
	var args []any
	if filter.ProjectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if len(filter.Statuses) > 0 {
		conditions = append(conditions, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, s := range filter.Statuses {
			args = append(args, s)
		}
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing issues: %w", err)
	}
	defer rows.Close()

	var issues []Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning issue: %w", err)
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

func (db *DB) UpdateIssue(issue Issue) error {
	return updateIssue(db.conn, issue)
}

func (tx *Tx) UpdateIssue(issue Issue) error {
	return updateIssue(tx.tx, issue)
}

func updateIssue(q queryer, issue Issue) error {
	issue.UpdatedAt = time.Now().UTC()
	result, err := q.Exec(`
		UPDATE issues SET project_id = ?, requirement_id = ?, title = ?, description = ?,
			kind = ?, priority = ?, status = ?, assignee = ?, pr_url = ?, pr_number = ?,
			external_id = ?, tracking_url = ?, ai_explanation = ?, merged_at = ?, updated_at = ?
		WHERE id = ?`,
		issue.ProjectID, issue.RequirementID, issue.Title, issue.Description,
		issue.Kind, issue.Priority, issue.Status, issue.Assignee, issue.PRURL, issue.PRNumber,
		issue.ExternalID, issue.TrackingURL, issue.AIExplanation, formatOptTime(issue.MergedAt),
		formatTime(issue.UpdatedAt), issue.ID,
	)
	if err != nil {
		return fmt.Errorf("updating issue: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("issue not found: %s: %w", issue.ID, ErrNotFound)
	}
	return nil
}

// Transition describes a conditional status change.
type Transition struct {
	IssueID string
	From    []string
	To      string
	// Event and Detail are written to the activity log with the change.
	Event  string
	Detail string
	// Mutate may adjust other fields of the issue in the same transaction.
	Mutate func(*Issue)
}

// TransitionIssue atomically moves an issue to t.To if and only if its
// current status is one of t.From. The status write is guarded by the
// expected status, so of two concurrent transitions from the same status
// exactly one succeeds; the other gets a *StatusConflictError.
func (db *DB) TransitionIssue(t Transition) (Issue, error) {
	var out Issue
	err := db.Tx(func(tx *Tx) error {
		issue, err := tx.GetIssue(t.IssueID)
		if err != nil {
			return err
		}
		if !slices.Contains(t.From, issue.Status) {
			return &StatusConflictError{IssueID: issue.ID, Current: issue.Status, Expected: t.From}
		}

		from := issue.Status
		issue.Status = t.To
		if t.Mutate != nil {
			t.Mutate(&issue)
			issue.Status = t.To
		}
		issue.UpdatedAt = time.Now().UTC()

		result, err := tx.tx.Exec(`
			UPDATE issues SET requirement_id = ?, title = ?, description = ?, kind = ?,
				priority = ?, status = ?, assignee = ?, pr_url = ?, pr_number = ?,
				external_id = ?, tracking_url = ?, ai_explanation = ?, merged_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			issue.RequirementID, issue.Title, issue.Description, issue.Kind,
			issue.Priority, issue.Status, issue.Assignee, issue.PRURL, issue.PRNumber,
			issue.ExternalID, issue.TrackingURL, issue.AIExplanation, formatOptTime(issue.MergedAt),
			formatTime(issue.UpdatedAt), issue.ID, from,
		)
		if err != nil {
			return fmt.Errorf("updating issue status: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			current, err := tx.GetIssue(t.IssueID)
			if err != nil {
				return err
			}
			return &StatusConflictError{IssueID: issue.ID, Current: current.Status, Expected: t.From}
		}

		event := t.Event
		if event == "" {
			event = "status_change"
		}
		if err := tx.LogActivity(ActivityEntry{
			IssueID:   issue.ID,
			EventType: event,
			FromState: from,
			ToState:   t.To,
			Detail:    t.Detail,
		}); err != nil {
			return err
		}
		out = issue
		return nil
	})
	if err != nil {
		return Issue{}, err
	}
	return out, nil
}

func scanIssue(s scanner) (Issue, error) {
	var issue Issue
	var mergedAt, createdAt, updatedAt string
	err := s.Scan(
		&issue.ID, &issue.ProjectID, &issue.RequirementID, &issue.Title, &issue.Description,
		&issue.Kind, &issue.Priority, &issue.Status, &issue.Assignee, &issue.PRURL, &issue.PRNumber,
		&issue.ExternalID, &issue.TrackingURL, &issue.AIExplanation, &mergedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return Issue{}, err
	}
	issue.MergedAt = parseOptTime(mergedAt)
	issue.CreatedAt = parseTime(createdAt)
	issue.UpdatedAt = parseTime(updatedAt)
	return issue, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
