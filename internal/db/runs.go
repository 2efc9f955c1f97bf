package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const runColumns = `id, kind, issue_id, project_id, status, pr_url, pr_number, error, error_kind,
	started_at, finished_at`

// Run statuses. Terminal values match the run log's final record.
const (
	RunRunning = "running"
	RunSuccess = "SUCCESS"
	RunFailed  = "FAILED"
)

func (db *DB) CreateRun(r Run) (Run, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = RunRunning
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	_, err := db.conn.Exec(`
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Kind, r.IssueID, r.ProjectID, r.Status, r.PRURL, r.PRNumber, r.Error, r.ErrorKind,
		formatTime(r.StartedAt), formatOptTime(r.FinishedAt),
	)
	if err != nil {
		return Run{}, fmt.Errorf("creating run: %w", err)
	}
	return r, nil
}

// FinishRun records the terminal status of a run.
func (db *DB) FinishRun(id, status, prURL string, prNumber int, errMsg, errKind string) error {
	result, err := db.conn.Exec(`
		UPDATE runs SET status = ?, pr_url = ?, pr_number = ?, error = ?, error_kind = ?, finished_at = ?
		WHERE id = ?`,
		status, prURL, prNumber, errMsg, errKind, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("run not found: %s: %w", id, ErrNotFound)
	}
	return nil
}

func (db *DB) GetRun(id string) (Run, error) {
	r, err := scanRun(db.conn.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, fmt.Errorf("run not found: %s: %w", id, ErrNotFound)
		}
		return Run{}, fmt.Errorf("getting run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs, optionally limited to one issue.
func (db *DB) ListRuns(issueID string, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if issueID != "" {
		query += ` WHERE issue_id = ?`
		args = append(args, issueID)
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	return db.queryRuns(query, args...)
}

// ListRunsByStatus returns every run in status, oldest first.
func (db *DB) ListRunsByStatus(status string) ([]Run, error) {
	return db.queryRuns(`SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY started_at, rowid`, status)
}

func (db *DB) queryRuns(query string, args ...any) ([]Run, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(s scanner) (Run, error) {
	var r Run
	var startedAt, finishedAt string
	err := s.Scan(&r.ID, &r.Kind, &r.IssueID, &r.ProjectID, &r.Status, &r.PRURL, &r.PRNumber,
		&r.Error, &r.ErrorKind, &startedAt, &finishedAt)
	if err != nil {
		return Run{}, err
	}
	r.StartedAt = parseTime(startedAt)
	r.FinishedAt = parseOptTime(finishedAt)
	return r, nil
}
