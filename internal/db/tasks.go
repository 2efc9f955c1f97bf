package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

func (db *DB) CreateTask(t Task) (Task, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = "todo"
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := db.conn.Exec(`
		INSERT INTO tasks (id, project_id, issue_id, title, description, assigned_to, pr_url,
			status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.IssueID, t.Title, t.Description, t.AssignedTo, t.PRURL,
		t.Status, formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return Task{}, fmt.Errorf("creating task: %w", err)
	}
	return t, nil
}

func (db *DB) ListTasksByIssue(issueID string) ([]Task, error) {
	rows, err := db.conn.Query(`
		SELECT id, project_id, issue_id, title, description, assigned_to, pr_url, status,
			created_at, updated_at
		FROM tasks WHERE issue_id = ? ORDER BY created_at, rowid`, issueID)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		var createdAt, updatedAt string
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.IssueID, &t.Title, &t.Description,
			&t.AssignedTo, &t.PRURL, &t.Status, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		t.CreatedAt = parseTime(createdAt)
		t.UpdatedAt = parseTime(updatedAt)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
