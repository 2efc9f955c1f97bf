package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const activityColumns = `id, issue_id, run_id, event_type, from_state, to_state, level, detail, created_at`

func (db *DB) LogActivity(e ActivityEntry) error {
	return logActivity(db.conn, e)
}

func (tx *Tx) LogActivity(e ActivityEntry) error {
	return logActivity(tx.tx, e)
}

func logActivity(q queryer, e ActivityEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Level == "" {
		e.Level = "info"
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := q.Exec(`
		INSERT INTO activity_log (`+activityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.IssueID, e.RunID, e.EventType, e.FromState, e.ToState, e.Level, e.Detail,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("logging activity: %w", err)
	}
	return nil
}

// ListActivity returns an issue's activity, newest first.
func (db *DB) ListActivity(issueID string, limit, offset int) ([]ActivityEntry, error) {
	return db.listActivity(`
		SELECT `+activityColumns+` FROM activity_log WHERE issue_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`, issueID, limit, offset)
}

// ListRunLog returns the log lines of a run in the order they were written.
func (db *DB) ListRunLog(runID string) ([]ActivityEntry, error) {
	return db.listActivity(`
		SELECT `+activityColumns+` FROM activity_log WHERE run_id = ?
		ORDER BY rowid ASC`, runID)
}

func (db *DB) listActivity(query string, args ...any) ([]ActivityEntry, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing activity: %w", err)
	}
	defer rows.Close()

	var entries []ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		var createdAt string
		err := rows.Scan(&e.ID, &e.IssueID, &e.RunID, &e.EventType, &e.FromState, &e.ToState,
			&e.Level, &e.Detail, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scanning activity: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
