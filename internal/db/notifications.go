package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

func (db *DB) CreateNotification(n Notification) (Notification, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.CreatedAt = time.Now().UTC()

	_, err := db.conn.Exec(`
		INSERT INTO notifications (id, user_id, project_id, type, message, link, is_critical, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.ProjectID, n.Type, n.Message, n.Link,
		boolInt(n.IsCritical), boolInt(n.Read), formatTime(n.CreatedAt),
	)
	if err != nil {
		return Notification{}, fmt.Errorf("creating notification: %w", err)
	}
	return n, nil
}

// ListNotifications returns a user's notifications, newest first.
func (db *DB) ListNotifications(userID string, unreadOnly bool) ([]Notification, error) {
	query := `
		SELECT id, user_id, project_id, type, message, link, is_critical, read, created_at
		FROM notifications WHERE user_id = ?`
	if unreadOnly {
		query += ` AND read = 0`
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := db.conn.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var critical, read int
		var createdAt string
		if err := rows.Scan(&n.ID, &n.UserID, &n.ProjectID, &n.Type, &n.Message, &n.Link,
			&critical, &read, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		n.IsCritical = critical == 1
		n.Read = read == 1
		n.CreatedAt = parseTime(createdAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (db *DB) MarkNotificationRead(id string) error {
	result, err := db.conn.Exec(`UPDATE notifications SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("marking notification read: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("notification not found: %s: %w", id, ErrNotFound)
	}
	return nil
}
