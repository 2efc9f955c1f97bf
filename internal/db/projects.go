package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const projectColumns = `id, name, repo_url, github_owner, github_repo, default_branch,
	github_token, preview_command, created_at, updated_at`

func (db *DB) CreateProject(p Project) (Project, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := db.conn.Exec(`
		INSERT INTO projects (`+projectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.RepoURL, p.GithubOwner, p.GithubRepo, p.DefaultBranch,
		p.GithubToken, p.PreviewCommand, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return Project{}, fmt.Errorf("creating project: %w", err)
	}
	return p, nil
}

func (db *DB) GetProject(id string) (Project, error) {
	p, err := scanProject(db.conn.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Project{}, fmt.Errorf("project not found: %s: %w", id, ErrNotFound)
		}
		return Project{}, fmt.Errorf("getting project: %w", err)
	}
	return p, nil
}

func (db *DB) GetProjectByName(name string) (Project, error) {
	p, err := scanProject(db.conn.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE name = ?`, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Project{}, fmt.Errorf("project not found: %s: %w", name, ErrNotFound)
		}
		return Project{}, fmt.Errorf("getting project by name: %w", err)
	}
	return p, nil
}

func (db *DB) ListProjects() ([]Project, error) {
	rows, err := db.conn.Query(`SELECT ` + projectColumns + ` FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (db *DB) UpdateProject(p Project) error {
	p.UpdatedAt = time.Now().UTC()
	result, err := db.conn.Exec(`
		UPDATE projects SET name = ?, repo_url = ?, github_owner = ?, github_repo = ?,
			default_branch = ?, github_token = ?, preview_command = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, p.RepoURL, p.GithubOwner, p.GithubRepo, p.DefaultBranch,
		p.GithubToken, p.PreviewCommand, formatTime(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return fmt.Errorf("updating project: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("project not found: %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

// SetMembers replaces the member list of a project.
func (db *DB) SetMembers(projectID string, members []Member) error {
	return db.Tx(func(tx *Tx) error {
		if _, err := tx.tx.Exec(`DELETE FROM project_members WHERE project_id = ?`, projectID); err != nil {
			return fmt.Errorf("clearing members: %w", err)
		}
		for _, m := range members {
			role := m.Role
			if role == "" {
				role = "member"
			}
			if _, err := tx.tx.Exec(`
				INSERT INTO project_members (project_id, user_id, email, role) VALUES (?, ?, ?, ?)`,
				projectID, m.UserID, m.Email, role); err != nil {
				return fmt.Errorf("adding member %s: %w", m.UserID, err)
			}
		}
		return nil
	})
}

func (db *DB) ListMembers(projectID string) ([]Member, error) {
	rows, err := db.conn.Query(`
		SELECT project_id, user_id, email, role FROM project_members
		WHERE project_id = ? ORDER BY user_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ProjectID, &m.UserID, &m.Email, &m.Role); err != nil {
			return nil, fmt.Errorf("scanning member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func scanProject(s scanner) (Project, error) {
	var p Project
	var createdAt, updatedAt string
	err := s.Scan(&p.ID, &p.Name, &p.RepoURL, &p.GithubOwner, &p.GithubRepo, &p.DefaultBranch,
		&p.GithubToken, &p.PreviewCommand, &createdAt, &updatedAt)
	if err != nil {
		return Project{}, err
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}
