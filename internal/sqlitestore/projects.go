package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nidhogg/converge/internal/task"
)

const projectColumns = `id, name, description, default_repos, default_instructions, preferences, created_at, updated_at`

func scanProject(row rowScanner) (*task.Project, error) {
	var (
		p                task.Project
		repos, prefs     string
		created, updated string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &repos, &p.DefaultInstructions, &prefs, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if p.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(repos), &p.DefaultRepos); err != nil {
		return nil, fmt.Errorf("decode default repos of project %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(prefs), &p.Preferences); err != nil {
		return nil, fmt.Errorf("decode preferences of project %s: %w", p.ID, err)
	}
	return &p, nil
}

func encodeProject(p *task.Project) (repos, prefs string, err error) {
	list := p.DefaultRepos
	if list == nil {
		list = []string{}
	}
	r, err := json.Marshal(list)
	if err != nil {
		return "", "", fmt.Errorf("encode default repos: %w", err)
	}
	pr, err := json.Marshal(p.Preferences)
	if err != nil {
		return "", "", fmt.Errorf("encode preferences: %w", err)
	}
	return string(r), string(pr), nil
}

func (s *Store) InsertProject(ctx context.Context, p *task.Project) error {
	repos, prefs, err := encodeProject(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (`+projectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, repos, p.DefaultInstructions, prefs,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if isUniqueViolation(err) {
		return task.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert project %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, id string) (*task.Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ProjectNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return p, nil
}

func (s *Store) UpdateProject(ctx context.Context, id string, mutate func(*task.Project) error) (*task.Project, error) {
	var out *task.Project
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := scanProject(tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return task.ProjectNotFound(id)
		}
		if err != nil {
			return fmt.Errorf("load project %s: %w", id, err)
		}
		if err := mutate(p); err != nil {
			return err
		}
		repos, prefs, err := encodeProject(p)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE projects SET name = ?, description = ?, default_repos = ?,
			       default_instructions = ?, preferences = ?, updated_at = ?
			WHERE id = ?`,
			p.Name, p.Description, repos, p.DefaultInstructions, prefs, formatTime(p.UpdatedAt), p.ID)
		if err != nil {
			return fmt.Errorf("update project %s: %w", id, err)
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]*task.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := []*task.Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}
