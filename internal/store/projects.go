package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/converge/internal/task"
)

const projectColumns = `id, name, description, default_repos, default_instructions, preferences, created_at, updated_at`

func scanProject(row rowScanner) (*task.Project, error) {
	var (
		p            task.Project
		repos, prefs []byte
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &repos, &p.DefaultInstructions, &prefs, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	if err := json.Unmarshal(repos, &p.DefaultRepos); err != nil {
		return nil, fmt.Errorf("decode default repos of project %s: %w", p.ID, err)
	}
	if err := json.Unmarshal(prefs, &p.Preferences); err != nil {
		return nil, fmt.Errorf("decode preferences of project %s: %w", p.ID, err)
	}
	return &p, nil
}

func projectArgs(p *task.Project) (repos, prefs []byte, err error) {
	list := p.DefaultRepos
	if list == nil {
		list = []string{}
	}
	if repos, err = json.Marshal(list); err != nil {
		return nil, nil, fmt.Errorf("encode default repos: %w", err)
	}
	if prefs, err = json.Marshal(p.Preferences); err != nil {
		return nil, nil, fmt.Errorf("encode preferences: %w", err)
	}
	return repos, prefs, nil
}

func (s *Store) InsertProject(ctx context.Context, p *task.Project) error {
	repos, prefs, err := projectArgs(p)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO projects (`+projectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.Name, p.Description, repos, p.DefaultInstructions, prefs, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return task.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert project %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, id string) (*task.Project, error) {
	p, err := scanProject(s.db.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, task.ProjectNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return p, nil
}

func (s *Store) UpdateProject(ctx context.Context, id string, mutate func(*task.Project) error) (*task.Project, error) {
	var out *task.Project
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		p, err := scanProject(tx.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return task.ProjectNotFound(id)
		}
		if err != nil {
			return fmt.Errorf("lock project %s: %w", id, err)
		}
		if err := mutate(p); err != nil {
			return err
		}
		repos, prefs, err := projectArgs(p)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE projects SET name = $2, description = $3, default_repos = $4,
			       default_instructions = $5, preferences = $6, updated_at = $7
			WHERE id = $1`,
			p.ID, p.Name, p.Description, repos, p.DefaultInstructions, prefs, p.UpdatedAt)
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
	rows, err := s.db.Query(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at`)
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
