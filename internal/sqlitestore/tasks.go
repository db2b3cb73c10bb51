package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/converge/internal/queue"
	"github.com/nidhogg/converge/internal/task"
)

const taskColumns = `id, COALESCE(project_id,''), status, created_at, updated_at, claimed_at,
	attempts, request, COALESCE(last_error,''), COALESCE(artifacts_dir,''),
	COALESCE(source,''), COALESCE(idempotency_key,''), COALESCE(dedupe_key,''),
	hitl_questions, hitl_resolution, COALESCE(status_reason,'')`

var _ queue.Store = (*Store)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t                   task.Task
		status              string
		created, updated    string
		claimed             sql.NullString
		request             string
		questions, resolved sql.NullString
	)
	err := row.Scan(
		&t.ID, &t.ProjectID, &status, &created, &updated, &claimed,
		&t.Attempts, &request, &t.LastError, &t.ArtifactsDir,
		&t.Source, &t.IdempotencyKey, &t.DedupeKey,
		&questions, &resolved, &t.StatusReason,
	)
	if err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if claimed.Valid {
		at, err := parseTime(claimed.String)
		if err != nil {
			return nil, err
		}
		t.ClaimedAt = &at
	}
	if err := json.Unmarshal([]byte(request), &t.Request); err != nil {
		return nil, fmt.Errorf("decode request of task %s: %w", t.ID, err)
	}
	if questions.Valid && questions.String != "" {
		if err := json.Unmarshal([]byte(questions.String), &t.HITLQuestions); err != nil {
			return nil, fmt.Errorf("decode hitl questions of task %s: %w", t.ID, err)
		}
	}
	if resolved.Valid && resolved.String != "" {
		if err := json.Unmarshal([]byte(resolved.String), &t.HITLResolution); err != nil {
			return nil, fmt.Errorf("decode hitl resolution of task %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

type taskRow struct {
	request    string
	questions  sql.NullString
	resolution sql.NullString
	claimedAt  sql.NullString
}

func encodeTask(t *task.Task) (taskRow, error) {
	var r taskRow
	data, err := json.Marshal(t.Request)
	if err != nil {
		return r, fmt.Errorf("encode request: %w", err)
	}
	r.request = string(data)
	if len(t.HITLQuestions) > 0 {
		data, err := json.Marshal(t.HITLQuestions)
		if err != nil {
			return r, fmt.Errorf("encode hitl questions: %w", err)
		}
		r.questions = sql.NullString{String: string(data), Valid: true}
	}
	if t.HITLResolution != nil {
		data, err := json.Marshal(t.HITLResolution)
		if err != nil {
			return r, fmt.Errorf("encode hitl resolution: %w", err)
		}
		r.resolution = sql.NullString{String: string(data), Valid: true}
	}
	if t.ClaimedAt != nil {
		r.claimedAt = sql.NullString{String: formatTime(*t.ClaimedAt), Valid: true}
	}
	return r, nil
}

func (s *Store) InsertTask(ctx context.Context, t *task.Task) error {
	r, err := encodeTask(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, status, created_at, updated_at, claimed_at, attempts,
		                   request, last_error, artifacts_dir, source, idempotency_key, dedupe_key,
		                   hitl_questions, hitl_resolution, status_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, nullString(t.ProjectID), string(t.Status), formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
		r.claimedAt, t.Attempts, r.request, nullString(t.LastError), nullString(t.ArtifactsDir),
		nullString(t.Source), nullString(t.IdempotencyKey), nullString(t.DedupeKey),
		r.questions, r.resolution, nullString(t.StatusReason),
	)
	if isUniqueViolation(err) {
		return task.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.TaskNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (s *Store) FindByDedupeKey(ctx context.Context, key string) (*task.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE dedupe_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &task.NotFoundError{Kind: "task", ID: key}
	}
	if err != nil {
		return nil, fmt.Errorf("find task by dedupe key %s: %w", key, err)
	}
	return t, nil
}

// ClaimPending selects and flips the oldest PENDING rows inside one
// IMMEDIATE transaction, which holds the database write lock throughout.
func (s *Store) ClaimPending(ctx context.Context, limit int, now time.Time) ([]*task.Task, error) {
	var claimed []*task.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at, id LIMIT ?`,
			string(task.StatusPending), limit)
		if err != nil {
			return fmt.Errorf("select pending tasks: %w", err)
		}
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan pending task: %w", err)
			}
			claimed = append(claimed, t)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		stamp := formatTime(now)
		for _, t := range claimed {
			if _, err := tx.ExecContext(ctx,
				`UPDATE tasks SET status = ?, claimed_at = ?, updated_at = ? WHERE id = ?`,
				string(task.StatusClaimed), stamp, stamp, t.ID); err != nil {
				return fmt.Errorf("claim task %s: %w", t.ID, err)
			}
			at := now.UTC()
			t.Status = task.StatusClaimed
			t.ClaimedAt = &at
			t.UpdatedAt = at
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) UpdateTask(ctx context.Context, id string, mutate func(*task.Task) error) (*task.Task, error) {
	var out *task.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return task.TaskNotFound(id)
		}
		if err != nil {
			return fmt.Errorf("load task %s: %w", id, err)
		}
		if err := mutate(t); err != nil {
			return err
		}
		r, err := encodeTask(t)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET project_id = ?, status = ?, updated_at = ?, claimed_at = ?,
			       attempts = ?, request = ?, last_error = ?, artifacts_dir = ?,
			       hitl_questions = ?, hitl_resolution = ?, status_reason = ?
			WHERE id = ?`,
			nullString(t.ProjectID), string(t.Status), formatTime(t.UpdatedAt), r.claimedAt,
			t.Attempts, r.request, nullString(t.LastError), nullString(t.ArtifactsDir),
			r.questions, r.resolution, nullString(t.StatusReason), t.ID,
		)
		if err != nil {
			return fmt.Errorf("update task %s: %w", id, err)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListTasks(ctx context.Context, f queue.ListFilter) ([]*task.Task, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	args = append(args, f.Limit, f.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks`+clause+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*task.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, total, rows.Err()
}
