package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nidhogg/converge/internal/queue"
	"github.com/nidhogg/converge/internal/task"
)

const uniqueViolation = "23505"

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
		t                              task.Task
		status                         string
		claimedAt                      *time.Time
		request, questions, resolution []byte
	)
	err := row.Scan(
		&t.ID, &t.ProjectID, &status, &t.CreatedAt, &t.UpdatedAt, &claimedAt,
		&t.Attempts, &request, &t.LastError, &t.ArtifactsDir,
		&t.Source, &t.IdempotencyKey, &t.DedupeKey,
		&questions, &resolution, &t.StatusReason,
	)
	if err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if claimedAt != nil {
		at := claimedAt.UTC()
		t.ClaimedAt = &at
	}
	if err := json.Unmarshal(request, &t.Request); err != nil {
		return nil, fmt.Errorf("decode request of task %s: %w", t.ID, err)
	}
	if len(questions) > 0 {
		if err := json.Unmarshal(questions, &t.HITLQuestions); err != nil {
			return nil, fmt.Errorf("decode hitl questions of task %s: %w", t.ID, err)
		}
	}
	if len(resolution) > 0 {
		if err := json.Unmarshal(resolution, &t.HITLResolution); err != nil {
			return nil, fmt.Errorf("decode hitl resolution of task %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

// taskArgs returns the JSONB payloads of t; nil slices become SQL NULL.
func taskArgs(t *task.Task) (request, questions, resolution []byte, err error) {
	if request, err = json.Marshal(t.Request); err != nil {
		return nil, nil, nil, fmt.Errorf("encode request: %w", err)
	}
	if len(t.HITLQuestions) > 0 {
		if questions, err = json.Marshal(t.HITLQuestions); err != nil {
			return nil, nil, nil, fmt.Errorf("encode hitl questions: %w", err)
		}
	}
	if t.HITLResolution != nil {
		if resolution, err = json.Marshal(t.HITLResolution); err != nil {
			return nil, nil, nil, fmt.Errorf("encode hitl resolution: %w", err)
		}
	}
	return request, questions, resolution, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// InsertTask stores a new task. A taken dedupe key yields task.ErrConflict.
func (s *Store) InsertTask(ctx context.Context, t *task.Task) error {
	request, questions, resolution, err := taskArgs(t)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO tasks (id, project_id, status, created_at, updated_at, claimed_at, attempts,
		                   request, last_error, artifacts_dir, source, idempotency_key, dedupe_key,
		                   hitl_questions, hitl_resolution, status_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		t.ID, nullable(t.ProjectID), string(t.Status), t.CreatedAt, t.UpdatedAt, t.ClaimedAt, t.Attempts,
		request, nullable(t.LastError), nullable(t.ArtifactsDir), nullable(t.Source),
		nullable(t.IdempotencyKey), nullable(t.DedupeKey),
		questions, resolution, nullable(t.StatusReason),
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
	t, err := scanTask(s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, task.TaskNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (s *Store) FindByDedupeKey(ctx context.Context, key string) (*task.Task, error) {
	t, err := scanTask(s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE dedupe_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &task.NotFoundError{Kind: "task", ID: key}
	}
	if err != nil {
		return nil, fmt.Errorf("find task by dedupe key %s: %w", key, err)
	}
	return t, nil
}

// ClaimPending claims the oldest PENDING rows. FOR UPDATE SKIP LOCKED lets
// concurrent claimers pass over each other's rows instead of blocking.
func (s *Store) ClaimPending(ctx context.Context, limit int, now time.Time) ([]*task.Task, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE tasks SET status = $2, claimed_at = $3, updated_at = $3
		WHERE id IN (
			SELECT id FROM tasks
			WHERE status = $1
			ORDER BY created_at, id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns,
		string(task.StatusPending), string(task.StatusClaimed), now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	defer rows.Close()

	var claimed []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed task: %w", err)
		}
		claimed = append(claimed, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	// RETURNING does not preserve the subquery order.
	sort.Slice(claimed, func(i, j int) bool {
		if claimed[i].CreatedAt.Equal(claimed[j].CreatedAt) {
			return claimed[i].ID < claimed[j].ID
		}
		return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
	})
	return claimed, nil
}

// UpdateTask locks the row for the duration of mutate and writes back the
// result in the same transaction.
func (s *Store) UpdateTask(ctx context.Context, id string, mutate func(*task.Task) error) (*task.Task, error) {
	var out *task.Task
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		t, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return task.TaskNotFound(id)
		}
		if err != nil {
			return fmt.Errorf("lock task %s: %w", id, err)
		}
		if err := mutate(t); err != nil {
			return err
		}
		request, questions, resolution, err := taskArgs(t)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE tasks SET project_id = $2, status = $3, updated_at = $4, claimed_at = $5,
			       attempts = $6, request = $7, last_error = $8, artifacts_dir = $9,
			       hitl_questions = $10, hitl_resolution = $11, status_reason = $12
			WHERE id = $1`,
			t.ID, nullable(t.ProjectID), string(t.Status), t.UpdatedAt, t.ClaimedAt,
			t.Attempts, request, nullable(t.LastError), nullable(t.ArtifactsDir),
			questions, resolution, nullable(t.StatusReason),
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

// ListTasks returns a page of tasks, newest first, with the total count.
func (s *Store) ListTasks(ctx context.Context, f queue.ListFilter) ([]*task.Task, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.ProjectID != "" {
		args = append(args, f.ProjectID)
		where = append(where, fmt.Sprintf("project_id = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM tasks`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	args = append(args, f.Limit, f.Offset)
	rows, err := s.db.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks`+clause+
			fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
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
