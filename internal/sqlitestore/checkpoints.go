package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nidhogg/converge/internal/checkpoint"
)

// CheckpointStore shares the task database file.
type CheckpointStore struct {
	s *Store
}

var _ checkpoint.Store = (*CheckpointStore)(nil)

func (s *Store) Checkpoints() *CheckpointStore {
	return &CheckpointStore{s: s}
}

func (c *CheckpointStore) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	var questions sql.NullString
	if len(cp.Questions) > 0 {
		data, err := json.Marshal(cp.Questions)
		if err != nil {
			return fmt.Errorf("encode checkpoint questions: %w", err)
		}
		questions = sql.NullString{String: string(data), Valid: true}
	}
	_, err := c.s.db.ExecContext(ctx, `
		INSERT INTO workflow_checkpoints (run_id, next_node, version, state, questions, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			next_node = excluded.next_node,
			version = excluded.version,
			state = excluded.state,
			questions = excluded.questions,
			created_at = excluded.created_at`,
		cp.RunID, cp.Next, cp.Version, string(cp.State), questions, formatTime(cp.CreatedAt))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.RunID, err)
	}
	return nil
}

func (c *CheckpointStore) Load(ctx context.Context, runID string) (*checkpoint.Checkpoint, error) {
	var (
		cp        checkpoint.Checkpoint
		state     string
		questions sql.NullString
		created   string
	)
	err := c.s.db.QueryRowContext(ctx, `
		SELECT run_id, next_node, version, state, questions, created_at
		FROM workflow_checkpoints WHERE run_id = ?`, runID,
	).Scan(&cp.RunID, &cp.Next, &cp.Version, &state, &questions, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", runID, err)
	}
	cp.State = json.RawMessage(state)
	if cp.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if questions.Valid && questions.String != "" {
		if err := json.Unmarshal([]byte(questions.String), &cp.Questions); err != nil {
			return nil, fmt.Errorf("decode checkpoint questions %s: %w", runID, err)
		}
	}
	return &cp, nil
}

func (c *CheckpointStore) Delete(ctx context.Context, runID string) error {
	if _, err := c.s.db.ExecContext(ctx, `DELETE FROM workflow_checkpoints WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", runID, err)
	}
	return nil
}
