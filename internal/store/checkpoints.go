package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/converge/internal/checkpoint"
)

// CheckpointStore keeps workflow checkpoints in the same database as the
// tasks they belong to.
type CheckpointStore struct {
	s *Store
}

var _ checkpoint.Store = (*CheckpointStore)(nil)

// Checkpoints returns a checkpoint.Store sharing this store's pool.
func (s *Store) Checkpoints() *CheckpointStore {
	return &CheckpointStore{s: s}
}

func (c *CheckpointStore) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	var questions []byte
	if len(cp.Questions) > 0 {
		var err error
		if questions, err = json.Marshal(cp.Questions); err != nil {
			return fmt.Errorf("encode checkpoint questions: %w", err)
		}
	}
	_, err := c.s.db.Exec(ctx, `
		INSERT INTO workflow_checkpoints (run_id, next_node, version, state, questions, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id) DO UPDATE SET
			next_node = EXCLUDED.next_node,
			version = EXCLUDED.version,
			state = EXCLUDED.state,
			questions = EXCLUDED.questions,
			created_at = EXCLUDED.created_at`,
		cp.RunID, cp.Next, cp.Version, []byte(cp.State), questions, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.RunID, err)
	}
	return nil
}

func (c *CheckpointStore) Load(ctx context.Context, runID string) (*checkpoint.Checkpoint, error) {
	var (
		cp               checkpoint.Checkpoint
		state, questions []byte
	)
	err := c.s.db.QueryRow(ctx, `
		SELECT run_id, next_node, version, state, questions, created_at
		FROM workflow_checkpoints WHERE run_id = $1`, runID,
	).Scan(&cp.RunID, &cp.Next, &cp.Version, &state, &questions, &cp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", runID, err)
	}
	cp.State = state
	cp.CreatedAt = cp.CreatedAt.UTC()
	if len(questions) > 0 {
		if err := json.Unmarshal(questions, &cp.Questions); err != nil {
			return nil, fmt.Errorf("decode checkpoint questions %s: %w", runID, err)
		}
	}
	return &cp, nil
}

func (c *CheckpointStore) Delete(ctx context.Context, runID string) error {
	if _, err := c.s.db.Exec(ctx, `DELETE FROM workflow_checkpoints WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", runID, err)
	}
	return nil
}
