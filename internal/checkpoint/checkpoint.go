// Package checkpoint persists snapshots of suspended workflow runs.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by Load when no checkpoint exists for a run.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is a serialized workflow state plus the node execution will
// continue from. RunID equals the owning task id.
type Checkpoint struct {
	RunID     string          `json:"run_id"`
	Next      string          `json:"next"`
	Version   int             `json:"version"`
	State     json.RawMessage `json:"state"`
	Questions []string        `json:"questions,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store saves, loads and deletes checkpoints by run id. Save overwrites
// any previous checkpoint of the same run.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, runID string) (*Checkpoint, error)
	Delete(ctx context.Context, runID string) error
}

// MemoryStore keeps checkpoints in process. Used by tests and by the
// memory database backend.
type MemoryStore struct {
	mu  sync.RWMutex
	cps map[string]Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cps: make(map[string]Checkpoint)}
}

func (s *MemoryStore) Save(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cps[cp.RunID] = clone(*cp)
	return nil
}

func (s *MemoryStore) Load(_ context.Context, runID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.cps[runID]
	if !ok {
		return nil, ErrNotFound
	}
	c := clone(cp)
	return &c, nil
}

func (s *MemoryStore) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cps, runID)
	return nil
}

// Len reports how many checkpoints are held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cps)
}

func clone(cp Checkpoint) Checkpoint {
	cp.State = append(json.RawMessage(nil), cp.State...)
	cp.Questions = append([]string(nil), cp.Questions...)
	return cp
}
