package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/converge/internal/task"
)

// MemoryStore is an in-process Store. A single mutex serializes every
// operation, which makes claims trivially exclusive.
type MemoryStore struct {
	mu       sync.Mutex
	tasks    map[string]*task.Task
	dedupe   map[string]string
	projects map[string]*task.Project
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]*task.Task),
		dedupe:   make(map[string]string),
		projects: make(map[string]*task.Project),
	}
}

func (s *MemoryStore) InsertTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.DedupeKey != "" {
		if _, ok := s.dedupe[t.DedupeKey]; ok {
			return task.ErrConflict
		}
		s.dedupe[t.DedupeKey] = t.ID
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, task.TaskNotFound(id)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) FindByDedupeKey(_ context.Context, key string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.dedupe[key]
	if !ok {
		return nil, &task.NotFoundError{Kind: "task", ID: key}
	}
	return s.tasks[id].Clone(), nil
}

func (s *MemoryStore) ClaimPending(_ context.Context, limit int, now time.Time) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*task.Task
	for _, t := range s.tasks {
		if t.Status == task.StatusPending {
			pending = append(pending, t)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}

	out := make([]*task.Task, 0, len(pending))
	for _, t := range pending {
		at := now
		t.Status = task.StatusClaimed
		t.ClaimedAt = &at
		t.UpdatedAt = now
		out = append(out, t.Clone())
	}
	return out, nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, id string, mutate func(*task.Task) error) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[id]
	if !ok {
		return nil, task.TaskNotFound(id)
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	s.tasks[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) ListTasks(_ context.Context, f ListFilter) ([]*task.Task, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*task.Task
	for _, t := range s.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.ProjectID != "" && t.ProjectID != f.ProjectID {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if f.Offset >= total {
		return []*task.Task{}, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < end {
		end = f.Offset + f.Limit
	}
	out := make([]*task.Task, 0, end-f.Offset)
	for _, t := range matched[f.Offset:end] {
		out = append(out, t.Clone())
	}
	return out, total, nil
}

func (s *MemoryStore) InsertProject(_ context.Context, p *task.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.ID]; ok {
		return task.ErrConflict
	}
	s.projects[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) GetProject(_ context.Context, id string) (*task.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, task.ProjectNotFound(id)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) UpdateProject(_ context.Context, id string, mutate func(*task.Project) error) (*task.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.projects[id]
	if !ok {
		return nil, task.ProjectNotFound(id)
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	s.projects[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) ListProjects(_ context.Context) ([]*task.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*task.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
