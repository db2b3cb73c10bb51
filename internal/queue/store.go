package queue

import (
	"context"
	"time"

	"github.com/nidhogg/converge/internal/task"
)

// Store is the durable record of tasks and projects. Every method runs in
// a single atomic transaction against the backing store.
type Store interface {
	// InsertTask persists a new task. It returns task.ErrConflict when the
	// task's non-empty dedupe key is already taken.
	InsertTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	FindByDedupeKey(ctx context.Context, key string) (*task.Task, error)

	// ClaimPending moves up to limit PENDING tasks, oldest first, to CLAIMED
	// and returns them. Concurrent callers never receive the same task.
	ClaimPending(ctx context.Context, limit int, now time.Time) ([]*task.Task, error)

	// UpdateTask locks the task, hands a copy to mutate and persists the
	// result. An error from mutate aborts the update and is returned as is.
	UpdateTask(ctx context.Context, id string, mutate func(*task.Task) error) (*task.Task, error)

	ListTasks(ctx context.Context, filter ListFilter) ([]*task.Task, int, error)

	InsertProject(ctx context.Context, p *task.Project) error
	GetProject(ctx context.Context, id string) (*task.Project, error)
	UpdateProject(ctx context.Context, id string, mutate func(*task.Project) error) (*task.Project, error)
	ListProjects(ctx context.Context) ([]*task.Project, error)
}

// ListFilter narrows ListTasks. Zero values mean "any".
type ListFilter struct {
	Status    task.Status
	ProjectID string
	Limit     int
	Offset    int
}

// Notifier receives lifecycle events after a transition commits.
type Notifier interface {
	Publish(ctx context.Context, ev task.Event) error
}
