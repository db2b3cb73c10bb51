package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nidhogg/converge/internal/task"
	"go.uber.org/zap"
)

// CreateProject validates and stores a new project. Zero-valued
// preferences are replaced by the defaults.
func (q *Queue) CreateProject(ctx context.Context, p task.Project) (*task.Project, error) {
	if p.Preferences == (task.Preferences{}) {
		p.Preferences = task.DefaultPreferences()
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := q.now()
	p.CreatedAt, p.UpdatedAt = now, now
	if err := q.store.InsertProject(ctx, &p); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	q.logger.Info("project created", zap.String("project", p.ID), zap.String("name", p.Name))
	return &p, nil
}

func (q *Queue) GetProject(ctx context.Context, id string) (*task.Project, error) {
	return q.store.GetProject(ctx, id)
}

// UpdateProject applies a partial update and stamps updated_at.
func (q *Queue) UpdateProject(ctx context.Context, id string, u task.ProjectUpdate) (*task.Project, error) {
	p, err := q.store.UpdateProject(ctx, id, func(p *task.Project) error {
		if err := u.Apply(p); err != nil {
			return err
		}
		p.UpdatedAt = q.now()
		return nil
	})
	if err != nil {
		var ve *task.ValidationError
		if errors.As(err, &ve) || errors.Is(err, task.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("update project %s: %w", id, err)
	}
	return p, nil
}

func (q *Queue) ListProjects(ctx context.Context) ([]*task.Project, error) {
	return q.store.ListProjects(ctx)
}

// DefaultProject returns the fallback project, creating it on first use.
func (q *Queue) DefaultProject(ctx context.Context) (*task.Project, error) {
	p, err := q.store.GetProject(ctx, task.DefaultProjectID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, task.ErrNotFound) {
		return nil, err
	}
	created, err := q.CreateProject(ctx, task.Project{
		ID:          task.DefaultProjectID,
		Name:        "Default Project",
		Description: "Fallback project for tasks submitted without a project id.",
		Preferences: task.DefaultPreferences(),
	})
	if errors.Is(err, task.ErrConflict) {
		// Lost a race with another creator.
		return q.store.GetProject(ctx, task.DefaultProjectID)
	}
	return created, err
}

// Normalize resolves the request's project and applies its defaults:
// repos fall back to the project's default repos, instructions are merged,
// and execute_immediately is refused under plan_then_execute.
func (q *Queue) Normalize(ctx context.Context, req task.Request) (task.Request, error) {
	var (
		p   *task.Project
		err error
	)
	if strings.TrimSpace(req.ProjectID) == "" {
		p, err = q.DefaultProject(ctx)
	} else {
		p, err = q.store.GetProject(ctx, req.ProjectID)
	}
	if err != nil {
		return task.Request{}, err
	}

	req.ProjectID = p.ID
	if len(req.Repos) == 0 {
		req.Repos = append([]string(nil), p.DefaultRepos...)
	}
	req.CustomInstructions = task.MergeInstructions(p.DefaultInstructions, req.CustomInstructions)
	if req.ExecuteImmediately && p.Preferences.ExecutionFlow == task.FlowPlanThenExecute {
		return task.Request{}, &task.ValidationError{
			Field:  "execute_immediately",
			Reason: fmt.Sprintf("project %s requires plan_then_execute; submit without execute_immediately", p.ID),
		}
	}

	req = req.WithDefaults()
	if err := req.Validate(); err != nil {
		return task.Request{}, err
	}
	return req, nil
}

// Followup enqueues a new task that repeats parent's request with a fresh
// instruction. The parent's project must allow instructions after a plan.
func (q *Queue) Followup(ctx context.Context, parentID, instruction string, executeImmediately bool) (*task.Task, error) {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return nil, &task.ValidationError{Field: "instruction", Reason: "instruction cannot be empty"}
	}
	parent, err := q.store.GetTask(ctx, parentID)
	if err != nil {
		return nil, err
	}
	var p *task.Project
	if parent.Request.ProjectID == "" {
		p, err = q.DefaultProject(ctx)
	} else {
		p, err = q.store.GetProject(ctx, parent.Request.ProjectID)
	}
	if err != nil {
		return nil, err
	}
	if !p.Preferences.AllowCustomInstructionsAfterPlan {
		return nil, &task.ValidationError{
			Field:  "instruction",
			Reason: fmt.Sprintf("project %s does not allow custom instructions after planning", p.ID),
		}
	}

	req := parent.Request
	req.Repos = append([]string(nil), parent.Request.Repos...)
	req.ProjectID = p.ID
	req.CustomInstructions = instruction
	req.ExecuteImmediately = executeImmediately
	req.Metadata = make(map[string]any, len(parent.Request.Metadata)+1)
	for k, v := range parent.Request.Metadata {
		req.Metadata[k] = v
	}
	req.Metadata["followup_from_task_id"] = parent.ID

	req, err = q.Normalize(ctx, req)
	if err != nil {
		return nil, err
	}
	return q.Enqueue(ctx, req)
}
