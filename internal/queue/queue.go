package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/converge/internal/metrics"
	"github.com/nidhogg/converge/internal/task"
	"go.uber.org/zap"
)

// DefaultMaxAttempts is the retry ceiling when none is configured.
const DefaultMaxAttempts = 3

// MaxPageSize bounds List page sizes.
const MaxPageSize = 200

// Options configures a Queue.
type Options struct {
	MaxAttempts int
	Notifier    Notifier
	Metrics     *metrics.Metrics
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Queue is the operations layer over a Store: enqueue, dedupe, claim,
// complete, fail/retry, HITL resolution and cancellation.
type Queue struct {
	store       Store
	maxAttempts int
	notifier    Notifier
	metrics     *metrics.Metrics
	now         func() time.Time
	logger      *zap.Logger
}

// New creates a Queue over store.
func New(store Store, opts Options, logger *zap.Logger) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Queue{
		store:       store,
		maxAttempts: opts.MaxAttempts,
		notifier:    opts.Notifier,
		metrics:     opts.Metrics,
		now:         opts.Now,
		logger:      logger,
	}
}

// Enqueue always creates a new PENDING task.
func (q *Queue) Enqueue(ctx context.Context, req task.Request) (*task.Task, error) {
	t, err := q.newTask(req, "", "")
	if err != nil {
		return nil, err
	}
	if err := q.store.InsertTask(ctx, t); err != nil {
		return nil, fmt.Errorf("enqueue task: %w", err)
	}
	q.metrics.IncEnqueued()
	q.logger.Info("task enqueued", zap.String("task", t.ID))
	q.publish(ctx, t, "", "")
	return t, nil
}

// EnqueueWithDedupe enqueues with source-aware idempotency. A duplicate
// submission returns the existing task with deduped=true and no error.
func (q *Queue) EnqueueWithDedupe(ctx context.Context, req task.Request, source, idempotencyKey string) (*task.Task, bool, error) {
	key := task.DedupeKey(source, idempotencyKey)
	if key == "" {
		t, err := q.Enqueue(ctx, req)
		return t, false, err
	}

	t, err := q.newTask(req, source, idempotencyKey)
	if err != nil {
		return nil, false, err
	}
	err = q.store.InsertTask(ctx, t)
	switch {
	case err == nil:
		q.metrics.IncEnqueued()
		q.logger.Info("task enqueued", zap.String("task", t.ID), zap.String("dedupe_key", key))
		q.publish(ctx, t, "", "")
		return t, false, nil
	case errors.Is(err, task.ErrConflict):
		existing, findErr := q.store.FindByDedupeKey(ctx, key)
		if findErr != nil {
			return nil, false, fmt.Errorf("find deduped task: %w", findErr)
		}
		q.metrics.IncDeduped()
		q.logger.Info("duplicate submission deduped",
			zap.String("task", existing.ID),
			zap.String("dedupe_key", key))
		return existing, true, nil
	default:
		return nil, false, fmt.Errorf("enqueue task: %w", err)
	}
}

// FindBySourceIdempotency looks up a task by its (source, key) pair.
func (q *Queue) FindBySourceIdempotency(ctx context.Context, source, idempotencyKey string) (*task.Task, error) {
	key := task.DedupeKey(source, idempotencyKey)
	if key == "" {
		return nil, &task.ValidationError{Field: "idempotency_key", Reason: "source and idempotency key are both required"}
	}
	return q.store.FindByDedupeKey(ctx, key)
}

func (q *Queue) newTask(req task.Request, source, idempotencyKey string) (*task.Task, error) {
	req = req.WithDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := q.now()
	return &task.Task{
		ID:             uuid.New().String(),
		ProjectID:      req.ProjectID,
		Status:         task.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		Request:        req,
		Source:         source,
		IdempotencyKey: idempotencyKey,
		DedupeKey:      task.DedupeKey(source, idempotencyKey),
	}, nil
}

// PollAndClaim atomically claims up to limit PENDING tasks, oldest first.
func (q *Queue) PollAndClaim(ctx context.Context, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	claimed, err := q.store.ClaimPending(ctx, limit, q.now())
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	q.metrics.AddClaimed(len(claimed))
	for _, t := range claimed {
		q.publish(ctx, t, task.StatusPending, "")
	}
	return claimed, nil
}

// MarkRunning moves a CLAIMED task to RUNNING.
func (q *Queue) MarkRunning(ctx context.Context, id string) error {
	_, err := q.transition(ctx, id, "mark_running", func(t *task.Task) error {
		if t.Status != task.StatusClaimed {
			return &task.PolicyError{Op: "mark_running", TaskID: id, Status: t.Status}
		}
		t.Status = task.StatusRunning
		return nil
	})
	return err
}

// Complete records a SUCCEEDED or HITL_REQUIRED outcome for a RUNNING task.
func (q *Queue) Complete(ctx context.Context, id string, result task.Result) error {
	if result.Status != task.StatusSucceeded && result.Status != task.StatusHITLRequired {
		return &task.ValidationError{Field: "status", Reason: fmt.Sprintf("complete expects SUCCEEDED or HITL_REQUIRED, got %s", result.Status)}
	}
	_, err := q.transition(ctx, id, "complete", func(t *task.Task) error {
		if err := task.Transition(t.Status, result.Status); err != nil || t.Status != task.StatusRunning {
			return &task.PolicyError{Op: "complete", TaskID: id, Status: t.Status}
		}
		t.Status = result.Status
		t.ArtifactsDir = result.ArtifactsDir
		t.HITLQuestions = append([]string(nil), result.HITLQuestions...)
		t.StatusReason = result.StatusReason
		t.LastError = ""
		if result.Status == task.StatusHITLRequired {
			// A fresh pause needs a fresh decision.
			t.HITLResolution = nil
		} else {
			t.HITLQuestions = nil
		}
		return nil
	})
	if err == nil {
		q.metrics.IncCompleted(string(result.Status))
	}
	return err
}

// Fail records a failed attempt of a CLAIMED or RUNNING task. Retryable
// failures below the attempt ceiling go back to PENDING; everything else
// ends FAILED. Any other status is a PolicyError, so a paused or queued
// task is never requeued without its resolution.
func (q *Queue) Fail(ctx context.Context, id, message string, retryable bool) error {
	var retried bool
	_, err := q.transition(ctx, id, "fail", func(t *task.Task) error {
		if t.Status != task.StatusClaimed && t.Status != task.StatusRunning {
			return &task.PolicyError{Op: "fail", TaskID: id, Status: t.Status}
		}
		failAttempt(t, message, retryable, q.maxAttempts)
		retried = t.Status == task.StatusPending
		return nil
	})
	if err == nil {
		q.metrics.IncFailed(retried)
	}
	return err
}

// failAttempt counts one failed attempt against t and moves it back to
// PENDING or on to FAILED.
func failAttempt(t *task.Task, message string, retryable bool, maxAttempts int) {
	t.Attempts++
	t.LastError = message
	if retryable && t.Attempts < maxAttempts {
		t.Status = task.StatusPending
		t.ClaimedAt = nil
		return
	}
	t.Status = task.StatusFailed
	t.StatusReason = fmt.Sprintf("failed after %d attempt(s)", t.Attempts)
}

// ResolveHITL stores a human decision for a paused task and requeues it.
func (q *Queue) ResolveHITL(ctx context.Context, id string, resolution map[string]any) error {
	if resolution == nil {
		resolution = map[string]any{}
	}
	_, err := q.transition(ctx, id, "resolve_hitl", func(t *task.Task) error {
		if t.Status != task.StatusHITLRequired {
			return &task.PolicyError{Op: "resolve_hitl", TaskID: id, Status: t.Status}
		}
		t.HITLResolution = resolution
		t.Status = task.StatusPending
		t.ClaimedAt = nil
		t.StatusReason = "resolved by human, requeued"
		return nil
	})
	return err
}

// Cancel stops a non-terminal task from being claimed or resumed again.
// It does not interrupt an execution already in flight.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	_, err := q.transition(ctx, id, "cancel", func(t *task.Task) error {
		if t.Status.Terminal() {
			return &task.PolicyError{Op: "cancel", TaskID: id, Status: t.Status}
		}
		t.Status = task.StatusCancelled
		t.StatusReason = "cancelled"
		return nil
	})
	return err
}

// Get returns the latest task record.
func (q *Queue) Get(ctx context.Context, id string) (*task.Task, error) {
	return q.store.GetTask(ctx, id)
}

// HITLQuestions returns the questions of a paused task.
func (q *Queue) HITLQuestions(ctx context.Context, id string) ([]string, error) {
	t, err := q.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return t.HITLQuestions, nil
}

// HITLResolution returns the stored human decision, or nil.
func (q *Queue) HITLResolution(ctx context.Context, id string) (map[string]any, error) {
	t, err := q.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return t.HITLResolution, nil
}

// List returns a page of tasks, newest first, and the total match count.
func (q *Queue) List(ctx context.Context, filter ListFilter) ([]*task.Task, int, error) {
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if filter.Limit > MaxPageSize {
		return nil, 0, &task.ValidationError{Field: "page_size", Reason: fmt.Sprintf("page_size must be between 1 and %d", MaxPageSize)}
	}
	if filter.Offset < 0 {
		return nil, 0, &task.ValidationError{Field: "offset", Reason: "offset must be >= 0"}
	}
	return q.store.ListTasks(ctx, filter)
}

// transition runs mutate under the store's row lock, then stamps
// updated_at and publishes the change.
func (q *Queue) transition(ctx context.Context, id, op string, mutate func(*task.Task) error) (*task.Task, error) {
	var from task.Status
	updated, err := q.store.UpdateTask(ctx, id, func(t *task.Task) error {
		from = t.Status
		if err := mutate(t); err != nil {
			return err
		}
		t.UpdatedAt = q.now()
		return nil
	})
	if err != nil {
		var pe *task.PolicyError
		if errors.As(err, &pe) || errors.Is(err, task.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%s %s: %w", op, id, err)
	}
	q.logger.Debug("task transition",
		zap.String("task", id),
		zap.String("op", op),
		zap.String("from", string(from)),
		zap.String("to", string(updated.Status)))
	q.publish(ctx, updated, from, updated.StatusReason)
	return updated, nil
}

func (q *Queue) publish(ctx context.Context, t *task.Task, from task.Status, reason string) {
	if q.notifier == nil {
		return
	}
	ev := task.Event{
		TaskID:    t.ID,
		From:      from,
		To:        t.Status,
		Attempts:  t.Attempts,
		Reason:    reason,
		Timestamp: q.now(),
	}
	if err := q.notifier.Publish(ctx, ev); err != nil {
		q.logger.Warn("publish task event failed", zap.String("task", t.ID), zap.Error(err))
	}
}
