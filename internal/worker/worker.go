// Package worker is the scheduler loop: it claims tasks from the queue,
// drives the workflow engine and reports outcomes back.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/nidhogg/converge/internal/metrics"
	"github.com/nidhogg/converge/internal/queue"
	"github.com/nidhogg/converge/internal/task"
	"github.com/nidhogg/converge/internal/workflow"
	"go.uber.org/zap"
)

// MaxErrorLength bounds the message stored in a task's last_error.
const MaxErrorLength = 500

// Executor runs one workflow invocation. *workflow.Engine implements it.
type Executor interface {
	Execute(ctx context.Context, in workflow.Input) (*workflow.Outcome, error)
}

type Config struct {
	BatchSize    int
	PollInterval time.Duration
	// ClaimTimeout is how long a task may stay CLAIMED or RUNNING before
	// a cycle reclaims it as a failed attempt. Zero disables reclaiming.
	ClaimTimeout time.Duration
}

type Worker struct {
	queue   *queue.Queue
	engine  Executor
	cfg     Config
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func New(q *queue.Queue, engine Executor, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Worker{queue: q, engine: engine, cfg: cfg, metrics: m, logger: logger}
}

// RunOnce claims up to BatchSize tasks and processes them one after the
// other. A failing task never stops the rest of the batch.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	if w.cfg.ClaimTimeout > 0 {
		if n, err := w.queue.RequeueStale(ctx, w.cfg.ClaimTimeout); err != nil {
			w.logger.Error("reclaim stale tasks failed", zap.Error(err))
		} else if n > 0 {
			w.logger.Warn("reclaimed stale tasks", zap.Int("count", n))
		}
	}
	claimed, err := w.queue.PollAndClaim(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("poll and claim: %w", err)
	}
	for _, t := range claimed {
		w.process(ctx, t)
	}
	return len(claimed), nil
}

// RunForever calls RunOnce every PollInterval until stop is closed or ctx
// ends. stop is only observed between cycles, so an in-flight task always
// finishes.
func (w *Worker) RunForever(ctx context.Context, stop <-chan struct{}) error {
	w.logger.Info("worker started",
		zap.Int("batch_size", w.cfg.BatchSize), zap.Duration("poll_interval", w.cfg.PollInterval))
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			w.logger.Info("worker stopped")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		n, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker cycle failed", zap.Error(err))
		} else if n > 0 {
			w.logger.Debug("worker cycle", zap.Int("processed", n))
		}
		timer.Reset(w.cfg.PollInterval)
	}
}

func (w *Worker) process(ctx context.Context, t *task.Task) {
	log := w.logger.With(zap.String("task", t.ID))

	if err := w.queue.MarkRunning(ctx, t.ID); err != nil {
		// Cancelled between claim and start.
		if errors.Is(err, task.ErrPolicy) {
			log.Info("task no longer runnable, skipping", zap.Error(err))
			return
		}
		log.Error("mark running failed", zap.Error(err))
		return
	}

	w.metrics.TaskStarted()
	defer w.metrics.TaskFinished()
	start := time.Now()

	outcome, err := w.execute(ctx, t, log)
	if err != nil {
		w.metrics.ObserveRun("error", time.Since(start))
		log.Warn("workflow run failed", zap.Error(err))
		w.report(log, w.queue.Fail(ctx, t.ID, Truncate(err.Error(), MaxErrorLength), true))
		return
	}
	w.metrics.ObserveRun(string(outcome.Status), time.Since(start))

	switch outcome.Status {
	case workflow.StatusConverged:
		w.report(log, w.queue.Complete(ctx, t.ID, task.Result{
			Status:       task.StatusSucceeded,
			Summary:      outcome.Summary,
			ArtifactsDir: outcome.ArtifactsDir,
			StatusReason: outcome.StatusReason,
		}))
	case workflow.StatusHITLRequired:
		w.report(log, w.queue.Complete(ctx, t.ID, task.Result{
			Status:        task.StatusHITLRequired,
			Summary:       outcome.Summary,
			ArtifactsDir:  outcome.ArtifactsDir,
			HITLQuestions: outcome.Questions,
			StatusReason:  outcome.StatusReason,
		}))
	default:
		msg := outcome.Summary
		if outcome.StatusReason != "" {
			msg += ": " + outcome.StatusReason
		}
		w.report(log, w.queue.Fail(ctx, t.ID, Truncate(msg, MaxErrorLength), true))
	}
}

// execute drives the engine, turning a panic into an error.
func (w *Worker) execute(ctx context.Context, t *task.Task, log *zap.Logger) (out *workflow.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("workflow panic: %v", r)
		}
	}()

	resolution, err := w.queue.HITLResolution(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("load hitl resolution: %w", err)
	}
	prefs, err := w.preferences(ctx, t)
	if err != nil {
		return nil, err
	}
	if resolution != nil {
		log.Info("running with human decision")
	}
	return w.engine.Execute(ctx, workflow.Input{
		RunID:       t.ID,
		Request:     t.Request,
		Preferences: prefs,
		Decision:    resolution,
	})
}

// preferences returns the owning project's preferences, or nil for the
// engine defaults when the task has no project or it has been removed.
func (w *Worker) preferences(ctx context.Context, t *task.Task) (*task.Preferences, error) {
	if t.Request.ProjectID == "" {
		return nil, nil
	}
	p, err := w.queue.GetProject(ctx, t.Request.ProjectID)
	if errors.Is(err, task.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	prefs := p.Preferences
	return &prefs, nil
}

func (w *Worker) report(log *zap.Logger, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, task.ErrPolicy) {
		log.Info("task changed while running, outcome dropped", zap.Error(err))
		return
	}
	log.Error("report outcome failed", zap.Error(err))
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
