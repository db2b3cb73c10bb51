package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/converge/internal/artifact"
	"github.com/nidhogg/converge/internal/checkpoint"
	"github.com/nidhogg/converge/internal/planner"
	"github.com/nidhogg/converge/internal/queue"
	"github.com/nidhogg/converge/internal/repoinspect"
	"github.com/nidhogg/converge/internal/task"
	"github.com/nidhogg/converge/internal/workflow"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubExecutor struct {
	mu     sync.Mutex
	inputs []workflow.Input
	fn     func(in workflow.Input) (*workflow.Outcome, error)
}

func (s *stubExecutor) Execute(_ context.Context, in workflow.Input) (*workflow.Outcome, error) {
	s.mu.Lock()
	s.inputs = append(s.inputs, in)
	s.mu.Unlock()
	return s.fn(in)
}

func newQueue() *queue.Queue {
	return queue.New(queue.NewMemoryStore(), queue.Options{MaxAttempts: 3}, zap.NewNop())
}

func submit(t *testing.T, q *queue.Queue, repos ...string) *task.Task {
	t.Helper()
	tk, err := q.Enqueue(context.Background(), task.Request{Goal: "add audit log", Repos: repos, MaxRounds: 2})
	require.NoError(t, err)
	return tk
}

func TestOutcomeMapping(t *testing.T) {
	tests := []struct {
		name     string
		outcome  *workflow.Outcome
		err      error
		status   task.Status
		attempts int
	}{
		{"converged", &workflow.Outcome{Status: workflow.StatusConverged, Summary: "done", ArtifactsDir: "/out/x"}, nil, task.StatusSucceeded, 0},
		{"hitl", &workflow.Outcome{Status: workflow.StatusHITLRequired, Questions: []string{"which repo?"}}, nil, task.StatusHITLRequired, 0},
		{"failed", &workflow.Outcome{Status: workflow.StatusFailed, Summary: "s", StatusReason: "planner failed"}, nil, task.StatusPending, 1},
		{"error", nil, errors.New("boom"), task.StatusPending, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newQueue()
			tk := submit(t, q, "/a")
			exec := &stubExecutor{fn: func(workflow.Input) (*workflow.Outcome, error) { return tt.outcome, tt.err }}
			w := New(q, exec, Config{BatchSize: 5}, nil, zap.NewNop())

			n, err := w.RunOnce(context.Background())
			require.NoError(t, err)
			require.Equal(t, 1, n)

			got, err := q.Get(context.Background(), tk.ID)
			require.NoError(t, err)
			require.Equal(t, tt.status, got.Status)
			require.Equal(t, tt.attempts, got.Attempts)
			switch tt.name {
			case "converged":
				require.Equal(t, "/out/x", got.ArtifactsDir)
			case "hitl":
				require.Equal(t, []string{"which repo?"}, got.HITLQuestions)
			case "failed":
				require.Equal(t, "s: planner failed", got.LastError)
			case "error":
				require.Equal(t, "boom", got.LastError)
			}
		})
	}
}

func TestPanicBecomesRetryableFailure(t *testing.T) {
	q := newQueue()
	tk := submit(t, q, "/a")
	exec := &stubExecutor{fn: func(workflow.Input) (*workflow.Outcome, error) { panic("nil map") }}
	w := New(q, exec, Config{}, nil, zap.NewNop())

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	got, _ := q.Get(context.Background(), tk.ID)
	require.Equal(t, task.StatusPending, got.Status)
	require.Contains(t, got.LastError, "workflow panic: nil map")
}

func TestFailureDoesNotAbortBatch(t *testing.T) {
	q := newQueue()
	first := submit(t, q, "/a")
	second := submit(t, q, "/b")
	exec := &stubExecutor{fn: func(in workflow.Input) (*workflow.Outcome, error) {
		if in.RunID == first.ID {
			return nil, errors.New("first fails")
		}
		return &workflow.Outcome{Status: workflow.StatusConverged}, nil
	}}
	w := New(q, exec, Config{BatchSize: 2}, nil, zap.NewNop())

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	got, _ := q.Get(context.Background(), second.ID)
	require.Equal(t, task.StatusSucceeded, got.Status)
}

func TestErrorMessageTruncated(t *testing.T) {
	q := newQueue()
	tk := submit(t, q, "/a")
	long := strings.Repeat("x", 2000)
	exec := &stubExecutor{fn: func(workflow.Input) (*workflow.Outcome, error) { return nil, errors.New(long) }}
	_, err := New(q, exec, Config{}, nil, zap.NewNop()).RunOnce(context.Background())
	require.NoError(t, err)
	got, _ := q.Get(context.Background(), tk.ID)
	require.Len(t, got.LastError, MaxErrorLength)
}

func TestRunOnceReclaimsStrandedTask(t *testing.T) {
	store := queue.NewMemoryStore()
	ctx := context.Background()

	// A worker that claimed the task two hours ago and never came back.
	crashed := queue.New(store, queue.Options{
		Now: func() time.Time { return time.Now().UTC().Add(-2 * time.Hour) },
	}, zap.NewNop())
	tk, err := crashed.Enqueue(ctx, task.Request{Goal: "add audit log", Repos: []string{"/a"}, MaxRounds: 2})
	require.NoError(t, err)
	_, err = crashed.PollAndClaim(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, crashed.MarkRunning(ctx, tk.ID))

	q := queue.New(store, queue.Options{MaxAttempts: 3}, zap.NewNop())
	exec := &stubExecutor{fn: func(workflow.Input) (*workflow.Outcome, error) {
		return &workflow.Outcome{Status: workflow.StatusConverged, Summary: "done"}, nil
	}}

	// Without a claim timeout the task stays stranded.
	n, err := New(q, exec, Config{}, nil, zap.NewNop()).RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = New(q, exec, Config{ClaimTimeout: time.Hour}, nil, zap.NewNop()).RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	got, err := q.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusSucceeded, got.Status)
	require.Equal(t, 1, got.Attempts)
}

func TestRetriesExhaustToFailed(t *testing.T) {
	q := newQueue()
	tk := submit(t, q, "/a")
	exec := &stubExecutor{fn: func(workflow.Input) (*workflow.Outcome, error) { return nil, errors.New("flaky") }}
	w := New(q, exec, Config{}, nil, zap.NewNop())
	for i := 0; i < 5; i++ {
		_, err := w.RunOnce(context.Background())
		require.NoError(t, err)
	}
	got, _ := q.Get(context.Background(), tk.ID)
	require.Equal(t, task.StatusFailed, got.Status)
	require.Equal(t, 3, got.Attempts)
	require.Len(t, exec.inputs, 3)
}

func TestProjectPreferencesPassed(t *testing.T) {
	ctx := context.Background()
	q := newQueue()
	prefs := task.DefaultPreferences()
	prefs.MaxHITLQuestions = 7
	p, err := q.CreateProject(ctx, task.Project{Name: "billing", Preferences: prefs})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, task.Request{Goal: "g", Repos: []string{"/a"}, MaxRounds: 1, ProjectID: p.ID})
	require.NoError(t, err)

	exec := &stubExecutor{fn: func(workflow.Input) (*workflow.Outcome, error) {
		return &workflow.Outcome{Status: workflow.StatusConverged}, nil
	}}
	_, err = New(q, exec, Config{}, nil, zap.NewNop()).RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, exec.inputs, 1)
	require.NotNil(t, exec.inputs[0].Preferences)
	require.Equal(t, 7, exec.inputs[0].Preferences.MaxHITLQuestions)
}

func TestCancelledWhileRunningDropsOutcome(t *testing.T) {
	ctx := context.Background()
	q := newQueue()
	tk := submit(t, q, "/a")
	exec := &stubExecutor{fn: func(in workflow.Input) (*workflow.Outcome, error) {
		require.NoError(t, q.Cancel(ctx, in.RunID))
		return &workflow.Outcome{Status: workflow.StatusConverged}, nil
	}}
	_, err := New(q, exec, Config{}, nil, zap.NewNop()).RunOnce(ctx)
	require.NoError(t, err)
	got, _ := q.Get(ctx, tk.ID)
	require.Equal(t, task.StatusCancelled, got.Status)
}

func TestRunForeverStopsBetweenCycles(t *testing.T) {
	q := newQueue()
	submit(t, q, "/a")
	stop := make(chan struct{})
	exec := &stubExecutor{fn: func(workflow.Input) (*workflow.Outcome, error) {
		close(stop)
		time.Sleep(20 * time.Millisecond)
		return &workflow.Outcome{Status: workflow.StatusConverged}, nil
	}}
	w := New(q, exec, Config{PollInterval: time.Millisecond}, nil, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- w.RunForever(context.Background(), stop) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	tasks, total, err := q.List(context.Background(), queue.ListFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, task.StatusSucceeded, tasks[0].Status, "in-flight task must finish before stopping")
}

// newEngine wires the real collaborators over temporary directories.
func newEngine(t *testing.T, mode workflow.Mode) (*workflow.Engine, *checkpoint.MemoryStore, string) {
	t.Helper()
	out := t.TempDir()
	cps := checkpoint.NewMemoryStore()
	engine, err := workflow.NewEngine(workflow.Config{Mode: mode}, workflow.Deps{
		Inspector:   repoinspect.New(nil, zap.NewNop()),
		Planners:    planner.NewResolver(zap.NewNop()),
		Artifacts:   artifact.NewWriter(out, zap.NewNop()),
		Checkpoints: cps,
	}, zap.NewNop())
	require.NoError(t, err)
	return engine, cps, out
}

func goRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module api\n"), 0o644))
	return dir
}

func TestResolveAndResumeInterrupt(t *testing.T) {
	ctx := context.Background()
	q := newQueue()
	engine, cps, out := newEngine(t, workflow.ModeInterrupt)
	w := New(q, engine, Config{}, nil, zap.NewNop())

	missing := filepath.Join(t.TempDir(), "web")
	tk := submit(t, q, goRepo(t), missing)

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	paused, _ := q.Get(ctx, tk.ID)
	require.Equal(t, task.StatusHITLRequired, paused.Status)
	require.NotEmpty(t, paused.HITLQuestions)
	require.Equal(t, 1, cps.Len())

	require.NoError(t, q.ResolveHITL(ctx, tk.ID, map[string]any{"action": "drop", "repo": missing}))
	requeued, _ := q.Get(ctx, tk.ID)
	require.Equal(t, task.StatusPending, requeued.Status)

	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	done, _ := q.Get(ctx, tk.ID)
	require.Equal(t, task.StatusSucceeded, done.Status)
	require.Equal(t, "resolved by human decision", done.StatusReason)
	require.Equal(t, filepath.Join(out, "runs", tk.ID), done.ArtifactsDir)
	require.Zero(t, cps.Len())

	run, err := artifact.NewWriter(out, zap.NewNop()).ReadRun(tk.ID)
	require.NoError(t, err)
	require.Equal(t, "drop", run.HumanDecision["action"])
}

func TestMissingRepoExhaustsRoundsConditional(t *testing.T) {
	ctx := context.Background()
	q := newQueue()
	engine, _, _ := newEngine(t, workflow.ModeConditional)
	w := New(q, engine, Config{}, nil, zap.NewNop())

	tk, err := q.Enqueue(ctx, task.Request{
		Goal:      "add audit log",
		Repos:     []string{goRepo(t), filepath.Join(t.TempDir(), "missing")},
		MaxRounds: 3,
	})
	require.NoError(t, err)

	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	got, _ := q.Get(ctx, tk.ID)
	require.Equal(t, task.StatusHITLRequired, got.Status)
	require.NotEmpty(t, got.HITLQuestions)

	require.NoError(t, q.ResolveHITL(ctx, tk.ID, map[string]any{"action": "approve"}))
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	got, _ = q.Get(ctx, tk.ID)
	require.Equal(t, task.StatusSucceeded, got.Status)
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "abc", Truncate("abc", 5))
	require.Equal(t, "éé", Truncate("ééé", 2))
}
