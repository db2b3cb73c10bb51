//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/converge/internal/checkpoint"
	"github.com/nidhogg/converge/internal/queue"
	"github.com/nidhogg/converge/internal/task"
	"github.com/stretchr/testify/require"
)

func newPGQueue(t *testing.T) *queue.Queue {
	t.Helper()
	resetPostgres(t)
	return queue.New(testPGStore, queue.Options{MaxAttempts: 2}, testLogger)
}

func TestPostgresLifecycle(t *testing.T) {
	ctx := context.Background()
	q := newPGQueue(t)

	req, err := q.Normalize(ctx, task.Request{Goal: "add audit log", Repos: []string{"/src/api", "/src/web"}})
	require.NoError(t, err)
	tk, err := q.Enqueue(ctx, req)
	require.NoError(t, err)
	require.Equal(t, task.DefaultProjectID, tk.Request.ProjectID)

	claimed, err := q.PollAndClaim(ctx, 5)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, task.StatusClaimed, claimed[0].Status)
	require.NotNil(t, claimed[0].ClaimedAt)

	require.NoError(t, q.MarkRunning(ctx, tk.ID))
	require.NoError(t, q.Complete(ctx, tk.ID, task.Result{
		Status:        task.StatusHITLRequired,
		HITLQuestions: []string{"Which repo owns auth?"},
	}))

	qs, err := q.HITLQuestions(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"Which repo owns auth?"}, qs)

	require.NoError(t, q.ResolveHITL(ctx, tk.ID, map[string]any{"action": "approve", "note": "api owns it"}))
	got, err := q.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, got.Status)
	require.Nil(t, got.ClaimedAt)
	require.Equal(t, "approve", got.HITLResolution["action"])

	_, err = q.PollAndClaim(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, q.MarkRunning(ctx, tk.ID))
	require.NoError(t, q.Complete(ctx, tk.ID, task.Result{Status: task.StatusSucceeded, Summary: "done", ArtifactsDir: "/out/runs/" + tk.ID}))

	got, err = q.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusSucceeded, got.Status)
	require.Equal(t, "/out/runs/"+tk.ID, got.ArtifactsDir)

	err = q.Cancel(ctx, tk.ID)
	require.True(t, errors.Is(err, task.ErrPolicy), "cancel of a terminal task: %v", err)
}

func TestPostgresRetryThenFail(t *testing.T) {
	ctx := context.Background()
	q := newPGQueue(t)
	tk, err := q.Enqueue(ctx, task.Request{Goal: "g", Repos: []string{"/a"}, MaxRounds: 1})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		claimed, err := q.PollAndClaim(ctx, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.NoError(t, q.MarkRunning(ctx, tk.ID))
		require.NoError(t, q.Fail(ctx, tk.ID, fmt.Sprintf("boom %d", i), true))
	}

	got, err := q.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, got.Status)
	require.Equal(t, 2, got.Attempts)
	require.Equal(t, "boom 1", got.LastError)
}

func TestPostgresDedupe(t *testing.T) {
	ctx := context.Background()
	q := newPGQueue(t)
	req := task.Request{Goal: "g", Repos: []string{"/a"}, MaxRounds: 1}

	first, deduped, err := q.EnqueueWithDedupe(ctx, req, "jira", "PROJ-1")
	require.NoError(t, err)
	require.False(t, deduped)

	second, deduped, err := q.EnqueueWithDedupe(ctx, req, "jira", "PROJ-1")
	require.NoError(t, err)
	require.True(t, deduped)
	require.Equal(t, first.ID, second.ID)

	other, deduped, err := q.EnqueueWithDedupe(ctx, req, "github", "PROJ-1")
	require.NoError(t, err)
	require.False(t, deduped)
	require.NotEqual(t, first.ID, other.ID)
}

// Concurrent claimers must never receive the same task.
func TestPostgresConcurrentClaimsAreDisjoint(t *testing.T) {
	ctx := context.Background()
	q := newPGQueue(t)
	const total = 40
	for i := 0; i < total; i++ {
		_, err := q.Enqueue(ctx, task.Request{Goal: fmt.Sprintf("g%d", i), Repos: []string{"/a"}, MaxRounds: 1})
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := q.PollAndClaim(ctx, 3)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, c := range claimed {
					seen[c.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, total)
	for id, n := range seen {
		require.Equal(t, 1, n, "task %s claimed %d times", id, n)
	}
}

func TestPostgresListAndProjects(t *testing.T) {
	ctx := context.Background()
	q := newPGQueue(t)

	p, err := q.CreateProject(ctx, task.Project{Name: "billing", DefaultRepos: []string{"/src/billing"}})
	require.NoError(t, err)
	require.Equal(t, task.DefaultPreferences(), p.Preferences)

	desc := "payments"
	updated, err := q.UpdateProject(ctx, p.ID, task.ProjectUpdate{Description: &desc})
	require.NoError(t, err)
	require.Equal(t, "payments", updated.Description)

	for i := 0; i < 3; i++ {
		req, err := q.Normalize(ctx, task.Request{Goal: fmt.Sprintf("g%d", i), ProjectID: p.ID})
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, req)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	_, err = q.Enqueue(ctx, task.Request{Goal: "elsewhere", Repos: []string{"/x"}, MaxRounds: 1})
	require.NoError(t, err)

	items, total, err := q.List(ctx, queue.ListFilter{ProjectID: p.ID, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, items, 2)
	require.Equal(t, "g2", items[0].Request.Goal, "newest first")
	require.Equal(t, []string{"/src/billing"}, items[0].Request.Repos)
}

func TestPostgresCheckpoints(t *testing.T) {
	ctx := context.Background()
	resetPostgres(t)
	store := testPGStore.Checkpoints()

	_, err := store.Load(ctx, "run-1")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)

	cp := &checkpoint.Checkpoint{
		RunID:     "run-1",
		Next:      "write_artifacts",
		Version:   1,
		State:     json.RawMessage(`{"goal":"g"}`),
		Questions: []string{"q?"},
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, store.Save(ctx, cp))
	cp.Next = "decide"
	require.NoError(t, store.Save(ctx, cp), "save overwrites")

	got, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, "decide", got.Next)
	require.JSONEq(t, `{"goal":"g"}`, string(got.State))
	require.Equal(t, []string{"q?"}, got.Questions)

	require.NoError(t, store.Delete(ctx, "run-1"))
	_, err = store.Load(ctx, "run-1")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
}
