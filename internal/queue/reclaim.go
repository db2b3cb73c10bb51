package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/converge/internal/task"
	"go.uber.org/zap"
)

var errClaimFresh = errors.New("claim is not stale")

// RequeueStale fails, as a retryable attempt, every CLAIMED or RUNNING task
// whose claim is older than maxAge. It recovers tasks left behind by a
// worker that crashed or lost its store connection mid-run. It returns how
// many tasks it reclaimed.
func (q *Queue) RequeueStale(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := q.now().Add(-maxAge)

	var stale []string
	for _, status := range []task.Status{task.StatusClaimed, task.StatusRunning} {
		ids, err := q.staleIDs(ctx, status, cutoff)
		if err != nil {
			return 0, err
		}
		stale = append(stale, ids...)
	}

	n := 0
	for _, id := range stale {
		msg := fmt.Sprintf("claim expired after %s", maxAge)
		var retried bool
		_, err := q.transition(ctx, id, "reclaim", func(t *task.Task) error {
			if !claimedBefore(t, cutoff) {
				return errClaimFresh
			}
			failAttempt(t, msg, true, q.maxAttempts)
			retried = t.Status == task.StatusPending
			return nil
		})
		switch {
		case err == nil:
			n++
			q.metrics.IncFailed(retried)
			q.logger.Warn("stale claim reclaimed", zap.String("task", id), zap.Bool("requeued", retried))
		case errors.Is(err, errClaimFresh), errors.Is(err, task.ErrNotFound):
			// Finished or re-claimed since the scan.
		default:
			return n, err
		}
	}
	return n, nil
}

func (q *Queue) staleIDs(ctx context.Context, status task.Status, cutoff time.Time) ([]string, error) {
	var ids []string
	for offset := 0; ; offset += MaxPageSize {
		page, total, err := q.store.ListTasks(ctx, ListFilter{Status: status, Limit: MaxPageSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("list %s tasks: %w", status, err)
		}
		for _, t := range page {
			if claimedBefore(t, cutoff) {
				ids = append(ids, t.ID)
			}
		}
		if len(page) == 0 || offset+len(page) >= total {
			return ids, nil
		}
	}
}

func claimedBefore(t *task.Task, cutoff time.Time) bool {
	if t.Status != task.StatusClaimed && t.Status != task.StatusRunning {
		return false
	}
	return t.ClaimedAt != nil && t.ClaimedAt.Before(cutoff)
}
