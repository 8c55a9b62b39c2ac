package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/scentvec/internal/observe"
	"github.com/MrWong99/scentvec/pkg/cache"
	"github.com/MrWong99/scentvec/pkg/queue"
)

// Job names used by the application.
const (
	JobReclaim           = "reclaim_leases"
	JobPurge             = "purge_finished"
	JobCacheSweep        = "cache_sweep"
	JobPreferenceRefresh = "preference_refresh"
	JobHealthReport      = "health_report"
)

// FailureObserver receives tasks that a sweep moved to failed.
type FailureObserver interface {
	TaskFailed(ctx context.Context, t *queue.Task)
}

// ReclaimLeases returns a job that hands expired leases back to the queue.
// Tasks that run out of attempts on reclaim are reported to obs.
func ReclaimLeases(q queue.Queue, obs FailureObserver, m *observe.Metrics) func(context.Context) error {
	return func(ctx context.Context) error {
		tasks, err := q.ReclaimExpiredLeases(ctx)
		if err != nil {
			return fmt.Errorf("reclaim leases: %w", err)
		}
		var requeued, failed int
		for _, t := range tasks {
			if t.Status == queue.StatusFailed {
				failed++
				if obs != nil {
					obs.TaskFailed(ctx, t)
				}
				continue
			}
			requeued++
		}
		if m != nil {
			m.RecordLeasesReclaimed(ctx, requeued, failed)
		}
		if len(tasks) > 0 {
			slog.Info("reclaimed expired leases", "requeued", requeued, "failed", failed)
		}
		return nil
	}
}

// PurgeFinished returns a job that deletes completed and failed tasks older
// than retention.
func PurgeFinished(q queue.Queue, retention time.Duration, now func() time.Time) func(context.Context) error {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		n, err := q.PurgeFinished(ctx, now().Add(-retention))
		if err != nil {
			return fmt.Errorf("purge finished tasks: %w", err)
		}
		if n > 0 {
			slog.Info("purged finished tasks", "count", n, "retention", retention)
		}
		return nil
	}
}

// SweepCaches returns a job that removes expired entries from every cache.
// All caches are swept even when one fails.
func SweepCaches(caches map[string]cache.Cache) func(context.Context) error {
	return func(ctx context.Context) error {
		var errs []error
		for name, c := range caches {
			n, err := c.SweepExpired(ctx)
			if err != nil {
				errs = append(errs, fmt.Errorf("sweep %s cache: %w", name, err))
				continue
			}
			if n > 0 {
				slog.Debug("swept expired cache entries", "cache", name, "count", n)
			}
		}
		return errors.Join(errs...)
	}
}

// Runner is the shape of jobs that report how many items they touched.
type Runner interface {
	Run(ctx context.Context) (int, error)
}

// Count adapts a [Runner] to a job function, logging the count under name.
func Count(name string, r Runner) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := r.Run(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if n > 0 {
			slog.Info("scheduled job enqueued work", "job", name, "count", n)
		}
		return nil
	}
}
