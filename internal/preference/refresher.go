package preference

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/scentvec/internal/interaction"
	"github.com/MrWong99/scentvec/pkg/queue"
)

// Refresher enqueues preference_update tasks for users with recent
// interactions. It remembers when it last ran so each run only scans users
// active since then.
type Refresher struct {
	events   interaction.Source
	queue    queue.Queue
	priority int
	now      func() time.Time

	mu      sync.Mutex
	lastRun time.Time
}

// NewRefresher returns a Refresher whose first run scans users active in
// the lookback period before now.
func NewRefresher(src interaction.Source, q queue.Queue, priority int, lookback time.Duration, now func() time.Time) *Refresher {
	if now == nil {
		now = time.Now
	}
	return &Refresher{
		events:   src,
		queue:    q,
		priority: priority,
		now:      now,
		lastRun:  now().Add(-lookback),
	}
}

// Run enqueues one task per active user and returns how many were newly
// created. Users that already have a live task are not enqueued twice.
func (r *Refresher) Run(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	started := r.now()
	users, err := r.events.ActiveUsers(ctx, r.lastRun)
	if err != nil {
		return 0, fmt.Errorf("preference: refresh: active users: %w", err)
	}

	created := 0
	for _, u := range users {
		res, err := r.queue.Enqueue(ctx, queue.EnqueueRequest{
			Type:     queue.TaskPreferenceUpdate,
			Payload:  queue.Payload{EntityID: u},
			Priority: r.priority,
		})
		if err != nil {
			return created, fmt.Errorf("preference: refresh: enqueue %s: %w", u, err)
		}
		if res.Created {
			created++
		}
	}
	r.lastRun = started
	slog.Info("preference refresh scheduled", "active_users", len(users), "created", created)
	return created, nil
}
