package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/scentvec/pkg/queue"
)

// Pinger is implemented by stores that can verify their connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsSource reports queue depth.
type StatsSource interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// HealthReporter is implemented by components guarded by circuit breakers.
type HealthReporter interface {
	Healthy() bool
}

// Store checks that the backing store answers a ping.
func Store(p Pinger) Checker {
	return Checker{Name: "store", Check: p.Ping}
}

// QueueBacklog fails when more than max tasks wait to be claimed. A max of
// zero or less disables the threshold and only checks that stats are
// readable.
func QueueBacklog(q StatsSource, max int) Checker {
	return Checker{
		Name: "queue_backlog",
		Check: func(ctx context.Context) error {
			st, err := q.Stats(ctx)
			if err != nil {
				return err
			}
			if max > 0 && st.Depth() > max {
				return fmt.Errorf("%d tasks waiting, threshold %d", st.Depth(), max)
			}
			return nil
		},
	}
}

// Circuit fails while every breaker behind r is open.
func Circuit(name string, r HealthReporter) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if !r.Healthy() {
				return errors.New("all circuit breakers open")
			}
			return nil
		},
	}
}
