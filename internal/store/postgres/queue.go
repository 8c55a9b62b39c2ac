package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/scentvec/pkg/queue"
)

var _ queue.Queue = (*Queue)(nil)

// Queue is a [queue.Queue] on the tasks table. Claim uses
// FOR UPDATE SKIP LOCKED so concurrent workers never block on each other's
// rows; every other mutation loads the row under FOR UPDATE and applies the
// shared state-machine transitions from package queue.
type Queue struct {
	db         DB
	now        func() time.Time
	maxRetries int
	backoff    queue.Backoff
}

const taskColumns = `id, type, entity_id, payload, priority, status, retry_count, max_retries,
	created_at, available_at, started_at, completed_at, error_message, lease_owner, lease_expires_at, followup`

// activeStatuses is the partial unique index predicate; the two must match.
const activeStatuses = `status IN ('pending', 'processing', 'retrying')`

// Enqueue implements [queue.Queue].
func (q *Queue) Enqueue(ctx context.Context, req queue.EnqueueRequest) (queue.EnqueueResult, error) {
	if err := req.Validate(); err != nil {
		return queue.EnqueueResult{}, fmt.Errorf("postgres queue: enqueue: %w", err)
	}

	// An active duplicate can finish between the insert and the lookup;
	// the next round then inserts.
	for range 3 {
		var res queue.EnqueueResult
		err := pgx.BeginFunc(ctx, q.db, func(tx pgx.Tx) error {
			var err error
			res, err = q.enqueueTx(ctx, tx, req)
			return err
		})
		if errors.Is(err, errRaced) {
			continue
		}
		if err != nil {
			return queue.EnqueueResult{}, fmt.Errorf("postgres queue: enqueue: %w", err)
		}
		return res, nil
	}
	return queue.EnqueueResult{}, fmt.Errorf("postgres queue: enqueue %s/%s: %w", req.Type, req.Payload.EntityID, errRaced)
}

var errRaced = errors.New("active task changed concurrently")

func (q *Queue) enqueueTx(ctx context.Context, tx pgx.Tx, req queue.EnqueueRequest) (queue.EnqueueResult, error) {
	t := queue.NewTask(uuid.NewString(), req, q.maxRetries, q.now())
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return queue.EnqueueResult{}, fmt.Errorf("marshal payload: %w", err)
	}

	var id string
	err = tx.QueryRow(ctx, `
		INSERT INTO tasks (id, type, entity_id, payload, priority, status, retry_count, max_retries, created_at, available_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $8)
		ON CONFLICT (type, entity_id) WHERE `+activeStatuses+` DO NOTHING
		RETURNING id`,
		t.ID, string(t.Type), t.Payload.EntityID, payload, t.Priority, string(t.Status), t.MaxRetries, t.CreatedAt,
	).Scan(&id)
	if err == nil {
		return queue.EnqueueResult{TaskID: id, Created: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return queue.EnqueueResult{}, err
	}

	existing, err := scanTask(tx.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE type = $1 AND entity_id = $2 AND `+activeStatuses+`
		FOR UPDATE`,
		string(req.Type), req.Payload.EntityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return queue.EnqueueResult{}, errRaced
	}
	if err != nil {
		return queue.EnqueueResult{}, err
	}
	if queue.MergeDuplicate(existing, req) {
		if err := updateTask(ctx, tx, existing); err != nil {
			return queue.EnqueueResult{}, err
		}
	}
	return queue.EnqueueResult{TaskID: existing.ID}, nil
}

// Claim implements [queue.Queue].
func (q *Queue) Claim(ctx context.Context, workerID string, lease time.Duration) (*queue.Task, error) {
	if workerID == "" {
		return nil, fmt.Errorf("postgres queue: claim: %w: empty worker id", queue.ErrInvalidTask)
	}
	now := q.now()
	t, err := scanTask(q.db.QueryRow(ctx, `
		UPDATE tasks SET
		    status = 'processing',
		    lease_owner = $1,
		    lease_expires_at = $3,
		    started_at = $2
		WHERE id = (
		    SELECT id FROM tasks
		    WHERE status IN ('pending', 'retrying')
		      AND available_at <= $2
		      AND (lease_owner = '' OR lease_expires_at IS NULL OR lease_expires_at <= $2)
		    ORDER BY priority, created_at, id
		    LIMIT 1
		    FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns,
		workerID, now, now.Add(lease)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres queue: claim: %w", err)
	}
	return t, nil
}

// Complete implements [queue.Queue].
func (q *Queue) Complete(ctx context.Context, taskID, workerID string) error {
	_, err := q.mutate(ctx, taskID, func(t *queue.Task, now time.Time) error {
		if err := queue.CheckLease(t, workerID, now); err != nil {
			return err
		}
		queue.ApplyComplete(t, now)
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres queue: complete: %w", err)
	}
	return nil
}

// Fail implements [queue.Queue].
func (q *Queue) Fail(ctx context.Context, taskID, workerID string, f queue.Failure) (*queue.Task, error) {
	t, err := q.mutate(ctx, taskID, func(t *queue.Task, now time.Time) error {
		if err := queue.CheckLease(t, workerID, now); err != nil {
			return err
		}
		queue.ApplyFailure(t, f, now, q.backoff)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres queue: fail: %w", err)
	}
	return t, nil
}

// mutate loads taskID under a row lock, applies fn and writes the result.
func (q *Queue) mutate(ctx context.Context, taskID string, fn func(t *queue.Task, now time.Time) error) (*queue.Task, error) {
	var out *queue.Task
	err := pgx.BeginFunc(ctx, q.db, func(tx pgx.Tx) error {
		t, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, taskID))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("task %s: %w", taskID, queue.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if err := fn(t, q.now()); err != nil {
			return err
		}
		if err := updateTask(ctx, tx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// ReclaimExpiredLeases implements [queue.Queue].
func (q *Queue) ReclaimExpiredLeases(ctx context.Context) ([]*queue.Task, error) {
	var out []*queue.Task
	err := pgx.BeginFunc(ctx, q.db, func(tx pgx.Tx) error {
		now := q.now()
		rows, err := tx.Query(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE status = 'processing' AND lease_expires_at <= $1
			FOR UPDATE SKIP LOCKED`, now)
		if err != nil {
			return err
		}
		expired, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*queue.Task, error) {
			return scanTask(row)
		})
		if err != nil {
			return err
		}
		for _, t := range expired {
			queue.ApplyLeaseExpiry(t, now)
			if err := updateTask(ctx, tx, t); err != nil {
				return err
			}
		}
		out = expired
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres queue: reclaim: %w", err)
	}
	return out, nil
}

// PurgeFinished implements [queue.Queue].
func (q *Queue) PurgeFinished(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := q.db.Exec(ctx, `
		DELETE FROM tasks
		WHERE status IN ('completed', 'failed') AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres queue: purge: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Get implements [queue.Queue].
func (q *Queue) Get(ctx context.Context, taskID string) (*queue.Task, error) {
	t, err := scanTask(q.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres queue: get %s: %w", taskID, queue.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres queue: get %s: %w", taskID, err)
	}
	return t, nil
}

// Stats implements [queue.Queue].
func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	rows, err := q.db.Query(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return queue.Stats{}, fmt.Errorf("postgres queue: stats: %w", err)
	}
	defer rows.Close()
	s := queue.Stats{ByStatus: make(map[queue.Status]int, 5)}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return queue.Stats{}, fmt.Errorf("postgres queue: stats: %w", err)
		}
		s.ByStatus[queue.Status(status)] = int(n)
	}
	if err := rows.Err(); err != nil {
		return queue.Stats{}, fmt.Errorf("postgres queue: stats: %w", err)
	}
	return s, nil
}

func updateTask(ctx context.Context, tx pgx.Tx, t *queue.Task) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	var followup *string
	if t.Followup != nil {
		b, err := json.Marshal(t.Followup)
		if err != nil {
			return fmt.Errorf("marshal followup: %w", err)
		}
		s := string(b)
		followup = &s
	}
	_, err = tx.Exec(ctx, `
		UPDATE tasks SET
		    payload = $2, priority = $3, status = $4, retry_count = $5, max_retries = $6,
		    available_at = $7, started_at = $8, completed_at = $9, error_message = $10,
		    lease_owner = $11, lease_expires_at = $12, followup = $13
		WHERE id = $1`,
		t.ID, payload, t.Priority, string(t.Status), t.RetryCount, t.MaxRetries,
		t.AvailableAt, nullTime(t.StartedAt), nullTime(t.CompletedAt), t.ErrorMessage,
		t.LeaseOwner, nullTime(t.LeaseExpiresAt), followup,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	return nil
}

func scanTask(row pgx.Row) (*queue.Task, error) {
	var (
		t                          queue.Task
		typ, status                string
		payload, followup          []byte
		started, completed, leased *time.Time
	)
	err := row.Scan(
		&t.ID, &typ, &t.Payload.EntityID, &payload, &t.Priority, &status, &t.RetryCount, &t.MaxRetries,
		&t.CreatedAt, &t.AvailableAt, &started, &completed, &t.ErrorMessage, &t.LeaseOwner, &leased,
		&followup,
	)
	if err != nil {
		return nil, err
	}
	entityID := t.Payload.EntityID
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", t.ID, err)
		}
	}
	t.Payload.EntityID = entityID
	if len(followup) > 0 {
		var f queue.Payload
		if err := json.Unmarshal(followup, &f); err != nil {
			return nil, fmt.Errorf("decode followup of %s: %w", t.ID, err)
		}
		t.Followup = &f
	}
	t.Type = queue.TaskType(typ)
	t.Status = queue.Status(status)
	t.CreatedAt = t.CreatedAt.UTC()
	t.AvailableAt = t.AvailableAt.UTC()
	t.StartedAt = fromNull(started)
	t.CompletedAt = fromNull(completed)
	t.LeaseExpiresAt = fromNull(leased)
	return &t, nil
}
