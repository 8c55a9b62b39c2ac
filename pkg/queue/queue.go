// Package queue defines the durable, priority-ordered task queue that drives
// embedding (re)generation, preference aggregation and cache refreshes.
//
// Tasks move through a small state machine:
//
//	pending ──claim──▶ processing ──complete──▶ completed
//	                      │
//	                      ├──fail (retry_count < max)──▶ retrying ──claim──▶ processing
//	                      └──fail (retry_count ≥ max)──▶ failed
//
// A processing task whose lease expires is returned to pending by
// [Queue.ReclaimExpiredLeases]; the reclaim counts as an attempt, so a task
// that keeps killing its worker still terminates at failed.
//
// A duplicate enqueue that arrives while the task is processing does not
// touch the in-flight payload. It is parked as the task's follow-up, and
// when the attempt ends the task returns to pending with the follow-up
// payload instead of finishing, so the newest content is always processed.
//
// Mutations other than Enqueue are only accepted from the worker holding the
// task's current, unexpired lease. All coordination between workers happens
// through the queue's atomic Claim; workers keep no shared state.
package queue

import (
	"context"
	"errors"
	"slices"
	"time"
)

var (
	// ErrNotFound is returned when a task ID does not exist.
	ErrNotFound = errors.New("queue: task not found")

	// ErrLeaseConflict is returned when the caller is not the task's current
	// lease owner, or the task is not processing. No side effect occurs.
	ErrLeaseConflict = errors.New("queue: lease held by another worker")

	// ErrLeaseExpired is returned when the caller's lease has already
	// expired. No side effect occurs.
	ErrLeaseExpired = errors.New("queue: lease expired")

	// ErrInvalidTask is returned by Enqueue for malformed requests.
	ErrInvalidTask = errors.New("queue: invalid task")
)

// TaskType enumerates the kinds of work the queue carries.
type TaskType string

const (
	// TaskEmbeddingGeneration computes and stores an entity embedding.
	TaskEmbeddingGeneration TaskType = "embedding_generation"

	// TaskPreferenceUpdate recomputes a user's preference vector.
	TaskPreferenceUpdate TaskType = "preference_update"

	// TaskCacheRefresh invalidates the cache tags carried in the payload.
	TaskCacheRefresh TaskType = "cache_refresh"
)

// IsValid reports whether t is a known task type.
func (t TaskType) IsValid() bool {
	switch t {
	case TaskEmbeddingGeneration, TaskPreferenceUpdate, TaskCacheRefresh:
		return true
	}
	return false
}

// TaskTypes lists every known task type.
func TaskTypes() []TaskType {
	return []TaskType{TaskEmbeddingGeneration, TaskPreferenceUpdate, TaskCacheRefresh}
}

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusPending, StatusProcessing, StatusRetrying, StatusCompleted, StatusFailed}
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsActive reports whether the task still represents outstanding work. At
// most one active task exists per (type, entity) pair.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusProcessing || s == StatusRetrying
}

// Payload is the task's entity reference plus a snapshot of the content it
// should operate on.
type Payload struct {
	// EntityID is the entity (or user, for preference updates) the task is for.
	EntityID string `json:"entity_id"`

	// Content is the canonical text to embed.
	Content string `json:"content,omitempty"`

	// Fingerprint is the content fingerprint of Content.
	Fingerprint string `json:"fingerprint,omitempty"`

	// ModelID selects the embedding model. Empty means the worker default.
	ModelID string `json:"model_id,omitempty"`

	// Tags are cache tags for cache_refresh tasks.
	Tags []string `json:"tags,omitempty"`
}

// Task is one unit of queued work.
type Task struct {
	ID             string
	Type           TaskType
	Payload        Payload
	Priority       int
	Status         Status
	RetryCount     int
	MaxRetries     int
	CreatedAt      time.Time
	AvailableAt    time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
	ErrorMessage   string
	LeaseOwner     string
	LeaseExpiresAt time.Time

	// Followup is a payload enqueued while the task was processing.
	Followup *Payload
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	c := *t
	c.Payload = t.Payload.clone()
	if t.Followup != nil {
		f := t.Followup.clone()
		c.Followup = &f
	}
	return &c
}

func (p Payload) clone() Payload {
	p.Tags = slices.Clone(p.Tags)
	return p
}

func (p Payload) equal(o Payload) bool {
	return p.EntityID == o.EntityID &&
		p.Content == o.Content &&
		p.Fingerprint == o.Fingerprint &&
		p.ModelID == o.ModelID &&
		slices.Equal(p.Tags, o.Tags)
}

// EnqueueRequest describes a task to add.
type EnqueueRequest struct {
	Type     TaskType
	Payload  Payload
	Priority int

	// MaxRetries overrides the queue default when > 0.
	MaxRetries int
}

// Validate checks the request for required fields.
func (r EnqueueRequest) Validate() error {
	var errs []error
	if !r.Type.IsValid() {
		errs = append(errs, errors.New("unknown task type "+string(r.Type)))
	}
	if r.Payload.EntityID == "" {
		errs = append(errs, errors.New("payload entity_id is required"))
	}
	if r.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must be non-negative"))
	}
	if r.Type == TaskCacheRefresh && len(r.Payload.Tags) == 0 {
		errs = append(errs, errors.New("cache_refresh requires at least one tag"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{ErrInvalidTask}, errs...)...)
}

// EnqueueResult reports the ID of the task now representing the request.
type EnqueueResult struct {
	TaskID string

	// Created is false when an active task for the same (type, entity)
	// already existed and its ID was returned instead.
	Created bool
}

// Failure describes why a task attempt failed.
type Failure struct {
	// Message is recorded as the task's error_message.
	Message string

	// Permanent failures skip the remaining retries.
	Permanent bool
}

// Stats is a point-in-time count of tasks per status.
type Stats struct {
	ByStatus map[Status]int
}

// Depth is the number of tasks waiting to be claimed.
func (s Stats) Depth() int {
	return s.ByStatus[StatusPending] + s.ByStatus[StatusRetrying]
}

// Queue is the task queue contract shared by the in-memory and PostgreSQL
// backends.
type Queue interface {
	// Enqueue adds a task, or returns the existing active task for the same
	// (type, entity) pair, merged as described by [MergeDuplicate].
	Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error)

	// Claim atomically leases the most urgent eligible task to workerID.
	// Eligible tasks are pending or retrying, past their available_at, and not
	// under a live lease. Order is priority ascending, then created_at, then
	// ID. It returns (nil, nil) when nothing is eligible.
	Claim(ctx context.Context, workerID string, lease time.Duration) (*Task, error)

	// Complete marks a processing task completed, or returns it to pending
	// when a follow-up payload was enqueued meanwhile.
	Complete(ctx context.Context, taskID, workerID string) error

	// Fail records a failed attempt and returns the task's new state.
	Fail(ctx context.Context, taskID, workerID string, f Failure) (*Task, error)

	// ReclaimExpiredLeases returns processing tasks whose lease has passed to
	// pending (or failed, when out of attempts). It returns the affected
	// tasks in their new state.
	ReclaimExpiredLeases(ctx context.Context) ([]*Task, error)

	// PurgeFinished deletes completed and failed tasks whose completion time
	// is before cutoff. It returns the number deleted.
	PurgeFinished(ctx context.Context, cutoff time.Time) (int, error)

	// Get returns a task by ID.
	Get(ctx context.Context, taskID string) (*Task, error)

	// Stats counts tasks by status.
	Stats(ctx context.Context) (Stats, error)
}
