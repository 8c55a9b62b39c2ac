package queue

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"
)

// The functions below implement the task state machine on a plain [Task]
// value. Backends load the row under their own concurrency control, apply a
// transition, and persist the result, so every backend enforces exactly the
// same rules.

// DefaultMaxRetries is the attempt budget when neither the request nor the
// queue configures one.
const DefaultMaxRetries = 3

// NewTask builds the initial pending task for req.
func NewTask(id string, req EnqueueRequest, defaultMaxRetries int, now time.Time) *Task {
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	t := &Task{
		ID:          id,
		Type:        req.Type,
		Payload:     req.Payload,
		Priority:    req.Priority,
		Status:      StatusPending,
		MaxRetries:  maxRetries,
		CreatedAt:   now,
		AvailableAt: now,
	}
	return t.Clone()
}

// MergeDuplicate folds a repeated enqueue into an existing active task and
// reports whether t changed. The more urgent priority wins. A pending or
// retrying task takes the newer payload snapshot. A processing task keeps
// its in-flight payload; a differing snapshot becomes its follow-up,
// replacing any earlier one. Cache tags accumulate across merges.
func MergeDuplicate(t *Task, req EnqueueRequest) bool {
	changed := false
	if req.Priority < t.Priority {
		t.Priority = req.Priority
		changed = true
	}
	switch t.Status {
	case StatusPending, StatusRetrying:
		next := mergePayload(t.Payload, req.Payload)
		if !next.equal(t.Payload) {
			t.Payload = next
			changed = true
		}
	case StatusProcessing:
		if t.Followup == nil {
			if req.Payload.equal(t.Payload) {
				return changed
			}
			next := req.Payload.clone()
			t.Followup = &next
			return true
		}
		next := mergePayload(*t.Followup, req.Payload)
		if !next.equal(*t.Followup) {
			t.Followup = &next
			changed = true
		}
	}
	return changed
}

func mergePayload(base, next Payload) Payload {
	out := next.clone()
	for _, tag := range base.Tags {
		if !slices.Contains(out.Tags, tag) {
			out.Tags = append(out.Tags, tag)
		}
	}
	return out
}

// adoptFollowup returns t to pending with its follow-up payload and a fresh
// attempt budget.
func adoptFollowup(t *Task, now time.Time) {
	t.Payload = *t.Followup
	t.Followup = nil
	t.Status = StatusPending
	t.RetryCount = 0
	t.AvailableAt = now
	t.CompletedAt = time.Time{}
}

// Eligible reports whether t can be claimed at now.
func Eligible(t *Task, now time.Time) bool {
	if t.Status != StatusPending && t.Status != StatusRetrying {
		return false
	}
	if t.AvailableAt.After(now) {
		return false
	}
	return t.LeaseOwner == "" || !t.LeaseExpiresAt.After(now)
}

// ClaimOrder compares tasks by claim precedence: priority ascending, then
// created_at, then ID.
func ClaimOrder(a, b *Task) int {
	if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
		return c
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// ApplyClaim leases t to workerID.
func ApplyClaim(t *Task, workerID string, lease time.Duration, now time.Time) {
	t.Status = StatusProcessing
	t.LeaseOwner = workerID
	t.LeaseExpiresAt = now.Add(lease)
	t.StartedAt = now
}

// CheckLease verifies that workerID holds t's live lease.
func CheckLease(t *Task, workerID string, now time.Time) error {
	if t.Status != StatusProcessing || t.LeaseOwner != workerID {
		return fmt.Errorf("%w: task %s is %s, owner %q", ErrLeaseConflict, t.ID, t.Status, t.LeaseOwner)
	}
	if !t.LeaseExpiresAt.After(now) {
		return fmt.Errorf("%w: task %s lease ended at %s", ErrLeaseExpired, t.ID, t.LeaseExpiresAt.Format(time.RFC3339Nano))
	}
	return nil
}

// ApplyComplete marks t completed. A task with a follow-up goes back to
// pending with the follow-up payload instead.
func ApplyComplete(t *Task, now time.Time) {
	t.LeaseOwner = ""
	t.LeaseExpiresAt = time.Time{}
	t.ErrorMessage = ""
	if t.Followup != nil {
		adoptFollowup(t, now)
		return
	}
	t.Status = StatusCompleted
	t.CompletedAt = now
}

// ApplyFailure records a failed attempt. Retryable failures below the
// budget move t to retrying with a delayed available_at; anything else
// makes it failed. A permanent failure consumes the whole budget so that
// failed always implies retry_count >= max_retries.
//
// A follow-up payload replaces the failed one: a retrying task retries the
// newer payload, and a task out of attempts starts over as pending.
func ApplyFailure(t *Task, f Failure, now time.Time, b Backoff) {
	t.RetryCount++
	t.ErrorMessage = f.Message
	t.LeaseOwner = ""
	t.LeaseExpiresAt = time.Time{}
	if f.Permanent && t.RetryCount < t.MaxRetries {
		t.RetryCount = t.MaxRetries
	}
	if t.RetryCount >= t.MaxRetries {
		if t.Followup != nil {
			adoptFollowup(t, now)
			return
		}
		t.Status = StatusFailed
		t.CompletedAt = now
		return
	}
	if t.Followup != nil {
		t.Payload = *t.Followup
		t.Followup = nil
	}
	t.Status = StatusRetrying
	t.AvailableAt = now.Add(b.Delay(t.RetryCount))
}

// LeaseExpired reports whether t is processing under a lease that has passed.
func LeaseExpired(t *Task, now time.Time) bool {
	return t.Status == StatusProcessing && !t.LeaseExpiresAt.After(now)
}

// ApplyLeaseExpiry returns an abandoned task to pending, counting the lost
// attempt. Out of attempts, it fails the task instead. A follow-up payload
// is handled as in [ApplyFailure].
func ApplyLeaseExpiry(t *Task, now time.Time) {
	owner := t.LeaseOwner
	t.RetryCount++
	t.LeaseOwner = ""
	t.LeaseExpiresAt = time.Time{}
	if t.RetryCount >= t.MaxRetries {
		if t.Followup != nil {
			adoptFollowup(t, now)
			return
		}
		t.Status = StatusFailed
		t.CompletedAt = now
		t.ErrorMessage = fmt.Sprintf("lease held by %s expired after %d attempts", owner, t.RetryCount)
		return
	}
	if t.Followup != nil {
		t.Payload = *t.Followup
		t.Followup = nil
	}
	t.Status = StatusPending
	t.AvailableAt = now
}

// Finished reports whether t is terminal and completed before cutoff.
func Finished(t *Task, cutoff time.Time) bool {
	return t.Status.IsTerminal() && !t.CompletedAt.IsZero() && t.CompletedAt.Before(cutoff)
}
