package changedetect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/scentvec/pkg/queue"
	"github.com/MrWong99/scentvec/pkg/vectorstore"
)

// Default priorities. Lower values are claimed first.
const (
	DefaultPriorityNew     = 1
	DefaultPriorityChanged = 5
)

// Decision reports what OnEntityWrite did.
type Decision struct {
	// TaskID is the enqueued (or already live) task, or empty when the
	// entity's vector is current.
	TaskID string

	// Enqueued is true when a task ID was returned.
	Enqueued bool

	// Fingerprint is the hash of the written content.
	Fingerprint string

	// Reason is "new", "changed", "model_changed" or "unchanged".
	Reason string
}

// Detector compares written content against stored vectors and enqueues
// embedding work when needed. It is safe for concurrent use.
type Detector struct {
	queue           queue.Queue
	vectors         vectorstore.Store
	modelID         string
	priorityNew     int
	priorityChanged int
}

// Option configures a Detector.
type Option func(*Detector)

// WithPriorities overrides the priorities used for entities without a vector
// and for entities whose content changed.
func WithPriorities(newEntity, changed int) Option {
	return func(d *Detector) {
		d.priorityNew = newEntity
		d.priorityChanged = changed
	}
}

// New returns a Detector that enqueues embedding_generation tasks for
// modelID.
func New(q queue.Queue, vectors vectorstore.Store, modelID string, opts ...Option) (*Detector, error) {
	if q == nil || vectors == nil {
		return nil, errors.New("changedetect: queue and vector store are required")
	}
	if modelID == "" {
		return nil, errors.New("changedetect: model id must not be empty")
	}
	d := &Detector{
		queue:           q,
		vectors:         vectors,
		modelID:         modelID,
		priorityNew:     DefaultPriorityNew,
		priorityChanged: DefaultPriorityChanged,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// OnEntityWrite is called synchronously from the entity write path. It
// enqueues an embedding task when entityID has no vector, when the stored
// vector came from another model, or when the content fingerprint differs.
// The enqueue is idempotent, so concurrent writes of one entity share a task.
func (d *Detector) OnEntityWrite(ctx context.Context, entityID string, doc Document) (Decision, error) {
	if strings.TrimSpace(entityID) == "" {
		return Decision{}, fmt.Errorf("changedetect: %w: empty entity id", queue.ErrInvalidTask)
	}
	fp := Fingerprint(doc)

	rec, err := d.vectors.Get(ctx, vectorstore.KindEntity, entityID)
	var reason string
	priority := d.priorityChanged
	switch {
	case errors.Is(err, vectorstore.ErrNotFound):
		reason = "new"
		priority = d.priorityNew
	case err != nil:
		return Decision{}, fmt.Errorf("changedetect: load vector %s: %w", entityID, err)
	case rec.ModelID != d.modelID:
		reason = "model_changed"
	case rec.ContentFingerprint != fp:
		reason = "changed"
	default:
		return Decision{Fingerprint: fp, Reason: "unchanged"}, nil
	}

	res, err := d.queue.Enqueue(ctx, queue.EnqueueRequest{
		Type: queue.TaskEmbeddingGeneration,
		Payload: queue.Payload{
			EntityID:    entityID,
			Content:     Text(doc),
			Fingerprint: fp,
			ModelID:     d.modelID,
		},
		Priority: priority,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("changedetect: enqueue %s: %w", entityID, err)
	}
	slog.Debug("embedding enqueued",
		"entity_id", entityID,
		"task_id", res.TaskID,
		"reason", reason,
		"created", res.Created,
	)
	return Decision{TaskID: res.TaskID, Enqueued: true, Fingerprint: fp, Reason: reason}, nil
}
