package worker

import (
	"errors"

	"github.com/MrWong99/scentvec/internal/resilience"
	"github.com/MrWong99/scentvec/pkg/provider/embeddings"
	"github.com/MrWong99/scentvec/pkg/queue"
	"github.com/MrWong99/scentvec/pkg/vectorstore"
)

// Category labels a handler failure for metrics and the task's error
// message.
type Category string

const (
	CategoryDimensionMismatch Category = "dimension_mismatch"
	CategoryInvalidTask       Category = "invalid_task"
	CategoryProviderTimeout   Category = "provider_timeout"
	CategoryProviderError     Category = "provider_error"
	CategoryCircuitOpen       Category = "circuit_open"
	CategoryInternal          Category = "internal"
)

// Classify maps a handler error onto a [Category] and reports whether the
// failure is permanent. Permanent failures are structural: retrying the
// same payload cannot succeed.
func Classify(err error) (Category, bool) {
	switch {
	case errors.Is(err, vectorstore.ErrDimensionMismatch):
		return CategoryDimensionMismatch, true
	case errors.Is(err, queue.ErrInvalidTask),
		errors.Is(err, vectorstore.ErrUnknownModel),
		errors.Is(err, vectorstore.ErrInvalidRecord):
		return CategoryInvalidTask, true
	case errors.Is(err, resilience.ErrCircuitOpen):
		return CategoryCircuitOpen, false
	case errors.Is(err, embeddings.ErrTimeout):
		return CategoryProviderTimeout, false
	case errors.Is(err, embeddings.ErrProvider):
		return CategoryProviderError, false
	default:
		return CategoryInternal, false
	}
}
