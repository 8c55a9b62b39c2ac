// Package interaction models the append-only stream of user interactions the
// preference aggregator consumes.
//
// This core does not own interaction persistence. [Source] is the narrow
// read contract; [MemSource] backs tests and development mode, and the
// PostgreSQL implementation lives in internal/store/postgres.
package interaction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// Type classifies an interaction.
type Type string

const (
	TypeView           Type = "view"
	TypeRating         Type = "rating"
	TypeFavorite       Type = "favorite"
	TypePurchaseIntent Type = "purchase_intent"
	TypeSampleRequest  Type = "sample_request"
	TypeDismiss        Type = "dismiss"
)

// Types returns every known interaction type.
func Types() []Type {
	return []Type{TypeView, TypeRating, TypeFavorite, TypePurchaseIntent, TypeSampleRequest, TypeDismiss}
}

// IsValid reports whether t is a known interaction type.
func (t Type) IsValid() bool {
	return slices.Contains(Types(), t)
}

// Event is one user interaction with an entity.
type Event struct {
	// Seq orders events within a source. Assigned by the source on append.
	Seq int64

	UserID   string
	EntityID string
	Type     Type

	// Weight is the interaction's own magnitude, e.g. a rating scaled to
	// [0,1]. Sources store it as given; consumers clamp it.
	Weight float64

	OccurredAt time.Time
}

// Validate checks required fields.
func (e Event) Validate() error {
	var errs []error
	if strings.TrimSpace(e.UserID) == "" {
		errs = append(errs, errors.New("user_id is required"))
	}
	if strings.TrimSpace(e.EntityID) == "" {
		errs = append(errs, errors.New("entity_id is required"))
	}
	if e.Type == "" {
		errs = append(errs, errors.New("type is required"))
	}
	if math.IsNaN(e.Weight) || math.IsInf(e.Weight, 0) {
		errs = append(errs, fmt.Errorf("weight %v is not finite", e.Weight))
	}
	if e.OccurredAt.IsZero() {
		errs = append(errs, errors.New("occurred_at is required"))
	}
	return errors.Join(errs...)
}

// Cursor marks a position in a user's stream. The zero Cursor is the start.
//
// Stream order is append order. OccurredAt is client-stamped and may arrive
// late, so it never positions a cursor.
type Cursor struct {
	Seq int64
}

// After reports whether e was appended after c.
func (c Cursor) After(e Event) bool {
	return e.Seq > c.Seq
}

// CursorOf returns the cursor positioned at e.
func CursorOf(e Event) Cursor {
	return Cursor{Seq: e.Seq}
}

// Source is the read side of the interaction stream.
type Source interface {
	// Since returns up to limit events for userID appended after the cursor,
	// ordered by Seq ascending. limit <= 0 means no limit.
	Since(ctx context.Context, userID string, after Cursor, limit int) ([]Event, error)

	// ActiveUsers lists users with at least one event at or after since,
	// sorted ascending.
	ActiveUsers(ctx context.Context, since time.Time) ([]string, error)
}
