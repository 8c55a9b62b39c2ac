package postgres

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/scentvec/internal/interaction"
)

var _ interaction.Source = (*InteractionSource)(nil)

// InteractionSource is an [interaction.Source] on the interactions table.
// Stream order is seq, matching [interaction.Cursor].
//
// Appends hold a per-user transaction advisory lock before drawing from the
// sequence, so a user's events commit in seq order and a reader never sees
// seq n+1 before seq n.
type InteractionSource struct {
	db DB
}

// Append validates and inserts events, returning them with their assigned
// sequence numbers. The batch is all-or-nothing.
func (s *InteractionSource) Append(ctx context.Context, events ...interaction.Event) ([]interaction.Event, error) {
	for i, e := range events {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("postgres interactions: append event %d: %w", i, err)
		}
	}
	users := make([]string, 0, len(events))
	for _, e := range events {
		users = append(users, e.UserID)
	}
	slices.Sort(users)
	users = slices.Compact(users)

	out := make([]interaction.Event, len(events))
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		// Sorted to keep lock order consistent across concurrent appends.
		for _, u := range users {
			batch.Queue(`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "interactions:"+u)
		}
		for i, e := range events {
			out[i] = e
			batch.Queue(`
				INSERT INTO interactions (user_id, entity_id, type, weight, occurred_at)
				VALUES ($1, $2, $3, $4, $5)
				RETURNING seq`,
				e.UserID, e.EntityID, string(e.Type), e.Weight, e.OccurredAt,
			).QueryRow(func(row pgx.Row) error {
				return row.Scan(&out[i].Seq)
			})
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return nil, fmt.Errorf("postgres interactions: append: %w", err)
	}
	return out, nil
}

// Since implements [interaction.Source].
func (s *InteractionSource) Since(ctx context.Context, userID string, after interaction.Cursor, limit int) ([]interaction.Event, error) {
	sql := `
		SELECT seq, user_id, entity_id, type, weight, occurred_at
		FROM   interactions
		WHERE  user_id = $1 AND seq > $2
		ORDER  BY seq`
	args := []any{userID, after.Seq}
	if limit > 0 {
		sql += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres interactions: since: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (interaction.Event, error) {
		var (
			e   interaction.Event
			typ string
		)
		if err := row.Scan(&e.Seq, &e.UserID, &e.EntityID, &typ, &e.Weight, &e.OccurredAt); err != nil {
			return interaction.Event{}, err
		}
		e.Type = interaction.Type(typ)
		e.OccurredAt = e.OccurredAt.UTC()
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres interactions: since: scan rows: %w", err)
	}
	return events, nil
}

// ActiveUsers implements [interaction.Source].
func (s *InteractionSource) ActiveUsers(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT user_id FROM interactions
		WHERE occurred_at >= $1
		ORDER BY user_id`, since)
	if err != nil {
		return nil, fmt.Errorf("postgres interactions: active users: %w", err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres interactions: active users: scan rows: %w", err)
	}
	return users, nil
}
