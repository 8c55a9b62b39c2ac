package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/scentvec/internal/preference"
)

var _ preference.Store = (*PreferenceStore)(nil)

// PreferenceStore is a [preference.Store] on the user_preferences table.
// CompareAndSwap is a single conditional statement on the version column.
type PreferenceStore struct {
	db DB
}

const preferenceColumns = `model_id, embedding, strength, interaction_count, mass, ref_time, cursor_seq, pending, updated_at, version`

// Get implements [preference.Store].
func (s *PreferenceStore) Get(ctx context.Context, userID string) (preference.Vector, error) {
	v, err := scanPreference(userID, s.db.QueryRow(ctx,
		`SELECT `+preferenceColumns+` FROM user_preferences WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return preference.Vector{}, fmt.Errorf("postgres preferences: get %s: %w", userID, preference.ErrNotFound)
	}
	if err != nil {
		return preference.Vector{}, fmt.Errorf("postgres preferences: get %s: %w", userID, err)
	}
	return v, nil
}

// CompareAndSwap implements [preference.Store].
func (s *PreferenceStore) CompareAndSwap(ctx context.Context, v preference.Vector, expected int64) (preference.Vector, error) {
	pending, err := json.Marshal(v.Pending)
	if err != nil {
		return preference.Vector{}, fmt.Errorf("postgres preferences: encode pending %s: %w", v.UserID, err)
	}
	if v.Pending == nil {
		pending = []byte("[]")
	}
	args := []any{
		v.UserID, v.ModelID, pgvector.NewVector(v.Vector), v.Strength, v.InteractionCount, v.Mass,
		v.RefTime, v.Cursor.Seq, string(pending), v.UpdatedAt, expected + 1,
	}
	var sql string
	if expected == 0 {
		sql = `
			INSERT INTO user_preferences (user_id, ` + preferenceColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (user_id) DO NOTHING`
	} else {
		sql = `
			UPDATE user_preferences SET
			    model_id = $2, embedding = $3, strength = $4, interaction_count = $5, mass = $6,
			    ref_time = $7, cursor_seq = $8, pending = $9, updated_at = $10, version = $11
			WHERE user_id = $1 AND version = $12`
		args = append(args, expected)
	}
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return preference.Vector{}, fmt.Errorf("postgres preferences: write %s: %w", v.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return preference.Vector{}, fmt.Errorf("%w: %s, expected version %d", preference.ErrVersionConflict, v.UserID, expected)
	}
	out := v.Clone()
	out.Version = expected + 1
	return out, nil
}

// Delete removes a user's vector.
func (s *PreferenceStore) Delete(ctx context.Context, userID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM user_preferences WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("postgres preferences: delete %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres preferences: delete %s: %w", userID, preference.ErrNotFound)
	}
	return nil
}

func scanPreference(userID string, row pgx.Row) (preference.Vector, error) {
	v := preference.Vector{UserID: userID}
	var (
		vec     pgvector.Vector
		pending []byte
	)
	err := row.Scan(&v.ModelID, &vec, &v.Strength, &v.InteractionCount, &v.Mass,
		&v.RefTime, &v.Cursor.Seq, &pending, &v.UpdatedAt, &v.Version)
	if err != nil {
		return preference.Vector{}, err
	}
	if err := json.Unmarshal(pending, &v.Pending); err != nil {
		return preference.Vector{}, fmt.Errorf("decode pending: %w", err)
	}
	if len(v.Pending) == 0 {
		v.Pending = nil
	}
	v.Vector = vec.Slice()
	v.RefTime = v.RefTime.UTC()
	v.UpdatedAt = v.UpdatedAt.UTC()
	return v, nil
}
