package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/scentvec/pkg/vectorstore"
)

var _ vectorstore.Store = (*VectorStore)(nil)

// VectorStore is a [vectorstore.Store] on the vector_records table. Search
// runs against the HNSW cosine index; cosine distance d maps to the score
// 1 - d/2.
type VectorStore struct {
	db   DB
	dims vectorstore.Dimensions
}

// Upsert implements [vectorstore.Store]. The fingerprint guard is evaluated
// inside the statement, so concurrent writers of the same record never
// interleave a read and a write.
func (s *VectorStore) Upsert(ctx context.Context, rec vectorstore.Record) (bool, error) {
	if rec.Kind == "" {
		rec.Kind = vectorstore.KindEntity
	}
	if err := vectorstore.ValidateRecord(rec, s.dims); err != nil {
		return false, fmt.Errorf("postgres vectors: upsert: %w", err)
	}
	if vectorstore.Unit(rec.Vector) == nil {
		return false, fmt.Errorf("postgres vectors: upsert: %w: zero vector for %q", vectorstore.ErrInvalidRecord, rec.EntityID)
	}

	tag, err := s.db.Exec(ctx, `
		INSERT INTO vector_records
		    (kind, entity_id, model_id, model_version, embedding, content_fingerprint, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (kind, entity_id) DO UPDATE SET
		    model_id            = EXCLUDED.model_id,
		    model_version       = EXCLUDED.model_version,
		    embedding           = EXCLUDED.embedding,
		    content_fingerprint = EXCLUDED.content_fingerprint,
		    generated_at        = EXCLUDED.generated_at
		WHERE EXCLUDED.content_fingerprint = ''
		   OR vector_records.content_fingerprint <> EXCLUDED.content_fingerprint
		   OR vector_records.model_id <> EXCLUDED.model_id`,
		string(rec.Kind), rec.EntityID, rec.ModelID, rec.ModelVersion,
		pgvector.NewVector(rec.Vector), rec.ContentFingerprint, rec.GeneratedAt,
	)
	if err != nil {
		return false, fmt.Errorf("postgres vectors: upsert %s %q: %w", rec.Kind, rec.EntityID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Get implements [vectorstore.Store].
func (s *VectorStore) Get(ctx context.Context, kind vectorstore.Kind, entityID string) (vectorstore.Record, error) {
	if kind == "" {
		kind = vectorstore.KindEntity
	}
	var (
		rec vectorstore.Record
		vec pgvector.Vector
	)
	err := s.db.QueryRow(ctx, `
		SELECT model_id, model_version, embedding, content_fingerprint, generated_at
		FROM vector_records WHERE kind = $1 AND entity_id = $2`,
		string(kind), entityID,
	).Scan(&rec.ModelID, &rec.ModelVersion, &vec, &rec.ContentFingerprint, &rec.GeneratedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return vectorstore.Record{}, fmt.Errorf("postgres vectors: get %s %q: %w", kind, entityID, vectorstore.ErrNotFound)
	}
	if err != nil {
		return vectorstore.Record{}, fmt.Errorf("postgres vectors: get %s %q: %w", kind, entityID, err)
	}
	rec.EntityID = entityID
	rec.Kind = kind
	rec.Vector = vec.Slice()
	rec.GeneratedAt = rec.GeneratedAt.UTC()
	return rec, nil
}

// Delete implements [vectorstore.Store].
func (s *VectorStore) Delete(ctx context.Context, kind vectorstore.Kind, entityID string) error {
	if kind == "" {
		kind = vectorstore.KindEntity
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM vector_records WHERE kind = $1 AND entity_id = $2`, string(kind), entityID); err != nil {
		return fmt.Errorf("postgres vectors: delete %s %q: %w", kind, entityID, err)
	}
	return nil
}

// Search implements [vectorstore.Store].
func (s *VectorStore) Search(ctx context.Context, q vectorstore.Query) ([]vectorstore.Match, error) {
	if err := q.ValidateFor(s.dims); err != nil {
		return nil, fmt.Errorf("postgres vectors: search: %w", err)
	}
	if q.MaxResults == 0 {
		return []vectorstore.Match{}, nil
	}

	sql, args := searchSQL(q)
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres vectors: search: %w", err)
	}
	candidates, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (vectorstore.Match, error) {
		var (
			m    vectorstore.Match
			dist float64
		)
		if err := row.Scan(&m.EntityID, &dist); err != nil {
			return vectorstore.Match{}, err
		}
		m.Score = scoreFromDistance(dist)
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres vectors: search: scan rows: %w", err)
	}
	return vectorstore.Finalize(candidates, q), nil
}

// searchOverfetch widens the LIMIT so that exact-score ties at the cut are
// resolved by entity ID in Finalize rather than by index order.
const searchOverfetch = 8

func searchSQL(q vectorstore.Query) (string, []any) {
	args := []any{pgvector.NewVector(q.Vector), string(q.SearchKind())}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"kind = $2"}
	if q.ModelID != "" {
		conditions = append(conditions, "model_id = "+next(q.ModelID))
	}
	if len(q.ExcludeIDs) > 0 {
		conditions = append(conditions, "NOT (entity_id = ANY("+next(q.ExcludeIDs)+"))")
	}
	if q.Threshold > 0 {
		conditions = append(conditions, "(embedding <=> $1) <= "+next(maxDistance(q.Threshold)))
	}
	limit := next(q.MaxResults + searchOverfetch)

	sql := fmt.Sprintf(`
		SELECT entity_id, embedding <=> $1 AS distance
		FROM   vector_records
		WHERE  %s
		ORDER  BY embedding <=> $1
		LIMIT  %s`, strings.Join(conditions, "\n\t\t  AND "), limit)
	return sql, args
}

// scoreFromDistance maps pgvector's cosine distance (1 - cos) onto the
// (cos+1)/2 score, clamped to [0,1].
func scoreFromDistance(d float64) float64 {
	s := 1 - d/2
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}

// maxDistance is the largest cosine distance whose score reaches threshold.
func maxDistance(threshold float64) float64 {
	return 2 * (1 - threshold)
}
