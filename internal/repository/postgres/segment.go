package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/segmentation"
)

const segmentColumns = `id, name, description, segment_type, definition, user_count,
		       last_evaluated_at, matched_user_ids, is_active, created_at, updated_at`

// SegmentRepo implements segmentation.Repository against PostgreSQL.
type SegmentRepo struct{ db *sql.DB }

// NewSegmentRepo creates a Postgres-backed segment repository.
func NewSegmentRepo(db *sql.DB) *SegmentRepo { return &SegmentRepo{db: db} }

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSegment(row rowScanner) (*domain.Segment, error) {
	var (
		s        domain.Segment
		defJSON  []byte
		lastEval sql.NullTime
		matched  pq.StringArray
	)
	if err := row.Scan(
		&s.ID, &s.Name, &s.Description, &s.Type, &defJSON, &s.UserCount,
		&lastEval, &matched, &s.IsActive, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	def, err := domain.DecodeDefinition(s.Type, defJSON)
	if err != nil {
		return nil, fmt.Errorf("segment %s: %w", s.ID, err)
	}
	s.Definition = def
	if lastEval.Valid {
		t := lastEval.Time
		s.LastEvaluatedAt = &t
	}
	if matched != nil {
		s.MatchedUserIDs = []string(matched)
	}
	return &s, nil
}

func (r *SegmentRepo) Create(ctx context.Context, s *domain.Segment) error {
	defJSON, err := domain.EncodeDefinition(s.Definition)
	if err != nil {
		return fmt.Errorf("%w: %v", segmentation.ErrInvalidDefinition, err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audience_segments (`+segmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, s.ID, s.Name, s.Description, string(s.Type), string(defJSON), s.UserCount,
		s.LastEvaluatedAt, pq.Array(s.MatchedUserIDs), s.IsActive, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return segmentation.StoreError("create segment", err)
	}
	return nil
}

func (r *SegmentRepo) Get(ctx context.Context, id string) (*domain.Segment, error) {
	s, err := scanSegment(r.db.QueryRowContext(ctx, `
		SELECT `+segmentColumns+`
		FROM audience_segments
		WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, segmentation.NotFound(id)
	}
	if err != nil {
		return nil, segmentation.StoreError("get segment", err)
	}
	return s, nil
}

func (r *SegmentRepo) Update(ctx context.Context, id string, u segmentation.UpdateFields) (*domain.Segment, error) {
	sets := []string{"updated_at = NOW()"}
	args := []interface{}{}
	idx := 1

	set := func(column string, v interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, idx))
		args = append(args, v)
		idx++
	}

	if u.Name != nil {
		set("name", *u.Name)
	}
	if u.Description != nil {
		set("description", *u.Description)
	}
	if u.IsActive != nil {
		set("is_active", *u.IsActive)
	}
	if u.Definition != nil {
		defJSON, err := domain.EncodeDefinition(u.Definition)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", segmentation.ErrInvalidDefinition, err)
		}
		set("definition", string(defJSON))
		sets = append(sets, "user_count = 0", "last_evaluated_at = NULL", "matched_user_ids = NULL")
	}

	args = append(args, id)
	query := fmt.Sprintf(`
		UPDATE audience_segments
		SET %s
		WHERE id = $%d
		RETURNING `+segmentColumns, strings.Join(sets, ", "), idx)

	s, err := scanSegment(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, segmentation.NotFound(id)
	}
	if err != nil {
		return nil, segmentation.StoreError("update segment", err)
	}
	return s, nil
}

func (r *SegmentRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM audience_segments WHERE id = $1`, id)
	if err != nil {
		return segmentation.StoreError("delete segment", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return segmentation.NotFound(id)
	}
	return nil
}

func (r *SegmentRepo) List(ctx context.Context, activeOnly bool) ([]domain.Segment, error) {
	q := `SELECT ` + segmentColumns + ` FROM audience_segments`
	if activeOnly {
		q += ` WHERE is_active = TRUE`
	}
	q += ` ORDER BY name, id`
	return r.query(ctx, "list segments", q)
}

func (r *SegmentRepo) Search(ctx context.Context, query string, limit int) ([]domain.Segment, error) {
	pattern := "%" + escapeLike(query) + "%"
	return r.query(ctx, "search segments", `
		SELECT `+segmentColumns+`
		FROM audience_segments
		WHERE name ILIKE $1 OR description ILIKE $1
		ORDER BY name, id
		LIMIT $2
	`, pattern, limit)
}

func (r *SegmentRepo) SetEvaluationResult(ctx context.Context, id string, version time.Time, count int, evaluatedAt time.Time, matched []string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE audience_segments
		SET user_count = $1, last_evaluated_at = $2, matched_user_ids = $3
		WHERE id = $4 AND updated_at = $5
	`, count, evaluatedAt, pq.Array(matched), id, version)
	if err != nil {
		return segmentation.StoreError("set evaluation result", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists bool
	err = r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM audience_segments WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return segmentation.StoreError("set evaluation result", err)
	}
	if !exists {
		return segmentation.NotFound(id)
	}
	return segmentation.ErrDefinitionChanged
}

func (r *SegmentRepo) query(ctx context.Context, op, q string, args ...interface{}) ([]domain.Segment, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, segmentation.StoreError(op, err)
	}
	defer rows.Close()

	var out []domain.Segment
	for rows.Next() {
		s, err := scanSegment(rows)
		if err != nil {
			return nil, segmentation.StoreError(op, err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, segmentation.StoreError(op, err)
	}
	return out, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }
