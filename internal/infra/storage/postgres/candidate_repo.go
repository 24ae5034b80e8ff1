package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charhub/populator/internal/core/domain"
	"github.com/charhub/populator/internal/infra/storage"
)

// CandidateRepo implements storage.CandidateRepository using PostgreSQL.
type CandidateRepo struct {
	db *DB
}

// NewCandidateRepo creates a new PostgreSQL candidate repository.
func NewCandidateRepo(db *DB) *CandidateRepo {
	return &CandidateRepo{db: db}
}

type candidateRow struct {
	ID              string          `db:"id"`
	SourceURL       string          `db:"source_url"`
	Status          string          `db:"status"`
	AgeRating       string          `db:"age_rating"`
	QualityScore    float64         `db:"quality_score"`
	Tags            json.RawMessage `db:"tags"`
	Gender          sql.NullString  `db:"gender"`
	Species         sql.NullString  `db:"species"`
	Style           sql.NullString  `db:"style"`
	GeneratedCharID sql.NullString  `db:"generated_char_id"`
	CreatedAt       time.Time       `db:"created_at"`
}

func (r candidateRow) toDomain() (*domain.Candidate, error) {
	var tags []string
	if len(r.Tags) > 0 {
		if err := json.Unmarshal(r.Tags, &tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags for %s: %w", r.ID, err)
		}
	}
	return &domain.Candidate{
		ID:              r.ID,
		SourceURL:       r.SourceURL,
		Status:          domain.CandidateStatus(r.Status),
		AgeRating:       domain.AgeRating(r.AgeRating),
		QualityScore:    r.QualityScore,
		Tags:            tags,
		Gender:          r.Gender.String,
		Species:         r.Species.String,
		Style:           r.Style.String,
		GeneratedCharID: r.GeneratedCharID.String,
		CreatedAt:       r.CreatedAt,
	}, nil
}

const candidateColumns = `id, source_url, status, age_rating, quality_score, tags, gender, species, style, generated_char_id, created_at`

// whereClause builds the WHERE fragment and args for a filter.
func whereClause(filter storage.CandidateFilter) (string, []any) {
	conds := []string{"1=1"}
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Unassigned {
		conds = append(conds, "generated_char_id IS NULL")
	}
	if filter.AgeRating != "" {
		args = append(args, string(filter.AgeRating))
		conds = append(conds, fmt.Sprintf("age_rating = $%d", len(args)))
	}
	return strings.Join(conds, " AND "), args
}

// FindMany retrieves candidates matching the filter, best quality first.
func (r *CandidateRepo) FindMany(ctx context.Context, filter storage.CandidateFilter) ([]*domain.Candidate, error) {
	where, args := whereClause(filter)
	query := fmt.Sprintf(`
		SELECT %s FROM candidates
		WHERE %s
		ORDER BY quality_score DESC, id ASC
	`, candidateColumns, where)
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []candidateRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}

	out := make([]*domain.Candidate, 0, len(rows))
	for _, row := range rows {
		c, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// GetByID retrieves a candidate by ID.
func (r *CandidateRepo) GetByID(ctx context.Context, id string) (*domain.Candidate, error) {
	query := fmt.Sprintf(`SELECT %s FROM candidates WHERE id = $1`, candidateColumns)

	var row candidateRow
	err := r.db.GetContext(ctx, &row, query, id)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get candidate: %w", err)
	}
	return row.toDomain()
}

// Count returns the number of candidates matching the filter.
func (r *CandidateRepo) Count(ctx context.Context, filter storage.CandidateFilter) (int, error) {
	where, args := whereClause(filter)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM candidates WHERE %s`, where)

	var count int
	if err := r.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count candidates: %w", err)
	}
	return count, nil
}

// groupableColumns whitelists GroupBy fields.
var groupableColumns = map[string]bool{
	"age_rating": true,
	"gender":     true,
	"species":    true,
	"style":      true,
}

// GroupBy returns counts per attribute value, bucketing NULL/empty as
// "unknown".
func (r *CandidateRepo) GroupBy(ctx context.Context, field string, filter storage.CandidateFilter) (map[string]int, error) {
	if !groupableColumns[field] {
		return nil, fmt.Errorf("cannot group candidates by %q", field)
	}
	where, args := whereClause(filter)
	query := fmt.Sprintf(`
		SELECT COALESCE(NULLIF(%s, ''), 'unknown') AS bucket, COUNT(*) AS n
		FROM candidates
		WHERE %s
		GROUP BY bucket
	`, field, where)

	var rows []struct {
		Bucket string `db:"bucket"`
		N      int    `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to group candidates by %s: %w", field, err)
	}

	out := make(map[string]int, len(rows))
	for _, row := range rows {
		out[row.Bucket] = row.N
	}
	return out, nil
}

// AggregateQuality returns quality statistics over the filtered set.
func (r *CandidateRepo) AggregateQuality(ctx context.Context, filter storage.CandidateFilter) (storage.QualityAggregate, error) {
	where, args := whereClause(filter)
	query := fmt.Sprintf(`
		SELECT COALESCE(AVG(quality_score), 0) AS avg,
		       COALESCE(MIN(quality_score), 0) AS min,
		       COALESCE(MAX(quality_score), 0) AS max
		FROM candidates
		WHERE %s
	`, where)

	var row struct {
		Avg float64 `db:"avg"`
		Min float64 `db:"min"`
		Max float64 `db:"max"`
	}
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		return storage.QualityAggregate{}, fmt.Errorf("failed to aggregate quality: %w", err)
	}
	return storage.QualityAggregate{Avg: row.Avg, Min: row.Min, Max: row.Max}, nil
}

// UpdateStatus updates a candidate's processing status.
func (r *CandidateRepo) UpdateStatus(ctx context.Context, id string, status domain.CandidateStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE candidates SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update candidate status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteRejectedBefore removes rejected candidates created before the cutoff.
func (r *CandidateRepo) DeleteRejectedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM candidates WHERE status = $1 AND created_at < $2`,
		string(domain.CandidateStatusRejected), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune rejected candidates: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
