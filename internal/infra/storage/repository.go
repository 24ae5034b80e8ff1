package storage

import (
	"context"
	"errors"
	"time"

	"github.com/charhub/populator/internal/core/domain"
)

var (
	// ErrAlreadyAssigned is returned when a candidate already has a
	// generated character (claimed by a concurrent run).
	ErrAlreadyAssigned = errors.New("candidate already assigned")

	// ErrNotFound is returned when a record doesn't exist.
	ErrNotFound = errors.New("record not found")
)

// CandidateFilter narrows candidate queries. Zero values mean "no filter".
type CandidateFilter struct {
	Status     domain.CandidateStatus
	Unassigned bool // only candidates without a generated character
	AgeRating  domain.AgeRating
	Limit      int // 0 = no limit
}

// QualityAggregate summarizes quality scores over a candidate set.
type QualityAggregate struct {
	Avg float64
	Min float64
	Max float64
}

// CandidateRepository handles curated image candidate storage operations.
type CandidateRepository interface {
	// FindMany retrieves candidates matching the filter, ordered by
	// quality score descending.
	FindMany(ctx context.Context, filter CandidateFilter) ([]*domain.Candidate, error)

	// GetByID retrieves a candidate by ID.
	GetByID(ctx context.Context, id string) (*domain.Candidate, error)

	// Count returns the number of candidates matching the filter.
	Count(ctx context.Context, filter CandidateFilter) (int, error)

	// GroupBy returns counts grouped by an attribute ("age_rating",
	// "gender", "species", "style"); null/empty values are bucketed
	// as "unknown".
	GroupBy(ctx context.Context, field string, filter CandidateFilter) (map[string]int, error)

	// AggregateQuality returns quality statistics over the filtered set.
	AggregateQuality(ctx context.Context, filter CandidateFilter) (QualityAggregate, error)

	// UpdateStatus updates a candidate's processing status.
	UpdateStatus(ctx context.Context, id string, status domain.CandidateStatus) error

	// DeleteRejectedBefore removes rejected candidates created before the
	// cutoff. Returns the number of rows removed.
	DeleteRejectedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// CharacterRepository handles generated character storage operations.
type CharacterRepository interface {
	// CreateAndAssign persists the character and claims its candidate in
	// a single transaction. Returns ErrAlreadyAssigned when the candidate
	// was claimed by another run.
	CreateAndAssign(ctx context.Context, ch *domain.GeneratedCharacter) error

	// Recent returns the gender/species of the most recently generated
	// characters, newest first, capped at limit.
	Recent(ctx context.Context, limit int) ([]domain.HistoryEntry, error)
}

// BatchRunRepository handles batch run bookkeeping.
type BatchRunRepository interface {
	// Save inserts or updates a batch run record.
	Save(ctx context.Context, run *domain.BatchRun) error

	// GetLatest retrieves the most recently executed run.
	GetLatest(ctx context.Context) (*domain.BatchRun, error)

	// DeleteFinalizedBefore removes terminal runs completed before the
	// cutoff. Returns the number of rows removed.
	DeleteFinalizedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ErrorLogRepository persists classified pipeline errors for monitoring.
type ErrorLogRepository interface {
	Record(ctx context.Context, itemID, operation, category, severity, message string) error
}
