package selection

import (
	"context"
	"fmt"

	"github.com/charhub/populator/internal/core/domain"
	"github.com/charhub/populator/internal/infra/storage"
)

// SelectionStats summarizes the approved, unassigned candidate pool.
type SelectionStats struct {
	TotalApproved int             `json:"total_approved"`
	ByAgeRating   map[string]int  `json:"by_age_rating"`
	ByGender      map[string]int  `json:"by_gender"`
	BySpecies     map[string]int  `json:"by_species"`
	RecentQuality QualitySnapshot `json:"recent_quality"`
}

// QualitySnapshot holds quality score aggregates.
type QualitySnapshot struct {
	Avg float64 `json:"avg"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Stats computes aggregate counts and quality statistics over the full
// approved, unassigned pool, independent of any selection call.
func (s *Selector) Stats(ctx context.Context) (*SelectionStats, error) {
	filter := storage.CandidateFilter{
		Status:     domain.CandidateStatusApproved,
		Unassigned: true,
	}

	total, err := s.candidates.Count(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to count approved candidates: %w", err)
	}

	byRating, err := s.candidates.GroupBy(ctx, "age_rating", filter)
	if err != nil {
		return nil, fmt.Errorf("failed to group by age rating: %w", err)
	}
	byGender, err := s.candidates.GroupBy(ctx, "gender", filter)
	if err != nil {
		return nil, fmt.Errorf("failed to group by gender: %w", err)
	}
	bySpecies, err := s.candidates.GroupBy(ctx, "species", filter)
	if err != nil {
		return nil, fmt.Errorf("failed to group by species: %w", err)
	}

	agg, err := s.candidates.AggregateQuality(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate quality: %w", err)
	}

	return &SelectionStats{
		TotalApproved: total,
		ByAgeRating:   byRating,
		ByGender:      byGender,
		BySpecies:     bySpecies,
		RecentQuality: QualitySnapshot{Avg: agg.Avg, Min: agg.Min, Max: agg.Max},
	}, nil
}
