package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charhub/populator/internal/core/domain"
	"github.com/charhub/populator/internal/infra/storage"
)

// MemoryStorage is an in-memory backing store shared by the repositories.
// Used when no database is configured, and by tests.
type MemoryStorage struct {
	mu         sync.Mutex
	candidates map[string]*domain.Candidate
	characters []*domain.GeneratedCharacter
	runs       map[string]*domain.BatchRun
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		candidates: make(map[string]*domain.Candidate),
		runs:       make(map[string]*domain.BatchRun),
	}
}

// SeedCandidates loads candidates into the store.
func (s *MemoryStorage) SeedCandidates(cands []*domain.Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range cands {
		cp := *c
		s.candidates[c.ID] = &cp
	}
}

// =============================================================================
// Candidate repository
// =============================================================================

// CandidateRepo implements storage.CandidateRepository in memory.
type CandidateRepo struct {
	store *MemoryStorage
}

// NewCandidateRepo creates an in-memory candidate repository.
func NewCandidateRepo(store *MemoryStorage) *CandidateRepo {
	return &CandidateRepo{store: store}
}

func (r *CandidateRepo) matching(filter storage.CandidateFilter) []*domain.Candidate {
	var out []*domain.Candidate
	for _, c := range r.store.candidates {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.Unassigned && c.GeneratedCharID != "" {
			continue
		}
		if filter.AgeRating != "" && c.AgeRating != filter.AgeRating {
			continue
		}
		out = append(out, c)
	}
	// Quality desc, ID asc: matches the SQL ordering and keeps results
	// deterministic despite map iteration.
	sort.Slice(out, func(i, j int) bool {
		if out[i].QualityScore != out[j].QualityScore {
			return out[i].QualityScore > out[j].QualityScore
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func (r *CandidateRepo) FindMany(ctx context.Context, filter storage.CandidateFilter) ([]*domain.Candidate, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	matched := r.matching(filter)
	out := make([]*domain.Candidate, len(matched))
	for i, c := range matched {
		cp := *c
		out[i] = &cp
	}
	return out, nil
}

func (r *CandidateRepo) GetByID(ctx context.Context, id string) (*domain.Candidate, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c, ok := r.store.candidates[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *CandidateRepo) Count(ctx context.Context, filter storage.CandidateFilter) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return len(r.matching(filter)), nil
}

func (r *CandidateRepo) GroupBy(ctx context.Context, field string, filter storage.CandidateFilter) (map[string]int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	counts := make(map[string]int)
	for _, c := range r.matching(filter) {
		switch field {
		case "age_rating":
			counts[string(c.AgeRating)]++
		case "gender":
			counts[c.GenderBucket()]++
		case "species":
			counts[c.SpeciesBucket()]++
		case "style":
			counts[c.StyleBucket()]++
		default:
			return nil, fmt.Errorf("cannot group candidates by %q", field)
		}
	}
	return counts, nil
}

func (r *CandidateRepo) AggregateQuality(ctx context.Context, filter storage.CandidateFilter) (storage.QualityAggregate, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	matched := r.matching(filter)
	if len(matched) == 0 {
		return storage.QualityAggregate{}, nil
	}
	agg := storage.QualityAggregate{Min: matched[0].QualityScore, Max: matched[0].QualityScore}
	var sum float64
	for _, c := range matched {
		sum += c.QualityScore
		if c.QualityScore < agg.Min {
			agg.Min = c.QualityScore
		}
		if c.QualityScore > agg.Max {
			agg.Max = c.QualityScore
		}
	}
	agg.Avg = sum / float64(len(matched))
	return agg, nil
}

func (r *CandidateRepo) UpdateStatus(ctx context.Context, id string, status domain.CandidateStatus) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c, ok := r.store.candidates[id]
	if !ok {
		return storage.ErrNotFound
	}
	c.Status = status
	return nil
}

func (r *CandidateRepo) DeleteRejectedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	removed := 0
	for id, c := range r.store.candidates {
		if c.Status == domain.CandidateStatusRejected && c.CreatedAt.Before(cutoff) {
			delete(r.store.candidates, id)
			removed++
		}
	}
	return removed, nil
}

// =============================================================================
// Character repository
// =============================================================================

// CharacterRepo implements storage.CharacterRepository in memory.
type CharacterRepo struct {
	store *MemoryStorage
}

// NewCharacterRepo creates an in-memory character repository.
func NewCharacterRepo(store *MemoryStorage) *CharacterRepo {
	return &CharacterRepo{store: store}
}

func (r *CharacterRepo) CreateAndAssign(ctx context.Context, ch *domain.GeneratedCharacter) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	cand, ok := r.store.candidates[ch.CandidateID]
	if !ok {
		return storage.ErrNotFound
	}
	if cand.GeneratedCharID != "" {
		return storage.ErrAlreadyAssigned
	}

	cp := *ch
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	r.store.characters = append(r.store.characters, &cp)
	cand.GeneratedCharID = ch.ID
	cand.Status = domain.CandidateStatusCompleted
	return nil
}

func (r *CharacterRepo) Recent(ctx context.Context, limit int) ([]domain.HistoryEntry, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	out := make([]domain.HistoryEntry, 0, limit)
	// Newest first.
	for i := len(r.store.characters) - 1; i >= 0 && len(out) < limit; i-- {
		ch := r.store.characters[i]
		out = append(out, domain.HistoryEntry{Gender: ch.Gender, Species: ch.Species})
	}
	return out, nil
}

// =============================================================================
// Batch run repository
// =============================================================================

// BatchRunRepo implements storage.BatchRunRepository in memory.
type BatchRunRepo struct {
	store *MemoryStorage
}

// NewBatchRunRepo creates an in-memory batch run repository.
func NewBatchRunRepo(store *MemoryStorage) *BatchRunRepo {
	return &BatchRunRepo{store: store}
}

func (r *BatchRunRepo) Save(ctx context.Context, run *domain.BatchRun) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *run
	r.store.runs[run.ID] = &cp
	return nil
}

func (r *BatchRunRepo) GetLatest(ctx context.Context) (*domain.BatchRun, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var latest *domain.BatchRun
	for _, run := range r.store.runs {
		if latest == nil || run.ExecutedAt.After(latest.ExecutedAt) {
			latest = run
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *BatchRunRepo) DeleteFinalizedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	removed := 0
	for id, run := range r.store.runs {
		if run.State.Terminal() && run.CompletedAt.Before(cutoff) {
			delete(r.store.runs, id)
			removed++
		}
	}
	return removed, nil
}
