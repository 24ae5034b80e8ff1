package selection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/charhub/populator/internal/core/domain"
	"github.com/charhub/populator/internal/infra/storage"
)

// poolMultiplier controls how many candidates beyond the requested count are
// fetched before scoring, leaving room for diversity re-ranking. Tuning
// parameter: larger values give the re-ranker more choice at the cost of a
// bigger query.
const poolMultiplier = 5

// defaultMaxConsecutive applies when a balance toggle is on but no explicit
// consecutive-repeat limit was supplied.
const defaultMaxConsecutive = 2

// Scoring weights for the composite score. Base quality is normalized to
// [0,1] against the pool; each bonus is likewise in [0,1] before weighting.
const (
	qualityWeight = 1.0
	genderWeight  = 0.6
	speciesWeight = 0.6
	tagWeight     = 0.4
	styleWeight   = 0.3
)

// Criteria describes one selection request.
type Criteria struct {
	Count                     int
	AgeRatingDistribution     map[domain.AgeRating]int
	GenderBalance             bool
	SpeciesDiversity          bool
	TagDiversity              bool
	StyleBalance              bool
	MaxConsecutiveSameGender  int
	MaxConsecutiveSameSpecies int
}

// CandidateSource is the slice of the candidate store the selector reads.
type CandidateSource interface {
	FindMany(ctx context.Context, filter storage.CandidateFilter) ([]*domain.Candidate, error)
	Count(ctx context.Context, filter storage.CandidateFilter) (int, error)
	GroupBy(ctx context.Context, field string, filter storage.CandidateFilter) (map[string]int, error)
	AggregateQuality(ctx context.Context, filter storage.CandidateFilter) (storage.QualityAggregate, error)
}

// HistorySource provides the bounded recent-generation window.
type HistorySource interface {
	Recent(ctx context.Context, limit int) ([]domain.HistoryEntry, error)
}

// Selector picks candidates balancing quality against diversity.
type Selector struct {
	candidates    CandidateSource
	history       HistorySource
	historyWindow int
	log           *slog.Logger
}

// NewSelector creates a selector over the given sources.
func NewSelector(candidates CandidateSource, history HistorySource, historyWindow int) *Selector {
	if historyWindow <= 0 {
		historyWindow = 50
	}
	return &Selector{
		candidates:    candidates,
		history:       history,
		historyWindow: historyWindow,
		log:           slog.Default(),
	}
}

// SelectImages returns up to criteria.Count approved, unassigned candidate
// IDs. The result is deduplicated and deterministic for a fixed pool
// snapshot: ties break by quality score, then by pool order.
func (s *Selector) SelectImages(ctx context.Context, criteria Criteria) ([]string, error) {
	if criteria.Count < 0 {
		return nil, fmt.Errorf("count must be non-negative, got %d", criteria.Count)
	}
	if criteria.Count == 0 {
		return []string{}, nil
	}

	pool, err := s.buildPool(ctx, criteria)
	if err != nil {
		return nil, err
	}
	if len(pool) == 0 {
		return []string{}, nil
	}

	var hist historyStats
	if criteria.GenderBalance || criteria.SpeciesDiversity {
		entries, err := s.history.Recent(ctx, s.historyWindow)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch recent history: %w", err)
		}
		hist = newHistoryStats(entries)
	}

	scored := s.scorePool(pool, criteria, hist)
	result := s.greedySelect(scored, criteria)

	// Constraints may have starved the result; fill remaining slots by
	// pure quality order, ignoring consecutive-repeat limits.
	if len(result) < criteria.Count {
		result = relaxedFill(result, scored, criteria.Count)
	}

	ids := make([]string, len(result))
	for i, c := range result {
		ids[i] = c.cand.ID
	}
	s.log.Debug("Selection complete", "requested", criteria.Count, "selected", len(ids), "pool", len(pool))
	return ids, nil
}

// buildPool fetches the approved, unassigned candidate pool. With an age
// rating distribution, one capped query per category; otherwise a single
// query capped at count * poolMultiplier.
func (s *Selector) buildPool(ctx context.Context, criteria Criteria) ([]*domain.Candidate, error) {
	base := storage.CandidateFilter{
		Status:     domain.CandidateStatusApproved,
		Unassigned: true,
	}

	if len(criteria.AgeRatingDistribution) > 0 {
		// Sorted category order keeps the pool deterministic.
		ratings := make([]string, 0, len(criteria.AgeRatingDistribution))
		for r := range criteria.AgeRatingDistribution {
			ratings = append(ratings, string(r))
		}
		sort.Strings(ratings)

		var pool []*domain.Candidate
		seen := make(map[string]bool)
		for _, r := range ratings {
			want := criteria.AgeRatingDistribution[domain.AgeRating(r)]
			if want <= 0 {
				continue
			}
			filter := base
			filter.AgeRating = domain.AgeRating(r)
			filter.Limit = want
			batch, err := s.candidates.FindMany(ctx, filter)
			if err != nil {
				return nil, fmt.Errorf("failed to query candidates for rating %s: %w", r, err)
			}
			for _, c := range batch {
				if !seen[c.ID] {
					seen[c.ID] = true
					pool = append(pool, c)
				}
			}
		}
		return pool, nil
	}

	filter := base
	filter.Limit = criteria.Count * poolMultiplier
	pool, err := s.candidates.FindMany(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidate pool: %w", err)
	}
	return pool, nil
}

type scoredCandidate struct {
	cand    *domain.Candidate
	poolIdx int
	// static score: everything except the tag-novelty bonus, which
	// depends on the selection made so far.
	static float64
}

func (s *Selector) scorePool(pool []*domain.Candidate, criteria Criteria, hist historyStats) []*scoredCandidate {
	minQ, maxQ := pool[0].QualityScore, pool[0].QualityScore
	for _, c := range pool[1:] {
		if c.QualityScore < minQ {
			minQ = c.QualityScore
		}
		if c.QualityScore > maxQ {
			maxQ = c.QualityScore
		}
	}

	genderBuckets := distinctBuckets(pool, (*domain.Candidate).GenderBucket)
	speciesBuckets := distinctBuckets(pool, (*domain.Candidate).SpeciesBucket)
	styleBuckets := distinctBuckets(pool, (*domain.Candidate).StyleBucket)
	styleCounts := bucketCounts(pool, (*domain.Candidate).StyleBucket)

	scored := make([]*scoredCandidate, len(pool))
	for i, c := range pool {
		score := qualityWeight * normalize(c.QualityScore, minQ, maxQ)
		if criteria.GenderBalance {
			score += genderWeight * hist.genderBonus(c.GenderBucket(), genderBuckets)
		}
		if criteria.SpeciesDiversity {
			score += speciesWeight * hist.speciesBonus(c.SpeciesBucket(), speciesBuckets)
		}
		if criteria.StyleBalance {
			// Style has no generation history; under-representation is
			// measured against the pool's own style distribution.
			score += styleWeight * underRepresentation(styleCounts[c.StyleBucket()], len(pool), styleBuckets)
		}
		scored[i] = &scoredCandidate{cand: c, poolIdx: i, static: score}
	}
	return scored
}

// greedySelect processes candidates in descending composite-score order,
// skipping any pick that would violate an active consecutive-repeat
// constraint. Skipped candidates stay available for later slots.
func (s *Selector) greedySelect(scored []*scoredCandidate, criteria Criteria) []*scoredCandidate {
	maxGender := criteria.MaxConsecutiveSameGender
	if criteria.GenderBalance && maxGender <= 0 {
		maxGender = defaultMaxConsecutive
	}
	maxSpecies := criteria.MaxConsecutiveSameSpecies
	if criteria.SpeciesDiversity && maxSpecies <= 0 {
		maxSpecies = defaultMaxConsecutive
	}

	remaining := make([]*scoredCandidate, len(scored))
	copy(remaining, scored)
	result := make([]*scoredCandidate, 0, criteria.Count)
	selectedTags := make(map[string]bool)

	for len(result) < criteria.Count && len(remaining) > 0 {
		// Tag novelty shifts as the selection grows, so re-rank each round.
		sortByScore(remaining, criteria.TagDiversity, selectedTags)

		picked := -1
		for i, sc := range remaining {
			if criteria.GenderBalance && violatesConsecutive(result, sc.cand.GenderBucket(), (*domain.Candidate).GenderBucket, maxGender) {
				continue
			}
			if criteria.SpeciesDiversity && violatesConsecutive(result, sc.cand.SpeciesBucket(), (*domain.Candidate).SpeciesBucket, maxSpecies) {
				continue
			}
			picked = i
			break
		}
		if picked < 0 {
			// Every remaining candidate violates a constraint.
			break
		}

		sc := remaining[picked]
		result = append(result, sc)
		for _, t := range sc.cand.Tags {
			selectedTags[t] = true
		}
		remaining = append(remaining[:picked], remaining[picked+1:]...)
	}
	return result
}

// sortByScore orders candidates by composite score descending, breaking ties
// by quality score then original pool order.
func sortByScore(cs []*scoredCandidate, tagDiversity bool, selectedTags map[string]bool) {
	type ranked struct {
		sc    *scoredCandidate
		score float64
	}
	rankedList := make([]ranked, len(cs))
	for i, sc := range cs {
		score := sc.static
		if tagDiversity {
			score += tagWeight * tagNovelty(sc.cand.Tags, selectedTags)
		}
		rankedList[i] = ranked{sc: sc, score: score}
	}
	sort.SliceStable(rankedList, func(i, j int) bool {
		if rankedList[i].score != rankedList[j].score {
			return rankedList[i].score > rankedList[j].score
		}
		if rankedList[i].sc.cand.QualityScore != rankedList[j].sc.cand.QualityScore {
			return rankedList[i].sc.cand.QualityScore > rankedList[j].sc.cand.QualityScore
		}
		return rankedList[i].sc.poolIdx < rankedList[j].sc.poolIdx
	})
	for i := range rankedList {
		cs[i] = rankedList[i].sc
	}
}

// violatesConsecutive reports whether appending a candidate with the given
// bucket would exceed the max run of identical buckets at the tail of the
// selection.
func violatesConsecutive(result []*scoredCandidate, bucket string, bucketFn func(*domain.Candidate) string, max int) bool {
	if max <= 0 || len(result) < max {
		return false
	}
	for i := len(result) - max; i < len(result); i++ {
		if bucketFn(result[i].cand) != bucket {
			return false
		}
	}
	return true
}

// relaxedFill tops up a constraint-starved result by pure quality order.
func relaxedFill(result []*scoredCandidate, scored []*scoredCandidate, count int) []*scoredCandidate {
	used := make(map[string]bool, len(result))
	for _, sc := range result {
		used[sc.cand.ID] = true
	}

	unused := make([]*scoredCandidate, 0, len(scored))
	for _, sc := range scored {
		if !used[sc.cand.ID] {
			unused = append(unused, sc)
		}
	}
	sort.SliceStable(unused, func(i, j int) bool {
		if unused[i].cand.QualityScore != unused[j].cand.QualityScore {
			return unused[i].cand.QualityScore > unused[j].cand.QualityScore
		}
		return unused[i].poolIdx < unused[j].poolIdx
	})

	for _, sc := range unused {
		if len(result) >= count {
			break
		}
		result = append(result, sc)
	}
	return result
}

func normalize(q, min, max float64) float64 {
	if max == min {
		return 1.0
	}
	return (q - min) / (max - min)
}

// tagNovelty is 1 minus the fraction of the candidate's tags already present
// in the selection. Tagless candidates count as fully novel.
func tagNovelty(tags []string, selected map[string]bool) float64 {
	if len(tags) == 0 {
		return 1.0
	}
	overlap := 0
	for _, t := range tags {
		if selected[t] {
			overlap++
		}
	}
	return 1.0 - float64(overlap)/float64(len(tags))
}

// underRepresentation scores how far a bucket falls below a uniform share of
// the total. 0 when at or above the uniform expectation, 1 when unseen.
func underRepresentation(count, total, buckets int) float64 {
	if total == 0 || buckets == 0 {
		return 1.0
	}
	expected := 1.0 / float64(buckets)
	actual := float64(count) / float64(total)
	if actual >= expected {
		return 0
	}
	return (expected - actual) / expected
}

func distinctBuckets(pool []*domain.Candidate, bucketFn func(*domain.Candidate) string) int {
	seen := make(map[string]bool)
	for _, c := range pool {
		seen[bucketFn(c)] = true
	}
	return len(seen)
}

func bucketCounts(pool []*domain.Candidate, bucketFn func(*domain.Candidate) string) map[string]int {
	counts := make(map[string]int)
	for _, c := range pool {
		counts[bucketFn(c)]++
	}
	return counts
}

// historyStats holds frequency counts over the recent-generation window.
type historyStats struct {
	gender  map[string]int
	species map[string]int
	total   int
}

func newHistoryStats(entries []domain.HistoryEntry) historyStats {
	h := historyStats{
		gender:  make(map[string]int),
		species: make(map[string]int),
		total:   len(entries),
	}
	for _, e := range entries {
		h.gender[bucketOrUnknown(e.Gender)]++
		h.species[bucketOrUnknown(e.Species)]++
	}
	return h
}

func (h historyStats) genderBonus(bucket string, buckets int) float64 {
	return underRepresentation(h.gender[bucket], h.total, buckets)
}

func (h historyStats) speciesBonus(bucket string, buckets int) float64 {
	return underRepresentation(h.species[bucket], h.total, buckets)
}

func bucketOrUnknown(v string) string {
	if v == "" {
		return domain.UnknownBucket
	}
	return v
}
