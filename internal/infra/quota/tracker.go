package quota

import (
	"fmt"
	"sync"
	"time"

	"github.com/charhub/populator/internal/pipeline/metrics"
)

// Tracker enforces daily API-call budgets per upstream provider. Counters
// roll over at UTC midnight. A zero limit means unlimited.
type Tracker struct {
	mu     sync.Mutex
	limits map[string]int
	used   map[string]int
	day    time.Time

	now func() time.Time
}

// NewTracker creates a tracker with the given per-provider daily limits.
func NewTracker(limits map[string]int) *Tracker {
	return &Tracker{
		limits: limits,
		used:   make(map[string]int),
		now:    time.Now,
	}
}

// Allow consumes one call from the provider's budget. The returned error
// mentions the rate limit so the pipeline classifies it as an API failure.
func (t *Tracker) Allow(provider string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollover()

	limit := t.limits[provider]
	if limit > 0 && t.used[provider] >= limit {
		return fmt.Errorf("daily rate limit reached for %s (%d calls)", provider, limit)
	}
	t.used[provider]++
	if limit > 0 {
		metrics.QuotaRemaining.WithLabelValues(provider).Set(float64(limit - t.used[provider]))
	}
	return nil
}

// Remaining returns the unused budget for a provider; -1 means unlimited.
func (t *Tracker) Remaining(provider string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollover()

	limit := t.limits[provider]
	if limit <= 0 {
		return -1
	}
	remaining := limit - t.used[provider]
	if remaining < 0 {
		return 0
	}
	return remaining
}

// rollover resets counters when the UTC day changed. Caller holds the lock.
func (t *Tracker) rollover() {
	today := t.now().UTC().Truncate(24 * time.Hour)
	if !today.Equal(t.day) {
		t.day = today
		t.used = make(map[string]int)
	}
}
