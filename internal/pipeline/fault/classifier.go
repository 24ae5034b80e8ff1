package fault

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"
)

// Category groups pipeline failures by cause.
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryAPI        Category = "api"
	CategoryDatabase   Category = "database"
	CategoryValidation Category = "validation"
	CategoryTimeout    Category = "timeout"
	CategoryUnknown    Category = "unknown"
)

// Severity grades a classified failure.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ErrorContext is the classifier's verdict for one failure. Created fresh per
// error and never persisted by the classifier itself.
type ErrorContext struct {
	Category        Category `json:"category"`
	Retryable       bool     `json:"retryable"`
	Severity        Severity `json:"severity"`
	SuggestedAction string   `json:"suggested_action"`
}

// Context carries optional caller metadata for a failure.
type Context struct {
	ItemID    string
	Operation string
	Attempt   int // 1-based
}

// Recorder receives every classified error for external persistence.
type Recorder interface {
	Record(err error, itemID, operation string, ectx ErrorContext)
}

// NopRecorder discards classified errors.
type NopRecorder struct{}

func (NopRecorder) Record(err error, itemID, operation string, ectx ErrorContext) {}

// warnThreshold is the cumulative per-item error count that triggers a
// warning log.
const warnThreshold = 5

// Classifier classifies pipeline failures, decides retryability and computes
// backoff delays. It owns its per-item error counters; Reset must be called
// between batch runs. Not safe for concurrent use: the orchestrator holds a
// run lock while calling it.
type Classifier struct {
	maxRetries  int
	backoffBase time.Duration
	recorder    Recorder
	counts      map[string]int // item:operation:category, feeds GetStats
	itemCounts  map[string]int // per item, cumulative across categories
	lastSeen    map[string]time.Time
	total       int
	log         *slog.Logger
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithMaxRetries overrides the default retry ceiling of 3.
func WithMaxRetries(n int) Option {
	return func(c *Classifier) { c.maxRetries = n }
}

// WithBackoffBase overrides the default 1s first-retry delay.
func WithBackoffBase(d time.Duration) Option {
	return func(c *Classifier) { c.backoffBase = d }
}

// WithRecorder sets the error persistence collaborator.
func WithRecorder(r Recorder) Option {
	return func(c *Classifier) { c.recorder = r }
}

// NewClassifier creates a classifier with default settings (3 retries, 1s
// backoff base, no-op recorder).
func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{
		maxRetries:  3,
		backoffBase: time.Second,
		recorder:    NopRecorder{},
		counts:      make(map[string]int),
		itemCounts:  make(map[string]int),
		lastSeen:    make(map[string]time.Time),
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxRetries returns the configured retry ceiling.
func (c *Classifier) MaxRetries() int { return c.maxRetries }

// Classify categorizes an error and decides whether the given attempt may be
// retried. The verdict is a pure function of the error message and attempt
// number; the side-effecting counters feed monitoring only.
func (c *Classifier) Classify(err error, ectx Context) ErrorContext {
	category := classifyMessage(err.Error())

	retryable := false
	switch category {
	case CategoryNetwork, CategoryAPI, CategoryDatabase, CategoryTimeout:
		retryable = ectx.Attempt < c.maxRetries
	}

	verdict := ErrorContext{
		Category:        category,
		Retryable:       retryable,
		Severity:        severityFor(category, retryable),
		SuggestedAction: suggestedAction(category, retryable),
	}

	key := errorKey(ectx, category)
	c.counts[key]++
	c.lastSeen[key] = time.Now()
	c.total++

	// The warning tracks the item's cumulative failures, whatever the mix of
	// categories; the composite key above only feeds the stats breakdown.
	item := ectx.ItemID
	if item == "" {
		item = "-"
	}
	c.itemCounts[item]++
	if c.itemCounts[item] == warnThreshold {
		c.log.Warn("Item error count reached threshold",
			"item", item, "count", warnThreshold)
	}

	c.recorder.Record(err, ectx.ItemID, ectx.Operation, verdict)
	return verdict
}

// classifyMessage applies first-match-wins substring rules over the
// lowercased message.
//
// The network rule also matches "timeout", so most timeout errors classify
// as network; only messages saying "timed out" (and not "timeout") reach the
// timeout rule. TODO: confirm with the curation team whether timeouts should
// stop matching the network rule before reordering.
func classifyMessage(msg string) Category {
	m := strings.ToLower(msg)
	switch {
	case containsAny(m, "network", "econnrefused", "timeout"):
		return CategoryNetwork
	case containsAny(m, "api", "429", "rate limit"):
		return CategoryAPI
	case containsAny(m, "database", "postgres", "connection"):
		return CategoryDatabase
	case containsAny(m, "validation", "invalid", "required"):
		return CategoryValidation
	case containsAny(m, "timeout", "timed out"):
		return CategoryTimeout
	default:
		return CategoryUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func severityFor(category Category, retryable bool) Severity {
	if !retryable {
		if category == CategoryDatabase || category == CategoryAPI {
			return SeverityCritical
		}
		return SeverityHigh
	}
	if category == CategoryNetwork || category == CategoryTimeout {
		return SeverityLow
	}
	return SeverityMedium
}

func suggestedAction(category Category, retryable bool) string {
	if retryable {
		return "retry with backoff"
	}
	switch category {
	case CategoryValidation:
		return "skip item, fix input"
	case CategoryUnknown:
		return "skip item, investigate"
	default:
		return "skip item, check " + string(category)
	}
}

// Backoff returns the delay before the given retry attempt (1-based):
// base * 2^(attempt-1).
func (c *Classifier) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(c.backoffBase) * math.Pow(2, float64(attempt-1)))
}

// ShouldAbort reports whether a batch should stop: the running error rate
// exceeds 0.5 or 10 items failed in a row.
func (c *Classifier) ShouldAbort(errorRate float64, consecutiveErrors int) bool {
	if errorRate > 0.5 {
		c.log.Warn("Batch error rate over threshold", "rate", errorRate)
		return true
	}
	if consecutiveErrors >= 10 {
		c.log.Warn("Consecutive failures over threshold", "count", consecutiveErrors)
		return true
	}
	return false
}

// KeyCount pairs an error key with its occurrence count.
type KeyCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Stats summarizes the classifier's counters.
type Stats struct {
	Total  int        `json:"total"`
	Unique int        `json:"unique"`
	Top    []KeyCount `json:"top"`
}

// GetStats returns total errors, unique keys, and the 10 most frequent keys.
func (c *Classifier) GetStats() Stats {
	top := make([]KeyCount, 0, len(c.counts))
	for k, n := range c.counts {
		top = append(top, KeyCount{Key: k, Count: n})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Key < top[j].Key
	})
	if len(top) > 10 {
		top = top[:10]
	}
	return Stats{Total: c.total, Unique: len(c.counts), Top: top}
}

// Reset clears the error counters. The orchestrator calls this once per
// batch run.
func (c *Classifier) Reset() {
	c.counts = make(map[string]int)
	c.itemCounts = make(map[string]int)
	c.lastSeen = make(map[string]time.Time)
	c.total = 0
}

func errorKey(ectx Context, category Category) string {
	item := ectx.ItemID
	if item == "" {
		item = "-"
	}
	op := ectx.Operation
	if op == "" {
		op = "-"
	}
	return fmt.Sprintf("%s:%s:%s", item, op, category)
}
