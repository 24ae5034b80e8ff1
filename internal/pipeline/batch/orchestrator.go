package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/charhub/populator/internal/core/domain"
	"github.com/charhub/populator/internal/pipeline/fault"
	"github.com/charhub/populator/internal/pipeline/metrics"
	"github.com/charhub/populator/internal/pipeline/selection"
)

// Generator runs the per-candidate generation sub-pipeline and returns the
// new character ID.
type Generator interface {
	Generate(ctx context.Context, candidateID string) (string, error)
}

// Selector picks the candidates for a run.
type Selector interface {
	SelectImages(ctx context.Context, criteria selection.Criteria) ([]string, error)
}

// RunStore persists batch run records. A nil-safe no-op implementation is
// used when no database is configured.
type RunStore interface {
	Save(ctx context.Context, run *domain.BatchRun) error
}

// Config holds orchestration settings.
type Config struct {
	ItemTimeout time.Duration // per-candidate deadline, default 5m
}

// Options tweaks a single run.
type Options struct {
	Criteria *selection.Criteria // overrides the default quality-only criteria
}

// Orchestrator drives one batch run end to end: selection, sequential
// per-item generation with classified retry, and the abort decision.
type Orchestrator struct {
	selector   Selector
	generator  Generator
	classifier *fault.Classifier
	runs       RunStore
	cfg        Config
	log        *slog.Logger

	// runMu serializes runs. The classifier's counters are per-run state, so
	// a scheduler tick and a manual trigger must never execute concurrently.
	runMu sync.Mutex

	// sleep is swapped in tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator wires the pipeline components together.
func NewOrchestrator(
	selector Selector,
	generator Generator,
	classifier *fault.Classifier,
	runs RunStore,
	cfg Config,
) *Orchestrator {
	if cfg.ItemTimeout == 0 {
		cfg.ItemTimeout = 5 * time.Minute
	}
	return &Orchestrator{
		selector:   selector,
		generator:  generator,
		classifier: classifier,
		runs:       runs,
		cfg:        cfg,
		log:        slog.Default(),
		sleep:      sleepCtx,
	}
}

// Run executes one batch for targetCount characters. Item failures are
// recovered locally (retried or skipped); only selection-phase errors
// propagate. The returned run is finalized (terminal state, timestamps set)
// even on abort. Concurrent calls queue: at most one run executes at a time.
func (o *Orchestrator) Run(ctx context.Context, targetCount int, opts Options) (*domain.BatchRun, error) {
	if targetCount < 0 {
		return nil, fmt.Errorf("target count must be non-negative, got %d", targetCount)
	}

	o.runMu.Lock()
	defer o.runMu.Unlock()

	run := &domain.BatchRun{
		ID:          uuid.New().String(),
		State:       domain.BatchStateInitializing,
		TargetCount: targetCount,
		ScheduledAt: time.Now(),
	}
	o.classifier.Reset()

	run.State = domain.BatchStateSelecting
	run.ExecutedAt = time.Now()

	criteria := selection.Criteria{Count: targetCount}
	if opts.Criteria != nil {
		criteria = *opts.Criteria
		criteria.Count = targetCount
	}

	ids, err := o.selector.SelectImages(ctx, criteria)
	if err != nil {
		return nil, fmt.Errorf("selection failed: %w", err)
	}
	run.SelectedCandidateIDs = ids
	metrics.CandidatesSelected.Add(float64(len(ids)))

	if len(ids) == 0 {
		o.finalize(ctx, run, domain.BatchStateCompleted, "")
		o.log.Info("Batch complete, nothing to process", "run", run.ID)
		return run, nil
	}

	run.State = domain.BatchStateProcessing
	o.log.Info("Batch processing started",
		"run", run.ID, "target", targetCount, "selected", len(ids))

	for _, id := range ids {
		charID, ok := o.processItem(ctx, run, id)
		if ok {
			run.SuccessCount++
			run.ConsecutiveFailures = 0
			run.GeneratedCharIDs = append(run.GeneratedCharIDs, charID)
			metrics.GenerationResults.WithLabelValues("success").Inc()
		} else {
			run.FailureCount++
			run.ConsecutiveFailures++
			metrics.GenerationResults.WithLabelValues("failure").Inc()
		}

		if o.classifier.ShouldAbort(run.ErrorRate(), run.ConsecutiveFailures) {
			reason := fmt.Sprintf("error rate %.2f, %d consecutive failures",
				run.ErrorRate(), run.ConsecutiveFailures)
			o.finalize(ctx, run, domain.BatchStateAborted, reason)
			o.log.Error("Batch aborted", "run", run.ID, "reason", reason)
			return run, nil
		}
	}

	o.finalize(ctx, run, domain.BatchStateCompleted, "")
	o.log.Info("Batch complete",
		"run", run.ID,
		"success", run.SuccessCount,
		"failed", run.FailureCount,
		"duration", run.Duration())
	return run, nil
}

// processItem generates one candidate, retrying retryable failures with
// exponential backoff up to the classifier's ceiling.
func (o *Orchestrator) processItem(ctx context.Context, run *domain.BatchRun, candidateID string) (string, bool) {
	start := time.Now()
	defer func() {
		metrics.ItemDuration.Observe(time.Since(start).Seconds())
	}()

	for attempt := 1; ; attempt++ {
		charID, err := o.generateOnce(ctx, candidateID)
		if err == nil {
			o.log.Info("Candidate generated",
				"run", run.ID, "candidate", candidateID, "character", charID, "attempt", attempt)
			return charID, true
		}

		verdict := o.classifier.Classify(err, fault.Context{
			ItemID:    candidateID,
			Operation: "generate",
			Attempt:   attempt,
		})
		metrics.PipelineErrors.WithLabelValues(string(verdict.Category), string(verdict.Severity)).Inc()
		o.log.Warn("Candidate generation failed",
			"run", run.ID,
			"candidate", candidateID,
			"attempt", attempt,
			"category", verdict.Category,
			"severity", verdict.Severity,
			"error", err)

		if !verdict.Retryable {
			return "", false
		}

		if err := o.sleep(ctx, o.classifier.Backoff(attempt)); err != nil {
			// Context cancelled mid-backoff.
			return "", false
		}
	}
}

// generateOnce runs the sub-pipeline for one candidate under the per-item
// deadline. Deadline expiry is reported as a timeout error so the classifier
// routes it through the normal retry path.
func (o *Orchestrator) generateOnce(ctx context.Context, candidateID string) (string, error) {
	itemCtx, cancel := context.WithTimeout(ctx, o.cfg.ItemTimeout)
	defer cancel()

	charID, err := o.generator.Generate(itemCtx, candidateID)
	if err != nil && itemCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("generation timed out after %s: %w", o.cfg.ItemTimeout, err)
	}
	return charID, err
}

func (o *Orchestrator) finalize(ctx context.Context, run *domain.BatchRun, state domain.BatchState, reason string) {
	run.State = state
	run.AbortReason = reason
	run.CompletedAt = time.Now()
	metrics.BatchRunsTotal.WithLabelValues(string(state)).Inc()

	if o.runs == nil {
		return
	}
	if err := o.runs.Save(ctx, run); err != nil {
		o.log.Error("Failed to persist batch run", "run", run.ID, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
