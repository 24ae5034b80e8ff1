package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/charhub/populator/internal/core/config"
	"github.com/charhub/populator/internal/core/domain"
	"github.com/charhub/populator/internal/pipeline/batch"
	"github.com/charhub/populator/internal/pipeline/selection"
)

// BatchRunner executes one population batch.
type BatchRunner interface {
	Run(ctx context.Context, targetCount int, opts batch.Options) (*domain.BatchRun, error)
}

// Scheduler triggers population batches on a fixed interval. Runs stay
// sequential: a tick that fires while a batch is in flight waits for the
// ticker's next delivery instead of overlapping.
type Scheduler struct {
	cfg    config.PipelineConfig
	sel    config.SelectionConfig
	runner BatchRunner
	log    *slog.Logger
}

// NewScheduler creates a scheduler over the runner.
func NewScheduler(cfg config.PipelineConfig, sel config.SelectionConfig, runner BatchRunner) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		sel:    sel,
		runner: runner,
		log:    slog.Default(),
	}
}

// Start runs the scheduling loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		s.log.Info("Scheduled batches disabled, manual trigger only")
		return
	}

	s.log.Info("Batch scheduler started",
		"interval", s.cfg.Interval, "batch_size", s.cfg.BatchSize)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Batch scheduler stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	criteria := s.Criteria(s.cfg.BatchSize)
	run, err := s.runner.Run(ctx, s.cfg.BatchSize, batch.Options{Criteria: &criteria})
	if err != nil {
		s.log.Error("Scheduled batch failed", "error", err)
		return
	}
	s.log.Info("Scheduled batch finished",
		"run", run.ID,
		"state", run.State,
		"success", run.SuccessCount,
		"failed", run.FailureCount)
}

// Criteria translates the configured selection heuristics into a request for
// count characters.
func (s *Scheduler) Criteria(count int) selection.Criteria {
	criteria := selection.Criteria{
		Count:                     count,
		GenderBalance:             s.sel.GenderBalance,
		SpeciesDiversity:          s.sel.SpeciesDiversity,
		TagDiversity:              s.sel.TagDiversity,
		StyleBalance:              s.sel.StyleBalance,
		MaxConsecutiveSameGender:  s.sel.MaxConsecutiveSameGender,
		MaxConsecutiveSameSpecies: s.sel.MaxConsecutiveSameSpecies,
	}
	if len(s.sel.AgeRatingDistribution) > 0 {
		criteria.AgeRatingDistribution = make(map[domain.AgeRating]int, len(s.sel.AgeRatingDistribution))
		for rating, n := range s.sel.AgeRatingDistribution {
			criteria.AgeRatingDistribution[domain.AgeRating(rating)] = n
		}
	}
	return criteria
}
