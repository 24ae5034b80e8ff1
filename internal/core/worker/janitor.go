package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/charhub/populator/internal/core/config"
	"github.com/charhub/populator/internal/infra/storage"
)

// Janitor deletes aged-out data based on the retention policy: rejected
// candidates and finalized batch runs older than the retention period.
type Janitor struct {
	cfg        config.PipelineConfig
	candidates storage.CandidateRepository
	runs       storage.BatchRunRepository
	log        *slog.Logger
}

// NewJanitor creates a retention worker.
func NewJanitor(
	cfg config.PipelineConfig,
	candidates storage.CandidateRepository,
	runs storage.BatchRunRepository,
) *Janitor {
	return &Janitor{
		cfg:        cfg,
		candidates: candidates,
		runs:       runs,
		log:        slog.Default(),
	}
}

// Start runs the janitor loop.
func (j *Janitor) Start(ctx context.Context) {
	if j.cfg.Retention <= 0 {
		return // Retention disabled
	}

	interval := min(j.cfg.Retention/10, 1*time.Hour)
	interval = max(interval, 1*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial sweep
	j.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-j.cfg.Retention)

	if n, err := j.candidates.DeleteRejectedBefore(ctx, cutoff); err != nil {
		j.log.Error("Failed to prune rejected candidates", "error", err)
	} else if n > 0 {
		j.log.Info("Pruned rejected candidates", "removed", n)
	}

	if n, err := j.runs.DeleteFinalizedBefore(ctx, cutoff); err != nil {
		j.log.Error("Failed to prune batch runs", "error", err)
	} else if n > 0 {
		j.log.Info("Pruned batch runs", "removed", n)
	}
}
