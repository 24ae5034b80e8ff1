package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charhub/populator/internal/core/domain"
	"github.com/charhub/populator/internal/infra/storage"
)

// BatchRunRepo implements storage.BatchRunRepository using PostgreSQL.
type BatchRunRepo struct {
	db *DB
}

// NewBatchRunRepo creates a new PostgreSQL batch run repository.
func NewBatchRunRepo(db *DB) *BatchRunRepo {
	return &BatchRunRepo{db: db}
}

// Save inserts or updates a batch run record.
func (r *BatchRunRepo) Save(ctx context.Context, run *domain.BatchRun) error {
	selected, err := json.Marshal(run.SelectedCandidateIDs)
	if err != nil {
		return fmt.Errorf("failed to encode selected IDs: %w", err)
	}
	generated, err := json.Marshal(run.GeneratedCharIDs)
	if err != nil {
		return fmt.Errorf("failed to encode generated IDs: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO batch_runs
			(id, state, target_count, success_count, failure_count,
			 selected_candidates, generated_characters, abort_reason,
			 scheduled_at, executed_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			success_count = EXCLUDED.success_count,
			failure_count = EXCLUDED.failure_count,
			selected_candidates = EXCLUDED.selected_candidates,
			generated_characters = EXCLUDED.generated_characters,
			abort_reason = EXCLUDED.abort_reason,
			executed_at = EXCLUDED.executed_at,
			completed_at = EXCLUDED.completed_at
	`, run.ID, string(run.State), run.TargetCount, run.SuccessCount, run.FailureCount,
		selected, generated, run.AbortReason,
		run.ScheduledAt, run.ExecutedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to save batch run: %w", err)
	}
	return nil
}

// GetLatest retrieves the most recently executed run.
func (r *BatchRunRepo) GetLatest(ctx context.Context) (*domain.BatchRun, error) {
	var row struct {
		ID                  string          `db:"id"`
		State               string          `db:"state"`
		TargetCount         int             `db:"target_count"`
		SuccessCount        int             `db:"success_count"`
		FailureCount        int             `db:"failure_count"`
		SelectedCandidates  json.RawMessage `db:"selected_candidates"`
		GeneratedCharacters json.RawMessage `db:"generated_characters"`
		AbortReason         sql.NullString  `db:"abort_reason"`
		ScheduledAt         time.Time       `db:"scheduled_at"`
		ExecutedAt          time.Time       `db:"executed_at"`
		CompletedAt         time.Time       `db:"completed_at"`
	}
	err := r.db.GetContext(ctx, &row, `
		SELECT id, state, target_count, success_count, failure_count,
		       selected_candidates, generated_characters, abort_reason,
		       scheduled_at, executed_at, completed_at
		FROM batch_runs
		ORDER BY executed_at DESC
		LIMIT 1
	`)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest batch run: %w", err)
	}

	run := &domain.BatchRun{
		ID:           row.ID,
		State:        domain.BatchState(row.State),
		TargetCount:  row.TargetCount,
		SuccessCount: row.SuccessCount,
		FailureCount: row.FailureCount,
		AbortReason:  row.AbortReason.String,
		ScheduledAt:  row.ScheduledAt,
		ExecutedAt:   row.ExecutedAt,
		CompletedAt:  row.CompletedAt,
	}
	if len(row.SelectedCandidates) > 0 {
		if err := json.Unmarshal(row.SelectedCandidates, &run.SelectedCandidateIDs); err != nil {
			return nil, fmt.Errorf("failed to decode selected IDs: %w", err)
		}
	}
	if len(row.GeneratedCharacters) > 0 {
		if err := json.Unmarshal(row.GeneratedCharacters, &run.GeneratedCharIDs); err != nil {
			return nil, fmt.Errorf("failed to decode generated IDs: %w", err)
		}
	}
	return run, nil
}

// DeleteFinalizedBefore removes terminal runs completed before the cutoff.
func (r *BatchRunRepo) DeleteFinalizedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM batch_runs
		WHERE state IN ($1, $2) AND completed_at < $3
	`, string(domain.BatchStateCompleted), string(domain.BatchStateAborted), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune batch runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
