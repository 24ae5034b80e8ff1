package domain

import "time"

type BatchState string

const (
	BatchStateInitializing BatchState = "initializing"
	BatchStateSelecting    BatchState = "selecting"
	BatchStateProcessing   BatchState = "processing"
	BatchStateCompleted    BatchState = "completed"
	BatchStateAborted      BatchState = "aborted"
)

// Terminal reports whether the state is final.
func (s BatchState) Terminal() bool {
	return s == BatchStateCompleted || s == BatchStateAborted
}

// BatchRun tracks one execution of the select-and-generate pipeline.
// It is mutated by the orchestrator while processing and finalized exactly
// once at completion or abort.
type BatchRun struct {
	ID                   string     `json:"id"`
	State                BatchState `json:"state"`
	TargetCount          int        `json:"target_count"`
	SuccessCount         int        `json:"success_count"`
	FailureCount         int        `json:"failure_count"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	SelectedCandidateIDs []string   `json:"selected_candidate_ids"`
	GeneratedCharIDs     []string   `json:"generated_char_ids"`
	AbortReason          string     `json:"abort_reason,omitempty"`
	ScheduledAt          time.Time  `json:"scheduled_at"`
	ExecutedAt           time.Time  `json:"executed_at"`
	CompletedAt          time.Time  `json:"completed_at"`
}

// Duration returns the wall time between execution start and finalization.
func (b *BatchRun) Duration() time.Duration {
	if b.CompletedAt.IsZero() || b.ExecutedAt.IsZero() {
		return 0
	}
	return b.CompletedAt.Sub(b.ExecutedAt)
}

// ErrorRate is the running failure ratio over processed items. Zero when
// nothing has been processed yet.
func (b *BatchRun) ErrorRate() float64 {
	processed := b.SuccessCount + b.FailureCount
	if processed == 0 {
		return 0
	}
	return float64(b.FailureCount) / float64(processed)
}
