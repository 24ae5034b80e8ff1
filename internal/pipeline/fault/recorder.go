package fault

import (
	"context"
	"log/slog"
	"time"
)

// ErrorSink persists classified errors. Satisfied by the error log
// repository.
type ErrorSink interface {
	Record(ctx context.Context, itemID, operation, category, severity, message string) error
}

// RepoRecorder writes classified errors to an ErrorSink. Persistence is best
// effort; a failing sink only logs.
type RepoRecorder struct {
	sink ErrorSink
	log  *slog.Logger
}

// NewRepoRecorder creates a sink-backed recorder.
func NewRepoRecorder(sink ErrorSink) *RepoRecorder {
	return &RepoRecorder{sink: sink, log: slog.Default()}
}

func (r *RepoRecorder) Record(err error, itemID, operation string, ectx ErrorContext) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if rerr := r.sink.Record(ctx, itemID, operation,
		string(ectx.Category), string(ectx.Severity), err.Error()); rerr != nil {
		r.log.Warn("Failed to persist classified error", "item", itemID, "error", rerr)
	}
}
