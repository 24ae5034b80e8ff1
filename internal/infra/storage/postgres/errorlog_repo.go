package postgres

import (
	"context"
	"fmt"
)

// ErrorLogRepo implements storage.ErrorLogRepository using PostgreSQL.
type ErrorLogRepo struct {
	db *DB
}

// NewErrorLogRepo creates a new PostgreSQL error log repository.
func NewErrorLogRepo(db *DB) *ErrorLogRepo {
	return &ErrorLogRepo{db: db}
}

// Record appends one classified pipeline error.
func (r *ErrorLogRepo) Record(ctx context.Context, itemID, operation, category, severity, message string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO error_log (item_id, operation, category, severity, message, created_at)
		VALUES (NULLIF($1, ''), NULLIF($2, ''), $3, $4, $5, NOW())
	`, itemID, operation, category, severity, message)
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}
