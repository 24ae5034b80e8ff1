package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/charhub/populator/internal/core/config"
	"github.com/charhub/populator/internal/infra/storage/postgres"
)

var requeueCmd = &cobra.Command{
	Use:   "requeue [candidate_id]",
	Short: "Put a failed or stuck candidate back into the approved pool",
	Args:  cobra.ExactArgs(1),
	Run:   runRequeue,
}

func init() {
	rootCmd.AddCommand(requeueCmd)
}

func runRequeue(cmd *cobra.Command, args []string) {
	candidateID := args[0]

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	// Direct SQL keeps the override simple: only unassigned candidates in a
	// retryable state go back to approved.
	query := `UPDATE candidates SET status = 'approved'
		WHERE id = $1 AND generated_char_id IS NULL AND status IN ('failed', 'processing')`
	res, err := db.ExecContext(ctx, query, candidateID)
	if err != nil {
		slog.Error("Failed to requeue candidate", "error", err)
		os.Exit(1)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		fmt.Printf("Candidate %s was not requeued (missing, assigned, or not failed)\n", candidateID)
		os.Exit(1)
	}

	fmt.Printf("Successfully requeued candidate %s\n", candidateID)
}
