package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/charhub/populator/internal/core/config"
	"github.com/charhub/populator/internal/infra/storage/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest batch run and candidate pool counts",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
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

	runs := postgres.NewBatchRunRepo(db)
	if run, err := runs.GetLatest(ctx); err == nil {
		fmt.Printf("Latest run %s: %s (success %d, failed %d, target %d)\n\n",
			run.ID, run.State, run.SuccessCount, run.FailureCount, run.TargetCount)
	} else {
		fmt.Println("No batch runs recorded")
		fmt.Println()
	}

	rows, err := db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM candidates GROUP BY status ORDER BY status")
	if err != nil {
		slog.Error("Failed to query candidates", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = rows.Close()
	}()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "STATUS\tCOUNT")

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\n", status, count)
	}
	_ = w.Flush()
}
