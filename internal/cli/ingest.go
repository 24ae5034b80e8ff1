package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/charhub/populator/internal/core/config"
	"github.com/charhub/populator/internal/infra/civitai"
	"github.com/charhub/populator/internal/infra/storage/postgres"
)

var (
	ingestTag   string
	ingestLimit int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch image metadata from Civitai into the pending candidate pool",
	Run:   runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestTag, "tag", "", "only fetch images with this tag")
	ingestCmd.Flags().IntVar(&ingestLimit, "limit", 50, "number of images to fetch")
	rootCmd.AddCommand(ingestCmd)
}

// ageRatingForNSFW maps Civitai nsfw levels onto catalog age ratings.
// Everything fetched lands as pending; curators approve before selection.
func ageRatingForNSFW(level string) string {
	switch level {
	case "None":
		return "L"
	case "Soft":
		return "TWELVE"
	case "Mature":
		return "SIXTEEN"
	default:
		return "EIGHTEEN"
	}
}

func runIngest(cmd *cobra.Command, args []string) {
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

	client := civitai.NewClient(cfg.Civitai.BaseURL, cfg.Civitai.APIKey, cfg.Civitai.Timeout)
	images, err := client.ListImages(ctx, ingestTag, ingestLimit)
	if err != nil {
		slog.Error("Failed to list images", "error", err)
		os.Exit(1)
	}

	inserted := 0
	for _, img := range images {
		tags, err := json.Marshal(img.Tags)
		if err != nil {
			continue
		}
		res, err := db.ExecContext(ctx, `
			INSERT INTO candidates (id, source_url, status, age_rating, tags)
			VALUES ($1, $2, 'pending', $3, $4)
			ON CONFLICT (id) DO NOTHING
		`, uuid.New().String(), img.URL, ageRatingForNSFW(img.NSFW), tags)
		if err != nil {
			slog.Warn("Failed to insert candidate", "url", img.URL, "error", err)
			continue
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	fmt.Printf("Ingested %d of %d images as pending candidates\n", inserted, len(images))
}
