package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/charhub/populator/internal/control"
	"github.com/charhub/populator/internal/core/config"
)

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "populator",
	Short: "Character population service",
	Long:  `Populator keeps the character catalog stocked: it selects curated image candidates for diversity and quality, generates character profiles, and runs scheduled population batches.`,
	Run:   runPopulator,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
}

func initLogger(cfg config.LoggingConfig, debug bool) {
	level := slog.LevelInfo
	if debug || cfg.Level == "debug" {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
		})
	}
	slog.SetDefault(slog.New(handler))
}

func runPopulator(cmd *cobra.Command, args []string) {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		initLogger(config.LoggingConfig{}, isDebug)
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	initLogger(cfg.Logging, isDebug)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := control.NewPopulator(ctx, *cfg)
	if err != nil {
		slog.Error("Failed to initialize populator", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := app.Start(ctx); err != nil {
		slog.Error("Failed to start populator", "error", err)
		os.Exit(1)
	}

	slog.Info("Populator started", "config", cfgPath)

	sig := <-sigChan
	slog.Info("Received signal, shutting down...", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}
}
