// Package control wires the populator's components together and manages
// their lifecycle.
package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"

	"github.com/charhub/populator/internal/core/config"
	"github.com/charhub/populator/internal/core/worker"
	"github.com/charhub/populator/internal/infra/civitai"
	"github.com/charhub/populator/internal/infra/imagestore"
	"github.com/charhub/populator/internal/infra/llm"
	"github.com/charhub/populator/internal/infra/quota"
	redisclient "github.com/charhub/populator/internal/infra/redis"
	"github.com/charhub/populator/internal/infra/storage"
	"github.com/charhub/populator/internal/infra/storage/memory"
	"github.com/charhub/populator/internal/infra/storage/postgres"
	"github.com/charhub/populator/internal/ops"
	"github.com/charhub/populator/internal/pipeline/batch"
	"github.com/charhub/populator/internal/pipeline/fault"
	"github.com/charhub/populator/internal/pipeline/generation"
	"github.com/charhub/populator/internal/pipeline/selection"
)

// Populator is the main application struct managing the pipeline lifecycle.
type Populator struct {
	cfg         config.AppConfig
	scheduler   *worker.Scheduler
	janitor     *worker.Janitor
	opsServer   *ops.Server
	db          *postgres.DB
	redisClient *redisclient.Client
	log         *slog.Logger
}

// NewPopulator creates a populator with all dependencies initialized.
// Without a database URL it falls back to in-memory storage; without a Redis
// URL avatar jobs are skipped.
func NewPopulator(ctx context.Context, cfg config.AppConfig) (*Populator, error) {
	// 1. Storage
	var candidateRepo storage.CandidateRepository
	var characterRepo storage.CharacterRepository
	var runRepo storage.BatchRunRepository
	var errorRepo storage.ErrorLogRepository
	var db *postgres.DB

	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}

		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		if err := goose.Up(db.DB.DB, "migrations"); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}

		candidateRepo = postgres.NewCandidateRepo(db)
		characterRepo = postgres.NewCharacterRepo(db)
		runRepo = postgres.NewBatchRunRepo(db)
		errorRepo = postgres.NewErrorLogRepo(db)
		slog.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		candidateRepo = memory.NewCandidateRepo(store)
		characterRepo = memory.NewCharacterRepo(store)
		runRepo = memory.NewBatchRunRepo(store)
		slog.Info("Using Memory storage")
	}

	// 2. Redis (optional)
	var redisClient *redisclient.Client
	var avatarQueue *redisclient.AvatarQueue
	if cfg.Redis.URL != "" {
		var err error
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("Failed to connect to Redis, avatar jobs disabled", "error", err)
		} else {
			avatarQueue = redisclient.NewAvatarQueue(redisClient)
		}
	}

	// 3. Providers
	civitaiClient := civitai.NewClient(cfg.Civitai.BaseURL, cfg.Civitai.APIKey, cfg.Civitai.Timeout)

	llmClient, err := llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to init llm client: %w", err)
	}

	images, err := imagestore.NewLocalStore(cfg.Images.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to init image store: %w", err)
	}

	quotaTracker := quota.NewTracker(map[string]int{
		"civitai": cfg.Quota.CivitaiDaily,
		"openai":  cfg.Quota.OpenAIDaily,
	})

	// 4. Pipeline
	selector := selection.NewSelector(candidateRepo, characterRepo, cfg.Selection.HistoryWindow)

	classifierOpts := []fault.Option{
		fault.WithMaxRetries(cfg.Pipeline.RetryAttempts),
		fault.WithBackoffBase(cfg.Pipeline.BackoffBase),
	}
	if errorRepo != nil {
		classifierOpts = append(classifierOpts, fault.WithRecorder(fault.NewRepoRecorder(errorRepo)))
	}
	classifier := fault.NewClassifier(classifierOpts...)

	var avatars generation.AvatarEnqueuer
	if avatarQueue != nil {
		avatars = avatarQueue
	}
	generator := generation.NewGenerator(
		candidateRepo, characterRepo,
		civitaiClient, images, llmClient,
		avatars, quotaTracker,
	)

	orchestrator := batch.NewOrchestrator(
		selector, generator, classifier, runRepo,
		batch.Config{ItemTimeout: cfg.Pipeline.ItemTimeout},
	)

	// 5. Workers
	scheduler := worker.NewScheduler(cfg.Pipeline, cfg.Selection, orchestrator)
	janitor := worker.NewJanitor(cfg.Pipeline, candidateRepo, runRepo)

	// 6. Ops server
	var dbPinger, redisPinger ops.Pinger
	if db != nil {
		dbPinger = db
	}
	if redisClient != nil {
		redisPinger = redisClient
	}
	var depther ops.QueueDepther
	if avatarQueue != nil {
		depther = avatarQueue
	}
	monitor := ops.NewMonitor(dbPinger, redisPinger, depther, candidateRepo)
	opsServer := ops.NewServer(
		monitor, selector, classifier, orchestrator, runRepo,
		scheduler.Criteria, cfg.Server.Port,
	)

	return &Populator{
		cfg:         cfg,
		scheduler:   scheduler,
		janitor:     janitor,
		opsServer:   opsServer,
		db:          db,
		redisClient: redisClient,
		log:         slog.Default(),
	}, nil
}

// Start starts the ops server and background workers.
func (p *Populator) Start(ctx context.Context) error {
	go func() {
		if err := p.opsServer.Start(); err != nil {
			p.log.Error("Ops server failed", "error", err)
		}
	}()

	if p.db != nil {
		p.db.StartMetricsCollector(ctx)
	}

	go p.scheduler.Start(ctx)
	go p.janitor.Start(ctx)

	p.log.Info("Populator started", "port", p.cfg.Server.Port)
	return nil
}

// Stop shuts the populator down.
func (p *Populator) Stop(ctx context.Context) error {
	p.log.Info("Stopping populator...")

	if p.redisClient != nil {
		if err := p.redisClient.Close(); err != nil {
			p.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			p.log.Warn("Failed to close database", "error", err)
		}
	}

	return p.opsServer.Stop(ctx)
}
