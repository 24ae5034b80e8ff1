package config

import (
	"time"

	redisclient "github.com/charhub/populator/internal/infra/redis"
	"github.com/charhub/populator/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig       `yaml:"server"`
	Pipeline  PipelineConfig     `yaml:"pipeline"`
	Selection SelectionConfig    `yaml:"selection"`
	Civitai   CivitaiConfig      `yaml:"civitai"`
	OpenAI    OpenAIConfig       `yaml:"openai"`
	Quota     QuotaConfig        `yaml:"quota"`
	Images    ImageStoreConfig   `yaml:"images"`
	Redis     redisclient.Config `yaml:"redis"`
	Database  postgres.Config    `yaml:"database"`
	Logging   LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds ops HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// PipelineConfig holds batch orchestration settings.
type PipelineConfig struct {
	BatchSize     int           `yaml:"batch_size"`     // characters per scheduled run
	Interval      time.Duration `yaml:"interval"`       // time between scheduled runs, 0 = manual only
	RetryAttempts int           `yaml:"retry_attempts"` // per-item retry ceiling
	ItemTimeout   time.Duration `yaml:"item_timeout"`   // per-item generation deadline
	BackoffBase   time.Duration `yaml:"backoff_base"`   // first retry delay
	Retention     time.Duration `yaml:"retention"`      // prune finalized runs older than this, 0 = keep forever
}

// SelectionConfig holds the diversity heuristics applied to scheduled runs.
// Manual runs may override these per request.
type SelectionConfig struct {
	GenderBalance             bool           `yaml:"gender_balance"`
	SpeciesDiversity          bool           `yaml:"species_diversity"`
	TagDiversity              bool           `yaml:"tag_diversity"`
	StyleBalance              bool           `yaml:"style_balance"`
	MaxConsecutiveSameGender  int            `yaml:"max_consecutive_same_gender"`
	MaxConsecutiveSameSpecies int            `yaml:"max_consecutive_same_species"`
	HistoryWindow             int            `yaml:"history_window"`
	AgeRatingDistribution     map[string]int `yaml:"age_rating_distribution"`
}

// CivitaiConfig holds image-source API settings.
type CivitaiConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// OpenAIConfig holds LLM provider settings.
type OpenAIConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// QuotaConfig holds daily API-call budgets per provider. 0 = unlimited.
type QuotaConfig struct {
	CivitaiDaily int `yaml:"civitai_daily"`
	OpenAIDaily  int `yaml:"openai_daily"`
}

// ImageStoreConfig holds local image storage settings.
type ImageStoreConfig struct {
	Dir string `yaml:"dir"`
}
