package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *AppConfig) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Pipeline.BatchSize == 0 {
		cfg.Pipeline.BatchSize = 10
	}
	if cfg.Pipeline.RetryAttempts == 0 {
		cfg.Pipeline.RetryAttempts = 3
	}
	if cfg.Pipeline.ItemTimeout == 0 {
		cfg.Pipeline.ItemTimeout = 5 * time.Minute
	}
	if cfg.Pipeline.BackoffBase == 0 {
		cfg.Pipeline.BackoffBase = time.Second
	}
	if cfg.Selection.HistoryWindow == 0 {
		cfg.Selection.HistoryWindow = 50
	}
	if cfg.Selection.MaxConsecutiveSameGender == 0 {
		cfg.Selection.MaxConsecutiveSameGender = 2
	}
	if cfg.Selection.MaxConsecutiveSameSpecies == 0 {
		cfg.Selection.MaxConsecutiveSameSpecies = 2
	}
	if cfg.Civitai.BaseURL == "" {
		cfg.Civitai.BaseURL = "https://civitai.com/api/v1"
	}
	if cfg.Civitai.Timeout == 0 {
		cfg.Civitai.Timeout = 30 * time.Second
	}
	if cfg.OpenAI.Model == "" {
		cfg.OpenAI.Model = "gpt-4o-mini"
	}
	if cfg.Images.Dir == "" {
		cfg.Images.Dir = "data/images"
	}
}
