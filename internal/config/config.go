package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds all homesync configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Token issuance and validation
	Auth AuthConfig `json:"auth"`

	// Server-side ingestion settings
	Ingest IngestConfig `json:"ingest"`

	// Device-side sync settings
	Client ClientConfig `json:"client"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel"`
}

type AuthConfig struct {
	JWTSecret     string `json:"jwtSecret"`
	TokenTTLHours int    `json:"tokenTtlHours"`
}

type IngestConfig struct {
	// MaxBatchItems caps the number of mutations accepted per request.
	MaxBatchItems int `json:"maxBatchItems"`
	// KeyRetentionDays controls how long processed idempotency keys are
	// kept before the purge job removes them.
	KeyRetentionDays int `json:"keyRetentionDays"`
	// PurgeSchedule is a cron expression for the key purge job.
	PurgeSchedule string `json:"purgeSchedule"`
	// CollectionsFile optionally extends the built-in entity collections.
	CollectionsFile string `json:"collectionsFile,omitempty"`
}

type ClientConfig struct {
	ServerURL          string `json:"serverUrl"`
	Token              string `json:"token,omitempty"`
	DataDir            string `json:"dataDir"`
	QueueMaxSize       int    `json:"queueMaxSize"`
	MaxBatchSize       int    `json:"maxBatchSize"`
	MaxAttempts        int    `json:"maxAttempts"`
	BackoffMinMs       int64  `json:"backoffMinMs"`
	BackoffMaxMs       int64  `json:"backoffMaxMs"`
	CheckpointTTLHours int    `json:"checkpointTtlHours"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8770,
			DataDir:  "./data",
			LogLevel: "info",
		},
		Auth: AuthConfig{
			TokenTTLHours: 24 * 30,
		},
		Ingest: IngestConfig{
			MaxBatchItems:    1000,
			KeyRetentionDays: 30,
			PurgeSchedule:    "0 3 * * *", // daily at 03:00
		},
		Client: ClientConfig{
			ServerURL:          "http://localhost:8770",
			DataDir:            "./agent-data",
			QueueMaxSize:       500,
			MaxBatchSize:       100,
			MaxAttempts:        5,
			BackoffMinMs:       1000,
			BackoffMaxMs:       300000,
			CheckpointTTLHours: 24,
		},
	}
}

// Load reads config from a JSON file, overlaying it onto defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

// Save writes config to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0640)
}
