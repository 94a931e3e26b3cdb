package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"
)

// ReloadResult describes what changed during a config reload.
type ReloadResult struct {
	Changed []string // list of changed fields
	Applied []string // successfully applied
	Skipped []string // require restart
}

// mu protects the Config during concurrent reload operations.
var mu sync.RWMutex

// RLock acquires a read lock on the config.
func RLock() { mu.RLock() }

// RUnlock releases a read lock on the config.
func RUnlock() { mu.RUnlock() }

// Reload re-reads the config from path, diffs against the current config,
// and applies hot-reloadable changes in place. The listener port, data
// directory, and JWT secret cannot change without a restart.
func (c *Config) Reload(path string) (*ReloadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config for reload: %w", err)
	}

	newCfg := DefaultConfig()
	if err := json.Unmarshal(data, newCfg); err != nil {
		return nil, fmt.Errorf("parse config for reload: %w", err)
	}

	result := &ReloadResult{}

	mu.Lock()
	defer mu.Unlock()

	if c.Server.Port != newCfg.Server.Port {
		result.Changed = append(result.Changed, "Server.Port")
		result.Skipped = append(result.Skipped, "Server.Port (requires restart)")
	}
	if c.Server.DataDir != newCfg.Server.DataDir {
		result.Changed = append(result.Changed, "Server.DataDir")
		result.Skipped = append(result.Skipped, "Server.DataDir (requires restart)")
	}
	if c.Auth.JWTSecret != newCfg.Auth.JWTSecret {
		result.Changed = append(result.Changed, "Auth.JWTSecret")
		result.Skipped = append(result.Skipped, "Auth.JWTSecret (requires restart)")
	}

	if c.Server.LogLevel != newCfg.Server.LogLevel {
		result.Changed = append(result.Changed, "Server.LogLevel")
		c.Server.LogLevel = newCfg.Server.LogLevel
		result.Applied = append(result.Applied, "Server.LogLevel")
	}
	if c.Auth.TokenTTLHours != newCfg.Auth.TokenTTLHours {
		result.Changed = append(result.Changed, "Auth.TokenTTLHours")
		c.Auth.TokenTTLHours = newCfg.Auth.TokenTTLHours
		result.Applied = append(result.Applied, "Auth.TokenTTLHours")
	}
	if !reflect.DeepEqual(c.Ingest, newCfg.Ingest) {
		result.Changed = append(result.Changed, "Ingest")
		c.Ingest = newCfg.Ingest
		result.Applied = append(result.Applied, "Ingest")
	}
	if !reflect.DeepEqual(c.Client, newCfg.Client) {
		result.Changed = append(result.Changed, "Client")
		c.Client = newCfg.Client
		result.Applied = append(result.Applied, "Client")
	}

	return result, nil
}

// LogResult logs the reload result at the appropriate levels.
func (r *ReloadResult) LogResult(logger *slog.Logger) {
	if len(r.Changed) == 0 {
		logger.Info("config reload: no changes detected")
		return
	}

	logger.Info("config reload complete",
		"changed", len(r.Changed),
		"applied", len(r.Applied),
		"skipped", len(r.Skipped),
	)

	for _, field := range r.Applied {
		logger.Info("config field hot-reloaded", "field", field)
	}

	for _, field := range r.Skipped {
		logger.Warn("config field requires restart", "field", field)
	}
}
