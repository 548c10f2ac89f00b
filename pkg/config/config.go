// Package config defines the sync engine's configuration surface: a
// JSON-tagged struct with a NewDefault constructor and a JSON-file load
// path, plus a caarlos0/env overlay for headless/CI contexts.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"

	"github.com/lempicka/lempicka-sync/pkg/plog"
	"github.com/lempicka/lempicka-sync/pkg/util"
)

// ConfigFileName is the name of the on-disk configuration file.
const ConfigFileName = "lempicka-sync.config.json"

// SyncOptions holds one run's tunables. LeftRoot/RightRoot default to
// empty; JournalPath empty disables durability.
type SyncOptions struct {
	LeftRoot                string `json:"leftRoot" env:"LEFT_ROOT"`
	RightRoot               string `json:"rightRoot" env:"RIGHT_ROOT"`
	ContinueOnError         bool   `json:"continueOnError" env:"CONTINUE_ON_ERROR"`
	RetryCount              int    `json:"retryCount" env:"RETRY_COUNT"`
	RetryBaseDelayMs        int    `json:"retryBaseDelayMs" env:"RETRY_BASE_DELAY_MS"`
	SmallFileThresholdBytes int64  `json:"smallFileThresholdBytes" env:"SMALL_FILE_THRESHOLD_BYTES"`
	MaxParallelSmallFiles   int    `json:"maxParallelSmallFiles" env:"MAX_PARALLEL_SMALL_FILES"`
	JournalPath             string `json:"journalPath" env:"JOURNAL_PATH"`
	HistoryLogRotateBytes   int64  `json:"historyLogRotateBytes" env:"HISTORY_LOG_ROTATE_BYTES"`
}

// Config is the top-level on-disk configuration, one step up from a single
// run's SyncOptions: it also carries the ambient logging level.
type Config struct {
	LogLevel string      `json:"logLevel" env:"LOG_LEVEL" envDefault:"info"`
	Sync     SyncOptions `json:"sync" envPrefix:"SYNC_"`
}

// NewDefault returns the engine's baseline configuration.
func NewDefault() Config {
	return Config{
		LogLevel: "info",
		Sync: SyncOptions{
			LeftRoot:                "",
			RightRoot:               "",
			ContinueOnError:         false,
			RetryCount:              2,
			RetryBaseDelayMs:        300,
			SmallFileThresholdBytes: 4 * 1024 * 1024,
			MaxParallelSmallFiles:   3,
			JournalPath:             "",
			HistoryLogRotateBytes:   8 * 1024 * 1024,
		},
	}
}

// Load reads <dir>/lempicka-sync.config.json if present, layering it over
// NewDefault() so a partial file never zeroes out the rest of the defaults,
// then applies any LEMPICKA_* environment overrides on top.
func Load(dir string) (Config, error) {
	cfg := NewDefault()

	configPath := filepath.Join(dir, ConfigFileName)
	file, err := os.Open(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("error opening config file %s: %w", configPath, err)
		}
	} else {
		defer file.Close()
		plog.Debug("loading configuration", "path", configPath)
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("error parsing config file %s: %w", configPath, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "LEMPICKA_"}); err != nil {
		return Config{}, fmt.Errorf("error applying environment overrides: %w", err)
	}

	return cfg, nil
}

// Save writes cfg as formatted JSON to <dir>/lempicka-sync.config.json,
// creating dir if needed.
func Save(dir string, cfg Config) error {
	if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	configPath := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(configPath, data, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}
	return nil
}
