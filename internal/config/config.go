// Package config loads process configuration from the environment and run
// configuration from YAML files.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	herrors "github.com/p-blackswan/harvester/internal/errors"
	"github.com/p-blackswan/harvester/internal/retry"
)

// Prefix is the environment variable prefix for all settings.
const Prefix = "HARVESTER"

// Config holds all process configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"production"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Storage
	DBPath    string `envconfig:"DB_PATH" default:".harvester/state.db"`
	OutputDir string `envconfig:"OUTPUT_DIR" default:"downloads"`
	RunFile   string `envconfig:"RUN_FILE"`

	// Plugins
	PluginDirs         string `envconfig:"PLUGIN_DIRS"`         // comma-separated
	AllowedPermissions string `envconfig:"ALLOWED_PERMISSIONS" default:"network,filesystem"`

	// Download scheduler
	DownloadWorkers     int           `envconfig:"DOWNLOAD_WORKERS" default:"4"`
	ClaimBatch          int           `envconfig:"CLAIM_BATCH" default:"4"`
	DownloadMaxAttempts int           `envconfig:"DOWNLOAD_MAX_ATTEMPTS" default:"3"`
	DownloadBaseDelay   time.Duration `envconfig:"DOWNLOAD_BASE_DELAY" default:"500ms"`
	DownloadMaxDelay    time.Duration `envconfig:"DOWNLOAD_MAX_DELAY" default:"30s"`
	PollInterval        time.Duration `envconfig:"POLL_INTERVAL" default:"250ms"`
	ClaimLease          time.Duration `envconfig:"CLAIM_LEASE" default:"2m"`
	HTTPTimeout         time.Duration `envconfig:"HTTP_TIMEOUT" default:"60s"`
	UserAgent           string        `envconfig:"USER_AGENT" default:"harvester/1.0"`
	BreakerMaxFailures  int           `envconfig:"BREAKER_MAX_FAILURES" default:"5"`
	BreakerCooldown     time.Duration `envconfig:"BREAKER_COOLDOWN" default:"30s"`

	// Orchestrator
	ItemFanOut      int           `envconfig:"ITEM_FANOUT" default:"4"`
	ItemMaxAttempts int           `envconfig:"ITEM_MAX_ATTEMPTS" default:"3"`
	HandlerTimeout  time.Duration `envconfig:"HANDLER_TIMEOUT" default:"2m"`
	ShutdownGrace   time.Duration `envconfig:"SHUTDOWN_GRACE" default:"15s"`

	// Retention
	Retention time.Duration `envconfig:"RETENTION" default:"720h"`

	// Management API
	MgmtListenAddr   string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtAuthMode     string `envconfig:"MGMT_AUTH_MODE" default:"api-key"`
	MgmtAPIKey       string `envconfig:"MGMT_API_KEY"`
	MgmtOperatorKeys string `envconfig:"MGMT_OPERATOR_KEYS"` // comma-separated
	MgmtReadOnlyKeys string `envconfig:"MGMT_READONLY_KEYS"` // comma-separated
	MgmtRateLimit    int    `envconfig:"MGMT_RATE_LIMIT_RPS" default:"20"`
	MgmtRateBurst    int    `envconfig:"MGMT_RATE_LIMIT_BURST" default:"40"`
	MgmtCORS         string `envconfig:"MGMT_CORS_ORIGINS"`
	DBSizeWarn       int64  `envconfig:"DB_SIZE_WARN_BYTES" default:"1073741824"`
}

// PluginDirList returns the parsed plugin directories.
func (c *Config) PluginDirList() []string {
	return splitList(c.PluginDirs)
}

// OperatorKeyList returns the API keys granted the operator role.
func (c *Config) OperatorKeyList() []string {
	return splitList(c.MgmtOperatorKeys)
}

// ReadOnlyKeyList returns the API keys granted read-only access.
func (c *Config) ReadOnlyKeyList() []string {
	return splitList(c.MgmtReadOnlyKeys)
}

// AllowedPermissionList returns the parsed permission allow-list.
func (c *Config) AllowedPermissionList() []string {
	return splitList(c.AllowedPermissions)
}

// DownloadRetry returns the retry policy for downloads.
func (c *Config) DownloadRetry() retry.Config {
	return retry.Config{
		MaxAttempts: c.DownloadMaxAttempts,
		BaseDelay:   c.DownloadBaseDelay,
		MaxDelay:    c.DownloadMaxDelay,
		Jitter:      true,
	}
}

// ItemRetry returns the retry policy for item processing passes.
func (c *Config) ItemRetry() retry.Config {
	return retry.Config{
		MaxAttempts: c.ItemMaxAttempts,
		BaseDelay:   c.DownloadBaseDelay,
		MaxDelay:    c.DownloadMaxDelay,
		Jitter:      true,
	}
}

// Validate rejects settings the run cannot start with.
func (c *Config) Validate() error {
	positive := map[string]int{
		"DOWNLOAD_WORKERS":      c.DownloadWorkers,
		"CLAIM_BATCH":           c.ClaimBatch,
		"DOWNLOAD_MAX_ATTEMPTS": c.DownloadMaxAttempts,
		"ITEM_FANOUT":           c.ItemFanOut,
		"ITEM_MAX_ATTEMPTS":     c.ItemMaxAttempts,
	}
	for name, v := range positive {
		if v <= 0 {
			return herrors.NewValidationError("config", Prefix+"_"+name, "must be positive")
		}
	}
	if c.DBPath == "" {
		return herrors.NewValidationError("config", Prefix+"_DB_PATH", "must not be empty")
	}
	if c.OutputDir == "" {
		return herrors.NewValidationError("config", Prefix+"_OUTPUT_DIR", "must not be empty")
	}
	switch c.MgmtAuthMode {
	case "api-key", "none":
	default:
		return herrors.NewValidationError("config", Prefix+"_MGMT_AUTH_MODE", fmt.Sprintf("unknown mode %q", c.MgmtAuthMode))
	}
	return nil
}

// Load reads configuration from HARVESTER_* environment variables.
func Load() (*Config, error) {
	return LoadWithPrefix(Prefix)
}

// LoadWithPrefix reads configuration with a custom prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	return &cfg, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
