package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/p-blackswan/harvester/internal/plugin"
)

// DefaultFilenameTemplate lays downloads out per community.
const DefaultFilenameTemplate = "{{.Community}}/{{.ID}}{{.Suffix}}{{.Ext}}"

// RunConfig is the per-run configuration loaded from a YAML run file.
//
// Example:
//
//	feed_dir: ./feeds
//	plugins:
//	  - name: min-score
//	    version: 1.0.0
//	    interface: {min: 1, max: 1}
//	    roles: [filter]
//	    entrypoint: builtin/score
//	    priority: 100
//	    config: {min_score: 10}
type RunConfig struct {
	// Plugins are inline single-unit plugin manifests.
	Plugins []plugin.Manifest `yaml:"plugins" json:"plugins"`

	// DisableBuiltinHandlers skips registering the built-in content handlers.
	DisableBuiltinHandlers bool `yaml:"disable_builtin_handlers" json:"disable_builtin_handlers"`

	// FeedDir is where the file scraper looks for <kind>/<value>.jsonl feeds.
	FeedDir string `yaml:"feed_dir" json:"feed_dir"`

	// FilenameTemplate renders download destinations relative to the output dir.
	FilenameTemplate string `yaml:"filename_template" json:"filename_template"`

	// Handlers holds per-content-type handler options, keyed by content type.
	Handlers map[string]map[string]any `yaml:"handlers" json:"handlers"`
}

// LoadRunFile reads and parses a run file. An empty path yields defaults.
func LoadRunFile(path string) (*RunConfig, error) {
	if path == "" {
		rc := &RunConfig{}
		applyRunDefaults(rc)
		return rc, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	rc, err := ParseRunConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return rc, nil
}

// ParseRunConfig parses run file bytes. Environment variables referenced as
// ${VAR} or $VAR are expanded before parsing.
func ParseRunConfig(data []byte) (*RunConfig, error) {
	expanded := expandEnvVars(string(data))
	var rc RunConfig
	if err := yaml.Unmarshal([]byte(expanded), &rc); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	applyRunDefaults(&rc)
	return &rc, nil
}

func applyRunDefaults(rc *RunConfig) {
	if rc.FilenameTemplate == "" {
		rc.FilenameTemplate = DefaultFilenameTemplate
	}
	if rc.FeedDir == "" {
		rc.FeedDir = "feeds"
	}
}

// HandlerOptions returns the options for one content type, never nil.
func (rc *RunConfig) HandlerOptions(contentType string) map[string]any {
	if opts, ok := rc.Handlers[contentType]; ok && opts != nil {
		return opts
	}
	return map[string]any{}
}

// Fingerprint hashes everything that changes what a run produces. Identical
// configuration always yields the same fingerprint, so re-running it against
// the same target resumes the same session.
func Fingerprint(cfg *Config, rc *RunConfig) (string, error) {
	doc := struct {
		Run                 *RunConfig `json:"run"`
		OutputDir           string     `json:"output_dir"`
		DownloadMaxAttempts int        `json:"download_max_attempts"`
		ItemMaxAttempts     int        `json:"item_max_attempts"`
	}{
		Run:                 rc,
		OutputDir:           cfg.OutputDir,
		DownloadMaxAttempts: cfg.DownloadMaxAttempts,
		ItemMaxAttempts:     cfg.ItemMaxAttempts,
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "${")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimPrefix(name, "$")
		return os.Getenv(name)
	})
}
