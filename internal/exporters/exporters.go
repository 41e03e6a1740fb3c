// Package exporters holds the built-in exporters. File exporters write one
// document per session under the output dir; the slack exporter posts a
// run summary.
package exporters

import (
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/p-blackswan/harvester/internal/plugin"
	"github.com/p-blackswan/harvester/internal/scheduler"
)

// Entrypoints of the built-in exporters.
const (
	EntryJSON     = "builtin/json"
	EntryCSV      = "builtin/csv"
	EntryMarkdown = "builtin/markdown"
	EntrySQLite   = "builtin/sqlite"
	EntrySlack    = "builtin/slack"
)

// FileConfig is shared by the file exporters.
type FileConfig struct {
	// Path is relative to the output dir. "{session}" expands to the
	// session id. Defaults to exports/{session}.<ext>.
	Path string `yaml:"path"`
}

// Register adds the built-in exporter factories to c. client is used by
// the slack exporter; nil means a client with a 30s timeout.
func Register(c *plugin.Catalog, client *http.Client) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	c.Register(EntryJSON, func(env plugin.Env) (any, error) {
		var cfg JSONConfig
		if err := decode(env, &cfg); err != nil {
			return nil, err
		}
		return &JSON{cfg: cfg}, nil
	})
	c.Register(EntryCSV, func(env plugin.Env) (any, error) {
		var cfg CSVConfig
		if err := decode(env, &cfg); err != nil {
			return nil, err
		}
		return NewCSV(cfg)
	})
	c.Register(EntryMarkdown, func(env plugin.Env) (any, error) {
		var cfg FileConfig
		if err := decode(env, &cfg); err != nil {
			return nil, err
		}
		return &Markdown{cfg: cfg}, nil
	})
	c.Register(EntrySQLite, func(env plugin.Env) (any, error) {
		var cfg FileConfig
		if err := decode(env, &cfg); err != nil {
			return nil, err
		}
		return &SQLite{cfg: cfg, logger: env.Logger}, nil
	})
	c.Register(EntrySlack, func(env plugin.Env) (any, error) {
		var cfg SlackConfig
		if err := decode(env, &cfg); err != nil {
			return nil, err
		}
		return NewSlack(cfg, client, env.Logger)
	})
}

// DefaultManifest is the exporter a run uses when it configures none.
func DefaultManifest() plugin.Manifest {
	return plugin.Manifest{
		Name:        "json-export",
		Version:     "1.0.0",
		Description: "Writes the session archive as one JSON document",
		Interface:   plugin.InterfaceRange{Min: plugin.InterfaceVersion, Max: plugin.InterfaceVersion},
		Roles:       []plugin.Role{plugin.RoleExporter},
		Entrypoint:  EntryJSON,
		Permissions: []plugin.Permission{plugin.PermFilesystem},
	}
}

func decode(env plugin.Env, out any) error {
	if err := plugin.DecodeConfig(env.Config, out); err != nil {
		return fmt.Errorf("%s config: %w", env.Manifest.Name, err)
	}
	return nil
}

// destination resolves cfg.Path for a batch.
func (cfg FileConfig) destination(batch *plugin.ExportBatch, ext string) (string, error) {
	rel := cfg.Path
	if rel == "" {
		rel = path.Join("exports", "{session}"+ext)
	}
	rel = strings.ReplaceAll(rel, "{session}", batch.Session.ID)
	return scheduler.ResolveDestination(batch.OutputDir, rel)
}

func writeFile(batch *plugin.ExportBatch, cfg FileConfig, ext string, data []byte) error {
	full, err := cfg.destination(batch, ext)
	if err != nil {
		return err
	}
	return scheduler.WriteFileAtomic(full, data)
}
