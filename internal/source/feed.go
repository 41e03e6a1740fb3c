// Package source provides the built-in scraper. It reads discovered items
// from JSON Lines feeds laid out as <feed_dir>/<kind>/<value>.jsonl, which
// is how an external fetcher hands its results to harvester.
package source

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/harvester/internal/content"
	herrors "github.com/p-blackswan/harvester/internal/errors"
	"github.com/p-blackswan/harvester/internal/plugin"
)

// EntryFeed is the entrypoint of the feed scraper.
const EntryFeed = "builtin/jsonl-feed"

const maxLine = 8 << 20

// FeedConfig configures the feed scraper.
type FeedConfig struct {
	Dir string `yaml:"feed_dir"`
	// Limit stops after this many items; 0 reads the whole feed.
	Limit int `yaml:"limit"`
}

// Feed scrapes targets from JSON Lines files. A direct-link target without
// a feed file yields a single item for the link itself.
type Feed struct {
	cfg    FeedConfig
	logger zerolog.Logger
}

// NewFeed creates a feed scraper.
func NewFeed(cfg FeedConfig, logger zerolog.Logger) (*Feed, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, herrors.NewValidationError("feed scraper", "feed_dir", "required")
	}
	return &Feed{cfg: cfg, logger: logger.With().Str("component", "feed").Logger()}, nil
}

// Register adds the feed scraper factory to c.
func Register(c *plugin.Catalog) {
	c.Register(EntryFeed, func(env plugin.Env) (any, error) {
		var cfg FeedConfig
		if err := plugin.DecodeConfig(env.Config, &cfg); err != nil {
			return nil, fmt.Errorf("%s config: %w", env.Manifest.Name, err)
		}
		return NewFeed(cfg, env.Logger)
	})
}

// Manifest returns the manifest of the feed scraper reading feedDir.
func Manifest(feedDir string) plugin.Manifest {
	return plugin.Manifest{
		Name:        "jsonl-feed",
		Version:     "1.0.0",
		Description: "Reads discovered items from JSON Lines feeds",
		Interface:   plugin.InterfaceRange{Min: plugin.InterfaceVersion, Max: plugin.InterfaceVersion},
		Roles:       []plugin.Role{plugin.RoleScraper},
		Entrypoint:  EntryFeed,
		Permissions: []plugin.Permission{plugin.PermFilesystem},
		Config:      map[string]any{"feed_dir": feedDir},
	}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Path returns the feed file for a target.
func (f *Feed) Path(target content.Target) string {
	name := target.Value
	if target.Kind == content.TargetDirectLink {
		sum := sha256.Sum256([]byte(target.Value))
		name = hex.EncodeToString(sum[:8])
	}
	name = strings.Trim(unsafeName.ReplaceAllString(name, "_"), "._")
	return filepath.Join(f.cfg.Dir, string(target.Kind), name+".jsonl")
}

func (f *Feed) CanScrape(target content.Target) bool {
	if target.Kind == content.TargetDirectLink {
		return true
	}
	info, err := os.Stat(f.Path(target))
	return err == nil && !info.IsDir()
}

func (f *Feed) Scrape(ctx context.Context, target content.Target, emit func(plugin.Discovered) error) error {
	path := f.Path(target)
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) && target.Kind == content.TargetDirectLink {
		return emitLink(target, emit)
	}
	if err != nil {
		return herrors.Transient("open feed", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	var line, count, skipped int
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		id, err := itemID([]byte(raw))
		if err != nil {
			skipped++
			f.logger.Warn().Err(err).Str("feed", path).Int("line", line).Msg("Skipping malformed feed line")
			continue
		}
		if err := emit(plugin.Discovered{ID: id, Payload: []byte(raw)}); err != nil {
			return err
		}
		count++
		if f.cfg.Limit > 0 && count >= f.cfg.Limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return herrors.Transient("read feed", err)
	}
	f.logger.Info().Str("feed", path).Int("items", count).Int("skipped", skipped).Msg("Feed scraped")
	return nil
}

// itemID extracts the id of one feed line. Numeric ids are accepted.
func itemID(raw []byte) (string, error) {
	var head struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", fmt.Errorf("not a JSON object: %w", err)
	}
	if len(head.ID) == 0 || string(head.ID) == "null" {
		return "", errors.New("missing id")
	}
	var s string
	if err := json.Unmarshal(head.ID, &s); err == nil {
		if strings.TrimSpace(s) == "" {
			return "", errors.New("empty id")
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(head.ID, &n); err == nil {
		if _, err := strconv.ParseFloat(n.String(), 64); err == nil {
			return n.String(), nil
		}
	}
	return "", fmt.Errorf("id %s is not a string or number", head.ID)
}

func emitLink(target content.Target, emit func(plugin.Discovered) error) error {
	sum := sha256.Sum256([]byte(target.Value))
	id := "link_" + hex.EncodeToString(sum[:8])
	payload, err := json.Marshal(map[string]any{
		"id":  id,
		"url": target.Value,
	})
	if err != nil {
		return fmt.Errorf("encode link item: %w", err)
	}
	return emit(plugin.Discovered{ID: id, Payload: payload})
}
