package exporters

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"time"

	herrors "github.com/p-blackswan/harvester/internal/errors"
	"github.com/p-blackswan/harvester/internal/plugin"
)

// CSVConfig configures the csv exporter.
type CSVConfig struct {
	FileConfig `yaml:",inline"`

	Delimiter string `yaml:"delimiter"`
	NoHeader  bool   `yaml:"no_header"`
	// MaxTextLength truncates long text cells; 0 keeps them whole.
	MaxTextLength int `yaml:"max_text_length"`
}

// CSV writes one row per record.
type CSV struct {
	cfg   CSVConfig
	comma rune
}

// Columns of the csv export, in order.
var Columns = []string{
	"id", "content_type", "title", "author", "community", "url", "permalink",
	"score", "num_comments", "nsfw", "created", "handler", "artifacts",
	"downloads_completed", "downloads_failed", "local_paths",
}

// NewCSV validates the delimiter.
func NewCSV(cfg CSVConfig) (*CSV, error) {
	comma := ','
	switch cfg.Delimiter {
	case "", ",":
	case "tab", "\t":
		comma = '\t'
	default:
		r := []rune(cfg.Delimiter)
		if len(r) != 1 || r[0] == '"' || r[0] == '\n' || r[0] == '\r' {
			return nil, herrors.NewValidationError("csv exporter", "delimiter", fmt.Sprintf("%q is not a single character", cfg.Delimiter))
		}
		comma = r[0]
	}
	return &CSV{cfg: cfg, comma: comma}, nil
}

func (e *CSV) Format() string { return "csv" }

func (e *CSV) Export(ctx context.Context, batch *plugin.ExportBatch) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = e.comma
	if !e.cfg.NoHeader {
		if err := w.Write(Columns); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
	}
	for _, rec := range batch.Records {
		if err := w.Write(e.row(rec)); err != nil {
			return fmt.Errorf("write csv row %s: %w", rec.ItemID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return writeFile(batch, e.cfg.FileConfig, ".csv", buf.Bytes())
}

func (e *CSV) row(rec plugin.Record) []string {
	var (
		title, author, community, url, permalink, created string
		score, comments                                   int
		nsfw                                              bool
	)
	if p := rec.Post; p != nil {
		title, author, community, url, permalink = p.Title, p.Author, p.Community, p.URL, p.Permalink
		score, comments, nsfw = p.Score, p.NumComments, p.NSFW()
		if t := p.Created(); !t.IsZero() {
			created = t.Format(time.RFC3339)
		}
	}
	var handler string
	var artifacts int
	if rec.Result != nil {
		handler = rec.Result.Handler
		artifacts = len(rec.Result.Artifacts)
	}
	var completed, failed int
	var paths []string
	for _, d := range rec.Downloads {
		switch d.Status {
		case "completed":
			completed++
			paths = append(paths, d.LocalPath)
		case "failed":
			failed++
		}
	}
	return []string{
		rec.ItemID, rec.ContentType, e.truncate(title), author, community, url, permalink,
		strconv.Itoa(score), strconv.Itoa(comments), strconv.FormatBool(nsfw), created,
		handler, strconv.Itoa(artifacts), strconv.Itoa(completed), strconv.Itoa(failed),
		strings.Join(paths, "|"),
	}
}

func (e *CSV) truncate(s string) string {
	if e.cfg.MaxTextLength <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= e.cfg.MaxTextLength {
		return s
	}
	return string(r[:e.cfg.MaxTextLength]) + "..."
}
