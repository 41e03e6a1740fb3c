package exporters

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/p-blackswan/harvester/internal/plugin"
)

// JSONConfig configures the json exporter.
type JSONConfig struct {
	FileConfig `yaml:",inline"`

	Compact bool `yaml:"compact"`
}

// JSON writes the whole batch as one document.
type JSON struct {
	cfg JSONConfig
	now func() time.Time
}

func (e *JSON) Format() string { return "json" }

type jsonDocument struct {
	ExportedAt string             `json:"exported_at"`
	Session    plugin.SessionInfo `json:"session"`
	Count      int                `json:"count"`
	Records    []plugin.Record    `json:"records"`
}

func (e *JSON) Export(ctx context.Context, batch *plugin.ExportBatch) error {
	now := time.Now
	if e.now != nil {
		now = e.now
	}
	records := batch.Records
	if records == nil {
		records = []plugin.Record{}
	}
	doc := jsonDocument{
		ExportedAt: now().UTC().Format(time.RFC3339),
		Session:    batch.Session,
		Count:      len(records),
		Records:    records,
	}
	var (
		data []byte
		err  error
	)
	if e.cfg.Compact {
		data, err = json.Marshal(doc)
	} else {
		data, err = json.MarshalIndent(doc, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode json export: %w", err)
	}
	return writeFile(batch, e.cfg.FileConfig, ".json", append(data, '\n'))
}
