package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/p-blackswan/harvester/internal/content"
	"github.com/p-blackswan/harvester/internal/plugin"
	"github.com/p-blackswan/harvester/internal/runid"
	"github.com/p-blackswan/harvester/internal/store"
)

// ExporterResult is the outcome of one exporter invocation.
type ExporterResult struct {
	Name     string        `json:"name"`
	Format   string        `json:"format"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// OK reports whether the exporter succeeded.
func (r ExporterResult) OK() bool { return r.Error == "" }

// ExportReport summarises an export stage.
type ExportReport struct {
	SessionID string           `json:"session_id"`
	Records   int              `json:"records"`
	Deferred  []string         `json:"deferred,omitempty"`
	Exporters []ExporterResult `json:"exporters"`
}

// Failed returns the exporters that returned an error.
func (r *ExportReport) Failed() []ExporterResult {
	var out []ExporterResult
	for _, e := range r.Exporters {
		if !e.OK() {
			out = append(out, e)
		}
	}
	return out
}

// Export builds the export batch of a session from stored state and hands it
// to every registered exporter. Only processed items are exported, and an
// item whose downloads are not all completed or failed yet is deferred.
// Exporter failures are reported per exporter and never change item state,
// so calling Export again re-runs every exporter against the same rows.
func (o *Orchestrator) Export(ctx context.Context, sessionID string) (*ExportReport, error) {
	log := runid.Logger(ctx, o.logger).With().Str("session_id", sessionID).Logger()

	batch, deferred, err := o.BuildBatch(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	report := &ExportReport{SessionID: sessionID, Records: len(batch.Records), Deferred: deferred}
	if len(deferred) > 0 {
		log.Info().Int("deferred", len(deferred)).Msg("Items with unsettled downloads left out of export")
	}

	for _, e := range o.registry.Exporters() {
		start := time.Now()
		err := runExporter(ctx, e, batch)
		res := ExporterResult{Name: e.Name, Format: e.Format(), Duration: time.Since(start)}
		if err != nil {
			res.Error = err.Error()
			o.metrics.RecordExport(e.Name, "failed")
			o.metrics.RecordPluginError(e.Name, "export")
			log.Error().Err(err).Str("exporter", e.Name).Msg("Exporter failed")
		} else {
			o.metrics.RecordExport(e.Name, "ok")
			log.Info().Str("exporter", e.Name).Int("records", len(batch.Records)).
				Dur("duration", res.Duration).Msg("Export written")
		}
		report.Exporters = append(report.Exporters, res)
	}
	return report, nil
}

func runExporter(ctx context.Context, e plugin.NamedExporter, batch *plugin.ExportBatch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.Export(ctx, batch)
}

// BuildBatch assembles the export batch of a session. The second return
// lists the processed items held back because a download is unsettled.
func (o *Orchestrator) BuildBatch(ctx context.Context, sessionID string) (*plugin.ExportBatch, []string, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	snap, err := o.store.SessionSnapshot(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	items, err := o.store.ListItems(ctx, sessionID, store.ItemFilter{Status: store.ItemProcessed})
	if err != nil {
		return nil, nil, err
	}
	downloads, err := o.store.ListDownloads(ctx, sessionID, store.DownloadFilter{})
	if err != nil {
		return nil, nil, err
	}
	byItem := make(map[string][]*store.Download)
	for _, d := range downloads {
		byItem[d.ItemID] = append(byItem[d.ItemID], d)
	}

	batch := &plugin.ExportBatch{
		Session: plugin.SessionInfo{
			ID:       sess.ID,
			Target:   sess.Target,
			Status:   string(sess.Status),
			Counters: counterMap(snap.Counters),
		},
		Records:   make([]plugin.Record, 0, len(items)),
		OutputDir: o.cfg.OutputDir,
	}
	var deferred []string
	for _, it := range items {
		ds := byItem[it.ID]
		if !settled(ds) {
			deferred = append(deferred, it.ID)
			continue
		}
		rec, err := record(it, ds)
		if err != nil {
			return nil, nil, err
		}
		batch.Records = append(batch.Records, rec)
	}
	return batch, deferred, nil
}

func settled(ds []*store.Download) bool {
	for _, d := range ds {
		if !d.Status.Terminal() {
			return false
		}
	}
	return true
}

func record(it *store.Item, ds []*store.Download) (plugin.Record, error) {
	post, err := content.Decode(it.Payload)
	if err != nil {
		return plugin.Record{}, fmt.Errorf("decode item %s: %w", it.ID, err)
	}
	rec := plugin.Record{ItemID: it.ID, ContentType: it.ContentType, Post: post}
	if len(it.Result) > 0 {
		var res plugin.Result
		if err := json.Unmarshal(it.Result, &res); err != nil {
			return plugin.Record{}, fmt.Errorf("decode result of %s: %w", it.ID, err)
		}
		rec.Result = &res
	}
	for _, d := range ds {
		rec.Downloads = append(rec.Downloads, plugin.DownloadRecord{
			ID:        d.ID,
			URL:       d.URL,
			Status:    string(d.Status),
			LocalPath: d.LocalPath,
			Size:      d.FileSize,
			Checksum:  d.Checksum,
			Error:     d.LastError,
		})
	}
	return rec, nil
}

func counterMap(c store.Counters) map[string]int {
	return map[string]int{
		"total_posts":          c.TotalPosts,
		"processed_posts":      c.ProcessedPosts,
		"skipped_posts":        c.SkippedPosts,
		"failed_posts":         c.FailedPosts,
		"total_downloads":      c.TotalDownloads,
		"successful_downloads": c.SuccessfulDownloads,
		"failed_downloads":     c.FailedDownloads,
	}
}
