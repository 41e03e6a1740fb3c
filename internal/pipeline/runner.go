package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/harvester/internal/config"
	"github.com/p-blackswan/harvester/internal/content"
	"github.com/p-blackswan/harvester/internal/metrics"
	"github.com/p-blackswan/harvester/internal/plugin"
	"github.com/p-blackswan/harvester/internal/runid"
	"github.com/p-blackswan/harvester/internal/scheduler"
	"github.com/p-blackswan/harvester/internal/store"
)

// RunStore is everything a run needs from the state store.
type RunStore interface {
	Store
	scheduler.Store
	OpenOrCreateSession(ctx context.Context, fingerprint string, target content.Target) (*store.Session, bool, error)
	UpdateSessionStatus(ctx context.Context, id string, to store.SessionStatus) error
	RecordItem(ctx context.Context, sessionID, itemID string, payload []byte) (*store.Item, bool, error)
	RetryFailedItems(ctx context.Context, sessionID string) (int64, error)
	RequeueStaleDownloads(ctx context.Context, sessionID string) (int64, error)
	SetMetadata(ctx context.Context, sessionID, key string, value any) error
}

// RunOptions tune a single run.
type RunOptions struct {
	// RetryFailed moves the session's failed items back to pending first.
	RetryFailed bool
	// SkipScrape processes only what the session already knows about.
	SkipScrape bool
	// SkipExport leaves the export stage to a later `export` call.
	SkipExport bool
}

// Runner wires the store, the plugin registry and the download scheduler
// into archival runs.
type Runner struct {
	cfg      *config.Config
	run      *config.RunConfig
	store    RunStore
	registry *plugin.Registry
	fetcher  scheduler.Fetcher
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewRunner creates a runner. m may be nil.
func NewRunner(cfg *config.Config, rc *config.RunConfig, st RunStore, registry *plugin.Registry, fetcher scheduler.Fetcher, m *metrics.Metrics, logger zerolog.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		run:      rc,
		store:    st,
		registry: registry,
		fetcher:  fetcher,
		metrics:  m,
		logger:   logger.With().Str("component", "runner").Logger(),
	}
}

// Orchestrator returns an orchestrator over the runner's store and
// registry with no scheduler attached.
func (r *Runner) Orchestrator() *Orchestrator {
	return r.orchestrator(nil)
}

func (r *Runner) orchestrator(n Notifier) *Orchestrator {
	return NewOrchestrator(Config{
		Fanout:         r.cfg.ItemFanOut,
		Retry:          r.cfg.ItemRetry(),
		HandlerTimeout: r.cfg.HandlerTimeout,
		OutputDir:      r.cfg.OutputDir,
	}, r.store, r.registry, n, r.metrics, r.logger)
}

// Run archives target. It opens or resumes the session for the current
// configuration, discovers items through the first scraper accepting the
// target, processes every pending item, waits for the session's downloads
// to settle and exports the result.
//
// Cancelling ctx stops the run between stages: the session is left paused
// with its remaining work persisted, and the summary reports the
// interruption. The returned error is non-nil only for failures that
// stopped the run; per-item failures are reported in the summary.
func (r *Runner) Run(ctx context.Context, target content.Target, opts RunOptions) (*Summary, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	ctx, id := runid.New(ctx)
	log := runid.Logger(ctx, r.logger).With().Str("target", target.String()).Logger()
	start := time.Now()
	// bookkeeping must land even when the run is interrupted
	bg := context.WithoutCancel(ctx)

	fp, err := config.Fingerprint(r.cfg, r.run)
	if err != nil {
		return nil, err
	}
	sess, created, err := r.store.OpenOrCreateSession(ctx, fp, target)
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	if sess.Status != store.SessionActive {
		if err := r.store.UpdateSessionStatus(ctx, sess.ID, store.SessionActive); err != nil {
			return nil, fmt.Errorf("failed to resume session: %w", err)
		}
	}
	log = log.With().Str("session_id", sess.ID).Logger()
	log.Info().Bool("resumed", !created).Msg("Run started")

	sum := &Summary{RunID: id, SessionID: sess.ID, Target: target, Resumed: !created}
	if err := r.store.SetMetadata(bg, sess.ID, "last_run_id", id); err != nil {
		log.Warn().Err(err).Str("key", "last_run_id").Msg("Failed to record session metadata")
	}

	requeued, err := r.store.RequeueStaleDownloads(ctx, sess.ID)
	if err != nil {
		return r.finish(bg, sum, start, err, log)
	}
	sum.Requeued = requeued
	if opts.RetryFailed {
		n, err := r.store.RetryFailedItems(ctx, sess.ID)
		if err != nil {
			return r.finish(bg, sum, start, err, log)
		}
		sum.RetriedItems = n
	}

	for _, err := range r.registry.Initialize(ctx) {
		sum.PluginErrors = append(sum.PluginErrors, err.Error())
	}
	defer func() {
		for _, err := range r.registry.Cleanup(bg) {
			log.Warn().Err(err).Msg("Plugin cleanup failed")
		}
	}()

	sched := scheduler.New(scheduler.Config{
		Workers:      r.cfg.DownloadWorkers,
		ClaimBatch:   r.cfg.ClaimBatch,
		PollInterval: r.cfg.PollInterval,
		LeaseRenew:   r.cfg.ClaimLease / 4,
		Retry:        r.cfg.DownloadRetry(),
		OutputDir:    r.cfg.OutputDir,
		SessionID:    sess.ID,
	}, r.store, r.fetcher, r.metrics, r.logger)
	sched.Start(ctx)
	stopped := false
	stop := func() {
		if !stopped {
			stopped = true
			sched.Stop(r.cfg.ShutdownGrace)
		}
	}
	defer stop()

	orch := r.orchestrator(sched)

	if !opts.SkipScrape {
		if err := r.scrape(ctx, sess.ID, target, sum, log); err != nil {
			if ctx.Err() != nil {
				return r.interrupted(bg, sum, start, stop, log)
			}
			sum.Errors = append(sum.Errors, err.Error())
			log.Error().Err(err).Msg("Discovery failed, processing known items")
		}
	}

	stats, err := orch.ProcessPending(ctx, sess.ID)
	if stats != nil {
		sum.Passes = stats.Passes
	}
	if err != nil {
		if ctx.Err() != nil {
			return r.interrupted(bg, sum, start, stop, log)
		}
		stop()
		return r.finish(bg, sum, start, err, log)
	}

	if err := sched.Drain(ctx, sess.ID); err != nil {
		if ctx.Err() != nil {
			return r.interrupted(bg, sum, start, stop, log)
		}
		stop()
		return r.finish(bg, sum, start, err, log)
	}
	stop()

	if !opts.SkipExport {
		report, err := orch.Export(ctx, sess.ID)
		if err != nil {
			if ctx.Err() != nil {
				return r.interrupted(bg, sum, start, stop, log)
			}
			return r.finish(bg, sum, start, err, log)
		}
		sum.Export = report
	}
	return r.finish(bg, sum, start, nil, log)
}

func (r *Runner) scrape(ctx context.Context, sessionID string, target content.Target, sum *Summary, log zerolog.Logger) error {
	scraper, name, ok := r.registry.SelectScraper(target)
	if !ok {
		return fmt.Errorf("no scraper accepts %s", target)
	}
	if err := r.store.SetMetadata(ctx, sessionID, "scraper", name); err != nil {
		log.Warn().Err(err).Str("key", "scraper").Msg("Failed to record session metadata")
	}

	err := scraper.Scrape(ctx, target, func(d plugin.Discovered) error {
		_, isNew, err := r.store.RecordItem(ctx, sessionID, d.ID, d.Payload)
		if err != nil {
			return err
		}
		sum.Discovered++
		if isNew {
			sum.NewItems++
		}
		return nil
	})
	if err != nil {
		r.metrics.RecordPluginError(name, "scrape")
		return fmt.Errorf("scraper %s: %w", name, err)
	}
	log.Info().Str("scraper", name).Int("discovered", sum.Discovered).Int("new", sum.NewItems).Msg("Discovery finished")
	return nil
}

func (r *Runner) interrupted(ctx context.Context, sum *Summary, start time.Time, stop func(), log zerolog.Logger) (*Summary, error) {
	stop()
	sum.Interrupted = true
	return r.finish(ctx, sum, start, nil, log)
}

// finish records the final snapshot and session status. A session with no
// work left is completed, one with work left is paused, and a run stopped
// by runErr is failed.
func (r *Runner) finish(ctx context.Context, sum *Summary, start time.Time, runErr error, log zerolog.Logger) (*Summary, error) {
	sum.Duration = time.Since(start)

	snap, err := r.store.SessionSnapshot(ctx, sum.SessionID)
	if err != nil {
		return sum, errors.Join(runErr, err)
	}
	sum.Snapshot = *snap

	status := store.SessionCompleted
	switch {
	case runErr != nil:
		status = store.SessionFailed
		sum.Errors = append(sum.Errors, runErr.Error())
	case sum.Interrupted, snap.PendingPosts > 0, snap.PendingDownloads+snap.InFlightDownloads > 0:
		status = store.SessionPaused
	}
	if err := r.store.UpdateSessionStatus(ctx, sum.SessionID, status); err != nil {
		return sum, errors.Join(runErr, err)
	}
	sum.Status = status

	ev := log.Info()
	if runErr != nil {
		ev = log.Error().Err(runErr)
	}
	ev.Str("status", string(status)).
		Int("processed", snap.ProcessedPosts).
		Int("skipped", snap.SkippedPosts).
		Int("failed", snap.FailedPosts).
		Int("downloads_ok", snap.SuccessfulDownloads).
		Int("downloads_failed", snap.FailedDownloads).
		Dur("duration", sum.Duration).
		Bool("interrupted", sum.Interrupted).
		Msg("Run finished")
	return sum, runErr
}

// Export re-runs the export stage of a session against stored state.
func (r *Runner) Export(ctx context.Context, sessionID string) (*ExportReport, error) {
	ctx, _ = runid.New(ctx)
	for _, err := range r.registry.Initialize(ctx) {
		r.logger.Warn().Err(err).Msg("Plugin initialization failed")
	}
	defer r.registry.Cleanup(context.WithoutCancel(ctx))
	return r.Orchestrator().Export(ctx, sessionID)
}
