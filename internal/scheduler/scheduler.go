// Package scheduler drains pending downloads with a fixed pool of workers.
//
// Each worker claims a small batch from the store, streams every asset to a
// private temporary file while hashing it, then renames the file into place
// and records the checksum. A destination path therefore only ever holds a
// complete file.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	herrors "github.com/p-blackswan/harvester/internal/errors"
	"github.com/p-blackswan/harvester/internal/metrics"
	"github.com/p-blackswan/harvester/internal/retry"
	"github.com/p-blackswan/harvester/internal/store"
)

// ErrNotRunning is returned by Drain when the scheduler was never started or
// has been stopped.
var ErrNotRunning = errors.New("scheduler: not running")

// Store is the subset of the state store the scheduler drives.
type Store interface {
	ClaimNextDownloads(ctx context.Context, limit int) ([]*store.Download, error)
	ClaimSessionDownloads(ctx context.Context, sessionID string, limit int) ([]*store.Download, error)
	CompleteDownload(ctx context.Context, id int64, localPath string, size int64, checksum string) error
	FailDownload(ctx context.Context, id int64, errMsg string, retryAt time.Time) (store.DownloadStatus, error)
	ReleaseDownload(ctx context.Context, id int64) error
	RenewLeases(ctx context.Context) (int64, error)
	CountUnsettledDownloads(ctx context.Context, sessionID string) (int, error)
}

// Config holds scheduler configuration.
type Config struct {
	Workers      int
	ClaimBatch   int
	PollInterval time.Duration
	// LeaseRenew is how often held claims are renewed. It must stay well
	// below the store's claim lease.
	LeaseRenew time.Duration
	Retry      retry.Config
	OutputDir    string
	// SessionID restricts claims to one session when set.
	SessionID string
}

// Scheduler is the download worker pool.
type Scheduler struct {
	store   Store
	fetcher Fetcher
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger

	wake           chan struct{}
	done           chan struct{}
	stopClaiming   context.CancelFunc
	abortTransfers context.CancelFunc
	running        atomic.Bool
}

// New creates a scheduler. m may be nil.
func New(cfg Config, st Store, fetcher Fetcher, m *metrics.Metrics, logger zerolog.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.LeaseRenew <= 0 {
		cfg.LeaseRenew = store.DefaultClaimLease / 4
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}
	return &Scheduler{
		store:   st,
		fetcher: fetcher,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		wake:    make(chan struct{}, cfg.Workers),
	}
}

// Start launches the workers. Cancelling ctx stops new claims; in-flight
// transfers keep running until Stop aborts them.
func (s *Scheduler) Start(ctx context.Context) {
	if s.running.Swap(true) {
		return
	}

	claimCtx, stopClaiming := context.WithCancel(ctx)
	transferCtx, abortTransfers := context.WithCancel(context.WithoutCancel(ctx))
	s.stopClaiming = stopClaiming
	s.abortTransfers = abortTransfers
	s.done = make(chan struct{})

	var g errgroup.Group
	for i := 0; i < s.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			s.worker(claimCtx, transferCtx, worker)
			return nil
		})
	}
	renewCtx, stopRenewing := context.WithCancel(context.WithoutCancel(ctx))
	renewed := make(chan struct{})
	go func() {
		s.renewLeases(renewCtx)
		close(renewed)
	}()
	go func() {
		_ = g.Wait()
		stopRenewing()
		<-renewed
		close(s.done)
	}()

	s.logger.Info().Int("workers", s.cfg.Workers).Int("batch", s.cfg.ClaimBatch).Msg("Scheduler started")
}

// Stop stops claiming, waits up to grace for in-flight transfers, then
// aborts the rest. Aborted downloads go back to pending with no attempt
// counted, and their partial files are removed.
func (s *Scheduler) Stop(grace time.Duration) {
	if !s.running.Swap(false) {
		return
	}
	s.stopClaiming()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		s.logger.Warn().Dur("grace", grace).Msg("Grace period expired, aborting in-flight downloads")
		s.abortTransfers()
		<-s.done
	}
	s.abortTransfers()
	s.logger.Info().Msg("Scheduler stopped")
}

// renewLeases keeps this scheduler's claims reserved until every worker has
// returned, so no other process reclaims a transfer still in progress.
func (s *Scheduler) renewLeases(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.LeaseRenew)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.store.RenewLeases(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("Failed to renew download leases")
			}
		}
	}
}

// Notify wakes idle workers, typically after new downloads were enqueued.
func (s *Scheduler) Notify() {
	for i := 0; i < cap(s.wake); i++ {
		select {
		case s.wake <- struct{}{}:
		default:
			return
		}
	}
}

// Drain blocks until the session has no pending or downloading rows left,
// ctx is done, or the scheduler stops.
func (s *Scheduler) Drain(ctx context.Context, sessionID string) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		n, err := s.store.CountUnsettledDownloads(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("drain: %w", err)
		}
		if n == 0 {
			return nil
		}
		if !s.running.Load() {
			return ErrNotRunning
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) claim(ctx context.Context) ([]*store.Download, error) {
	if s.cfg.SessionID != "" {
		return s.store.ClaimSessionDownloads(ctx, s.cfg.SessionID, s.cfg.ClaimBatch)
	}
	return s.store.ClaimNextDownloads(ctx, s.cfg.ClaimBatch)
}

func (s *Scheduler) worker(claimCtx, transferCtx context.Context, id int) {
	log := s.logger.With().Int("worker", id).Logger()
	for {
		if claimCtx.Err() != nil {
			return
		}

		batch, err := s.claim(claimCtx)
		if err != nil {
			if claimCtx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("Failed to claim downloads")
		}
		if len(batch) == 0 {
			if !s.idle(claimCtx) {
				return
			}
			continue
		}

		for i, d := range batch {
			if claimCtx.Err() != nil {
				s.release(batch[i:])
				return
			}
			s.transfer(transferCtx, log, d)
		}
	}
}

// idle waits for a wake-up or the next poll. It returns false once claiming
// has been stopped.
func (s *Scheduler) idle(ctx context.Context) bool {
	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.wake:
		return true
	case <-timer.C:
		return true
	}
}

func (s *Scheduler) release(batch []*store.Download) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, d := range batch {
		if err := s.store.ReleaseDownload(ctx, d.ID); err != nil {
			s.logger.Error().Err(err).Int64("download_id", d.ID).Msg("Failed to release download")
		}
	}
}

func (s *Scheduler) transfer(ctx context.Context, log zerolog.Logger, d *store.Download) {
	log = log.With().Int64("download_id", d.ID).Str("item_id", d.ItemID).Logger()
	started := time.Now()
	s.metrics.DownloadStarted()

	localPath, size, checksum, err := s.fetchToFile(ctx, d)

	// Terminal writes must land even while transfers are being aborted.
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err != nil {
		if ctx.Err() != nil {
			s.metrics.DownloadFinished("aborted", 0, time.Since(started))
			if rerr := s.store.ReleaseDownload(writeCtx, d.ID); rerr != nil {
				log.Error().Err(rerr).Msg("Failed to release aborted download")
			}
			log.Warn().Msg("Download aborted")
			return
		}

		retryAt := time.Now().Add(s.cfg.Retry.Next(d.Attempts + 1))
		status, ferr := s.store.FailDownload(writeCtx, d.ID, err.Error(), retryAt)
		if ferr != nil {
			s.metrics.DownloadFinished("error", 0, time.Since(started))
			log.Error().Err(ferr).AnErr("cause", err).Msg("Failed to record download failure")
			return
		}
		if status == store.DownloadFailed {
			s.metrics.DownloadFinished("failed", 0, time.Since(started))
			log.Error().Err(err).Int("attempts", d.Attempts+1).Str("url", d.URL).Msg("Download failed permanently")
			return
		}
		s.metrics.DownloadFinished("retry", 0, time.Since(started))
		log.Warn().Err(err).Int("attempts", d.Attempts+1).Time("retry_at", retryAt).Msg("Download failed, will retry")
		return
	}

	if err := s.store.CompleteDownload(writeCtx, d.ID, localPath, size, checksum); err != nil {
		s.metrics.DownloadFinished("error", size, time.Since(started))
		log.Error().Err(err).Msg("Failed to record completed download")
		return
	}
	s.metrics.DownloadFinished("completed", size, time.Since(started))
	log.Debug().Int64("bytes", size).Str("path", localPath).Msg("Download completed")
}

// fetchToFile streams the asset into a temp file next to its destination,
// hashing as it goes, and renames it into place only after a full write.
func (s *Scheduler) fetchToFile(ctx context.Context, d *store.Download) (string, int64, string, error) {
	dest, err := ResolveDestination(s.cfg.OutputDir, d.Destination)
	if err != nil {
		return "", 0, "", err
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, "", herrors.Transient("mkdir", err)
	}

	body, err := s.fetcher.Fetch(ctx, d.URL)
	if err != nil {
		return "", 0, "", err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return "", 0, "", herrors.Transient("create temp file", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), body)
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, "", ctx.Err()
		}
		return "", 0, "", herrors.Transient("read body", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", 0, "", herrors.Transient("sync", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, "", herrors.Transient("close", err)
	}
	if ctx.Err() != nil {
		return "", 0, "", ctx.Err()
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return "", 0, "", herrors.Transient("rename", err)
	}
	committed = true
	return dest, n, hex.EncodeToString(h.Sum(nil)), nil
}
