// Package pipeline drives discovered items through filters, a content
// handler and the exporters, and wires the store, the plugin registry and
// the download scheduler into one run.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/p-blackswan/harvester/internal/content"
	herrors "github.com/p-blackswan/harvester/internal/errors"
	"github.com/p-blackswan/harvester/internal/metrics"
	"github.com/p-blackswan/harvester/internal/plugin"
	"github.com/p-blackswan/harvester/internal/retry"
	"github.com/p-blackswan/harvester/internal/runid"
	"github.com/p-blackswan/harvester/internal/store"
)

// ErrItemBusy is returned by ProcessItem when another call is already
// processing the same item.
var ErrItemBusy = errors.New("pipeline: item is already being processed")

// ReasonNoHandler is the error recorded on items no handler accepts.
const ReasonNoHandler = "no handler"

// Store is the subset of the state store the orchestrator uses.
type Store interface {
	GetSession(ctx context.Context, id string) (*store.Session, error)
	SessionSnapshot(ctx context.Context, id string) (*store.Snapshot, error)
	GetItem(ctx context.Context, id string) (*store.Item, error)
	ListItems(ctx context.Context, sessionID string, f store.ItemFilter) ([]*store.Item, error)
	TransitionItem(ctx context.Context, id string, to store.ItemStatus, errMsg string) error
	MarkItemProcessed(ctx context.Context, id, contentType string, result []byte) error
	RecordItemAttempt(ctx context.Context, id, errMsg string) (int, error)
	EnqueueDownload(ctx context.Context, itemID, url, destination string) (*store.Download, error)
	ListDownloads(ctx context.Context, sessionID string, f store.DownloadFilter) ([]*store.Download, error)
	DropPendingDownloads(ctx context.Context, ids []int64) (int64, error)
}

// Notifier is told when downloads were enqueued.
type Notifier interface {
	Notify()
}

// Config holds orchestrator configuration.
type Config struct {
	// Fanout is how many items are processed concurrently.
	Fanout int
	// Retry bounds handler attempts per item and spaces retry passes.
	Retry          retry.Config
	HandlerTimeout time.Duration
	OutputDir      string
}

// Outcome is the result of one ProcessItem call.
type Outcome struct {
	ItemID      string           `json:"item_id"`
	ContentType string           `json:"content_type,omitempty"`
	Status      store.ItemStatus `json:"status"`
	Handler     string           `json:"handler,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	Attempts    int              `json:"attempts"`
	Downloads   []int64          `json:"downloads,omitempty"`
	// Retry is set when a handler failure left the item pending.
	Retry bool `json:"retry,omitempty"`
}

// Orchestrator runs the per-item state machine.
type Orchestrator struct {
	store    Store
	registry *plugin.Registry
	notifier Notifier
	metrics  *metrics.Metrics
	cfg      Config
	logger   zerolog.Logger

	inflight sync.Map
}

// NewOrchestrator creates an orchestrator. notifier and m may be nil.
func NewOrchestrator(cfg Config, st Store, registry *plugin.Registry, notifier Notifier, m *metrics.Metrics, logger zerolog.Logger) *Orchestrator {
	if cfg.Fanout <= 0 {
		cfg.Fanout = 4
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		store:    st,
		registry: registry,
		notifier: notifier,
		metrics:  m,
		cfg:      cfg,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
	}
}

// ProcessItem runs one pending item through the filters and its handler.
// Items that are no longer pending are left alone and reported with their
// current status. Two concurrent calls for the same item never both run;
// the second fails with ErrItemBusy.
func (o *Orchestrator) ProcessItem(ctx context.Context, itemID string) (*Outcome, error) {
	if _, busy := o.inflight.LoadOrStore(itemID, struct{}{}); busy {
		return nil, ErrItemBusy
	}
	defer o.inflight.Delete(itemID)

	it, err := o.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	out := &Outcome{ItemID: it.ID, ContentType: it.ContentType, Status: it.Status, Attempts: it.Attempts}
	if it.Status != store.ItemPending {
		return out, nil
	}
	log := runid.Logger(ctx, o.logger).With().Str("session_id", it.SessionID).Str("item_id", it.ID).Logger()

	post, err := content.Decode(it.Payload)
	if err != nil {
		return out, o.settle(ctx, out, store.ItemFailed, err.Error(), log)
	}
	out.ContentType = content.DetectContentType(post)

	for _, f := range o.registry.Filters() {
		res, err := applyFilter(f, post)
		if err != nil {
			o.metrics.RecordPluginError(f.Name, "filter")
			return out, o.fail(ctx, out, fmt.Sprintf("filter %s: %v", f.Name, err), log)
		}
		if !res.Passed {
			return out, o.settle(ctx, out, store.ItemSkipped, fmt.Sprintf("filter %s: %s", f.Name, res.Reason), log)
		}
	}

	h, name, err := o.registry.SelectHandler(out.ContentType, post)
	if errors.Is(err, herrors.ErrNoHandler) {
		return out, o.settle(ctx, out, store.ItemFailed, ReasonNoHandler, log)
	}
	if err != nil {
		return nil, err
	}
	out.Handler = name

	queue := &itemQueue{store: o.store, itemID: it.ID}
	res, err := o.invoke(ctx, h, &plugin.HandleRequest{
		ItemID:      it.ID,
		SessionID:   it.SessionID,
		ContentType: out.ContentType,
		Post:        post,
		Payload:     it.Payload,
		OutputDir:   o.cfg.OutputDir,
		Downloads:   queue,
	})
	if err == nil && (res == nil || !res.Success) {
		reason := "handler reported failure"
		if res != nil && res.Error != "" {
			reason = res.Error
		}
		err = errors.New(reason)
	}
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		o.metrics.RecordPluginError(name, "handle")
		o.dropQueued(ctx, queue, log)
		return out, o.fail(ctx, out, fmt.Sprintf("handler %s: %v", name, err), log)
	}

	if res.Handler == "" {
		res.Handler = name
	}
	encoded, err := json.Marshal(res)
	if err != nil {
		return out, fmt.Errorf("encode result of %s: %w", it.ID, err)
	}
	if err := o.store.MarkItemProcessed(ctx, it.ID, out.ContentType, encoded); err != nil {
		return out, err
	}
	out.Status = store.ItemProcessed
	out.Downloads = queue.ids
	if len(queue.ids) > 0 && o.notifier != nil {
		o.notifier.Notify()
	}
	o.metrics.RecordItem(string(store.ItemProcessed))
	log.Debug().Str("handler", name).Str("content_type", out.ContentType).
		Int("downloads", len(queue.ids)).Msg("Item processed")
	return out, nil
}

// dropQueued removes the downloads a failed handler attempt enqueued. A retry
// enqueues them again.
func (o *Orchestrator) dropQueued(ctx context.Context, q *itemQueue, log zerolog.Logger) {
	if len(q.ids) == 0 {
		return
	}
	n, err := o.store.DropPendingDownloads(ctx, q.ids)
	if err != nil {
		log.Warn().Err(err).Int("downloads", len(q.ids)).Msg("Failed to drop downloads of failed attempt")
		return
	}
	log.Debug().Int64("dropped", n).Msg("Dropped downloads of failed attempt")
}

// settle moves the item to a terminal status.
func (o *Orchestrator) settle(ctx context.Context, out *Outcome, to store.ItemStatus, reason string, log zerolog.Logger) error {
	if err := o.store.TransitionItem(ctx, out.ItemID, to, reason); err != nil {
		return err
	}
	out.Status = to
	out.Reason = reason
	o.metrics.RecordItem(string(to))
	if to == store.ItemFailed {
		log.Warn().Str("reason", reason).Msg("Item failed")
	} else {
		log.Debug().Str("status", string(to)).Str("reason", reason).Msg("Item settled")
	}
	return nil
}

// fail counts a failed attempt and fails the item once the ceiling is reached.
func (o *Orchestrator) fail(ctx context.Context, out *Outcome, reason string, log zerolog.Logger) error {
	attempts, err := o.store.RecordItemAttempt(ctx, out.ItemID, reason)
	if err != nil {
		return err
	}
	out.Attempts = attempts
	out.Reason = reason
	if o.cfg.Retry.Exhausted(attempts) {
		return o.settle(ctx, out, store.ItemFailed, reason, log)
	}
	out.Retry = true
	log.Info().Int("attempt", attempts).Str("reason", reason).Msg("Item attempt failed, will retry")
	return nil
}

func applyFilter(f plugin.NamedFilter, post *content.Post) (res plugin.FilterResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return f.Apply(post), nil
}

func (o *Orchestrator) invoke(ctx context.Context, h plugin.Handler, req *plugin.HandleRequest) (res *plugin.Result, err error) {
	hctx, cancel := context.WithTimeout(ctx, o.cfg.HandlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Handle(hctx, req)
}

// itemQueue binds a handler's download requests to the item being handled.
type itemQueue struct {
	store  Store
	itemID string
	mu     sync.Mutex
	ids    []int64
}

func (q *itemQueue) EnqueueDownload(ctx context.Context, url, destination string) (int64, error) {
	d, err := q.store.EnqueueDownload(ctx, q.itemID, url, destination)
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	q.ids = append(q.ids, d.ID)
	q.mu.Unlock()
	return d.ID, nil
}

// PassStats summarises ProcessPending.
type PassStats struct {
	Passes    int `json:"passes"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
}

// ProcessPending processes every pending item of a session with bounded
// fan-out. Items left pending by a failed handler attempt are retried in
// later passes, spaced by the retry backoff, until they settle. Cancelling
// ctx stops new items from starting; items already running finish.
func (o *Orchestrator) ProcessPending(ctx context.Context, sessionID string) (*PassStats, error) {
	stats := &PassStats{}
	log := runid.Logger(ctx, o.logger).With().Str("session_id", sessionID).Logger()

	for {
		items, err := o.store.ListItems(ctx, sessionID, store.ItemFilter{Status: store.ItemPending})
		if err != nil {
			return stats, err
		}
		if len(items) == 0 {
			return stats, nil
		}
		stats.Passes++

		var (
			mu    sync.Mutex
			again int
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.cfg.Fanout)
		for _, it := range items {
			if gctx.Err() != nil {
				break
			}
			id := it.ID
			g.Go(func() error {
				out, err := o.ProcessItem(gctx, id)
				if errors.Is(err, ErrItemBusy) {
					return nil
				}
				if err != nil {
					return fmt.Errorf("item %s: %w", id, err)
				}
				mu.Lock()
				defer mu.Unlock()
				switch {
				case out.Retry:
					again++
				case out.Status == store.ItemProcessed:
					stats.Processed++
				case out.Status == store.ItemSkipped:
					stats.Skipped++
				case out.Status == store.ItemFailed:
					stats.Failed++
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return stats, err
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if again == 0 {
			return stats, nil
		}
		stats.Retried += again
		delay := o.cfg.Retry.Next(stats.Passes)
		log.Info().Int("items", again).Dur("backoff", delay).Msg("Retrying failed items")
		if err := retry.Sleep(ctx, delay); err != nil {
			return stats, err
		}
	}
}
