package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/harvester/internal/config"
	"github.com/p-blackswan/harvester/internal/metrics"
	"github.com/p-blackswan/harvester/internal/pipeline"
	"github.com/p-blackswan/harvester/internal/plugin"
	"github.com/p-blackswan/harvester/internal/scheduler"
	"github.com/p-blackswan/harvester/internal/store"
)

// app lazily wires the collaborators a command needs.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	store   *store.Store
	metrics *metrics.Metrics
}

func (a *app) openStore() (*store.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	st, err := store.New(a.cfg.DBPath, a.logger,
		store.WithDownloadAttempts(a.cfg.DownloadMaxAttempts),
		store.WithClaimLease(a.cfg.ClaimLease),
	)
	if err != nil {
		return nil, err
	}
	a.store = st
	return st, nil
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close store")
		}
	}
}

func (a *app) runConfig(path string) (*config.RunConfig, error) {
	if path == "" {
		path = a.cfg.RunFile
	}
	return config.LoadRunFile(path)
}

func (a *app) httpClient() *http.Client {
	return &http.Client{Timeout: a.cfg.HTTPTimeout}
}

func (a *app) registry(rc *config.RunConfig) (*plugin.Registry, []error) {
	return pipeline.BuildRegistry(a.cfg, rc, a.httpClient(), a.logger)
}

func (a *app) runner(rc *config.RunConfig) (*pipeline.Runner, *plugin.Registry, error) {
	st, err := a.openStore()
	if err != nil {
		return nil, nil, err
	}
	reg, _ := a.registry(rc)
	if a.metrics == nil {
		a.metrics = metrics.New()
	}
	fetcher := scheduler.NewHTTPFetcher(scheduler.HTTPFetcherConfig{
		Timeout:     a.cfg.HTTPTimeout,
		UserAgent:   a.cfg.UserAgent,
		MaxFailures: a.cfg.BreakerMaxFailures,
		Cooldown:    a.cfg.BreakerCooldown,
	}, a.httpClient(), a.logger)
	return pipeline.NewRunner(a.cfg, rc, st, reg, fetcher, a.metrics, a.logger), reg, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requireArg(args []string, name string) (string, error) {
	if len(args) != 1 {
		return "", usageError(fmt.Sprintf("expected exactly one %s argument", name))
	}
	return args[0], nil
}
