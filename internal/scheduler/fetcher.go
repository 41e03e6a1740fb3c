package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	herrors "github.com/p-blackswan/harvester/internal/errors"
)

// Fetcher opens the body of a remote asset.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// HTTPFetcherConfig configures HTTPFetcher.
type HTTPFetcherConfig struct {
	Timeout     time.Duration
	UserAgent   string
	MaxFailures int           // consecutive failures before a host's breaker opens
	Cooldown    time.Duration // how long an open breaker rejects requests
}

// HTTPFetcher downloads over HTTP with one circuit breaker per host, so a
// failing host stops being hammered while other hosts keep flowing.
type HTTPFetcher struct {
	client *http.Client
	cfg    HTTPFetcherConfig
	logger zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewHTTPFetcher creates a fetcher. A nil client gets a default one bounded
// by cfg.Timeout.
func NewHTTPFetcher(cfg HTTPFetcherConfig, client *http.Client, logger zerolog.Logger) *HTTPFetcher {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "harvester/1.0"
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPFetcher{
		client:   client,
		cfg:      cfg,
		logger:   logger.With().Str("component", "fetcher").Logger(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (f *HTTPFetcher) breaker(host string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := f.breakers[host]; ok {
		return cb
	}
	maxFailures := uint32(f.cfg.MaxFailures)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     f.cfg.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= maxFailures
		},
		// Permanent failures such as 404 say nothing about host health.
		IsSuccessful: func(err error) bool {
			return err == nil || !herrors.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Warn().Str("host", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
	f.breakers[host] = cb
	return cb
}

// Fetch issues a GET and returns the response body on a 2xx status.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, herrors.NewValidationError("download", "url", fmt.Sprintf("unsupported url %q", rawURL))
	}

	out, err := f.breaker(strings.ToLower(u.Host)).Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("User-Agent", f.cfg.UserAgent)

		resp, err := f.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, herrors.Transient("fetch", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, herrors.NewAPIError("download", resp.StatusCode, resp.Status)
		}
		return resp.Body, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, herrors.Transient("fetch "+u.Host, err)
	}
	if err != nil {
		return nil, err
	}
	return out.(io.ReadCloser), nil
}
