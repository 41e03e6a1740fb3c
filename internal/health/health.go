// Package health provides liveness and readiness probes for the harvester's
// management surface.
package health

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// Status represents the health status of a dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// CheckFunc is a function that checks a dependency's health.
type CheckFunc func(ctx context.Context) Status

// Checker manages health checks for all dependencies.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	cache   map[string]Status
	timeout time.Duration
	logger  zerolog.Logger
}

// NewChecker creates a new health checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks:  make(map[string]CheckFunc),
		cache:   make(map[string]Status),
		timeout: 5 * time.Second,
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// RunAll executes all health checks concurrently and caches results.
func (c *Checker) RunAll(ctx context.Context) map[string]Status {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]Status, len(checks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checks {
		wg.Add(1)
		go func(n string, f CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			s := f(checkCtx)
			if s != StatusOK {
				c.logger.Warn().Str("check", n).Str("status", string(s)).Msg("Health check not ok")
			}
			mu.Lock()
			results[n] = s
			mu.Unlock()
		}(name, fn)
	}

	wg.Wait()

	c.mu.Lock()
	c.cache = results
	c.mu.Unlock()

	return results
}

// Last returns the results of the most recent RunAll.
func (c *Checker) Last() map[string]Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Status, len(c.cache))
	for k, v := range c.cache {
		out[k] = v
	}
	return out
}

// IsReady returns true if no check is down.
func (c *Checker) IsReady(ctx context.Context) bool {
	return ready(c.RunAll(ctx))
}

func ready(results map[string]Status) bool {
	for _, s := range results {
		if s == StatusDown {
			return false
		}
	}
	return true
}

// Pinger is anything that can verify its own connection, like the state store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck reports down when p cannot be reached.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) Status {
		if err := p.Ping(ctx); err != nil {
			return StatusDown
		}
		return StatusOK
	}
}

// DirCheck reports whether dir accepts new files. A directory that does not
// exist yet is degraded, since runs create it on demand.
func DirCheck(dir string) CheckFunc {
	return func(context.Context) Status {
		info, err := os.Stat(dir)
		if os.IsNotExist(err) {
			return StatusDegraded
		}
		if err != nil || !info.IsDir() {
			return StatusDown
		}
		f, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			return StatusDown
		}
		name := f.Name()
		f.Close()
		os.Remove(name)
		return StatusOK
	}
}

// Sizer reports a size in bytes.
type Sizer interface {
	DBSizeBytes(ctx context.Context) (int64, error)
}

// SizeCheck is degraded once s grows past limit bytes. A zero limit
// disables the threshold.
func SizeCheck(s Sizer, limit int64) CheckFunc {
	return func(ctx context.Context) Status {
		n, err := s.DBSizeBytes(ctx)
		if err != nil {
			return StatusDown
		}
		if limit > 0 && n > limit {
			return StatusDegraded
		}
		return StatusOK
	}
}

// LivenessHandler returns a Fiber handler for /healthz.
func LivenessHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	}
}

// ReadinessHandler returns a Fiber handler for /readyz.
func (c *Checker) ReadinessHandler() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		results := c.RunAll(ctx.UserContext())
		resp := fiber.Map{"checks": results}
		if ready(results) {
			resp["status"] = "ready"
			return ctx.JSON(resp)
		}
		resp["status"] = "not_ready"
		return ctx.Status(fiber.StatusServiceUnavailable).JSON(resp)
	}
}
