package health

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeSizer struct {
	n   int64
	err error
}

func (s fakeSizer) DBSizeBytes(context.Context) (int64, error) { return s.n, s.err }

func hit(t *testing.T, c *Checker, path string) (int, string) {
	t.Helper()
	app := fiber.New()
	app.Get("/healthz", LivenessHandler())
	app.Get("/readyz", c.ReadinessHandler())

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestLivenessHandler(t *testing.T) {
	code, body := hit(t, NewChecker(zerolog.Nop()), "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "ok")
}

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("db", func(ctx context.Context) Status { return StatusOK })
	c.Register("output", func(ctx context.Context) Status { return StatusOK })

	assert.True(t, c.IsReady(context.Background()))
	assert.Len(t, c.Last(), 2)
}

func TestChecker_OneDown(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("db", func(ctx context.Context) Status { return StatusOK })
	c.Register("output", func(ctx context.Context) Status { return StatusDown })

	assert.False(t, c.IsReady(context.Background()))
}

func TestChecker_Degraded_StillReady(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("db", func(ctx context.Context) Status { return StatusDegraded })

	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_NoChecks(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	assert.True(t, c.IsReady(context.Background()))
}

func TestReadinessHandler(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("db", PingCheck(fakePinger{}))
	code, body := hit(t, c, "/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"ready"`)

	c.Register("db", PingCheck(fakePinger{err: errors.New("closed")}))
	code, body = hit(t, c, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "not_ready")
	assert.Contains(t, body, `"db":"down"`)
}

func TestDirCheck(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	assert.Equal(t, StatusOK, DirCheck(dir)(ctx))
	assert.Equal(t, StatusDegraded, DirCheck(filepath.Join(dir, "later"))(ctx))

	file := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	assert.Equal(t, StatusDown, DirCheck(file)(ctx))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "check file must be removed")
}

func TestSizeCheck(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, StatusOK, SizeCheck(fakeSizer{n: 10}, 100)(ctx))
	assert.Equal(t, StatusDegraded, SizeCheck(fakeSizer{n: 200}, 100)(ctx))
	assert.Equal(t, StatusOK, SizeCheck(fakeSizer{n: 200}, 0)(ctx))
	assert.Equal(t, StatusDown, SizeCheck(fakeSizer{err: errors.New("io")}, 100)(ctx))
}
