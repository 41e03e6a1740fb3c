package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.RecordItem("processed")
	m.RecordItem("processed")
	m.RecordItem("skipped")
	m.DownloadStarted()
	m.DownloadStarted()
	m.DownloadFinished("completed", 1024, 150*time.Millisecond)
	m.RecordExport("json", "ok")
	m.RecordPluginError("min-score", "initialize")

	body := scrape(t, m)
	assert.Contains(t, body, `harvester_items_total{status="processed"} 2`)
	assert.Contains(t, body, `harvester_items_total{status="skipped"} 1`)
	assert.Contains(t, body, `harvester_downloads_in_flight 1`)
	assert.Contains(t, body, `harvester_download_bytes_total 1024`)
	assert.Contains(t, body, `harvester_downloads_total{status="completed"} 1`)
	assert.Contains(t, body, `harvester_download_duration_seconds_count 1`)
	assert.Contains(t, body, `harvester_exports_total{exporter="json",status="ok"} 1`)
	assert.Contains(t, body, `harvester_plugin_errors_total{plugin="min-score",stage="initialize"} 1`)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordItem("failed")
		m.DownloadStarted()
		m.DownloadFinished("failed", 0, time.Second)
		m.RecordExport("csv", "error")
		m.RecordPluginError("x", "load")
	})
}

func TestMetrics_Registry(t *testing.T) {
	m := New()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["harvester_download_bytes_total"])
	assert.True(t, names["harvester_downloads_in_flight"])
}
