package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/p-blackswan/harvester/internal/content"
	"github.com/p-blackswan/harvester/internal/mgmt"
	"github.com/p-blackswan/harvester/internal/pipeline"
	"github.com/p-blackswan/harvester/internal/store"
)

func TestRealMain_Usage(t *testing.T) {
	t.Setenv("HARVESTER_DB_PATH", t.TempDir()+"/state.db")

	assert.Equal(t, 2, realMain(nil))
	assert.Equal(t, 2, realMain([]string{"nope"}))
	assert.Equal(t, 2, realMain([]string{"run"}))
	assert.Equal(t, 2, realMain([]string{"run", "bogus:target"}))
	assert.Equal(t, 2, realMain([]string{"export"}))
	assert.Equal(t, 2, realMain([]string{"plugins", "frobnicate"}))
	assert.Equal(t, 2, realMain([]string{"prune", "-older-than", "0s"}))
}

func TestRealMain_InvalidConfig(t *testing.T) {
	t.Setenv("HARVESTER_DOWNLOAD_WORKERS", "0")
	assert.Equal(t, 2, realMain([]string{"sessions"}))
}

func TestRealMain_Sessions(t *testing.T) {
	t.Setenv("HARVESTER_DB_PATH", t.TempDir()+"/state.db")
	assert.Equal(t, 0, realMain([]string{"sessions", "-json"}))
	assert.Equal(t, 0, realMain([]string{"prune"}))
}

func TestRealMain_PluginSchema(t *testing.T) {
	assert.Equal(t, 0, realMain([]string{"plugins", "schema"}))
}

func TestPrintSummary(t *testing.T) {
	sum := &pipeline.Summary{
		SessionID:   "abc",
		Target:      content.Target{Kind: content.TargetUser, Value: "alice"},
		Status:      store.SessionPaused,
		Discovered:  3,
		NewItems:    2,
		Snapshot:    store.Snapshot{Counters: store.Counters{ProcessedPosts: 2, FailedPosts: 1}},
		Export:      &pipeline.ExportReport{Records: 2, Exporters: []pipeline.ExporterResult{{Name: "csv", Error: "disk full"}}},
		Errors:      []string{"scrape: boom"},
		Interrupted: true,
		Duration:    1500 * time.Millisecond,
	}

	var buf bytes.Buffer
	printSummary(&buf, sum)
	out := buf.String()

	assert.Contains(t, out, "abc (paused)")
	assert.Contains(t, out, "user:alice")
	assert.Contains(t, out, "3 (2 new)")
	assert.Contains(t, out, "2 processed, 0 skipped, 1 failed")
	assert.Contains(t, out, "failed: disk full")
	assert.Contains(t, out, "scrape: boom")
	assert.Contains(t, out, "resume")
	assert.Contains(t, out, "1.5s")
}

func TestKeyRoles(t *testing.T) {
	roles := keyRoles([]string{"r1", "both"}, []string{"o1", "both"})
	assert.Equal(t, map[string]mgmt.Role{
		"r1":   mgmt.RoleReadOnly,
		"o1":   mgmt.RoleOperator,
		"both": mgmt.RoleOperator,
	}, roles)
	assert.Empty(t, keyRoles(nil, nil))
}
