package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/harvester/internal/content"
	"github.com/p-blackswan/harvester/internal/plugin"
	"github.com/p-blackswan/harvester/internal/retry"
	"github.com/p-blackswan/harvester/internal/store"
)

// --- test doubles ---

type scriptedHandler struct {
	types   []string
	fails   int32 // calls that fail before succeeding, -1 = always
	calls   atomic.Int32
	urls    []string
	block   chan struct{}
	started chan struct{}
	panics  bool
}

func (h *scriptedHandler) ContentTypes() []string { return h.types }
func (h *scriptedHandler) CanHandle(string, *content.Post) bool { return true }
func (h *scriptedHandler) Handle(ctx context.Context, req *plugin.HandleRequest) (*plugin.Result, error) {
	n := h.calls.Add(1)
	if h.started != nil {
		close(h.started)
	}
	if h.block != nil {
		<-h.block
	}
	if h.panics {
		panic("handler exploded")
	}
	if h.fails < 0 || n <= h.fails {
		return nil, errors.New("upstream unavailable")
	}
	res := &plugin.Result{Success: true}
	for i, u := range h.urls {
		id, err := req.Downloads.EnqueueDownload(ctx, u, req.ItemID+"_"+string(rune('a'+i))+".bin")
		if err != nil {
			return nil, err
		}
		res.Artifacts = append(res.Artifacts, plugin.Artifact{Kind: plugin.ArtifactDownload, URL: u, DownloadID: id})
	}
	return res, nil
}

// halfwayHandler enqueues its downloads and then fails until calls exceed fails.
type halfwayHandler struct {
	urls  []string
	fails int32
	calls atomic.Int32
}

func (h *halfwayHandler) ContentTypes() []string { return []string{"image"} }
func (h *halfwayHandler) CanHandle(string, *content.Post) bool { return true }
func (h *halfwayHandler) Handle(ctx context.Context, req *plugin.HandleRequest) (*plugin.Result, error) {
	n := h.calls.Add(1)
	res := &plugin.Result{Success: true}
	for i, u := range h.urls {
		id, err := req.Downloads.EnqueueDownload(ctx, u, req.ItemID+"_"+string(rune('a'+i))+".bin")
		if err != nil {
			return nil, err
		}
		res.Artifacts = append(res.Artifacts, plugin.Artifact{Kind: plugin.ArtifactDownload, URL: u, DownloadID: id})
	}
	if n <= h.fails {
		return nil, errors.New("gallery metadata truncated")
	}
	return res, nil
}

type rejectTitle struct{ title string }

func (f rejectTitle) Apply(p *content.Post) plugin.FilterResult {
	if p.Title == f.title {
		return plugin.Reject("title blocked")
	}
	return plugin.Pass()
}

type panicFilter struct{}

func (panicFilter) Apply(*content.Post) plugin.FilterResult { panic("filter exploded") }

type recordingExporter struct {
	batches []*plugin.ExportBatch
	err     error
}

func (e *recordingExporter) Format() string { return "test" }
func (e *recordingExporter) Export(_ context.Context, b *plugin.ExportBatch) error {
	e.batches = append(e.batches, b)
	return e.err
}

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) Notify() { c.n.Add(1) }

// --- fixture ---

type orchFixture struct {
	store   *store.Store
	session *store.Session
	reg     *plugin.Registry
	orch    *Orchestrator
	notify  *countingNotifier
}

func newOrchFixture(t *testing.T, plugins ...*plugin.Loaded) *orchFixture {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "state.db"), zerolog.Nop(), store.WithDownloadAttempts(3))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sess, _, err := st.OpenOrCreateSession(context.Background(), "fp",
		content.Target{Kind: content.TargetCommunity, Value: "golang"})
	require.NoError(t, err)

	reg := plugin.NewRegistry(zerolog.Nop())
	for _, l := range plugins {
		require.NoError(t, reg.Register(l))
	}
	n := &countingNotifier{}
	orch := NewOrchestrator(Config{
		Fanout:         2,
		Retry:          retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		HandlerTimeout: time.Second,
		OutputDir:      t.TempDir(),
	}, st, reg, n, nil, zerolog.Nop())
	return &orchFixture{store: st, session: sess, reg: reg, orch: orch, notify: n}
}

func (f *orchFixture) record(t *testing.T, id, payload string) {
	t.Helper()
	_, _, err := f.store.RecordItem(context.Background(), f.session.ID, id, []byte(payload))
	require.NoError(t, err)
}

func (f *orchFixture) item(t *testing.T, id string) *store.Item {
	t.Helper()
	it, err := f.store.GetItem(context.Background(), id)
	require.NoError(t, err)
	return it
}

func handlerPlugin(name string, h plugin.Handler) *plugin.Loaded {
	return &plugin.Loaded{
		Manifest: plugin.Manifest{Name: name, Roles: []plugin.Role{plugin.RoleHandler}},
		Instance: h,
	}
}

func filterPlugin(name string, priority int, f plugin.Filter) *plugin.Loaded {
	return &plugin.Loaded{
		Manifest: plugin.Manifest{Name: name, Roles: []plugin.Role{plugin.RoleFilter}, Priority: priority},
		Instance: f,
	}
}

func exporterPlugin(name string, e plugin.Exporter) *plugin.Loaded {
	return &plugin.Loaded{
		Manifest: plugin.Manifest{Name: name, Roles: []plugin.Role{plugin.RoleExporter}},
		Instance: e,
	}
}

// --- ProcessItem ---

func TestProcessItem_HandlerSuccessEnqueuesDownloads(t *testing.T) {
	h := &scriptedHandler{types: []string{"image"}, urls: []string{"https://x/1", "https://x/2"}}
	f := newOrchFixture(t, handlerPlugin("img", h))
	f.record(t, "p1", `{"id":"p1","url":"https://i.redd.it/a.jpg"}`)

	out, err := f.orch.ProcessItem(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, store.ItemProcessed, out.Status)
	assert.Equal(t, "img", out.Handler)
	assert.Equal(t, "image", out.ContentType)
	assert.Len(t, out.Downloads, 2)
	assert.Equal(t, int32(1), f.notify.n.Load())

	it := f.item(t, "p1")
	assert.Equal(t, store.ItemProcessed, it.Status)
	assert.Equal(t, "image", it.ContentType)
	assert.Contains(t, string(it.Result), `"handler":"img"`)

	ds, err := f.store.ListDownloads(context.Background(), f.session.ID, store.DownloadFilter{ItemID: "p1"})
	require.NoError(t, err)
	assert.Len(t, ds, 2)
}

func TestProcessItem_FilterRejectsBeforeHandler(t *testing.T) {
	h := &scriptedHandler{types: []string{"text"}}
	f := newOrchFixture(t, filterPlugin("no-spam", 0, rejectTitle{"spam"}), handlerPlugin("txt", h))
	f.record(t, "p1", `{"id":"p1","title":"spam","is_self":true}`)

	out, err := f.orch.ProcessItem(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, store.ItemSkipped, out.Status)
	assert.Equal(t, "filter no-spam: title blocked", out.Reason)
	assert.Zero(t, h.calls.Load())
	assert.Equal(t, "filter no-spam: title blocked", f.item(t, "p1").LastError)
}

func TestProcessItem_NoHandlerFailsImmediately(t *testing.T) {
	f := newOrchFixture(t, handlerPlugin("txt", &scriptedHandler{types: []string{"text"}}))
	f.record(t, "p1", `{"id":"p1","content_type":"unknown"}`)

	out, err := f.orch.ProcessItem(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, store.ItemFailed, out.Status)
	assert.Equal(t, ReasonNoHandler, out.Reason)

	it := f.item(t, "p1")
	assert.Equal(t, store.ItemFailed, it.Status)
	assert.Equal(t, ReasonNoHandler, it.LastError)
	ds, err := f.store.ListDownloads(context.Background(), f.session.ID, store.DownloadFilter{})
	require.NoError(t, err)
	assert.Empty(t, ds)
}

func TestProcessItem_UndecodablePayloadFails(t *testing.T) {
	f := newOrchFixture(t)
	f.record(t, "p1", `[1,2,3]`)

	out, err := f.orch.ProcessItem(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, store.ItemFailed, out.Status)
	assert.Contains(t, out.Reason, "decode post payload")
}

func TestProcessItem_NotPendingIsNoop(t *testing.T) {
	h := &scriptedHandler{types: []string{"text"}}
	f := newOrchFixture(t, handlerPlugin("txt", h))
	f.record(t, "p1", `{"id":"p1","is_self":true}`)

	_, err := f.orch.ProcessItem(context.Background(), "p1")
	require.NoError(t, err)
	out, err := f.orch.ProcessItem(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, store.ItemProcessed, out.Status)
	assert.Equal(t, int32(1), h.calls.Load())
}

func TestProcessItem_ConcurrentCallIsBusy(t *testing.T) {
	h := &scriptedHandler{types: []string{"text"}, block: make(chan struct{}), started: make(chan struct{})}
	f := newOrchFixture(t, handlerPlugin("txt", h))
	f.record(t, "p1", `{"id":"p1","is_self":true}`)

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.ProcessItem(context.Background(), "p1")
		done <- err
	}()
	<-h.started

	_, err := f.orch.ProcessItem(context.Background(), "p1")
	assert.ErrorIs(t, err, ErrItemBusy)

	close(h.block)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), h.calls.Load())
}

func TestProcessItem_HandlerFailureRetriesUntilCeiling(t *testing.T) {
	h := &scriptedHandler{types: []string{"text"}, fails: -1}
	f := newOrchFixture(t, handlerPlugin("txt", h))
	f.record(t, "p1", `{"id":"p1","is_self":true}`)
	ctx := context.Background()

	for attempt := 1; attempt <= 2; attempt++ {
		out, err := f.orch.ProcessItem(ctx, "p1")
		require.NoError(t, err)
		assert.True(t, out.Retry)
		assert.Equal(t, attempt, out.Attempts)
		assert.Equal(t, store.ItemPending, f.item(t, "p1").Status)
	}

	out, err := f.orch.ProcessItem(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, out.Retry)
	assert.Equal(t, store.ItemFailed, out.Status)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, "handler txt: upstream unavailable", f.item(t, "p1").LastError)
}

func TestProcessItem_FailedAttemptDropsItsDownloads(t *testing.T) {
	h := &halfwayHandler{urls: []string{"https://x/1", "https://x/2"}, fails: 1}
	f := newOrchFixture(t, handlerPlugin("gallery", h))
	f.record(t, "p1", `{"id":"p1","url":"https://i.redd.it/a.jpg"}`)
	ctx := context.Background()

	out, err := f.orch.ProcessItem(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, out.Retry)
	assert.Empty(t, out.Downloads)
	assert.Zero(t, f.notify.n.Load())

	ds, err := f.store.ListDownloads(ctx, f.session.ID, store.DownloadFilter{ItemID: "p1"})
	require.NoError(t, err)
	assert.Empty(t, ds)
	snap, err := f.store.SessionSnapshot(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Zero(t, snap.TotalDownloads)
	sess, err := f.store.GetSession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Zero(t, sess.TotalDownloads)

	out, err = f.orch.ProcessItem(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, store.ItemProcessed, out.Status)
	assert.Len(t, out.Downloads, 2)
	assert.Equal(t, int32(1), f.notify.n.Load())

	ds, err = f.store.ListDownloads(ctx, f.session.ID, store.DownloadFilter{ItemID: "p1"})
	require.NoError(t, err)
	assert.Len(t, ds, 2)
}

func TestProcessItem_PanicsAreContained(t *testing.T) {
	f := newOrchFixture(t,
		filterPlugin("boom", 0, panicFilter{}),
		handlerPlugin("txt", &scriptedHandler{types: []string{"text"}}),
	)
	f.record(t, "p1", `{"id":"p1","is_self":true}`)

	out, err := f.orch.ProcessItem(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, out.Retry)
	assert.Contains(t, out.Reason, "filter boom: panic: filter exploded")

	f2 := newOrchFixture(t, handlerPlugin("txt", &scriptedHandler{types: []string{"text"}, panics: true}))
	f2.record(t, "p2", `{"id":"p2","is_self":true}`)
	out, err = f2.orch.ProcessItem(context.Background(), "p2")
	require.NoError(t, err)
	assert.Contains(t, out.Reason, "panic: handler exploded")
}

func TestProcessItem_UnknownItem(t *testing.T) {
	f := newOrchFixture(t)
	_, err := f.orch.ProcessItem(context.Background(), "missing")
	assert.Error(t, err)
}

// --- ProcessPending ---

func TestProcessPending_SettlesEveryItem(t *testing.T) {
	flaky := &scriptedHandler{types: []string{"text"}, fails: 1}
	f := newOrchFixture(t,
		filterPlugin("no-spam", 0, rejectTitle{"spam"}),
		handlerPlugin("txt", flaky),
	)
	f.record(t, "ok", `{"id":"ok","is_self":true}`)
	f.record(t, "spam", `{"id":"spam","title":"spam","is_self":true}`)
	f.record(t, "odd", `{"id":"odd","content_type":"unknown"}`)

	stats, err := f.orch.ProcessPending(context.Background(), f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Passes)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Retried)

	snap, err := f.store.SessionSnapshot(context.Background(), f.session.ID)
	require.NoError(t, err)
	assert.Zero(t, snap.PendingPosts)
	assert.Equal(t, 1, snap.ProcessedPosts)
	assert.Equal(t, 1, snap.SkippedPosts)
	assert.Equal(t, 1, snap.FailedPosts)
}

func TestProcessPending_CancelledContext(t *testing.T) {
	f := newOrchFixture(t, handlerPlugin("txt", &scriptedHandler{types: []string{"text"}}))
	f.record(t, "p1", `{"id":"p1","is_self":true}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.orch.ProcessPending(ctx, f.session.ID)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, store.ItemPending, f.item(t, "p1").Status)
}

// --- Export ---

func TestExport_DefersItemsWithUnsettledDownloads(t *testing.T) {
	exp := &recordingExporter{}
	h := &scriptedHandler{types: []string{"image"}, urls: []string{"https://x/1"}}
	f := newOrchFixture(t, handlerPlugin("img", h), exporterPlugin("rec", exp))
	ctx := context.Background()
	f.record(t, "p1", `{"id":"p1","url":"https://i.redd.it/a.jpg"}`)

	_, err := f.orch.ProcessItem(ctx, "p1")
	require.NoError(t, err)

	report, err := f.orch.Export(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, report.Deferred)
	assert.Zero(t, report.Records)
	require.Len(t, exp.batches, 1)
	assert.Empty(t, exp.batches[0].Records)

	claimed, err := f.store.ClaimSessionDownloads(ctx, f.session.ID, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, f.store.CompleteDownload(ctx, claimed[0].ID, "/out/p1_a.bin", 3, "abc"))

	report, err = f.orch.Export(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Empty(t, report.Deferred)
	assert.Equal(t, 1, report.Records)

	batch := exp.batches[1]
	assert.Equal(t, f.session.ID, batch.Session.ID)
	assert.Equal(t, 1, batch.Session.Counters["successful_downloads"])
	require.Len(t, batch.Records, 1)
	rec := batch.Records[0]
	assert.Equal(t, "p1", rec.ItemID)
	assert.Equal(t, "image", rec.ContentType)
	assert.Equal(t, "img", rec.Result.Handler)
	require.Len(t, rec.Downloads, 1)
	assert.Equal(t, "completed", rec.Downloads[0].Status)
	assert.Equal(t, "/out/p1_a.bin", rec.Downloads[0].LocalPath)
}

func TestExport_FailureIsPerExporter(t *testing.T) {
	bad := &recordingExporter{err: errors.New("disk full")}
	good := &recordingExporter{}
	f := newOrchFixture(t,
		handlerPlugin("txt", &scriptedHandler{types: []string{"text"}}),
		exporterPlugin("bad", bad),
		exporterPlugin("good", good),
	)
	ctx := context.Background()
	f.record(t, "p1", `{"id":"p1","is_self":true}`)
	_, err := f.orch.ProcessItem(ctx, "p1")
	require.NoError(t, err)

	report, err := f.orch.Export(ctx, f.session.ID)
	require.NoError(t, err)
	require.Len(t, report.Exporters, 2)
	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "bad", failed[0].Name)
	assert.Equal(t, "disk full", failed[0].Error)
	assert.Len(t, good.batches, 1)

	assert.Equal(t, store.ItemProcessed, f.item(t, "p1").Status)
}
