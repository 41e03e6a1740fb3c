package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/harvester/internal/content"
	herrors "github.com/p-blackswan/harvester/internal/errors"
)

var testTarget = content.Target{Kind: content.TargetCommunity, Value: "golang"}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	s, err := New(dbPath, zerolog.New(os.Stderr).Level(zerolog.WarnLevel), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestSession(t *testing.T, s *Store) *Session {
	t.Helper()
	sess, created, err := s.OpenOrCreateSession(context.Background(), "fp-1", testTarget)
	require.NoError(t, err)
	require.True(t, created)
	return sess
}

// assertCountersConsistent checks the stored counters against a recount.
func assertCountersConsistent(t *testing.T, s *Store, sessionID string) {
	t.Helper()
	ctx := context.Background()
	sess, err := s.GetSession(ctx, sessionID)
	require.NoError(t, err)
	snap, err := s.SessionSnapshot(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, snap.Counters, sess.Counters, "stored counters must equal a recount")
}

func TestNew_CreatesDB(t *testing.T) {
	s := newTestStore(t)

	for _, table := range []string{"sessions", "posts", "downloads", "metadata", "meta"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s should exist", table)
	}

	var triggers int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='trigger'").Scan(&triggers))
	assert.Equal(t, 7, triggers)
	assert.Equal(t, "2", s.schemaVersion())
}

func TestNew_ReopenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "state.db")
	s, err := New(dbPath, zerolog.Nop())
	require.NoError(t, err)
	sess, _, err := s.OpenOrCreateSession(context.Background(), "fp", testTarget)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(dbPath, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
}

func TestOpenOrCreateSession_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.OpenOrCreateSession(ctx, "fp-1", testTarget)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, SessionActive, first.Status)
	assert.Equal(t, SessionID("fp-1", testTarget), first.ID)

	again, created, err := s.OpenOrCreateSession(ctx, "fp-1", testTarget)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	other, created, err := s.OpenOrCreateSession(ctx, "fp-2", testTarget)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)

	var rows int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&rows))
	assert.Equal(t, 2, rows)
}

func TestOpenOrCreateSession_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.OpenOrCreateSession(ctx, "", testTarget)
	assert.ErrorIs(t, err, herrors.ErrValidation)

	_, _, err = s.OpenOrCreateSession(ctx, "fp", content.Target{Kind: "planet", Value: "x"})
	assert.ErrorIs(t, err, herrors.ErrValidation)
}

func TestRecordItem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	item, wasNew, err := s.RecordItem(ctx, sess.ID, "p1", []byte(`{"id":"p1","score":5}`))
	require.NoError(t, err)
	assert.True(t, wasNew)
	assert.Equal(t, ItemPending, item.Status)
	assertCountersConsistent(t, s, sess.ID)

	require.NoError(t, s.TransitionItem(ctx, "p1", ItemSkipped, "filtered"))

	again, wasNew, err := s.RecordItem(ctx, sess.ID, "p1", []byte(`{"id":"p1","score":99}`))
	require.NoError(t, err)
	assert.False(t, wasNew)
	assert.Equal(t, ItemSkipped, again.Status, "rediscovery must not alter state")
	assert.JSONEq(t, `{"id":"p1","score":5}`, string(again.Payload))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalPosts)
	assert.Equal(t, 1, got.SkippedPosts)
	assertCountersConsistent(t, s, sess.ID)
}

func TestRecordItem_UnknownSession(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.RecordItem(context.Background(), "nope", "p1", []byte(`{}`))
	assert.ErrorIs(t, err, herrors.ErrNotFound)

	var ref *herrors.ReferenceError
	require.ErrorAs(t, err, &ref)
	assert.Equal(t, "session", ref.Kind)
}

func TestTransitionItem_AllowedEdges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	tests := []struct {
		name  string
		path  []ItemStatus
		final ItemStatus
	}{
		{"processed", []ItemStatus{ItemProcessed}, ItemProcessed},
		{"skipped", []ItemStatus{ItemSkipped}, ItemSkipped},
		{"failed then retried", []ItemStatus{ItemFailed, ItemPending}, ItemPending},
		{"retried then processed", []ItemStatus{ItemFailed, ItemPending, ItemProcessed}, ItemProcessed},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := fmt.Sprintf("item-%d", i)
			_, _, err := s.RecordItem(ctx, sess.ID, id, []byte(`{}`))
			require.NoError(t, err)
			for _, to := range tt.path {
				require.NoError(t, s.TransitionItem(ctx, id, to, ""))
				assertCountersConsistent(t, s, sess.ID)
			}
			got, err := s.GetItem(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, tt.final, got.Status)
		})
	}
}

func TestTransitionItem_Disallowed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	_, _, err := s.RecordItem(ctx, sess.ID, "p1", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, s.MarkItemProcessed(ctx, "p1", content.TypeImage, []byte(`{"ok":true}`)))

	for _, to := range []ItemStatus{ItemPending, ItemSkipped, ItemFailed, ItemProcessed} {
		err := s.TransitionItem(ctx, "p1", to, "")
		assert.ErrorIs(t, err, herrors.ErrInvalidTransition, "processed -> %s", to)
	}

	got, err := s.GetItem(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, ItemProcessed, got.Status)
	assert.Equal(t, content.TypeImage, got.ContentType)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))

	assert.ErrorIs(t, s.TransitionItem(ctx, "missing", ItemProcessed, ""), herrors.ErrNotFound)
	assertCountersConsistent(t, s, sess.ID)
}

func TestRecordItemAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	_, _, err := s.RecordItem(ctx, sess.ID, "p1", []byte(`{}`))
	require.NoError(t, err)

	n, err := s.RecordItemAttempt(ctx, "p1", "timeout")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.RecordItemAttempt(ctx, "p1", "timeout again")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.GetItem(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, ItemPending, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "timeout again", got.LastError)
	assert.NotZero(t, got.LastAttemptAt)

	require.NoError(t, s.TransitionItem(ctx, "p1", ItemFailed, "gave up"))
	_, err = s.RecordItemAttempt(ctx, "p1", "late")
	assert.ErrorIs(t, err, herrors.ErrInvalidTransition)

	require.NoError(t, s.TransitionItem(ctx, "p1", ItemPending, ""))
	got, err = s.GetItem(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Attempts)
}

func TestRetryFailedItems(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	for _, id := range []string{"a", "b", "c"} {
		_, _, err := s.RecordItem(ctx, sess.ID, id, []byte(`{}`))
		require.NoError(t, err)
	}
	require.NoError(t, s.TransitionItem(ctx, "a", ItemFailed, "x"))
	require.NoError(t, s.TransitionItem(ctx, "b", ItemFailed, "y"))

	n, err := s.RetryFailedItems(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	pending, err := s.ListItems(ctx, sess.ID, ItemFilter{Status: ItemPending})
	require.NoError(t, err)
	assert.Len(t, pending, 3)
	assertCountersConsistent(t, s, sess.ID)
}

func TestUpdateSessionStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	require.NoError(t, s.UpdateSessionStatus(ctx, sess.ID, SessionPaused))
	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionPaused, got.Status)
	assert.NotZero(t, got.EndedAt)

	err = s.UpdateSessionStatus(ctx, sess.ID, SessionCompleted)
	assert.ErrorIs(t, err, herrors.ErrInvalidTransition)

	require.NoError(t, s.UpdateSessionStatus(ctx, sess.ID, SessionActive))
	require.NoError(t, s.UpdateSessionStatus(ctx, sess.ID, SessionActive))
	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Zero(t, got.EndedAt)

	require.NoError(t, s.UpdateSessionStatus(ctx, sess.ID, SessionCompleted))
	assert.ErrorIs(t, s.UpdateSessionStatus(ctx, "missing", SessionCompleted), herrors.ErrNotFound)
}

func TestListSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _, err := s.OpenOrCreateSession(ctx, "fp", testTarget)
	require.NoError(t, err)
	_, _, err = s.OpenOrCreateSession(ctx, "fp", content.Target{Kind: content.TargetUser, Value: "gopher"})
	require.NoError(t, err)
	require.NoError(t, s.UpdateSessionStatus(ctx, a.ID, SessionCompleted))

	all, err := s.ListSessions(ctx, SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	done, err := s.ListSessions(ctx, SessionFilter{Status: SessionCompleted})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, a.ID, done[0].ID)

	users, err := s.ListSessions(ctx, SessionFilter{Kind: content.TargetUser})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "gopher", users[0].Target.Value)

	limited, err := s.ListSessions(ctx, SessionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestResumeState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	_, _, err := s.RecordItem(ctx, sess.ID, "p1", []byte(`{}`))
	require.NoError(t, err)
	_, err = s.EnqueueDownload(ctx, "p1", "http://example.com/a.jpg", "golang/p1.jpg")
	require.NoError(t, err)

	rs, err := s.ResumeState(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, rs.PendingItems)
	assert.Equal(t, 1, rs.RetryableDownloads)
	assert.True(t, rs.CanResume)

	_, err = s.ResumeState(ctx, "missing")
	assert.ErrorIs(t, err, herrors.ErrNotFound)
}

func TestMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	require.NoError(t, s.SetMetadata(ctx, sess.ID, "cursor", "t3_abc"))
	require.NoError(t, s.SetMetadata(ctx, sess.ID, "pages", 4))
	require.NoError(t, s.SetMetadata(ctx, sess.ID, "ratio", 0.5))
	require.NoError(t, s.SetMetadata(ctx, sess.ID, "done", true))
	require.NoError(t, s.SetMetadata(ctx, sess.ID, "tags", []string{"a", "b"}))
	require.NoError(t, s.SetMetadata(ctx, sess.ID, "pages", 5))

	v, err := s.GetMetadata(ctx, sess.ID, "pages")
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	all, err := s.AllMetadata(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"cursor": "t3_abc",
		"pages":  int64(5),
		"ratio":  0.5,
		"done":   true,
		"tags":   []any{"a", "b"},
	}, all)

	require.NoError(t, s.DeleteMetadata(ctx, sess.ID, "cursor"))
	_, err = s.GetMetadata(ctx, sess.ID, "cursor")
	assert.ErrorIs(t, err, herrors.ErrNotFound)

	assert.ErrorIs(t, s.SetMetadata(ctx, "missing", "k", "v"), herrors.ErrNotFound)
	assert.ErrorIs(t, s.SetMetadata(ctx, sess.ID, "", "v"), herrors.ErrValidation)
}

func TestDeleteMetadata_TouchesSession(t *testing.T) {
	now := time.Now()
	s := newTestStore(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	sess := newTestSession(t, s)
	require.NoError(t, s.SetMetadata(ctx, sess.ID, "cursor", "t3_abc"))

	now = now.Add(time.Minute)
	require.NoError(t, s.DeleteMetadata(ctx, sess.ID, "cursor"))
	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, now.UnixMilli(), got.UpdatedAt)

	later := now.Add(time.Minute)
	now = later
	require.NoError(t, s.DeleteMetadata(ctx, sess.ID, "cursor"), "missing key is a no-op")
	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Less(t, got.UpdatedAt, later.UnixMilli())
}

func TestPruneSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old, _, err := s.OpenOrCreateSession(ctx, "fp", testTarget)
	require.NoError(t, err)
	_, _, err = s.RecordItem(ctx, old.ID, "p1", []byte(`{}`))
	require.NoError(t, err)
	_, err = s.EnqueueDownload(ctx, "p1", "http://example.com/a.jpg", "a.jpg")
	require.NoError(t, err)
	require.NoError(t, s.SetMetadata(ctx, old.ID, "k", "v"))
	require.NoError(t, s.UpdateSessionStatus(ctx, old.ID, SessionCompleted))

	active, _, err := s.OpenOrCreateSession(ctx, "fp", content.Target{Kind: content.TargetUser, Value: "u"})
	require.NoError(t, err)

	weekAgo := time.Now().Add(-7 * 24 * time.Hour).UnixMilli()
	_, err = s.db.Exec("UPDATE sessions SET updated_at = ?", weekAgo)
	require.NoError(t, err)

	n, err := s.PruneSessions(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetSession(ctx, old.ID)
	assert.ErrorIs(t, err, herrors.ErrNotFound)
	_, err = s.GetSession(ctx, active.ID)
	assert.NoError(t, err)

	for _, table := range []string{"posts", "downloads", "metadata"} {
		var count int
		require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&count))
		assert.Zero(t, count, "%s should cascade", table)
	}

	size, err := s.DBSizeBytes(ctx)
	require.NoError(t, err)
	assert.Positive(t, size)
}

func TestRepairSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	_, _, err := s.RecordItem(ctx, sess.ID, "p1", []byte(`{}`))
	require.NoError(t, err)

	_, err = s.db.Exec("UPDATE sessions SET total_posts = 42 WHERE id = ?", sess.ID)
	require.NoError(t, err)

	report, err := s.RepairSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, report.CountersDrifted)
	assert.Equal(t, 42, report.Before.TotalPosts)
	assert.Equal(t, 1, report.After.TotalPosts)
	assertCountersConsistent(t, s, sess.ID)

	report, err = s.RepairSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, report.CountersDrifted)
}

func TestCountersConsistent_MixedWorkload(t *testing.T) {
	s := newTestStore(t, WithDownloadAttempts(2))
	ctx := context.Background()
	sess := newTestSession(t, s)

	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("p%d", i)
		_, _, err := s.RecordItem(ctx, sess.ID, id, []byte(`{}`))
		require.NoError(t, err)
		assertCountersConsistent(t, s, sess.ID)
		_, err = s.EnqueueDownload(ctx, id, "http://example.com/"+id, id+".bin")
		require.NoError(t, err)
		assertCountersConsistent(t, s, sess.ID)
	}
	require.NoError(t, s.TransitionItem(ctx, "p0", ItemSkipped, ""))
	require.NoError(t, s.TransitionItem(ctx, "p1", ItemFailed, "boom"))
	require.NoError(t, s.MarkItemProcessed(ctx, "p2", "image", nil))
	assertCountersConsistent(t, s, sess.ID)

	for {
		claimed, err := s.ClaimNextDownloads(ctx, 2)
		require.NoError(t, err)
		if len(claimed) == 0 {
			break
		}
		for _, d := range claimed {
			if d.ID%2 == 0 {
				require.NoError(t, s.CompleteDownload(ctx, d.ID, "/out/"+d.Filename, 10, "sum"))
			} else {
				_, err := s.FailDownload(ctx, d.ID, "nope", time.Time{})
				require.NoError(t, err)
			}
			assertCountersConsistent(t, s, sess.ID)
		}
	}

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, got.TotalDownloads)
	assert.Equal(t, 3, got.SuccessfulDownloads)
	assert.Equal(t, 3, got.FailedDownloads)
}
