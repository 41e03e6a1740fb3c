package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/harvester/internal/content"
	herrors "github.com/p-blackswan/harvester/internal/errors"
)

func seedDownloads(t *testing.T, s *Store, sessionID string, n int) []int64 {
	t.Helper()
	ctx := context.Background()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		itemID := fmt.Sprintf("%s-item-%d", sessionID[:6], i)
		_, _, err := s.RecordItem(ctx, sessionID, itemID, []byte(`{}`))
		require.NoError(t, err)
		d, err := s.EnqueueDownload(ctx, itemID, "http://example.com/"+itemID, itemID+".jpg")
		require.NoError(t, err)
		ids = append(ids, d.ID)
	}
	return ids
}

func TestEnqueueDownload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	_, _, err := s.RecordItem(ctx, sess.ID, "p1", []byte(`{}`))
	require.NoError(t, err)

	d, err := s.EnqueueDownload(ctx, "p1", "http://example.com/a.jpg", "golang/p1.jpg")
	require.NoError(t, err)
	assert.Positive(t, d.ID)
	assert.Equal(t, DownloadPending, d.Status)
	assert.Equal(t, sess.ID, d.SessionID)
	assert.Equal(t, "p1.jpg", d.Filename)

	again, err := s.EnqueueDownload(ctx, "p1", "http://example.com/a.jpg", "golang/p1.jpg")
	require.NoError(t, err)
	assert.Equal(t, d.ID, again.ID, "same destination must not enqueue twice")

	second, err := s.EnqueueDownload(ctx, "p1", "http://example.com/b.jpg", "golang/p1_2.jpg")
	require.NoError(t, err)
	assert.Greater(t, second.ID, d.ID)

	_, err = s.EnqueueDownload(ctx, "missing", "http://example.com/a.jpg", "x.jpg")
	assert.ErrorIs(t, err, herrors.ErrNotFound)
	_, err = s.EnqueueDownload(ctx, "p1", "", "x.jpg")
	assert.ErrorIs(t, err, herrors.ErrValidation)
	_, err = s.EnqueueDownload(ctx, "p1", "http://example.com/a.jpg", " ")
	assert.ErrorIs(t, err, herrors.ErrValidation)

	assertCountersConsistent(t, s, sess.ID)
}

func TestClaimNextDownloads_ConcurrentNoDuplicates(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)
	pending := seedDownloads(t, s, sess.ID, 60)

	const claimers = 8
	var (
		mu      sync.Mutex
		claimed []int64
		wg      sync.WaitGroup
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := s.ClaimNextDownloads(context.Background(), 3)
				if !assert.NoError(t, err) || len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, d := range batch {
					assert.Equal(t, DownloadDownloading, d.Status)
					assert.NotZero(t, d.StartedAt)
					claimed = append(claimed, d.ID)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	seen := map[int64]bool{}
	for _, id := range claimed {
		assert.False(t, seen[id], "download %d claimed twice", id)
		seen[id] = true
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i] < claimed[j] })
	assert.Equal(t, pending, claimed, "drained claims must equal the pending set")
	assertCountersConsistent(t, s, sess.ID)
}

func TestClaimSessionDownloads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newTestSession(t, s)
	b, _, err := s.OpenOrCreateSession(ctx, "fp-1", content.Target{Kind: content.TargetUser, Value: "gopher"})
	require.NoError(t, err)
	seedDownloads(t, s, a.ID, 2)
	seedDownloads(t, s, b.ID, 2)

	got, err := s.ClaimSessionDownloads(ctx, b.ID, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, d := range got {
		assert.Equal(t, b.ID, d.SessionID)
	}

	none, err := s.ClaimNextDownloads(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCompleteDownload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)
	ids := seedDownloads(t, s, sess.ID, 1)

	err := s.CompleteDownload(ctx, ids[0], "/out/a.jpg", 10, "abc")
	assert.ErrorIs(t, err, herrors.ErrInvalidTransition, "pending rows cannot complete")

	_, err = s.ClaimNextDownloads(ctx, 1)
	require.NoError(t, err)

	assert.ErrorIs(t, s.CompleteDownload(ctx, ids[0], "/out/a.jpg", 10, ""), herrors.ErrValidation)
	assert.ErrorIs(t, s.CompleteDownload(ctx, ids[0], "", 10, "abc"), herrors.ErrValidation)

	require.NoError(t, s.CompleteDownload(ctx, ids[0], "/out/a.jpg", 10, "abc"))
	d, err := s.GetDownload(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, DownloadCompleted, d.Status)
	assert.Equal(t, "abc", d.Checksum)
	assert.Equal(t, "/out/a.jpg", d.LocalPath)
	assert.Equal(t, int64(10), d.FileSize)
	assert.NotZero(t, d.CompletedAt)

	assert.ErrorIs(t, s.CompleteDownload(ctx, ids[0], "/out/a.jpg", 10, "other"), herrors.ErrInvalidTransition)
	assert.ErrorIs(t, s.CompleteDownload(ctx, 9999, "/out/a.jpg", 10, "abc"), herrors.ErrNotFound)

	snap, err := s.SessionSnapshot(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), snap.BytesDownloaded)
	assert.Equal(t, 1, snap.SuccessfulDownloads)
}

func TestDownloadInvariants_EnforcedBySchema(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)
	ids := seedDownloads(t, s, sess.ID, 2)

	_, err := s.db.Exec(`UPDATE downloads SET status = 'completed' WHERE id = ?`, ids[0])
	assert.Error(t, err, "completed without checksum must be rejected")

	_, err = s.ClaimNextDownloads(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, s.CompleteDownload(ctx, ids[0], "/out/a.jpg", 1, "abc"))
	_, err = s.db.Exec(`UPDATE downloads SET checksum = 'tampered' WHERE id = ?`, ids[0])
	assert.ErrorContains(t, err, "checksum is immutable")

	d, err := s.GetDownload(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "abc", d.Checksum)
}

func TestFailDownload_RetryCeiling(t *testing.T) {
	s := newTestStore(t, WithDownloadAttempts(3))
	ctx := context.Background()
	sess := newTestSession(t, s)
	ids := seedDownloads(t, s, sess.ID, 1)

	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := s.ClaimNextDownloads(ctx, 5)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d", attempt)

		status, err := s.FailDownload(ctx, ids[0], "connection reset", time.Now().Add(-time.Second))
		require.NoError(t, err)
		if attempt < 3 {
			assert.Equal(t, DownloadPending, status)
		} else {
			assert.Equal(t, DownloadFailed, status)
		}
		assertCountersConsistent(t, s, sess.ID)
	}

	claimed, err := s.ClaimNextDownloads(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, claimed, "failed downloads are never claimed again")

	d, err := s.GetDownload(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, DownloadFailed, d.Status)
	assert.Equal(t, 3, d.Attempts)
	assert.Equal(t, "connection reset", d.LastError)

	_, err = s.FailDownload(ctx, ids[0], "again", time.Now())
	assert.ErrorIs(t, err, herrors.ErrInvalidTransition)
}

func TestFailDownload_BackoffDelaysClaim(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	s := newTestStore(t, WithClock(clock))
	ctx := context.Background()
	sess := newTestSession(t, s)
	ids := seedDownloads(t, s, sess.ID, 1)

	_, err := s.ClaimNextDownloads(ctx, 1)
	require.NoError(t, err)
	_, err = s.FailDownload(ctx, ids[0], "503", now.Add(time.Minute))
	require.NoError(t, err)

	claimed, err := s.ClaimNextDownloads(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, claimed, "not due yet")

	due, err := s.NextDownloadDue(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute).UnixMilli(), due.UnixMilli())

	now = now.Add(2 * time.Minute)
	claimed, err = s.ClaimNextDownloads(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestRequeueStaleDownloads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)
	seedDownloads(t, s, sess.ID, 3)

	claimed, err := s.ClaimNextDownloads(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	n, err := s.RequeueStaleDownloads(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	unsettled, err := s.CountUnsettledDownloads(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, unsettled)

	inFlight, err := s.ListDownloads(ctx, sess.ID, DownloadFilter{Status: DownloadDownloading})
	require.NoError(t, err)
	assert.Empty(t, inFlight)

	claimed, err = s.ClaimNextDownloads(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 3)
	for _, d := range claimed {
		assert.Zero(t, d.Attempts, "requeue does not count an attempt")
	}
}

// openShared opens n stores on one database file, as separate processes would.
func openShared(t *testing.T, opts ...[]Option) []*Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	stores := make([]*Store, 0, len(opts))
	for _, o := range opts {
		s, err := New(dbPath, zerolog.Nop(), o...)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		stores = append(stores, s)
	}
	return stores
}

func TestRequeueStaleDownloads_LeavesOtherStoresLiveClaims(t *testing.T) {
	stores := openShared(t, nil, nil)
	a, b := stores[0], stores[1]
	ctx := context.Background()
	sess := newTestSession(t, a)
	ids := seedDownloads(t, a, sess.ID, 1)

	claimed, err := a.ClaimNextDownloads(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.NotEmpty(t, claimed[0].ClaimOwner)
	assert.Greater(t, claimed[0].LeaseUntil, claimed[0].StartedAt)

	n, err := b.RequeueStaleDownloads(ctx, sess.ID)
	require.NoError(t, err)
	assert.Zero(t, n, "a live claim of another store is not stale")

	again, err := a.ClaimNextDownloads(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, again)
	stolen, err := b.ClaimNextDownloads(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, stolen)

	renewed, err := a.RenewLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), renewed)
	renewed, err = b.RenewLeases(ctx)
	require.NoError(t, err)
	assert.Zero(t, renewed)

	require.NoError(t, a.CompleteDownload(ctx, ids[0], "/out/a.jpg", 1, "abc"))
	d, err := a.GetDownload(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, DownloadCompleted, d.Status)
	assert.Empty(t, d.ClaimOwner)
	assert.Zero(t, d.LeaseUntil)
}

func TestClaim_LapsedLeaseIsReclaimed(t *testing.T) {
	later := time.Now().Add(time.Hour)
	stores := openShared(t,
		[]Option{WithClaimLease(time.Minute)},
		[]Option{WithClock(func() time.Time { return later })},
	)
	a, b := stores[0], stores[1]
	ctx := context.Background()
	sess := newTestSession(t, a)
	ids := seedDownloads(t, a, sess.ID, 1)

	_, err := a.ClaimNextDownloads(ctx, 1)
	require.NoError(t, err)

	// a stopped renewing an hour ago; its claim is abandoned
	taken, err := b.ClaimSessionDownloads(ctx, sess.ID, 1)
	require.NoError(t, err)
	require.Len(t, taken, 1)
	assert.Equal(t, ids[0], taken[0].ID)

	err = a.CompleteDownload(ctx, ids[0], "/out/a.jpg", 1, "abc")
	assert.ErrorIs(t, err, herrors.ErrInvalidTransition, "a lapsed claimer may not settle the row")
	_, err = a.FailDownload(ctx, ids[0], "boom", time.Now())
	assert.ErrorIs(t, err, herrors.ErrInvalidTransition)
	require.NoError(t, a.ReleaseDownload(ctx, ids[0]))

	d, err := b.GetDownload(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, DownloadDownloading, d.Status, "release by the old claimer is a no-op")
	require.NoError(t, b.CompleteDownload(ctx, ids[0], "/out/a.jpg", 1, "abc"))
}

func TestRequeueStaleDownloads_LapsedLease(t *testing.T) {
	later := time.Now().Add(time.Hour)
	stores := openShared(t, nil, []Option{WithClock(func() time.Time { return later })})
	a, b := stores[0], stores[1]
	ctx := context.Background()
	sess := newTestSession(t, a)
	seedDownloads(t, a, sess.ID, 2)

	_, err := a.ClaimNextDownloads(ctx, 2)
	require.NoError(t, err)

	n, err := b.RequeueStaleDownloads(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assertCountersConsistent(t, b, sess.ID)
}

func TestRequeueStaleDownloads_ScopedToSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first := newTestSession(t, s)
	second, _, err := s.OpenOrCreateSession(ctx, "fp-2", content.Target{Kind: content.TargetUser, Value: "bob"})
	require.NoError(t, err)
	seedDownloads(t, s, first.ID, 1)
	seedDownloads(t, s, second.ID, 1)

	claimed, err := s.ClaimNextDownloads(ctx, 5)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	n, err := s.RequeueStaleDownloads(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	inFlight, err := s.ListDownloads(ctx, second.ID, DownloadFilter{Status: DownloadDownloading})
	require.NoError(t, err)
	assert.Len(t, inFlight, 1, "other sessions' claims are untouched")
}

func TestReleaseDownload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)
	ids := seedDownloads(t, s, sess.ID, 1)

	_, err := s.ClaimNextDownloads(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, s.ReleaseDownload(ctx, ids[0]))

	d, err := s.GetDownload(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, DownloadPending, d.Status)
	assert.Zero(t, d.StartedAt)

	assert.ErrorIs(t, s.ReleaseDownload(ctx, 4242), herrors.ErrNotFound)
}

func TestDropPendingDownloads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)
	ids := seedDownloads(t, s, sess.ID, 3)

	claimed, err := s.ClaimNextDownloads(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	n, err := s.DropPendingDownloads(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ds, err := s.ListDownloads(ctx, sess.ID, DownloadFilter{})
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, claimed[0].ID, ds[0].ID)
	assert.Equal(t, DownloadDownloading, ds[0].Status)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalDownloads)

	n, err = s.DropPendingDownloads(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListDownloads_ByItem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)
	seedDownloads(t, s, sess.ID, 3)

	itemID := sess.ID[:6] + "-item-1"
	got, err := s.ListDownloads(ctx, sess.ID, DownloadFilter{ItemID: itemID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, itemID, got[0].ItemID)

	limited, err := s.ListDownloads(ctx, sess.ID, DownloadFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
