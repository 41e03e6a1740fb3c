package store

import (
	"context"
	"database/sql"
	"fmt"
)

// RequeueStaleDownloads returns a session's abandoned claims to pending: rows
// left in downloading by this Store, by a claimer that recorded no owner, or
// by one whose lease lapsed. Claims another live process keeps renewing are
// untouched. Call it when a run starts, before this Store's scheduler claims
// work for the session.
func (s *Store) RequeueStaleDownloads(ctx context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowMs()
	res, err := s.db.ExecContext(ctx, `
		UPDATE downloads SET status = 'pending', started_at = NULL, updated_at = ?,
		       claim_owner = NULL, lease_until = NULL
		WHERE session_id = ? AND status = 'downloading'
		  AND (claim_owner IS NULL OR claim_owner = ? OR lease_until IS NULL OR lease_until <= ?)`,
		now, sessionID, s.owner, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale downloads: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Warn().Str("session_id", sessionID).Int64("count", n).Msg("Requeued downloads left in downloading")
	}
	return n, nil
}

// RepairReport describes what RepairSession found and fixed.
type RepairReport struct {
	SessionID       string   `json:"session_id"`
	Before          Counters `json:"before"`
	After           Counters `json:"after"`
	CountersDrifted bool     `json:"counters_drifted"`
	OrphanDownloads int      `json:"orphan_downloads"`
	ChecksumMissing int      `json:"checksum_missing"`
}

// RepairSession recomputes a session's stored counters from its rows and
// reports inconsistencies: downloads whose session differs from their
// item's session (fixed by reassigning them) and completed downloads
// without a checksum.
func (s *Store) RepairSession(ctx context.Context, id string) (*RepairReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &RepairReport{SessionID: id}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sess, err := s.getSession(ctx, tx, id)
		if err != nil {
			return err
		}
		report.Before = sess.Counters

		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM downloads d JOIN posts p ON p.id = d.post_id
			WHERE p.session_id = ? AND d.session_id <> p.session_id`, id,
		).Scan(&report.OrphanDownloads); err != nil {
			return fmt.Errorf("failed to count orphan downloads: %w", err)
		}
		if report.OrphanDownloads > 0 {
			if _, err := tx.ExecContext(ctx, `
				UPDATE downloads SET session_id = ?
				WHERE post_id IN (SELECT id FROM posts WHERE session_id = ?) AND session_id <> ?`,
				id, id, id,
			); err != nil {
				return fmt.Errorf("failed to reassign orphan downloads: %w", err)
			}
		}

		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM downloads
			WHERE session_id = ? AND status = 'completed' AND (checksum IS NULL OR checksum = '')`, id,
		).Scan(&report.ChecksumMissing); err != nil {
			return fmt.Errorf("failed to count missing checksums: %w", err)
		}

		snap, err := recount(ctx, tx, id)
		if err != nil {
			return err
		}
		report.After = snap.Counters
		report.CountersDrifted = report.Before != report.After

		_, err = tx.ExecContext(ctx, `
			UPDATE sessions SET total_posts = ?, processed_posts = ?, skipped_posts = ?, failed_posts = ?,
			       total_downloads = ?, successful_downloads = ?, failed_downloads = ?, updated_at = ?
			WHERE id = ?`,
			snap.TotalPosts, snap.ProcessedPosts, snap.SkippedPosts, snap.FailedPosts,
			snap.TotalDownloads, snap.SuccessfulDownloads, snap.FailedDownloads, s.nowMs(), id,
		)
		if err != nil {
			return fmt.Errorf("failed to rewrite counters: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if report.CountersDrifted || report.OrphanDownloads > 0 {
		s.logger.Warn().Str("session_id", id).
			Bool("counters_drifted", report.CountersDrifted).
			Int("orphan_downloads", report.OrphanDownloads).
			Msg("Session repaired")
	}
	return report, nil
}
