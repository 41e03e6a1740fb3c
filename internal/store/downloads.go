package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	herrors "github.com/p-blackswan/harvester/internal/errors"
)

// DownloadStatus is the transfer state of a download.
type DownloadStatus string

const (
	DownloadPending     DownloadStatus = "pending"
	DownloadDownloading DownloadStatus = "downloading"
	DownloadCompleted   DownloadStatus = "completed"
	DownloadFailed      DownloadStatus = "failed"
)

// Terminal reports whether the download will not be claimed again.
func (s DownloadStatus) Terminal() bool {
	return s == DownloadCompleted || s == DownloadFailed
}

// Download is one retrievable asset of an item. Destination is relative to
// the output directory; LocalPath is where the completed file landed.
type Download struct {
	ID            int64          `json:"id"`
	ItemID        string         `json:"item_id"`
	SessionID     string         `json:"session_id"`
	URL           string         `json:"url"`
	Destination   string         `json:"destination"`
	Filename      string         `json:"filename"`
	LocalPath     string         `json:"local_path,omitempty"`
	FileSize      int64          `json:"file_size,omitempty"`
	Status        DownloadStatus `json:"status"`
	Attempts      int            `json:"attempts"`
	NextAttemptAt int64          `json:"next_attempt_at,omitempty"`
	StartedAt     int64          `json:"started_at,omitempty"`
	CompletedAt   int64          `json:"completed_at,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	Checksum      string         `json:"checksum,omitempty"`
	ClaimOwner    string         `json:"claim_owner,omitempty"`
	LeaseUntil    int64          `json:"lease_until,omitempty"` // unix ms
	CreatedAt     int64          `json:"created_at"`
}

// DownloadFilter narrows ListDownloads.
type DownloadFilter struct {
	ItemID string
	Status DownloadStatus
	Limit  int
}

const downloadColumns = `id, post_id, session_id, url, destination, filename, local_path,
	file_size, status, attempts, next_attempt_at, started_at, completed_at,
	last_error, checksum, claim_owner, lease_until, created_at`

func scanDownload(row rowScanner) (*Download, error) {
	d := &Download{}
	var status string
	var localPath, lastError, checksum, owner sql.NullString
	var size, startedAt, completedAt, leaseUntil sql.NullInt64
	err := row.Scan(&d.ID, &d.ItemID, &d.SessionID, &d.URL, &d.Destination, &d.Filename, &localPath,
		&size, &status, &d.Attempts, &d.NextAttemptAt, &startedAt, &completedAt,
		&lastError, &checksum, &owner, &leaseUntil, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	d.Status = DownloadStatus(status)
	d.LocalPath = localPath.String
	d.FileSize = size.Int64
	d.StartedAt = startedAt.Int64
	d.CompletedAt = completedAt.Int64
	d.LastError = lastError.String
	d.Checksum = checksum.String
	d.ClaimOwner = owner.String
	d.LeaseUntil = leaseUntil.Int64
	return d, nil
}

// EnqueueDownload records a pending download for an item. Enqueuing the same
// destination for the same item twice returns the existing row.
func (s *Store) EnqueueDownload(ctx context.Context, itemID, url, destination string) (*Download, error) {
	if strings.TrimSpace(url) == "" {
		return nil, herrors.NewValidationError("download", "url", "must not be empty")
	}
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return nil, herrors.NewValidationError("download", "destination", "must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var d *Download
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		it, err := s.getItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		now := s.nowMs()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO downloads (post_id, session_id, url, destination, filename, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)
			ON CONFLICT (post_id, destination) DO NOTHING`,
			itemID, it.SessionID, url, destination, path.Base(destination), now, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert download: %w", err)
		}
		d, err = scanDownload(tx.QueryRowContext(ctx,
			`SELECT `+downloadColumns+` FROM downloads WHERE post_id = ? AND destination = ?`,
			itemID, destination,
		))
		if err != nil {
			return fmt.Errorf("failed to load download: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ClaimNextDownloads atomically moves up to limit due pending downloads to
// downloading and returns them. The select and the update are one statement,
// so concurrent claimers never receive the same row. A downloading row whose
// lease lapsed was abandoned by its claimer and is claimable again.
func (s *Store) ClaimNextDownloads(ctx context.Context, limit int) ([]*Download, error) {
	return s.claim(ctx, "", limit)
}

// ClaimSessionDownloads is ClaimNextDownloads restricted to one session.
func (s *Store) ClaimSessionDownloads(ctx context.Context, sessionID string, limit int) ([]*Download, error) {
	return s.claim(ctx, sessionID, limit)
}

func (s *Store) claim(ctx context.Context, sessionID string, limit int) ([]*Download, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowMs()
	inner := `SELECT id FROM downloads
		WHERE ((status = 'pending' AND next_attempt_at <= ?)
		    OR (status = 'downloading' AND lease_until IS NOT NULL AND lease_until <= ?))`
	args := []any{now, now, s.owner, now + s.claimLease.Milliseconds(), now, now}
	if sessionID != "" {
		inner += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	inner += ` ORDER BY next_attempt_at, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		UPDATE downloads SET status = 'downloading', started_at = ?, updated_at = ?,
		       claim_owner = ?, lease_until = ?
		WHERE id IN (`+inner+`)
		RETURNING `+downloadColumns,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim downloads: %w", err)
	}
	defer rows.Close()

	var out []*Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed download: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to claim downloads: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CompleteDownload records a finished transfer. The download must be
// downloading; checksum and local path are required.
func (s *Store) CompleteDownload(ctx context.Context, id int64, localPath string, size int64, checksum string) error {
	if localPath == "" {
		return herrors.NewValidationError("download", "local_path", "must not be empty")
	}
	if checksum == "" {
		return herrors.NewValidationError("download", "checksum", "must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		d, err := s.getDownload(ctx, tx, id)
		if err != nil {
			return err
		}
		if d.Status != DownloadDownloading || !s.ownsClaim(d) {
			return herrors.NewInvalidTransition("download", fmt.Sprint(id), s.claimState(d), string(DownloadCompleted))
		}
		now := s.nowMs()
		_, err = tx.ExecContext(ctx, `
			UPDATE downloads SET status = 'completed', local_path = ?, file_size = ?, checksum = ?,
			       attempts = attempts + 1, completed_at = ?, last_error = NULL, updated_at = ?,
			       claim_owner = NULL, lease_until = NULL
			WHERE id = ? AND status = 'downloading'`,
			localPath, size, checksum, now, now, id,
		)
		if err != nil {
			return fmt.Errorf("failed to complete download: %w", err)
		}
		return nil
	})
}

// FailDownload records a failed attempt. While the attempt count stays below
// the retry ceiling the download returns to pending and becomes claimable at
// retryAt; otherwise it ends failed. It returns the resulting status.
func (s *Store) FailDownload(ctx context.Context, id int64, errMsg string, retryAt time.Time) (DownloadStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var status DownloadStatus
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		d, err := s.getDownload(ctx, tx, id)
		if err != nil {
			return err
		}
		if d.Status != DownloadDownloading || !s.ownsClaim(d) {
			return herrors.NewInvalidTransition("download", fmt.Sprint(id), s.claimState(d), string(DownloadFailed))
		}

		attempts := d.Attempts + 1
		now := s.nowMs()
		status = DownloadPending
		next := retryAt.UnixMilli()
		var completed sql.NullInt64
		if attempts >= s.maxDownloadAttempts {
			status = DownloadFailed
			next = 0
			completed = nullInt(now)
		}
		if next < 0 {
			next = 0
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE downloads SET status = ?, attempts = ?, last_error = ?, next_attempt_at = ?,
			       completed_at = ?, updated_at = ?, claim_owner = NULL, lease_until = NULL
			WHERE id = ? AND status = 'downloading'`,
			string(status), attempts, nullString(errMsg), next, completed, now, id,
		)
		if err != nil {
			return fmt.Errorf("failed to fail download: %w", err)
		}
		return nil
	})
	return status, err
}

// ReleaseDownload returns a download this Store claimed to pending without
// counting an attempt. Used when a transfer is abandoned at shutdown. A row
// that is not downloading, or whose claim passed to another owner, is left
// alone.
func (s *Store) ReleaseDownload(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE downloads SET status = 'pending', started_at = NULL, updated_at = ?,
		       claim_owner = NULL, lease_until = NULL
		WHERE id = ? AND status = 'downloading' AND (claim_owner IS NULL OR claim_owner = ?)`,
		s.nowMs(), id, s.owner,
	)
	if err != nil {
		return fmt.Errorf("failed to release download: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.getDownload(ctx, s.db, id); err != nil {
			return err
		}
	}
	return nil
}

// RenewLeases pushes back the lease of every download this Store holds in
// downloading. A claimer must renew more often than the lease length or its
// claims become claimable by others.
func (s *Store) RenewLeases(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowMs()
	res, err := s.db.ExecContext(ctx, `
		UPDATE downloads SET lease_until = ?
		WHERE status = 'downloading' AND claim_owner = ?`,
		now+s.claimLease.Milliseconds(), s.owner,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to renew leases: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DropPendingDownloads deletes the listed downloads that are still pending.
// Rows already claimed or settled are kept. It returns the number removed.
func (s *Store) DropPendingDownloads(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			res, err := tx.ExecContext(ctx,
				`DELETE FROM downloads WHERE id = ? AND status = 'pending'`, id)
			if err != nil {
				return fmt.Errorf("failed to drop download %d: %w", id, err)
			}
			n, _ := res.RowsAffected()
			dropped += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return dropped, nil
}

// ownsClaim reports whether d is held by this Store. Rows claimed before
// ownership was recorded belong to whoever settles them.
func (s *Store) ownsClaim(d *Download) bool {
	return d.ClaimOwner == "" || d.ClaimOwner == s.owner
}

func (s *Store) claimState(d *Download) string {
	if d.Status == DownloadDownloading && !s.ownsClaim(d) {
		return "claimed elsewhere"
	}
	return string(d.Status)
}

// GetDownload retrieves a download by ID.
func (s *Store) GetDownload(ctx context.Context, id int64) (*Download, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getDownload(ctx, s.db, id)
}

func (s *Store) getDownload(ctx context.Context, q querier, id int64) (*Download, error) {
	d, err := scanDownload(q.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, herrors.NewReferenceError("download", fmt.Sprint(id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get download: %w", err)
	}
	return d, nil
}

// ListDownloads returns a session's downloads ordered by id.
func (s *Store) ListDownloads(ctx context.Context, sessionID string, f DownloadFilter) ([]*Download, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + downloadColumns + ` FROM downloads WHERE session_id = ?`
	args := []any{sessionID}
	if f.ItemID != "" {
		query += " AND post_id = ?"
		args = append(args, f.ItemID)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	defer rows.Close()

	var out []*Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountUnsettledDownloads counts a session's pending and downloading rows.
func (s *Store) CountUnsettledDownloads(ctx context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM downloads WHERE session_id = ? AND status IN ('pending', 'downloading')`,
		sessionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsettled downloads: %w", err)
	}
	return n, nil
}

// NextDownloadDue returns the earliest next_attempt_at among a session's
// pending downloads, or zero when none are pending.
func (s *Store) NextDownloadDue(ctx context.Context, sessionID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(next_attempt_at) FROM downloads WHERE session_id = ? AND status = 'pending'`,
		sessionID,
	).Scan(&due)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query next due download: %w", err)
	}
	if !due.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(due.Int64), nil
}
