package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/p-blackswan/harvester/internal/content"
	herrors "github.com/p-blackswan/harvester/internal/errors"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionPaused    SessionStatus = "paused"
)

// Counters are the derived per-session totals.
type Counters struct {
	TotalPosts          int `json:"total_posts"`
	ProcessedPosts      int `json:"processed_posts"`
	SkippedPosts        int `json:"skipped_posts"`
	FailedPosts         int `json:"failed_posts"`
	TotalDownloads      int `json:"total_downloads"`
	SuccessfulDownloads int `json:"successful_downloads"`
	FailedDownloads     int `json:"failed_downloads"`
}

// Session is one archival run against one target.
type Session struct {
	ID                string         `json:"id"`
	ConfigFingerprint string         `json:"config_fingerprint"`
	Target            content.Target `json:"target"`
	Status            SessionStatus  `json:"status"`
	Counters
	CreatedAt int64 `json:"created_at"` // unix ms
	UpdatedAt int64 `json:"updated_at"` // unix ms
	StartedAt int64 `json:"started_at"` // unix ms, 0 = unknown
	EndedAt   int64 `json:"ended_at"`   // unix ms, 0 = still open
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	Status SessionStatus
	Kind   content.TargetKind
	Limit  int
}

// SessionID derives the stable identifier of a (fingerprint, target) pair.
func SessionID(fingerprint string, target content.Target) string {
	sum := sha256.Sum256([]byte(fingerprint + "\x00" + string(target.Kind) + "\x00" + target.Value))
	return hex.EncodeToString(sum[:])[:32]
}

const sessionColumns = `id, config_fingerprint, target_kind, target_value, status,
	total_posts, processed_posts, skipped_posts, failed_posts,
	total_downloads, successful_downloads, failed_downloads,
	created_at, updated_at, started_at, ended_at`

func scanSession(row rowScanner) (*Session, error) {
	sess := &Session{}
	var kind, status string
	var startedAt, endedAt sql.NullInt64
	err := row.Scan(
		&sess.ID, &sess.ConfigFingerprint, &kind, &sess.Target.Value, &status,
		&sess.TotalPosts, &sess.ProcessedPosts, &sess.SkippedPosts, &sess.FailedPosts,
		&sess.TotalDownloads, &sess.SuccessfulDownloads, &sess.FailedDownloads,
		&sess.CreatedAt, &sess.UpdatedAt, &startedAt, &endedAt,
	)
	if err != nil {
		return nil, err
	}
	sess.Target.Kind = content.TargetKind(kind)
	sess.Status = SessionStatus(status)
	sess.StartedAt = startedAt.Int64
	sess.EndedAt = endedAt.Int64
	return sess, nil
}

// OpenOrCreateSession returns the session for (fingerprint, target), creating
// it with status active when it does not exist yet. The boolean reports
// whether a new row was inserted.
func (s *Store) OpenOrCreateSession(ctx context.Context, fingerprint string, target content.Target) (*Session, bool, error) {
	if strings.TrimSpace(fingerprint) == "" {
		return nil, false, herrors.NewValidationError("session", "fingerprint", "must not be empty")
	}
	if err := target.Validate(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var sess *Session
	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.nowMs()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, config_fingerprint, target_kind, target_value, status, created_at, updated_at, started_at)
			VALUES (?, ?, ?, ?, 'active', ?, ?, ?)
			ON CONFLICT (config_fingerprint, target_kind, target_value) DO NOTHING`,
			SessionID(fingerprint, target), fingerprint, string(target.Kind), target.Value, now, now, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		n, _ := res.RowsAffected()
		created = n == 1

		sess, err = scanSession(tx.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM sessions
			 WHERE config_fingerprint = ? AND target_kind = ? AND target_value = ?`,
			fingerprint, string(target.Kind), target.Value,
		))
		if err != nil {
			return fmt.Errorf("failed to load session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	s.logger.Debug().Str("session_id", sess.ID).Bool("created", created).Msg("Session opened")
	return sess, created, nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSession(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getSession(ctx context.Context, q querier, id string) (*Session, error) {
	sess, err := scanSession(q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, herrors.NewReferenceError("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context, f SessionFilter) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.Kind != "" {
		query += " AND target_kind = ?"
		args = append(args, string(f.Kind))
	}
	query += " ORDER BY updated_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionActive:    {SessionCompleted, SessionFailed, SessionPaused},
	SessionPaused:    {SessionActive},
	SessionCompleted: {SessionActive},
	SessionFailed:    {SessionActive},
}

func sessionTransitionAllowed(from, to SessionStatus) bool {
	for _, s := range sessionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// UpdateSessionStatus moves a session along its lifecycle. Setting the
// current status again is a no-op. Leaving active stamps ended_at, and
// re-activating clears it.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, to SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		sess, err := s.getSession(ctx, tx, id)
		if err != nil {
			return err
		}
		if sess.Status == to {
			return nil
		}
		if !sessionTransitionAllowed(sess.Status, to) {
			return herrors.NewInvalidTransition("session", id, string(sess.Status), string(to))
		}

		now := s.nowMs()
		var ended sql.NullInt64
		if to != SessionActive {
			ended = nullInt(now)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, ended_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(to), ended, now, id, string(sess.Status),
		)
		if err != nil {
			return fmt.Errorf("failed to update session status: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return herrors.NewInvalidTransition("session", id, string(sess.Status), string(to))
		}
		return nil
	})
}

// Snapshot is a session's counters recomputed from the underlying rows.
type Snapshot struct {
	Counters
	PendingPosts      int   `json:"pending_posts"`
	PendingDownloads  int   `json:"pending_downloads"`
	InFlightDownloads int   `json:"in_flight_downloads"`
	BytesDownloaded   int64 `json:"bytes_downloaded"`
}

// SessionSnapshot recounts a session's items and downloads. It never reads
// the materialized counters.
func (s *Store) SessionSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap *Snapshot
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getSession(ctx, tx, id); err != nil {
			return err
		}
		var err error
		snap, err = recount(ctx, tx, id)
		return err
	})
	return snap, err
}

func recount(ctx context.Context, q querier, id string) (*Snapshot, error) {
	snap := &Snapshot{}
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(status = 'pending'), 0),
		       COALESCE(SUM(status = 'processed'), 0),
		       COALESCE(SUM(status = 'skipped'), 0),
		       COALESCE(SUM(status = 'failed'), 0)
		FROM posts WHERE session_id = ?`, id,
	).Scan(&snap.TotalPosts, &snap.PendingPosts, &snap.ProcessedPosts, &snap.SkippedPosts, &snap.FailedPosts)
	if err != nil {
		return nil, fmt.Errorf("failed to count posts: %w", err)
	}

	err = q.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(status = 'pending'), 0),
		       COALESCE(SUM(status = 'downloading'), 0),
		       COALESCE(SUM(status = 'completed'), 0),
		       COALESCE(SUM(status = 'failed'), 0),
		       COALESCE(SUM(CASE WHEN status = 'completed' THEN file_size ELSE 0 END), 0)
		FROM downloads WHERE session_id = ?`, id,
	).Scan(&snap.TotalDownloads, &snap.PendingDownloads, &snap.InFlightDownloads,
		&snap.SuccessfulDownloads, &snap.FailedDownloads, &snap.BytesDownloaded)
	if err != nil {
		return nil, fmt.Errorf("failed to count downloads: %w", err)
	}
	return snap, nil
}

// ResumeState summarises what is left to do in a session.
type ResumeState struct {
	Session            *Session  `json:"session"`
	Snapshot           *Snapshot `json:"snapshot"`
	PendingItems       int       `json:"pending_items"`
	RetryableDownloads int       `json:"retryable_downloads"`
	CanResume          bool      `json:"can_resume"`
}

// ResumeState reports pending work for a session. Downloads left in
// downloading count as retryable since startup recovery requeues them.
func (s *Store) ResumeState(ctx context.Context, id string) (*ResumeState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rs *ResumeState
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sess, err := s.getSession(ctx, tx, id)
		if err != nil {
			return err
		}
		snap, err := recount(ctx, tx, id)
		if err != nil {
			return err
		}
		rs = &ResumeState{
			Session:            sess,
			Snapshot:           snap,
			PendingItems:       snap.PendingPosts,
			RetryableDownloads: snap.PendingDownloads + snap.InFlightDownloads,
		}
		rs.CanResume = sess.Status != SessionCompleted || rs.PendingItems > 0 || rs.RetryableDownloads > 0
		return nil
	})
	return rs, err
}
