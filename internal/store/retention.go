package store

import (
	"context"
	"fmt"
	"time"
)

// PruneSessions deletes sessions that are no longer active and have not been
// touched for olderThan. Items, downloads and metadata go with them.
func (s *Store) PruneSessions(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE status <> 'active' AND updated_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info().Int64("sessions", n).Dur("older_than", olderThan).Msg("Pruned sessions")
	}
	return n, nil
}

// DBSizeBytes returns the current database size in bytes.
func (s *Store) DBSizeBytes(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("failed to read page count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("failed to read page size: %w", err)
	}
	return pageCount * pageSize, nil
}
