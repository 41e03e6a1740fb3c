// Package store is the durable state of every archival run: sessions,
// discovered items, downloads and per-session metadata, kept in SQLite.
//
// All mutations go through Store methods. Multi-row changes run inside a
// single transaction and session counters are recomputed by triggers, so the
// stored counters always equal a recount of the underlying rows.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// DefaultDownloadAttempts is the download retry ceiling when none is configured.
const DefaultDownloadAttempts = 3

// DefaultClaimLease is how long a claimed download stays reserved for its
// claimer without a renewal.
const DefaultClaimLease = 2 * time.Minute

// Store manages the SQLite database.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	mu     sync.RWMutex

	maxDownloadAttempts int
	claimLease          time.Duration
	now                 func() time.Time

	// owner tags the downloads this Store claims. Each Store gets its own,
	// so two processes sharing a database never mistake each other's claims.
	owner string
}

// Option configures a Store.
type Option func(*Store)

// WithDownloadAttempts sets the retry ceiling applied by FailDownload.
func WithDownloadAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxDownloadAttempts = n
		}
	}
}

// WithClaimLease sets how long a claim survives without RenewLeases.
func WithClaimLease(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.claimLease = d
		}
	}
}

// WithClock overrides the wall clock used for timestamps written from Go.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New opens (or creates) the SQLite database and runs migrations.
func New(dbPath string, logger zerolog.Logger, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(dbPath); dbPath != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:                  db,
		logger:              logger.With().Str("component", "store").Logger(),
		maxDownloadAttempts: DefaultDownloadAttempts,
		claimLease:          DefaultClaimLease,
		now:                 time.Now,
		owner:               uuid.NewString(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	s.logger.Info().Str("path", dbPath).Str("owner", s.owner).Msg("Store initialized successfully")
	return s, nil
}

// dsn applies the connection pragmas to every pooled connection, not just
// the first one.
func dsn(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path == ":memory:" {
		return "file::memory:?" + pragmas
	}
	return "file:" + path + "?" + pragmas + "&_pragma=journal_mode(WAL)"
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.PingContext(ctx)
}

// DB returns the underlying database connection (for testing).
func (s *Store) DB() *sql.DB {
	return s.db
}

// MaxDownloadAttempts returns the configured download retry ceiling.
func (s *Store) MaxDownloadAttempts() int {
	return s.maxDownloadAttempts
}

// ClaimLease returns how long a claim survives without renewal.
func (s *Store) ClaimLease() time.Duration {
	return s.claimLease
}

func (s *Store) nowMs() int64 {
	return s.now().UnixMilli()
}

// withTx runs fn inside a transaction, rolling back on any error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
