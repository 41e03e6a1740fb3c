package exporters

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/p-blackswan/harvester/internal/plugin"
)

// SQLite writes a standalone archive database. Re-exporting a session
// replaces its rows.
type SQLite struct {
	cfg    FileConfig
	logger zerolog.Logger
}

func (e *SQLite) Format() string { return "sqlite" }

const archiveSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	target_kind TEXT NOT NULL,
	target      TEXT NOT NULL,
	status      TEXT NOT NULL,
	counters    TEXT NOT NULL DEFAULT '{}',
	exported_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS posts (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	content_type TEXT NOT NULL,
	title        TEXT,
	author       TEXT,
	community    TEXT,
	url          TEXT,
	permalink    TEXT,
	score        INTEGER,
	num_comments INTEGER,
	nsfw         INTEGER NOT NULL DEFAULT 0,
	created_utc  INTEGER,
	handler      TEXT,
	result       TEXT,
	payload      TEXT
);
CREATE INDEX IF NOT EXISTS idx_posts_session ON posts(session_id);
CREATE INDEX IF NOT EXISTS idx_posts_community ON posts(community);
CREATE TABLE IF NOT EXISTS downloads (
	id         INTEGER NOT NULL,
	post_id    TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
	url        TEXT NOT NULL,
	status     TEXT NOT NULL,
	local_path TEXT,
	size       INTEGER,
	checksum   TEXT,
	error      TEXT,
	PRIMARY KEY (post_id, id)
);
`

func (e *SQLite) Export(ctx context.Context, batch *plugin.ExportBatch) error {
	full, err := e.cfg.destination(batch, ".db")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create export dir: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+full+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("failed to open archive db: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, archiveSchema); err != nil {
		return fmt.Errorf("failed to create archive schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	s := batch.Session
	counters, err := json.Marshal(s.Counters)
	if err != nil {
		return fmt.Errorf("encode counters: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, s.ID); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, target_kind, target, status, counters, exported_at) VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, string(s.Target.Kind), s.Target.Value, s.Status, string(counters), time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	postStmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO posts
		(id, session_id, content_type, title, author, community, url, permalink, score, num_comments, nsfw, created_utc, handler, result, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare post insert: %w", err)
	}
	defer postStmt.Close()
	dlStmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO downloads
		(id, post_id, url, status, local_path, size, checksum, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare download insert: %w", err)
	}
	defer dlStmt.Close()

	for _, rec := range batch.Records {
		if err := insertRecord(ctx, postStmt, dlStmt, s.ID, rec); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive: %w", err)
	}
	e.logger.Debug().Str("path", full).Int("records", len(batch.Records)).Msg("Archive database written")
	return nil
}

func insertRecord(ctx context.Context, postStmt, dlStmt *sql.Stmt, sessionID string, rec plugin.Record) error {
	var (
		title, author, community, url, permalink, handler sql.NullString
		score, comments, created                          sql.NullInt64
		nsfw                                              int
		result, payload                                   sql.NullString
	)
	if p := rec.Post; p != nil {
		title = nullString(p.Title)
		author = nullString(p.Author)
		community = nullString(p.Community)
		url = nullString(p.URL)
		permalink = nullString(p.Permalink)
		score = sql.NullInt64{Int64: int64(p.Score), Valid: true}
		comments = sql.NullInt64{Int64: int64(p.NumComments), Valid: true}
		if p.NSFW() {
			nsfw = 1
		}
		if t := p.Created(); !t.IsZero() {
			created = sql.NullInt64{Int64: t.Unix(), Valid: true}
		}
		var raw any = p
		if p.Raw != nil {
			raw = p.Raw
		}
		if b, err := json.Marshal(raw); err == nil {
			payload = nullString(string(b))
		}
	}
	if rec.Result != nil {
		handler = nullString(rec.Result.Handler)
		if b, err := json.Marshal(rec.Result); err == nil {
			result = nullString(string(b))
		}
	}
	if _, err := postStmt.ExecContext(ctx, rec.ItemID, sessionID, rec.ContentType, title, author, community,
		url, permalink, score, comments, nsfw, created, handler, result, payload); err != nil {
		return fmt.Errorf("failed to insert post %s: %w", rec.ItemID, err)
	}
	for _, d := range rec.Downloads {
		if _, err := dlStmt.ExecContext(ctx, d.ID, rec.ItemID, d.URL, d.Status,
			nullString(d.LocalPath), d.Size, nullString(d.Checksum), nullString(d.Error)); err != nil {
			return fmt.Errorf("failed to insert download %d: %w", d.ID, err)
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
