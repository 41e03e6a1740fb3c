package store

import (
	"fmt"
	"strings"
)

// nowMsSQL is the current unix time in milliseconds, evaluated by SQLite.
const nowMsSQL = `CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)`

func (s *Store) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	if err := s.migrateV2(); err != nil {
		return err
	}
	return s.migrateV3()
}

func (s *Store) schemaVersion() string {
	var version string
	if err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version); err != nil {
		return ""
	}
	return version
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id                   TEXT PRIMARY KEY,
		config_fingerprint   TEXT NOT NULL,
		target_kind          TEXT NOT NULL CHECK (target_kind IN ('user', 'community', 'direct-link')),
		target_value         TEXT NOT NULL,
		status               TEXT NOT NULL DEFAULT 'active'
		                     CHECK (status IN ('active', 'completed', 'failed', 'paused')),
		total_posts          INTEGER NOT NULL DEFAULT 0,
		processed_posts      INTEGER NOT NULL DEFAULT 0,
		skipped_posts        INTEGER NOT NULL DEFAULT 0,
		failed_posts         INTEGER NOT NULL DEFAULT 0,
		total_downloads      INTEGER NOT NULL DEFAULT 0,
		successful_downloads INTEGER NOT NULL DEFAULT 0,
		failed_downloads     INTEGER NOT NULL DEFAULT 0,
		created_at           INTEGER NOT NULL,
		updated_at           INTEGER NOT NULL,
		started_at           INTEGER,
		ended_at             INTEGER,
		UNIQUE (config_fingerprint, target_kind, target_value)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS posts (
		id              TEXT PRIMARY KEY,
		session_id      TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		payload         TEXT NOT NULL,
		content_type    TEXT,
		status          TEXT NOT NULL DEFAULT 'pending'
		                CHECK (status IN ('pending', 'processed', 'skipped', 'failed')),
		attempts        INTEGER NOT NULL DEFAULT 0,
		last_attempt_at INTEGER,
		last_error      TEXT,
		result          TEXT,
		discovered_at   INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_posts_session_status ON posts(session_id, status);

	CREATE TABLE IF NOT EXISTS downloads (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		post_id         TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		session_id      TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		url             TEXT NOT NULL,
		destination     TEXT NOT NULL,
		filename        TEXT NOT NULL,
		local_path      TEXT,
		file_size       INTEGER,
		status          TEXT NOT NULL DEFAULT 'pending'
		                CHECK (status IN ('pending', 'downloading', 'completed', 'failed')),
		attempts        INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER NOT NULL DEFAULT 0,
		started_at      INTEGER,
		completed_at    INTEGER,
		last_error      TEXT,
		checksum        TEXT,
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL,
		UNIQUE (post_id, destination),
		CHECK (status <> 'completed' OR (
			checksum IS NOT NULL AND checksum <> '' AND
			local_path IS NOT NULL AND local_path <> ''
		))
	);

	CREATE INDEX IF NOT EXISTS idx_downloads_claim ON downloads(status, next_attempt_at);
	CREATE INDEX IF NOT EXISTS idx_downloads_session ON downloads(session_id, status);
	CREATE INDEX IF NOT EXISTS idx_downloads_post ON downloads(post_id);

	CREATE TABLE IF NOT EXISTS metadata (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		value_type TEXT NOT NULL CHECK (value_type IN ('string', 'json', 'number', 'boolean')),
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, key)
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR IGNORE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}

	return nil
}

// migrateV3 adds claim ownership: the claiming Store and the time its
// reservation lapses unless renewed.
func (s *Store) migrateV3() error {
	if s.schemaVersion() >= "3" {
		return nil
	}
	_, err := s.db.Exec(`
	ALTER TABLE downloads ADD COLUMN claim_owner TEXT;
	ALTER TABLE downloads ADD COLUMN lease_until INTEGER;
	CREATE INDEX IF NOT EXISTS idx_downloads_lease ON downloads(status, lease_until);
	INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '3');
	`)
	if err != nil {
		return fmt.Errorf("failed to execute migration v3: %w", err)
	}
	return nil
}

// migrateV2 installs the counter and checksum triggers.
func (s *Store) migrateV2() error {
	if s.schemaVersion() >= "2" {
		return nil
	}

	var b strings.Builder
	for _, ev := range []struct{ name, event, ref string }{
		{"trg_posts_insert", "AFTER INSERT ON posts", "NEW"},
		{"trg_posts_update", "AFTER UPDATE ON posts", "NEW"},
		{"trg_posts_delete", "AFTER DELETE ON posts", "OLD"},
	} {
		fmt.Fprintf(&b, "CREATE TRIGGER IF NOT EXISTS %s %s BEGIN %s END;\n", ev.name, ev.event, postCountersSQL(ev.ref))
	}
	for _, ev := range []struct{ name, event, ref string }{
		{"trg_downloads_insert", "AFTER INSERT ON downloads", "NEW"},
		{"trg_downloads_update", "AFTER UPDATE ON downloads", "NEW"},
		{"trg_downloads_delete", "AFTER DELETE ON downloads", "OLD"},
	} {
		fmt.Fprintf(&b, "CREATE TRIGGER IF NOT EXISTS %s %s BEGIN %s END;\n", ev.name, ev.event, downloadCountersSQL(ev.ref))
	}
	b.WriteString(`
	CREATE TRIGGER IF NOT EXISTS trg_downloads_checksum_immutable
	BEFORE UPDATE OF checksum ON downloads
	WHEN OLD.checksum IS NOT NULL AND OLD.checksum <> ''
	     AND (NEW.checksum IS NULL OR NEW.checksum <> OLD.checksum)
	BEGIN
		SELECT RAISE(ABORT, 'checksum is immutable');
	END;

	INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '2');
	`)

	if _, err := s.db.Exec(b.String()); err != nil {
		return fmt.Errorf("failed to execute migration v2: %w", err)
	}
	return nil
}

func postCountersSQL(ref string) string {
	sid := ref + ".session_id"
	return fmt.Sprintf(`UPDATE sessions SET
		total_posts     = (SELECT COUNT(*) FROM posts WHERE session_id = %[1]s),
		processed_posts = (SELECT COUNT(*) FROM posts WHERE session_id = %[1]s AND status = 'processed'),
		skipped_posts   = (SELECT COUNT(*) FROM posts WHERE session_id = %[1]s AND status = 'skipped'),
		failed_posts    = (SELECT COUNT(*) FROM posts WHERE session_id = %[1]s AND status = 'failed'),
		updated_at      = %[2]s
	WHERE id = %[1]s;`, sid, nowMsSQL)
}

func downloadCountersSQL(ref string) string {
	sid := ref + ".session_id"
	return fmt.Sprintf(`UPDATE sessions SET
		total_downloads      = (SELECT COUNT(*) FROM downloads WHERE session_id = %[1]s),
		successful_downloads = (SELECT COUNT(*) FROM downloads WHERE session_id = %[1]s AND status = 'completed'),
		failed_downloads     = (SELECT COUNT(*) FROM downloads WHERE session_id = %[1]s AND status = 'failed'),
		updated_at           = %[2]s
	WHERE id = %[1]s;`, sid, nowMsSQL)
}
