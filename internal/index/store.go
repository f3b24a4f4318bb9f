// Package index implements the SQLite-backed, rebuildable cache over a
// workspace's run journals (spec §4.3). Every row here is derived from
// events.jsonl files under the workspace's runs directory; the index can
// always be deleted and rebuilt from scratch without data loss. The WAL
// pragmas, busy-timeout setup and versioned migration scaffolding are
// grounded on the teacher's internal/session/sqlite_store.go.
package index

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/agentcompany/agentcompany/internal/logging"
)

// Store wraps the index database for one workspace.
type Store struct {
	db   *sql.DB
	path string
}

const currentSchemaVersion = 1

// Open opens (creating if needed) the index database at path and brings
// its schema up to date.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("index: create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("index: open db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		L_warn("index: failed to enable WAL mode", "error", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		L_warn("index: failed to set busy_timeout", "error", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		L_warn("index: failed to enable foreign keys", "error", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: migration failed: %w", err)
	}

	L_info("index: store opened", "path", path)
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for callers that need ad-hoc queries (e.g.
// snapshot composers, spec §4.8).
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		version = 0
	}

	if version >= currentSchemaVersion {
		L_debug("index: schema up to date", "version", version)
		return nil
	}

	L_info("index: migrating schema", "from", version, "to", currentSchemaVersion)

	migrations := []func(*sql.DB) error{
		migrateV1,
	}
	for i := version; i < len(migrations); i++ {
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d failed: %w", i+1, err)
		}
		L_debug("index: applied migration", "version", i+1)
	}
	return nil
}

// migrateV1 creates the full index schema (spec §4.3): one row per
// envelope (events), a quarantine table for lines that failed to parse,
// a per-run tail-position cache, and the derived entity tables consumed
// by snapshot composers.
func migrateV1(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	INSERT INTO schema_version (version, applied_at) VALUES (1, strftime('%s','now'));

	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		workspace TEXT NOT NULL,
		project TEXT,
		job_id TEXT,
		events_path TEXT NOT NULL,
		last_synced_seq INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'unknown',
		started_at INTEGER,
		ended_at INTEGER,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_job ON runs(job_id);
	CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project);

	CREATE TABLE IF NOT EXISTS events (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		ts_wallclock INTEGER NOT NULL,
		actor TEXT NOT NULL,
		visibility TEXT NOT NULL,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(run_id, type);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts_wallclock);

	CREATE TABLE IF NOT EXISTS event_parse_errors (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		raw_line TEXT NOT NULL,
		error TEXT NOT NULL,
		detected_at INTEGER NOT NULL,
		PRIMARY KEY (run_id, seq)
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		project_id TEXT NOT NULL,
		artifact_id TEXT NOT NULL,
		type TEXT,
		title TEXT,
		visibility TEXT,
		produced_by TEXT,
		run_id TEXT,
		context_pack_id TEXT,
		created_at INTEGER,
		relpath TEXT NOT NULL,
		PRIMARY KEY (project_id, artifact_id)
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_type ON artifacts(type);
	CREATE INDEX IF NOT EXISTS idx_artifacts_created ON artifacts(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id);

	CREATE TABLE IF NOT EXISTS reviews (
		review_id TEXT PRIMARY KEY,
		created_at INTEGER,
		decision TEXT,
		actor_id TEXT,
		actor_role TEXT,
		subject_kind TEXT,
		subject_artifact_id TEXT,
		project_id TEXT,
		notes TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_reviews_created ON reviews(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_reviews_project ON reviews(project_id);

	CREATE TABLE IF NOT EXISTS help_requests (
		help_request_id TEXT PRIMARY KEY,
		created_at INTEGER,
		title TEXT,
		visibility TEXT,
		requester TEXT,
		target_manager TEXT,
		project_id TEXT,
		share_pack_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_help_requests_created ON help_requests(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_help_requests_target ON help_requests(target_manager);
	`
	_, err := db.Exec(schema)
	return err
}
