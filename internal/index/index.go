// Package index implements the relational metadata store described in spec
// §3, §4.2 and §6: streams, per-record byte pointers, producer state, the
// schema registry, sessions, events, and bootstrap state, all in one
// SQLite-compatible file. Both cmd/streamserver and cmd/caddy-plugin open a
// single index.db and hand the same *DB to the stream engine and the event
// store; the event store does not get a database file of its own.
//
// modernc.org/sqlite is a pure-Go, CGo-free SQLite driver — the same family
// of embedded relational store HyphaGroup-oubliette and storj-storj already
// depend on — chosen over go.etcd.io/bbolt (the teacher's own choice) because
// the spec calls for composite and partial-unique indexes (§6) that a
// single-bucket KV store cannot express without hand-rolling a secondary
// index, which is exactly the kind of thing a real SQL engine already does.
package index

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the sqlite handle. Writes are serialized by sqlite's own
// single-writer WAL discipline (spec §5 "Shared-resource policy").
type DB struct {
	sql *sql.DB
}

// Open opens (creating and migrating if necessary) the index database at
// path. An empty path opens an in-memory database, useful for tests.
func Open(path string) (*DB, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	} else {
		dsn = fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", dsn)
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("index: open: %w", err)
	}
	// sqlite tolerates only one writer at a time; a pool just causes
	// SQLITE_BUSY churn under our own WAL-level serialization.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{sql: sqlDB}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrate() error {
	for _, stmt := range schemaStatements {
		if _, err := db.sql.Exec(stmt); err != nil {
			return fmt.Errorf("index: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying handle.
func (db *DB) Close() error {
	return db.sql.Close()
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS streams (
		path               TEXT PRIMARY KEY,
		content_type       TEXT NOT NULL,
		created_at         INTEGER NOT NULL,
		ttl_seconds        INTEGER,
		expires_at         INTEGER,
		closed             INTEGER NOT NULL DEFAULT 0,
		closed_by_producer TEXT,
		closed_by_epoch    INTEGER,
		closed_by_seq      INTEGER,
		current_read_seq   INTEGER NOT NULL DEFAULT 0,
		current_byte_offset INTEGER NOT NULL DEFAULT 0,
		deleted_at         INTEGER,
		log_file_id        TEXT NOT NULL,
		schema_key         TEXT,
		last_seq           TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_streams_deleted ON streams(deleted_at)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		stream_path TEXT NOT NULL,
		read_seq    INTEGER NOT NULL,
		byte_pos    INTEGER NOT NULL,
		byte_offset INTEGER NOT NULL,
		length      INTEGER NOT NULL,
		created_at  INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_offset ON messages(stream_path, read_seq, byte_offset)`,

	`CREATE TABLE IF NOT EXISTS producers (
		stream_path  TEXT NOT NULL,
		producer_id  TEXT NOT NULL,
		epoch        INTEGER NOT NULL,
		last_seq     INTEGER NOT NULL,
		last_updated INTEGER NOT NULL,
		PRIMARY KEY (stream_path, producer_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_producers_last_updated ON producers(last_updated)`,

	`CREATE TABLE IF NOT EXISTS schemas (
		schema_key TEXT PRIMARY KEY,
		document   TEXT NOT NULL,
		version    INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id          TEXT PRIMARY KEY,
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL,
		current_seq INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id  TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		run_id      TEXT,
		type        TEXT NOT NULL,
		payload     TEXT NOT NULL,
		dedupe_key  TEXT,
		created_at  INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_events_session_type ON events(session_id, type)`,
	`CREATE INDEX IF NOT EXISTS idx_events_session_run_seq ON events(session_id, run_id, seq)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_session_dedupe ON events(session_id, dedupe_key) WHERE dedupe_key IS NOT NULL`,

	// Provisioned but unused by the core append/read path (open question (b)
	// in spec §9) — a future extension point for full-text and vector
	// search over event/message payloads.
	`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(stream_path, data, content='')`,
	`CREATE TABLE IF NOT EXISTS messages_vec (
		message_id INTEGER PRIMARY KEY,
		embedding  BLOB
	)`,

	`CREATE TABLE IF NOT EXISTS bootstrap_state (
		agent_id  TEXT PRIMARY KEY,
		injected  INTEGER NOT NULL DEFAULT 0
	)`,
}

// Now returns the current time truncated to second precision, matching the
// unix-timestamp columns above.
func Now() time.Time { return time.Now().Truncate(time.Second) }

// ErrNotFound is returned by lookups that find no row.
var ErrNotFound = fmt.Errorf("index: not found")
