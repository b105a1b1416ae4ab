// SPDX-License-Identifier: MIT

// Package store is the transactional system-of-record for files, tasks,
// transcripts, speakers and user-level groupings.
//
// Design intent:
//   - Ingress paths create rows; all status mutations go through the
//     lifecycle manager or the recovery reaper.
//   - Per-file transitions are serialized with compare-and-swap on
//     (status, active_task_id).
//   - Long uploads never hold a transaction; the prepare/upload split
//     keeps the byte transfer transactionless.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/skald-media/skald/internal/persistence/sqlite"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-swap or uniqueness
	// constraint rejects a write. Callers resolve by re-reading the
	// canonical row.
	ErrConflict = errors.New("conflict")
)

const schemaVersion = 1

// Store exposes typed repositories over a single SQLite pool.
type Store struct {
	DB *sql.DB
}

// Open initializes the store and applies pending migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS media_file (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL UNIQUE,
		owner_id INTEGER NOT NULL,
		display_name TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		content_type TEXT NOT NULL DEFAULT '',
		mime_class TEXT NOT NULL DEFAULT 'other',
		storage_path TEXT NOT NULL,
		duration_sec REAL,
		language TEXT,
		source_url TEXT,
		status TEXT NOT NULL,
		codec TEXT,
		sample_rate INTEGER,
		device_make TEXT,
		encoded_by TEXT,
		recorded_at TEXT,
		blob_stored INTEGER NOT NULL DEFAULT 0,
		has_thumbnail INTEGER NOT NULL DEFAULT 0,
		has_waveform INTEGER NOT NULL DEFAULT 0,
		active_task_id TEXT,
		task_started_at_ms INTEGER,
		task_last_update_ms INTEGER,
		progress REAL NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		recovery_attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		cancellation_requested INTEGER NOT NULL DEFAULT 0,
		cancel_requested_at_ms INTEGER,
		force_delete_eligible INTEGER NOT NULL DEFAULT 0,
		summary_status TEXT,
		summary_json TEXT,
		uploaded_at_ms INTEGER NOT NULL,
		completed_at_ms INTEGER,
		updated_at_ms INTEGER NOT NULL,
		UNIQUE(owner_id, content_hash)
	);

	CREATE INDEX IF NOT EXISTS idx_media_file_owner_uploaded ON media_file(owner_id, uploaded_at_ms);
	CREATE INDEX IF NOT EXISTS idx_media_file_status ON media_file(status);
	CREATE INDEX IF NOT EXISTS idx_media_file_hash ON media_file(content_hash);
	CREATE INDEX IF NOT EXISTS idx_media_file_active_task ON media_file(active_task_id);
	CREATE INDEX IF NOT EXISTS idx_media_file_last_update ON media_file(task_last_update_ms);

	CREATE TABLE IF NOT EXISTS task (
		id TEXT PRIMARY KEY,
		owner_id INTEGER NOT NULL,
		file_id INTEGER,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		progress REAL NOT NULL DEFAULT 0,
		error TEXT,
		created_at_ms INTEGER NOT NULL,
		started_at_ms INTEGER,
		finished_at_ms INTEGER,
		last_update_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_task_file ON task(file_id);
	CREATE INDEX IF NOT EXISTS idx_task_status ON task(status);

	CREATE TABLE IF NOT EXISTS speaker_profile (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		created_at_ms INTEGER NOT NULL,
		UNIQUE(owner_id, name)
	);

	CREATE TABLE IF NOT EXISTS speaker (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id INTEGER NOT NULL,
		file_id INTEGER NOT NULL REFERENCES media_file(id) ON DELETE CASCADE,
		label TEXT NOT NULL,
		name TEXT,
		profile_id INTEGER REFERENCES speaker_profile(id) ON DELETE SET NULL,
		embedding_json TEXT,
		verified INTEGER NOT NULL DEFAULT 0,
		UNIQUE(owner_id, file_id, label)
	);

	CREATE TABLE IF NOT EXISTS transcript_segment (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_id INTEGER NOT NULL REFERENCES media_file(id) ON DELETE CASCADE,
		speaker_id INTEGER REFERENCES speaker(id) ON DELETE SET NULL,
		start_time REAL NOT NULL,
		end_time REAL NOT NULL,
		text TEXT NOT NULL,
		CHECK(start_time >= 0),
		CHECK(end_time > start_time)
	);

	CREATE INDEX IF NOT EXISTS idx_segment_file ON transcript_segment(file_id);
	CREATE INDEX IF NOT EXISTS idx_segment_speaker ON transcript_segment(speaker_id);

	CREATE TABLE IF NOT EXISTS speaker_match (
		speaker_a INTEGER NOT NULL REFERENCES speaker(id) ON DELETE CASCADE,
		speaker_b INTEGER NOT NULL REFERENCES speaker(id) ON DELETE CASCADE,
		score REAL NOT NULL,
		PRIMARY KEY (speaker_a, speaker_b),
		CHECK(speaker_a < speaker_b)
	);

	CREATE TABLE IF NOT EXISTS collection (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		created_at_ms INTEGER NOT NULL,
		UNIQUE(owner_id, name)
	);

	CREATE TABLE IF NOT EXISTS collection_member (
		collection_id INTEGER NOT NULL REFERENCES collection(id) ON DELETE CASCADE,
		file_id INTEGER NOT NULL REFERENCES media_file(id) ON DELETE CASCADE,
		PRIMARY KEY (collection_id, file_id)
	);

	CREATE TABLE IF NOT EXISTS tag (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS file_tag (
		file_id INTEGER NOT NULL REFERENCES media_file(id) ON DELETE CASCADE,
		tag_id INTEGER NOT NULL REFERENCES tag(id) ON DELETE CASCADE,
		PRIMARY KEY (file_id, tag_id)
	);

	CREATE TABLE IF NOT EXISTS comment (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_id INTEGER NOT NULL REFERENCES media_file(id) ON DELETE CASCADE,
		owner_id INTEGER NOT NULL,
		text TEXT NOT NULL,
		media_ts REAL,
		created_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS analytics (
		file_id INTEGER PRIMARY KEY REFERENCES media_file(id) ON DELETE CASCADE,
		total_time_sec REAL NOT NULL,
		speakers_json TEXT NOT NULL,
		computed_at_ms INTEGER NOT NULL
	);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Time helpers ---

func toMS(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMS(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
