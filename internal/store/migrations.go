package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "memory_entries: ingested knowledge per user",
		SQL: `
CREATE TABLE memory_entries (
    id               TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL,
    content_type     TEXT NOT NULL CHECK (content_type IN ('document', 'text_snippet', 'article', 'link', 'video')),
    title            TEXT NOT NULL,
    content          TEXT NOT NULL,
    content_preview  TEXT NOT NULL,
    embedding_id     TEXT NOT NULL UNIQUE,

    -- Decay inputs
    indexed_at       INTEGER NOT NULL,
    last_accessed_at INTEGER,
    access_count     INTEGER NOT NULL DEFAULT 0 CHECK (access_count >= 0),
    relevance_decay  REAL NOT NULL DEFAULT 1.0 CHECK (relevance_decay >= 0 AND relevance_decay <= 1),

    -- JSON columns
    related_entries  TEXT NOT NULL DEFAULT '[]',
    tags             TEXT NOT NULL DEFAULT '[]',
    source_metadata  TEXT NOT NULL DEFAULT '{}',

    source_url       TEXT,
    token_count      INTEGER NOT NULL DEFAULT 0,

    CHECK (access_count > 0 OR last_accessed_at IS NULL)
);

CREATE INDEX idx_entries_user_indexed ON memory_entries(user_id, indexed_at DESC, id DESC);
CREATE INDEX idx_entries_user_type    ON memory_entries(user_id, content_type);
`,
	},
	{
		Version:     2,
		Description: "entry_vectors: embedding vectors for semantic search",
		SQL: `
CREATE TABLE entry_vectors (
    entry_id   TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    embedding  BLOB NOT NULL,
    model      TEXT NOT NULL,
    dimensions INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (entry_id) REFERENCES memory_entries(id) ON DELETE CASCADE
);

CREATE INDEX idx_vectors_user ON entry_vectors(user_id);
`,
	},
	{
		Version:     3,
		Description: "voice_profiles: learned writing style per user",
		SQL: `
CREATE TABLE voice_profiles (
    user_id    TEXT PRIMARY KEY,
    profile    TEXT NOT NULL,
    confidence REAL NOT NULL DEFAULT 0 CHECK (confidence >= 0 AND confidence <= 1),
    updated_at INTEGER NOT NULL
);
`,
	},
	{
		Version:     4,
		Description: "compounding_events: maintenance run history",
		SQL: `
CREATE TABLE compounding_events (
    id         INTEGER PRIMARY KEY,
    user_id    TEXT NOT NULL,
    event_type TEXT NOT NULL,
    detail     TEXT,
    created_at INTEGER NOT NULL
);

CREATE INDEX idx_events_user_type ON compounding_events(user_id, event_type, created_at DESC);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.DB.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
