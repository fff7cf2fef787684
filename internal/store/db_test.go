package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenMemory(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	if db.Path != ":memory:" {
		t.Errorf("Path = %q, want :memory:", db.Path)
	}
}

func TestOpenFileReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "compound.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	db.Close()

	// Migrations are idempotent across reopen.
	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != len(migrations) {
		t.Errorf("SchemaVersion = %d, want %d", v, len(migrations))
	}
}

func TestSchemaVersion(t *testing.T) {
	db := testDB(t)

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 4 {
		t.Errorf("SchemaVersion = %d, want 4", v)
	}
}

func TestTablesExist(t *testing.T) {
	db := testDB(t)

	tables := []string{"schema_versions", "memory_entries", "entry_vectors", "voice_profiles", "compounding_events"}
	for _, table := range tables {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestEntryConstraints(t *testing.T) {
	db := testDB(t)

	insert := `INSERT INTO memory_entries (id, user_id, content_type, title, content, content_preview,
		embedding_id, indexed_at, last_accessed_at, access_count, relevance_decay)
		VALUES (?, 'u1', ?, 't', 'c', 'c', ?, 1000, ?, ?, ?)`

	if _, err := db.Exec(insert, "e1", "document", "emb1", nil, 0, 1.0); err != nil {
		t.Fatalf("valid insert failed: %v", err)
	}

	cases := []struct {
		name string
		args []any
	}{
		{"bad content type", []any{"e2", "podcast", "emb2", nil, 0, 1.0}},
		{"decay above one", []any{"e3", "document", "emb3", nil, 0, 1.5}},
		{"negative access count", []any{"e4", "document", "emb4", nil, -1, 1.0}},
		{"accessed without count", []any{"e5", "document", "emb5", 2000, 0, 1.0}},
		{"duplicate embedding", []any{"e6", "document", "emb1", nil, 0, 1.0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := db.Exec(insert, tc.args...); err == nil {
				t.Error("expected constraint error, got nil")
			}
		})
	}
}

func TestTxRollbackDiscardsWrites(t *testing.T) {
	db := testDB(t)

	tx, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	e := newTestEntry("u1", "rolled back")
	if err := tx.CreateEntry(e); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	// Second rollback is a no-op.
	if err := tx.Rollback(); err != nil {
		t.Errorf("second Rollback: %v", err)
	}

	got, err := db.GetEntry("u1", e.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got != nil {
		t.Error("entry survived rollback")
	}
}
