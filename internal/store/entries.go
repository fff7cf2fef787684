package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/lazypower/compound/internal/model"
)

// ErrDuplicateEmbedding is returned when an entry's embedding_id collides
// with an existing entry.
var ErrDuplicateEmbedding = errors.New("duplicate embedding_id")

const entryColumns = `id, user_id, content_type, title, content, content_preview, embedding_id,
	indexed_at, last_accessed_at, access_count, relevance_decay,
	related_entries, tags, source_metadata, COALESCE(source_url, ''), token_count`

// ListOptions filters and pages ListEntries.
type ListOptions struct {
	ContentType string
	Limit       int
	Offset      int
}

// CreateEntry inserts a new entry. ID, EmbeddingID and IndexedAt must be set.
func (db *DB) CreateEntry(e *model.Entry) error { return createEntry(db, e) }

// CreateEntry inserts a new entry inside the transaction.
func (t *Tx) CreateEntry(e *model.Entry) error { return createEntry(t.tx, e) }

func createEntry(q querier, e *model.Entry) error {
	related, tags, meta, err := encodeEntryJSON(e)
	if err != nil {
		return err
	}

	var lastAccess any
	if e.LastAccessedAt != nil {
		lastAccess = e.LastAccessedAt.UnixMilli()
	}

	_, err = q.Exec(`
		INSERT INTO memory_entries (id, user_id, content_type, title, content, content_preview, embedding_id,
			indexed_at, last_accessed_at, access_count, relevance_decay,
			related_entries, tags, source_metadata, source_url, token_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?)
	`, e.ID, e.UserID, string(e.ContentType), e.Title, e.Content, e.ContentPreview, e.EmbeddingID,
		e.IndexedAt.UnixMilli(), lastAccess, e.AccessCount, e.RelevanceDecay,
		related, tags, meta, e.SourceURL, e.TokenCount)
	if err != nil {
		if strings.Contains(err.Error(), "memory_entries.embedding_id") {
			return fmt.Errorf("create entry: %w: %v", ErrDuplicateEmbedding, err)
		}
		return fmt.Errorf("create entry: %w", err)
	}
	return nil
}

func encodeEntryJSON(e *model.Entry) (related, tags, meta string, err error) {
	r, err := json.Marshal(nonNil(e.RelatedEntries))
	if err != nil {
		return "", "", "", fmt.Errorf("marshal related: %w", err)
	}
	tg, err := json.Marshal(nonNil(e.Tags))
	if err != nil {
		return "", "", "", fmt.Errorf("marshal tags: %w", err)
	}
	m := e.SourceMetadata
	if m == nil {
		m = map[string]any{}
	}
	md, err := json.Marshal(m)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(r), string(tg), string(md), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*model.Entry, error) {
	var (
		e                   model.Entry
		ct                  string
		indexedAt           int64
		lastAccess          sql.NullInt64
		related, tags, meta string
	)
	err := s.Scan(&e.ID, &e.UserID, &ct, &e.Title, &e.Content, &e.ContentPreview, &e.EmbeddingID,
		&indexedAt, &lastAccess, &e.AccessCount, &e.RelevanceDecay,
		&related, &tags, &meta, &e.SourceURL, &e.TokenCount)
	if err != nil {
		return nil, err
	}
	e.ContentType = model.ContentType(ct)
	e.IndexedAt = time.UnixMilli(indexedAt).UTC()
	if lastAccess.Valid {
		t := time.UnixMilli(lastAccess.Int64).UTC()
		e.LastAccessedAt = &t
	}
	if err := json.Unmarshal([]byte(related), &e.RelatedEntries); err != nil {
		return nil, fmt.Errorf("decode related_entries: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &e.SourceMetadata); err != nil {
		return nil, fmt.Errorf("decode source_metadata: %w", err)
	}
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]model.Entry, error) {
	defer rows.Close()
	var entries []model.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// GetEntry returns a user's entry by id, or nil if not found.
func (db *DB) GetEntry(userID, id string) (*model.Entry, error) { return getEntry(db, userID, id) }

// GetEntry reads an entry inside the transaction.
func (t *Tx) GetEntry(userID, id string) (*model.Entry, error) { return getEntry(t.tx, userID, id) }

func getEntry(q querier, userID, id string) (*model.Entry, error) {
	row := q.QueryRow(`SELECT `+entryColumns+` FROM memory_entries WHERE user_id = ? AND id = ?`, userID, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

// GetEntries returns the user's entries with the given ids, keyed by id.
// Ids that do not exist or belong to another user are absent from the map.
func (db *DB) GetEntries(userID string, ids []string) (map[string]*model.Entry, error) {
	out := make(map[string]*model.Entry, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	rows, err := db.Query(`SELECT `+entryColumns+` FROM memory_entries
		WHERE user_id = ? AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get entries: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		out[entries[i].ID] = &entries[i]
	}
	return out, nil
}

// ListEntries returns a page of the user's entries, most recent first.
// Full content is omitted; callers get content_preview.
func (db *DB) ListEntries(userID string, opts ListOptions) ([]model.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM memory_entries WHERE user_id = ?`
	args := []any{userID}
	if opts.ContentType != "" {
		query += " AND content_type = ?"
		args = append(args, opts.ContentType)
	}
	query += " ORDER BY indexed_at DESC, id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Content = ""
	}
	return entries, nil
}

// ListAllEntries returns every entry of a user with full content, oldest first.
func (db *DB) ListAllEntries(userID string) ([]model.Entry, error) {
	rows, err := db.Query(`SELECT `+entryColumns+` FROM memory_entries
		WHERE user_id = ? ORDER BY indexed_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list all entries: %w", err)
	}
	return scanEntries(rows)
}

// CountEntries counts a user's entries, optionally restricted to one content type.
func (db *DB) CountEntries(userID, contentType string) (int, error) {
	query := "SELECT COUNT(*) FROM memory_entries WHERE user_id = ?"
	args := []any{userID}
	if contentType != "" {
		query += " AND content_type = ?"
		args = append(args, contentType)
	}
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// Users returns every user id that owns at least one entry.
func (db *DB) Users() ([]string, error) {
	rows, err := db.Query("SELECT DISTINCT user_id FROM memory_entries ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// RecordAccess stamps last_accessed_at and increments access_count once for
// each distinct id. All updates commit together. It returns the ids that
// still existed and were updated.
func (db *DB) RecordAccess(userID string, ids []string, at time.Time) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	tx, err := db.DB.Begin()
	if err != nil {
		return nil, fmt.Errorf("record access: %w", err)
	}
	defer tx.Rollback()

	seen := make(map[string]bool, len(ids))
	var touched []string
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		res, err := tx.Exec(`
			UPDATE memory_entries SET access_count = access_count + 1, last_accessed_at = ?
			WHERE user_id = ? AND id = ?
		`, at.UnixMilli(), userID, id)
		if err != nil {
			return nil, fmt.Errorf("record access %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, fmt.Errorf("record access %s: %w", id, err)
		} else if n > 0 {
			touched = append(touched, id)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("record access commit: %w", err)
	}
	return touched, nil
}

// UpdateDecay persists recomputed relevance_decay values.
func (db *DB) UpdateDecay(userID string, decay map[string]float64) error {
	if len(decay) == 0 {
		return nil
	}
	tx, err := db.DB.Begin()
	if err != nil {
		return fmt.Errorf("update decay: %w", err)
	}
	defer tx.Rollback()

	for id, d := range decay {
		if _, err := tx.Exec(
			"UPDATE memory_entries SET relevance_decay = ? WHERE user_id = ? AND id = ?",
			d, userID, id,
		); err != nil {
			return fmt.Errorf("update decay %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update decay commit: %w", err)
	}
	return nil
}

// UpdateRelated replaces an entry's related_entries list.
func (db *DB) UpdateRelated(userID, id string, related []string) error {
	return updateRelated(db, userID, id, related)
}

// UpdateRelated replaces an entry's related_entries list inside the transaction.
func (t *Tx) UpdateRelated(userID, id string, related []string) error {
	return updateRelated(t.tx, userID, id, related)
}

func updateRelated(q querier, userID, id string, related []string) error {
	data, err := json.Marshal(nonNil(related))
	if err != nil {
		return fmt.Errorf("marshal related: %w", err)
	}
	if _, err := q.Exec(
		"UPDATE memory_entries SET related_entries = ? WHERE user_id = ? AND id = ?",
		string(data), userID, id,
	); err != nil {
		return fmt.Errorf("update related: %w", err)
	}
	return nil
}

// UpdateTags replaces an entry's tags.
func (db *DB) UpdateTags(userID, id string, tags []string) error {
	data, err := json.Marshal(nonNil(tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	if _, err := db.Exec(
		"UPDATE memory_entries SET tags = ? WHERE user_id = ? AND id = ?",
		string(data), userID, id,
	); err != nil {
		return fmt.Errorf("update tags: %w", err)
	}
	return nil
}

// DeleteEntry removes an entry and its vector. Reports whether a row was deleted.
func (db *DB) DeleteEntry(userID, id string) (bool, error) {
	tx, err := db.DB.Begin()
	if err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	defer tx.Rollback()

	// foreign_keys is a per-connection pragma, so the cascade is not relied on.
	if _, err := tx.Exec("DELETE FROM entry_vectors WHERE user_id = ? AND entry_id = ?", userID, id); err != nil {
		return false, fmt.Errorf("delete entry vector: %w", err)
	}
	res, err := tx.Exec("DELETE FROM memory_entries WHERE user_id = ? AND id = ?", userID, id)
	if err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("delete entry commit: %w", err)
	}
	return n > 0, nil
}

// EntrySummary is the aggregate view of a user's entries used by stats.
type EntrySummary struct {
	Total       int
	ByType      map[string]int
	TotalTokens int
	Oldest      *time.Time
	Newest      *time.Time
}

// SummarizeEntries aggregates counts, token totals and the indexed_at range.
func (db *DB) SummarizeEntries(userID string) (*EntrySummary, error) {
	s := &EntrySummary{ByType: map[string]int{}}

	rows, err := db.Query(`
		SELECT content_type, COUNT(*), COALESCE(SUM(token_count), 0)
		FROM memory_entries WHERE user_id = ? GROUP BY content_type
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("summarize entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ct string
		var n, tokens int
		if err := rows.Scan(&ct, &n, &tokens); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		s.ByType[ct] = n
		s.Total += n
		s.TotalTokens += tokens
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if s.Total == 0 {
		return s, nil
	}
	var oldest, newest int64
	if err := db.QueryRow(
		"SELECT MIN(indexed_at), MAX(indexed_at) FROM memory_entries WHERE user_id = ?", userID,
	).Scan(&oldest, &newest); err != nil {
		return nil, fmt.Errorf("summarize range: %w", err)
	}
	o, n := time.UnixMilli(oldest).UTC(), time.UnixMilli(newest).UTC()
	s.Oldest, s.Newest = &o, &n
	return s, nil
}
