package store

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// VectorRecord holds the embedding of one entry.
type VectorRecord struct {
	EntryID    string
	UserID     string
	Embedding  []float32
	Model      string
	Dimensions int
	CreatedAt  int64
}

// encodeEmbedding converts a []float32 to a binary BLOB (4 bytes per float32).
func encodeEmbedding(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeEmbedding converts a binary BLOB back to []float32.
func decodeEmbedding(buf []byte) []float32 {
	n := len(buf) / 4
	vec := make([]float32, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// SaveVector stores the embedding for an entry.
func (db *DB) SaveVector(userID, entryID string, embedding []float32, model string) error {
	return saveVector(db, userID, entryID, embedding, model)
}

// SaveVector stores the embedding for an entry inside the transaction.
func (t *Tx) SaveVector(userID, entryID string, embedding []float32, model string) error {
	return saveVector(t.tx, userID, entryID, embedding, model)
}

func saveVector(q querier, userID, entryID string, embedding []float32, model string) error {
	_, err := q.Exec(`
		INSERT INTO entry_vectors (entry_id, user_id, embedding, model, dimensions, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entryID, userID, encodeEmbedding(embedding), model, len(embedding), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save vector: %w", err)
	}
	return nil
}

// GetVector returns the embedding for an entry, or nil if not found.
func (db *DB) GetVector(entryID string) (*VectorRecord, error) {
	var v VectorRecord
	var blob []byte

	err := db.QueryRow(`
		SELECT entry_id, user_id, embedding, model, dimensions, created_at
		FROM entry_vectors WHERE entry_id = ?
	`, entryID).Scan(&v.EntryID, &v.UserID, &blob, &v.Model, &v.Dimensions, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vector: %w", err)
	}
	v.Embedding = decodeEmbedding(blob)
	return &v, nil
}

// UserVectors returns all vectors belonging to a user.
func (db *DB) UserVectors(userID string) ([]VectorRecord, error) {
	rows, err := db.Query(`
		SELECT entry_id, user_id, embedding, model, dimensions, created_at
		FROM entry_vectors WHERE user_id = ? ORDER BY entry_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("user vectors: %w", err)
	}
	return scanVectors(rows)
}

// AllVectors returns all stored vector records.
func (db *DB) AllVectors() ([]VectorRecord, error) {
	rows, err := db.Query(`
		SELECT entry_id, user_id, embedding, model, dimensions, created_at
		FROM entry_vectors ORDER BY user_id, entry_id
	`)
	if err != nil {
		return nil, fmt.Errorf("all vectors: %w", err)
	}
	return scanVectors(rows)
}

func scanVectors(rows *sql.Rows) ([]VectorRecord, error) {
	defer rows.Close()
	var records []VectorRecord
	for rows.Next() {
		var v VectorRecord
		var blob []byte
		if err := rows.Scan(&v.EntryID, &v.UserID, &blob, &v.Model, &v.Dimensions, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		v.Embedding = decodeEmbedding(blob)
		records = append(records, v)
	}
	return records, rows.Err()
}
