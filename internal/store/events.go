package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Event types recorded in compounding_events.
const (
	EventCompounding = "compounding"
	EventMerge       = "merge"
	EventPrune       = "prune"
)

// Event is one recorded maintenance action for a user.
type Event struct {
	ID        int64
	UserID    string
	EventType string
	Detail    string
	CreatedAt int64
}

// AddEvent records a maintenance event at the given time.
func (db *DB) AddEvent(userID, eventType, detail string, at time.Time) error {
	_, err := db.Exec(`
		INSERT INTO compounding_events (user_id, event_type, detail, created_at)
		VALUES (?, ?, ?, ?)
	`, userID, eventType, detail, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("add event: %w", err)
	}
	return nil
}

// LastEvent returns the most recent event of a type for a user, or nil if none.
func (db *DB) LastEvent(userID, eventType string) (*Event, error) {
	var e Event
	var detail sql.NullString
	err := db.QueryRow(`
		SELECT id, user_id, event_type, detail, created_at
		FROM compounding_events WHERE user_id = ? AND event_type = ?
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, userID, eventType).Scan(&e.ID, &e.UserID, &e.EventType, &detail, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last event: %w", err)
	}
	e.Detail = detail.String
	return &e, nil
}

// ListEvents returns a user's most recent events, newest first.
func (db *DB) ListEvents(userID string, limit int) ([]Event, error) {
	rows, err := db.Query(`
		SELECT id, user_id, event_type, detail, created_at
		FROM compounding_events WHERE user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.EventType, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}
