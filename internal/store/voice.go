package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/lazypower/compound/internal/model"
)

// GetVoiceProfile returns the stored voice profile for a user, or nil if none exists yet.
func (db *DB) GetVoiceProfile(userID string) (*model.VoiceProfile, error) {
	return getVoiceProfile(db, userID)
}

// GetVoiceProfile reads the voice profile inside the transaction.
func (t *Tx) GetVoiceProfile(userID string) (*model.VoiceProfile, error) {
	return getVoiceProfile(t.tx, userID)
}

func getVoiceProfile(q querier, userID string) (*model.VoiceProfile, error) {
	var raw string
	err := q.QueryRow("SELECT profile FROM voice_profiles WHERE user_id = ?", userID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get voice profile: %w", err)
	}
	var p model.VoiceProfile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode voice profile: %w", err)
	}
	if p.TermCounts == nil {
		p.TermCounts = map[string]int{}
	}
	return &p, nil
}

// SaveVoiceProfile upserts a user's voice profile.
func (db *DB) SaveVoiceProfile(p *model.VoiceProfile) error {
	return saveVoiceProfile(db, p)
}

// SaveVoiceProfile upserts the voice profile inside the transaction.
func (t *Tx) SaveVoiceProfile(p *model.VoiceProfile) error {
	return saveVoiceProfile(t.tx, p)
}

func saveVoiceProfile(q querier, p *model.VoiceProfile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal voice profile: %w", err)
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err = q.Exec(`
		INSERT INTO voice_profiles (user_id, profile, confidence, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET profile = excluded.profile,
			confidence = excluded.confidence, updated_at = excluded.updated_at
	`, p.UserID, string(data), p.Confidence, updated.UnixMilli())
	if err != nil {
		return fmt.Errorf("save voice profile: %w", err)
	}
	return nil
}
