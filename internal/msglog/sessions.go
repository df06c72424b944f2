package msglog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// SessionStore is the resume-token repository (spec §4.1, §4.6's
// "byResumeToken(token)").
type SessionStore struct {
	db *gorm.DB
}

// NewSessionStore returns a SessionStore backed by db.
func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

// HighWaterMarks decodes a Session's HighWater JSON blob into a stream→seq
// map. An empty or malformed blob decodes to an empty map rather than an
// error, since it only ever seeds sequence counters.
func (s Session) HighWaterMarks() map[string]uint64 {
	marks := map[string]uint64{}
	if s.HighWater == "" {
		return marks
	}
	_ = json.Unmarshal([]byte(s.HighWater), &marks)
	return marks
}

// Create persists a freshly issued session.
func (s *SessionStore) Create(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.HighWater == "" {
		sess.HighWater = "{}"
	}
	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		return fmt.Errorf("msglog: create session: %w", err)
	}
	return nil
}

// ByResumeToken returns the session matching token, or ErrNotFound.
func (s *SessionStore) ByResumeToken(ctx context.Context, token string) (*Session, error) {
	var sess Session
	err := s.db.WithContext(ctx).Where("resume_token = ?", token).First(&sess).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("msglog: session by resume token: %w", err)
	}
	return &sess, nil
}

// UpdateHighWater persists the current stream→seq map for a session, called
// periodically as the Connection's outgoing sequence counters advance so a
// later resume can seed from them.
func (s *SessionStore) UpdateHighWater(ctx context.Context, sessionID string, marks map[string]uint64) error {
	data, err := json.Marshal(marks)
	if err != nil {
		return fmt.Errorf("msglog: marshal high water: %w", err)
	}
	result := s.db.WithContext(ctx).Model(&Session{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]any{"high_water": string(data), "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return fmt.Errorf("msglog: update high water: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RotateResumeToken replaces a session's resume token, issued on every
// successful resume so a stale token cannot be replayed twice (spec §4.1).
func (s *SessionStore) RotateResumeToken(ctx context.Context, sessionID, newToken string) error {
	result := s.db.WithContext(ctx).Model(&Session{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]any{"resume_token": newToken, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return fmt.Errorf("msglog: rotate resume token: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
