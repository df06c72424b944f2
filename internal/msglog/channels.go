package msglog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ChannelStore persists channel membership so it survives a broker restart
// (spec §4.7: "Joins and leaves are written to the log; on broker restart,
// memberships are restored before any Connection is allowed to HELLO").
type ChannelStore struct {
	db *gorm.DB
}

// NewChannelStore returns a ChannelStore backed by db.
func NewChannelStore(db *gorm.DB) *ChannelStore {
	return &ChannelStore{db: db}
}

// Join records channel membership for name. Idempotent: joining twice is a
// no-op.
func (s *ChannelStore) Join(ctx context.Context, channel, name string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("msglog: generate channel member id: %w", err)
	}
	member := ChannelMember{
		ID:        id.String(),
		Channel:   channel,
		AgentName: name,
		CreatedAt: time.Now().UTC(),
	}
	err = s.db.WithContext(ctx).Clauses(onConflictDoNothing()).Create(&member).Error
	if err != nil {
		return fmt.Errorf("msglog: join channel: %w", err)
	}
	return nil
}

// Leave removes name's membership in channel.
func (s *ChannelStore) Leave(ctx context.Context, channel, name string) error {
	err := s.db.WithContext(ctx).
		Where("channel = ? AND agent_name = ?", channel, name).
		Delete(&ChannelMember{}).Error
	if err != nil {
		return fmt.Errorf("msglog: leave channel: %w", err)
	}
	return nil
}

// Members returns every agent name currently joined to channel.
func (s *ChannelStore) Members(ctx context.Context, channel string) ([]string, error) {
	var rows []ChannelMember
	if err := s.db.WithContext(ctx).Where("channel = ?", channel).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("msglog: list channel members: %w", err)
	}
	names := make([]string, len(rows))
	for i, r := range rows {
		names[i] = r.AgentName
	}
	return names, nil
}

// All returns the full restart-time snapshot of channel → members, used to
// rebuild the router's in-memory membership table before accepting any
// HELLO.
func (s *ChannelStore) All(ctx context.Context) (map[string][]string, error) {
	var rows []ChannelMember
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("msglog: load channel memberships: %w", err)
	}
	out := make(map[string][]string)
	for _, r := range rows {
		out[r.Channel] = append(out[r.Channel], r.AgentName)
	}
	return out, nil
}
