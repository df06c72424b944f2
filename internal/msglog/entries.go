package msglog

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// DefaultMaxEntries bounds the message log by row count. Retention here is a
// deliberate choice among several the source leaves open (by age, by size, by
// per-recipient quota) — Prune deletes the oldest rows by timestamp_ms once
// the total exceeds the store's maxEntries, which is simplest to reason about
// and cheap to enforce with a single DELETE ... WHERE id IN (SELECT id ...
// ORDER BY timestamp_ms LIMIT n). The broker does not call Prune, so the
// bound holds only when a caller runs it.
const DefaultMaxEntries = 10_000

// EntryStore is the repository for MessageLogEntry rows (spec §4.6).
type EntryStore struct {
	db         *gorm.DB
	maxEntries int
}

// NewEntryStore returns an EntryStore backed by db. maxEntries <= 0 uses
// DefaultMaxEntries.
func NewEntryStore(db *gorm.DB, maxEntries int) *EntryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &EntryStore{db: db, maxEntries: maxEntries}
}

// Append inserts e. Re-appending the same EnvelopeID is a no-op (at-most-once
// logging matches the router's own dedup guarantee) rather than an error.
func (s *EntryStore) Append(ctx context.Context, e *Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.ID == "" {
		e.ID = e.EnvelopeID
	}
	err := s.db.WithContext(ctx).Clauses(onConflictDoNothing()).Create(e).Error
	if err != nil {
		return fmt.Errorf("msglog: append entry: %w", err)
	}
	return nil
}

// MarkStatus updates the delivery status of an entry (pending → delivered or
// failed).
func (s *EntryStore) MarkStatus(ctx context.Context, envelopeID, status string) error {
	result := s.db.WithContext(ctx).
		Model(&Entry{}).
		Where("envelope_id = ?", envelopeID).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("msglog: mark status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ByRecipient returns entries addressed to name, optionally only those
// strictly newer than sinceMS, for inbox reconstruction on reconnect (spec
// §4.6's "byRecipient(name, since?, limit?)").
func (s *EntryStore) ByRecipient(ctx context.Context, name string, sinceMS int64, limit int) ([]Entry, error) {
	q := s.db.WithContext(ctx).Where("to_name = ?", name)
	if sinceMS > 0 {
		q = q.Where("timestamp_ms > ?", sinceMS)
	}
	return s.runOrdered(q, limit)
}

// ByChannel returns entries addressed to a channel (to_name beginning with
// "#"), for CHANNEL_MESSAGE history queries.
func (s *EntryStore) ByChannel(ctx context.Context, channel string, sinceMS int64, limit int) ([]Entry, error) {
	q := s.db.WithContext(ctx).Where("to_name = ?", channel)
	if sinceMS > 0 {
		q = q.Where("timestamp_ms > ?", sinceMS)
	}
	return s.runOrdered(q, limit)
}

// ByThread returns every entry sharing a thread id, oldest first.
func (s *EntryStore) ByThread(ctx context.Context, threadID string) ([]Entry, error) {
	return s.runOrdered(s.db.WithContext(ctx).Where("thread_id = ?", threadID), 0)
}

// BySessionSince returns entries for a stream (addressed to the resumed
// agent) with seq strictly greater than afterSeq — the at-most-once replay
// rule for resumed sessions (spec §4.6).
func (s *EntryStore) BySessionSince(ctx context.Context, to string, afterSeq uint64) ([]Entry, error) {
	return s.runOrdered(
		s.db.WithContext(ctx).Where("to_name = ? AND seq > ?", to, afterSeq), 0)
}

func (s *EntryStore) runOrdered(q *gorm.DB, limit int) ([]Entry, error) {
	var entries []Entry
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Order("timestamp_ms ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("msglog: query entries: %w", err)
	}
	return entries, nil
}

// Prune deletes the oldest rows once the table exceeds maxEntries, per spec
// §4.6's "bounded retention policy".
func (s *EntryStore) Prune(ctx context.Context) (int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&Entry{}).Count(&total).Error; err != nil {
		return 0, fmt.Errorf("msglog: count entries: %w", err)
	}
	if total <= int64(s.maxEntries) {
		return 0, nil
	}
	excess := total - int64(s.maxEntries)

	sub := s.db.WithContext(ctx).Model(&Entry{}).
		Select("id").
		Order("timestamp_ms ASC").
		Limit(int(excess))

	result := s.db.WithContext(ctx).Where("id IN (?)", sub).Delete(&Entry{})
	if result.Error != nil {
		return 0, fmt.Errorf("msglog: prune entries: %w", result.Error)
	}
	return result.RowsAffected, nil
}
