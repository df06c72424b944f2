package msglog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// PendingAck is the in-memory correlation record for a synchronous
// (blocking) SEND, per spec §3: "correlation id, sender Connection id,
// deadline, single-shot timer handle. Removed on ACK of correlation, on
// sender disconnect, or on timeout. Invariant: at most one PendingAck per
// correlation id."
type PendingAck struct {
	CorrelationID string
	SenderConnID  string
	DeadlineMS    int64
}

// PendingAckTable tracks outstanding PendingAcks in memory and mirrors them
// to the database so a crash does not leave an invisible liability, though
// only the in-memory copy is actually consulted by the sweeper (spec §4.8:
// "Pending-ack sweeper runs on a timer of 100ms granularity").
type PendingAckTable struct {
	mu      sync.Mutex
	pending map[string]PendingAck
	db      *gorm.DB
}

// NewPendingAckTable returns an empty PendingAckTable backed by db for
// crash bookkeeping.
func NewPendingAckTable(db *gorm.DB) *PendingAckTable {
	return &PendingAckTable{pending: make(map[string]PendingAck), db: db}
}

// Create registers a new PendingAck. Returns an error if correlationID is
// already outstanding (the invariant from spec §3).
func (t *PendingAckTable) Create(ctx context.Context, ack PendingAck) error {
	t.mu.Lock()
	if _, exists := t.pending[ack.CorrelationID]; exists {
		t.mu.Unlock()
		return fmt.Errorf("msglog: pending ack %q already exists", ack.CorrelationID)
	}
	t.pending[ack.CorrelationID] = ack
	t.mu.Unlock()

	row := PendingAckRecord{
		CorrelationID: ack.CorrelationID,
		SenderConnID:  ack.SenderConnID,
		DeadlineMS:    ack.DeadlineMS,
		CreatedAt:     time.Now().UTC(),
	}
	if err := t.db.WithContext(ctx).Clauses(onConflictDoNothing()).Create(&row).Error; err != nil {
		return fmt.Errorf("msglog: persist pending ack: %w", err)
	}
	return nil
}

// Resolve removes and returns the PendingAck for correlationID, whether
// resolved by ACK, sender disconnect, or sweeper timeout. The second return
// is false if no such PendingAck was outstanding (e.g. a duplicate or
// late ACK).
func (t *PendingAckTable) Resolve(ctx context.Context, correlationID string) (PendingAck, bool) {
	t.mu.Lock()
	ack, ok := t.pending[correlationID]
	if ok {
		delete(t.pending, correlationID)
	}
	t.mu.Unlock()

	if ok {
		_ = t.db.WithContext(ctx).Where("correlation_id = ?", correlationID).Delete(&PendingAckRecord{}).Error
	}
	return ack, ok
}

// ResolveBySender removes every PendingAck belonging to connID, called when
// its Connection disconnects.
func (t *PendingAckTable) ResolveBySender(ctx context.Context, connID string) []PendingAck {
	t.mu.Lock()
	var resolved []PendingAck
	for id, ack := range t.pending {
		if ack.SenderConnID == connID {
			resolved = append(resolved, ack)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()

	if len(resolved) > 0 {
		_ = t.db.WithContext(ctx).Where("sender_conn_id = ?", connID).Delete(&PendingAckRecord{}).Error
	}
	return resolved
}

// SweepExpired removes and returns every PendingAck whose deadline is at or
// before nowMS, the sweeper's per-tick unit of work.
func (t *PendingAckTable) SweepExpired(ctx context.Context, nowMS int64) []PendingAck {
	t.mu.Lock()
	var expired []PendingAck
	for id, ack := range t.pending {
		if ack.DeadlineMS <= nowMS {
			expired = append(expired, ack)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()

	if len(expired) > 0 {
		ids := make([]string, len(expired))
		for i, ack := range expired {
			ids[i] = ack.CorrelationID
		}
		_ = t.db.WithContext(ctx).Where("correlation_id IN (?)", ids).Delete(&PendingAckRecord{}).Error
	}
	return expired
}

// Len returns the number of outstanding PendingAcks.
func (t *PendingAckTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
