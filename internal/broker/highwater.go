package broker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentrelay/relay/internal/conn"
)

// highWaterPersistInterval bounds how stale a session's stored high-water
// mark can get while its Connection stays up, independent of the
// disconnect-time persist below.
const highWaterPersistInterval = 5 * time.Second

// runHighWaterPersist ticks every highWaterPersistInterval, writing each
// ACTIVE Connection's current per-stream seq back to its session row so a
// resume after an unclean exit still seeds from something close to the last
// delivered entry rather than from the session's creation-time zero value.
func (b *Broker) runHighWaterPersist(ctx context.Context) {
	ticker := time.NewTicker(highWaterPersistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.persistAllHighWater(ctx)
		}
	}
}

func (b *Broker) persistAllHighWater(ctx context.Context) {
	b.mu.RLock()
	targets := make([]*conn.Connection, 0, len(b.conns))
	for _, c := range b.conns {
		if c.State() == conn.StateActive {
			targets = append(targets, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range targets {
		b.persistHighWater(ctx, c)
	}
}

// persistHighWater writes c's current default-stream seq to its session row.
// Called on every persist tick and once more at disconnect, so the stored
// mark never lags more than one tick behind what was actually delivered
// (spec §4.1: "seeds the per-stream sequence counters from the stored
// high-water marks" on resume).
func (b *Broker) persistHighWater(ctx context.Context, c *conn.Connection) {
	name := c.AgentName()
	sessionID := c.SessionID()
	if name == "" || sessionID == "" {
		return
	}
	stream := defaultStream(name)
	mark := b.route.HighWaterMark(stream)
	if err := b.sessions.UpdateHighWater(ctx, sessionID, map[string]uint64{stream: mark}); err != nil {
		b.logger.Warn("broker: persist high water failed",
			zap.String("agent", name), zap.String("session_id", sessionID), zap.Error(err))
	}
}
