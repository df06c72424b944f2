package broker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentrelay/relay/internal/conn"
	"github.com/agentrelay/relay/internal/envelope"
)

// heartbeatTickInterval is how often the broker checks every ACTIVE
// Connection's liveness, independent of the negotiated heartbeat_ms each
// Connection advertised in WELCOME (spec §4.1: "a timer that fires every
// heartbeat_ms milliseconds, sending PING with a fresh nonce").
const heartbeatTickInterval = 5 * time.Second

// runHeartbeatMonitor ticks every heartbeatTickInterval, sending a PING to
// every ACTIVE Connection and reaping any whose last observed PONG is older
// than heartbeat_ms * heartbeat_multiplier with a fatal HEARTBEAT_TIMEOUT
// (spec §4.1), unless the connection is currently marked processing (waiting
// on PTY quiescence) — Connection.HeartbeatTimedOut already applies that
// exemption.
func (b *Broker) runHeartbeatMonitor(ctx context.Context) {
	ticker := time.NewTicker(heartbeatTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tickHeartbeats()
		}
	}
}

func (b *Broker) tickHeartbeats() {
	b.mu.RLock()
	targets := make([]*conn.Connection, 0, len(b.conns))
	for _, c := range b.conns {
		if c.State() == conn.StateActive {
			targets = append(targets, c)
		}
	}
	b.mu.RUnlock()

	now := b.nowMS()
	for _, c := range targets {
		if c.HeartbeatTimedOut(now) {
			b.sendError(c, envelope.ErrHeartbeatTimeout, "no PONG received within heartbeat window", true)
			c.Fail("heartbeat timeout")
			continue
		}
		ping := envelope.New(envelope.TypePing, "", c.AgentName(), now)
		if err := c.Send(ping); err != nil {
			b.logger.Warn("broker: failed to send ping", zap.String("conn_id", c.ID), zap.Error(err))
		}
	}
}
