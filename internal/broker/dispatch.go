package broker

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/agentrelay/relay/internal/conn"
	"github.com/agentrelay/relay/internal/envelope"
	"github.com/agentrelay/relay/internal/router"
)

// dispatchLoop reads envelopes from c until it closes or errors, routing
// each to the right handler. Every inbound envelope passes the Connection's
// own dedup cache first so a retried SEND from a flaky client collapses to
// at-most-once processing (spec §4.2), independent of the router's own
// dedup of DELIVERs it originates.
func (b *Broker) dispatchLoop(ctx context.Context, c *conn.Connection) {
	name := c.AgentName()
	for {
		e, err := c.Recv()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				b.logger.Info("connection read ended", zap.String("conn_id", c.ID), zap.String("agent", name), zap.Error(err))
			}
			return
		}

		if !c.AllowedInState(e.Type) {
			b.sendError(c, envelope.ErrBadRequest, fmt.Sprintf("envelope type %s not allowed in state %s", e.Type, c.State()), true)
			return
		}

		if c.Dedup.SeenOrRecord(e.ID) {
			b.metrics.dedupHits.Inc()
			continue
		}

		if e.Type == envelope.TypeBye {
			return
		}

		b.handleEnvelope(ctx, c, name, e)
	}
}

// handleEnvelope dispatches one envelope by type, per the per-type rules of
// spec §4.1 and §4.7.
func (b *Broker) handleEnvelope(ctx context.Context, c *conn.Connection, name string, e *envelope.Envelope) {
	b.metrics.envelopesRouted.WithLabelValues(string(e.Type)).Inc()
	switch e.Type {
	case envelope.TypeSend, envelope.TypeChanMsg:
		e.From = name
		if err := b.route.Route(ctx, name, c.ID, e); err != nil {
			b.logger.Info("route failed", zap.String("from", name), zap.String("to", e.To), zap.Error(err))
			if e.Sync != nil && e.Sync.Blocking {
				code := envelope.ErrInternal
				if errors.Is(err, router.ErrUnknownRecipient) {
					code = envelope.ErrUnknownRecipient
				}
				b.sendError(c, code, err.Error(), false)
			}
		}

	case envelope.TypeAck:
		var ack envelope.AckPayload
		_ = e.DecodePayload(&ack)
		if senderConnID, ok := b.route.ResolveAck(ctx, ack.CorrelationID); ok {
			b.forwardAck(senderConnID, ack.CorrelationID)
		}

	case envelope.TypeSubscribe:
		if b.cloudMgr != nil {
			b.cloudMgr.Subscribe(e.To)
		}

	case envelope.TypeUnsub:
		// Topic subscriptions are not separately tracked per-connection in
		// this broker's router; unsubscribing locally is a no-op beyond what
		// the cloud uplink already re-issues on reconnect.

	case envelope.TypeLog:
		// LOG is an advisory, fire-and-forget diagnostic envelope (spec §3's
		// envelope type list names it but defines no further semantics); the
		// broker accepts and drops it rather than rejecting a protocol type
		// it is explicitly told exists.

	case envelope.TypeChanJoin:
		if err := b.route.JoinChannel(ctx, e.To, name); err != nil {
			b.logger.Warn("channel join failed", zap.String("channel", e.To), zap.Error(err))
			return
		}
		if b.cloudMgr != nil {
			b.cloudMgr.JoinChannel(e.To)
		}

	case envelope.TypeChanLeave:
		if err := b.route.LeaveChannel(ctx, e.To, name); err != nil {
			b.logger.Warn("channel leave failed", zap.String("channel", e.To), zap.Error(err))
		}

	case envelope.TypeSpawn:
		b.handleSpawn(ctx, c, name, e)

	case envelope.TypeRelease:
		b.handleRelease(ctx, name, e)

	case envelope.TypeStatus:
		b.handleStatus(c)

	case envelope.TypeInbox:
		b.handleInbox(ctx, c, name, e)

	case envelope.TypeListAgents:
		b.handleListAgents(c)

	case envelope.TypePong:
		c.ObservePong(b.nowMS())

	case envelope.TypePing:
		pong := envelope.New(envelope.TypePong, "", name, b.nowMS())
		if err := c.Send(pong); err != nil {
			b.logger.Warn("broker: failed to send pong", zap.Error(err))
		}

	default:
		b.sendError(c, envelope.ErrBadRequest, fmt.Sprintf("unsupported envelope type %s", e.Type), false)
	}
}

// forwardAck relays an ACK back to the original blocking sender as a
// synthetic reply, completing the round trip the router's PendingAck tracked
// (spec §4.7).
func (b *Broker) forwardAck(senderConnID, correlationID string) {
	b.mu.RLock()
	sender, ok := b.conns[senderConnID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	ack := envelope.New(envelope.TypeAck, "", "", b.nowMS()).WithPayload(envelope.AckPayload{CorrelationID: correlationID})
	if err := sender.Send(ack); err != nil {
		b.logger.Warn("broker: failed to forward ack", zap.String("conn_id", senderConnID), zap.Error(err))
	}
}

func (b *Broker) handleStatus(c *conn.Connection) {
	resp := envelope.New(envelope.TypeStatusResp, "", c.AgentName(), b.nowMS()).WithPayload(envelope.StatusResponsePayload{
		AgentCount:   len(b.agents.All()),
		ChannelCount: 0,
		UptimeMS:     b.nowMS() - b.startedMS,
		CloudLinked:  b.cloudMgr != nil && b.cloudMgr.Connected(),
		Version:      b.cfg.Version,
	})
	if err := c.Send(resp); err != nil {
		b.logger.Warn("broker: failed to send status response", zap.Error(err))
	}
}

func (b *Broker) handleInbox(ctx context.Context, c *conn.Connection, name string, e *envelope.Envelope) {
	entries, err := b.entries.ByRecipient(ctx, name, 0, 100)
	if err != nil {
		b.logger.Warn("broker: inbox query failed", zap.Error(err))
		entries = nil
	}
	out := make([]envelope.InboxEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, envelope.InboxEntry{
			ID:          entry.ID,
			From:        entry.From,
			To:          entry.To,
			Body:        entry.Body,
			TimestampMS: entry.TimestampMS,
			Seq:         entry.Seq,
		})
	}
	resp := envelope.New(envelope.TypeInboxResp, "", name, b.nowMS()).WithPayload(envelope.InboxResponsePayload{Entries: out})
	if err := c.Send(resp); err != nil {
		b.logger.Warn("broker: failed to send inbox response", zap.Error(err))
	}
}

func (b *Broker) handleListAgents(c *conn.Connection) {
	records := b.agents.All()
	summaries := make([]envelope.AgentSummary, 0, len(records))
	for _, rec := range records {
		summaries = append(summaries, envelope.AgentSummary{
			Name:       rec.Name,
			Online:     rec.ConnID != "",
			CLI:        rec.CLI,
			LastSeenMS: rec.LastSeenMS,
		})
	}
	resp := envelope.New(envelope.TypeListResp, "", c.AgentName(), b.nowMS()).WithPayload(envelope.ListAgentsResponsePayload{Agents: summaries})
	if err := c.Send(resp); err != nil {
		b.logger.Warn("broker: failed to send list_agents response", zap.Error(err))
	}
}
