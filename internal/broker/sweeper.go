package broker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentrelay/relay/internal/envelope"
)

// runAckSweeper ticks every ackSweepInterval, expiring PendingAcks whose
// deadline has passed and reporting each as a non-fatal ERROR to its
// original blocking sender (spec §4.8: "Pending-ack sweeper runs on a timer of 100ms
// granularity").
func (b *Broker) runAckSweeper(ctx context.Context) {
	ticker := time.NewTicker(ackSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ack := range b.route.SweepExpiredAcks(ctx) {
				b.reportAckTimeout(ack.SenderConnID, ack.CorrelationID)
			}
		}
	}
}

func (b *Broker) reportAckTimeout(senderConnID, correlationID string) {
	b.mu.RLock()
	sender, ok := b.conns[senderConnID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	// NackPayload's code and message fields match ErrorPayload's; its
	// correlation id lets the sender match this ERROR to its blocking SEND.
	e := envelope.New(envelope.TypeError, "", "", b.nowMS()).WithPayload(envelope.NackPayload{
		CorrelationID: correlationID,
		Code:          envelope.ErrInternal,
		Message:       "pending ack timed out waiting for a reply",
	})
	if err := sender.Send(e); err != nil {
		b.logger.Warn("broker: failed to report ack timeout", zap.String("conn_id", senderConnID), zap.Error(err))
	}
}
