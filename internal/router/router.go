// Package router implements C7: the routing fabric that applies direct,
// broadcast, channel, and topic addressing rules, persists channel
// memberships, and enforces at-most-once delivery via the dedup package
// (spec §4.7).
package router

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agentrelay/relay/internal/dedup"
	"github.com/agentrelay/relay/internal/envelope"
	"github.com/agentrelay/relay/internal/inject"
	"github.com/agentrelay/relay/internal/msglog"
	"github.com/agentrelay/relay/internal/registry"
)

// Dispatcher is the subset of conn.Connection the router needs to hand an
// envelope to a socket-client Connection directly (as opposed to a
// PTY-wrapped agent, which goes through the injector instead).
type Dispatcher interface {
	Send(e *envelope.Envelope) error
	ID() string
}

// Uplink is implemented by the cloud package (C8). When non-nil, the router
// consults it to decide whether a name is remote, and hands remote-bound
// DELIVERs to it instead of logging them as undeliverable.
type Uplink interface {
	IsRemote(name string) bool
	Forward(e *envelope.Envelope) error
}

// Config controls routing policy decisions left open by the source (spec
// Open Questions).
type Config struct {
	// IncludeSelfInInbox is not read by the router or the broker: a
	// self-addressed SEND is logged against the sender like any other
	// recipient and appears in the sender's inbox query whatever this says.
	IncludeSelfInInbox bool

	// DefaultSendDeadlineMS is not read by the router: a PTY injection with
	// no sync.timeout_ms waits up to 30s, and a fire-and-forget SEND logged
	// for an offline name stays in the log with no deadline of its own.
	DefaultSendDeadlineMS int64

	// OnInjectionResult, if set, is called once per completed PTY injection
	// attempt with "delivered" or "failed", letting a caller (the broker)
	// maintain its own metrics without this package importing a metrics
	// library itself.
	OnInjectionResult func(result string)
}

// Router is the central dispatch point described in spec §4.7.
type Router struct {
	cfg Config

	agents   *registry.Registry
	entries  *msglog.EntryStore
	channels *msglog.ChannelStore
	acks     *msglog.PendingAckTable
	injector *inject.Manager
	uplink   Uplink

	seq *dedup.Sequencer

	mu    sync.RWMutex
	conns map[string]Dispatcher // connID -> dispatcher, ACTIVE socket clients only

	chMu      sync.RWMutex
	chMembers map[string]map[string]struct{} // channel -> set of agent names

	logger *zap.Logger
	nowMS  func() int64
}

// New constructs a Router. LoadChannelMemberships should be called once at
// startup before any Connection is allowed to HELLO (spec §4.7).
func New(agents *registry.Registry, entries *msglog.EntryStore, channels *msglog.ChannelStore, acks *msglog.PendingAckTable, injector *inject.Manager, cfg Config, logger *zap.Logger, nowMS func() int64) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		cfg:       cfg,
		agents:    agents,
		entries:   entries,
		channels:  channels,
		acks:      acks,
		injector:  injector,
		seq:       dedup.NewSequencer(),
		conns:     make(map[string]Dispatcher),
		chMembers: make(map[string]map[string]struct{}),
		logger:    logger.Named("router"),
		nowMS:     nowMS,
	}
}

// SetUplink wires in the cloud uplink (C8), done once it's constructed since
// it in turn depends on the Router existing first.
func (r *Router) SetUplink(u Uplink) { r.uplink = u }

// SeedSequence primes the shared per-stream sequencer from a resumed
// session's stored high-water mark, so the first DELIVER issued after resume
// continues the stream instead of restarting at 1 (spec §4.1: "seeds the
// per-stream sequence counters from the stored high-water marks").
func (r *Router) SeedSequence(stream string, highWaterMark uint64) {
	r.seq.Seed(stream, highWaterMark)
}

// HighWaterMark returns the last seq issued for stream, so the broker can
// persist it back to the session store for a future resume (spec §4.1's
// resume store, §8 scenario 6's "replay everything since the last delivered
// entry").
func (r *Router) HighWaterMark(stream string) uint64 {
	return r.seq.HighWaterMark(stream)
}

// LoadChannelMemberships restores the in-memory channel map from the
// persisted log, the restart-time step spec §4.7 requires before any HELLO
// is accepted.
func (r *Router) LoadChannelMemberships(ctx context.Context) error {
	all, err := r.channels.All(ctx)
	if err != nil {
		return fmt.Errorf("router: load channel memberships: %w", err)
	}
	r.chMu.Lock()
	defer r.chMu.Unlock()
	for ch, members := range all {
		set := make(map[string]struct{}, len(members))
		for _, m := range members {
			set[m] = struct{}{}
		}
		r.chMembers[ch] = set
	}
	return nil
}

// AttachDispatcher registers a socket-client Connection's Dispatcher so the
// router can hand it envelopes directly, called once a Connection reaches
// ACTIVE.
func (r *Router) AttachDispatcher(d Dispatcher) {
	r.mu.Lock()
	r.conns[d.ID()] = d
	r.mu.Unlock()
}

// DetachDispatcher removes a Connection's Dispatcher, called when it leaves
// ACTIVE.
func (r *Router) DetachDispatcher(connID string) {
	r.mu.Lock()
	delete(r.conns, connID)
	r.mu.Unlock()
}

// JoinChannel records name's membership in channel, both in memory and in
// the persisted log (spec §4.7 "Channel membership persistence").
func (r *Router) JoinChannel(ctx context.Context, channel, name string) error {
	if err := r.channels.Join(ctx, channel, name); err != nil {
		return err
	}
	r.chMu.Lock()
	if r.chMembers[channel] == nil {
		r.chMembers[channel] = make(map[string]struct{})
	}
	r.chMembers[channel][name] = struct{}{}
	r.chMu.Unlock()
	return nil
}

// LeaveChannel removes name's membership in channel.
func (r *Router) LeaveChannel(ctx context.Context, channel, name string) error {
	if err := r.channels.Leave(ctx, channel, name); err != nil {
		return err
	}
	r.chMu.Lock()
	if set, ok := r.chMembers[channel]; ok {
		delete(set, name)
	}
	r.chMu.Unlock()
	return nil
}

// ChannelMembers returns a snapshot of channel's current members.
func (r *Router) ChannelMembers(channel string) []string {
	r.chMu.RLock()
	defer r.chMu.RUnlock()
	set := r.chMembers[channel]
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	return names
}

// Route is the central dispatch of spec §4.7's route(senderConn, envelope).
// senderName is the sender's agentName (used for self-delivery rules and
// log attribution); senderConnID identifies the sender's Connection for
// PendingAck bookkeeping.
func (r *Router) Route(ctx context.Context, senderName, senderConnID string, e *envelope.Envelope) error {
	var sync *envelope.Sync
	if e.Sync != nil && e.Sync.Blocking {
		sync = e.Sync
		ack := msglog.PendingAck{
			CorrelationID: sync.CorrelationID,
			SenderConnID:  senderConnID,
			DeadlineMS:    r.nowMS() + sync.TimeoutMS,
		}
		if err := r.acks.Create(ctx, ack); err != nil {
			return fmt.Errorf("router: create pending ack: %w", err)
		}
	}

	var routeErr error
	switch {
	case e.IsBroadcast():
		routeErr = r.routeBroadcast(ctx, senderConnID, e)
	case e.IsChannel():
		routeErr = r.routeChannel(ctx, senderConnID, e)
	default:
		routeErr = r.routeDirect(ctx, senderConnID, e, sync != nil)
	}

	// An immediate routing failure means no ACK will ever arrive for this
	// correlation — don't leave the PendingAck to linger until the sweeper
	// times it out.
	if routeErr != nil && sync != nil {
		r.acks.Resolve(ctx, sync.CorrelationID)
	}
	return routeErr
}

// routeDirect handles a specific-agent-name `to`, including the canonical
// DM form "dm:A:B" which is additionally logged against both participants
// (spec §4.7).
func (r *Router) routeDirect(ctx context.Context, senderConnID string, e *envelope.Envelope, synchronous bool) error {
	if a, b, ok := parseDM(e.To); ok {
		if err := r.deliverOrLog(ctx, senderConnID, e, e.To, synchronous); err != nil {
			return err
		}
		// Also index under each participant so either side's inbox query
		// surfaces it.
		_ = r.logOnly(ctx, e, a)
		_ = r.logOnly(ctx, e, b)
		return nil
	}
	return r.deliverOrLog(ctx, senderConnID, e, e.To, synchronous)
}

// deliverOrLog attempts to hand e to recipient's live Connection (direct
// socket send or PTY injection), falling back to logging for later replay,
// or forwarding to the cloud uplink if the name is remote.
func (r *Router) deliverOrLog(ctx context.Context, senderConnID string, e *envelope.Envelope, recipient string, synchronous bool) error {
	if r.injector.Has(recipient) {
		return r.deliverToPTY(ctx, senderConnID, e, recipient, synchronous)
	}

	if connID, online := r.agents.Lookup(recipient); online {
		r.mu.RLock()
		d, ok := r.conns[connID]
		r.mu.RUnlock()
		if ok {
			deliver := r.toDeliver(e, recipient)
			if err := r.appendLog(ctx, deliver, "delivered"); err != nil {
				return err
			}
			return d.Send(deliver)
		}
	}

	if r.uplink != nil && r.uplink.IsRemote(recipient) {
		return r.uplink.Forward(e)
	}

	if synchronous {
		return fmt.Errorf("router: %w: %q", ErrUnknownRecipient, recipient)
	}

	// Fire-and-forget to an offline/unknown name: log against it so a later
	// connect (or HELLO) can replay it, per spec §4.7's edge case.
	deliver := r.toDeliver(e, recipient)
	return r.appendLog(ctx, deliver, "pending")
}

func (r *Router) deliverToPTY(ctx context.Context, senderConnID string, e *envelope.Envelope, recipient string, synchronous bool) error {
	deliver := r.toDeliver(e, recipient)
	if err := r.appendLog(ctx, deliver, "pending"); err != nil {
		return err
	}

	line := formatInjectedLine(e)
	deadline := r.nowMS() + 30_000
	if e.Sync != nil && e.Sync.TimeoutMS > 0 {
		deadline = r.nowMS() + e.Sync.TimeoutMS
	}

	result := make(chan error, 1)
	if err := r.injector.Enqueue(recipient, injectJob(line, deadline, result)); err != nil {
		return fmt.Errorf("router: enqueue injection: %w", err)
	}

	go func() {
		err := <-result
		status := "delivered"
		if err != nil {
			status = "failed"
		}
		_ = r.entries.MarkStatus(context.Background(), deliver.ID, status)
		if r.cfg.OnInjectionResult != nil {
			r.cfg.OnInjectionResult(status)
		}
		// A failed injection (timeout or write error) is surfaced to the
		// original sender as a NACK, independent of whether the SEND was
		// synchronous (spec §4.6's injection-timeout edge case).
		if err != nil {
			r.nackSender(senderConnID, e.ID, err)
		}
	}()

	return nil
}

// nackSender sends a NACK envelope to senderConnID's live dispatcher, if
// still attached, reporting why an injection attempt failed.
func (r *Router) nackSender(senderConnID, correlationID string, cause error) {
	if senderConnID == "" {
		return
	}
	r.mu.RLock()
	d, ok := r.conns[senderConnID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	nack := envelope.New(envelope.TypeNack, "", "", r.nowMS()).WithPayload(envelope.NackPayload{
		CorrelationID: correlationID,
		Code:          envelope.ErrInjectionTimeout,
		Message:       cause.Error(),
	})
	if err := d.Send(nack); err != nil {
		r.logger.Warn("router: failed to send NACK to sender", zap.String("conn_id", senderConnID), zap.Error(err))
	}
}

// logOnly appends e to the log against recipient without attempting live
// delivery, used for the DM dual-indexing rule.
func (r *Router) logOnly(ctx context.Context, e *envelope.Envelope, recipient string) error {
	return r.appendLog(ctx, r.toDeliver(e, recipient), "pending")
}

// routeBroadcast fans e out to every ACTIVE Connection's agent name except
// the sender, one DELIVER per member with distinct ids (spec §4.7).
func (r *Router) routeBroadcast(ctx context.Context, senderConnID string, e *envelope.Envelope) error {
	for _, name := range r.agents.ActiveNames() {
		connID, online := r.agents.Lookup(name)
		if !online || connID == senderConnID {
			continue
		}
		if err := r.deliverOrLog(ctx, senderConnID, e, name, false); err != nil {
			r.logger.Warn("broadcast delivery failed", zap.String("to", name), zap.Error(err))
		}
	}
	return nil
}

// routeChannel fans e out to every member of the #-prefixed channel in
// e.To, one DELIVER per member (spec §4.7).
func (r *Router) routeChannel(ctx context.Context, senderConnID string, e *envelope.Envelope) error {
	for _, name := range r.ChannelMembers(e.To) {
		if err := r.deliverOrLog(ctx, senderConnID, e, name, false); err != nil {
			r.logger.Warn("channel delivery failed", zap.String("channel", e.To), zap.String("to", name), zap.Error(err))
		}
	}
	return nil
}

// DeliverRemote dispatches a DELIVER envelope that already arrived fully
// formed from the cloud uplink (C8) — its id, seq, and topic were assigned
// by the origin broker, so unlike a local SEND this does not go through
// toDeliver; Router only decides where e.To lands in this broker's local
// connections (spec §4.7's routing rules apply identically regardless of
// which broker originated the envelope).
func (r *Router) DeliverRemote(ctx context.Context, e *envelope.Envelope) error {
	if r.injector.Has(e.To) {
		if err := r.appendLog(ctx, e, "pending"); err != nil {
			return err
		}
		line := formatInjectedLine(e)
		deadline := r.nowMS() + 30_000
		result := make(chan error, 1)
		if err := r.injector.Enqueue(e.To, injectJob(line, deadline, result)); err != nil {
			return fmt.Errorf("router: enqueue remote injection: %w", err)
		}
		go func() {
			err := <-result
			status := "delivered"
			if err != nil {
				status = "failed"
			}
			_ = r.entries.MarkStatus(context.Background(), e.ID, status)
		}()
		return nil
	}

	if connID, online := r.agents.Lookup(e.To); online {
		r.mu.RLock()
		d, ok := r.conns[connID]
		r.mu.RUnlock()
		if ok {
			if err := r.appendLog(ctx, e, "delivered"); err != nil {
				return err
			}
			return d.Send(e)
		}
	}

	return r.appendLog(ctx, e, "pending")
}

// ResolveAck removes the outstanding PendingAck for correlationID and
// returns its sender's connection id, which the broker uses to forward the
// ACK to that sender as a synthetic reply (spec §4.7). Returns false if no
// PendingAck was outstanding for this correlation.
func (r *Router) ResolveAck(ctx context.Context, correlationID string) (senderConnID string, ok bool) {
	ack, found := r.acks.Resolve(ctx, correlationID)
	if !found {
		return "", false
	}
	return ack.SenderConnID, true
}

// SweepExpiredAcks expires timed-out correlations, called by the broker's
// 100ms sweeper (spec §4.8).
func (r *Router) SweepExpiredAcks(ctx context.Context) []msglog.PendingAck {
	return r.acks.SweepExpired(ctx, r.nowMS())
}

// toDeliver builds the DELIVER envelope for recipient, assigning it a fresh
// id and the next seq for its (topic, recipient) stream.
func (r *Router) toDeliver(e *envelope.Envelope, recipient string) *envelope.Envelope {
	d := envelope.New(envelope.TypeDeliver, e.From, recipient, r.nowMS())
	d.Topic = e.Topic
	d.Seq = r.seq.Next(e.Stream(recipient))
	d.Payload = e.Payload
	return d
}

func (r *Router) appendLog(ctx context.Context, d *envelope.Envelope, status string) error {
	entry := &msglog.Entry{
		ID:          d.ID,
		EnvelopeID:  d.ID,
		TimestampMS: d.TimestampMS,
		From:        d.From,
		To:          d.To,
		Kind:        string(d.Type),
		Topic:       d.Topic,
		IsBroadcast: d.To == "*",
		Status:      status,
		Seq:         d.Seq,
	}
	if len(d.Payload) > 0 {
		var send envelope.SendPayload
		if err := d.DecodePayload(&send); err == nil && send.Body != "" {
			entry.Body = send.Body
			entry.ThreadID = send.ThreadID
		} else {
			entry.Body = string(d.Payload)
		}
	}
	if err := r.entries.Append(ctx, entry); err != nil {
		return fmt.Errorf("router: append log: %w", err)
	}
	return nil
}
