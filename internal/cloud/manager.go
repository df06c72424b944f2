// Package cloud implements C8: the outbound WebSocket uplink that mirrors
// this broker's local routing decisions to a parent relay broker and
// injects whatever the parent forwards back as if it arrived from a locally
// connected peer. It is the one piece of this broker that is itself a
// client of another broker's C1/C7 — every local agent connection using
// "this broker" as its own private mesh is bridged onto the wider one
// through this single uplink.
package cloud

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentrelay/relay/internal/conn"
	"github.com/agentrelay/relay/internal/dedup"
	"github.com/agentrelay/relay/internal/envelope"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.2

	// rosterPollInterval is how often LIST_AGENTS is re-issued to refresh the
	// roster of names reachable through this uplink.
	rosterPollInterval = 20 * time.Second

	// outboundQueueSize bounds the mirror-outward queue; once full, the
	// oldest pending envelope is dropped to make room for the newest one
	// (spec's fire-and-forget delivery never blocks the router on a slow
	// uplink).
	outboundQueueSize = 256
)

// LocalRouter is the subset of *router.Router the uplink needs to inject a
// remote DELIVER into this broker's own routing, defined here rather than
// imported directly so this package stays the dependency leaf router.Uplink
// already assumes it is.
type LocalRouter interface {
	DeliverRemote(ctx context.Context, e *envelope.Envelope) error
}

// Config configures one outbound uplink.
type Config struct {
	// URL is the parent relay broker's WebSocket endpoint, e.g.
	// "wss://relay.example.com/ws".
	URL string
	// BrokerName identifies this broker to the parent, sent as HELLO's
	// agent field with Internal set.
	BrokerName string
	// Token is sent as an Authorization bearer header on dial.
	Token string
	// StateDir is where the resume token persists across restarts.
	StateDir string
	// MaxFrameBytes bounds both directions; 0 uses envelope.DefaultMaxFrameBytes.
	MaxFrameBytes int
}

// Manager owns the outbound connection lifecycle: dial, HELLO/WELCOME,
// mirror local DELIVERs outward, inject remote DELIVERs inward, reconnect
// with jittered exponential backoff, re-present the resume token and
// re-issue subscriptions on every reconnect.
type Manager struct {
	cfg    Config
	router LocalRouter
	logger *zap.Logger
	nowMS  func() int64

	mu          sync.RWMutex
	transport   *conn.WSTransport
	connected   bool
	resumeToken string

	roster *roster
	dedup  *dedup.InboundCache

	subMu      sync.Mutex
	topics     map[string]struct{} // SUBSCRIBE'd topics to re-issue on reconnect
	channels   map[string]struct{} // CHANNEL_JOIN'd channels to re-issue on reconnect

	outbound chan *envelope.Envelope
}

// New constructs a Manager. Call Run to start the connect/reconnect loop.
func New(cfg Config, router LocalRouter, logger *zap.Logger, nowMS func() int64) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if nowMS == nil {
		nowMS = func() int64 { return time.Now().UnixMilli() }
	}
	state, err := loadState(cfg.StateDir)
	if err != nil {
		logger.Warn("cloud: failed to load persisted state, starting fresh", zap.Error(err))
	}
	return &Manager{
		cfg:         cfg,
		router:      router,
		logger:      logger.Named("cloud"),
		nowMS:       nowMS,
		resumeToken: state.ResumeToken,
		roster:      newRoster(),
		dedup:       dedup.NewInboundCache(dedup.DefaultDedupCapacity),
		topics:      make(map[string]struct{}),
		channels:    make(map[string]struct{}),
		outbound:    make(chan *envelope.Envelope, outboundQueueSize),
	}
}

// IsRemote implements router.Uplink: reports whether name was recently seen
// reachable through this uplink.
func (m *Manager) IsRemote(name string) bool {
	return m.roster.isRemote(name, m.nowMS())
}

// Forward implements router.Uplink: mirrors e outward. Non-blocking; if the
// outbound queue is saturated (a prolonged disconnect), the oldest queued
// envelope is dropped to make room, since an indefinitely blocked Router
// would stall every other delivery path too.
func (m *Manager) Forward(e *envelope.Envelope) error {
	select {
	case m.outbound <- e:
		return nil
	default:
	}
	select {
	case dropped := <-m.outbound:
		m.logger.Warn("cloud: outbound queue full, dropping oldest envelope",
			zap.String("dropped_id", dropped.ID), zap.String("dropped_to", dropped.To))
	default:
	}
	select {
	case m.outbound <- e:
	default:
		m.logger.Warn("cloud: outbound queue still full after drop, discarding envelope", zap.String("id", e.ID))
	}
	return nil
}

// Subscribe records topic as one to re-SUBSCRIBE on every reconnect, and
// sends it immediately if currently connected.
func (m *Manager) Subscribe(topic string) {
	m.subMu.Lock()
	m.topics[topic] = struct{}{}
	m.subMu.Unlock()
	m.sendIfConnected(envelope.New(envelope.TypeSubscribe, m.cfg.BrokerName, topic, m.nowMS()))
}

// JoinChannel records channel to re-CHANNEL_JOIN on every reconnect.
func (m *Manager) JoinChannel(channel string) {
	m.subMu.Lock()
	m.channels[channel] = struct{}{}
	m.subMu.Unlock()
	m.sendIfConnected(envelope.New(envelope.TypeChanJoin, m.cfg.BrokerName, channel, m.nowMS()))
}

func (m *Manager) sendIfConnected(e *envelope.Envelope) {
	m.mu.RLock()
	t, ok := m.transport, m.connected
	m.mu.RUnlock()
	if !ok {
		return
	}
	if err := t.Send(e); err != nil {
		m.logger.Warn("cloud: send failed", zap.Error(err))
	}
}

// Connected reports whether the uplink currently has a live session.
func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Run connects to the parent broker and maintains the session, reconnecting
// with exponential backoff and jitter on any failure, until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			m.logger.Info("cloud uplink stopped")
			return
		}

		m.logger.Info("connecting to parent broker", zap.String("url", m.cfg.URL))
		if err := m.connect(ctx); err != nil {
			m.logger.Warn("cloud uplink failed, retrying",
				zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = backoffInitial
	}
}

// connect establishes one session: dial → HELLO/WELCOME → run the read and
// write loops concurrently until either ends.
func (m *Manager) connect(ctx context.Context) error {
	var header http.Header
	if m.cfg.Token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + m.cfg.Token}}
	}
	t, err := conn.DialWS(m.cfg.URL, header, m.cfg.MaxFrameBytes)
	if err != nil {
		return fmt.Errorf("cloud: dial failed: %w", err)
	}
	defer t.Close()

	hello := envelope.New(envelope.TypeHello, m.cfg.BrokerName, "", m.nowMS()).WithPayload(envelope.HelloPayload{
		Agent:    m.cfg.BrokerName,
		Internal: true,
		Kind:     "system",
		Capabilities: envelope.Capabilities{
			Ack:            true,
			Resume:         true,
			SupportsTopics: true,
		},
		Session: &envelope.SessionRef{ResumeToken: m.resumeToken},
	})
	if err := t.Send(hello); err != nil {
		return fmt.Errorf("cloud: send HELLO: %w", err)
	}

	welcome, err := t.Recv()
	if err != nil {
		return fmt.Errorf("cloud: recv WELCOME: %w", err)
	}
	if welcome.Type == envelope.TypeError {
		var ep envelope.ErrorPayload
		_ = welcome.DecodePayload(&ep)
		return fmt.Errorf("cloud: parent rejected HELLO: %s: %s", ep.Code, ep.Message)
	}
	if welcome.Type != envelope.TypeWelcome {
		return fmt.Errorf("cloud: expected WELCOME, got %s", welcome.Type)
	}
	var wp envelope.WelcomePayload
	if err := welcome.DecodePayload(&wp); err != nil {
		return fmt.Errorf("cloud: decode WELCOME: %w", err)
	}

	m.mu.Lock()
	m.transport = t
	m.connected = true
	m.resumeToken = wp.ResumeToken
	m.mu.Unlock()
	if wp.ResumeToken != "" {
		if err := saveState(m.cfg.StateDir, uplinkState{ResumeToken: wp.ResumeToken}); err != nil {
			m.logger.Warn("cloud: failed to persist resume token", zap.Error(err))
		}
	}

	m.logger.Info("uplink established", zap.String("session_id", wp.SessionID))
	m.resubscribeAll()

	errCh := make(chan error, 2)
	go func() { errCh <- m.readLoop(ctx, t) }()
	go func() { errCh <- m.writeLoop(ctx, t) }()

	err = <-errCh
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// resubscribeAll re-issues every locally tracked SUBSCRIBE/CHANNEL_JOIN, the
// reconnect-time step spec's C8 description requires so the parent's
// routing table is rebuilt exactly as it was before the disconnect.
func (m *Manager) resubscribeAll() {
	m.subMu.Lock()
	topics := make([]string, 0, len(m.topics))
	for t := range m.topics {
		topics = append(topics, t)
	}
	channels := make([]string, 0, len(m.channels))
	for c := range m.channels {
		channels = append(channels, c)
	}
	m.subMu.Unlock()

	for _, t := range topics {
		m.sendIfConnected(envelope.New(envelope.TypeSubscribe, m.cfg.BrokerName, t, m.nowMS()))
	}
	for _, c := range channels {
		m.sendIfConnected(envelope.New(envelope.TypeChanJoin, m.cfg.BrokerName, c, m.nowMS()))
	}
}

// writeLoop drains the outbound queue to the transport until ctx is
// cancelled or a send fails.
func (m *Manager) writeLoop(ctx context.Context, t *conn.WSTransport) error {
	ticker := time.NewTicker(rosterPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := t.Send(envelope.New(envelope.TypeListAgents, m.cfg.BrokerName, "", m.nowMS())); err != nil {
				return fmt.Errorf("cloud: list_agents poll: %w", err)
			}
		case e := <-m.outbound:
			if err := t.Send(e); err != nil {
				// Put it back at the front would require a deque; simplest
				// safe behavior is to drop it and let the caller's own
				// at-most-once/replay-from-log semantics cover the gap.
				return fmt.Errorf("cloud: forward failed: %w", err)
			}
		}
	}
}

// readLoop receives frames from the parent until ctx is cancelled or the
// connection errors, injecting remote DELIVERs into local routing and
// refreshing the roster from LIST_AGENTS_RESPONSE and observed DELIVER
// senders.
func (m *Manager) readLoop(ctx context.Context, t *conn.WSTransport) error {
	recvCh := make(chan *envelope.Envelope, 1)
	errCh := make(chan error, 1)
	go func() {
		for {
			e, err := t.Recv()
			if err != nil {
				errCh <- err
				return
			}
			recvCh <- e
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return fmt.Errorf("cloud: recv: %w", err)
		case e := <-recvCh:
			m.handleInbound(ctx, e)
		}
	}
}

func (m *Manager) handleInbound(ctx context.Context, e *envelope.Envelope) {
	switch e.Type {
	case envelope.TypeDeliver:
		if m.dedup.SeenOrRecord(e.ID) {
			return
		}
		m.roster.touch(e.From, m.nowMS())
		if err := m.router.DeliverRemote(ctx, e); err != nil {
			m.logger.Warn("cloud: failed to deliver remote envelope locally",
				zap.String("id", e.ID), zap.String("to", e.To), zap.Error(err))
		}
	case envelope.TypeListResp:
		var resp envelope.ListAgentsResponsePayload
		if err := e.DecodePayload(&resp); err != nil {
			m.logger.Warn("cloud: decode LIST_AGENTS_RESPONSE", zap.Error(err))
			return
		}
		names := make([]string, 0, len(resp.Agents))
		for _, a := range resp.Agents {
			if a.Online {
				names = append(names, a.Name)
			}
		}
		m.roster.observe(names, m.nowMS())
	case envelope.TypePing:
		m.sendIfConnected(envelope.New(envelope.TypePong, m.cfg.BrokerName, e.From, m.nowMS()))
	case envelope.TypeBye, envelope.TypeError:
		m.logger.Warn("cloud: parent signaled close", zap.String("type", string(e.Type)))
	}
}

// nextBackoff returns the next backoff duration, capped at backoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter adds a random ±jitterFraction perturbation to d to avoid
// thundering herd when many local brokers reconnect to the same parent at
// once.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
