// Package conn implements C1's per-Connection half: the three-state protocol
// machine (HANDSHAKING → ACTIVE → CLOSING), heartbeat timers, and the two
// concrete Transport implementations (local stream socket, WebSocket) that
// carry Envelopes, per spec §3 and §4.1.
//
// The Router (package router) and the broker supervisor (package broker)
// treat every Connection uniformly regardless of transport — this package
// is where that uniformity is built.
package conn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentrelay/relay/internal/dedup"
	"github.com/agentrelay/relay/internal/envelope"
)

// State is a Connection's position in the protocol state machine (spec §4.1).
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateActive
	StateClosing
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Kind is the entity type behind a Connection, per spec §3.
type Kind string

const (
	KindAgent  Kind = "agent"
	KindUser   Kind = "user"
	KindSystem Kind = "system"
)

// Transport is the wire-level send/receive primitive a Connection rides on.
// Implementations: local stream socket (LocalTransport) and WebSocket
// (WSTransport). Both speak Envelope; framing differs underneath.
type Transport interface {
	Send(e *envelope.Envelope) error
	Recv() (*envelope.Envelope, error)
	Close() error
	RemoteAddr() string
}

// Params are the server-advertised parameters sent in WELCOME (spec §4.1).
type Params struct {
	MaxFrameBytes     int
	HeartbeatMS       int64
	HeartbeatMultiplier float64
}

// DefaultParams are used when the broker does not override them.
var DefaultParams = Params{
	MaxFrameBytes:       envelope.DefaultMaxFrameBytes,
	HeartbeatMS:         15_000,
	HeartbeatMultiplier: 3,
}

// Connection is one party attached to the broker, per spec §3. It is safe
// for concurrent use: state, sequencing, and dedup are all internally
// synchronized.
type Connection struct {
	ID        string
	Transport Transport
	Kind      Kind
	CLI       string
	Model     string
	Cwd       string
	Team      string

	params Params
	logger *zap.Logger

	mu          sync.RWMutex
	state       State
	agentName   string
	sessionID   string
	resumeToken string

	// processing is set while the connection is waiting on PTY quiescence so
	// its heartbeat timeout is exempted, per spec §4.1.
	processing atomic.Bool

	lastPongAt atomic.Int64 // unix millis

	Sequencer *dedup.Sequencer
	Dedup     *dedup.InboundCache

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a Connection in CONNECTING state around an already-accepted
// Transport. Call BeginHandshake to move it to HANDSHAKING and begin the
// HELLO exchange.
func New(id string, t Transport, logger *zap.Logger) *Connection {
	return &Connection{
		ID:        id,
		Transport: t,
		state:     StateConnecting,
		params:    DefaultParams,
		logger:    logger.With(zap.String("conn_id", id)),
		Sequencer: dedup.NewSequencer(),
		Dedup:     dedup.NewInboundCache(dedup.DefaultDedupCapacity),
		closed:    make(chan struct{}),
	}
}

// State returns the connection's current protocol state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// AgentName returns the name bound by HELLO, empty if not yet handshaken.
func (c *Connection) AgentName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentName
}

// SessionID returns the active session identifier.
func (c *Connection) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// ResumeToken returns the current resume token.
func (c *Connection) ResumeToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resumeToken
}

// Bind transitions HANDSHAKING → ACTIVE, recording the negotiated identity.
func (c *Connection) Bind(agentName, sessionID, resumeToken string) {
	c.mu.Lock()
	c.agentName = agentName
	c.sessionID = sessionID
	c.resumeToken = resumeToken
	c.state = StateActive
	c.mu.Unlock()
}

// SetProcessing marks the connection as busy handling an injection wait, so
// the heartbeat monitor exempts it from timeout (spec §4.1, §4.6).
func (c *Connection) SetProcessing(v bool) { c.processing.Store(v) }

// IsProcessing reports the current processing flag.
func (c *Connection) IsProcessing() bool { return c.processing.Load() }

// ObservePong records that a PONG arrived just now.
func (c *Connection) ObservePong(nowMS int64) { c.lastPongAt.Store(nowMS) }

// LastPongMS returns the timestamp of the last observed PONG.
func (c *Connection) LastPongMS() int64 { return c.lastPongAt.Load() }

// HeartbeatTimedOut reports whether more than params.HeartbeatMS *
// params.HeartbeatMultiplier has elapsed since the last PONG, unless the
// connection is currently processing (spec §4.1).
func (c *Connection) HeartbeatTimedOut(nowMS int64) bool {
	if c.IsProcessing() {
		return false
	}
	last := c.LastPongMS()
	if last == 0 {
		return false
	}
	limit := int64(float64(c.params.HeartbeatMS) * c.params.HeartbeatMultiplier)
	return nowMS-last > limit
}

// Params returns the negotiated WELCOME parameters.
func (c *Connection) Params() Params { return c.params }

// SetParams overrides the negotiated parameters (called by the broker before
// sending WELCOME).
func (c *Connection) SetParams(p Params) { c.params = p }

// Send writes e to the underlying transport. Safe to call concurrently with
// Recv and with other Sends: each Transport serializes its own writes, so
// every concurrent caller writes one whole envelope.
func (c *Connection) Send(e *envelope.Envelope) error {
	if err := c.Transport.Send(e); err != nil {
		return fmt.Errorf("conn %s: send: %w", c.ID, err)
	}
	return nil
}

// Recv blocks for the next envelope from the transport.
func (c *Connection) Recv() (*envelope.Envelope, error) {
	return c.Transport.Recv()
}

// Close transitions to CLOSED and releases the transport. Idempotent.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.closed)
		err = c.Transport.Close()
	})
	return err
}

// Done returns a channel closed when the connection has been closed.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Fail transitions to ERROR and closes the transport, used when the protocol
// state machine detects a fatal condition (spec §4.1, §7).
func (c *Connection) Fail(reason string) {
	c.logger.Warn("connection failed", zap.String("reason", reason))
	c.setState(StateError)
	_ = c.Close()
}

// NowMS returns time.Now in Unix milliseconds. It is a var, not a function
// literal captured at package init, so tests may swap it. The codec and the
// broker's handshake do not read it; they take timestamps from their callers.
var NowMS = func() int64 {
	return time.Now().UnixMilli()
}

// Context helpers -----------------------------------------------------------

// connKey is the context key under which a *Connection is stored so
// handlers deep in the call stack (router, injector) can recover "who sent
// this" without threading an extra parameter everywhere.
type connKey struct{}

// WithConnection returns a context carrying c.
func WithConnection(ctx context.Context, c *Connection) context.Context {
	return context.WithValue(ctx, connKey{}, c)
}

// FromContext recovers the Connection stored by WithConnection, if any.
func FromContext(ctx context.Context) (*Connection, bool) {
	c, ok := ctx.Value(connKey{}).(*Connection)
	return c, ok
}
