// Package broker implements C9: the supervisor that wires every other
// component together, owns the accept loops for the local socket and the
// optional HTTP/WS listener, drives the pending-ack sweeper, and carries out
// the startup and shutdown ordering described in spec §4.9.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/agentrelay/relay/internal/cloud"
	"github.com/agentrelay/relay/internal/conn"
	"github.com/agentrelay/relay/internal/envelope"
	"github.com/agentrelay/relay/internal/inject"
	"github.com/agentrelay/relay/internal/msglog"
	"github.com/agentrelay/relay/internal/ptysup"
	"github.com/agentrelay/relay/internal/registry"
	"github.com/agentrelay/relay/internal/router"
)

// ackSweepInterval is the pending-ack sweeper's granularity (spec §4.9: "a
// timer of 100ms granularity").
const ackSweepInterval = 100 * time.Millisecond

// helloDeadline bounds how long a freshly accepted transport is given to
// send its first HELLO before being disconnected (spec §6).
const helloDeadline = 10 * time.Second

// byeGracePeriod bounds how long shutdown waits for ACTIVE Connections to
// acknowledge a BYE before the transport is closed out from under them
// (spec §4.9's "BYE all ACTIVE Connections with a short grace period").
const byeGracePeriod = 2 * time.Second

// Config configures one broker instance.
type Config struct {
	Version string // build version, reported in STATUS_RESPONSE

	DataDir        string // per-project directory for db, state, outbox dirs
	LocalSocketPath string // well-known path for the local stream transport

	HTTPAddr string // empty disables the optional listening HTTP/WS port

	WorkspaceToken string // empty disables token gating on the WS listener

	MaxFrameBytes int
	HeartbeatMS   int64
	MaxLogEntries int

	Cloud *cloud.Config // nil disables the uplink

	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel
	NowMS    func() int64
}

// Broker owns every broker-wide component and the accept loops that feed
// them, per spec §4.9.
type Broker struct {
	cfg    Config
	logger *zap.Logger
	nowMS  func() int64

	db       *gorm.DB
	entries  *msglog.EntryStore
	sessions *msglog.SessionStore
	channels *msglog.ChannelStore
	acks     *msglog.PendingAckTable

	agents   *registry.Registry
	injector *inject.Manager
	route    *router.Router
	cloudMgr *cloud.Manager

	startedMS int64
	rootCtx   context.Context

	mu      sync.RWMutex
	conns   map[string]*conn.Connection // connID -> live Connection, ACTIVE or HANDSHAKING
	nextID  uint64

	ptyMu       sync.Mutex
	ptySessions map[string]*ptysup.Session
	watcherStop map[string]context.CancelFunc
	spawners    map[string]string // agent name -> spawner's conn id, if known

	ln         net.Listener
	httpServer *httpServer
	metrics    *metrics

	wg sync.WaitGroup
}

// New constructs a Broker and its entire dependency graph, but does not yet
// accept any Connection — call Run for that.
func New(cfg Config) (*Broker, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.NowMS == nil {
		cfg.NowMS = func() int64 { return time.Now().UnixMilli() }
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("broker: data dir is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("broker: create data dir: %w", err)
	}

	m := newMetrics()
	db, err := msglog.Open(msglog.Config{
		DSN:         dbPath(cfg.DataDir),
		Logger:      cfg.Logger,
		LogLevel:    cfg.LogLevel,
		OnSlowQuery: func(string, time.Duration) { m.slowQueries.Inc() },
	})
	if err != nil {
		return nil, fmt.Errorf("broker: open message log: %w", err)
	}

	b := &Broker{
		cfg:         cfg,
		logger:      cfg.Logger.Named("broker"),
		nowMS:       cfg.NowMS,
		db:          db,
		entries:     msglog.NewEntryStore(db, cfg.MaxLogEntries),
		sessions:    msglog.NewSessionStore(db),
		channels:    msglog.NewChannelStore(db),
		acks:        msglog.NewPendingAckTable(db),
		conns:       make(map[string]*conn.Connection),
		ptySessions: make(map[string]*ptysup.Session),
		watcherStop: make(map[string]context.CancelFunc),
		spawners:    make(map[string]string),
		metrics:     m,
	}

	b.agents = registry.New(b.isActive, cfg.Logger)
	b.injector = inject.NewManager(cfg.Logger, cfg.NowMS)
	b.route = router.New(b.agents, b.entries, b.channels, b.acks, b.injector, router.Config{
		OnInjectionResult: func(result string) { b.metrics.injectionResults.WithLabelValues(result).Inc() },
	}, cfg.Logger, cfg.NowMS)

	if cfg.Cloud != nil {
		b.cloudMgr = cloud.New(*cfg.Cloud, b.route, cfg.Logger, cfg.NowMS)
		b.route.SetUplink(b.cloudMgr)
	}

	return b, nil
}

func dbPath(dataDir string) string {
	return "file:" + dataDir + "/relay.db?_pragma=busy_timeout(5000)"
}

// isActive implements registry.IsActiveChecker against the broker's live
// connection table.
func (b *Broker) isActive(connID string) bool {
	b.mu.RLock()
	c, ok := b.conns[connID]
	b.mu.RUnlock()
	return ok && c.State() == conn.StateActive
}

// Run carries out the startup order from spec §4.9 (log & resume store, then
// channel memberships, then local accept loop, then optional HTTP/WS port,
// then cloud uplink) and blocks until ctx is cancelled, at which point it
// performs the shutdown order before returning.
func (b *Broker) Run(ctx context.Context) error {
	b.startedMS = b.nowMS()
	b.rootCtx = ctx

	if err := b.route.LoadChannelMemberships(ctx); err != nil {
		return fmt.Errorf("broker: restore channel memberships: %w", err)
	}
	b.logger.Info("channel memberships restored")

	ln, err := listenLocal(b.cfg.LocalSocketPath)
	if err != nil {
		return fmt.Errorf("broker: listen local socket: %w", err)
	}
	b.ln = ln
	b.logger.Info("local transport listening", zap.String("path", b.cfg.LocalSocketPath))

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.acceptLoop(ctx, ln)
	}()

	if b.cfg.HTTPAddr != "" {
		srv := newHTTPServer(b)
		b.httpServer = srv
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if err := srv.ListenAndServe(b.cfg.HTTPAddr); err != nil {
				b.logger.Error("http server error", zap.Error(err))
			}
		}()
		b.logger.Info("http listener started", zap.String("addr", b.cfg.HTTPAddr))
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.runAckSweeper(ctx)
	}()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.runHeartbeatMonitor(ctx)
	}()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.runHighWaterPersist(ctx)
	}()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.runSnapshotLoop(ctx)
	}()

	if b.cloudMgr != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.cloudMgr.Run(ctx)
		}()
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.pollCloudConnection(ctx)
		}()
		b.logger.Info("cloud uplink starting")
	}

	<-ctx.Done()
	return b.shutdown()
}

// shutdown carries out spec §4.9's shutdown order: stop accepting, BYE every
// ACTIVE Connection with a grace period, drain PTY injection queues (their
// own deadlines bound this — nothing extra to wait for here beyond letting
// in-flight jobs finish), flush the log, close transports, join background
// tasks.
func (b *Broker) shutdown() error {
	b.logger.Info("shutting down broker")

	if b.ln != nil {
		_ = b.ln.Close()
	}
	if b.httpServer != nil {
		_ = b.httpServer.Close()
	}

	b.byeActiveConnections()

	b.ptyMu.Lock()
	for name, stop := range b.watcherStop {
		stop()
		delete(b.watcherStop, name)
	}
	for name, sess := range b.ptySessions {
		_ = sess.Close()
		delete(b.ptySessions, name)
	}
	b.ptyMu.Unlock()

	b.wg.Wait()

	if sqlDB, err := b.db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	b.logger.Info("broker stopped")
	return nil
}

// byeActiveConnections sends a BYE to every ACTIVE Connection, gives them
// byeGracePeriod to react, and then closes each of them.
func (b *Broker) byeActiveConnections() {
	b.mu.RLock()
	targets := make([]*conn.Connection, 0, len(b.conns))
	for _, c := range b.conns {
		if c.State() == conn.StateActive {
			targets = append(targets, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range targets {
		c.BeginClosing()
		bye := envelopeBye(b.nowMS())
		if err := c.Send(bye); err != nil {
			b.logger.Warn("broker: failed to send shutdown BYE", zap.String("conn_id", c.ID), zap.Error(err))
		}
	}
	if len(targets) > 0 {
		time.Sleep(byeGracePeriod)
	}
	for _, c := range targets {
		_ = c.Close()
	}
}

// acceptLoop accepts connections on the local transport listener until ctx is
// cancelled or the listener closes.
func (b *Broker) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			b.logger.Warn("accept error", zap.Error(err))
			continue
		}
		transport := conn.NewLocalTransport(nc, b.cfg.MaxFrameBytes)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.serveConnection(ctx, transport, conn.KindAgent)
		}()
	}
}

// serveConnection runs one Connection end to end: handshake, then dispatch
// loop, then cleanup, regardless of which transport it arrived on.
func (b *Broker) serveConnection(ctx context.Context, t conn.Transport, defaultKind conn.Kind) {
	id := b.newConnID()
	c := conn.New(id, t, b.logger)
	c.Kind = defaultKind

	b.mu.Lock()
	b.conns[id] = c
	b.mu.Unlock()
	b.metrics.connectionsActive.Inc()

	defer func() {
		if c.AgentName() != "" {
			b.persistHighWater(ctx, c)
		}
		b.mu.Lock()
		delete(b.conns, id)
		b.mu.Unlock()
		b.metrics.connectionsActive.Dec()
		if name := c.AgentName(); name != "" {
			b.agents.Unregister(name, id)
			b.route.DetachDispatcher(id)
			b.acks.ResolveBySender(ctx, id)
		}
		_ = c.Close()
	}()

	if err := b.handshake(ctx, c); err != nil {
		b.logger.Info("handshake failed", zap.String("conn_id", id), zap.Error(err))
		return
	}

	b.dispatchLoop(ctx, c)
}

func (b *Broker) newConnID() string {
	b.mu.Lock()
	b.nextID++
	n := b.nextID
	b.mu.Unlock()
	return fmt.Sprintf("conn-%d-%d", b.startedMS, n)
}

// pollCloudConnection counts each time the uplink transitions from
// disconnected to connected, a cheap proxy for "reconnect happened" since
// cloud.Manager does not expose its backoff loop's internal events directly.
func (b *Broker) pollCloudConnection(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	wasConnected := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := b.cloudMgr.Connected()
			if now && !wasConnected {
				b.metrics.cloudReconnects.Inc()
			}
			wasConnected = now
		}
	}
}

// envelopeBye builds the unsolicited BYE sent to every ACTIVE Connection at
// shutdown (spec §4.9).
func envelopeBye(nowMS int64) *envelope.Envelope {
	return envelope.New(envelope.TypeBye, "", "", nowMS)
}

// listenLocal removes a stale socket file (left by an unclean prior exit)
// before binding, the same defensive step a Unix-domain listener always
// needs since the path persists on disk independent of the process.
func listenLocal(path string) (net.Listener, error) {
	if path == "" {
		return nil, fmt.Errorf("broker: local socket path is required")
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return ln, nil
}
