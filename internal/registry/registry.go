// Package registry implements C3: the name → Connection mapping, reserved
// name enforcement, presence events, and liveness tracking described in
// spec §3 and §4.3.
//
// The registry holds only a Connection's id and a small amount of
// display metadata, never the Connection itself, per spec §9's design note
// ("Name → Connection as a weak relationship"): the transport owns the
// Connection's lifetime, the registry owns a lookup that is invalidated the
// instant the owner reports the Connection gone.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNameInUse is returned by Register when name already resolves to an
// ACTIVE connection with a different id.
var ErrNameInUse = errors.New("registry: name in use")

// ErrReservedName is returned when a non-internal HELLO claims a reserved
// name.
var ErrReservedName = errors.New("registry: reserved name")

// ErrNotFound is returned by lookups that find no record for the name.
var ErrNotFound = errors.New("registry: agent not found")

// ReservedNames may not be claimed by ordinary agents (spec §4.3). Internal
// broker components may still register under one of these by setting
// Register's internal flag.
var ReservedNames = map[string]struct{}{
	"system":    {},
	"dashboard": {},
	"router":    {},
	"cli":       {},
	"*":         {},
}

// IsActiveChecker reports whether a connection id is still ACTIVE. The
// registry calls back into the owner (the broker/conn layer) rather than
// holding a reference to the Connection itself.
type IsActiveChecker func(connID string) bool

// AgentRecord is the registry's view of a logical agent, per spec §3.
type AgentRecord struct {
	Name       string
	ConnID     string // empty if currently offline
	LastSeenMS int64
	CLI        string
	Role       string
	Team       string
	Avatar     string
}

// PresenceEvent is emitted on register/unregister, per spec §4.3
// ("AGENT_READY" / "AGENT_LEFT").
type PresenceEvent struct {
	Type string // "AGENT_READY" | "AGENT_LEFT"
	Name string
}

// Registry is the in-memory (and, via the owner's persistence hook,
// durable) agent directory. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*AgentRecord
	isActive IsActiveChecker
	logger   *zap.Logger

	presenceMu sync.Mutex
	presence   []chan PresenceEvent
}

// New creates an empty Registry. isActive is consulted when Register finds
// an existing mapping, to decide whether the prior connection may be
// displaced (spec §4.3: "displacing any prior mapping only if the prior
// Connection is not ACTIVE").
func New(isActive IsActiveChecker, logger *zap.Logger) *Registry {
	return &Registry{
		agents:   make(map[string]*AgentRecord),
		isActive: isActive,
		logger:   logger.Named("registry"),
	}
}

// Register binds name to connID. If name is reserved and internal is false,
// returns ErrReservedName. If name already maps to a still-ACTIVE connection
// other than connID, returns ErrNameInUse.
func (r *Registry) Register(name, connID string, internal bool, nowMS int64, meta AgentRecord) error {
	if _, reserved := ReservedNames[name]; reserved && !internal {
		return fmt.Errorf("%w: %q", ErrReservedName, name)
	}

	r.mu.Lock()
	existing, ok := r.agents[name]
	if ok && existing.ConnID != "" && existing.ConnID != connID && r.isActive != nil && r.isActive(existing.ConnID) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNameInUse, name)
	}

	rec := meta
	rec.Name = name
	rec.ConnID = connID
	rec.LastSeenMS = nowMS
	r.agents[name] = &rec
	r.mu.Unlock()

	r.logger.Info("agent registered", zap.String("name", name), zap.String("conn_id", connID))
	r.broadcastPresence(PresenceEvent{Type: "AGENT_READY", Name: name})
	return nil
}

// Unregister clears the connection mapping for name, but only if connID
// matches the currently stored one — this defends against a stale close
// event arriving after a reconnect has already replaced the mapping (spec
// §4.3).
func (r *Registry) Unregister(name, connID string) {
	r.mu.Lock()
	rec, ok := r.agents[name]
	if !ok || rec.ConnID != connID {
		r.mu.Unlock()
		return
	}
	rec.ConnID = ""
	r.mu.Unlock()

	r.logger.Info("agent unregistered", zap.String("name", name), zap.String("conn_id", connID))
	r.broadcastPresence(PresenceEvent{Type: "AGENT_LEFT", Name: name})
}

// Touch updates the last-seen timestamp for name, a no-op if name is
// unknown.
func (r *Registry) Touch(name string, nowMS int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.agents[name]; ok {
		rec.LastSeenMS = nowMS
	}
}

// Lookup returns the connection id currently bound to name, if any is
// online.
func (r *Registry) Lookup(name string) (connID string, online bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[name]
	if !ok || rec.ConnID == "" {
		return "", false
	}
	return rec.ConnID, true
}

// Record returns a copy of the AgentRecord for name.
func (r *Registry) Record(name string) (AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[name]
	if !ok {
		return AgentRecord{}, ErrNotFound
	}
	return *rec, nil
}

// Remove deletes the agent record entirely (explicit release, spec §3's
// AgentRecord lifecycle: "removed only by explicit release or after a
// deadline").
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.agents, name)
	r.mu.Unlock()
}

// All returns a snapshot of every known agent, sorted by name for
// deterministic iteration (used by LIST_AGENTS).
func (r *Registry) All() []AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentRecord, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ActiveNames returns the names of every agent currently online, sorted.
func (r *Registry) ActiveNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for name, rec := range r.agents {
		if rec.ConnID != "" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Subscribe returns a channel that receives every future PresenceEvent.
// Callers must drain it or call Unsubscribe to avoid leaking memory; the
// channel is buffered so a slow consumer does not block registration.
func (r *Registry) Subscribe() <-chan PresenceEvent {
	ch := make(chan PresenceEvent, 32)
	r.presenceMu.Lock()
	r.presence = append(r.presence, ch)
	r.presenceMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (r *Registry) Unsubscribe(ch <-chan PresenceEvent) {
	r.presenceMu.Lock()
	defer r.presenceMu.Unlock()
	for i, c := range r.presence {
		if c == ch {
			close(c)
			r.presence = append(r.presence[:i], r.presence[i+1:]...)
			return
		}
	}
}

func (r *Registry) broadcastPresence(ev PresenceEvent) {
	r.presenceMu.Lock()
	defer r.presenceMu.Unlock()
	for _, ch := range r.presence {
		select {
		case ch <- ev:
		default:
			// Slow subscriber — drop rather than block registration.
		}
	}
}

// WaitForAgent blocks until name is online or ctx is cancelled. Polls every
// 250ms; used by tests — no SPAWN path in the broker calls it (see
// SPEC_FULL.md §11).
func (r *Registry) WaitForAgent(ctx context.Context, name string) error {
	for {
		if _, online := r.Lookup(name); online {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("registry: timed out waiting for %q: %w", name, ctx.Err())
		case <-time.After(250 * time.Millisecond):
		}
	}
}
