package inject

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Manager owns one SessionQueue per PTY-wrapped agent name, created on
// SPAWN and torn down on RELEASE or exit.
type Manager struct {
	mu     sync.RWMutex
	queues map[string]*SessionQueue
	logger *zap.Logger
	nowMS  func() int64
}

// NewManager returns an empty Manager.
func NewManager(logger *zap.Logger, nowMS func() int64) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		queues: make(map[string]*SessionQueue),
		logger: logger.Named("inject.manager"),
		nowMS:  nowMS,
	}
}

// Add registers a SessionQueue for name, replacing any prior one (callers
// are expected to have released the old session first).
func (m *Manager) Add(ctx context.Context, name string, target Target, proc Processing) *SessionQueue {
	q := NewSessionQueue(ctx, name, target, proc, m.logger, m.nowMS)
	m.mu.Lock()
	m.queues[name] = q
	m.mu.Unlock()
	return q
}

// Remove drops the SessionQueue for name. Jobs already dequeued finish;
// anything still enqueued is abandoned along with the queue's worker
// goroutine once its context is cancelled by the caller.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	delete(m.queues, name)
	m.mu.Unlock()
}

// Enqueue routes job to name's queue. Returns an error if name has no PTY
// session registered.
func (m *Manager) Enqueue(name string, job Job) error {
	m.mu.RLock()
	q, ok := m.queues[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("inject: no pty session for %q", name)
	}
	return q.Enqueue(job)
}

// Has reports whether name currently has a registered PTY session.
func (m *Manager) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.queues[name]
	return ok
}
