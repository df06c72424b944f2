package outbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agentrelay/relay/internal/envelope"
)

// rescanInterval is the periodic backstop scan period. fsnotify events can
// be missed under load (spec §9's "Outbox file protocol is lossy"), so the
// watcher never relies on events alone.
const rescanInterval = 2 * time.Second

// Handler receives one parsed Envelope from an outbox file. Implementations
// (the broker) are expected to hand it to the router the same way an
// on-wire SEND/SPAWN/RELEASE would be, and must tolerate being called twice
// for the same envelope id (spec §9's idempotency requirement) — the
// router's dedup and on-conflict-do-nothing log insert already do this for
// every other ingestion path.
type Handler func(ctx context.Context, e *envelope.Envelope) error

// Watcher watches one agent's outbox directory.
type Watcher struct {
	dir    string
	sender string
	handle Handler
	logger *zap.Logger
	nowMS  func() int64
}

// NewWatcher returns a Watcher for dir, attributing ingested envelopes to
// sender (the agent whose outbox this is).
func NewWatcher(dir, sender string, handle Handler, logger *zap.Logger, nowMS func() int64) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if nowMS == nil {
		nowMS = func() int64 { return time.Now().UnixMilli() }
	}
	return &Watcher{dir: dir, sender: sender, handle: handle, logger: logger.Named("outbox").With(zap.String("agent", sender)), nowMS: nowMS}
}

// Run watches dir until ctx is cancelled, combining fsnotify events with a
// periodic rescan backstop. Blocking; run it in its own goroutine.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0750); err != nil {
		return fmt.Errorf("outbox: create dir: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("outbox: create fsnotify watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("outbox: watch dir: %w", err)
	}

	ticker := time.NewTicker(rescanInterval)
	defer ticker.Stop()

	w.scan(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.ingest(ctx, ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("outbox: fsnotify error", zap.Error(err))
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

// scan is the periodic backstop: re-list the directory and ingest anything
// still present (a missed Create event, or a write that landed before the
// watcher attached).
func (w *Watcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("outbox: rescan failed", zap.Error(err))
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.ingest(ctx, filepath.Join(w.dir, entry.Name()))
	}
}

// ingest reads, parses, hands off, and deletes one file. A file that
// vanished before we got to it (already ingested by the other of
// event/rescan) is not an error.
func (w *Watcher) ingest(ctx context.Context, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		w.logger.Warn("outbox: read failed", zap.String("path", path), zap.Error(err))
		return
	}
	if len(raw) == 0 {
		// A Create event can fire before the writer finishes; the rescan
		// backstop will pick this file up again once it has content.
		return
	}

	e, err := parseFile(raw, w.sender, w.nowMS())
	if err != nil {
		w.logger.Warn("outbox: parse failed, leaving file for inspection", zap.String("path", path), zap.Error(err))
		return
	}

	if err := w.handle(ctx, e); err != nil {
		w.logger.Warn("outbox: handler failed, will retry on next scan", zap.String("path", path), zap.Error(err))
		return
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.Warn("outbox: delete-after-ingest failed", zap.String("path", path), zap.Error(err))
	}
}
