package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/agentrelay/relay/internal/registry"
)

// snapshotFileName holds the broker's last-known agent roster and channel
// memberships, a convenience restart aid distinct from the message log's own
// durable state: unlike sessions/entries it is advisory only, rebuilt from
// the database on every restart via LoadChannelMemberships, and is never read
// back by the broker itself. It exists so an operator or a dashboard process
// can inspect broker state without querying sqlite directly (spec §11's
// "Atomic state-file persistence").
const snapshotFileName = "snapshot.json"

// snapshotInterval is how often the broker refreshes the on-disk snapshot.
const snapshotInterval = 5 * time.Second

// Snapshot is the broker's point-in-time roster, written atomically.
type Snapshot struct {
	GeneratedMS int64                  `json:"generated_ms"`
	Agents      []registry.AgentRecord `json:"agents"`
	Channels    map[string][]string    `json:"channels"`
	CloudLinked bool                   `json:"cloud_linked"`
}

func snapshotPath(dataDir string) string {
	return filepath.Join(dataDir, snapshotFileName)
}

// LoadSnapshot reads the last-written snapshot file, if any. Used only by
// external tooling (and tests); the broker itself always rebuilds live state
// from the database rather than trusting this file.
func LoadSnapshot(dataDir string) (*Snapshot, error) {
	data, err := os.ReadFile(snapshotPath(dataDir))
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("broker: corrupted snapshot file: %w", err)
	}
	return &s, nil
}

// writeSnapshot gathers the current roster and channel memberships and
// persists them atomically via temp file + rename.
func (b *Broker) writeSnapshot(ctx context.Context) error {
	channels, err := b.channels.All(ctx)
	if err != nil {
		return fmt.Errorf("broker: load channel memberships: %w", err)
	}
	snap := Snapshot{
		GeneratedMS: b.nowMS(),
		Agents:      b.agents.All(),
		Channels:    channels,
		CloudLinked: b.cloudMgr != nil && b.cloudMgr.Connected(),
	}
	return saveSnapshot(b.cfg.DataDir, snap)
}

func saveSnapshot(dataDir string, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("broker: marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return fmt.Errorf("broker: create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(dataDir, "snapshot.*.tmp")
	if err != nil {
		return fmt.Errorf("broker: create temp snapshot file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("broker: write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("broker: close temp snapshot file: %w", err)
	}
	if err := os.Rename(tmpPath, snapshotPath(dataDir)); err != nil {
		return fmt.Errorf("broker: rename snapshot file: %w", err)
	}
	ok = true
	return nil
}

// runSnapshotLoop periodically refreshes the on-disk snapshot until ctx is
// cancelled, logging (not failing) write errors since the snapshot is
// advisory.
func (b *Broker) runSnapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.writeSnapshot(ctx); err != nil {
				b.logger.Warn("broker: snapshot write failed", zap.Error(err))
			}
		}
	}
}
