package cloud

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// uplinkState is persisted to disk after the first successful WELCOME from
// the remote broker. It lets the uplink present its resume token on the next
// reconnect so the remote broker treats it as the same session rather than
// a fresh one.
type uplinkState struct {
	ResumeToken string `json:"resume_token"`
}

func stateFilePath(stateDir string) string {
	return filepath.Join(stateDir, "cloud-state.json")
}

// loadState reads the persisted uplink state from disk. A missing file
// yields an empty state (ResumeToken == ""), which is the first-connect case.
func loadState(stateDir string) (uplinkState, error) {
	data, err := os.ReadFile(stateFilePath(stateDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return uplinkState{}, nil
		}
		return uplinkState{}, fmt.Errorf("cloud: failed to read state file: %w", err)
	}
	var s uplinkState
	if err := json.Unmarshal(data, &s); err != nil {
		return uplinkState{}, fmt.Errorf("cloud: corrupted state file: %w", err)
	}
	return s, nil
}

// saveState writes s atomically via temp file + rename, the same pattern the
// agent uses for its own reconnect identity.
func saveState(stateDir string, s uplinkState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("cloud: failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0750); err != nil {
		return fmt.Errorf("cloud: failed to create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(stateDir, "cloud-state.*.tmp")
	if err != nil {
		return fmt.Errorf("cloud: failed to create temp state file: %w", err)
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
		return fmt.Errorf("cloud: failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cloud: failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, stateFilePath(stateDir)); err != nil {
		return fmt.Errorf("cloud: failed to rename state file: %w", err)
	}
	ok = true
	return nil
}
