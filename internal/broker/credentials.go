package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// credentialsFileName is where the workspace token and (when configured) the
// cloud uplink's bearer token are persisted, per spec §6's "persisted state:
// credentials". Kept as plain JSON with 0600 permissions; nothing in this
// broker encrypts data at rest — see DESIGN.md for why.
const credentialsFileName = "credentials.json"

// Credentials is the broker's own identity material, distinct from a single
// Connection's resume token.
type Credentials struct {
	WorkspaceToken string `json:"workspace_token,omitempty"`
	CloudToken     string `json:"cloud_token,omitempty"`
}

func credentialsPath(dataDir string) string {
	return filepath.Join(dataDir, credentialsFileName)
}

// LoadCredentials reads the persisted credentials file, returning a zero
// Credentials (not an error) if none has ever been written.
func LoadCredentials(dataDir string) (Credentials, error) {
	data, err := os.ReadFile(credentialsPath(dataDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Credentials{}, nil
		}
		return Credentials{}, fmt.Errorf("broker: read credentials: %w", err)
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return Credentials{}, fmt.Errorf("broker: corrupted credentials file: %w", err)
	}
	return c, nil
}

// SaveCredentials writes creds atomically via temp file + rename, the same
// pattern the teacher's connection manager uses for its own state file, so
// a crash mid-write never leaves a half-written credentials file behind.
func SaveCredentials(dataDir string, creds Credentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("broker: marshal credentials: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return fmt.Errorf("broker: create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(dataDir, "credentials.*.tmp")
	if err != nil {
		return fmt.Errorf("broker: create temp credentials file: %w", err)
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
		return fmt.Errorf("broker: write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("broker: close temp credentials file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("broker: chmod credentials file: %w", err)
	}
	if err := os.Rename(tmpPath, credentialsPath(dataDir)); err != nil {
		return fmt.Errorf("broker: rename credentials file: %w", err)
	}
	ok = true
	return nil
}
