package slave

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// EnsureID returns the slave's stable identity, minting and persisting one
// on first run. The id survives restarts so the master can recognize the
// node across sessions.
func EnsureID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "slave_id")
	if b, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	}
	id := uuid.NewString()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", err
	}
	return id, nil
}
