package stages

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateClientID reads the MQTT client ID from a file in dataDir,
// or generates "reimburse-" plus a new UUIDv7 and persists it. A stable
// ID lets the broker resume the session across restarts.
func LoadOrCreateClientID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "mqtt_client_id")

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate client ID: %w", err)
	}

	clientID := "reimburse-" + id.String()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dataDir, err)
	}
	if err := os.WriteFile(path, []byte(clientID+"\n"), 0644); err != nil {
		return "", fmt.Errorf("persist client ID to %s: %w", path, err)
	}
	return clientID, nil
}
