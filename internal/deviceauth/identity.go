package deviceauth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const identityFileName = "device_id"

// Identity is the persisted per-installation device identifier sent to the
// provider's usage endpoint. It is rotated after every successful
// authorization so consecutive accounts do not share one machine footprint.
type Identity struct {
	mx      sync.Mutex
	dataDir string
}

func NewIdentity(dataDir string) *Identity {
	return &Identity{dataDir: dataDir}
}

func (d *Identity) path() string {
	return filepath.Join(d.dataDir, identityFileName)
}

// Get returns the current identifier, creating one on first use.
func (d *Identity) Get() (string, error) {
	d.mx.Lock()
	defer d.mx.Unlock()

	raw, err := os.ReadFile(d.path())
	if err == nil {
		id := strings.TrimSpace(string(raw))
		if len(id) == 64 {
			return id, nil
		}
		// corrupt file, regenerate
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading device identity: %w", err)
	}
	return d.rotate()
}

// Reset discards the current identifier and persists a fresh one.
func (d *Identity) Reset() (string, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.rotate()
}

// rotate writes a new random identifier. Caller holds d.mx.
func (d *Identity) rotate() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating device identity: %w", err)
	}
	id := hex.EncodeToString(buf)

	if err := os.MkdirAll(d.dataDir, 0700); err != nil {
		return "", fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(d.path(), []byte(id), 0600); err != nil {
		return "", fmt.Errorf("persisting device identity: %w", err)
	}
	return id, nil
}
