package bootstrap

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Persister rewrites a node's snapshot file atomically: the new
// content is written to a temp file in the same directory, then
// renamed over the target, so a crash mid-write never leaves a
// partially-written (and therefore corrupt-at-next-boot) snapshot.
type Persister struct {
	path string
}

// NewPersister returns a Persister targeting path.
func NewPersister(path string) *Persister {
	return &Persister{path: path}
}

// Save writes cfg as the new snapshot. It must complete before any
// reply is sent for the RPC that triggered the mutation; callers must
// call Save synchronously, never in a goroutine.
func (p *Persister) Save(cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("bootstrap: marshaling snapshot: %w", err)
	}

	dir := filepath.Dir(p.path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("bootstrap: creating temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("bootstrap: writing temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("bootstrap: closing temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, p.path); err != nil {
		return fmt.Errorf("bootstrap: renaming snapshot into place: %w", err)
	}
	return nil
}
