package catalog

import (
	"fmt"
	"sync/atomic"

	"hugr-engine/internal/logging"
)

// Manager maintains the active catalog snapshot. Reads are lock-free; a
// reload compiles a complete replacement snapshot and publishes it with a
// single atomic swap, so in-flight requests keep the snapshot they resolved.
type Manager struct {
	sources []DataSource
	logger  *logging.Logger
	active  atomic.Pointer[Snapshot]
	version atomic.Int64
}

// NewManager compiles the initial snapshot and returns a manager.
func NewManager(sdl string, sources []DataSource, logger *logging.Logger) (*Manager, error) {
	m := &Manager{sources: sources, logger: logger}
	if err := m.Reload(sdl); err != nil {
		return nil, err
	}
	return m, nil
}

// Snapshot returns the currently published snapshot.
func (m *Manager) Snapshot() *Snapshot {
	return m.active.Load()
}

// Reload compiles sdl and publishes it. On compile failure the previous
// snapshot stays active and the error is returned.
func (m *Manager) Reload(sdl string) error {
	snap, err := Compile(sdl, m.sources)
	if err != nil {
		return fmt.Errorf("catalog reload: %w", err)
	}
	snap.Version = m.version.Add(1)
	prev := m.active.Swap(snap)
	if m.logger != nil {
		if prev == nil {
			m.logger.Info("catalog published",
				"version", snap.Version,
				"objects", len(snap.objects),
				"fingerprint", snap.Fingerprint[:12])
		} else {
			m.logger.Info("catalog reloaded",
				"version", snap.Version,
				"previous_version", prev.Version,
				"objects", len(snap.objects))
		}
	}
	return nil
}
