// Package schemarefresh reloads the SDL catalog when the schema file changes.
package schemarefresh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"hugr-engine/internal/catalog"
	"hugr-engine/internal/logging"
	"hugr-engine/internal/observability"
)

// Config controls schema refresh behavior.
type Config struct {
	// Path is the SDL schema file to watch. Stdin-sourced schemas cannot be
	// refreshed; callers must disable polling for them.
	Path string
	// MinInterval is the polling interval after a change or failure.
	MinInterval time.Duration
	// MaxInterval caps the backoff applied while the file is unchanged.
	MaxInterval time.Duration
}

// Manager polls the schema file and swaps the catalog on change.
type Manager struct {
	path        string
	catalog     *catalog.Manager
	logger      *logging.Logger
	metrics     *observability.SchemaRefreshMetrics
	minInterval time.Duration
	maxInterval time.Duration

	mu          sync.Mutex
	fingerprint atomic.Value
	wg          sync.WaitGroup
}

// NewManager returns a manager seeded with the current file fingerprint.
func NewManager(cfg Config, cat *catalog.Manager, logger *logging.Logger, metrics *observability.SchemaRefreshMetrics) (*Manager, error) {
	if cat == nil {
		return nil, fmt.Errorf("schema refresh manager requires a catalog")
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("schema refresh manager requires a schema path")
	}
	if logger == nil {
		logger = &logging.Logger{Logger: slog.Default()}
	}

	minInterval := cfg.MinInterval
	maxInterval := cfg.MaxInterval
	if minInterval <= 0 {
		minInterval = 30 * time.Second
	}
	if maxInterval <= 0 {
		maxInterval = 5 * time.Minute
	}
	if maxInterval < minInterval {
		maxInterval = minInterval
	}

	m := &Manager{
		path:        cfg.Path,
		catalog:     cat,
		logger:      logger.WithFields(slog.String("component", "schema_refresh")),
		metrics:     metrics,
		minInterval: minInterval,
		maxInterval: maxInterval,
	}

	sdl, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	m.fingerprint.Store(fingerprintSDL(sdl))

	return m, nil
}

// Fingerprint returns the hash of the last loaded schema file.
func (m *Manager) Fingerprint() string {
	if v := m.fingerprint.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Start begins the background polling loop.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.refreshLoop(ctx)
	}()
}

// Wait blocks until the polling loop exits or the context is canceled.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RefreshNow forces a file read and catalog swap regardless of the
// fingerprint. Used by the admin reload endpoint.
func (m *Manager) RefreshNow(ctx context.Context) error {
	_, err := m.refresh(ctx, "manual", true)
	return err
}

func (m *Manager) refreshLoop(ctx context.Context) {
	interval := m.minInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("schema refresh stopped")
			return
		case <-timer.C:
			changed, err := m.refresh(ctx, "poll", false)
			if err != nil {
				m.logger.Warn("schema refresh failed", slog.String("error", err.Error()))
				interval = m.minInterval
			} else if changed {
				interval = m.minInterval
			} else {
				interval = nextInterval(interval, m.minInterval, m.maxInterval)
			}
			timer.Reset(interval)
		}
	}
}

// refresh reads the file once and swaps the catalog when the content changed
// (or unconditionally when forced). Serialized so concurrent manual and
// polled refreshes cannot interleave reload and fingerprint updates.
func (m *Manager) refresh(ctx context.Context, trigger string, force bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()

	sdl, err := os.ReadFile(m.path)
	if err != nil {
		m.recordRefresh(ctx, time.Since(start), false, trigger)
		return false, fmt.Errorf("failed to read schema file: %w", err)
	}

	fingerprint := fingerprintSDL(sdl)
	if !force && fingerprint == m.Fingerprint() {
		m.recordRefresh(ctx, time.Since(start), true, trigger+"_no_change")
		return false, nil
	}

	m.logger.Info("schema change detected, reloading",
		slog.String("fingerprint", fingerprint),
		slog.String("trigger", trigger),
	)
	if err := m.catalog.Reload(string(sdl)); err != nil {
		m.recordRefresh(ctx, time.Since(start), false, trigger)
		return false, fmt.Errorf("failed to reload catalog: %w", err)
	}

	m.fingerprint.Store(fingerprint)
	m.recordRefresh(ctx, time.Since(start), true, trigger)
	m.logger.Info("schema reload complete", slog.String("fingerprint", fingerprint))
	return true, nil
}

func (m *Manager) recordRefresh(ctx context.Context, duration time.Duration, success bool, trigger string) {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordRefresh(ctx, duration, success, trigger)
}

func fingerprintSDL(sdl []byte) string {
	sum := sha256.Sum256(sdl)
	return hex.EncodeToString(sum[:])
}

func nextInterval(current, minInterval, maxInterval time.Duration) time.Duration {
	if current < minInterval {
		return minInterval
	}
	next := current + current/2
	if next > maxInterval {
		return maxInterval
	}
	return next
}
